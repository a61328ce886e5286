package mergetree

import (
	"encoding/binary"

	"github.com/hupe1980/tablestore/kv"
)

// MergeFunction reduces all records of one key, ordered by ascending
// sequence number, to the record that represents the key.
//
// It returns false when the key has no representation at all. A returned
// record with a retract kind is a tombstone: it shadows older runs and is
// dropped once nothing older remains.
type MergeFunction interface {
	Merge(records []kv.KeyValue) (kv.KeyValue, bool)
}

// Deduplicate keeps the record with the highest sequence number.
type Deduplicate struct{}

// Merge implements MergeFunction.
func (Deduplicate) Merge(records []kv.KeyValue) (kv.KeyValue, bool) {
	if len(records) == 0 {
		return kv.KeyValue{}, false
	}
	return records[len(records)-1], true
}

// ValueCount treats values as big-endian int64 counts. Insert and
// UpdateAfter add their count, UpdateBefore and Delete subtract it.
// A key whose counts sum to zero is absent.
type ValueCount struct{}

// Merge implements MergeFunction.
func (ValueCount) Merge(records []kv.KeyValue) (kv.KeyValue, bool) {
	if len(records) == 0 {
		return kv.KeyValue{}, false
	}
	var sum int64
	for _, r := range records {
		n := DecodeCount(r.Value)
		if r.Kind.IsRetract() {
			sum -= n
		} else {
			sum += n
		}
	}
	if sum == 0 {
		return kv.KeyValue{}, false
	}
	last := records[len(records)-1]
	return kv.KeyValue{
		Key:      last.Key,
		Sequence: last.Sequence,
		Kind:     kv.Insert,
		Value:    EncodeCount(sum),
	}, true
}

// EncodeCount encodes a count for ValueCount.
func EncodeCount(n int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(n))
}

// DecodeCount decodes a count written by EncodeCount. Short values count as 0.
func DecodeCount(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// MergeFunctionByName returns a built-in merge function ("deduplicate", "value-count").
func MergeFunctionByName(name string) (MergeFunction, bool) {
	switch name {
	case "", "deduplicate":
		return Deduplicate{}, true
	case "value-count":
		return ValueCount{}, true
	default:
		return nil, false
	}
}
