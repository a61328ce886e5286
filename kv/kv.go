package kv

import (
	"bytes"
	"fmt"
)

// ValueKind tags a record with its change semantics.
type ValueKind uint8

const (
	// Insert adds a new row for the key.
	Insert ValueKind = iota
	// UpdateBefore retracts the previous image of an updated row.
	UpdateBefore
	// UpdateAfter carries the new image of an updated row.
	UpdateAfter
	// Delete removes the row for the key.
	Delete
)

// String returns the conventional name of the kind.
func (k ValueKind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case UpdateBefore:
		return "UPDATE_BEFORE"
	case UpdateAfter:
		return "UPDATE_AFTER"
	case Delete:
		return "DELETE"
	default:
		return fmt.Sprintf("ValueKind(%d)", uint8(k))
	}
}

// IsRetract reports whether the kind removes the key's current value.
func (k ValueKind) IsRetract() bool {
	return k == Delete || k == UpdateBefore
}

// Valid reports whether k is one of the defined kinds.
func (k ValueKind) Valid() bool {
	return k <= Delete
}

// KeyValue is a single keyed record as stored in data files.
//
// Key and Value are opaque byte strings; keys are ordered by bytes.Compare.
// Sequence is assigned by the bucket writer and increases strictly within a bucket.
type KeyValue struct {
	Key      []byte
	Sequence uint64
	Kind     ValueKind
	Value    []byte
}

// Size returns the approximate in-memory footprint of the record in bytes.
func (kv KeyValue) Size() int64 {
	return int64(len(kv.Key)+len(kv.Value)) + 16
}

// Clone returns a deep copy of kv.
func (kv KeyValue) Clone() KeyValue {
	return KeyValue{
		Key:      bytes.Clone(kv.Key),
		Sequence: kv.Sequence,
		Kind:     kv.Kind,
		Value:    bytes.Clone(kv.Value),
	}
}

// String implements fmt.Stringer.
func (kv KeyValue) String() string {
	return fmt.Sprintf("%q@%d[%s]=%q", kv.Key, kv.Sequence, kv.Kind, kv.Value)
}

// Compare orders records by key, then by sequence number.
func Compare(a, b KeyValue) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	default:
		return 0
	}
}
