package mergetree

import (
	"bytes"

	"github.com/zhangyunhao116/skipmap"

	"github.com/hupe1980/tablestore/kv"
)

type bufferKey struct {
	key []byte
	seq uint64
}

// writeBuffer is the sorted in-memory buffer of a bucket writer. Entries are
// ordered by key and then sequence, so all versions of a key are adjacent.
type writeBuffer struct {
	records *skipmap.FuncMap[bufferKey, kv.KeyValue]
	size    int64
}

func newWriteBuffer() *writeBuffer {
	return &writeBuffer{
		records: skipmap.NewFunc[bufferKey, kv.KeyValue](func(a, b bufferKey) bool {
			if c := bytes.Compare(a.key, b.key); c != 0 {
				return c < 0
			}
			return a.seq < b.seq
		}),
	}
}

func (b *writeBuffer) put(r kv.KeyValue) {
	b.records.Store(bufferKey{key: r.Key, seq: r.Sequence}, r)
	b.size += r.Size()
}

func (b *writeBuffer) len() int {
	return b.records.Len()
}

func (b *writeBuffer) empty() bool {
	return b.records.Len() == 0
}

// forEachKey calls fn with all records of each key in key order.
// Records of a key are in ascending sequence order.
func (b *writeBuffer) forEachKey(fn func(records []kv.KeyValue) error) error {
	var (
		group []kv.KeyValue
		err   error
	)
	b.records.Range(func(_ bufferKey, r kv.KeyValue) bool {
		if len(group) > 0 && !bytes.Equal(group[0].Key, r.Key) {
			if err = fn(group); err != nil {
				return false
			}
			group = group[:0]
		}
		group = append(group, r)
		return true
	})
	if err != nil {
		return err
	}
	if len(group) > 0 {
		return fn(group)
	}
	return nil
}
