package mergetree

import (
	"bytes"
	"container/heap"
	"context"
	"errors"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/kv"
)

// Iterator iterates over records in (key, sequence) order.
//
// Usage:
//
//	for it.Next() {
//	    r := it.Record()
//	}
//	if err := it.Err(); err != nil { ... }
//	it.Close()
type Iterator interface {
	Next() bool
	Record() kv.KeyValue
	Err() error
	Close() error
}

// KeyRange restricts reads to keys in [Start, End). A nil bound is open.
type KeyRange struct {
	Start []byte
	End   []byte
}

// Contains reports whether key lies in the range.
func (r KeyRange) Contains(key []byte) bool {
	if r.Start != nil && bytes.Compare(key, r.Start) < 0 {
		return false
	}
	return r.End == nil || bytes.Compare(key, r.End) < 0
}

// Overlaps reports whether a file may hold keys in the range.
func (r KeyRange) Overlaps(f manifest.DataFileMeta) bool {
	if r.Start != nil && bytes.Compare(f.MaxKey, r.Start) < 0 {
		return false
	}
	return r.End == nil || bytes.Compare(f.MinKey, r.End) < 0
}

// runIterator concatenates the files of a sorted run.
type runIterator struct {
	ctx   context.Context
	env   *fileEnv
	files []manifest.DataFileMeta
	start []byte
	next  int
	cur   *fileIterator
	err   error
}

func newRunIterator(ctx context.Context, env *fileEnv, run SortedRun, kr KeyRange) *runIterator {
	var files []manifest.DataFileMeta
	for _, f := range run.Files {
		if kr.Overlaps(f) {
			files = append(files, f)
		}
	}
	return &runIterator{ctx: ctx, env: env, files: files, start: kr.Start}
}

func (it *runIterator) Next() bool {
	for it.err == nil {
		if it.cur != nil {
			if it.cur.Next() {
				return true
			}
			if err := it.cur.Err(); err != nil {
				it.err = err
				return false
			}
			it.err = it.cur.Close()
			it.cur = nil
			continue
		}
		if it.next >= len(it.files) {
			return false
		}
		r, err := it.env.open(it.ctx, it.files[it.next])
		if err != nil {
			it.err = err
			return false
		}
		it.next++
		it.cur = r.iterator(it.ctx, it.start)
	}
	return false
}

func (it *runIterator) Record() kv.KeyValue { return it.cur.Record() }

func (it *runIterator) Err() error { return it.err }

func (it *runIterator) Close() error {
	if it.cur == nil {
		return nil
	}
	err := it.cur.Close()
	it.cur = nil
	return err
}

// sliceIterator iterates over sorted in-memory records.
type sliceIterator struct {
	records []kv.KeyValue
	pos     int
}

// NewSliceIterator returns an iterator over records, which must be sorted
// by key and sequence.
func NewSliceIterator(records []kv.KeyValue) Iterator {
	return &sliceIterator{records: records, pos: -1}
}

func (it *sliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.records)
}

func (it *sliceIterator) Record() kv.KeyValue { return it.records[it.pos] }

func (it *sliceIterator) Err() error { return nil }

func (it *sliceIterator) Close() error { return nil }

type heapItem struct {
	it  Iterator
	rec kv.KeyValue
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int           { return len(h) }
func (h mergeHeap) Less(i, j int) bool { return kv.Compare(h[i].rec, h[j].rec) < 0 }
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// MergeReader merges several sorted sources and reduces the records of
// each key with a merge function. Keys whose result is absent are skipped;
// retract results are skipped unless the reader keeps deletes.
type MergeReader struct {
	sources     []Iterator
	h           mergeHeap
	mf          MergeFunction
	keepRetract bool
	end         []byte
	group       []kv.KeyValue
	cur         kv.KeyValue
	err         error
}

// NewMergeReader returns a reader over the live records of runs, restricted
// to kr. Deletes are applied and never returned.
func NewMergeReader(ctx context.Context, store blobstore.BlobStore, partition kv.Partition, bucket int, runs []SortedRun, mf MergeFunction, kr KeyRange) (*MergeReader, error) {
	env := &fileEnv{store: store, partition: partition, bucket: bucket}
	sources := make([]Iterator, 0, len(runs))
	for _, r := range runs {
		sources = append(sources, newRunIterator(ctx, env, r, kr))
	}
	return newMergeReader(sources, mf, false, kr.End)
}

func newMergeReader(sources []Iterator, mf MergeFunction, keepRetract bool, end []byte) (*MergeReader, error) {
	m := &MergeReader{sources: sources, mf: mf, keepRetract: keepRetract, end: end}
	for _, it := range sources {
		if it.Next() {
			m.h = append(m.h, &heapItem{it: it, rec: it.Record()})
			continue
		}
		if err := it.Err(); err != nil {
			_ = m.Close()
			return nil, err
		}
	}
	heap.Init(&m.h)
	return m, nil
}

// NewIteratorMergeReader merges arbitrary sorted iterators. It takes
// ownership of sources.
func NewIteratorMergeReader(sources []Iterator, mf MergeFunction) (*MergeReader, error) {
	return newMergeReader(sources, mf, false, nil)
}

// Next advances to the next key with a live result.
func (m *MergeReader) Next() bool {
	for m.err == nil && len(m.h) > 0 {
		key := m.h[0].rec.Key
		if m.end != nil && bytes.Compare(key, m.end) >= 0 {
			return false
		}

		m.group = m.group[:0]
		for len(m.h) > 0 && bytes.Equal(m.h[0].rec.Key, key) {
			top := m.h[0]
			m.group = append(m.group, top.rec)
			if top.it.Next() {
				top.rec = top.it.Record()
				heap.Fix(&m.h, 0)
				continue
			}
			if err := top.it.Err(); err != nil {
				m.err = err
				return false
			}
			heap.Pop(&m.h)
		}

		r, ok := m.mf.Merge(m.group)
		if !ok || (r.Kind.IsRetract() && !m.keepRetract) {
			continue
		}
		m.cur = r
		return true
	}
	return false
}

// Record returns the current merged record.
func (m *MergeReader) Record() kv.KeyValue { return m.cur }

// Err returns the first error encountered.
func (m *MergeReader) Err() error { return m.err }

// Close closes all sources.
func (m *MergeReader) Close() error {
	var errs []error
	for _, it := range m.sources {
		if err := it.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.sources = nil
	m.h = nil
	return errors.Join(errs...)
}
