package manifest

import (
	"context"
	"fmt"
)

// Merger folds entries in order. A DELETE cancels the earlier ADD of the
// same file; a DELETE without a matching ADD is kept, since the ADD may live
// in manifests outside the merged range.
type Merger struct {
	entries []Entry
	alive   []bool
	index   map[Identifier]int
}

// NewMerger returns an empty merger.
func NewMerger() *Merger {
	return &Merger{index: make(map[Identifier]int)}
}

// Add merges entries into the merger.
func (m *Merger) Add(entries ...Entry) error {
	for _, e := range entries {
		id := e.Identifier()
		i, seen := m.index[id]

		switch e.Kind {
		case Add:
			if seen {
				return fmt.Errorf("%w: file %s added twice", ErrCorrupt, id)
			}
		case Delete:
			if seen {
				if m.entries[i].Kind == Delete {
					return fmt.Errorf("%w: file %s deleted twice", ErrCorrupt, id)
				}
				m.alive[i] = false
				delete(m.index, id)
				continue
			}
		default:
			return fmt.Errorf("%w: entry kind %d", ErrCorrupt, e.Kind)
		}

		m.index[id] = len(m.entries)
		m.entries = append(m.entries, e)
		m.alive = append(m.alive, true)
	}
	return nil
}

// Len returns the number of surviving entries.
func (m *Merger) Len() int {
	return len(m.index)
}

// Entries returns the surviving entries in first-seen order.
func (m *Merger) Entries() []Entry {
	out := make([]Entry, 0, len(m.index))
	for i, e := range m.entries {
		if m.alive[i] {
			out = append(out, e)
		}
	}
	return out
}

// Live returns the surviving ADD entries. It fails with ErrCorrupt if a
// DELETE survived, which means the entries did not start from an empty table.
func (m *Merger) Live() ([]Entry, error) {
	out := make([]Entry, 0, len(m.index))
	for i, e := range m.entries {
		if !m.alive[i] {
			continue
		}
		if e.Kind == Delete {
			return nil, fmt.Errorf("%w: file %s deleted but never added", ErrCorrupt, e.Identifier())
		}
		out = append(out, e)
	}
	return out, nil
}

// MergeEntries merges a partial entry sequence.
func MergeEntries(entries []Entry) ([]Entry, error) {
	m := NewMerger()
	if err := m.Add(entries...); err != nil {
		return nil, err
	}
	return m.Entries(), nil
}

// LiveFiles resolves a complete entry sequence (base and delta of one
// snapshot) into the ADD entries of the files live in it.
func LiveFiles(entries []Entry) ([]Entry, error) {
	m := NewMerger()
	if err := m.Add(entries...); err != nil {
		return nil, err
	}
	return m.Live()
}

// Merge compacts a manifest list. Consecutive manifests are accumulated
// until their total size reaches the target file size and then rewritten as
// one merged run; a trailing run below target is merged only if it holds at
// least minCount manifests. Runs of a single manifest are kept as is.
//
// It returns the new list and the manifests it created. Created manifests
// are deleted again on error.
func (s *Store) Merge(ctx context.Context, metas []FileMeta, minCount int) (result, created []FileMeta, err error) {
	defer func() {
		if err != nil {
			s.deleteAll(context.WithoutCancel(ctx), created)
			result, created = nil, nil
		}
	}()

	var (
		candidates []FileMeta
		totalSize  int64
	)
	for _, m := range metas {
		totalSize += m.FileSize
		candidates = append(candidates, m)
		if totalSize >= s.targetFileSize {
			merged, written, err := s.mergeRun(ctx, candidates)
			created = append(created, written...)
			if err != nil {
				return nil, created, err
			}
			result = append(result, merged...)
			candidates = nil
			totalSize = 0
		}
	}

	if len(candidates) >= max(minCount, 2) {
		merged, written, err := s.mergeRun(ctx, candidates)
		created = append(created, written...)
		if err != nil {
			return nil, created, err
		}
		result = append(result, merged...)
	} else {
		result = append(result, candidates...)
	}
	return result, created, nil
}

func (s *Store) mergeRun(ctx context.Context, run []FileMeta) (merged, written []FileMeta, err error) {
	if len(run) == 1 {
		return run, nil, nil
	}

	entries, err := s.ReadAll(ctx, run)
	if err != nil {
		return nil, nil, err
	}
	m := NewMerger()
	if err := m.Add(entries...); err != nil {
		return nil, nil, err
	}
	if m.Len() == 0 {
		return nil, nil, nil
	}

	written, err = s.Write(ctx, m.Entries())
	if err != nil {
		return nil, nil, err
	}
	return written, written, nil
}
