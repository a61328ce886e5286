package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/codec"
	"github.com/hupe1980/tablestore/internal/pathutil"
)

// maxProbe bounds forward probing from a hint before falling back to listing.
const maxProbe = 64

// Manager reads and commits snapshot files.
// It holds no state of its own and is safe for concurrent use.
type Manager struct {
	store  blobstore.BlobStore
	codec  codec.Codec
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCodec sets the snapshot codec.
func WithCodec(c codec.Codec) Option {
	return func(m *Manager) {
		if c != nil {
			m.codec = c
		}
	}
}

// NewManager creates a snapshot manager over the table's store.
func NewManager(store blobstore.BlobStore, optFns ...Option) *Manager {
	m := &Manager{
		store:  store,
		codec:  codec.Default,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(m)
	}
	return m
}

// Snapshot reads snapshot id. A missing snapshot yields an error matching
// blobstore.ErrNotFound.
func (m *Manager) Snapshot(ctx context.Context, id int64) (*Snapshot, error) {
	data, err := blobstore.ReadAll(ctx, m.store, pathutil.SnapshotPath(id))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %d: %w", id, err)
	}
	s := &Snapshot{}
	if err := m.codec.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", id, err)
	}
	if s.Version > CurrentVersion {
		return nil, fmt.Errorf("snapshot %d: %w: %d", id, ErrIncompatibleVersion, s.Version)
	}
	return s, nil
}

// Exists reports whether snapshot id exists.
func (m *Manager) Exists(ctx context.Context, id int64) (bool, error) {
	if id < FirstSnapshotID {
		return false, nil
	}
	return blobstore.Exists(ctx, m.store, pathutil.SnapshotPath(id))
}

// LatestSnapshotID returns the largest existing snapshot id, or 0 if the
// table has no snapshot. The LATEST hint is only a starting point: the
// result is verified by existence checks.
func (m *Manager) LatestSnapshotID(ctx context.Context) (int64, error) {
	hint, err := m.readHint(ctx, pathutil.LatestHint)
	if err != nil {
		return 0, err
	}
	if hint >= FirstSnapshotID {
		ok, err := m.Exists(ctx, hint)
		if err != nil {
			return 0, err
		}
		if ok {
			id := hint
			for range maxProbe {
				next, err := m.Exists(ctx, id+1)
				if err != nil {
					return 0, err
				}
				if !next {
					return id, nil
				}
				id++
			}
		}
	}

	ids, err := m.SnapshotIDs(ctx)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return ids[len(ids)-1], nil
}

// EarliestSnapshotID returns the smallest existing snapshot id, or 0 if the
// table has no snapshot.
func (m *Manager) EarliestSnapshotID(ctx context.Context) (int64, error) {
	hint, err := m.readHint(ctx, pathutil.EarliestHint)
	if err != nil {
		return 0, err
	}
	if hint >= FirstSnapshotID {
		// Expire deletes snapshots before it advances the hint, so a stale
		// hint points at or below the true earliest snapshot.
		for id := hint; id < hint+maxProbe; id++ {
			ok, err := m.Exists(ctx, id)
			if err != nil {
				return 0, err
			}
			if ok {
				return id, nil
			}
		}
	}

	ids, err := m.SnapshotIDs(ctx)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return ids[0], nil
}

// LatestSnapshot returns the latest snapshot, or nil if there is none.
func (m *Manager) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	id, err := m.LatestSnapshotID(ctx)
	if err != nil || id == 0 {
		return nil, err
	}
	return m.Snapshot(ctx, id)
}

// SnapshotIDs lists the ids of all existing snapshots in ascending order.
func (m *Manager) SnapshotIDs(ctx context.Context) ([]int64, error) {
	names, err := m.store.List(ctx, pathutil.SnapshotDir+"/")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		if id, ok := pathutil.ParseSnapshotPath(name); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Snapshots reads all existing snapshots in ascending id order. Snapshots
// deleted while listing are skipped.
func (m *Manager) Snapshots(ctx context.Context) ([]*Snapshot, error) {
	ids, err := m.SnapshotIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		s, err := m.Snapshot(ctx, id)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// TryCommit atomically creates the file of s. It returns false if snapshot
// s.ID already exists, which means another committer won the race. On
// success the LATEST hint is updated on a best-effort basis.
func (m *Manager) TryCommit(ctx context.Context, s *Snapshot) (bool, error) {
	if s.ID < FirstSnapshotID {
		return false, fmt.Errorf("invalid snapshot id %d", s.ID)
	}
	if s.Version == 0 {
		s.Version = CurrentVersion
	}
	data, err := m.codec.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("encode snapshot %d: %w", s.ID, err)
	}

	if err := m.store.PutIfAbsent(ctx, pathutil.SnapshotPath(s.ID), data); err != nil {
		if errors.Is(err, blobstore.ErrExists) {
			return false, nil
		}
		return false, fmt.Errorf("commit snapshot %d: %w", s.ID, err)
	}

	if err := m.writeHint(ctx, pathutil.LatestHint, s.ID); err != nil {
		m.logger.Warn("Failed to update latest hint", "snapshot", s.ID, "error", err)
	}
	return true, nil
}

// CommitEarliestHint records id as the earliest snapshot.
func (m *Manager) CommitEarliestHint(ctx context.Context, id int64) error {
	return m.writeHint(ctx, pathutil.EarliestHint, id)
}

// Delete removes the file of snapshot id. Missing snapshots are ignored.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	return m.store.Delete(ctx, pathutil.SnapshotPath(id))
}

func (m *Manager) readHint(ctx context.Context, name string) (int64, error) {
	data, err := blobstore.ReadAll(ctx, m.store, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read hint %s: %w", name, err)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		m.logger.Warn("Ignoring malformed hint", "hint", name, "error", err)
		return 0, nil
	}
	return id, nil
}

func (m *Manager) writeHint(ctx context.Context, name string, id int64) error {
	return m.store.Put(ctx, name, []byte(strconv.FormatInt(id, 10)))
}
