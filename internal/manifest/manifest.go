package manifest

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/pathutil"
)

const (
	// DefaultTargetFileSize is the default manifest file size at which writes roll.
	DefaultTargetFileSize = 8 << 20

	readParallelism = 16
)

// Store reads and writes manifest files and manifest lists. Both are
// immutable once written; names come from the path factory and are unique.
type Store struct {
	store          blobstore.BlobStore
	paths          *pathutil.Factory
	targetFileSize int64
}

// NewStore creates a new manifest store. A non-positive targetFileSize
// writes every entry batch into a single file.
func NewStore(store blobstore.BlobStore, paths *pathutil.Factory, targetFileSize int64) *Store {
	if targetFileSize <= 0 {
		targetFileSize = math.MaxInt64
	}
	return &Store{store: store, paths: paths, targetFileSize: targetFileSize}
}

// Write stores entries in order into one or more manifest files, starting a
// new file once the current one reaches the target size. On error every file
// written by the call is deleted again.
func (s *Store) Write(ctx context.Context, entries []Entry) (metas []FileMeta, err error) {
	defer func() {
		if err != nil {
			s.deleteAll(context.WithoutCancel(ctx), metas)
			metas = nil
		}
	}()

	start := 0
	pb := newEntryPayload()
	nextCheck := s.targetFileSize
	for i, e := range entries {
		appendEntry(pb, e)
		if int64(len(pb.buf)) < nextCheck {
			continue
		}

		frame, err := frameEntries(pb, i+1-start)
		if err != nil {
			return metas, err
		}
		if int64(len(frame)) < s.targetFileSize {
			// Compression kept the file below target; look again later.
			nextCheck = int64(len(pb.buf)) + max(s.targetFileSize/4, 1)
			continue
		}

		meta, err := s.put(ctx, frame, entries[start:i+1])
		if err != nil {
			return metas, err
		}
		metas = append(metas, meta)

		start = i + 1
		pb = newEntryPayload()
		nextCheck = s.targetFileSize
	}

	if start < len(entries) {
		frame, err := frameEntries(pb, len(entries)-start)
		if err != nil {
			return metas, err
		}
		meta, err := s.put(ctx, frame, entries[start:])
		if err != nil {
			return metas, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func newEntryPayload() *payloadBuffer {
	pb := newPayloadBuffer(make([]byte, 0, 4096))
	pb.writeUint32(0) // entry count, patched by frameEntries
	return pb
}

func frameEntries(pb *payloadBuffer, n int) ([]byte, error) {
	if pb.err != nil {
		return nil, pb.err
	}
	pb.buf[0] = byte(n)
	pb.buf[1] = byte(n >> 8)
	pb.buf[2] = byte(n >> 16)
	pb.buf[3] = byte(n >> 24)
	return encodeFrame(manifestMagic, pb.buf), nil
}

func (s *Store) put(ctx context.Context, frame []byte, entries []Entry) (FileMeta, error) {
	name := s.paths.NewManifestName()
	if err := s.store.Put(ctx, pathutil.ManifestPath(name), frame); err != nil {
		return FileMeta{}, fmt.Errorf("write manifest %s: %w", name, err)
	}
	return summarize(name, int64(len(frame)), entries), nil
}

// Read returns the entries of one manifest file in written order.
func (s *Store) Read(ctx context.Context, name string) ([]Entry, error) {
	data, err := blobstore.ReadAll(ctx, s.store, pathutil.ManifestPath(name))
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", name, err)
	}
	payload, err := decodeFrame(manifestMagic, data)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", name, err)
	}
	entries, err := decodeEntries(payload)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", name, err)
	}
	return entries, nil
}

// ReadAll reads the manifests in parallel and concatenates their entries in
// list order.
func (s *Store) ReadAll(ctx context.Context, metas []FileMeta) ([]Entry, error) {
	parts := make([][]Entry, len(metas))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readParallelism)
	for i, m := range metas {
		g.Go(func() error {
			entries, err := s.Read(gctx, m.FileName)
			if err != nil {
				return err
			}
			parts[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, p := range parts {
		total += len(p)
	}
	entries := make([]Entry, 0, total)
	for _, p := range parts {
		entries = append(entries, p...)
	}
	return entries, nil
}

// WriteList writes a manifest list and returns its name.
func (s *Store) WriteList(ctx context.Context, metas []FileMeta) (string, error) {
	payload, err := encodeList(metas)
	if err != nil {
		return "", err
	}
	name := s.paths.NewManifestListName()
	if err := s.store.Put(ctx, pathutil.ManifestPath(name), encodeFrame(listMagic, payload)); err != nil {
		return "", fmt.Errorf("write manifest list %s: %w", name, err)
	}
	return name, nil
}

// ReadList returns the manifest references of a manifest list.
func (s *Store) ReadList(ctx context.Context, name string) ([]FileMeta, error) {
	data, err := blobstore.ReadAll(ctx, s.store, pathutil.ManifestPath(name))
	if err != nil {
		return nil, fmt.Errorf("read manifest list %s: %w", name, err)
	}
	payload, err := decodeFrame(listMagic, data)
	if err != nil {
		return nil, fmt.Errorf("read manifest list %s: %w", name, err)
	}
	metas, err := decodeList(payload)
	if err != nil {
		return nil, fmt.Errorf("read manifest list %s: %w", name, err)
	}
	return metas, nil
}

// Delete removes a manifest file or manifest list. Missing files are ignored.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.store.Delete(ctx, pathutil.ManifestPath(name))
}

func (s *Store) deleteAll(ctx context.Context, metas []FileMeta) {
	for _, m := range metas {
		_ = s.Delete(ctx, m.FileName)
	}
}
