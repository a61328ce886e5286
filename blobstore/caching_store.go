package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tablestore/internal/cache"
)

// DefaultCacheBlockSize is the cache block size used when none is given.
const DefaultCacheBlockSize = 4 << 10

// maxConcurrentFills bounds the backend reads issued by one ReadAt.
const maxConcurrentFills = 16

// CachingStore serves reads of immutable blobs from a block cache.
//
// Data files and manifests never change once written, so cached blocks stay
// valid until the blob is deleted. Names rejected by the cacheable predicate,
// such as hint files other writers rewrite, bypass the cache.
type CachingStore struct {
	BlobStore
	cache     cache.BlockCache
	blockSize int64
	cacheable func(name string) bool
}

// CachingOption configures a CachingStore.
type CachingOption func(*CachingStore)

// WithCacheable restricts caching to names accepted by fn.
func WithCacheable(fn func(name string) bool) CachingOption {
	return func(s *CachingStore) {
		s.cacheable = fn
	}
}

// NewCachingStore wraps inner. Reads are cached in blocks of blockSize bytes,
// or DefaultCacheBlockSize if blockSize is not positive.
func NewCachingStore(inner BlobStore, c cache.BlockCache, blockSize int64, optFns ...CachingOption) *CachingStore {
	if blockSize <= 0 {
		blockSize = DefaultCacheBlockSize
	}
	s := &CachingStore{
		BlobStore: inner,
		cache:     c,
		blockSize: blockSize,
		cacheable: func(string) bool { return true },
	}
	for _, fn := range optFns {
		fn(s)
	}
	return s
}

func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.BlobStore.Open(ctx, name)
	if err != nil || !s.cacheable(name) {
		return b, err
	}
	return &cachedBlob{Blob: b, store: s, name: name}, nil
}

func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	s.invalidate(name)
	return s.BlobStore.Create(ctx, name)
}

func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.invalidate(name)
	return s.BlobStore.Put(ctx, name, data)
}

func (s *CachingStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	if err := s.BlobStore.PutIfAbsent(ctx, name, data); err != nil {
		return err
	}
	s.invalidate(name)
	return nil
}

func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.invalidate(name)
	return s.BlobStore.Delete(ctx, name)
}

func (s *CachingStore) invalidate(name string) {
	s.cache.Invalidate(func(key cache.Key) bool {
		return key.Kind == cache.KindBlob && key.Path == name
	})
}

func (s *CachingStore) key(name string, block int64) cache.Key {
	return cache.Key{Kind: cache.KindBlob, Path: name, Offset: uint64(block)}
}

// cachedBlob reads whole blocks from the underlying blob and serves
// ReadAt from them.
type cachedBlob struct {
	Blob
	store *CachingStore
	name  string
}

// span is a run of consecutive blocks [first, first+n).
type span struct {
	first, n int64
}

func (b *cachedBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	size := b.Size()
	if off >= size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	end := min(off+int64(len(p)), size)
	bs := b.store.blockSize
	first, last := off/bs, (end-1)/bs

	blocks := make([][]byte, last-first+1)
	var missing []span
	for blk := first; blk <= last; blk++ {
		if data, ok := b.store.cache.Get(ctx, b.store.key(b.name, blk)); ok {
			blocks[blk-first] = data
			continue
		}
		if n := len(missing); n > 0 && missing[n-1].first+missing[n-1].n == blk {
			missing[n-1].n++
		} else {
			missing = append(missing, span{first: blk, n: 1})
		}
	}

	if err := b.fill(ctx, missing, func(blk int64, data []byte) {
		blocks[blk-first] = data
	}); err != nil {
		return 0, err
	}

	n := 0
	for i, data := range blocks {
		start := (first + int64(i)) * bs
		from := max(off, start) - start
		if from >= int64(len(data)) {
			break
		}
		n += copy(p[n:], data[from:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// fill reads each span with one backend request and caches its blocks.
// Spans are read concurrently; set is called once per block.
func (b *cachedBlob) fill(ctx context.Context, spans []span, set func(blk int64, data []byte)) error {
	if len(spans) == 0 {
		return nil
	}
	bs := b.store.blockSize
	size := b.Size()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFills)
	results := make([][][]byte, len(spans))

	for i, sp := range spans {
		g.Go(func() error {
			start := sp.first * bs
			buf := make([]byte, min(sp.n*bs, size-start))
			n, err := b.Blob.ReadAt(gctx, buf, start)
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			buf = buf[:n]

			out := make([][]byte, 0, sp.n)
			for len(buf) > 0 {
				k := min(len(buf), int(bs))
				out = append(out, bytes.Clone(buf[:k]))
				buf = buf[k:]
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, sp := range spans {
		for j, data := range results[i] {
			blk := sp.first + int64(j)
			b.store.cache.Set(ctx, b.store.key(b.name, blk), data)
			set(blk, data)
		}
	}
	return nil
}

// ReadRange serves the range through the block cache.
func (b *cachedBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	return io.NopCloser(&rangeReader{ctx: ctx, blob: b, off: off, end: off + length}), nil
}

type rangeReader struct {
	ctx  context.Context
	blob *cachedBlob
	off  int64
	end  int64
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.off >= r.end {
		return 0, io.EOF
	}
	if rem := r.end - r.off; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := r.blob.ReadAt(r.ctx, p, r.off)
	r.off += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}
