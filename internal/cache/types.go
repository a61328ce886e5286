package cache

import "context"

// Kind separates key spaces of the cache.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindBlob holds fixed-size blocks of immutable blobs.
	KindBlob
)

// Key identifies one cached block. Path names the blob; Offset is the block index.
type Key struct {
	Kind   Kind
	Path   string
	Offset uint64
}

// BlockCache caches immutable byte blocks.
// Returned slices must be treated as read-only.
type BlockCache interface {
	Get(ctx context.Context, key Key) (b []byte, ok bool)
	Set(ctx context.Context, key Key, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key Key) bool)
	Close() error
	Stats() (hits, misses int64)
}
