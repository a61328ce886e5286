package operation

import (
	"context"
	"fmt"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/mergetree"
)

// Read opens merge-on-read readers over planned splits.
type Read struct {
	store blobstore.BlobStore
	mf    mergetree.MergeFunction
}

// NewRead creates a reader factory. A nil merge function deduplicates.
func NewRead(store blobstore.BlobStore, mf mergetree.MergeFunction) *Read {
	if mf == nil {
		mf = mergetree.Deduplicate{}
	}
	return &Read{store: store, mf: mf}
}

// CreateReader returns a reader over the live records of split in kr.
func (r *Read) CreateReader(ctx context.Context, split Split, kr mergetree.KeyRange) (*mergetree.MergeReader, error) {
	runs, err := mergetree.RunsOf(split.Files)
	if err != nil {
		return nil, fmt.Errorf("%s/bucket-%d: %w", split.Partition, split.Bucket, err)
	}
	return mergetree.NewMergeReader(ctx, r.store, split.Partition, split.Bucket, runs, r.mf, kr)
}
