package tablestore

import (
	"errors"
	"fmt"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/compress"
	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/mergetree"
	"github.com/hupe1980/tablestore/internal/operation"
	"github.com/hupe1980/tablestore/internal/snapshot"
	"github.com/hupe1980/tablestore/kv"
)

var (
	// ErrNotFound is returned when a snapshot or file does not exist.
	ErrNotFound = blobstore.ErrNotFound
	// ErrExists is returned when a file that must be new already exists.
	ErrExists = blobstore.ErrExists
	// ErrConflict is returned when a commit retracts a file that is no
	// longer live. It is not retried.
	ErrConflict = operation.ErrConflict
	// ErrCommitRetriesExhausted is returned when a commit kept losing the
	// snapshot race.
	ErrCommitRetriesExhausted = operation.ErrCommitRetriesExhausted
	// ErrCorrupt is returned when a data file or manifest fails validation.
	ErrCorrupt = errors.New("corrupt file")
	// ErrClosed is returned by operations on a closed table or writer.
	ErrClosed = errors.New("closed")
	// ErrInvalidArgument is returned for invalid options and requests.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrIncompatibleFormat is returned for files written by a newer version.
	ErrIncompatibleFormat = errors.New("incompatible format")
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Already translated.
	if errors.Is(err, ErrCorrupt) || errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrIncompatibleFormat) {
		return err
	}

	// Corruption unification.
	if errors.Is(err, mergetree.ErrCorrupt) || errors.Is(err, compress.ErrCorrupt) || errors.Is(err, manifest.ErrCorrupt) {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if errors.Is(err, mergetree.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	// Argument normalization.
	if errors.Is(err, operation.ErrInvalidCommit) || errors.Is(err, operation.ErrInvalidBucket) ||
		errors.Is(err, kv.ErrInvalidPartition) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if errors.Is(err, snapshot.ErrIncompatibleVersion) || errors.Is(err, manifest.ErrIncompatibleVersion) {
		return fmt.Errorf("%w: %w", ErrIncompatibleFormat, err)
	}

	return err
}
