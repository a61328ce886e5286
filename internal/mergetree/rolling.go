package mergetree

import (
	"bytes"
	"context"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/compress"
	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/pathutil"
	"github.com/hupe1980/tablestore/internal/resource"
	"github.com/hupe1980/tablestore/kv"
)

// fileEnv bundles what is needed to create and open data files of one bucket.
type fileEnv struct {
	store          blobstore.BlobStore
	paths          *pathutil.Factory
	partition      kv.Partition
	bucket         int
	compression    compress.Type
	blockSize      int
	targetFileSize int64
}

func (e *fileEnv) path(name string) string {
	return pathutil.DataFilePath(e.partition, e.bucket, name)
}

func (e *fileEnv) open(ctx context.Context, f manifest.DataFileMeta) (*fileReader, error) {
	return openFileReader(ctx, e.store, e.path(f.FileName))
}

func (e *fileEnv) delete(ctx context.Context, name string) error {
	return e.store.Delete(ctx, e.path(name))
}

// rollingWriter writes records into a sequence of data files of one level,
// starting a new file whenever the current one reaches the target size.
// Files never split the records of one key.
type rollingWriter struct {
	ctx     context.Context
	env     *fileEnv
	level   int
	rc      *resource.Controller
	current *fileWriter
	lastKey []byte
	files   []manifest.DataFileMeta
}

// newRollingWriter returns a writer for level. Writes are throttled by rc,
// which may be nil.
func newRollingWriter(ctx context.Context, env *fileEnv, level int, rc *resource.Controller) *rollingWriter {
	return &rollingWriter{ctx: ctx, env: env, level: level, rc: rc}
}

func (w *rollingWriter) write(r kv.KeyValue) error {
	if w.current != nil && w.current.size() >= w.env.targetFileSize && !bytes.Equal(w.lastKey, r.Key) {
		if err := w.roll(); err != nil {
			return err
		}
	}
	if w.current == nil {
		name := w.env.paths.NewDataFileName()
		fw, err := newFileWriter(w.ctx, w.env.store, w.env.path(name), name, w.level, w.env.compression, w.env.blockSize, w.rc)
		if err != nil {
			return err
		}
		w.current = fw
	}
	w.lastKey = append(w.lastKey[:0], r.Key...)
	return w.current.add(r)
}

func (w *rollingWriter) roll() error {
	meta, err := w.current.finish()
	w.current = nil
	if err != nil {
		return err
	}
	w.files = append(w.files, meta)
	return nil
}

// close finishes the open file and returns all written files.
func (w *rollingWriter) close() ([]manifest.DataFileMeta, error) {
	if w.current != nil {
		if err := w.roll(); err != nil {
			return nil, err
		}
	}
	return w.files, nil
}

// abort discards the open file and deletes finished ones.
func (w *rollingWriter) abort() {
	if w.current != nil {
		w.current.abort()
		w.current = nil
	}
	for _, f := range w.files {
		_ = w.env.delete(context.WithoutCancel(w.ctx), f.FileName)
	}
	w.files = nil
}
