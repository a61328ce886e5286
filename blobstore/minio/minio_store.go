package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/tablestore/blobstore"
)

// Store is a blobstore.BlobStore on a MinIO or other S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ blobstore.BlobStore = (*Store)(nil)

// NewStore returns a store that keeps the table below prefix in bucket.
// A non-empty prefix is treated as a directory.
func NewStore(client *minio.Client, bucket, prefix string) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) objectKey(name string) string { return s.prefix + name }

func (s *Store) blobName(key string) string { return strings.TrimPrefix(key, s.prefix) }

// translate maps MinIO error responses to blobstore errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %v", blobstore.ErrNotFound, err)
	case "PreconditionFailed", "ConditionalRequestConflict":
		return fmt.Errorf("%w: %v", blobstore.ErrExists, err)
	}
	return err
}

// Open stats the object once and serves reads as ranged GETs.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.objectKey(name)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	return &object{client: s.client, bucket: s.bucket, key: key, size: info.Size}, nil
}

func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	return s.put(ctx, name, data, minio.PutObjectOptions{})
}

// PutIfAbsent publishes data with If-None-Match: *, so of two writers racing
// for the same snapshot id exactly one succeeds.
func (s *Store) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	opts := minio.PutObjectOptions{}
	opts.SetMatchETagExcept("*")
	return s.put(ctx, name, data, opts)
}

func (s *Store) put(ctx context.Context, name string, data []byte, opts minio.PutObjectOptions) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(name), bytes.NewReader(data), int64(len(data)), opts)
	return translate(err)
}

func (s *Store) Stat(ctx context.Context, name string) (blobstore.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.objectKey(name), minio.StatObjectOptions{})
	if err != nil {
		return blobstore.ObjectInfo{}, translate(err)
	}
	return blobstore.ObjectInfo{Name: name, Size: info.Size, ModTime: info.LastModified}, nil
}

// Create streams the blob through a single PutObject of unknown length. The
// object appears only when Close completes the upload.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	pr, pw := io.Pipe()
	u := &upload{pw: pw, done: make(chan error, 1)}

	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(name), pr, -1, minio.PutObjectOptions{})
		_ = pr.CloseWithError(err)
		u.done <- translate(err)
	}()
	return u, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	err := translate(s.client.RemoveObject(ctx, s.bucket, s.objectKey(name), minio.RemoveObjectOptions{}))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	return err
}

// List walks the bucket recursively below prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.objectKey(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, translate(obj.Err)
		}
		if name := s.blobName(obj.Key); name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

type object struct {
	client *minio.Client
	bucket string
	key    string
	size   int64
}

func (o *object) Size() int64  { return o.size }
func (o *object) Close() error { return nil }

// get opens [off, off+length) clamped to the object size.
func (o *object) get(ctx context.Context, off, length int64) (*minio.Object, int64, error) {
	if off >= o.size {
		return nil, 0, io.EOF
	}
	end := min(off+length, o.size)
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, end-1); err != nil {
		return nil, 0, err
	}
	obj, err := o.client.GetObject(ctx, o.bucket, o.key, opts)
	if err != nil {
		return nil, 0, translate(err)
	}
	return obj, end - off, nil
}

func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		if off >= o.size {
			return 0, io.EOF
		}
		return 0, nil
	}
	obj, n, err := o.get(ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer obj.Close()

	read, err := io.ReadFull(obj, p[:n])
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return read, io.EOF
	case err != nil:
		return read, translate(err)
	case read < len(p):
		return read, io.EOF
	}
	return read, nil
}

func (o *object) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	obj, _, err := o.get(ctx, off, length)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

var errAborted = errors.New("minio: upload aborted")

// upload is the writing end of a streaming PutObject.
type upload struct {
	pw     *io.PipeWriter
	done   chan error
	closed atomic.Bool
}

func (u *upload) Write(p []byte) (int, error) { return u.pw.Write(p) }

// Sync is a no-op; durability is decided by Close.
func (u *upload) Sync() error { return nil }

func (u *upload) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return errors.New("minio: upload already finished")
	}
	if err := u.pw.Close(); err != nil {
		return err
	}
	return <-u.done
}

func (u *upload) Abort() error {
	if u.closed.CompareAndSwap(false, true) {
		_ = u.pw.CloseWithError(errAborted)
		<-u.done
	}
	return nil
}
