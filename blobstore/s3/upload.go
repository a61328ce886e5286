package s3

import (
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// UploadConfig tunes how data files are uploaded.
type UploadConfig struct {
	// PartSize is the multipart part size. Files smaller than one part
	// are sent with a single PutObject.
	PartSize int64
	// Concurrency is the number of parts in flight per file.
	Concurrency int
	// EnableChecksum asks S3 to verify a CRC32C of every part.
	EnableChecksum bool
	// LeavePartsOnError keeps the parts of a failed upload for inspection
	// instead of aborting it.
	LeavePartsOnError bool
}

// DefaultUploadConfig returns 8 MiB parts, 5 in flight, with checksums.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		PartSize:       8 << 20,
		Concurrency:    5,
		EnableChecksum: true,
	}
}

func (s *Store) newUploader() *manager.Uploader {
	cfg := s.upload
	return manager.NewUploader(s.client, func(u *manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		}
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
		u.LeavePartsOnError = cfg.LeavePartsOnError
	})
}

// upload feeds writes through a pipe into a background manager upload.
// The object appears when Close returns nil.
type upload struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error

	mu       sync.Mutex
	finished bool
	err      error
}

func newUpload(ctx context.Context, u *manager.Uploader, bucket, key string, checksum bool) *upload {
	pr, pw := io.Pipe()
	// Only Abort cancels the upload, not the caller's context.
	uctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   pr,
	}
	if checksum {
		in.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}

	up := &upload{pw: pw, cancel: cancel, done: make(chan error, 1)}
	go func() {
		_, err := u.Upload(uctx, in)
		_ = pr.CloseWithError(err)
		up.done <- translate(err)
	}()
	return up
}

func (u *upload) Write(p []byte) (int, error) { return u.pw.Write(p) }

// Sync is a no-op; nothing is durable before Close.
func (u *upload) Sync() error { return nil }

func (u *upload) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.finished {
		return u.err
	}
	u.finished = true
	defer u.cancel()

	if u.err = u.pw.Close(); u.err == nil {
		u.err = <-u.done
	}
	return u.err
}

// Abort cancels the upload. A multipart upload already started is aborted
// by the uploader.
func (u *upload) Abort() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.finished {
		return nil
	}
	u.finished = true
	u.err = context.Canceled

	u.cancel()
	_ = u.pw.CloseWithError(context.Canceled)
	<-u.done
	return nil
}
