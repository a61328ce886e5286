package s3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// object is a blob read with ranged GETs.
type object struct {
	client Client
	bucket string
	key    string
	size   int64
}

func (o *object) Size() int64  { return o.size }
func (o *object) Close() error { return nil }

// get returns the body of [off, off+length) clamped to the object size and
// the number of bytes it holds.
func (o *object) get(ctx context.Context, off, length int64) (io.ReadCloser, int64, error) {
	if off >= o.size {
		return nil, 0, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	end := min(off+length, o.size)
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end-1)),
	})
	if err != nil {
		return nil, 0, translate(err)
	}
	return out.Body, end - off, nil
}

func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		if off >= o.size {
			return 0, io.EOF
		}
		return 0, nil
	}
	body, n, err := o.get(ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer body.Close()

	read, err := io.ReadFull(body, p[:n])
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return read, io.EOF
	case err != nil:
		return read, err
	case read < len(p):
		return read, io.EOF
	}
	return read, nil
}

func (o *object) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	body, _, err := o.get(ctx, off, length)
	return body, err
}
