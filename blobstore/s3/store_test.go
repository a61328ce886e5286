package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tablestore/blobstore"
)

func keyIs(key string) any {
	return mock.MatchedBy(func(in *s3.HeadObjectInput) bool { return aws.ToString(in.Key) == key })
}

func TestNewStore_Prefix(t *testing.T) {
	for _, prefix := range []string{"tables/orders", "tables/orders/"} {
		s := NewStore(new(MockS3Client), "lake", prefix)
		assert.Equal(t, "tables/orders/snapshot/LATEST", s.objectKey("snapshot/LATEST"))
	}
	assert.Equal(t, "snapshot/LATEST", NewStore(new(MockS3Client), "lake", "").objectKey("snapshot/LATEST"))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "head not found", err: &types.NotFound{}, want: blobstore.ErrNotFound},
		{name: "no such key", err: &types.NoSuchKey{}, want: blobstore.ErrNotFound},
		{name: "precondition", err: &smithy.GenericAPIError{Code: "PreconditionFailed"}, want: blobstore.ErrExists},
		{name: "conflict", err: &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}, want: blobstore.ErrExists},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, translate(tc.err), tc.want)
		})
	}

	throttled := &smithy.GenericAPIError{Code: "SlowDown"}
	assert.Equal(t, error(throttled), translate(throttled))
	plain := errors.New("dial tcp: timeout")
	assert.Equal(t, plain, translate(plain))
}

func TestStore_Open(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "lake", "orders")
	ctx := context.Background()

	client.On("HeadObject", mock.Anything, keyIs("orders/manifest/manifest-1")).
		Return(nil, &types.NotFound{}).Once()
	client.On("HeadObject", mock.Anything, keyIs("orders/manifest/manifest-2")).
		Return(&s3.HeadObjectOutput{ContentLength: aws.Int64(100)}, nil).Once()

	_, err := store.Open(ctx, "manifest/manifest-1")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	blob, err := store.Open(ctx, "manifest/manifest-2")
	require.NoError(t, err)
	assert.Equal(t, int64(100), blob.Size())
	client.AssertExpectations(t)
}

func TestStore_Stat(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "lake", "orders")
	modTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	client.On("HeadObject", mock.Anything, keyIs("orders/snapshot/snapshot-1")).
		Return(&s3.HeadObjectOutput{ContentLength: aws.Int64(42), LastModified: aws.Time(modTime)}, nil).Once()

	info, err := store.Stat(context.Background(), "snapshot/snapshot-1")
	require.NoError(t, err)
	assert.Equal(t, blobstore.ObjectInfo{Name: "snapshot/snapshot-1", Size: 42, ModTime: modTime}, info)
}

func TestStore_Put(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "lake", "orders")
	ctx := context.Background()

	put := func(key string, conditional bool) any {
		return mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return aws.ToString(in.Key) == key &&
				(aws.ToString(in.IfNoneMatch) == "*") == conditional &&
				aws.ToString(in.ChecksumCRC32C) == checksumCRC32C([]byte("{}"))
		})
	}
	client.On("PutObject", mock.Anything, put("orders/snapshot/LATEST", false)).Return(&s3.PutObjectOutput{}, nil).Once()
	client.On("PutObject", mock.Anything, put("orders/snapshot/snapshot-1", true)).Return(&s3.PutObjectOutput{}, nil).Once()
	client.On("PutObject", mock.Anything, put("orders/snapshot/snapshot-2", true)).
		Return(nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}).Once()

	require.NoError(t, store.Put(ctx, "snapshot/LATEST", []byte("{}")))
	require.NoError(t, store.PutIfAbsent(ctx, "snapshot/snapshot-1", []byte("{}")))
	assert.ErrorIs(t, store.PutIfAbsent(ctx, "snapshot/snapshot-2", []byte("{}")), blobstore.ErrExists)
	client.AssertExpectations(t)
}

func TestChecksumCRC32C(t *testing.T) {
	// CRC32C("123456789") = 0xE3069283.
	assert.Equal(t, "4waSgw==", checksumCRC32C([]byte("123456789")))
}

func TestStore_Delete(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "lake", "orders")

	client.On("DeleteObject", mock.Anything, mock.MatchedBy(func(in *s3.DeleteObjectInput) bool {
		return aws.ToString(in.Key) == "orders/dt=1/bucket-0/data-1.tsdf"
	})).Return(nil, &types.NoSuchKey{}).Once()

	assert.NoError(t, store.Delete(context.Background(), "dt=1/bucket-0/data-1.tsdf"))
	client.AssertExpectations(t)
}

func TestStore_List(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "lake", "orders/")

	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.Prefix) == "orders/" && in.ContinuationToken == nil
	})).Return(&s3.ListObjectsV2Output{
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("page-2"),
		Contents: []types.Object{
			{Key: aws.String("orders/snapshot/snapshot-1")},
			{Key: aws.String("orders/manifest/manifest-1")},
		},
	}, nil).Once()
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.ContinuationToken) == "page-2"
	})).Return(&s3.ListObjectsV2Output{
		Contents: []types.Object{{Key: aws.String("orders/dt=1/bucket-0/data-1.tsdf")}},
	}, nil).Once()
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.Prefix) == "orders/snapshot/"
	})).Return(&s3.ListObjectsV2Output{
		Contents: []types.Object{{Key: aws.String("orders/snapshot/snapshot-1")}},
	}, nil).Once()

	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"dt=1/bucket-0/data-1.tsdf", "manifest/manifest-1", "snapshot/snapshot-1"}, names)

	names, err = store.List(context.Background(), "snapshot/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot/snapshot-1"}, names)
}

func TestObject_ReadAt(t *testing.T) {
	client := new(MockS3Client)
	obj := &object{client: client, bucket: "lake", key: "k", size: 10}
	ctx := context.Background()

	ranged := func(r, body string) {
		client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
			return aws.ToString(in.Range) == r
		})).Return(&s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil).Once()
	}
	ranged("bytes=0-4", "01234")
	ranged("bytes=8-9", "89")
	ranged("bytes=2-6", "23456")

	buf := make([]byte, 5)
	n, err := obj.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "01234", string(buf[:n]))

	n, err = obj.ReadAt(ctx, buf, 8)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "89", string(buf[:n]))

	_, err = obj.ReadAt(ctx, buf, 10)
	assert.ErrorIs(t, err, io.EOF)

	rc, err := obj.ReadRange(ctx, 2, 5)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "23456", string(got))

	_, err = obj.ReadRange(ctx, 10, 1)
	assert.ErrorIs(t, err, io.EOF)
	client.AssertExpectations(t)
}

func TestStore_Create(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "lake", "orders")

	var uploaded []byte
	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == "orders/dt=1/bucket-0/data-1.tsdf"
	})).Run(func(args mock.Arguments) {
		uploaded, _ = io.ReadAll(args.Get(1).(*s3.PutObjectInput).Body)
	}).Return(&s3.PutObjectOutput{}, nil).Once()

	w, err := store.Create(context.Background(), "dt=1/bucket-0/data-1.tsdf")
	require.NoError(t, err)
	_, err = io.WriteString(w, "records")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, "records", string(uploaded))
	client.AssertExpectations(t)
}

func TestStore_CreateAbort(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "lake", "orders")

	w, err := store.Create(context.Background(), "dt=1/bucket-0/data-2.tsdf")
	require.NoError(t, err)
	_, err = io.WriteString(w, "partial")
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())

	assert.ErrorIs(t, w.Close(), context.Canceled)
	client.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything)
}
