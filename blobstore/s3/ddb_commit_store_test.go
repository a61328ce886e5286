package s3

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hupe1980/tablestore/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockDDBClient is an in-memory DynamoDB mock for testing.
type mockDDBClient struct {
	mu    sync.RWMutex
	items map[string]map[string]types.AttributeValue // key -> item
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{
		items: make(map[string]map[string]types.AttributeValue),
	}
}

func itemKeyString(item map[string]types.AttributeValue) string {
	return item["base_uri"].(*types.AttributeValueMemberS).Value + ":" + item["version"].(*types.AttributeValueMemberN).Value
}

func (m *mockDDBClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKeyString(params.Item)
	if aws.ToString(params.ConditionExpression) == "attribute_not_exists(version)" {
		if _, exists := m.items[key]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}

	m.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	baseURI := params.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value

	var items []map[string]types.AttributeValue
	for _, item := range m.items {
		if item["base_uri"].(*types.AttributeValueMemberS).Value == baseURI {
			items = append(items, item)
		}
	}

	version := func(item map[string]types.AttributeValue) int64 {
		v, _ := strconv.ParseInt(item["version"].(*types.AttributeValueMemberN).Value, 10, 64)
		return v
	}
	sort.Slice(items, func(i, j int) bool { return version(items[i]) < version(items[j]) })

	return &dynamodb.QueryOutput{Items: items}, nil
}

func (m *mockDDBClient) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if item, ok := m.items[itemKeyString(params.Key)]; ok {
		return &dynamodb.GetItemOutput{Item: item}, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDDBClient) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, itemKeyString(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func newTestDDBCommitStore(ddb *mockDDBClient, s3Client *MockS3Client, baseURI string) *DDBCommitStore {
	return NewDDBCommitStore(NewStore(s3Client, "test-bucket", "test/"), ddb, "tablestore-commits", baseURI)
}

func TestDDBCommitStore_PutIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := newTestDDBCommitStore(newMockDDBClient(), new(MockS3Client), "s3://test-bucket/test/")

	require.NoError(t, store.PutIfAbsent(ctx, "snapshot/snapshot-1", []byte(`{"id":1}`)))
	err := store.PutIfAbsent(ctx, "snapshot/snapshot-1", []byte(`{"id":1,"other":true}`))
	require.ErrorIs(t, err, blobstore.ErrExists)

	got, err := blobstore.ReadAll(ctx, store, "snapshot/snapshot-1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(got))

	info, err := store.Stat(ctx, "snapshot/snapshot-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(`{"id":1}`)), info.Size)
	assert.False(t, info.ModTime.IsZero())
}

func TestDDBCommitStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestDDBCommitStore(newMockDDBClient(), new(MockS3Client), "s3://test-bucket/test/")

	_, err := store.Open(ctx, "snapshot/snapshot-9")
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	exists, err := blobstore.Exists(ctx, store, "snapshot/snapshot-9")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDDBCommitStore_ConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	store := newTestDDBCommitStore(newMockDDBClient(), new(MockS3Client), "s3://test-bucket/test/")

	var (
		wg        sync.WaitGroup
		successes atomic.Int64
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.PutIfAbsent(ctx, "snapshot/snapshot-2", []byte(strconv.Itoa(i)))
			if err == nil {
				successes.Add(1)
				return
			}
			assert.ErrorIs(t, err, blobstore.ErrExists)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), successes.Load())
}

func TestDDBCommitStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	s3Client := new(MockS3Client)
	store := newTestDDBCommitStore(newMockDDBClient(), s3Client, "s3://test-bucket/test/")

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.PutIfAbsent(ctx, "snapshot/snapshot-"+strconv.Itoa(i), []byte("{}")))
	}
	require.NoError(t, store.Delete(ctx, "snapshot/snapshot-1"))

	s3Client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(input *s3.ListObjectsV2Input) bool {
		return *input.Prefix == "test/snapshot/"
	})).Return(&s3.ListObjectsV2Output{
		Contents: []s3types.Object{{Key: aws.String("test/snapshot/LATEST")}},
	}, nil).Once()

	names, err := store.List(ctx, "snapshot/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot/LATEST", "snapshot/snapshot-2", "snapshot/snapshot-3"}, names)

	s3Client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(input *s3.ListObjectsV2Input) bool {
		return *input.Prefix == "test/manifest/"
	})).Return(&s3.ListObjectsV2Output{}, nil).Once()

	names, err = store.List(ctx, "manifest/")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDDBCommitStore_OtherNamesGoToS3(t *testing.T) {
	ctx := context.Background()
	s3Client := new(MockS3Client)
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, s3Client, "s3://test-bucket/test/")

	s3Client.On("PutObject", mock.Anything, mock.MatchedBy(func(input *s3.PutObjectInput) bool {
		return *input.Key == "test/snapshot/LATEST"
	})).Return(&s3.PutObjectOutput{}, nil).Once()

	require.NoError(t, store.Put(ctx, "snapshot/LATEST", []byte("3")))
	s3Client.AssertExpectations(t)
	assert.Empty(t, ddb.items)
}

func TestDDBCommitStore_IsolatedNamespaces(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()

	store1 := newTestDDBCommitStore(ddb, new(MockS3Client), "s3://bucket-a/path/")
	store2 := newTestDDBCommitStore(ddb, new(MockS3Client), "s3://bucket-b/path/")

	require.NoError(t, store1.PutIfAbsent(ctx, "snapshot/snapshot-1", []byte("A")))
	require.NoError(t, store2.PutIfAbsent(ctx, "snapshot/snapshot-1", []byte("B")))

	got, err := blobstore.ReadAll(ctx, store1, "snapshot/snapshot-1")
	require.NoError(t, err)
	assert.Equal(t, "A", string(got))

	got, err = blobstore.ReadAll(ctx, store2, "snapshot/snapshot-1")
	require.NoError(t, err)
	assert.Equal(t, "B", string(got))
}
