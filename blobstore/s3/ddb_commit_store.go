package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/pathutil"
)

// DDBCommitStore implements blobstore.BlobStore backed by S3 with DynamoDB
// holding the snapshot files. This enables safe concurrent committers on
// S3-compatible stores without conditional writes.
//
// Snapshot files (snapshot/snapshot-<id>) live in DynamoDB as items keyed by
// (base_uri, version=id); PutIfAbsent on them is a conditional PutItem.
// Every other name, including the snapshot hint files, is stored in S3.
//
// Table schema:
//   - Partition key: base_uri (string) - the table root URI
//   - Sort key: version (number) - the snapshot id
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name tablestore-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	s3Store   *Store
	ddbClient DDBClient
	tableName string
	baseURI   string
	now       func() time.Time
}

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

const (
	attrBaseURI   = "base_uri"
	attrVersion   = "version"
	attrContent   = "content"
	attrCreatedAt = "created_at"
)

// NewDDBCommitStore creates a new S3+DynamoDB commit store.
// The baseURI ("s3://bucket/prefix") is the partition key.
func NewDDBCommitStore(s3Store *Store, ddbClient DDBClient, tableName, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		s3Store:   s3Store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
		now:       time.Now,
	}
}

func (s *DDBCommitStore) itemKey(id int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrBaseURI: &types.AttributeValueMemberS{Value: s.baseURI},
		attrVersion: &types.AttributeValueMemberN{Value: strconv.FormatInt(id, 10)},
	}
}

// Open opens a blob for reading.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if id, ok := pathutil.ParseSnapshotPath(name); ok {
		item, err := s.getItem(ctx, id)
		if err != nil {
			return nil, err
		}
		content, err := itemContent(item)
		if err != nil {
			return nil, err
		}
		return blobstore.NewBytesBlob(content), nil
	}
	return s.s3Store.Open(ctx, name)
}

// Create creates a writable blob.
func (s *DDBCommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if _, ok := pathutil.ParseSnapshotPath(name); ok {
		return &ddbWritableBlob{ctx: ctx, store: s, name: name}, nil
	}
	return s.s3Store.Create(ctx, name)
}

// Put writes a blob, replacing an existing one.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if id, ok := pathutil.ParseSnapshotPath(name); ok {
		return s.putItem(ctx, id, data, false)
	}
	return s.s3Store.Put(ctx, name, data)
}

// PutIfAbsent commits snapshot files with a DynamoDB conditional write.
func (s *DDBCommitStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	if id, ok := pathutil.ParseSnapshotPath(name); ok {
		return s.putItem(ctx, id, data, true)
	}
	return s.s3Store.PutIfAbsent(ctx, name, data)
}

// Delete deletes a blob.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	if id, ok := pathutil.ParseSnapshotPath(name); ok {
		_, err := s.ddbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key:       s.itemKey(id),
		})
		if err != nil {
			return fmt.Errorf("failed to delete snapshot %d from DynamoDB: %w", id, err)
		}
		return nil
	}
	return s.s3Store.Delete(ctx, name)
}

// List lists blobs with prefix, merging snapshot items from DynamoDB.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.s3Store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	snapshotPrefix := pathutil.SnapshotDir + "/"
	if !strings.HasPrefix(snapshotPrefix, prefix) && !strings.HasPrefix(prefix, snapshotPrefix) {
		return names, nil
	}

	ids, err := s.snapshotIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		name := pathutil.SnapshotPath(id)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Stat returns blob metadata.
func (s *DDBCommitStore) Stat(ctx context.Context, name string) (blobstore.ObjectInfo, error) {
	if id, ok := pathutil.ParseSnapshotPath(name); ok {
		item, err := s.getItem(ctx, id)
		if err != nil {
			return blobstore.ObjectInfo{}, err
		}
		content, err := itemContent(item)
		if err != nil {
			return blobstore.ObjectInfo{}, err
		}
		info := blobstore.ObjectInfo{Name: name, Size: int64(len(content))}
		if attr, ok := item[attrCreatedAt].(*types.AttributeValueMemberN); ok {
			if ms, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
				info.ModTime = time.UnixMilli(ms)
			}
		}
		return info, nil
	}
	return s.s3Store.Stat(ctx, name)
}

func (s *DDBCommitStore) getItem(ctx context.Context, id int64) (map[string]types.AttributeValue, error) {
	resp, err := s.ddbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %d from DynamoDB: %w", id, err)
	}
	if len(resp.Item) == 0 {
		return nil, blobstore.ErrNotFound
	}
	return resp.Item, nil
}

func (s *DDBCommitStore) putItem(ctx context.Context, id int64, data []byte, ifAbsent bool) error {
	item := s.itemKey(id)
	item[attrContent] = &types.AttributeValueMemberB{Value: bytes.Clone(data)}
	item[attrCreatedAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().UnixMilli(), 10)}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if ifAbsent {
		input.ConditionExpression = aws.String("attribute_not_exists(version)")
	}

	if _, err := s.ddbClient.PutItem(ctx, input); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return blobstore.ErrExists
		}
		return fmt.Errorf("failed to commit snapshot %d to DynamoDB: %w", id, err)
	}
	return nil
}

// snapshotIDs returns all snapshot ids of the table in ascending order.
func (s *DDBCommitStore) snapshotIDs(ctx context.Context) ([]int64, error) {
	var (
		ids      []int64
		startKey map[string]types.AttributeValue
	)
	for {
		resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("base_uri = :uri"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uri": &types.AttributeValueMemberS{Value: s.baseURI},
			},
			ProjectionExpression: aws.String(attrVersion),
			ConsistentRead:       aws.Bool(true),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query DynamoDB: %w", err)
		}
		for _, item := range resp.Items {
			attr, ok := item[attrVersion].(*types.AttributeValueMemberN)
			if !ok {
				return nil, errors.New("invalid version attribute in DynamoDB")
			}
			id, err := strconv.ParseInt(attr.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse version: %w", err)
			}
			ids = append(ids, id)
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		startKey = resp.LastEvaluatedKey
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func itemContent(item map[string]types.AttributeValue) ([]byte, error) {
	attr, ok := item[attrContent].(*types.AttributeValueMemberB)
	if !ok {
		return nil, errors.New("invalid content attribute in DynamoDB")
	}
	return attr.Value, nil
}

// ddbWritableBlob buffers a snapshot file and stores it on Close.
type ddbWritableBlob struct {
	ctx     context.Context
	store   *DDBCommitStore
	name    string
	buf     bytes.Buffer
	aborted bool
}

func (w *ddbWritableBlob) Write(p []byte) (int, error) {
	if w.aborted {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *ddbWritableBlob) Close() error {
	if w.aborted {
		return io.ErrClosedPipe
	}
	return w.store.Put(w.ctx, w.name, w.buf.Bytes())
}

func (w *ddbWritableBlob) Sync() error {
	return nil
}

func (w *ddbWritableBlob) Abort() error {
	w.aborted = true
	return nil
}
