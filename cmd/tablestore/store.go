package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/blobstore/minio"
	"github.com/hupe1980/tablestore/blobstore/s3"
)

// storeFlags selects and configures the blob store behind a table URI.
type storeFlags struct {
	region        string
	s3Endpoint    string
	dynamoDBTable string

	minioEndpoint  string
	minioAccessKey string
	minioSecretKey string
	minioSecure    bool
}

// location is a parsed table URI.
type location struct {
	scheme string
	bucket string
	prefix string
	path   string
}

func parseLocation(uri string) (location, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		rest := strings.TrimPrefix(uri, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return location{}, fmt.Errorf("missing bucket in %q", uri)
		}
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		return location{scheme: "s3", bucket: bucket, prefix: prefix}, nil
	case strings.HasPrefix(uri, "file://"):
		return location{scheme: "file", path: strings.TrimPrefix(uri, "file://")}, nil
	case strings.Contains(uri, "://"):
		scheme, _, _ := strings.Cut(uri, "://")
		return location{}, fmt.Errorf("unsupported scheme %q", scheme)
	case uri == "":
		return location{}, fmt.Errorf("empty table location")
	default:
		return location{scheme: "file", path: uri}, nil
	}
}

func openStore(ctx context.Context, uri string, f storeFlags) (blobstore.BlobStore, error) {
	loc, err := parseLocation(uri)
	if err != nil {
		return nil, err
	}
	if loc.scheme == "file" {
		return blobstore.NewLocalStore(loc.path), nil
	}

	if f.minioEndpoint != "" {
		client, err := miniogo.New(f.minioEndpoint, &miniogo.Options{
			Creds:  credentials.NewStaticV4(f.minioAccessKey, f.minioSecretKey, ""),
			Secure: f.minioSecure,
			Region: f.region,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return minio.NewStore(client, loc.bucket, loc.prefix), nil
	}

	var opts []s3.Option
	opts = append(opts, s3.WithPrefix(loc.prefix))
	if f.region != "" {
		opts = append(opts, s3.WithRegion(f.region))
	}
	if f.s3Endpoint != "" {
		opts = append(opts, s3.WithEndpoint(f.s3Endpoint))
	}
	store, err := s3.New(ctx, loc.bucket, opts...)
	if err != nil {
		return nil, err
	}
	if f.dynamoDBTable == "" {
		return store, nil
	}

	var loadOpts []func(*config.LoadOptions) error
	if f.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(f.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewDDBCommitStore(store, dynamodb.NewFromConfig(cfg), f.dynamoDBTable, uri), nil
}
