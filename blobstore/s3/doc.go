// Package s3 stores tables in Amazon S3 with the AWS SDK for Go v2.
//
//	store, err := s3.New(ctx, "lake",
//	    s3.WithPrefix("tables/orders"),
//	    s3.WithRegion("eu-central-1"),
//	)
//	if err != nil {
//	    return err
//	}
//	table, err := tablestore.Open(store)
//
// Data files stream through the multipart upload manager and become
// visible once the writer is closed. Small metadata files are written with
// a single PutObject carrying a CRC32C checksum.
//
// # Commits
//
// Store commits snapshot files with conditional writes (If-None-Match: *).
// For S3-compatible servers that lack them, DDBCommitStore keeps the
// snapshot files in a DynamoDB table and commits them with conditional
// PutItem calls; every other file stays in S3.
package s3
