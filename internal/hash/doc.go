// Package hash provides the CRC32-Castagnoli checksum used by every on-disk
// structure of the table store: data file blocks and trailers, manifest files
// and manifest lists. It is also sent to S3 as the upload integrity checksum.
package hash
