// Package manifest implements the file bookkeeping of the table store.
//
// # Overview
//
// A manifest file is an ordered sequence of [Entry] values, each adding or
// deleting one data file of a (partition, bucket). A manifest list is an
// ordered sequence of [FileMeta] references to manifest files. Every
// snapshot points at two lists: the base list (inherited state) and the
// delta list (the snapshot's own changes). Concatenating the entries of
// base and delta and folding them with a [Merger] yields the files live in
// that snapshot.
//
// Both file kinds are immutable and named by the path factory, so an
// aborted commit leaves only unreferenced files behind.
//
// # Binary Format
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - "TSMF" for manifests, "TSML" for lists
//	  Version  (4 bytes) - Format version (currently 1)
//	  Checksum (4 bytes) - CRC32C of the compressed payload
//	  Length   (4 bytes) - Compressed payload length in bytes
//
//	Payload (zstd):
//	  Count (4 bytes) followed by the encoded entries or references.
//
// Strings are length-prefixed (2-byte length + bytes), keys 4-byte prefixed.
//
// # Merging
//
// Base lists grow by one delta per commit. [Store.Merge] folds runs of small
// manifests into files of the target size, cancelling ADD/DELETE pairs.
package manifest
