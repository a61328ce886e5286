// Package mmap maps immutable table files read-only for zero-copy reads.
//
// Data files, manifests and manifest lists are never modified after they are
// written, which makes them safe to map: blobstore.LocalStore opens every blob
// through [Open] and serves ReadAt from the mapping.
//
// Unix platforms use mmap(2) and madvise(2); Windows uses
// CreateFileMapping/MapViewOfFile and ignores access hints.
package mmap
