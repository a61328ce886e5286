// Package mergetree implements the per-bucket log-structured merge tree:
// the write buffer, sorted runs and levels, background compaction, the
// data file format and merge-on-read.
//
// # Writing
//
// A [Writer] owns one (partition, bucket). Records are buffered in a skip
// list ordered by key and sequence number. When the shared memory pool is
// exhausted, the largest buffer is flushed to a new level 0 sorted run.
// [Writer.PrepareCommit] flushes and returns an [Increment] describing the
// file changes since the previous call.
//
// # Levels
//
// Level 0 holds overlapping runs, one per file, newest first. Each higher
// level holds a single run of non-overlapping files. A [CompactionPolicy]
// picks runs to merge; [UniversalCompaction] is the default.
//
// # Reading
//
// A [MergeReader] merges the runs of a bucket and reduces the records of
// each key with a [MergeFunction]. Deletes shadow older records and are
// never returned.
package mergetree
