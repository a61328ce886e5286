// Package kv defines the record model shared by every layer of the table store.
//
// A [KeyValue] is a keyed change record. Keys are opaque byte strings ordered
// by bytes.Compare; ties are broken by the sequence number the bucket writer
// assigns at write time. The record with the highest sequence number for a key
// decides its current value under merge-on-read.
//
// A [Partition] is the canonical, comparable encoding of ordered partition
// fields. Within a partition, keys are spread across buckets with [BucketOf].
package kv
