package kv

import "github.com/cespare/xxhash/v2"

// BucketOf assigns a key to one of numBuckets buckets.
func BucketOf(key []byte, numBuckets int) int {
	if numBuckets <= 1 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(numBuckets))
}
