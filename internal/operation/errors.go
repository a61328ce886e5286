package operation

import "errors"

var (
	// ErrConflict is returned when a commit retracts files that are no
	// longer live. Another committer removed them; retrying cannot help.
	ErrConflict = errors.New("commit conflict")

	// ErrCommitRetriesExhausted is returned when every commit attempt lost
	// the race for the next snapshot id.
	ErrCommitRetriesExhausted = errors.New("commit retries exhausted")

	// ErrInvalidCommit is returned for committables that cannot be applied,
	// such as an overwrite touching other partitions.
	ErrInvalidCommit = errors.New("invalid commit")
)

// ErrInvalidBucket is returned when a record targets a bucket outside
// [0, NumBuckets).
var ErrInvalidBucket = errors.New("invalid bucket")
