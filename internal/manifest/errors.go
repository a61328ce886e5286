package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned when the file format version is not supported.
	ErrIncompatibleVersion = errors.New("incompatible manifest version")

	// ErrCorrupt is returned for unreadable manifest files and lists, and for
	// entry sequences that delete files which were never added.
	ErrCorrupt = errors.New("corrupt manifest")
)
