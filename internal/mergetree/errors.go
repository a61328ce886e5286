package mergetree

import "errors"

// ErrClosed is returned when a closed writer is used.
var ErrClosed = errors.New("writer closed")
