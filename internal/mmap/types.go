package mmap

import "errors"

// AccessPattern is the read pattern a mapping is advised for.
type AccessPattern int

const (
	// AccessDefault leaves the kernel default.
	AccessDefault AccessPattern = iota
	// AccessSequential suits data files, which scans and compactions
	// stream block by block.
	AccessSequential
	// AccessRandom suits files read at scattered offsets.
	AccessRandom
)

var (
	// ErrClosed is returned by reads from a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for files too large to map.
	ErrInvalidSize = errors.New("mmap: invalid file size")
	// ErrInvalidOffset is returned for negative read offsets.
	ErrInvalidOffset = errors.New("mmap: invalid offset")
)
