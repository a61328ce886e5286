package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is returned by injected faults that carry no error of their own.
var ErrInjected = errors.New("fs: injected fault")

// Op is a set of file system operations a rule can fail.
type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpSync
	OpClose
	OpRename
	OpLink
	OpRemove
)

// Rule fails operations on paths that contain Pattern.
type Rule struct {
	Pattern string
	Ops     Op
	// AfterBytes lets this many bytes of a file through before its writes
	// fail. Only used for OpWrite.
	AfterBytes int64
	// Times bounds how often the rule fires. Zero means every time.
	Times int
	Err   error

	fired int
}

// FaultyFS wraps a FileSystem and fails the operations matched by its
// rules. Rules are checked in the order they were added; the first
// matching rule with budget left fires.
type FaultyFS struct {
	fs FileSystem

	mu    sync.Mutex
	rules []*Rule
	fired int
}

// NewFaultyFS wraps fsys, or Default if nil.
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{fs: fsys}
}

// Inject adds a rule.
func (f *FaultyFS) Inject(r Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &r)
}

// Clear removes all rules.
func (f *FaultyFS) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
}

// Fired returns the number of faults injected so far.
func (f *FaultyFS) Fired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

// check returns the error of the first rule matching op on name. size is
// the file size after a pending write.
func (f *FaultyFS) check(name string, op Op, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range f.rules {
		if r.Ops&op == 0 || !strings.Contains(name, r.Pattern) {
			continue
		}
		if r.Times > 0 && r.fired >= r.Times {
			continue
		}
		if op == OpWrite && size <= r.AfterBytes {
			continue
		}
		r.fired++
		f.fired++
		if r.Err != nil {
			return r.Err
		}
		return ErrInjected
	}
	return nil
}

// CreateExclusive implements FileSystem.
func (f *FaultyFS) CreateExclusive(name string) (File, error) {
	if err := f.check(name, OpCreate, 0); err != nil {
		return nil, err
	}
	file, err := f.fs.CreateExclusive(name)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f}, nil
}

// Remove implements FileSystem.
func (f *FaultyFS) Remove(name string) error {
	if err := f.check(name, OpRemove, 0); err != nil {
		return err
	}
	return f.fs.Remove(name)
}

// Rename implements FileSystem. Rules match the destination.
func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if err := f.check(newpath, OpRename, 0); err != nil {
		return err
	}
	return f.fs.Rename(oldpath, newpath)
}

// Link implements FileSystem. Rules match the new name.
func (f *FaultyFS) Link(oldname, newname string) error {
	if err := f.check(newname, OpLink, 0); err != nil {
		return err
	}
	return f.fs.Link(oldname, newname)
}

// Stat implements FileSystem.
func (f *FaultyFS) Stat(name string) (os.FileInfo, error) { return f.fs.Stat(name) }

// ReadDir implements FileSystem.
func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) { return f.fs.ReadDir(name) }

type faultyFile struct {
	File
	fs      *FaultyFS
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.fs.check(ff.Name(), OpWrite, ff.written+int64(len(p))); err != nil {
		return 0, err
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) Sync() error {
	if err := ff.fs.check(ff.Name(), OpSync, 0); err != nil {
		return err
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if err := ff.fs.check(ff.Name(), OpClose, 0); err != nil {
		_ = ff.File.Close()
		return err
	}
	return ff.File.Close()
}
