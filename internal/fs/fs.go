package fs

import (
	"io"
	"os"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// File is a temporary file being written by the local store.
type File interface {
	io.WriteCloser
	Sync() error
	Name() string
}

// FileSystem is the set of calls blobstore.LocalStore makes.
type FileSystem interface {
	// CreateExclusive creates name for writing and fails if it exists.
	// Missing parent directories are created.
	CreateExclusive(name string) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	// Link creates newname as a hard link to oldname. It fails with an
	// os.ErrExist error if newname exists.
	Link(oldname, newname string) error
	Stat(name string) (os.FileInfo, error)
	ReadDir(name string) ([]os.DirEntry, error)
}

// LocalFS implements FileSystem with the os package.
type LocalFS struct{}

// CreateExclusive implements FileSystem.
func (LocalFS) CreateExclusive(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dirOf(name), dirPerm); err != nil {
			return nil, err
		}
		f, err = os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (LocalFS) Remove(name string) error              { return os.Remove(name) }
func (LocalFS) Rename(oldpath, newpath string) error  { return os.Rename(oldpath, newpath) }
func (LocalFS) Link(oldname, newname string) error    { return os.Link(oldname, newname) }
func (LocalFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

func (LocalFS) ReadDir(name string) ([]os.DirEntry, error) { return os.ReadDir(name) }

func dirOf(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if os.IsPathSeparator(name[i]) {
			return name[:i]
		}
	}
	return "."
}

// Default is the local file system.
var Default FileSystem = LocalFS{}
