package bigfile

import (
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"
)

// File is a directory tree holding zero or more Block subdirectories
// at arbitrary nesting depth; a block's name is its path relative to
// the File's root (spec.md §4.6, §6).
type File struct {
	root   string
	closed bool
}

// OpenFile opens an existing File rooted at root, failing if the
// directory does not exist.
func OpenFile(root string) (*File, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, xerrors.Errorf("bigfile: opening file %q: %w", root, err)
	}
	return &File{root: root}, nil
}

// CreateFile creates a File rooted at root, recursively creating the
// directory if needed; it is not an error for root to already exist.
func CreateFile(root string) (*File, error) {
	if err := os.MkdirAll(root, 0777); err != nil {
		return nil, xerrors.Errorf("bigfile: creating file %q: %w", root, err)
	}
	return &File{root: root}, nil
}

// Root returns the File's root directory.
func (f *File) Root() string { return f.root }

func (f *File) blockDir(name string) string {
	return filepath.Join(f.root, name)
}

// OpenBlock opens the block named name under f's root.
func (f *File) OpenBlock(name string) (*Block, error) {
	if f.closed {
		return nil, ErrClosed
	}
	return OpenBlock(f.blockDir(name))
}

// CreateBlock creates the block named name under f's root, creating
// any intermediate directories that name implies.
func (f *File) CreateBlock(name string, dtype Dtype, nmemb, nfile int, fsize []int64) (*Block, error) {
	if f.closed {
		return nil, ErrClosed
	}
	return CreateBlock(f.blockDir(name), dtype, nmemb, nfile, fsize)
}

// List enumerates every block under f's root by walking the directory
// tree and collecting each directory that contains a header file,
// returning block names sorted lexically (spec.md §4.6).
func (f *File) List() ([]string, error) {
	if f.closed {
		return nil, ErrClosed
	}
	var names []string
	err := filepath.WalkDir(f.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() != "header" {
			return nil
		}
		dir := filepath.Dir(path)
		rel, err := filepath.Rel(f.root, dir)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("bigfile: listing blocks under %q: %w", f.root, err)
	}
	sort.Strings(names)
	return names, nil
}

// Close releases f. Using f after Close returns ErrClosed.
func (f *File) Close() error {
	f.closed = true
	return nil
}
