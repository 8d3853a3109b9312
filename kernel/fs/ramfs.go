// Package fs implements the in-memory file store that holds executables and
// data files, and the per-task file descriptor tables used by the file I/O
// system calls.
package fs

import (
	"os"
	"path"
	"strings"

	"ringos/kernel"

	"github.com/spf13/afero"
)

const (
	dirPerm  = os.FileMode(0o755)
	filePerm = os.FileMode(0o644)
)

var (
	// ErrNotFound is returned when a path does not name an existing file.
	ErrNotFound = &kernel.Error{Module: "fs", Message: "no such file or directory"}

	// ErrIsDir is returned when a file operation targets a directory.
	ErrIsDir = &kernel.Error{Module: "fs", Message: "is a directory"}

	// ErrNotDir is returned when a path component is not a directory.
	ErrNotDir = &kernel.Error{Module: "fs", Message: "not a directory"}

	errBadPath = &kernel.Error{Module: "fs", Message: "invalid path"}
	errIO      = &kernel.Error{Module: "fs", Message: "i/o error"}
)

// store backs the ramfs. Paths passed to it are always absolute and clean.
var store = afero.NewMemMapFs()

// Reset discards all files.
func Reset() {
	store = afero.NewMemMapFs()
}

// Resolve turns path p into an absolute, cleaned path. Relative paths are
// resolved against cwd.
func Resolve(cwd, p string) string {
	if !strings.HasPrefix(p, "/") {
		if cwd == "" {
			cwd = "/"
		}
		p = cwd + "/" + p
	}
	return path.Clean(p)
}

// Mkdir creates a directory and any missing parents.
func Mkdir(p string) *kernel.Error {
	if p == "" {
		return errBadPath
	}

	p = Resolve("/", p)
	for _, dir := range append(parents(p), p) {
		info, err := store.Stat(dir)
		if err != nil {
			if err = store.Mkdir(dir, dirPerm); err != nil {
				return errIO
			}
			continue
		}

		if !info.IsDir() {
			return ErrNotDir
		}
	}
	return nil
}

// parents returns the ancestors of an absolute path below the root,
// outermost first.
func parents(p string) []string {
	var dirs []string
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		dirs = append([]string{dir}, dirs...)
	}
	return dirs
}

// WriteFile replaces the contents of a file, creating it and its parent
// directories if needed.
func WriteFile(p string, data []byte) *kernel.Error {
	if p == "" {
		return errBadPath
	}

	p = Resolve("/", p)
	if p == "/" {
		return ErrIsDir
	}

	if err := Mkdir(path.Dir(p)); err != nil {
		return err
	}

	if IsDir(p) {
		return ErrIsDir
	}

	if err := afero.WriteFile(store, p, data, filePerm); err != nil {
		return errIO
	}
	return nil
}

// ReadWholeFile returns a copy of the contents of a file.
func ReadWholeFile(p string) ([]byte, *kernel.Error) {
	p = Resolve("/", p)
	info, err := store.Stat(p)
	switch {
	case err != nil:
		return nil, ErrNotFound
	case info.IsDir():
		return nil, ErrIsDir
	}

	data, err := afero.ReadFile(store, p)
	if err != nil {
		return nil, errIO
	}
	return data, nil
}

// Remove deletes a file or an empty directory.
func Remove(p string) *kernel.Error {
	p = Resolve("/", p)
	info, err := store.Stat(p)
	if err != nil || p == "/" {
		return ErrNotFound
	}

	if info.IsDir() && len(List(p)) != 0 {
		return ErrIsDir
	}

	if err = store.Remove(p); err != nil {
		return ErrNotFound
	}
	return nil
}

// List returns the sorted names of the entries in a directory.
func List(dir string) []string {
	infos, err := afero.ReadDir(store, Resolve("/", dir))
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names
}

// IsDir returns true if p names an existing directory.
func IsDir(p string) bool {
	ok, err := afero.IsDir(store, Resolve("/", p))
	return err == nil && ok
}
