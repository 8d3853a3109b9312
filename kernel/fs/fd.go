package fs

import (
	"io"
	"os"

	"ringos/kernel"

	"github.com/spf13/afero"
)

// MaxFiles is the number of descriptors in a file descriptor table.
const MaxFiles = 16

// Open flags.
const (
	ORdOnly = 0x0
	OWrOnly = 0x1
	ORdWr   = 0x2
	OCreat  = 0x40
	OTrunc  = 0x200
	OAppend = 0x400

	accessMask = 0x3
)

// Seek origins.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

var (
	// ErrBadFD is returned for descriptors that are not open.
	ErrBadFD = &kernel.Error{Module: "fs", Message: "bad file descriptor"}

	// ErrTooManyFiles is returned when a table has no free descriptors.
	ErrTooManyFiles = &kernel.Error{Module: "fs", Message: "too many open files"}

	// ErrWouldBlock is returned by devices that have no data available.
	// Callers yield the CPU and retry.
	ErrWouldBlock = &kernel.Error{Module: "fs", Message: "operation would block"}

	errBadAccess = &kernel.Error{Module: "fs", Message: "descriptor not open for this operation"}
	errBadSeek   = &kernel.Error{Module: "fs", Message: "invalid seek"}
)

// Device is a character device that can be bound to a descriptor.
type Device interface {
	Read(p []byte) (int, *kernel.Error)
	Write(p []byte) (int, *kernel.Error)
}

// consoleDev is bound to descriptors 0, 1 and 2 of new tables.
var consoleDev Device

// SetConsole installs the device used for the standard descriptors of
// tables created afterwards.
func SetConsole(dev Device) {
	consoleDev = dev
}

// file is an open file description. Ramfs files are backed by an afero
// handle that tracks the file offset.
type file struct {
	path   string
	handle afero.File
	dev    Device
	flags  int
}

func (f *file) readable() bool {
	return f.flags&accessMask != OWrOnly
}

func (f *file) writable() bool {
	return f.flags&accessMask != ORdOnly
}

// Table is a per-task file descriptor table.
type Table struct {
	files [MaxFiles]*file
	cwd   string
}

// NewTable returns a table whose working directory is cwd and whose
// descriptors 0, 1 and 2 are bound to the console.
func NewTable(cwd string) *Table {
	if cwd == "" {
		cwd = "/"
	}

	t := &Table{cwd: cwd}
	if consoleDev != nil {
		t.files[0] = &file{path: "/dev/console", dev: consoleDev, flags: ORdOnly}
		t.files[1] = &file{path: "/dev/console", dev: consoleDev, flags: OWrOnly}
		t.files[2] = &file{path: "/dev/console", dev: consoleDev, flags: OWrOnly}
	}
	return t
}

// Cwd returns the working directory of the table owner.
func (t *Table) Cwd() string {
	return t.cwd
}

// Chdir changes the working directory.
func (t *Table) Chdir(p string) *kernel.Error {
	p = Resolve(t.cwd, p)
	if !IsDir(p) {
		return ErrNotDir
	}
	t.cwd = p
	return nil
}

// Open opens a ramfs file and returns the lowest free descriptor.
func (t *Table) Open(p string, flags int) (int, *kernel.Error) {
	fd := -1
	for i, f := range t.files {
		if f == nil {
			fd = i
			break
		}
	}
	if fd < 0 {
		return -1, ErrTooManyFiles
	}

	p = Resolve(t.cwd, p)
	info, err := store.Stat(p)
	switch {
	case err != nil && flags&OCreat == 0:
		return -1, ErrNotFound
	case err != nil:
		if err := WriteFile(p, nil); err != nil {
			return -1, err
		}
	case info.IsDir():
		return -1, ErrIsDir
	}

	handle, err := store.OpenFile(p, hostFlags(flags), filePerm)
	if err != nil {
		return -1, ErrNotFound
	}
	t.files[fd] = &file{path: p, handle: handle, flags: flags}
	return fd, nil
}

// hostFlags translates open flags to the flags understood by the file store.
// Creation and appending are handled by the table.
func hostFlags(flags int) int {
	var out int
	switch flags & accessMask {
	case OWrOnly:
		out = os.O_WRONLY
	case ORdWr:
		out = os.O_RDWR
	default:
		out = os.O_RDONLY
	}

	if flags&OTrunc != 0 && out != os.O_RDONLY {
		out |= os.O_TRUNC
	}
	return out
}

func (t *Table) get(fd int) (*file, *kernel.Error) {
	if fd < 0 || fd >= MaxFiles || t.files[fd] == nil {
		return nil, ErrBadFD
	}
	return t.files[fd], nil
}

// Read reads up to len(p) bytes from fd.
func (t *Table) Read(fd int, p []byte) (int, *kernel.Error) {
	f, err := t.get(fd)
	switch {
	case err != nil:
		return 0, err
	case !f.readable():
		return 0, errBadAccess
	case f.dev != nil:
		return f.dev.Read(p)
	}

	n, rerr := f.handle.Read(p)
	switch rerr {
	case nil:
		return n, nil
	case io.EOF, io.ErrUnexpectedEOF:
		// reads at or past the end of the file return no data
		return 0, nil
	default:
		return n, errIO
	}
}

// Write writes p to fd.
func (t *Table) Write(fd int, p []byte) (int, *kernel.Error) {
	f, err := t.get(fd)
	switch {
	case err != nil:
		return 0, err
	case !f.writable():
		return 0, errBadAccess
	case f.dev != nil:
		return f.dev.Write(p)
	}

	if f.flags&OAppend != 0 {
		if _, serr := f.handle.Seek(0, io.SeekEnd); serr != nil {
			return 0, errIO
		}
	}

	n, werr := f.handle.Write(p)
	if werr != nil {
		return n, errIO
	}
	return n, nil
}

// Seek moves the file offset of fd and returns the new offset.
func (t *Table) Seek(fd, offset, whence int) (int, *kernel.Error) {
	f, err := t.get(fd)
	if err != nil {
		return 0, err
	}

	if f.dev != nil {
		return 0, errBadSeek
	}

	var base int64
	switch whence {
	case SeekSet:
	case SeekCur:
		if base, err = f.current(); err != nil {
			return 0, err
		}
	case SeekEnd:
		info, serr := f.handle.Stat()
		if serr != nil {
			return 0, errIO
		}
		base = info.Size()
	default:
		return 0, errBadSeek
	}

	target := base + int64(offset)
	if target < 0 {
		return 0, errBadSeek
	}

	if _, serr := f.handle.Seek(target, io.SeekStart); serr != nil {
		return 0, errIO
	}
	return int(target), nil
}

// current returns the file offset of a ramfs file.
func (f *file) current() (int64, *kernel.Error) {
	off, err := f.handle.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, errIO
	}
	return off, nil
}

// Close releases a descriptor.
func (t *Table) Close(fd int) *kernel.Error {
	f, err := t.get(fd)
	if err != nil {
		return err
	}
	f.close()
	t.files[fd] = nil
	return nil
}

func (f *file) close() {
	if f.handle != nil {
		_ = f.handle.Close()
	}
}

// CloseAll releases every open descriptor and returns how many were open.
func (t *Table) CloseAll() int {
	var closed int
	for fd := range t.files {
		if t.files[fd] != nil {
			t.files[fd].close()
			t.files[fd] = nil
			closed++
		}
	}
	return closed
}

// OpenCount returns the number of open descriptors.
func (t *Table) OpenCount() int {
	var count int
	for _, f := range t.files {
		if f != nil {
			count++
		}
	}
	return count
}
