package userland

import (
	"fmt"
	"strconv"

	"ringos/kernel/abi"
	"ringos/kernel/usermode"
)

// Standard descriptors.
const (
	stdin  = 0
	stdout = 1
)

// printf writes formatted output to the standard output descriptor.
func printf(t *usermode.Thread, format string, args ...interface{}) {
	t.Print(fmt.Sprintf(format, args...))
}

// withStack runs fn and then discards anything it pushed on the user stack.
func withStack(t *usermode.Thread, fn func() int32) int32 {
	sp := t.Regs().ESP
	n := fn()
	t.Regs().ESP = sp
	return n
}

func spawn(t *usermode.Thread, path string, argv []string) int32 {
	return withStack(t, func() int32 {
		argvAddr := t.PushArgv(argv)
		return t.Syscall(abi.SysSpawn, t.PushString(path), argvAddr)
	})
}

func exec(t *usermode.Thread, path string, argv []string) int32 {
	return withStack(t, func() int32 {
		argvAddr := t.PushArgv(argv)
		return t.Syscall(abi.SysExec, t.PushString(path), argvAddr)
	})
}

func open(t *usermode.Thread, path string, flags uint32) int32 {
	return withStack(t, func() int32 {
		return t.Syscall(abi.SysOpen, t.PushString(path), flags)
	})
}

func chdir(t *usermode.Thread, path string) int32 {
	return withStack(t, func() int32 {
		return t.Syscall(abi.SysChdir, t.PushString(path))
	})
}

// read reads up to max bytes from fd.
func read(t *usermode.Thread, fd int32, max uint32) ([]byte, int32) {
	var data []byte
	n := withStack(t, func() int32 {
		buf := t.Alloca(max)
		n := t.Syscall(abi.SysRead, uint32(fd), buf, max)
		if n > 0 {
			data = make([]byte, n)
			t.Read(buf, data)
		}
		return n
	})
	return data, n
}

func write(t *usermode.Thread, fd int32, data []byte) int32 {
	return withStack(t, func() int32 {
		buf := t.Alloca(uint32(len(data)))
		t.Write(buf, data)
		return t.Syscall(abi.SysWrite, uint32(fd), buf, uint32(len(data)))
	})
}

// listTasks returns up to max task records.
func listTasks(t *usermode.Thread, max int) []abi.TaskRecord {
	var records []abi.TaskRecord
	withStack(t, func() int32 {
		buf := t.Alloca(uint32(max * abi.TaskRecordSize))
		n := t.Syscall(abi.SysListTasks, buf, uint32(max))

		raw := make([]byte, abi.TaskRecordSize)
		for i := int32(0); i < n; i++ {
			t.Read(buf+uint32(i)*abi.TaskRecordSize, raw)
			records = append(records, abi.UnmarshalTaskRecord(raw))
		}
		return n
	})
	return records
}

// lineReader splits the input of a descriptor into lines.
type lineReader struct {
	t       *usermode.Thread
	fd      int32
	pending []byte
}

// ReadLine returns the next line without its terminator. Backspaces erase
// the previous character. The second result is false once the descriptor
// reports an error or end of file.
func (r *lineReader) ReadLine() (string, bool) {
	for {
		for i, b := range r.pending {
			if b != '\n' {
				continue
			}

			line := editLine(r.pending[:i])
			r.pending = r.pending[i+1:]
			return line, true
		}

		data, n := read(r.t, r.fd, 128)
		if n <= 0 {
			return "", false
		}
		r.pending = append(r.pending, data...)
	}
}

func editLine(raw []byte) string {
	line := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b == '\b' {
			if len(line) > 0 {
				line = line[:len(line)-1]
			}
			continue
		}
		line = append(line, b)
	}
	return string(line)
}

// atoi parses a decimal number, returning def if s is not one.
func atoi(s string, def int32) int32 {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return def
	}
	return int32(v)
}
