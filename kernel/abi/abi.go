// Package abi defines the system call interface shared by the kernel and
// ring 3 programs: call numbers, register conventions, return sentinels and
// the record layouts copied to user buffers.
//
// A system call is issued with int 0x80. EAX holds the call number and
// EBX, ECX, EDX, ESI, EDI hold up to five arguments. The result is
// returned in EAX; negative values signal failure.
package abi

import "encoding/binary"

// System call numbers.
const (
	SysExit           = uint32(1)  // exit(code)
	SysWrite          = uint32(2)  // write(fd, buf, len) -> n
	SysRead           = uint32(3)  // read(fd, buf, len) -> n
	SysOpen           = uint32(4)  // open(path, flags) -> fd
	SysClose          = uint32(5)  // close(fd)
	SysSeek           = uint32(6)  // seek(fd, offset, whence) -> offset
	SysYield          = uint32(7)  // yield()
	SysGetPID         = uint32(8)  // getpid() -> pid
	SysSpawn          = uint32(9)  // spawn(path, argv) -> pid
	SysWait           = uint32(10) // wait(pid) -> code
	SysWaitNB         = uint32(11) // wait_nb(pid) -> code
	SysDetach         = uint32(12) // detach()
	SysKill           = uint32(13) // kill(pid, code)
	SysListTasks      = uint32(14) // list_tasks(buf, max) -> count
	SysExec           = uint32(15) // exec(path, argv)
	SysWinCreate      = uint32(16) // win_create(title, width, height) -> id
	SysWinDestroy     = uint32(17) // win_destroy(id)
	SysRedirectStdout = uint32(18) // redirect_stdout(window id, 0 restores the console)
	SysSockOpen       = uint32(19) // sock_open(port) -> id
	SysSockClose      = uint32(20) // sock_close(id)
	SysSetGraphics    = uint32(21) // set_graphics(enabled)
	SysChdir          = uint32(22) // chdir(path)
)

// Return values.
const (
	// Failure is the generic error return value.
	Failure = int32(-1)

	// WaitDetached is returned by wait and wait_nb when the target task
	// has detached from its parent.
	WaitDetached = int32(-0x7fffffff)

	// WaitRunning is returned by wait_nb when the target task has not
	// terminated yet.
	WaitRunning = int32(-0x7ffffffe)

	// KillCode is the exit code recorded for killed tasks unless the
	// caller supplies a non-zero code.
	KillCode = int32(-1)

	// FaultCodeBase is added to the exception vector to build the exit
	// code of a task terminated by a CPU fault: code = -(FaultCodeBase + vector).
	FaultCodeBase = int32(128)
)

// FaultExitCode returns the exit code recorded for a task that raised the
// supplied exception vector.
func FaultExitCode(vector uint8) int32 {
	return -(FaultCodeBase + int32(vector))
}

// Task states reported by list_tasks.
const (
	StateReady      = uint8(0)
	StateRunning    = uint8(1)
	StateBlocked    = uint8(2)
	StateTerminated = uint8(3)
)

const (
	// TaskNameLen is the size of the NUL padded name field.
	TaskNameLen = 32

	// TaskRecordSize is the size of a list_tasks record in bytes.
	TaskRecordSize = 48

	// MaxArgs is the number of argv entries passed to a new program.
	MaxArgs = 16

	// MaxPath is the longest path accepted by path-taking calls.
	MaxPath = 256
)

// TaskRecord is the per-task entry written by list_tasks. The wire layout
// is little endian: id u32, parent u32, ring u8, state u8, 2 bytes of
// padding, name [32]byte and runtime ticks u32.
type TaskRecord struct {
	ID      uint32
	Parent  uint32
	Ring    uint8
	State   uint8
	Name    string
	Runtime uint32
}

// MarshalTo encodes the record into buf which must be at least
// TaskRecordSize bytes long.
func (r *TaskRecord) MarshalTo(buf []byte) {
	buf = buf[:TaskRecordSize]
	for i := range buf {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint32(buf[0:], r.ID)
	binary.LittleEndian.PutUint32(buf[4:], r.Parent)
	buf[8] = r.Ring
	buf[9] = r.State
	name := r.Name
	if len(name) > TaskNameLen-1 {
		name = name[:TaskNameLen-1]
	}
	copy(buf[12:12+TaskNameLen], name)
	binary.LittleEndian.PutUint32(buf[44:], r.Runtime)
}

// UnmarshalTaskRecord decodes a record produced by MarshalTo.
func UnmarshalTaskRecord(buf []byte) TaskRecord {
	name := buf[12 : 12+TaskNameLen]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}

	return TaskRecord{
		ID:      binary.LittleEndian.Uint32(buf[0:]),
		Parent:  binary.LittleEndian.Uint32(buf[4:]),
		Ring:    buf[8],
		State:   buf[9],
		Name:    string(name),
		Runtime: binary.LittleEndian.Uint32(buf[44:]),
	}
}
