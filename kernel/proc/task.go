// Package proc implements the task table, the round-robin scheduler and the
// process lifecycle: task creation, termination, exit, kill, wait, detach
// and exec.
//
// Task 0 is the idle task. It is bound to the execution context that calls
// Init and is the scheduler's fallback when no other task is ready.
package proc

import (
	"io"

	"ringos/kernel"
	"ringos/kernel/abi"
	"ringos/kernel/fs"
	"ringos/kernel/gate"
	"ringos/kernel/mm"
	"ringos/kernel/mm/vmm"
)

// MaxTasks is the capacity of the task table, including the idle task.
const MaxTasks = 16

// maxNameLen is the longest task name kept in the table.
const maxNameLen = abi.TaskNameLen - 1

var (
	// ErrNoFreeSlots is returned when the task table is full.
	ErrNoFreeSlots = &kernel.Error{Module: "proc", Message: "no free task slots"}

	// ErrOutOfMemory is returned when memory for a new task cannot be
	// allocated.
	ErrOutOfMemory = &kernel.Error{Module: "proc", Message: "out of memory"}

	// ErrNotFound is returned when an executable does not exist.
	ErrNotFound = &kernel.Error{Module: "proc", Message: "executable not found"}

	// ErrBadFormat is returned for executables that cannot be loaded.
	ErrBadFormat = &kernel.Error{Module: "proc", Message: "bad executable format"}

	// ErrNoSuchTask is returned when a task id does not name a task.
	ErrNoSuchTask = &kernel.Error{Module: "proc", Message: "no such task"}

	// ErrIdleTask is returned when trying to kill or wait for the idle task.
	ErrIdleTask = &kernel.Error{Module: "proc", Message: "operation not permitted on the idle task"}

	// ErrPrivilegedTask is returned when trying to kill a kernel task.
	ErrPrivilegedTask = &kernel.Error{Module: "proc", Message: "kernel tasks cannot be killed"}

	// ErrAlreadyTerminated is returned when trying to kill a terminated task.
	ErrAlreadyTerminated = &kernel.Error{Module: "proc", Message: "task already terminated"}

	// ErrTaskDetached is returned by Wait and WaitNB for detached tasks.
	ErrTaskDetached = &kernel.Error{Module: "proc", Message: "task is detached"}

	// ErrTaskRunning is returned by WaitNB for tasks that have not
	// terminated yet.
	ErrTaskRunning = &kernel.Error{Module: "proc", Message: "task is still running"}

	// ErrNotUserTask is returned by Exec when called by a kernel task.
	ErrNotUserTask = &kernel.Error{Module: "proc", Message: "operation requires a user task"}

	errWaitSelf = &kernel.Error{Module: "proc", Message: "a task cannot wait for itself"}
)

// ID identifies a task. IDs increase monotonically and are never reused;
// ID 0 is the idle task.
type ID uint32

// State is the scheduling state of a task.
type State uint8

// Task states.
const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Task is a task control block. Slots are recycled rather than freed.
type Task struct {
	id     ID
	parent ID
	name   string
	state  State

	// ctx is the saved execution context of the task.
	ctx *gate.Context

	// kernel is set for tasks that run in ring 0 in the kernel space.
	kernel bool

	// kstack is the physical address of the kernel stack; kstackTop is
	// the matching esp0 value.
	kstack    mm.PhysAddr
	kstackTop uint32

	space      *vmm.AddressSpace
	exitCode   int32
	waitingFor ID
	runtime    uint32
	detached   bool
	stdout     io.Writer
	files      *fs.Table

	// next links the slot into the scheduling ring.
	next int

	// used is set while the slot holds a task; linked is set once the
	// slot has joined the ring, which it never leaves.
	used   bool
	linked bool
}

// ID returns the task id.
func (t *Task) ID() ID { return t.id }

// Parent returns the id of the task that created this task.
func (t *Task) Parent() ID { return t.parent }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// State returns the scheduling state of the task.
func (t *Task) State() State { return t.state }

// IsKernel returns true for tasks that run in ring 0.
func (t *Task) IsKernel() bool { return t.kernel }

// ExitCode returns the code recorded when the task terminated.
func (t *Task) ExitCode() int32 { return t.exitCode }

// WaitingFor returns the id of the task this task is blocked on.
func (t *Task) WaitingFor() ID { return t.waitingFor }

// Runtime returns the number of timer ticks the task spent running.
func (t *Task) Runtime() uint32 { return t.runtime }

// Detached returns true if the task detached from its parent.
func (t *Task) Detached() bool { return t.detached }

// Files returns the file descriptor table of the task.
func (t *Task) Files() *fs.Table { return t.files }

// Space returns the address space of a user task or nil for kernel tasks.
func (t *Task) Space() *vmm.AddressSpace { return t.space }

// Context returns the saved execution context of the task.
func (t *Task) Context() *gate.Context { return t.ctx }

// Stdout returns the stream standard output writes are redirected to, or
// nil if they go to the console.
func (t *Task) Stdout() io.Writer { return t.stdout }

// Record returns the list_tasks record describing the task.
func (t *Task) Record() abi.TaskRecord {
	rec := abi.TaskRecord{
		ID:      uint32(t.id),
		Parent:  uint32(t.parent),
		Ring:    3,
		State:   uint8(t.state),
		Name:    t.name,
		Runtime: t.runtime,
	}
	if t.kernel {
		rec.Ring = 0
	}
	return rec
}

var (
	tasks [MaxTasks]Task

	// current is the task that owns the CPU.
	current *Task

	// ringTail is the slot most recently linked into the ring.
	ringTail int

	nextID ID = 1
)

// taskName truncates a name to the length kept in the table.
func taskName(name string) string {
	if len(name) > maxNameLen {
		return name[:maxNameLen]
	}
	return name
}

// Current returns the running task or nil before Init.
func Current() *Task {
	return current
}

// Lookup returns the task with the given id or nil.
func Lookup(id ID) *Task {
	for i := range tasks {
		if tasks[i].used && tasks[i].id == id {
			return &tasks[i]
		}
	}
	return nil
}

// List returns a record for every task in the table, in slot order.
func List() []abi.TaskRecord {
	var records []abi.TaskRecord
	for i := range tasks {
		if tasks[i].used {
			records = append(records, tasks[i].Record())
		}
	}
	return records
}

// SetStdoutRedirect redirects the standard output of the running task to
// w. A nil writer restores console output.
func SetStdoutRedirect(w io.Writer) {
	if current != nil {
		current.stdout = w
	}
}

// link appends a slot to the scheduling ring.
func link(slot int) {
	if tasks[slot].linked {
		return
	}

	tasks[slot].next = tasks[ringTail].next
	tasks[ringTail].next = slot
	tasks[slot].linked = true
	ringTail = slot
}
