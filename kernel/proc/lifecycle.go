package proc

import (
	"path"

	"ringos/kernel"
	"ringos/kernel/cpu"
	"ringos/kernel/fs"
	"ringos/kernel/gate"
	"ringos/kernel/klog"
	"ringos/kernel/mm"
	"ringos/kernel/mm/vmm"

	log "github.com/sirupsen/logrus"
)

// Reaper releases resources owned by a terminating task that live outside
// the task table, such as windows or sockets.
type Reaper func(id ID)

var reapers []Reaper

// RegisterReaper adds fn to the list of functions invoked whenever a task
// terminates. Reapers run with interrupts disabled and must not block.
func RegisterReaper(fn Reaper) {
	reapers = append(reapers, fn)
}

// pickSlot returns a table slot for a new task. Unused slots are preferred
// over slots holding terminated tasks that nobody is waiting for. The
// previous occupant keeps its exit code until claimSlot is called.
func pickSlot() (int, *kernel.Error) {
	for i := 1; i < MaxTasks; i++ {
		if !tasks[i].used {
			return i, nil
		}
	}

	for i := 1; i < MaxTasks; i++ {
		if t := &tasks[i]; t != current && t.state == Terminated && !hasWaiters(t.id, nil) {
			return i, nil
		}
	}

	return 0, ErrNoFreeSlots
}

// claimSlot releases the kernel stack and execution context of the
// terminated task occupying slot, if any.
func claimSlot(slot int) {
	if t := &tasks[slot]; t.used {
		klog.For("proc").WithField("id", t.id).Debug("recycling slot of terminated task")
		release(t)
	}
}

// hasWaiters returns true if a task other than except is waiting for id or
// has been woken and not yet collected the result.
func hasWaiters(id ID, except *Task) bool {
	for i := range tasks {
		if t := &tasks[i]; t.used && t != except && t.waitingFor == id {
			return true
		}
	}
	return false
}

// release returns the kernel stack and the execution context of a
// terminated task and marks its slot as unused.
func release(t *Task) {
	if t.kstack != 0 {
		_ = kstackCache.Free(t.kstack)
		t.kstack = 0
	}
	gate.Release(t.ctx)
	t.ctx = nil
	t.used = false
}

// install fills the slot with a new task and links it into the scheduling
// ring.
func install(slot int, t Task) *Task {
	t.used = true
	t.linked = tasks[slot].linked
	t.next = tasks[slot].next
	t.id = nextID
	nextID++
	if current != nil {
		t.parent = current.id
	}

	tasks[slot] = t
	link(slot)
	return &tasks[slot]
}

// allocKernelStack returns the physical address of a new kernel stack and
// the esp0 value pointing at its top.
func allocKernelStack() (mm.PhysAddr, uint32, *kernel.Error) {
	stack, err := kstackCache.Alloc()
	if err != nil {
		return 0, 0, ErrOutOfMemory
	}
	return stack, uint32(vmm.PhysToVirt(stack)) + KernelStackSize, nil
}

// CreateKernelTask creates a ready ring 0 task that runs entry in the
// kernel address space. The task exits with code 0 if entry returns.
func CreateKernelTask(name string, entry func()) (*Task, *kernel.Error) {
	prevIF := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(prevIF)

	slot, err := pickSlot()
	if err != nil {
		return nil, err
	}

	// A recycled slot returns its stack to the cache first, so the
	// allocation cannot fail after an exit code has been discarded.
	claimSlot(slot)
	stack, stackTop, err := allocKernelStack()
	if err != nil {
		return nil, err
	}

	t := install(slot, Task{
		name:      taskName(name),
		state:     Ready,
		kernel:    true,
		kstack:    stack,
		kstackTop: stackTop,
		ctx: gate.NewKernelContext(func() {
			entry()
			Exit(0)
		}, stackTop),
	})

	klog.For("proc").WithFields(log.Fields{"id": t.id, "name": t.name}).Debug("created kernel task")
	return t, nil
}

// CreateUserTask loads the executable at path into a new address space and
// creates a ready ring 3 task for it. The user stack holds argv; a nil argv
// defaults to the path. The new task inherits the working directory and
// the standard output redirection of the calling task.
func CreateUserTask(p string, argv []string) (*Task, *kernel.Error) {
	prevIF := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(prevIF)

	cwd := currentCwd()
	p = fs.Resolve(cwd, p)

	data, err := fs.ReadWholeFile(p)
	if err != nil {
		return nil, ErrNotFound
	}

	slot, err := pickSlot()
	if err != nil {
		return nil, err
	}

	if argv == nil {
		argv = []string{p}
	}

	img, err := loadImage(data, argv)
	if err != nil {
		return nil, err
	}

	claimSlot(slot)
	stack, stackTop, err := allocKernelStack()
	if err != nil {
		_ = img.space.Destroy()
		return nil, err
	}

	t := install(slot, Task{
		name:      taskName(path.Base(p)),
		state:     Ready,
		kstack:    stack,
		kstackTop: stackTop,
		space:     img.space,
		ctx:       gate.NewUserContext(img.entry, img.esp),
		files:     fs.NewTable(cwd),
	})
	if current != nil && current != t {
		t.stdout = current.stdout
	}

	klog.For("proc").WithFields(log.Fields{"id": t.id, "name": t.name}).Debug("created user task")
	return t, nil
}

// currentCwd returns the working directory of the running task.
func currentCwd() string {
	if current != nil && current.files != nil {
		return current.files.Cwd()
	}
	return "/"
}

// Terminate marks t as terminated with the supplied exit code, wakes the
// tasks waiting for it and releases its resources. The address space of a
// user task is destroyed after switching to the kernel space; the caller's
// address space is then restored unless the caller terminated itself.
// The kernel stack and the slot are released when the slot is recycled or
// the task is waited for. Terminating the idle task or a terminated task
// does nothing.
func Terminate(t *Task, code int32) {
	if t == nil || t == &tasks[0] || !t.used || t.state == Terminated {
		return
	}

	prevIF := cpu.DisableInterrupts()

	t.state = Terminated
	t.exitCode = code
	t.waitingFor = 0
	wake(t.id)

	for _, reap := range reapers {
		reap(t.id)
	}

	if t.files != nil {
		if n := t.files.CloseAll(); n != 0 {
			klog.For("proc").WithFields(log.Fields{"id": t.id, "files": n}).Debug("closed open files")
		}
		t.files = nil
	}

	if t.space != nil {
		if ks := vmm.KernelSpace(); ks != nil {
			ks.Activate()
		}
		if err := t.space.Destroy(); err != nil {
			klog.For("proc").WithField("id", t.id).Warn(err.Error())
		}
		t.space = nil

		if current != nil && current != t {
			activateSpace(current)
		}
	}
	t.stdout = nil

	klog.For("proc").WithFields(log.Fields{"id": t.id, "code": code}).Debug("task terminated")
	cpu.RestoreInterrupts(prevIF)
}

// wake makes every task blocked on id ready to run. The woken tasks keep
// waitingFor until they have collected the result; the last of them frees
// the slot.
func wake(id ID) {
	for i := range tasks {
		if t := &tasks[i]; t.used && t.state == Blocked && t.waitingFor == id {
			t.state = Ready
		}
	}
}

// Exit terminates the running task with code and gives up the CPU. It
// never returns.
func Exit(code int32) {
	if current != nil && current != &tasks[0] {
		Terminate(current, code)
	}

	for {
		Yield()
	}
}

// Kill terminates the task with the given id. The idle task and kernel
// tasks cannot be killed. A task that kills itself exits and Kill does not
// return.
func Kill(id ID, code int32) *kernel.Error {
	if id == 0 {
		return ErrIdleTask
	}

	t := Lookup(id)
	switch {
	case t == nil:
		return ErrNoSuchTask
	case t.kernel:
		return ErrPrivilegedTask
	case t.state == Terminated:
		return ErrAlreadyTerminated
	case t == current:
		Exit(code)
	}

	Terminate(t, code)
	return nil
}

// Wait blocks the running task until the task with the given id terminates
// and returns its exit code. The last waiter to collect the exit code frees
// the slot of the terminated task.
func Wait(id ID) (int32, *kernel.Error) {
	for {
		prevIF := cpu.DisableInterrupts()

		code, err, done := collect(id)
		if done {
			if current != nil {
				current.waitingFor = 0
			}
			cpu.RestoreInterrupts(prevIF)
			return code, err
		}

		current.state = Blocked
		current.waitingFor = id
		cpu.RestoreInterrupts(prevIF)

		// The idle task may be resumed as a fallback while still blocked;
		// the loop re-checks the target either way.
		Yield()
	}
}

// WaitNB returns the exit code of a terminated task without blocking.
func WaitNB(id ID) (int32, *kernel.Error) {
	prevIF := cpu.DisableInterrupts()
	code, err, done := collect(id)
	cpu.RestoreInterrupts(prevIF)

	if !done {
		return 0, ErrTaskRunning
	}
	return code, err
}

// collect inspects the wait target. done is false if the target is still
// alive. The slot of a terminated target is freed unless another task is
// still waiting for it.
func collect(id ID) (code int32, err *kernel.Error, done bool) {
	if id == 0 {
		return 0, ErrIdleTask, true
	}

	if current != nil && id == current.id {
		return 0, errWaitSelf, true
	}

	t := Lookup(id)
	switch {
	case t == nil:
		return 0, ErrNoSuchTask, true
	case t.detached:
		return 0, ErrTaskDetached, true
	case t.state != Terminated:
		return 0, nil, false
	}

	code = t.exitCode
	if !hasWaiters(id, current) {
		release(t)
	}
	return code, nil, true
}

// Detach marks the running task as detached. Tasks waiting for it are woken
// and their waits fail with ErrTaskDetached.
func Detach() {
	prevIF := cpu.DisableInterrupts()
	if current != nil {
		current.detached = true
		wake(current.id)
	}
	cpu.RestoreInterrupts(prevIF)
}

// Exec replaces the program image of the running user task. The new image
// is loaded into a fresh address space first; on error the running image is
// left untouched. On success the old address space is destroyed and the
// context that starts the new image is returned. The caller must resume it
// instead of the current context, which is released.
func Exec(p string, argv []string) (*gate.Context, *kernel.Error) {
	prevIF := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(prevIF)

	t := current
	if t == nil || t.kernel {
		return nil, ErrNotUserTask
	}

	p = fs.Resolve(currentCwd(), p)
	data, err := fs.ReadWholeFile(p)
	if err != nil {
		return nil, ErrNotFound
	}

	if argv == nil {
		argv = []string{p}
	}

	img, err := loadImage(data, argv)
	if err != nil {
		return nil, err
	}

	old := t.space
	t.space = img.space
	t.space.Activate()
	if err = old.Destroy(); err != nil {
		klog.For("proc").WithField("id", t.id).Warn(err.Error())
	}

	gate.Release(t.ctx)
	t.ctx = gate.NewUserContext(img.entry, img.esp)
	t.name = taskName(path.Base(p))

	klog.For("proc").WithFields(log.Fields{"id": t.id, "name": t.name}).Debug("exec")
	return t.ctx, nil
}
