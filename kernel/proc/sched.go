package proc

import (
	"ringos/kernel"
	"ringos/kernel/cpu"
	"ringos/kernel/gate"
	"ringos/kernel/klog"
	"ringos/kernel/mm/slab"
	"ringos/kernel/mm/vmm"
)

// KernelStackSize is the size of the kernel stack given to every task.
const KernelStackSize = 8192

var (
	// kstackCache hands out kernel stacks. It is carved out of frames
	// reserved at boot so that stacks never count against the free frame
	// pool.
	kstackCache *slab.Cache

	schedulingEnabled bool

	// ticks counts timer interrupts since Init.
	ticks uint64

	// the following functions are mocked by tests.
	setKernelStackFn = cpu.SetKernelStack
	yieldFn          = func() { gate.Interrupt(gate.YieldVector) }
)

// Init resets the task table, binds the calling execution context to the
// idle task and installs the scheduler and CPU exception handlers. It must
// be called after gate.Init and, as kernel stacks come from boot-reserved
// memory, before the bitmap frame allocator is enabled.
func Init() *kernel.Error {
	cache, err := slab.NewCache("kstack", KernelStackSize, MaxTasks)
	if err != nil {
		return err
	}

	kstackCache = cache
	reapers = nil
	schedulingEnabled = false
	ticks = 0
	nextID = 1
	ringTail = 0

	tasks = [MaxTasks]Task{}
	tasks[0] = Task{
		name:   "idle",
		state:  Running,
		ctx:    gate.Current(),
		kernel: true,
		used:   true,
		linked: true,
	}
	current = &tasks[0]

	gate.HandleInterrupt(gate.TimerVector, timerHandler)
	gate.HandleInterrupt(gate.YieldVector, yieldHandler)
	installFaultHandlers()
	return nil
}

// EnableScheduling allows the timer and yield handlers to switch tasks.
func EnableScheduling() {
	schedulingEnabled = true
	klog.For("sched").Info("scheduling enabled")
}

// Ticks returns the number of timer interrupts serviced since Init.
func Ticks() uint64 {
	return ticks
}

// Yield gives up the CPU. It returns once the scheduler picks the calling
// task again.
func Yield() {
	yieldFn()
}

func timerHandler(ctx *gate.Context) *gate.Context {
	ticks++
	return Schedule(ctx, true)
}

func yieldHandler(ctx *gate.Context) *gate.Context {
	return Schedule(ctx, false)
}

// Schedule saves ctx as the context of the running task and returns the
// context of the task that should run next. Candidates are scanned in ring
// order starting after the running task; the running task itself is the
// last candidate and the idle task runs only if no other task is ready.
//
// The running task is charged a tick when tick is set. Schedule is a no-op
// before EnableScheduling is called.
func Schedule(ctx *gate.Context, tick bool) *gate.Context {
	if !schedulingEnabled || current == nil {
		return ctx
	}

	cur := current
	cur.ctx = ctx
	if cur.state == Running {
		if tick {
			cur.runtime++
		}
		cur.state = Ready
	}

	next := pickNext(cur)
	next.state = Running
	current = next

	if !next.kernel {
		setKernelStackFn(next.kstackTop)
	}
	activateSpace(next)

	return next.ctx
}

// pickNext returns the first ready task after cur in ring order or the idle
// task if no task is ready.
func pickNext(cur *Task) *Task {
	start := taskSlot(cur)
	for i, n := tasks[start].next, 0; n < MaxTasks; i, n = tasks[i].next, n+1 {
		if i != 0 && tasks[i].used && tasks[i].state == Ready {
			return &tasks[i]
		}
		if i == start {
			break
		}
	}
	return &tasks[0]
}

// activateSpace loads the address space t runs in unless it is already
// active.
func activateSpace(t *Task) {
	space := t.space
	if space == nil {
		space = vmm.KernelSpace()
	}
	if space != nil && !space.Active() {
		space.Activate()
	}
}

// taskSlot returns the table index of t.
func taskSlot(t *Task) int {
	for i := range tasks {
		if &tasks[i] == t {
			return i
		}
	}
	return 0
}
