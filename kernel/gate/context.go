package gate

import (
	"runtime"

	"ringos/kernel"
	"ringos/kernel/cpu"
	"ringos/kernel/kfmt"
)

var (
	errContextReturned  = &kernel.Error{Module: "gate", Message: "execution context entry point returned"}
	errNoRingTransition = &kernel.Error{Module: "gate", Message: "no ring 3 execution engine installed"}
	errResumeReleased   = &kernel.Error{Module: "gate", Message: "attempt to resume a released execution context"}
	errUnhandledFault   = &kernel.Error{Module: "gate", Message: "unhandled CPU exception"}

	// ringTransitionFn executes ring 3 code starting at the EIP/ESP stored
	// in the supplied context. It is installed by the usermode package.
	ringTransitionFn func(*Context)
)

// Context is a saved execution context: the register frame pushed by the
// interrupt stub plus the kernel stack holding it. Callers treat it as an
// opaque value that is persisted by the scheduler and handed back to the
// stub to resume.
//
// Each started context is backed by a goroutine that stays parked while
// the context is not running.
type Context struct {
	// Regs holds the register frame saved on entry to the most recent
	// interrupt.
	Regs Registers

	resume   chan struct{}
	dead     chan struct{}
	entry    func(*Context)
	started  bool
	released bool

	// nesting counts the interrupt frames currently stacked on this
	// context's kernel stack.
	nesting int
}

func newContext(entry func(*Context)) *Context {
	return &Context{
		resume: make(chan struct{}),
		dead:   make(chan struct{}),
		entry:  entry,
	}
}

// NewKernelContext synthesizes a ring 0 context that invokes entry on the
// supplied stack the first time it is resumed. Entry functions must never
// return.
func NewKernelContext(entry func(), stackTop uint32) *Context {
	ctx := newContext(func(*Context) { entry() })
	ctx.Regs.CS = KernelCS
	ctx.Regs.SS = KernelDS
	ctx.Regs.ESP = stackTop
	ctx.Regs.EFlags = FlagIF | flagsReserved
	return ctx
}

// NewUserContext synthesizes a context that, when first resumed, performs
// a ring transition straight to eip with esp as the user stack pointer.
func NewUserContext(eip, esp uint32) *Context {
	ctx := newContext(func(c *Context) {
		if ringTransitionFn == nil {
			kfmt.Panic(errNoRingTransition)
		}
		ringTransitionFn(c)
	})
	ctx.Regs.EIP = eip
	ctx.Regs.ESP = esp
	ctx.Regs.CS = UserCS
	ctx.Regs.SS = UserDS
	ctx.Regs.EFlags = FlagIF | flagsReserved
	return ctx
}

// SetRingTransition installs the function used to enter ring 3 code.
func SetRingTransition(fn func(*Context)) {
	ringTransitionFn = fn
}

// Release discards the context. A parked goroutine backing the context
// unwinds the next time it is scheduled to run, which never happens, so it
// unwinds immediately. Releasing the running context takes effect once it
// switches away.
func Release(ctx *Context) {
	if ctx == nil || ctx.released {
		return
	}
	ctx.released = true
	close(ctx.dead)
}

// Released returns true if Release has been called for this context.
func (ctx *Context) Released() bool {
	return ctx.released
}

// InKernel returns true if the context is executing an interrupt handler
// that interrupted ring 0 code, i.e. a fault raised now is a kernel fault.
func (ctx *Context) InKernel() bool {
	return ctx.nesting > 1 || !ctx.Regs.UserMode()
}

// switchTo hands the CPU over to next and parks the calling goroutine until
// cur is resumed again.
func switchTo(cur, next *Context) {
	if next.released {
		kfmt.Panic(errResumeReleased)
	}

	current = next
	if !next.started {
		next.started = true
		go next.run()
	} else {
		next.resume <- struct{}{}
	}

	select {
	case <-cur.resume:
	case <-cur.dead:
		runtime.Goexit()
	}
}

// run is the body of the goroutine backing a context. It loads the initial
// privilege level and interrupt flag and jumps to the entry point.
func (ctx *Context) run() {
	cpu.SetCPL(uint8(ctx.Regs.CS & 3))
	cpu.LoadInterruptFlag(ctx.Regs.EFlags&FlagIF != 0)
	ctx.entry(ctx)
	kfmt.Panic(errContextReturned)
}
