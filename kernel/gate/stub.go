package gate

import (
	"ringos/kernel/cpu"
	"ringos/kernel/irq"
	"ringos/kernel/kfmt"
	"ringos/kernel/klog"
)

// Handler services an interrupt raised while ctx was running. It returns the
// context to resume when the interrupt returns; returning ctx resumes the
// interrupted code and returning another context switches to it.
type Handler func(ctx *Context) *Context

var (
	handlers [256]Handler

	// current is the context that owns the CPU.
	current *Context
)

// Init clears the handler table, installs the calling goroutine as the boot
// execution context and hooks hardware interrupt delivery into the CPU.
func Init() *Context {
	handlers = [256]Handler{}
	current = newContext(nil)
	current.started = true
	current.Regs.CS = KernelCS
	current.Regs.SS = KernelDS
	current.Regs.EFlags = flagsReserved

	cpu.SetInterruptSink(deliverPending)
	return current
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs.
func HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	handlers[intNumber] = handler
}

// Current returns the context that currently owns the CPU.
func Current() *Context {
	return current
}

// Interrupt raises intNumber on the running context and returns once the
// context is resumed. It models the entry stub (save state, mask
// interrupts, switch to ring 0 and the TSS kernel stack), the call to the
// registered handler and the IRET path (restore privilege level and
// interrupt flag). Software interrupts (syscall, yield) and CPU exceptions
// are raised by calling Interrupt directly; hardware interrupts are raised by
// the PIC at instruction boundaries.
func Interrupt(intNumber InterruptNumber) {
	raise(intNumber, 0)
}

// Fault raises a CPU exception that pushes an error code.
func Fault(intNumber InterruptNumber, errorCode uint32) {
	raise(intNumber, errorCode)
}

func raise(intNumber InterruptNumber, errorCode uint32) {
	var (
		ctx     = current
		prevIF  = cpu.DisableInterrupts()
		prevCPL = cpu.CPL()
	)

	ctx.nesting++
	cpu.SetCPL(0)
	ctx.Regs.Info = uint32(intNumber)
	ctx.Regs.ErrorCode = errorCode

	// Only vectors that were acknowledged through the PIC get an EOI.
	if isHardwareVector(intNumber) {
		irq.EOI(irq.IRQ(intNumber - IRQBase))
	}

	next := ctx
	if handler := handlers[intNumber]; handler != nil {
		next = handler(ctx)
	} else if !isHardwareVector(intNumber) {
		kfmt.Printf("\nunhandled exception %d\n", intNumber)
		ctx.Regs.DumpTo(kfmt.Sink())
		kfmt.Panic(errUnhandledFault)
	} else {
		klog.For("gate").WithField("vector", intNumber).Debug("spurious hardware interrupt")
	}

	if next != nil && next != ctx {
		switchTo(ctx, next)
	}

	ctx.nesting--
	cpu.SetCPL(prevCPL)
	cpu.LoadInterruptFlag(prevIF)
}

// deliverPending acknowledges the highest priority pending PIC line and
// dispatches its vector.
func deliverPending() bool {
	line, ok := irq.Acknowledge()
	if !ok {
		return false
	}

	Interrupt(IRQBase + InterruptNumber(line))
	return true
}
