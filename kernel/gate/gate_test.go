package gate

import (
	"bytes"
	"strings"
	"testing"

	"ringos/kernel/cpu"
	"ringos/kernel/irq"
)

func resetMachine() {
	cpu.Reset()
	cpu.SetInterruptSink(nil)
	irq.Reset()
	handlers = [256]Handler{}
	current = nil
	ringTransitionFn = nil
}

func TestContextSwitch(t *testing.T) {
	defer resetMachine()
	resetMachine()

	var (
		boot   = Init()
		trace  []string
		worker *Context
	)

	worker = NewKernelContext(func() {
		trace = append(trace, "worker-1")
		Interrupt(YieldVector)
		trace = append(trace, "worker-2")
		for {
			Interrupt(YieldVector)
		}
	}, 0x2000)

	HandleInterrupt(YieldVector, func(ctx *Context) *Context {
		if ctx == boot {
			return worker
		}
		return boot
	})

	trace = append(trace, "boot-1")
	Interrupt(YieldVector)
	trace = append(trace, "boot-2")
	Interrupt(YieldVector)
	trace = append(trace, "boot-3")
	Release(worker)

	exp := "boot-1,worker-1,boot-2,worker-2,boot-3"
	if got := strings.Join(trace, ","); got != exp {
		t.Fatalf("expected execution trace %q; got %q", exp, got)
	}

	if Current() != boot {
		t.Fatal("expected boot context to own the CPU")
	}

	if got := irq.EOICount(); got != 0 {
		t.Fatalf("expected voluntary yields not to send any EOI; got %d", got)
	}

	if !worker.Released() {
		t.Fatal("expected worker context to be released")
	}
}

func TestHardwareInterruptDelivery(t *testing.T) {
	defer resetMachine()
	resetMachine()
	Init()

	var ticks int
	HandleInterrupt(TimerVector, func(ctx *Context) *Context {
		if cpu.InterruptsEnabled() {
			t.Error("expected interrupts to be masked inside the handler")
		}
		if irq.InService(irq.Timer) {
			t.Error("expected EOI to be sent before the handler runs")
		}
		ticks++
		return ctx
	})

	cpu.DisableInterrupts()
	irq.Raise(irq.Timer)
	if cpu.CheckInterrupts() {
		t.Fatal("expected no delivery while interrupts are masked")
	}

	cpu.EnableInterrupts()
	if ticks != 1 {
		t.Fatalf("expected timer handler to run once; ran %d times", ticks)
	}

	if !cpu.InterruptsEnabled() {
		t.Fatal("expected IRET to restore the interrupt flag")
	}

	if exp, got := uint64(1), irq.EOICount(); got != exp {
		t.Fatalf("expected %d EOI; got %d", exp, got)
	}

	if got := irq.SpuriousEOIs(); got != 0 {
		t.Fatalf("expected no spurious EOIs; got %d", got)
	}
}

func TestUserContextRingTransition(t *testing.T) {
	defer resetMachine()
	resetMachine()

	var (
		boot    = Init()
		entered = make(chan Registers, 1)
		user    = NewUserContext(0x08048000, 0xbffffff0)
	)

	SetRingTransition(func(ctx *Context) {
		if got := cpu.CPL(); got != 3 {
			t.Errorf("expected ring 3 on entry; got ring %d", got)
		}
		entered <- ctx.Regs
		Interrupt(YieldVector)
	})

	HandleInterrupt(YieldVector, func(ctx *Context) *Context {
		if ctx == boot {
			return user
		}
		if ctx.InKernel() {
			t.Error("expected yield from ring 3 to be reported as a user-mode interrupt")
		}
		return boot
	})

	Interrupt(YieldVector)
	Release(user)

	regs := <-entered
	if regs.EIP != 0x08048000 || regs.ESP != 0xbffffff0 || !regs.UserMode() {
		t.Fatalf("unexpected initial user register frame: %+v", regs)
	}

	if got := cpu.CPL(); got != 0 {
		t.Fatalf("expected boot context to resume in ring 0; got ring %d", got)
	}
}

func TestRegistersDump(t *testing.T) {
	var (
		buf  bytes.Buffer
		regs = Registers{EAX: 1, EIP: 0x08048000, CS: UserCS}
	)

	regs.DumpTo(&buf)
	for _, exp := range []string{"EAX = 00000001", "EIP = 08048000", "CS  = 0000001b"} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected dump to contain %q; got:\n%s", exp, buf.String())
		}
	}
}
