package usermode

import (
	"bytes"
	"encoding/binary"
	"testing"

	"ringos/kernel"
	"ringos/kernel/abi"
	"ringos/kernel/cpu"
	"ringos/kernel/gate"
	"ringos/kernel/irq"
	"ringos/kernel/kfmt"
	"ringos/kernel/mm"
	"ringos/kernel/mm/pmm"
	"ringos/kernel/mm/vmm"
	"ringos/multiboot"
)

const (
	testRAMSize  = 8 << 20
	testTextAddr = uint32(0x08048000)
	testStackTop = uint32(0xc0000000)
)

type testMachine struct {
	boot   *gate.Context
	space  *vmm.AddressSpace
	output bytes.Buffer
	exits  []int32
	faults []gate.InterruptNumber
}

// setupMachine boots the memory subsystems and the interrupt gate and
// installs syscall and fault handlers that record what the user program
// did before switching back to the boot context.
func setupMachine(t *testing.T) *testMachine {
	var log bytes.Buffer
	kfmt.SetOutputSink(&log)
	cpu.Reset()
	irq.Reset()
	mm.SetPhysicalMemory(make([]byte, testRAMSize))
	multiboot.SetInfo(&multiboot.Info{
		MemoryMap: []multiboot.MemoryMapEntry{
			{PhysAddress: 0x100000, Length: testRAMSize - 0x100000, Type: multiboot.MemAvailable},
		},
	})

	t.Cleanup(func() {
		kfmt.SetOutputSink(nil)
		cpu.Reset()
		cpu.SetInterruptSink(nil)
		gate.SetRingTransition(nil)
		mm.SetPhysicalMemory(nil)
		mm.SetFrameAllocator(nil, nil)
		multiboot.SetInfo(nil)
	})

	if err := pmm.Init(0x100000, 0x140000); err != nil {
		t.Fatal(err)
	}
	if err := vmm.Init(); err != nil {
		t.Fatal(err)
	}
	if err := pmm.EnableBitmapAllocator(); err != nil {
		t.Fatal(err)
	}

	m := &testMachine{boot: gate.Init()}
	Init()

	var err *kernel.Error
	if m.space, err = vmm.Create(); err != nil {
		t.Fatal(err)
	}
	m.space.Activate()

	leave := func(ctx *gate.Context) *gate.Context {
		gate.Release(ctx)
		return m.boot
	}

	gate.HandleInterrupt(gate.SyscallVector, func(ctx *gate.Context) *gate.Context {
		switch ctx.Regs.EAX {
		case abi.SysExit:
			m.exits = append(m.exits, int32(ctx.Regs.EBX))
			return leave(ctx)
		case abi.SysWrite:
			buf := make([]byte, ctx.Regs.EDX)
			if err := vmm.CopyIn(buf, mm.VirtAddr(ctx.Regs.ECX)); err != nil {
				ctx.Regs.EAX = ^uint32(0)
				return ctx
			}
			m.output.Write(buf)
			ctx.Regs.EAX = ctx.Regs.EDX
		default:
			ctx.Regs.EAX = ^uint32(0)
		}
		return ctx
	})

	for _, vec := range []gate.InterruptNumber{gate.InvalidOpcode, gate.PageFaultException} {
		gate.HandleInterrupt(vec, func(ctx *gate.Context) *gate.Context {
			m.faults = append(m.faults, gate.InterruptNumber(ctx.Regs.Info))
			return leave(ctx)
		})
	}

	return m
}

// mapPage maps a fresh page at virtAddr and fills it with data.
func (m *testMachine) mapPage(t *testing.T, virtAddr uint32, data []byte, flags vmm.PageTableEntryFlag) mm.Frame {
	frame, err := mm.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	mm.ZeroFrame(frame)
	copy(mm.FrameData(frame), data)

	if err = m.space.Map(mm.PageFromAddress(mm.VirtAddr(virtAddr)), frame, flags|vmm.FlagUserAccessible); err != nil {
		t.Fatal(err)
	}
	return frame
}

// run maps an image whose entry instruction names prog, builds an argv
// stack and runs it until it exits or faults.
func (m *testMachine) run(t *testing.T, prog string, args ...string) {
	m.mapPage(t, testTextAddr, EncodeEntry(prog), 0)
	stackFrame := m.mapPage(t, testStackTop-uint32(mm.PageSize), nil, vmm.FlagRW)

	// strings at the top of the page, then the pointer array, then
	// the return slot, argc and argv
	stack := mm.FrameData(stackFrame)
	sp := uint32(mm.PageSize)
	var ptrs []uint32
	for _, arg := range args {
		sp -= uint32(len(arg) + 1)
		copy(stack[sp:], arg)
		ptrs = append(ptrs, testStackTop-uint32(mm.PageSize)+sp)
	}
	sp &^= 3
	sp -= uint32(4 * (len(ptrs) + 1))
	argv := sp
	for i, ptr := range ptrs {
		binary.LittleEndian.PutUint32(stack[argv+uint32(4*i):], ptr)
	}
	sp -= 12
	binary.LittleEndian.PutUint32(stack[sp+4:], uint32(len(args)))
	binary.LittleEndian.PutUint32(stack[sp+8:], testStackTop-uint32(mm.PageSize)+argv)

	ctx := gate.NewUserContext(testTextAddr, testStackTop-uint32(mm.PageSize)+sp)
	gate.HandleInterrupt(gate.YieldVector, func(*gate.Context) *gate.Context { return ctx })
	gate.Interrupt(gate.YieldVector)
}

func TestRunProgram(t *testing.T) {
	m := setupMachine(t)

	var sawCPL uint8
	Register("echo", func(th *Thread) int32 {
		sawCPL = cpu.CPL()
		for i, arg := range th.Args() {
			if i > 0 {
				th.Print(" ")
			}
			th.Print(arg)
		}
		return 42
	})
	defer Unregister("echo")

	m.run(t, "echo", "echo", "hello", "ring3")

	if exp, got := "echo hello ring3", m.output.String(); got != exp {
		t.Fatalf("expected program output %q; got %q", exp, got)
	}

	if len(m.exits) != 1 || m.exits[0] != 42 {
		t.Fatalf("expected returning from the program to exit with 42; got %v", m.exits)
	}

	if sawCPL != 3 {
		t.Fatalf("expected program to run at CPL 3; got %d", sawCPL)
	}

	if gate.Current() != m.boot || cpu.CPL() != 0 {
		t.Fatal("expected boot context to own the CPU at ring 0")
	}
}

func TestPrintRestoresStack(t *testing.T) {
	m := setupMachine(t)

	var before, after uint32
	Register("print", func(th *Thread) int32 {
		before = th.Regs().ESP
		th.Print("some text")
		after = th.Regs().ESP
		return 0
	})
	defer Unregister("print")

	m.run(t, "print")

	if m.output.String() != "some text" {
		t.Fatalf("unexpected program output %q", m.output.String())
	}

	if before != after {
		t.Fatalf("expected Print to restore the stack pointer 0x%x; got 0x%x", before, after)
	}
}

func TestUserFaults(t *testing.T) {
	t.Run("unknown program", func(t *testing.T) {
		m := setupMachine(t)
		m.run(t, "no-such-program")

		if len(m.faults) != 1 || m.faults[0] != gate.InvalidOpcode {
			t.Fatalf("expected an invalid opcode fault; got %v", m.faults)
		}
	})

	t.Run("unmapped access", func(t *testing.T) {
		m := setupMachine(t)
		Register("wild", func(th *Thread) int32 {
			th.Store32(0x40000000, 1)
			return 0
		})
		defer Unregister("wild")

		m.run(t, "wild")

		if len(m.faults) != 1 || m.faults[0] != gate.PageFaultException {
			t.Fatalf("expected a page fault; got %v", m.faults)
		}

		if cpu.ReadCR2() != 0x40000000 {
			t.Fatalf("expected CR2 to hold the faulting address; got 0x%x", cpu.ReadCR2())
		}

		if len(m.exits) != 0 {
			t.Fatal("expected faulting program not to exit normally")
		}
	})

	t.Run("kernel memory", func(t *testing.T) {
		m := setupMachine(t)
		Register("peek", func(th *Thread) int32 {
			return int32(th.Load32(uint32(vmm.PhysToVirt(0x1000))))
		})
		defer Unregister("peek")

		m.run(t, "peek")

		if len(m.faults) != 1 || m.faults[0] != gate.PageFaultException {
			t.Fatalf("expected a protection fault; got %v", m.faults)
		}
	})

	t.Run("read-only text", func(t *testing.T) {
		m := setupMachine(t)
		Register("scribble", func(th *Thread) int32 {
			th.Store32(testTextAddr, 0)
			return 0
		})
		defer Unregister("scribble")

		m.run(t, "scribble")

		if len(m.faults) != 1 || m.faults[0] != gate.PageFaultException {
			t.Fatalf("expected a write protection fault; got %v", m.faults)
		}
	})
}

func TestEncodeEntry(t *testing.T) {
	code := EncodeEntry("init")
	if exp := []byte{0xf1, 'R', 'O', 'S', 4, 'i', 'n', 'i', 't'}; !bytes.Equal(code, exp) {
		t.Fatalf("expected %v; got %v", exp, code)
	}

	long := make([]byte, 300)
	if got := len(EncodeEntry(string(long))); got != 5+255 {
		t.Fatalf("expected long names to be truncated; got %d bytes", got)
	}

	Register("b", nil)
	Register("a", nil)
	defer Unregister("a")
	defer Unregister("b")
	if names := Programs(); len(names) < 2 || names[0] != "a" {
		t.Fatalf("expected sorted program names; got %v", names)
	}
}
