package usermode

import (
	"encoding/binary"

	"ringos/kernel"
	"ringos/kernel/abi"
	"ringos/kernel/cpu"
	"ringos/kernel/gate"
	"ringos/kernel/kfmt"
	"ringos/kernel/mm"
	"ringos/kernel/mm/vmm"
)

var (
	// translateFn is mocked by tests and is automatically inlined by the
	// compiler.
	translateFn = vmm.UserTranslate

	errExitReturned = &kernel.Error{Module: "usermode", Message: "exit system call returned"}
)

// Thread is the view a ring 3 program has of the machine: its registers,
// its address space (through the MMU) and the system call gate.
type Thread struct {
	ctx *gate.Context

	// entrySP is the stack pointer at program entry. It points to the
	// return address slot followed by argc and argv.
	entrySP uint32
}

// Init installs the ring 3 execution engine into the interrupt gate.
func Init() {
	gate.SetRingTransition(enter)
}

// enter is invoked the first time a user context is resumed. It fetches the
// entry instruction at EIP through the MMU and runs the program it names.
// Returning from the program exits with its return value.
func enter(ctx *gate.Context) {
	t := &Thread{ctx: ctx, entrySP: ctx.Regs.ESP}
	prog := t.fetchEntry()
	t.Exit(prog(t))
}

// fetchEntry decodes the entry instruction. Faults are raised exactly like
// the CPU would and the fetch is retried if the handler returns.
func (t *Thread) fetchEntry() Program {
	for {
		eip := t.ctx.Regs.EIP
		var hdr [5]byte
		t.Read(eip, hdr[:])
		if hdr[0] != trapOpcode || hdr[1] != trapSignature[0] || hdr[2] != trapSignature[1] || hdr[3] != trapSignature[2] {
			gate.Interrupt(gate.InvalidOpcode)
			continue
		}

		name := make([]byte, hdr[4])
		t.Read(eip+5, name)
		if prog, ok := Lookup(string(name)); ok {
			t.ctx.Regs.EIP = eip + 5 + uint32(len(name))
			return prog
		}
		gate.Interrupt(gate.InvalidOpcode)
	}
}

// Step marks an instruction boundary where pending hardware interrupts
// are delivered. Programs that spin must call Step (directly or through
// any memory access or system call) to remain preemptible.
func (t *Thread) Step() {
	cpu.CheckInterrupts()
}

// Regs returns the register file of the thread.
func (t *Thread) Regs() *gate.Registers {
	return &t.ctx.Regs
}

// access runs fn for each physical chunk backing [addr, addr+size). Page
// faults are raised through the gate and the access is retried once the
// handler returns.
func (t *Thread) access(addr uint32, size int, write bool, fn func(offset int, phys []byte)) {
	for offset := 0; offset < size; {
		t.Step()
		virtAddr := mm.VirtAddr(addr + uint32(offset))
		physAddr, code, err := translateFn(virtAddr, write)
		if err != nil {
			gate.Fault(gate.PageFaultException, uint32(code))
			continue
		}

		chunk := int(mm.PageSize - uintptr(virtAddr)&(mm.PageSize-1))
		if chunk > size-offset {
			chunk = size - offset
		}
		fn(offset, mm.PhysBytes(physAddr, uint32(chunk)))
		offset += chunk
	}
}

// Read copies len(buf) bytes of user memory starting at addr into buf.
func (t *Thread) Read(addr uint32, buf []byte) {
	t.access(addr, len(buf), false, func(offset int, phys []byte) {
		copy(buf[offset:], phys)
	})
}

// Write copies data to user memory starting at addr.
func (t *Thread) Write(addr uint32, data []byte) {
	t.access(addr, len(data), true, func(offset int, phys []byte) {
		copy(phys, data[offset:])
	})
}

// Load32 reads a 32-bit value from user memory.
func (t *Thread) Load32(addr uint32) uint32 {
	var buf [4]byte
	t.Read(addr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// Store32 writes a 32-bit value to user memory.
func (t *Thread) Store32(addr, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	t.Write(addr, buf[:])
}

// ReadString reads a NUL terminated string of at most max bytes.
func (t *Thread) ReadString(addr uint32, max int) string {
	var (
		out []byte
		b   [1]byte
	)
	for len(out) < max {
		t.Read(addr+uint32(len(out)), b[:])
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out)
}

// Alloca reserves size bytes on the user stack and returns their address.
func (t *Thread) Alloca(size uint32) uint32 {
	t.ctx.Regs.ESP = (t.ctx.Regs.ESP - size) &^ 3
	return t.ctx.Regs.ESP
}

// PushString copies s and a terminating NUL onto the user stack and
// returns its address.
func (t *Thread) PushString(s string) uint32 {
	addr := t.Alloca(uint32(len(s) + 1))
	t.Write(addr, append([]byte(s), 0))
	return addr
}

// PushArgv pushes the strings in args followed by a NULL terminated pointer
// array and returns the address of the array.
func (t *Thread) PushArgv(args []string) uint32 {
	ptrs := make([]uint32, len(args)+1)
	for i, arg := range args {
		ptrs[i] = t.PushString(arg)
	}

	addr := t.Alloca(uint32(4 * len(ptrs)))
	for i, ptr := range ptrs {
		t.Store32(addr+uint32(4*i), ptr)
	}
	return addr
}

// Args returns the argument vector passed to the program.
func (t *Thread) Args() []string {
	argc := t.Load32(t.entrySP + 4)
	argv := t.Load32(t.entrySP + 8)
	if argc > abi.MaxArgs {
		argc = abi.MaxArgs
	}

	args := make([]string, 0, argc)
	for i := uint32(0); i < argc; i++ {
		args = append(args, t.ReadString(t.Load32(argv+4*i), abi.MaxPath))
	}
	return args
}

// Syscall issues a system call and returns the value left in EAX.
func (t *Thread) Syscall(num uint32, args ...uint32) int32 {
	t.Step()

	regs := &t.ctx.Regs
	var argv [5]uint32
	copy(argv[:], args)
	regs.EAX = num
	regs.EBX, regs.ECX, regs.EDX, regs.ESI, regs.EDI = argv[0], argv[1], argv[2], argv[3], argv[4]

	gate.Interrupt(gate.SyscallVector)
	return int32(regs.EAX)
}

// Exit terminates the program. It never returns.
func (t *Thread) Exit(code int32) {
	t.Syscall(abi.SysExit, uint32(code))
	kfmt.Panic(errExitReturned)
}

// Print writes s to the standard output descriptor.
func (t *Thread) Print(s string) int32 {
	sp := t.ctx.Regs.ESP
	addr := t.PushString(s)
	n := t.Syscall(abi.SysWrite, 1, addr, uint32(len(s)))

	// Not deferred: the goroutine of a context released while parked in
	// the syscall unwinds concurrently with the one that owns the CPU.
	t.ctx.Regs.ESP = sp
	return n
}
