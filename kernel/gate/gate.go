// Package gate implements the interrupt descriptor table, the low-level
// interrupt entry/exit stub and the saved execution contexts it switches
// between.
package gate

import (
	"io"

	"ringos/kernel/kfmt"
)

// Segment selectors installed in the GDT by the boot code.
const (
	KernelCS = uint32(0x08)
	KernelDS = uint32(0x10)
	UserCS   = uint32(0x18 | 3)
	UserDS   = uint32(0x20 | 3)
)

// FlagIF is the interrupt-enable bit in EFLAGS.
const FlagIF = uint32(1 << 9)

// flagsReserved is the always-set bit 1 of EFLAGS.
const flagsReserved = uint32(1 << 1)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint32

	// ErrorCode is the error code pushed by the CPU for exceptions such as
	// page faults and general protection faults. It is zero otherwise.
	ErrorCode uint32

	// The return frame used by IRET
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %08x EBX = %08x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %08x EDX = %08x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %08x EDI = %08x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %08x\n", r.EBP)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %08x CS  = %08x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %08x SS  = %08x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %08x\n", r.EFlags)
}

// UserMode returns true if the register snapshot belongs to ring 3 code.
func (r *Registers) UserMode() bool {
	return r.CS&3 == 3
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// IRQBase is the vector the master PIC is remapped to. Hardware
	// interrupt lines 0-15 use vectors IRQBase to IRQBase+15.
	IRQBase = InterruptNumber(32)

	// TimerVector is raised by the programmable interval timer (IRQ0).
	TimerVector = IRQBase

	// KeyboardVector is raised by the keyboard controller (IRQ1).
	KeyboardVector = IRQBase + 1

	// SyscallVector is the software interrupt used by ring 3 code to
	// request kernel services.
	SyscallVector = InterruptNumber(0x80)

	// YieldVector is the software interrupt used to voluntarily give up the
	// CPU. It is distinct from TimerVector so that no EOI is sent to the PIC
	// when no hardware interrupt occurred.
	YieldVector = InterruptNumber(0x81)
)

// isHardwareVector returns true for vectors wired to PIC interrupt lines.
func isHardwareVector(vec InterruptNumber) bool {
	return vec >= IRQBase && vec < IRQBase+16
}
