// Package cpu models the architectural state of a single i686 processor:
// the interrupt flag, the current privilege level, the CR2/CR3 control
// registers, the TLB and the ring-0 stack pointer stored in the TSS.
//
// The state is only ever touched by the execution context that currently
// owns the CPU; context switches hand the CPU over through channels so no
// additional locking is required.
package cpu

var (
	interruptsEnabled bool
	cpl               uint8
	cr2               uintptr
	cr3               uintptr
	tssESP0           uint32

	// tlb caches leaf page table entries keyed by virtual page number.
	tlb = make(map[uintptr]uint32)

	// interruptSinkFn is installed by the interrupt gate. It delivers the
	// highest priority pending hardware interrupt (if any) and reports
	// whether one was delivered.
	interruptSinkFn func() bool

	// wakeCh is signalled by interrupt sources to wake a halted CPU.
	wakeCh = make(chan struct{}, 1)
)

// Reset returns the CPU to its power-on state: interrupts disabled, ring 0,
// no active page directory and an empty TLB.
func Reset() {
	interruptsEnabled = false
	cpl = 0
	cr2 = 0
	cr3 = 0
	tssESP0 = 0
	tlb = make(map[uintptr]uint32)
	select {
	case <-wakeCh:
	default:
	}
}

// SetInterruptSink registers the function used to deliver pending hardware
// interrupts at instruction boundaries.
func SetInterruptSink(fn func() bool) {
	interruptSinkFn = fn
}

// EnableInterrupts sets the interrupt flag. Any interrupt that became
// pending while interrupts were masked is delivered immediately.
func EnableInterrupts() {
	interruptsEnabled = true
	CheckInterrupts()
}

// DisableInterrupts clears the interrupt flag and returns its previous value
// so callers can restore it once their critical section completes.
func DisableInterrupts() bool {
	prev := interruptsEnabled
	interruptsEnabled = false
	return prev
}

// RestoreInterrupts restores an interrupt flag value previously returned by
// DisableInterrupts.
func RestoreInterrupts(enabled bool) {
	if enabled {
		EnableInterrupts()
		return
	}
	interruptsEnabled = false
}

// LoadInterruptFlag sets the interrupt flag without delivering pending
// interrupts. It models the flag reload performed by IRET; pending
// interrupts are picked up at the next instruction boundary.
func LoadInterruptFlag(enabled bool) {
	interruptsEnabled = enabled
}

// InterruptsEnabled returns true if the interrupt flag is set.
func InterruptsEnabled() bool {
	return interruptsEnabled
}

// CheckInterrupts marks an instruction boundary. If interrupts are enabled
// and one is pending it is delivered before CheckInterrupts returns.
func CheckInterrupts() bool {
	if !interruptsEnabled || interruptSinkFn == nil {
		return false
	}
	return interruptSinkFn()
}

// Halt enables interrupts and stops instruction execution until an interrupt
// has been delivered.
func Halt() {
	interruptsEnabled = true
	for {
		if CheckInterrupts() {
			return
		}
		<-wakeCh
	}
}

// Wake signals a halted CPU that an interrupt source changed state. It is
// safe to call from any goroutine.
func Wake() {
	select {
	case wakeCh <- struct{}{}:
	default:
	}
}

// CPL returns the current privilege level (0 or 3).
func CPL() uint8 {
	return cpl
}

// SetCPL changes the current privilege level. It is used by the interrupt
// gate on ring transitions.
func SetCPL(level uint8) {
	cpl = level
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	delete(tlb, virtAddr>>pageShift)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	cr3 = pdtPhysAddr
	tlb = make(map[uintptr]uint32)
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return cr3
}

// LookupTLB returns the cached leaf entry for the page containing virtAddr.
func LookupTLB(virtAddr uintptr) (uint32, bool) {
	entry, ok := tlb[virtAddr>>pageShift]
	return entry, ok
}

// FillTLB caches the leaf entry for the page containing virtAddr.
func FillTLB(virtAddr uintptr, entry uint32) {
	tlb[virtAddr>>pageShift] = entry
}

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uintptr {
	return cr2
}

// WriteCR2 records the linear address that caused a page fault.
func WriteCR2(virtAddr uintptr) {
	cr2 = virtAddr
}

// SetKernelStack updates the ring-0 stack pointer (esp0) in the TSS. The CPU
// loads it whenever an interrupt arrives while executing in ring 3.
func SetKernelStack(esp0 uint32) {
	tssESP0 = esp0
}

// KernelStack returns the ring-0 stack pointer stored in the TSS.
func KernelStack() uint32 {
	return tssESP0
}

const pageShift = 12
