// Package irq models the legacy 8259 programmable interrupt controller pair
// and the 8253 programmable interval timer that drives preemption.
package irq

import (
	"sync/atomic"

	"ringos/kernel/cpu"
)

// IRQ identifies one of the 16 hardware interrupt lines.
type IRQ uint8

const (
	// Timer is wired to the programmable interval timer.
	Timer = IRQ(0)

	// Keyboard is wired to the PS/2 keyboard controller.
	Keyboard = IRQ(1)

	// Mouse is wired to the PS/2 auxiliary device.
	Mouse = IRQ(12)

	// Lines is the number of interrupt lines served by the PIC pair.
	Lines = 16
)

var (
	// pendingLines is written by interrupt sources running on arbitrary
	// goroutines and must only be accessed atomically.
	pendingLines uint32

	// The remaining fields model the in-service and mask registers and are
	// only accessed by the execution context that owns the CPU.
	inService    uint32
	maskedLines  uint32
	eoiCount     uint64
	spuriousEOIs uint64
)

// Reset clears all pending, in-service and mask bits.
func Reset() {
	atomic.StoreUint32(&pendingLines, 0)
	inService = 0
	maskedLines = 0
	eoiCount = 0
	spuriousEOIs = 0
}

// Raise asserts the interrupt line n. It may be called from any goroutine.
func Raise(n IRQ) {
	for {
		old := atomic.LoadUint32(&pendingLines)
		if atomic.CompareAndSwapUint32(&pendingLines, old, old|(1<<n)) {
			break
		}
	}
	cpu.Wake()
}

// Pending returns true if line n is asserted but not yet acknowledged.
func Pending(n IRQ) bool {
	return atomic.LoadUint32(&pendingLines)&(1<<n) != 0
}

// Mask prevents line n from being acknowledged until it is unmasked.
func Mask(n IRQ) {
	maskedLines |= 1 << n
}

// Unmask re-enables delivery for line n.
func Unmask(n IRQ) {
	maskedLines &^= 1 << n
	if Pending(n) {
		cpu.Wake()
	}
}

// Acknowledge selects the highest priority pending line (the lowest line
// number), moves it to the in-service register and returns it. Lines with
// a lower priority than an in-service line are held back until EOI.
func Acknowledge() (IRQ, bool) {
	for {
		pending := atomic.LoadUint32(&pendingLines) &^ maskedLines
		if pending == 0 {
			return 0, false
		}

		var n IRQ
		for n = 0; n < Lines; n++ {
			if pending&(1<<n) != 0 {
				break
			}
		}

		// An in-service line with equal or higher priority blocks delivery.
		if inService != 0 && inService&((2<<n)-1) != 0 {
			return 0, false
		}

		old := atomic.LoadUint32(&pendingLines)
		if atomic.CompareAndSwapUint32(&pendingLines, old, old&^(1<<n)) {
			inService |= 1 << n
			return n, true
		}
	}
}

// EOI acknowledges the end of interrupt processing for line n. Sending an
// EOI for a line that is not in service desynchronizes a real controller;
// such EOIs are counted and reported through SpuriousEOIs.
func EOI(n IRQ) {
	eoiCount++
	if inService&(1<<n) == 0 {
		spuriousEOIs++
		return
	}
	inService &^= 1 << n
}

// InService returns true if line n has been acknowledged but not yet EOI'd.
func InService(n IRQ) bool {
	return inService&(1<<n) != 0
}

// EOICount returns the number of EOI commands issued since Reset.
func EOICount() uint64 {
	return eoiCount
}

// SpuriousEOIs returns the number of EOI commands issued for lines that were
// not in service.
func SpuriousEOIs() uint64 {
	return spuriousEOIs
}
