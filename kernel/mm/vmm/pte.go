package vmm

import "ringos/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint32

// pageTableEntry describes a page directory or page table entry. These
// entries encode a physical frame address and a set of flags.
type pageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.FrameFromAddress(mm.PhysAddr(uint32(pte) & ptePhysPageMask))
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | uint32(frame.Address()))
}

// entryAddr returns the physical address of entry index in the table stored
// in the supplied frame.
func entryAddr(table mm.Frame, index int) mm.PhysAddr {
	return table.Address() + mm.PhysAddr(index<<mm.PointerShift)
}

// readEntry loads an entry from a page directory or page table.
func readEntry(table mm.Frame, index int) pageTableEntry {
	return pageTableEntry(mm.ReadUint32(entryAddr(table, index)))
}

// writeEntry stores an entry into a page directory or page table.
func writeEntry(table mm.Frame, index int, pte pageTableEntry) {
	mm.WriteUint32(entryAddr(table, index), uint32(pte))
}
