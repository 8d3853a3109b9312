package vmm

import "ringos/kernel/mm"

const (
	// pageLevels indicates the number of page levels supported by the 386
	// architecture without PAE: a page directory and page tables.
	pageLevels = 2

	// entriesPerTable is the number of 32-bit entries in each table.
	entriesPerTable = 1024

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry.
	ptePhysPageMask = uint32(0xfffff000)

	// KernelSplit is the first virtual address of the kernel half of every
	// address space. All RAM is mapped linearly starting at this address.
	KernelSplit = mm.VirtAddr(0xc0000000)

	// kernelPDEStart is the first page directory entry covering the kernel
	// half of the address space.
	kernelPDEStart = int(KernelSplit >> pdeShift)

	pdeShift = 22
	pteShift = 12
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal
)

// pdeIndex returns the page directory slot for a virtual address.
func pdeIndex(virtAddr mm.VirtAddr) int {
	return int(virtAddr >> pdeShift)
}

// pteIndex returns the page table slot for a virtual address.
func pteIndex(virtAddr mm.VirtAddr) int {
	return int((virtAddr >> pteShift) & (entriesPerTable - 1))
}
