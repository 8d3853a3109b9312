package vmm

import (
	"ringos/kernel"
	"ringos/kernel/cpu"
	"ringos/kernel/klog"
	"ringos/kernel/mm"
	"ringos/kernel/mm/pmm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry
	ownsFrameFn     = pmm.Owns

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errDestroyActive      = &kernel.Error{Module: "vmm", Message: "refusing to destroy the active address space"}
	errDestroyKernelSpace = &kernel.Error{Module: "vmm", Message: "refusing to destroy the kernel address space"}
)

// AddressSpace is a two-level page table hierarchy. Page directory entries
// at or above KernelSplit are copies of the kernel space entries; the
// remaining entries and everything they point to belong to the address
// space, except for the entries of registered shared regions.
type AddressSpace struct {
	pdtFrame mm.Frame
}

// Create allocates a new address space whose page directory shares the
// kernel half and all registered shared regions with the kernel space.
func Create() (*AddressSpace, *kernel.Error) {
	if kernelSpace == nil {
		return nil, errNotInitialized
	}

	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	mm.ZeroFrame(pdtFrame)
	for index := kernelPDEStart; index < entriesPerTable; index++ {
		writeEntry(pdtFrame, index, readEntry(kernelSpace.pdtFrame, index))
	}

	for index := range sharedPDEs {
		writeEntry(pdtFrame, index, readEntry(kernelSpace.pdtFrame, index))
	}

	return &AddressSpace{pdtFrame: pdtFrame}, nil
}

// PDT returns the frame holding the page directory of this address space.
func (as *AddressSpace) PDT() mm.Frame {
	return as.pdtFrame
}

// Active returns true if this address space is the one currently loaded in
// CR3.
func (as *AddressSpace) Active() bool {
	return as.pdtFrame.Valid() && uintptr(as.pdtFrame.Address()) == activePDTFn()
}

// Activate enables this page directory table and flushes the TLB.
func (as *AddressSpace) Activate() {
	switchPDTFn(uintptr(as.pdtFrame.Address()))
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. A missing page table is allocated on demand, cleared and linked into
// the directory with permissive flags; the final access rights are
// controlled by the flags of the leaf entry. If this address space is
// active the TLB entry for the page is invalidated.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	virtAddr := page.Address()
	pde := readEntry(as.pdtFrame, pdeIndex(virtAddr))
	if !pde.HasFlags(FlagPresent) {
		tableFrame, err := mm.AllocFrame()
		if err != nil {
			return err
		}
		mm.ZeroFrame(tableFrame)

		pde = 0
		pde.SetFrame(tableFrame)
		pde.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		writeEntry(as.pdtFrame, pdeIndex(virtAddr), pde)
	}

	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)
	writeEntry(pde.Frame(), pteIndex(virtAddr), pte)

	if as.Active() {
		flushTLBEntryFn(uintptr(virtAddr))
	}

	return nil
}

// Unmap removes the mapping for a virtual page. Unmapping a page that is not
// mapped is a no-op. The backing frame is not released.
func (as *AddressSpace) Unmap(page mm.Page) {
	virtAddr := page.Address()
	pde := readEntry(as.pdtFrame, pdeIndex(virtAddr))
	if !pde.HasFlags(FlagPresent) {
		return
	}

	if readEntry(pde.Frame(), pteIndex(virtAddr)).HasFlags(FlagPresent) {
		writeEntry(pde.Frame(), pteIndex(virtAddr), 0)
	}

	if as.Active() {
		flushTLBEntryFn(uintptr(virtAddr))
	}
}

// pteForAddress returns the leaf entry that maps virtAddr or
// ErrInvalidMapping if the page is not present.
func (as *AddressSpace) pteForAddress(virtAddr mm.VirtAddr) (pageTableEntry, *kernel.Error) {
	pde := readEntry(as.pdtFrame, pdeIndex(virtAddr))
	if !pde.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	pte := readEntry(pde.Frame(), pteIndex(virtAddr))
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pte, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	pte, err := as.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + mm.PhysAddr(uintptr(virtAddr)&(mm.PageSize-1)), nil
}

// Destroy releases every frame owned by the address space: the frames
// backing present user mappings, the page tables and finally the page
// directory. Kernel and shared region entries are skipped, as are frames the
// physical allocator does not manage.
//
// Destroy refuses to release the active address space or the kernel space;
// callers must switch to another address space first.
func (as *AddressSpace) Destroy() *kernel.Error {
	switch {
	case as == nil || !as.pdtFrame.Valid():
		return nil
	case as == kernelSpace || as.pdtFrame == kernelSpace.pdtFrame:
		klog.For("vmm").Warn(errDestroyKernelSpace.Message)
		return errDestroyKernelSpace
	case as.Active():
		klog.For("vmm").Warn(errDestroyActive.Message)
		return errDestroyActive
	}

	var skipped int
	for index := 0; index < kernelPDEStart; index++ {
		if _, shared := sharedPDEs[index]; shared {
			continue
		}

		pde := readEntry(as.pdtFrame, index)
		if !pde.HasFlags(FlagPresent) {
			continue
		}

		table := pde.Frame()
		for slot := 0; slot < entriesPerTable; slot++ {
			pte := readEntry(table, slot)
			if !pte.HasFlags(FlagPresent) {
				continue
			}

			if !ownsFrameFn(pte.Frame()) {
				skipped++
				continue
			}
			_ = mm.FreeFrame(pte.Frame())
		}

		if ownsFrameFn(table) {
			_ = mm.FreeFrame(table)
		}
	}

	if ownsFrameFn(as.pdtFrame) {
		_ = mm.FreeFrame(as.pdtFrame)
	}
	as.pdtFrame = mm.InvalidFrame

	if skipped != 0 {
		klog.For("vmm").WithField("frames", skipped).Debug("skipped frames outside the allocator pool")
	}
	return nil
}
