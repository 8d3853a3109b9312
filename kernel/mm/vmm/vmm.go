// Package vmm implements i686 two-level paging: per-process address spaces,
// the shared kernel address space and the MMU translation path used when
// ring 3 code touches memory.
package vmm

import (
	"ringos/kernel"
	"ringos/kernel/klog"
	"ringos/kernel/mm"
)

const (
	// maxPhysMapSize is the amount of RAM that fits in the kernel half of
	// the address space.
	maxPhysMapSize = uint64(1 << 30)
)

var (
	// kernelSpace is the address space set up by Init. Its upper directory
	// entries are copied into every address space.
	kernelSpace *AddressSpace

	// sharedPDEs tracks the directory entries below KernelSplit that
	// belong to regions registered via RegisterSharedRegion.
	sharedPDEs = map[int]struct{}{}

	errNotInitialized   = &kernel.Error{Module: "vmm", Message: "kernel address space not initialized"}
	errRegionInKernel   = &kernel.Error{Module: "vmm", Message: "shared regions must be located below the kernel split"}
	errRegionMisaligned = &kernel.Error{Module: "vmm", Message: "shared region address is not page-aligned"}
)

// Init builds the kernel address space and activates it. All installed RAM
// is mapped at KernelSplit + physical address with supervisor-only access.
// Page tables are obtained via mm.AllocFrame so Init is expected to run
// while the boot memory allocator is active; the tables are then never
// freed.
func Init() *kernel.Error {
	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	mm.ZeroFrame(pdtFrame)

	kernelSpace = &AddressSpace{pdtFrame: pdtFrame}
	sharedPDEs = map[int]struct{}{}

	ramSize := mm.PhysicalMemorySize()
	if ramSize > maxPhysMapSize {
		ramSize = maxPhysMapSize
	}

	lastFrame := mm.Frame(ramSize >> mm.PageShift)
	for frame := mm.Frame(0); frame < lastFrame; frame++ {
		page := mm.PageFromAddress(KernelSplit + mm.VirtAddr(frame.Address()))
		if err = kernelSpace.Map(page, frame, FlagPresent|FlagRW|FlagGlobal); err != nil {
			return err
		}
	}

	kernelSpace.Activate()
	klog.For("vmm").WithField("ram_kb", ramSize>>10).Info("kernel address space active")
	return nil
}

// KernelSpace returns the shared kernel address space.
func KernelSpace() *AddressSpace {
	return kernelSpace
}

// PhysToVirt returns the kernel virtual address that maps physAddr.
func PhysToVirt(physAddr mm.PhysAddr) mm.VirtAddr {
	return KernelSplit + mm.VirtAddr(physAddr)
}

// RegisterSharedRegion maps size bytes of physical memory starting at
// physAddr at virtAddr in the kernel space and marks the covering directory
// entries as shared. Address spaces created afterwards reference the same
// page tables and never release them. It is used for the framebuffer.
func RegisterSharedRegion(virtAddr mm.VirtAddr, physAddr mm.PhysAddr, size uint32, flags PageTableEntryFlag) *kernel.Error {
	switch {
	case kernelSpace == nil:
		return errNotInitialized
	case !virtAddr.PageAligned() || uintptr(physAddr)&(mm.PageSize-1) != 0:
		return errRegionMisaligned
	case size == 0:
		return nil
	case uint64(virtAddr)+uint64(size) > uint64(KernelSplit):
		return errRegionInKernel
	}

	pageCount := (uintptr(size) + mm.PageSize - 1) >> mm.PageShift
	page, frame := mm.PageFromAddress(virtAddr), mm.FrameFromAddress(physAddr)
	for index := uintptr(0); index < pageCount; index++ {
		if err := kernelSpace.Map(page+mm.Page(index), frame+mm.Frame(index), flags); err != nil {
			return err
		}
	}

	lastAddr := virtAddr + mm.VirtAddr(pageCount<<mm.PageShift) - 1
	for index := pdeIndex(virtAddr); index <= pdeIndex(lastAddr); index++ {
		sharedPDEs[index] = struct{}{}
	}

	return nil
}

// IsShared returns true if virtAddr falls in a registered shared region.
func IsShared(virtAddr mm.VirtAddr) bool {
	_, shared := sharedPDEs[pdeIndex(virtAddr)]
	return shared
}
