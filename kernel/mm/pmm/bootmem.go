package pmm

import (
	"ringos/kernel"
	"ringos/kernel/kfmt"
	"ringos/kernel/mm"
	"ringos/multiboot"
)

const (
	// lowMemoryLimit marks the end of the legacy low memory area. Frames
	// below this address are never handed out by the allocators.
	lowMemoryLimit = uint64(0x100000)
)

var (
	// earlyAllocator is a boot mem allocator instance used for page
	// allocations before switching to a more advanced allocator.
	earlyAllocator bootMemAllocator

	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// bootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator uses the memory region information provided by the
// bootloader to detect free memory blocks and return the next available
// free frame. Allocations are tracked via an internal counter that contains
// the last allocated frame.
//
// Frames handed out by this allocator are never freed. When the bitmap
// allocator takes over it replays the early allocations and keeps them
// permanently reserved; kernel page tables, the kernel stack slab and the
// framebuffer all live in this region.
type bootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// init sets up the boot memory allocator internal state.
func (alloc *bootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page.
	pageSizeMinus1 := mm.PageSize - 1
	alloc.allocCount = 0
	alloc.lastAllocFrame = 0
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart & ^pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1) & ^pageSizeMinus1)>>mm.PageShift) - 1
}

// regionFrames returns the first and last whole frames of a memory region.
// Reported addresses may not be page-aligned; the start is rounded up and
// the end is rounded down. Low memory is clipped off. The returned flag is
// false if the region does not contain a single usable frame.
func regionFrames(region *multiboot.MemoryMapEntry) (mm.Frame, mm.Frame, bool) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	start, end := region.PhysAddress, region.PhysAddress+region.Length
	if start < lowMemoryLimit {
		start = lowMemoryLimit
	}

	start = (start + pageSizeMinus1) & ^pageSizeMinus1
	end = end & ^pageSizeMinus1
	if end <= start {
		return mm.InvalidFrame, mm.InvalidFrame, false
	}

	return mm.Frame(start >> mm.PageShift), mm.Frame(end>>mm.PageShift) - 1, true
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *bootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartFrame, regionEndFrame, ok := regionFrames(region)
		if !ok {
			return true
		}

		// Skip over already allocated regions
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		// If last frame used a different region and the kernel image
		// is located at the beginning of this region OR we are in
		// current region but lastAllocFrame + 1 points to the kernel
		// start we need to jump to the page following the kernel end
		// frame
		if (alloc.lastAllocFrame <= regionStartFrame && alloc.kernelStartFrame == regionStartFrame) ||
			(alloc.lastAllocFrame <= regionEndFrame && alloc.lastAllocFrame+1 == alloc.kernelStartFrame) {
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		} else if alloc.lastAllocFrame < regionStartFrame || alloc.allocCount == 0 {
			// we are in the previous region and need to jump to this one OR
			// this is the first allocation
			alloc.lastAllocFrame = regionStartFrame
			if alloc.lastAllocFrame >= alloc.kernelStartFrame && alloc.lastAllocFrame <= alloc.kernelEndFrame {
				alloc.lastAllocFrame = alloc.kernelEndFrame + 1
			}
		} else {
			// we are in the region and we can select the next frame
			alloc.lastAllocFrame++
		}

		// The above adjustment might push lastAllocFrame outside of the
		// region end (e.g kernel ends at last page in the region)
		if alloc.lastAllocFrame > regionEndFrame {
			return true
		}

		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *bootMemAllocator) printMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree uint64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += region.Length
		}
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", totalFree/1024)
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
	)
}
