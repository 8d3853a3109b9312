// Package pmm implements the physical frame allocators. A linear boot memory
// allocator serves requests while the kernel sets up its page tables and
// long-lived boot structures; a bitmap allocator then takes over the rest of
// the available memory.
package pmm

import (
	"ringos/kernel"
	"ringos/kernel/mm"
)

// bitmapActive is set once the bitmap allocator has replaced the early
// allocator.
var bitmapActive bool

// earlyAllocFrame is a helper that delegates a frame allocation request to the
// early allocator instance.
func earlyAllocFrame() (mm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}

// earlyFreeFrame rejects all release requests; frames obtained from the boot
// allocator stay reserved for the lifetime of the system.
func earlyFreeFrame(_ mm.Frame) *kernel.Error {
	return errBitmapAllocFrameNotManaged
}

func bitmapAllocFrame() (mm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

func bitmapFreeFrame(f mm.Frame) *kernel.Error {
	return FrameAllocator.FreeFrame(f)
}

// Init sets up the early physical memory allocator and registers it with the
// mm package. Subsequent mm.AllocFrame calls are served from the memory that
// follows the kernel image until EnableBitmapAllocator is invoked.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	bitmapActive = false
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	mm.SetFrameAllocator(earlyAllocFrame, earlyFreeFrame)
	return nil
}

// EnableBitmapAllocator hands the remaining free memory over to the bitmap
// allocator. All frames obtained from the early allocator up to this point
// are permanently reserved.
func EnableBitmapAllocator() *kernel.Error {
	if err := FrameAllocator.init(); err != nil {
		return err
	}

	bitmapActive = true
	mm.SetFrameAllocator(bitmapAllocFrame, bitmapFreeFrame)
	return nil
}

// bootReserved returns true if the frame is part of the kernel image or was
// handed out by the early allocator.
func bootReserved(frame mm.Frame) bool {
	if frame >= earlyAllocator.kernelStartFrame && frame <= earlyAllocator.kernelEndFrame {
		return true
	}
	return earlyAllocator.allocCount != 0 && frame <= earlyAllocator.lastAllocFrame
}

// Owns returns true if the frame is managed by the bitmap allocator, i.e.
// it can be released back to the pool once its owner no longer needs it.
func Owns(frame mm.Frame) bool {
	return bitmapActive && FrameAllocator.poolForFrame(frame) >= 0 && !bootReserved(frame)
}

// FreeCount returns the number of frames that are currently available for
// allocation.
func FreeCount() uint32 {
	if !bitmapActive {
		return 0
	}
	return FrameAllocator.freeCount()
}

// TotalCount returns the number of frames managed by the bitmap allocator,
// including the ones reserved at boot.
func TotalCount() uint32 {
	return FrameAllocator.totalPages
}
