package pmm

import (
	"math"

	"ringos/kernel"
	"ringos/kernel/klog"
	"ringos/kernel/mm"
	"ringos/multiboot"
)

var (
	// FrameAllocator is a BitmapAllocator instance that serves as the
	// primary allocator for reserving pages.
	FrameAllocator BitmapAllocator

	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
)

// markAs is used to indicate whether a frame is free or reserved.
type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool.
	freeBitmap []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// init builds the pool bitmaps and flags the frames used by the kernel image
// and the early allocator as reserved.
func (alloc *BitmapAllocator) init() *kernel.Error {
	alloc.setupPoolBitmaps()
	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	alloc.printStats()
	return nil
}

// setupPoolBitmaps initializes the list of available pools and their free
// bitmap slices using the memory map supplied by the boot loader.
func (alloc *BitmapAllocator) setupPoolBitmaps() {
	alloc.pools = alloc.pools[:0]
	alloc.totalPages = 0
	alloc.reservedPages = 0

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartFrame, regionEndFrame, ok := regionFrames(region)
		if !ok {
			return true
		}

		pageCount := uint32(regionEndFrame - regionStartFrame + 1)
		alloc.totalPages += pageCount

		// To represent the free page bitmap we need pageCount bits. Since our
		// slice uses uint64 for storing the bitmap we need to round up the
		// required bits so they are a multiple of 64 bits
		alloc.pools = append(alloc.pools, framePool{
			startFrame: regionStartFrame,
			endFrame:   regionEndFrame,
			freeCount:  pageCount,
			freeBitmap: make([]uint64, (pageCount+63)>>6),
		})
		return true
	})
}

// markFrame updates the reservation flag for the bitmap entry that corresponds
// to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame < alloc.pools[poolIndex].startFrame || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-ending representation we need to set the bit at index: 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// isReserved returns true if the bitmap entry for the frame is set.
func (alloc *BitmapAllocator) isReserved(poolIndex int, frame mm.Frame) bool {
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return alloc.pools[poolIndex].freeBitmap[block]&mask != 0
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// reserveKernelFrames makes as reserved the bitmap entries for the frames
// occupied by the kernel image.
func (alloc *BitmapAllocator) reserveKernelFrames() {
	// Flag frames used by kernel image as reserved. Since the kernel must
	// occupy a contiguous memory block we assume that all its frames will
	// fall into one of the available memory pools
	poolIndex := alloc.poolForFrame(earlyAllocator.kernelStartFrame)
	for frame := earlyAllocator.kernelStartFrame; frame <= earlyAllocator.kernelEndFrame; frame++ {
		if poolIndex >= 0 && !alloc.isReserved(poolIndex, frame) {
			alloc.markFrame(poolIndex, frame, markReserved)
		}
	}
}

// reserveEarlyAllocatorFrames makes as reserved the bitmap entries for the frames
// already allocated by the early allocator.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	// We now need to decomission the early allocator by flagging all frames
	// allocated by it as reserved. The allocator itself does not track
	// individual frames but only a counter of allocated frames. To get
	// the list of frames we reset its internal state and "replay" the
	// allocation requests to get the correct frames.
	allocCount := earlyAllocator.allocCount
	earlyAllocator.allocCount, earlyAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := earlyAllocator.AllocFrame()
		if poolIndex := alloc.poolForFrame(frame); poolIndex >= 0 && !alloc.isReserved(poolIndex, frame) {
			alloc.markFrame(poolIndex, frame, markReserved)
		}
	}
}

func (alloc *BitmapAllocator) printStats() {
	klog.For("bitmap_alloc").Infof(
		"page stats: free: %d/%d (%d reserved)",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

// AllocFrame reserves and returns a physical memory frame. An error will be
// returned if no more memory can be allocated.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		if alloc.pools[poolIndex].freeCount == 0 {
			continue
		}

		fullBlock := uint64(math.MaxUint64)
		for blockIndex, block := range alloc.pools[poolIndex].freeBitmap {
			if block == fullBlock {
				continue
			}

			// Block has at least one free slot; we need to scan its bits
			for blockOffset, mask := 0, uint64(1<<63); mask > 0; blockOffset, mask = blockOffset+1, mask>>1 {
				if block&mask != 0 {
					continue
				}

				frame := alloc.pools[poolIndex].startFrame + mm.Frame((blockIndex<<6)+blockOffset)
				if frame > alloc.pools[poolIndex].endFrame {
					break
				}

				alloc.markFrame(poolIndex, frame, markReserved)
				return frame, nil
			}
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame releases a frame previously allocated via a call to AllocFrame.
// Trying to release a frame not part of the allocator pools, a frame that
// was reserved at boot or a frame that is already free returns an error.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 || bootReserved(frame) {
		return errBitmapAllocFrameNotManaged
	}

	if !alloc.isReserved(poolIndex, frame) {
		return errBitmapAllocDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

// freeCount returns the number of unreserved frames across all pools.
func (alloc *BitmapAllocator) freeCount() uint32 {
	return alloc.totalPages - alloc.reservedPages
}
