// Package mm defines the physical and virtual memory address types shared by
// the memory management packages, the registration point for the active
// physical frame allocator and accessors for physical RAM.
package mm

import (
	"ringos/kernel"
)

// PhysAddr is a physical memory address.
type PhysAddr uint32

// VirtAddr is a virtual memory address.
type VirtAddr uint32

// PageAligned returns true if the address is page-aligned.
func (a VirtAddr) PageAligned() bool {
	return uintptr(a)&(PageSize-1) == 0
}

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(^uintptr(0))
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(uintptr(f) << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame((uintptr(physAddr) & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() VirtAddr {
	return VirtAddr(uintptr(p) << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down.
func PageFromAddress(virtAddr VirtAddr) Page {
	return Page((uintptr(virtAddr) & ^(PageSize - 1)) >> PageShift)
}

var (
	// frameAllocator and frameReleaser point to the functions registered
	// using SetFrameAllocator.
	frameAllocator FrameAllocatorFn
	frameReleaser  FrameReleaserFn

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReleaserFn is a function that returns a physical frame to the
// allocator that owns it.
type FrameReleaserFn func(Frame) *kernel.Error

// SetFrameAllocator registers the functions used by the vmm and proc code
// when physical frames need to be allocated or released.
func SetFrameAllocator(allocFn FrameAllocatorFn, freeFn FrameReleaserFn) {
	frameAllocator = allocFn
	frameReleaser = freeFn
}

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator()
}

// FreeFrame releases a physical frame using the currently active physical
// frame allocator.
func FreeFrame(f Frame) *kernel.Error {
	if frameReleaser == nil {
		return errNoFrameAllocator
	}
	return frameReleaser(f)
}
