// Package slab implements caches of fixed-size kernel objects carved out of
// a contiguous run of physical frames reserved at boot. Free objects are
// chained through a list whose links are stored in the objects themselves.
package slab

import (
	"ringos/kernel"
	"ringos/kernel/klog"
	"ringos/kernel/mm"
)

var (
	// ErrCacheExhausted is returned by Alloc when all objects are in use.
	ErrCacheExhausted = &kernel.Error{Module: "slab", Message: "cache exhausted"}

	errBadObjectSize = &kernel.Error{Module: "slab", Message: "object size must be a non-zero multiple of the page size"}
	errNotContiguous = &kernel.Error{Module: "slab", Message: "could not reserve a contiguous memory region"}
	errBadFree       = &kernel.Error{Module: "slab", Message: "address does not point to an object of this cache"}
	errDoubleFree    = &kernel.Error{Module: "slab", Message: "object is already free"}
)

// endOfList terminates the free list. Physical address 0 is never part of
// a cache.
const endOfList = mm.PhysAddr(0)

// Cache manages a pool of equally sized objects.
type Cache struct {
	name    string
	objSize uint32

	// [start, end) is the physical region backing the cache.
	start, end mm.PhysAddr

	freeList  mm.PhysAddr
	freeCount int
	total     int
}

// NewCache reserves memory for count objects of objSize bytes using the
// active frame allocator. The frames are expected to come from the boot
// memory allocator and are never returned.
func NewCache(name string, objSize uint32, count int) (*Cache, *kernel.Error) {
	if objSize == 0 || uintptr(objSize)&(mm.PageSize-1) != 0 {
		return nil, errBadObjectSize
	}

	frameCount := count * int(uintptr(objSize)>>mm.PageShift)
	var first, last mm.Frame
	for i := 0; i < frameCount; i++ {
		frame, err := mm.AllocFrame()
		if err != nil {
			return nil, err
		}

		if i == 0 {
			first = frame
		} else if frame != last+1 {
			return nil, errNotContiguous
		}
		last = frame
	}

	cache := &Cache{
		name:    name,
		objSize: objSize,
		start:   first.Address(),
		end:     first.Address() + mm.PhysAddr(uint32(count)*objSize),
		total:   count,
	}

	// Thread the free list through the objects, lowest address first
	cache.freeList = endOfList
	for i := count - 1; i >= 0; i-- {
		cache.push(cache.start + mm.PhysAddr(uint32(i)*objSize))
	}

	klog.For("slab").WithField("cache", name).Debugf("%d objects of %d bytes at 0x%x", count, objSize, cache.start)
	return cache, nil
}

func (c *Cache) push(addr mm.PhysAddr) {
	mm.WriteUint32(addr, uint32(c.freeList))
	c.freeList = addr
	c.freeCount++
}

// Alloc removes an object from the cache and returns its physical address.
func (c *Cache) Alloc() (mm.PhysAddr, *kernel.Error) {
	if c.freeList == endOfList {
		return 0, ErrCacheExhausted
	}

	addr := c.freeList
	c.freeList = mm.PhysAddr(mm.ReadUint32(addr))
	c.freeCount--
	mm.Memset(mm.PhysBytes(addr, c.objSize), 0)
	return addr, nil
}

// Free returns an object to the cache.
func (c *Cache) Free(addr mm.PhysAddr) *kernel.Error {
	if addr < c.start || addr >= c.end || uint32(addr-c.start)%c.objSize != 0 {
		return errBadFree
	}

	for cur := c.freeList; cur != endOfList; cur = mm.PhysAddr(mm.ReadUint32(cur)) {
		if cur == addr {
			return errDoubleFree
		}
	}

	c.push(addr)
	return nil
}

// ObjectSize returns the size of the objects managed by the cache.
func (c *Cache) ObjectSize() uint32 {
	return c.objSize
}

// FreeCount returns the number of objects that can still be allocated.
func (c *Cache) FreeCount() int {
	return c.freeCount
}

// Len returns the total number of objects in the cache.
func (c *Cache) Len() int {
	return c.total
}
