package vmm

import (
	"ringos/kernel"
	"ringos/kernel/cpu"
	"ringos/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	lookupTLBFn = cpu.LookupTLB
	fillTLBFn   = cpu.FillTLB
	writeCR2Fn  = cpu.WriteCR2

	// ErrPageFault is returned when a user-mode access cannot be
	// translated. CR2 holds the faulting address.
	ErrPageFault = &kernel.Error{Module: "vmm", Message: "page fault"}

	errStringTooLong = &kernel.Error{Module: "vmm", Message: "user string exceeds maximum length"}
)

// FaultCode is the error code pushed by the CPU for a page fault.
type FaultCode uint32

const (
	// FaultProtection is set if the fault was caused by a page-level
	// protection violation; cleared if the page was not present.
	FaultProtection FaultCode = 1 << iota

	// FaultWrite is set if the access causing the fault was a write.
	FaultWrite

	// FaultUser is set if the access originated in ring 3.
	FaultUser
)

// String describes the fault reason.
func (code FaultCode) String() string {
	var reason string
	switch code &^ FaultUser {
	case 0:
		reason = "read from non-present page"
	case FaultProtection:
		reason = "page protection violation (read)"
	case FaultWrite:
		reason = "write to non-present page"
	case FaultProtection | FaultWrite:
		reason = "page protection violation (write)"
	default:
		reason = "unknown"
	}

	if code&FaultUser != 0 {
		reason += " in user-mode"
	}
	return reason
}

// UserTranslate performs the MMU translation for a ring 3 access to
// virtAddr using the active page directory. Leaf entries are cached in the
// TLB so stale entries remain visible until they are invalidated. If the
// access is not permitted, UserTranslate records the faulting address in
// CR2 and returns ErrPageFault together with the fault error code.
func UserTranslate(virtAddr mm.VirtAddr, write bool) (mm.PhysAddr, FaultCode, *kernel.Error) {
	code := FaultUser
	if write {
		code |= FaultWrite
	}

	entry, cached := lookupTLBFn(uintptr(virtAddr))
	pte := pageTableEntry(entry)
	if !cached {
		var err *kernel.Error
		active := &AddressSpace{pdtFrame: mm.FrameFromAddress(mm.PhysAddr(activePDTFn()))}
		if pte, err = active.pteForAddress(virtAddr); err != nil {
			writeCR2Fn(uintptr(virtAddr))
			return 0, code, ErrPageFault
		}
		fillTLBFn(uintptr(virtAddr), uint32(pte))
	}

	if !pte.HasFlags(FlagUserAccessible) || (write && !pte.HasFlags(FlagRW)) {
		writeCR2Fn(uintptr(virtAddr))
		return 0, code | FaultProtection, ErrPageFault
	}

	return pte.Frame().Address() + mm.PhysAddr(uintptr(virtAddr)&(mm.PageSize-1)), code, nil
}

// userCopy walks the user buffer at virtAddr page by page and invokes fn
// with the physical memory backing each chunk.
func userCopy(virtAddr mm.VirtAddr, size int, write bool, fn func(offset int, phys []byte)) *kernel.Error {
	for offset := 0; offset < size; {
		addr := virtAddr + mm.VirtAddr(offset)
		physAddr, _, err := UserTranslate(addr, write)
		if err != nil {
			return err
		}

		chunk := int(mm.PageSize - uintptr(addr)&(mm.PageSize-1))
		if chunk > size-offset {
			chunk = size - offset
		}

		fn(offset, mm.PhysBytes(physAddr, uint32(chunk)))
		offset += chunk
	}

	return nil
}

// CopyIn copies len(dst) bytes from the user buffer at src into dst.
func CopyIn(dst []byte, src mm.VirtAddr) *kernel.Error {
	return userCopy(src, len(dst), false, func(offset int, phys []byte) {
		copy(dst[offset:], phys)
	})
}

// CopyOut copies src to the user buffer at dst.
func CopyOut(dst mm.VirtAddr, src []byte) *kernel.Error {
	return userCopy(dst, len(src), true, func(offset int, phys []byte) {
		copy(phys, src[offset:])
	})
}

// CopyInString reads a NUL-terminated string of at most maxLen bytes from
// user memory.
func CopyInString(src mm.VirtAddr, maxLen int) (string, *kernel.Error) {
	var buf []byte
	for len(buf) < maxLen {
		var b [1]byte
		if err := CopyIn(b[:], src+mm.VirtAddr(len(buf))); err != nil {
			return "", err
		}

		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}

	return "", errStringTooLong
}
