package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"ringos/kernel"
	"ringos/kernel/abi"
	"ringos/kernel/klog"
	"ringos/kernel/mm"
	"ringos/kernel/mm/vmm"
)

const (
	// UserStackTop is the initial stack pointer of every user task before
	// the argument vector is pushed.
	UserStackTop = uint32(vmm.KernelSplit)

	// userStackBase is the lowest address of the single user stack page.
	userStackBase = UserStackTop - uint32(mm.PageSize)
)

var errArgListTooLong = &kernel.Error{Module: "proc", Message: "argument list too long"}

// image describes a user program loaded into a new address space.
type image struct {
	space *vmm.AddressSpace
	entry uint32
	esp   uint32
}

// loadImage parses an ELF32 executable, copies its loadable segments into a
// new address space and sets up a user stack holding argv. The new address
// space is never activated while it is being populated; on error everything
// allocated so far is released.
func loadImage(data []byte, argv []string) (*image, *kernel.Error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		klog.For("loader").WithError(err).Debug("rejecting executable")
		return nil, ErrBadFormat
	}

	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_386 || f.Type != elf.ET_EXEC {
		return nil, ErrBadFormat
	}

	space, kerr := vmm.Create()
	if kerr != nil {
		return nil, ErrOutOfMemory
	}

	var segments int
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		if kerr = loadSegment(space, prog); kerr != nil {
			_ = space.Destroy()
			return nil, kerr
		}
		segments++
	}

	if segments == 0 || !userRange(f.Entry, 1) {
		_ = space.Destroy()
		return nil, ErrBadFormat
	}

	esp, kerr := setupStack(space, argv)
	if kerr != nil {
		_ = space.Destroy()
		return nil, kerr
	}

	return &image{space: space, entry: uint32(f.Entry), esp: esp}, nil
}

// userRange returns true if [addr, addr+size) lies within the user half of
// the address space, below the stack page.
func userRange(addr, size uint64) bool {
	end := addr + size
	return addr >= uint64(mm.PageSize) && end >= addr && end <= uint64(userStackBase)
}

// loadSegment maps the pages spanned by a PT_LOAD segment, zero fills them
// and copies the file-backed part of the segment.
func loadSegment(space *vmm.AddressSpace, prog *elf.Prog) *kernel.Error {
	if prog.Filesz > prog.Memsz || !userRange(prog.Vaddr, prog.Memsz) {
		return ErrBadFormat
	}

	contents := make([]byte, prog.Filesz)
	if _, err := prog.ReadAt(contents, 0); err != nil {
		return ErrBadFormat
	}

	flags := vmm.FlagPresent | vmm.FlagUserAccessible
	if prog.Flags&elf.PF_W != 0 {
		flags |= vmm.FlagRW
	}

	var (
		start = mm.PageFromAddress(mm.VirtAddr(prog.Vaddr))
		end   = mm.PageFromAddress(mm.VirtAddr(prog.Vaddr + prog.Memsz - 1))
	)

	for page := start; page <= end; page++ {
		frame, err := segmentFrame(space, page, flags)
		if err != nil {
			return err
		}

		// Copy the part of the file contents that overlaps this page.
		pageStart := uint64(page.Address())
		from, to := pageStart, pageStart+uint64(mm.PageSize)
		if from < prog.Vaddr {
			from = prog.Vaddr
		}
		if fileEnd := prog.Vaddr + prog.Filesz; to > fileEnd {
			to = fileEnd
		}
		if from < to {
			copy(mm.FrameData(frame)[from-pageStart:], contents[from-prog.Vaddr:to-prog.Vaddr])
		}
	}

	return nil
}

// segmentFrame returns the frame backing page, allocating and mapping a
// zeroed frame if the page is not yet mapped by an earlier segment.
func segmentFrame(space *vmm.AddressSpace, page mm.Page, flags vmm.PageTableEntryFlag) (mm.Frame, *kernel.Error) {
	if phys, err := space.Translate(page.Address()); err == nil {
		return mm.FrameFromAddress(phys), nil
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, ErrOutOfMemory
	}
	mm.ZeroFrame(frame)

	if err = space.Map(page, frame, flags); err != nil {
		_ = mm.FreeFrame(frame)
		return mm.InvalidFrame, ErrOutOfMemory
	}
	return frame, nil
}

// setupStack maps the user stack page and lays out the initial stack:
//
//	esp+0: return address placeholder
//	esp+4: argc
//	esp+8: pointer to the NULL terminated argv array
//
// The argument strings are packed at the top of the page with the pointer
// array right below them. Arguments beyond abi.MaxArgs are dropped.
func setupStack(space *vmm.AddressSpace, argv []string) (uint32, *kernel.Error) {
	if len(argv) > abi.MaxArgs {
		argv = argv[:abi.MaxArgs]
	}

	need := uint32(4 * (len(argv) + 4))
	for _, arg := range argv {
		need += uint32(len(arg)) + 1
	}
	if need > uint32(mm.PageSize) {
		return 0, errArgListTooLong
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		return 0, ErrOutOfMemory
	}
	mm.ZeroFrame(frame)

	if err = space.Map(mm.PageFromAddress(mm.VirtAddr(userStackBase)), frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
		_ = mm.FreeFrame(frame)
		return 0, ErrOutOfMemory
	}

	var (
		page = mm.FrameData(frame)
		sp   = UserStackTop
		ptrs = make([]uint32, len(argv)+1)
	)

	// offset converts a stack address into an index into page.
	offset := func(addr uint32) uint32 { return addr - userStackBase }

	for i, arg := range argv {
		sp -= uint32(len(arg)) + 1
		copy(page[offset(sp):], arg)
		page[offset(sp)+uint32(len(arg))] = 0
		ptrs[i] = sp
	}

	sp &^= 3
	for i := len(ptrs) - 1; i >= 0; i-- {
		sp -= 4
		binary.LittleEndian.PutUint32(page[offset(sp):], ptrs[i])
	}
	argvAddr := sp

	for _, word := range []uint32{argvAddr, uint32(len(argv)), 0} {
		sp -= 4
		binary.LittleEndian.PutUint32(page[offset(sp):], word)
	}

	return sp, nil
}
