// Package elfbuild writes minimal ELF32 executables. It plays the role of
// the linker for hosted ring 3 programs: the text segment starts with the
// entry instruction naming a registered program.
package elfbuild

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"ringos/kernel/usermode"
)

// TextAddr is the load address of the text segment of built programs.
const TextAddr = uint32(0x08048000)

const (
	headerSize     = 52
	progHeaderSize = 32
)

// Segment describes a PT_LOAD program header and its contents.
type Segment struct {
	Addr     uint32
	Data     []byte
	MemSize  uint32
	Writable bool
}

// Image describes an executable. Zero Machine and Type fields default to
// EM_386 and ET_EXEC.
type Image struct {
	Entry    uint32
	Machine  elf.Machine
	Type     elf.Type
	Segments []Segment
}

// Bytes encodes the image as a little endian ELF32 file.
func (img *Image) Bytes() []byte {
	machine, typ := img.Machine, img.Type
	if machine == elf.EM_NONE {
		machine = elf.EM_386
	}
	if typ == elf.ET_NONE {
		typ = elf.ET_EXEC
	}

	hdr := elf.Header32{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progHeaderSize,
		Phnum:     uint16(len(img.Segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)

	offset := uint32(headerSize + progHeaderSize*len(img.Segments))
	for _, seg := range img.Segments {
		memSize := seg.MemSize
		if memSize < uint32(len(seg.Data)) {
			memSize = uint32(len(seg.Data))
		}

		flags := elf.PF_R | elf.PF_X
		if seg.Writable {
			flags = elf.PF_R | elf.PF_W
		}

		_ = binary.Write(&buf, binary.LittleEndian, &elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    offset,
			Vaddr:  seg.Addr,
			Paddr:  seg.Addr,
			Filesz: uint32(len(seg.Data)),
			Memsz:  memSize,
			Flags:  uint32(flags),
			Align:  0x1000,
		})
		offset += uint32(len(seg.Data))
	}

	for _, seg := range img.Segments {
		buf.Write(seg.Data)
	}

	return buf.Bytes()
}

// Program returns an executable whose entry point runs the registered
// program called name. A writable, zero-filled data segment of bssSize
// bytes is placed on the page after the text segment if bssSize is not
// zero.
func Program(name string, bssSize uint32) []byte {
	img := &Image{
		Entry: TextAddr,
		Segments: []Segment{
			{Addr: TextAddr, Data: usermode.EncodeEntry(name)},
		},
	}

	if bssSize != 0 {
		img.Segments = append(img.Segments, Segment{
			Addr:     TextAddr + 0x1000,
			MemSize:  bssSize,
			Writable: true,
		})
	}

	return img.Bytes()
}
