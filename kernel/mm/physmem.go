package mm

import "encoding/binary"

// physMem is the machine's physical RAM. Physical address 0 corresponds to
// physMem[0].
var physMem []byte

// SetPhysicalMemory installs the byte slice backing physical RAM.
func SetPhysicalMemory(mem []byte) {
	physMem = mem
}

// PhysicalMemorySize returns the amount of installed RAM in bytes.
func PhysicalMemorySize() uint64 {
	return uint64(len(physMem))
}

// PhysBytes returns a slice aliasing size bytes of RAM starting at addr, or
// nil if the range is not backed by RAM.
func PhysBytes(addr PhysAddr, size uint32) []byte {
	start, end := uint64(addr), uint64(addr)+uint64(size)
	if end > uint64(len(physMem)) {
		return nil
	}
	return physMem[start:end:end]
}

// FrameData returns a slice aliasing the contents of a physical frame.
func FrameData(f Frame) []byte {
	return PhysBytes(f.Address(), uint32(PageSize))
}

// ReadUint32 reads a little-endian 32-bit value from physical memory.
func ReadUint32(addr PhysAddr) uint32 {
	return binary.LittleEndian.Uint32(PhysBytes(addr, 4))
}

// WriteUint32 stores a little-endian 32-bit value to physical memory.
func WriteUint32(addr PhysAddr, value uint32) {
	binary.LittleEndian.PutUint32(PhysBytes(addr, 4), value)
}

// Memset sets every byte of target to value. Instead of a byte loop it
// makes log2(len(target)) copy calls, which is faster for the page-sized
// buffers it is used with.
func Memset(target []byte, value byte) {
	if len(target) == 0 {
		return
	}

	target[0] = value
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}

// ZeroFrame clears the contents of a physical frame.
func ZeroFrame(f Frame) {
	Memset(FrameData(f), 0)
}
