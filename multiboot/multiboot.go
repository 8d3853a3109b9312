// Package multiboot exposes the boot information handed to the kernel by the
// boot loader: the physical memory map, the kernel command line, the
// framebuffer configuration and any boot modules (files) loaded alongside
// the kernel image.
package multiboot

import "strings"

var (
	info      *Info
	cmdLineKV map[string]string
)

// Info describes the multiboot information payload.
type Info struct {
	// The name of the boot loader.
	BootLoaderName string

	// The kernel command line.
	CmdLine string

	// The physical memory map.
	MemoryMap []MemoryMapEntry

	// The framebuffer set up by the boot loader, if any.
	Framebuffer *FramebufferInfo

	// Modules loaded by the boot loader.
	Modules []Module
}

// Module is a file loaded into memory by the boot loader.
type Module struct {
	// The module command line; by convention the path the module should be
	// installed at.
	Name string

	// The module contents.
	Data []byte
}

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// Size returns the number of bytes spanned by the framebuffer.
func (i *FramebufferInfo) Size() uint64 {
	return uint64(i.Pitch) * uint64(i.Height)
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// SetInfo installs the boot information payload. This function must be
// invoked before invoking any other function exported by this package.
func SetInfo(bootInfo *Info) {
	info = bootInfo
	cmdLineKV = nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region
// defined by the boot information.
func VisitMemRegions(visitor MemRegionVisitor) {
	if info == nil {
		return
	}

	for i := range info.MemoryMap {
		entry := info.MemoryMap[i]
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// VisitModules invokes the supplied visitor for each boot module.
func VisitModules(visitor func(*Module) bool) {
	if info == nil {
		return
	}

	for i := range info.Modules {
		if !visitor(&info.Modules[i]) {
			return
		}
	}
}

// GetFramebufferInfo returns information about the framebuffer initialized
// by the boot loader or nil if no framebuffer is available.
func GetFramebufferInfo() *FramebufferInfo {
	if info == nil {
		return nil
	}
	return info.Framebuffer
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Options without a value are mapped to their own name.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)
	if info == nil {
		return cmdLineKV
	}

	for _, pair := range strings.Fields(info.CmdLine) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2:
			cmdLineKV[kv[0]] = kv[1]
		case 1:
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}
