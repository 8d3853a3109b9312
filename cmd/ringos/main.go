// Command ringos boots the kernel on the host. Physical memory is an
// anonymous mapping, the console is attached to the controlling terminal and
// the bundled userland is loaded as boot modules.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"ringos/device/tty"
	"ringos/kernel/kmain"
	"ringos/kernel/mm"
	"ringos/multiboot"
	"ringos/userland"

	gotty "github.com/mattn/go-tty"
	"golang.org/x/sys/unix"
)

const (
	// Physical layout of the simulated machine.
	lowMemEnd   = 0x9fc00
	kernelStart = 0x100000
	kernelEnd   = 0x200000

	// textBuffer is the physical address of the EGA text framebuffer.
	textBuffer = 0xb8000
)

var (
	memFlag     = flag.Uint("mem", 16, "physical memory size in MiB")
	cmdLineFlag = flag.String("cmdline", "", "kernel command line")
	rawFlag     = flag.Bool("raw", false, "put the terminal in raw mode and forward every keystroke")
)

func main() {
	flag.Parse()

	if *memFlag < 4 || *memFlag > 1024 {
		exit(fmt.Errorf("memory size must be between 4 and 1024 MiB; got %d", *memFlag))
	}
	memSize := int(*memFlag) << 20

	mem, err := unix.Mmap(-1, 0, memSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		exit(fmt.Errorf("unable to allocate physical memory: %w", err))
	}
	mm.SetPhysicalMemory(mem)

	out, restore, err := attachConsole(*rawFlag)
	if err != nil {
		exit(err)
	}
	tty.SetOutput(out)

	userland.Register()
	multiboot.SetInfo(&multiboot.Info{
		BootLoaderName: "ringos",
		CmdLine:        *cmdLineFlag,
		MemoryMap: []multiboot.MemoryMapEntry{
			{PhysAddress: 0, Length: lowMemEnd, Type: multiboot.MemAvailable},
			{PhysAddress: lowMemEnd, Length: kernelStart - lowMemEnd, Type: multiboot.MemReserved},
			{PhysAddress: kernelStart, Length: uint64(memSize - kernelStart), Type: multiboot.MemAvailable},
		},
		Framebuffer: textFramebuffer(),
		Modules:     userland.Modules(),
	})

	code := kmain.Kmain(kernelStart, kernelEnd)
	restore()

	mm.SetPhysicalMemory(nil)
	_ = unix.Munmap(mem)
	os.Exit(int(uint8(code)))
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[ringos] error: %s\n", err.Error())
	os.Exit(1)
}

// textFramebuffer describes a text mode framebuffer with the geometry of the
// host terminal.
func textFramebuffer() *multiboot.FramebufferInfo {
	cols, rows := uint32(80), uint32(25)
	if ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ); err == nil && ws.Col != 0 && ws.Row != 0 {
		cols, rows = uint32(ws.Col), uint32(ws.Row)
	}

	return &multiboot.FramebufferInfo{
		PhysAddr: textBuffer,
		Pitch:    cols * 2,
		Width:    cols,
		Height:   rows,
		Type:     multiboot.FramebufferTypeEGA,
	}
}

// attachConsole starts forwarding host input to the keyboard controller and
// returns the writer for console output together with a function that
// restores the terminal.
func attachConsole(raw bool) (io.Writer, func(), error) {
	if !raw {
		go pump(os.Stdin)
		return os.Stdout, func() {}, nil
	}

	t, err := gotty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open terminal: %w", err)
	}

	restoreMode, err := t.Raw()
	if err != nil {
		_ = t.Close()
		return nil, nil, fmt.Errorf("unable to enter raw mode: %w", err)
	}

	go pump(t.Input())
	return &crlfWriter{w: t.Output()}, func() {
		_ = restoreMode()
		_ = t.Close()
	}, nil
}

// pump feeds everything read from r to the keyboard controller.
func pump(r io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			tty.Press(data)
		}
		if err != nil {
			return
		}
	}
}

// crlfWriter expands line feeds for terminals in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	var start int
	for i, b := range p {
		if b != '\n' {
			continue
		}
		if _, err := c.w.Write(p[start:i]); err != nil {
			return start, err
		}
		if _, err := c.w.Write([]byte("\r\n")); err != nil {
			return i, err
		}
		start = i + 1
	}

	if _, err := c.w.Write(p[start:]); err != nil {
		return start, err
	}
	return len(p), nil
}
