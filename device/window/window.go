// Package window manages text windows owned by tasks and arbitrates access
// to the graphics mode of the framebuffer. Windows can be used as the
// target of a task's standard output.
package window

import (
	"io"

	"ringos/device"
	"ringos/kernel"
	"ringos/kernel/klog"
	"ringos/kernel/kfmt"
	"ringos/kernel/mm"
	"ringos/multiboot"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxWindows is the number of windows that can exist at once.
	MaxWindows = 16

	// MaxWidth and MaxHeight bound the window dimensions in characters.
	MaxWidth  = 160
	MaxHeight = 64

	// DefaultTabWidth defines the number of spaces that tabs expand to.
	DefaultTabWidth = 4
)

var (
	// ErrNoSuchWindow is returned for window ids that do not exist.
	ErrNoSuchWindow = &kernel.Error{Module: "window", Message: "no such window"}

	// ErrNotOwner is returned when a task operates on a window it does
	// not own.
	ErrNotOwner = &kernel.Error{Module: "window", Message: "window is owned by another task"}

	// ErrTooManyWindows is returned when the window table is full.
	ErrTooManyWindows = &kernel.Error{Module: "window", Message: "too many windows"}

	// ErrGraphicsBusy is returned when another task owns the graphics
	// mode.
	ErrGraphicsBusy = &kernel.Error{Module: "window", Message: "graphics mode owned by another task"}

	errBadDimensions = &kernel.Error{Module: "window", Message: "invalid window dimensions"}
	errNoFramebuffer = &kernel.Error{Module: "window", Message: "no framebuffer available"}
)

// Window is a titled text surface owned by a task.
type Window struct {
	id      uint32
	owner   uint32
	title   string
	surface *Surface
	closed  bool
}

// ID returns the window id.
func (w *Window) ID() uint32 { return w.id }

// Owner returns the id of the owning task.
func (w *Window) Owner() uint32 { return w.owner }

// Title returns the window title.
func (w *Window) Title() string { return w.title }

// Surface returns the character grid of the window.
func (w *Window) Surface() *Surface { return w.surface }

// Closed returns true once the window has been destroyed.
func (w *Window) Closed() bool { return w.closed }

// Write implements io.Writer so a window can receive redirected standard
// output. Writes to destroyed windows fail.
func (w *Window) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrNoSuchWindow
	}

	for _, b := range p {
		w.surface.writeByte(b)
	}
	return len(p), nil
}

// framebuffer describes the physical memory that graphics mode draws to.
type framebuffer struct {
	phys mm.PhysAddr
	size uint32
}

var (
	windows [MaxWindows]*Window
	nextID  uint32 = 1

	graphicsOwner  uint32
	graphicsActive bool
	fb             framebuffer
)

// Reset destroys all windows and releases the graphics mode.
func Reset() {
	windows = [MaxWindows]*Window{}
	nextID = 1
	graphicsOwner, graphicsActive = 0, false
	fb = framebuffer{}
}

// SetFramebuffer installs the physical memory used by graphics mode.
func SetFramebuffer(phys mm.PhysAddr, size uint32) {
	fb = framebuffer{phys: phys, size: size}
}

// Create opens a window owned by the task with the supplied id.
func Create(owner uint32, title string, width, height uint32) (*Window, *kernel.Error) {
	if width == 0 || height == 0 || width > MaxWidth || height > MaxHeight {
		return nil, errBadDimensions
	}

	for slot := range windows {
		if windows[slot] != nil {
			continue
		}

		w := &Window{
			id:      nextID,
			owner:   owner,
			title:   title,
			surface: newSurface(width, height, DefaultTabWidth),
		}
		nextID++
		windows[slot] = w

		klog.For("window").WithFields(log.Fields{"id": w.id, "owner": owner, "title": title}).Debug("window created")
		return w, nil
	}

	return nil, ErrTooManyWindows
}

// Lookup returns the window with the given id or nil.
func Lookup(id uint32) *Window {
	for _, w := range windows {
		if w != nil && w.id == id {
			return w
		}
	}
	return nil
}

// Destroy closes a window owned by the task with the supplied id.
func Destroy(owner, id uint32) *kernel.Error {
	for slot, w := range windows {
		if w == nil || w.id != id {
			continue
		}

		if w.owner != owner {
			return ErrNotOwner
		}

		w.closed = true
		windows[slot] = nil
		return nil
	}

	return ErrNoSuchWindow
}

// Count returns the number of open windows.
func Count() int {
	var count int
	for _, w := range windows {
		if w != nil {
			count++
		}
	}
	return count
}

// SetGraphics switches the framebuffer to graphics mode on behalf of owner
// or back to text mode. Only one task can own the graphics mode; entering
// it clears the framebuffer.
func SetGraphics(owner uint32, enabled bool) *kernel.Error {
	switch {
	case graphicsActive && graphicsOwner != owner:
		return ErrGraphicsBusy
	case !enabled:
		graphicsOwner, graphicsActive = 0, false
		return nil
	case fb.size == 0:
		return errNoFramebuffer
	}

	if !graphicsActive {
		mm.Memset(mm.PhysBytes(fb.phys, fb.size), 0)
	}
	graphicsOwner, graphicsActive = owner, true
	return nil
}

// GraphicsOwner returns the task owning the graphics mode, if any.
func GraphicsOwner() (uint32, bool) {
	return graphicsOwner, graphicsActive
}

// CleanupAllOwnedBy destroys every window owned by the task with the
// supplied id and releases its graphics mode ownership. It returns the
// number of destroyed windows.
func CleanupAllOwnedBy(owner uint32) int {
	var destroyed int
	for slot, w := range windows {
		if w != nil && w.owner == owner {
			w.closed = true
			windows[slot] = nil
			destroyed++
		}
	}

	if graphicsActive && graphicsOwner == owner {
		graphicsOwner, graphicsActive = 0, false
	}

	if destroyed != 0 {
		klog.For("window").WithFields(log.Fields{"owner": owner, "windows": destroyed}).Debug("released windows of terminated task")
	}
	return destroyed
}

// driver registers the window manager with the boot code.
type driver struct{}

// DriverName returns the name of this driver.
func (driver) DriverName() string {
	return "wm"
}

// DriverVersion returns the version of this driver.
func (driver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit picks up the framebuffer set up by the boot loader.
func (driver) DriverInit(w io.Writer) *kernel.Error {
	Reset()

	info := multiboot.GetFramebufferInfo()
	if info == nil || info.Type == multiboot.FramebufferTypeEGA {
		kfmt.Fprintf(w, "text mode only ")
		return nil
	}

	SetFramebuffer(mm.PhysAddr(info.PhysAddr), uint32(info.Size()))
	kfmt.Fprintf(w, "framebuffer %dx%d (%d bpp) ", info.Width, info.Height, info.Bpp)
	return nil
}

func probeForWindowManager() device.Driver {
	return driver{}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderNormal,
		Probe: probeForWindowManager,
	})
}
