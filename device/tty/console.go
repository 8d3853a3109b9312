// Package tty implements the system console. Output is forwarded to the
// writer installed by the platform code; input is queued by the keyboard
// interrupt handler and consumed by reads on descriptor 0.
package tty

import (
	"io"
	"sync"

	"ringos/device"
	"ringos/kernel"
	"ringos/kernel/fs"
	"ringos/kernel/gate"
	"ringos/kernel/irq"
	"ringos/kernel/kfmt"
)

var (
	errNoOutput = &kernel.Error{Module: "tty", Message: "console output not available"}

	// output is the writer that console output is sent to. It is set by
	// the platform code before the drivers are probed.
	output io.Writer

	keyboard Keyboard
)

// SetOutput installs the writer that receives console output.
func SetOutput(w io.Writer) {
	output = w
}

// Keyboard models the output buffer of the keyboard controller. Key
// presses may be injected from any goroutine.
type Keyboard struct {
	mu      sync.Mutex
	pending []byte
}

// Press queues data as if it was typed and raises the keyboard interrupt.
func Press(data []byte) {
	keyboard.mu.Lock()
	keyboard.pending = append(keyboard.pending, data...)
	keyboard.mu.Unlock()

	irq.Raise(irq.Keyboard)
}

// drain returns and clears the bytes buffered by the controller.
func (k *Keyboard) drain() []byte {
	k.mu.Lock()
	data := k.pending
	k.pending = nil
	k.mu.Unlock()
	return data
}

// Console is the console device bound to descriptors 0, 1 and 2.
type Console struct {
	out io.Writer

	// input holds keystrokes that have not been read yet. It is only
	// accessed by the context owning the CPU with interrupts disabled.
	input kfmt.RingBuffer

	// echo controls whether typed characters are written back.
	echo bool
}

// NewConsole returns a console that writes to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, echo: true}
}

// Output returns the writer receiving console output.
func (c *Console) Output() io.Writer {
	return c.out
}

// SetEcho enables or disables echoing of typed characters.
func (c *Console) SetEcho(enabled bool) {
	c.echo = enabled
}

// Read implements fs.Device. Reads stop after a line feed so input typed
// ahead stays queued for the next reader. Read returns fs.ErrWouldBlock if
// no input is queued.
func (c *Console) Read(p []byte) (int, *kernel.Error) {
	if len(p) == 0 {
		return 0, nil
	}

	if c.input.Len() == 0 {
		return 0, fs.ErrWouldBlock
	}

	var n int
	for n < len(p) && c.input.Len() != 0 {
		_, _ = c.input.Read(p[n : n+1])
		n++
		if p[n-1] == '\n' {
			break
		}
	}
	return n, nil
}

// Write implements fs.Device.
func (c *Console) Write(p []byte) (int, *kernel.Error) {
	if c.out == nil {
		return 0, errNoOutput
	}

	n, err := c.out.Write(p)
	if err != nil {
		return n, errNoOutput
	}
	return n, nil
}

// Buffered returns the number of queued input bytes.
func (c *Console) Buffered() int {
	return c.input.Len()
}

// handleKeyboard moves the bytes buffered by the keyboard controller into
// the input queue. Carriage returns are translated to line feeds and DEL to
// backspace.
func (c *Console) handleKeyboard(ctx *gate.Context) *gate.Context {
	data := keyboard.drain()
	for i, b := range data {
		switch b {
		case '\r':
			data[i] = '\n'
		case 0x7f:
			data[i] = '\b'
		}
	}

	_, _ = c.input.Write(data)
	if c.echo && c.out != nil && len(data) != 0 {
		_, _ = c.out.Write(data)
	}
	return ctx
}

// DriverName returns the name of this driver.
func (c *Console) DriverName() string {
	return "console"
}

// DriverVersion returns the version of this driver.
func (c *Console) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit hooks the keyboard interrupt.
func (c *Console) DriverInit(w io.Writer) *kernel.Error {
	gate.HandleInterrupt(gate.KeyboardVector, c.handleKeyboard)
	irq.Unmask(irq.Keyboard)
	kfmt.Fprintf(w, "keyboard on IRQ%d ", irq.Keyboard)
	return nil
}

func probeForConsole() device.Driver {
	if output == nil {
		return nil
	}
	return NewConsole(output)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForConsole,
	})
}
