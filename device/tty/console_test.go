package tty

import (
	"bytes"
	"testing"

	"ringos/kernel/cpu"
	"ringos/kernel/fs"
	"ringos/kernel/gate"
	"ringos/kernel/irq"
)

func TestConsoleIO(t *testing.T) {
	cpu.Reset()
	irq.Reset()
	gate.Init()
	defer func() {
		cpu.Reset()
		cpu.SetInterruptSink(nil)
	}()

	var out, initLog bytes.Buffer
	cons := NewConsole(&out)
	if err := cons.DriverInit(&initLog); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	if _, err := cons.Read(buf); err != fs.ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock; got %v", err)
	}

	Press([]byte("ls\rpwd\r"))
	if !irq.Pending(irq.Keyboard) {
		t.Fatal("expected a key press to raise IRQ1")
	}

	// Deliver the interrupt.
	cpu.EnableInterrupts()
	cpu.DisableInterrupts()

	if exp, got := "ls\npwd\n", out.String(); got != exp {
		t.Fatalf("expected echoed input %q; got %q", exp, got)
	}

	n, err := cons.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := "ls\n", string(buf[:n]); got != exp {
		t.Fatalf("expected to read %q; got %q", exp, got)
	}

	if exp, got := 4, cons.Buffered(); got != exp {
		t.Fatalf("expected the next line to stay queued (%d bytes); got %d", exp, got)
	}

	if irq.SpuriousEOIs() != 0 || irq.InService(irq.Keyboard) {
		t.Fatal("expected the keyboard interrupt to be acknowledged exactly once")
	}

	out.Reset()
	if n, err := cons.Write([]byte("hi")); err != nil || n != 2 || out.String() != "hi" {
		t.Fatalf("unexpected write result: %d, %v, %q", n, err, out.String())
	}
}

func TestConsoleWithoutOutput(t *testing.T) {
	defer SetOutput(nil)

	if drv := probeForConsole(); drv != nil {
		t.Fatal("expected probe to fail without an output writer")
	}

	if _, err := NewConsole(nil).Write([]byte("x")); err != errNoOutput {
		t.Fatalf("expected errNoOutput; got %v", err)
	}

	SetOutput(&bytes.Buffer{})
	if drv := probeForConsole(); drv == nil || drv.DriverName() != "console" {
		t.Fatal("expected probe to return the console driver")
	}
}
