package main

import (
	"bytes"
	"testing"

	"ringos/kernel/irq"
	"ringos/multiboot"
)

func TestCRLFWriter(t *testing.T) {
	specs := []struct {
		input, exp string
	}{
		{"", ""},
		{"no newline", "no newline"},
		{"a\nb\n", "a\r\nb\r\n"},
		{"\n\n", "\r\n\r\n"},
	}

	for specIndex, spec := range specs {
		var buf bytes.Buffer
		w := &crlfWriter{w: &buf}

		n, err := w.Write([]byte(spec.input))
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if n != len(spec.input) {
			t.Errorf("[spec %d] expected to report %d written bytes; got %d", specIndex, len(spec.input), n)
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestPump(t *testing.T) {
	defer irq.Reset()
	irq.Reset()

	pump(bytes.NewReader([]byte("ls\n")))

	if !irq.Pending(irq.Keyboard) {
		t.Fatal("expected pumped input to raise the keyboard interrupt")
	}
}

func TestTextFramebuffer(t *testing.T) {
	fb := textFramebuffer()
	if fb.Type != multiboot.FramebufferTypeEGA || fb.PhysAddr != textBuffer {
		t.Fatalf("unexpected framebuffer: %+v", fb)
	}

	if fb.Width == 0 || fb.Height == 0 || fb.Pitch != 2*fb.Width {
		t.Fatalf("unexpected framebuffer geometry: %+v", fb)
	}
}
