package window

import (
	"bytes"
	"fmt"
	"testing"

	"ringos/kernel/mm"
	"ringos/multiboot"
)

func TestSurfaceWrite(t *testing.T) {
	specs := []struct {
		input    string
		expLines []string
		expX     uint32
		expY     uint32
	}{
		{"hello", []string{"hello", ""}, 6, 1},
		{"ab\rc", []string{"cb", ""}, 2, 1},
		{"ab\bc", []string{"ac", ""}, 3, 1},
		{"a\tb", []string{"a    b", ""}, 7, 1},
		{"12345678", []string{"12345678", ""}, 1, 2},
		{"one\ntwo\nthree", []string{"two", "three"}, 6, 2},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			w := &Window{surface: newSurface(8, 2, DefaultTabWidth)}
			if _, err := w.Write([]byte(spec.input)); err != nil {
				t.Fatal(err)
			}

			for i, exp := range spec.expLines {
				if got := w.Surface().Line(uint32(i + 1)); got != exp {
					t.Errorf("expected line %d to be %q; got %q", i+1, exp, got)
				}
			}

			if x, y := w.Surface().CursorPosition(); x != spec.expX || y != spec.expY {
				t.Errorf("expected cursor at (%d, %d); got (%d, %d)", spec.expX, spec.expY, x, y)
			}
		})
	}
}

func TestWindowOwnership(t *testing.T) {
	Reset()
	defer Reset()

	if _, err := Create(1, "bad", 0, 10); err != errBadDimensions {
		t.Fatalf("expected errBadDimensions; got %v", err)
	}

	w, err := Create(1, "shell", 40, 10)
	if err != nil {
		t.Fatal(err)
	}

	if Lookup(w.ID()) != w || w.Owner() != 1 || w.Title() != "shell" {
		t.Fatal("expected the window to be registered")
	}

	if err = Destroy(2, w.ID()); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner; got %v", err)
	}

	if err = Destroy(1, w.ID()); err != nil {
		t.Fatal(err)
	}

	if err = Destroy(1, w.ID()); err != ErrNoSuchWindow {
		t.Fatalf("expected ErrNoSuchWindow; got %v", err)
	}

	if _, err := w.Write([]byte("x")); err != ErrNoSuchWindow {
		t.Fatalf("expected writes to a destroyed window to fail; got %v", err)
	}

	for i := 0; i < MaxWindows; i++ {
		if _, err = Create(3, "filler", 1, 1); err != nil {
			t.Fatal(err)
		}
	}
	if _, err = Create(3, "extra", 1, 1); err != ErrTooManyWindows {
		t.Fatalf("expected ErrTooManyWindows; got %v", err)
	}
}

func TestCleanupAllOwnedBy(t *testing.T) {
	Reset()
	defer Reset()

	mm.SetPhysicalMemory(make([]byte, 2*mm.PageSize))
	defer mm.SetPhysicalMemory(nil)
	SetFramebuffer(mm.PhysAddr(mm.PageSize), uint32(mm.PageSize))
	fbData := mm.PhysBytes(mm.PhysAddr(mm.PageSize), uint32(mm.PageSize))
	fbData[0] = 0xff

	mine, _ := Create(7, "a", 10, 10)
	Create(7, "b", 10, 10)
	theirs, _ := Create(8, "c", 10, 10)

	if err := SetGraphics(7, true); err != nil {
		t.Fatal(err)
	}
	if fbData[0] != 0 {
		t.Fatal("expected entering graphics mode to clear the framebuffer")
	}
	if err := SetGraphics(8, true); err != ErrGraphicsBusy {
		t.Fatalf("expected ErrGraphicsBusy; got %v", err)
	}

	if got := CleanupAllOwnedBy(7); got != 2 {
		t.Fatalf("expected 2 windows to be destroyed; got %d", got)
	}

	if !mine.Closed() || Lookup(mine.ID()) != nil || Lookup(theirs.ID()) != theirs || Count() != 1 {
		t.Fatal("expected only the windows of task 7 to be destroyed")
	}

	if _, active := GraphicsOwner(); active {
		t.Fatal("expected graphics mode to be released")
	}

	if err := SetGraphics(8, true); err != nil {
		t.Fatal(err)
	}
	if owner, active := GraphicsOwner(); !active || owner != 8 {
		t.Fatalf("expected task 8 to own graphics mode; got %d, %t", owner, active)
	}
	if err := SetGraphics(8, false); err != nil {
		t.Fatal(err)
	}
}

func TestDriverInit(t *testing.T) {
	defer multiboot.SetInfo(nil)
	defer Reset()

	var buf bytes.Buffer
	multiboot.SetInfo(&multiboot.Info{})
	if err := probeForWindowManager().DriverInit(&buf); err != nil {
		t.Fatal(err)
	}
	if err := SetGraphics(1, true); err != errNoFramebuffer {
		t.Fatalf("expected errNoFramebuffer; got %v", err)
	}

	buf.Reset()
	multiboot.SetInfo(&multiboot.Info{
		Framebuffer: &multiboot.FramebufferInfo{PhysAddr: 0x800000, Pitch: 1280, Width: 320, Height: 200, Bpp: 32, Type: multiboot.FramebufferTypeRGB},
	})
	if err := probeForWindowManager().DriverInit(&buf); err != nil {
		t.Fatal(err)
	}

	if exp, got := "framebuffer 320x200 (32 bpp) ", buf.String(); got != exp {
		t.Fatalf("expected driver output %q; got %q", exp, got)
	}

	if fb.phys != 0x800000 || fb.size != 1280*200 {
		t.Fatalf("unexpected framebuffer: %+v", fb)
	}
}
