package mm

import (
	"testing"

	"ringos/kernel"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint32(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := PhysAddr(frameIndex<<12), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    PhysAddr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
		{0x00400fff, Frame(0x400)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint32(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := VirtAddr(pageIndex<<12), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}

	if got := PageFromAddress(0xbffff123); got != Page(0xbffff) {
		t.Fatalf("expected page 0xbffff; got %x", got)
	}

	if VirtAddr(0x1001).PageAligned() || !VirtAddr(0x2000).PageAligned() {
		t.Fatal("unexpected PageAligned result")
	}
}

func TestFrameAllocatorRegistration(t *testing.T) {
	defer SetFrameAllocator(nil, nil)

	SetFrameAllocator(nil, nil)
	if _, err := AllocFrame(); err != errNoFrameAllocator {
		t.Fatalf("expected errNoFrameAllocator; got %v", err)
	}

	if err := FreeFrame(1); err != errNoFrameAllocator {
		t.Fatalf("expected errNoFrameAllocator; got %v", err)
	}

	var freed []Frame
	SetFrameAllocator(
		func() (Frame, *kernel.Error) { return Frame(42), nil },
		func(f Frame) *kernel.Error { freed = append(freed, f); return nil },
	)

	if f, err := AllocFrame(); err != nil || f != 42 {
		t.Fatalf("expected frame 42; got %d, %v", f, err)
	}

	if err := FreeFrame(42); err != nil || len(freed) != 1 {
		t.Fatalf("expected frame to be released; got %v, %v", freed, err)
	}
}

func TestPhysicalMemory(t *testing.T) {
	defer SetPhysicalMemory(nil)

	SetPhysicalMemory(make([]byte, 4*PageSize))
	if exp, got := uint64(4*PageSize), PhysicalMemorySize(); got != exp {
		t.Fatalf("expected %d bytes of RAM; got %d", exp, got)
	}

	data := FrameData(Frame(2))
	Memset(data, 0xaa)
	WriteUint32(Frame(2).Address()+8, 0x12345678)

	if got := ReadUint32(Frame(2).Address() + 8); got != 0x12345678 {
		t.Fatalf("expected to read back 0x12345678; got %x", got)
	}

	if data[8] != 0x78 || data[11] != 0x12 {
		t.Fatal("expected little-endian layout")
	}

	ZeroFrame(Frame(2))
	for i, b := range FrameData(Frame(2)) {
		if b != 0 {
			t.Fatalf("expected byte %d to be cleared; got %x", i, b)
		}
	}

	if PhysBytes(PhysAddr(4*PageSize-2), 4) != nil {
		t.Fatal("expected out of range access to return nil")
	}
}

func TestPageGeometry(t *testing.T) {
	// The simulated machine is i686 regardless of the host architecture.
	if PageSize != 4096 || PageShift != 12 || PointerShift != 2 {
		t.Fatalf("unexpected page geometry: size %d, shift %d, pointer shift %d", PageSize, PageShift, PointerShift)
	}

	if exp, got := Page(0x400), PageFromAddress(VirtAddr(0x00400fff)); got != exp {
		t.Fatalf("expected page %d; got %d", exp, got)
	}
}
