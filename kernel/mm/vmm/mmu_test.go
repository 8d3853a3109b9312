package vmm

import (
	"testing"

	"ringos/kernel/cpu"
	"ringos/kernel/mm"
)

func TestUserTranslate(t *testing.T) {
	setupMachine(t)

	as, err := Create()
	if err != nil {
		t.Fatal(err)
	}
	as.Activate()

	roFrame, _ := mm.AllocFrame()
	rwFrame, _ := mm.AllocFrame()
	_ = as.Map(mm.PageFromAddress(0x08048000), roFrame, FlagUserAccessible)
	_ = as.Map(mm.PageFromAddress(0x08049000), rwFrame, FlagRW|FlagUserAccessible)

	specs := []struct {
		addr     mm.VirtAddr
		write    bool
		expPhys  mm.PhysAddr
		expFault bool
		expCode  FaultCode
	}{
		{0x08048010, false, roFrame.Address() + 0x10, false, FaultUser},
		{0x08048010, true, 0, true, FaultUser | FaultWrite | FaultProtection},
		{0x08049ffc, true, rwFrame.Address() + 0xffc, false, FaultUser | FaultWrite},
		{0x0804a000, false, 0, true, FaultUser},
		{0x00000000, true, 0, true, FaultUser | FaultWrite},
		{PhysToVirt(0x1000), false, 0, true, FaultUser | FaultProtection},
	}

	for specIndex, spec := range specs {
		cpu.WriteCR2(0)
		got, code, err := UserTranslate(spec.addr, spec.write)
		switch {
		case spec.expFault && err != ErrPageFault:
			t.Errorf("[spec %d] expected ErrPageFault; got %v", specIndex, err)
		case spec.expFault && cpu.ReadCR2() != uintptr(spec.addr):
			t.Errorf("[spec %d] expected CR2 to be 0x%x; got 0x%x", specIndex, spec.addr, cpu.ReadCR2())
		case !spec.expFault && err != nil:
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		case !spec.expFault && got != spec.expPhys:
			t.Errorf("[spec %d] expected physical address 0x%x; got 0x%x", specIndex, spec.expPhys, got)
		}

		if code != spec.expCode {
			t.Errorf("[spec %d] expected fault code %d; got %d", specIndex, spec.expCode, code)
		}
	}
}

func TestMapInvalidatesTLB(t *testing.T) {
	setupMachine(t)

	as, err := Create()
	if err != nil {
		t.Fatal(err)
	}
	as.Activate()

	frameA, _ := mm.AllocFrame()
	frameB, _ := mm.AllocFrame()
	page := mm.PageFromAddress(0x08048000)

	_ = as.Map(page, frameA, FlagRW|FlagUserAccessible)
	if got, _, err := UserTranslate(page.Address(), false); err != nil || got != frameA.Address() {
		t.Fatalf("expected translation to frame A; got 0x%x, %v", got, err)
	}

	// Remapping the active space must be visible immediately
	_ = as.Map(page, frameB, FlagRW|FlagUserAccessible)
	if got, _, err := UserTranslate(page.Address(), false); err != nil || got != frameB.Address() {
		t.Fatalf("expected translation to frame B; got 0x%x, %v", got, err)
	}

	as.Unmap(page)
	if _, _, err := UserTranslate(page.Address(), false); err != ErrPageFault {
		t.Fatalf("expected unmapped page to fault; got %v", err)
	}

	t.Run("inactive space changes do not touch the TLB", func(t *testing.T) {
		other, err := Create()
		if err != nil {
			t.Fatal(err)
		}

		var flushCount int
		defer func(orig func(uintptr)) { flushTLBEntryFn = orig }(flushTLBEntryFn)
		flushTLBEntryFn = func(uintptr) { flushCount++ }

		_ = other.Map(page, frameA, FlagUserAccessible)
		other.Unmap(page)
		if flushCount != 0 {
			t.Fatalf("expected no TLB flushes; got %d", flushCount)
		}
	})
}

func TestCopyInOut(t *testing.T) {
	setupMachine(t)

	as, err := Create()
	if err != nil {
		t.Fatal(err)
	}
	as.Activate()

	for _, addr := range []mm.VirtAddr{0x08048000, 0x08049000} {
		frame, _ := mm.AllocFrame()
		_ = as.Map(mm.PageFromAddress(addr), frame, FlagRW|FlagUserAccessible)
	}

	// straddle the page boundary
	payload := []byte("hello across pages\x00")
	base := mm.VirtAddr(0x08049000 - 6)
	if err = CopyOut(base, payload); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	if err = CopyIn(got, base); err != nil {
		t.Fatal(err)
	}

	if string(got) != string(payload) {
		t.Fatalf("expected to read back %q; got %q", payload, got)
	}

	str, err := CopyInString(base, 64)
	if err != nil || str != "hello across pages" {
		t.Fatalf("expected to read back string; got %q, %v", str, err)
	}

	if _, err = CopyInString(base, 4); err != errStringTooLong {
		t.Fatalf("expected errStringTooLong; got %v", err)
	}

	if err = CopyIn(got, 0x0804a000-4); err != ErrPageFault {
		t.Fatalf("expected ErrPageFault; got %v", err)
	}

	if err = CopyOut(PhysToVirt(0x1000), payload); err != ErrPageFault {
		t.Fatalf("expected ErrPageFault for kernel memory; got %v", err)
	}
}

func TestFaultCodeString(t *testing.T) {
	specs := []struct {
		code FaultCode
		exp  string
	}{
		{0, "read from non-present page"},
		{FaultProtection, "page protection violation (read)"},
		{FaultWrite | FaultUser, "write to non-present page in user-mode"},
		{FaultWrite | FaultProtection, "page protection violation (write)"},
	}

	for specIndex, spec := range specs {
		if got := spec.code.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
