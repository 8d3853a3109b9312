package kmain

import (
	"bytes"
	"strings"
	"testing"

	"ringos/device/net"
	"ringos/device/tty"
	"ringos/device/window"
	"ringos/kernel/abi"
	"ringos/kernel/cpu"
	"ringos/kernel/fs"
	"ringos/kernel/gate"
	"ringos/kernel/irq"
	"ringos/kernel/kfmt"
	"ringos/kernel/klog"
	"ringos/kernel/mm"
	"ringos/kernel/mm/vmm"
	"ringos/kernel/proc"
	"ringos/kernel/usermode"
	"ringos/multiboot"
	"ringos/tools/elfbuild"

	log "github.com/sirupsen/logrus"
)

const testRAMSize = 8 << 20

// setupMachine installs simulated RAM and boot information with the
// supplied command line and modules. Console output is collected in the
// returned buffer.
func setupMachine(t *testing.T, cmdLine string, fb *multiboot.FramebufferInfo, modules ...multiboot.Module) *bytes.Buffer {
	origLevel := klog.Logger.GetLevel()
	cpu.Reset()
	irq.Reset()
	fs.Reset()
	mm.SetPhysicalMemory(make([]byte, testRAMSize))
	multiboot.SetInfo(&multiboot.Info{
		CmdLine: cmdLine,
		MemoryMap: []multiboot.MemoryMapEntry{
			{PhysAddress: 0x100000, Length: testRAMSize - 0x100000, Type: multiboot.MemAvailable},
		},
		Framebuffer: fb,
		Modules:     modules,
	})

	var out bytes.Buffer
	tty.SetOutput(&out)

	t.Cleanup(func() {
		for _, rec := range proc.List() {
			if task := proc.Lookup(proc.ID(rec.ID)); rec.ID != 0 && task != nil {
				gate.Release(task.Context())
			}
		}

		klog.Logger.SetLevel(origLevel)
		tty.SetOutput(nil)
		kfmt.SetOutputSink(nil)
		cpu.Reset()
		cpu.SetInterruptSink(nil)
		gate.SetRingTransition(nil)
		fs.SetConsole(nil)
		mm.SetPhysicalMemory(nil)
		mm.SetFrameAllocator(nil, nil)
		multiboot.SetInfo(nil)
		fs.Reset()
		window.Reset()
		net.Reset()
	})

	return &out
}

// program registers prog and returns a boot module installing its
// executable at path.
func program(t *testing.T, path, name string, prog usermode.Program) multiboot.Module {
	usermode.Register(name, prog)
	t.Cleanup(func() { usermode.Unregister(name) })

	return multiboot.Module{Name: path, Data: elfbuild.Program(name, 0)}
}

func TestParseCmdLine(t *testing.T) {
	defer func(origLevel log.Level) {
		klog.Logger.SetLevel(origLevel)
		multiboot.SetInfo(nil)
	}(klog.Logger.GetLevel())

	specs := []struct {
		cmdLine string
		exp     bootConfig
	}{
		{"", bootConfig{initPath: DefaultInitPath, timerHz: irq.DefaultTimerHz, timer: true}},
		{"init=/bin/sh hz=250", bootConfig{initPath: "/bin/sh", timerHz: 250, timer: true}},
		{"hz=fast timer=off loglevel=loud", bootConfig{initPath: DefaultInitPath, timerHz: irq.DefaultTimerHz, timer: false}},
	}

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	for specIndex, spec := range specs {
		multiboot.SetInfo(&multiboot.Info{CmdLine: spec.cmdLine})
		if got := parseCmdLine(); got != spec.exp {
			t.Errorf("[spec %d] expected config %+v; got %+v", specIndex, spec.exp, got)
		}
	}

	for _, exp := range []string{"ignoring malformed timer frequency", "ignoring unknown log level"} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected a warning containing %q", exp)
		}
	}
}

func TestKmainRunsInit(t *testing.T) {
	var childArgs []string
	out := setupMachine(t, "timer=off init=/sbin/start", nil,
		program(t, "/sbin/start", "start", func(th *usermode.Thread) int32 {
			th.Print("init running\n")

			p := th.PushString("/bin/child")
			argv := th.PushArgv([]string{"child", "x"})
			pid := th.Syscall(abi.SysSpawn, p, argv)
			return th.Syscall(abi.SysWait, uint32(pid)) + 1
		}),
		program(t, "/bin/child", "child", func(th *usermode.Thread) int32 {
			childArgs = th.Args()
			return 41
		}),
	)

	if code := Kmain(0x100000, 0x140000); code != 42 {
		t.Fatalf("expected Kmain to return the init exit code 42; got %d", code)
	}

	if exp := []string{"child", "x"}; strings.Join(childArgs, " ") != strings.Join(exp, " ") {
		t.Fatalf("expected child args %v; got %v", exp, childArgs)
	}

	got := out.String()
	for _, exp := range []string{
		"[hal] console(0.1.0): keyboard on IRQ1 initialized",
		"[hal] wm(0.1.0): text mode only initialized",
		"[hal] loopback(",
		"init running\n",
	} {
		if !strings.Contains(got, exp) {
			t.Errorf("expected console output to contain %q; got:\n%s", exp, got)
		}
	}

	if _, err := fs.ReadWholeFile("/sbin/start"); err != nil {
		t.Fatalf("expected boot module to be installed: %v", err)
	}
}

func TestKmainFramebuffer(t *testing.T) {
	fb := &multiboot.FramebufferInfo{PhysAddr: 0x120000, Pitch: 320, Width: 320, Height: 200, Bpp: 8, Type: multiboot.FramebufferTypeIndexed}

	var mapped bool
	setupMachine(t, "timer=off", fb,
		program(t, "/bin/init", "init", func(th *usermode.Thread) int32 {
			th.Store32(uint32(FramebufferAddr), 0xcafebabe)
			mapped = vmm.IsShared(FramebufferAddr)
			return 0
		}),
	)

	if code := Kmain(0x100000, 0x140000); code != 0 {
		t.Fatalf("expected init to write to the framebuffer and exit with 0; got %d", code)
	}

	if !mapped {
		t.Fatal("expected the framebuffer to be registered as a shared region")
	}

	if got := mm.ReadUint32(mm.PhysAddr(fb.PhysAddr)); got != 0xcafebabe {
		t.Fatalf("expected the framebuffer write to reach physical memory; got 0x%x", got)
	}
}

func TestKmainMissingInit(t *testing.T) {
	defer func() { panicFn = kfmt.Panic }()
	setupMachine(t, "timer=off", nil)

	var panicErr interface{}
	panicFn = func(e interface{}) { panicErr = e }

	if code := Kmain(0x100000, 0x140000); code != abi.Failure {
		t.Fatalf("expected Kmain to fail; got %d", code)
	}

	if panicErr != proc.ErrNotFound {
		t.Fatalf("expected a kernel panic with %v; got %v", proc.ErrNotFound, panicErr)
	}
}
