// Package kmain contains the kernel boot sequence.
package kmain

import (
	"strconv"

	"ringos/kernel"
	"ringos/kernel/abi"
	"ringos/kernel/cpu"
	"ringos/kernel/fs"
	"ringos/kernel/gate"
	"ringos/kernel/hal"
	"ringos/kernel/irq"
	"ringos/kernel/kfmt"
	"ringos/kernel/klog"
	"ringos/kernel/mm"
	"ringos/kernel/mm/pmm"
	"ringos/kernel/mm/vmm"
	"ringos/kernel/proc"
	"ringos/kernel/syscall"
	"ringos/kernel/usermode"
	"ringos/multiboot"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultInitPath is the first user program started when the boot
	// command line does not name one.
	DefaultInitPath = "/bin/init"

	// FramebufferAddr is the virtual address the framebuffer is mapped at
	// in every address space.
	FramebufferAddr = mm.VirtAddr(0xB0000000)
)

// panicFn is mocked by tests.
var panicFn = kfmt.Panic

// bootConfig holds the settings read from the boot command line.
type bootConfig struct {
	initPath string
	timerHz  int
	timer    bool
}

func parseCmdLine() bootConfig {
	cfg := bootConfig{initPath: DefaultInitPath, timerHz: irq.DefaultTimerHz, timer: true}

	for k, v := range multiboot.GetBootCmdLine() {
		switch k {
		case "loglevel":
			if !klog.SetLevel(v) {
				klog.For("kmain").WithField("loglevel", v).Warn("ignoring unknown log level")
			}
		case "init":
			cfg.initPath = v
		case "hz":
			hz, err := strconv.Atoi(v)
			if err != nil {
				klog.For("kmain").WithField("hz", v).Warn("ignoring malformed timer frequency")
				continue
			}
			cfg.timerHz = hz
		case "timer":
			cfg.timer = v != "off"
		}
	}

	return cfg
}

// Kmain boots the kernel using the multiboot information installed by the
// platform code, starts the init program and runs the idle loop. The
// physical addresses of the kernel image are passed in so that its frames
// are never handed out by the frame allocator.
//
// Kmain returns the exit code of the init task once it terminates.
func Kmain(kernelStart, kernelEnd uintptr) int32 {
	cfg := parseCmdLine()

	var err *kernel.Error
	if err = initMemory(kernelStart, kernelEnd); err != nil {
		panicFn(err)
		return abi.Failure
	}

	gate.Init()
	usermode.Init()
	if err = proc.Init(); err != nil {
		panicFn(err)
		return abi.Failure
	} else if err = pmm.EnableBitmapAllocator(); err != nil {
		panicFn(err)
		return abi.Failure
	}

	hal.DetectHardware()
	syscall.Init()
	installModules()

	initTask, err := proc.CreateUserTask(cfg.initPath, nil)
	if err != nil {
		klog.For("kmain").WithFields(log.Fields{"path": cfg.initPath, "err": err.Message}).Error("unable to start init")
		panicFn(err)
		return abi.Failure
	}

	proc.EnableScheduling()
	if cfg.timer {
		stop, err := irq.StartTimer(cfg.timerHz)
		if err != nil {
			klog.For("kmain").WithField("hz", cfg.timerHz).Warn("preemption disabled: " + err.Message)
		} else {
			defer stop()
		}
	}

	return idle(initTask.ID())
}

// initMemory sets up the frame allocators, the kernel address space and the
// shared framebuffer mapping.
func initMemory(kernelStart, kernelEnd uintptr) *kernel.Error {
	if err := pmm.Init(kernelStart, kernelEnd); err != nil {
		return err
	} else if err = vmm.Init(); err != nil {
		return err
	}

	fb := multiboot.GetFramebufferInfo()
	if fb == nil {
		return nil
	}

	return vmm.RegisterSharedRegion(
		FramebufferAddr,
		mm.PhysAddr(fb.PhysAddr),
		uint32(fb.Size()),
		vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible,
	)
}

// installModules copies the boot modules into the ramfs. Each module is
// installed at the path given by its name.
func installModules() {
	var count int
	multiboot.VisitModules(func(mod *multiboot.Module) bool {
		if err := fs.WriteFile(mod.Name, mod.Data); err != nil {
			klog.For("kmain").WithFields(log.Fields{"module": mod.Name, "err": err.Message}).Warn("unable to install boot module")
			return true
		}
		count++
		return true
	})

	klog.For("kmain").WithField("count", count).Info("boot modules installed")
}

// idle runs the other tasks until the task with the supplied id terminates
// and returns its exit code. The CPU is halted whenever no task is ready.
func idle(initID proc.ID) int32 {
	for {
		code, err := proc.WaitNB(initID)
		if err != proc.ErrTaskRunning {
			return code
		}

		proc.Yield()

		if code, err = proc.WaitNB(initID); err != proc.ErrTaskRunning {
			return code
		}
		cpu.Halt()
		cpu.DisableInterrupts()
	}
}
