package proc

import (
	"ringos/kernel"
	"ringos/kernel/abi"
	"ringos/kernel/cpu"
	"ringos/kernel/gate"
	"ringos/kernel/kfmt"
	"ringos/kernel/klog"
	"ringos/kernel/mm/vmm"

	log "github.com/sirupsen/logrus"
)

var (
	errKernelFault = &kernel.Error{Module: "proc", Message: "unrecoverable CPU exception in kernel mode"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// exceptionCount is the number of vectors reserved for CPU exceptions.
const exceptionCount = 32

func installFaultHandlers() {
	for vec := gate.InterruptNumber(0); vec < exceptionCount; vec++ {
		gate.HandleInterrupt(vec, faultHandler)
	}
}

// faultHandler terminates a user task that raised a CPU exception, recording
// the vector in its exit code, and schedules another task. Exceptions raised
// by kernel code halt the machine.
func faultHandler(ctx *gate.Context) *gate.Context {
	vec := gate.InterruptNumber(ctx.Regs.Info)
	t := current

	if ctx.InKernel() || t == nil || t.kernel {
		kfmt.Printf("\nexception %d in kernel mode\n", vec)
		if vec == gate.PageFaultException {
			kfmt.Printf("page fault at %08x: %s\n", cpu.ReadCR2(), vmm.FaultCode(ctx.Regs.ErrorCode))
		}
		ctx.Regs.DumpTo(kfmt.Sink())
		panicFn(errKernelFault)
		return ctx
	}

	entry := klog.For("proc").WithFields(log.Fields{
		"id":     t.id,
		"name":   t.name,
		"vector": uint8(vec),
		"eip":    ctx.Regs.EIP,
	})
	if vec == gate.PageFaultException {
		entry = entry.WithFields(log.Fields{
			"addr":   cpu.ReadCR2(),
			"reason": vmm.FaultCode(ctx.Regs.ErrorCode).String(),
		})
	}
	entry.Warn("terminating task after CPU exception")

	Terminate(t, abi.FaultExitCode(uint8(vec)))
	return Schedule(ctx, false)
}
