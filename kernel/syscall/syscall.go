// Package syscall implements the int 0x80 system call dispatcher. Calls
// take their arguments from the saved registers of the calling task,
// validate user pointers through the MMU and return their result in EAX.
package syscall

import (
	"encoding/binary"

	"ringos/device/net"
	"ringos/device/window"
	"ringos/kernel"
	"ringos/kernel/abi"
	"ringos/kernel/cpu"
	"ringos/kernel/fs"
	"ringos/kernel/gate"
	"ringos/kernel/klog"
	"ringos/kernel/mm"
	"ringos/kernel/mm/vmm"
	"ringos/kernel/proc"
)

// maxIOSize caps the number of bytes moved by a single read or write.
const maxIOSize = 64 * 1024

var (
	// waitForInputFn is invoked when a read would block. It is mocked by
	// tests.
	waitForInputFn = waitForInput
)

// call holds the state of a system call in progress.
type call struct {
	ctx  *gate.Context
	task *proc.Task

	// next is the context resumed when the call returns.
	next *gate.Context
}

// arg returns the nth argument register.
func (c *call) arg(n int) uint32 {
	regs := &c.ctx.Regs
	switch n {
	case 0:
		return regs.EBX
	case 1:
		return regs.ECX
	case 2:
		return regs.EDX
	case 3:
		return regs.ESI
	default:
		return regs.EDI
	}
}

// owner returns the calling task id in the form used by the device
// tables.
func (c *call) owner() uint32 {
	return uint32(c.task.ID())
}

type handler func(c *call) int32

var handlers = [...]handler{
	abi.SysExit:           sysExit,
	abi.SysWrite:          sysWrite,
	abi.SysRead:           sysRead,
	abi.SysOpen:           sysOpen,
	abi.SysClose:          sysClose,
	abi.SysSeek:           sysSeek,
	abi.SysYield:          sysYield,
	abi.SysGetPID:         sysGetPID,
	abi.SysSpawn:          sysSpawn,
	abi.SysWait:           sysWait,
	abi.SysWaitNB:         sysWaitNB,
	abi.SysDetach:         sysDetach,
	abi.SysKill:           sysKill,
	abi.SysListTasks:      sysListTasks,
	abi.SysExec:           sysExec,
	abi.SysWinCreate:      sysWinCreate,
	abi.SysWinDestroy:     sysWinDestroy,
	abi.SysRedirectStdout: sysRedirectStdout,
	abi.SysSockOpen:       sysSockOpen,
	abi.SysSockClose:      sysSockClose,
	abi.SysSetGraphics:    sysSetGraphics,
	abi.SysChdir:          sysChdir,
}

// Init installs the system call handler and the reaper that releases the
// windows and sockets of terminated tasks. It must be called after
// proc.Init.
func Init() {
	gate.HandleInterrupt(gate.SyscallVector, dispatch)
	proc.RegisterReaper(releaseDevices)
}

func releaseDevices(id proc.ID) {
	window.CleanupAllOwnedBy(uint32(id))
	net.CloseAllOwnedBy(uint32(id))
}

func dispatch(ctx *gate.Context) *gate.Context {
	c := &call{ctx: ctx, task: proc.Current(), next: ctx}

	num := ctx.Regs.EAX
	if num >= uint32(len(handlers)) || handlers[num] == nil || c.task == nil {
		klog.For("syscall").WithField("num", num).Debug("unknown system call")
		ctx.Regs.EAX = ^uint32(0)
		return ctx
	}

	ctx.Regs.EAX = uint32(handlers[num](c))
	return c.next
}

// result maps a kernel error to the generic failure value.
func result(value int32, err *kernel.Error) int32 {
	if err != nil {
		return abi.Failure
	}
	return value
}

func sysExit(c *call) int32 {
	proc.Terminate(c.task, int32(c.arg(0)))
	c.next = proc.Schedule(c.ctx, false)
	return 0
}

func sysYield(c *call) int32 {
	c.next = proc.Schedule(c.ctx, false)
	return 0
}

func sysGetPID(c *call) int32 {
	return int32(c.task.ID())
}

func sysWrite(c *call) int32 {
	fd, size := int(c.arg(0)), c.arg(2)
	if size > maxIOSize {
		size = maxIOSize
	}

	data := make([]byte, size)
	if err := vmm.CopyIn(data, mm.VirtAddr(c.arg(1))); err != nil {
		return abi.Failure
	}

	if redirect := c.task.Stdout(); fd == 1 && redirect != nil {
		n, err := redirect.Write(data)
		if err != nil {
			return abi.Failure
		}
		return int32(n)
	}

	files := c.task.Files()
	if files == nil {
		return abi.Failure
	}

	n, err := files.Write(fd, data)
	return result(int32(n), err)
}

func sysRead(c *call) int32 {
	fd, size := int(c.arg(0)), c.arg(2)
	if size > maxIOSize {
		size = maxIOSize
	}

	files := c.task.Files()
	if files == nil {
		return abi.Failure
	}

	buf := make([]byte, size)
	for {
		n, err := files.Read(fd, buf)
		if err == fs.ErrWouldBlock {
			waitForInputFn()
			continue
		}
		if err != nil {
			return abi.Failure
		}

		if err = vmm.CopyOut(mm.VirtAddr(c.arg(1)), buf[:n]); err != nil {
			return abi.Failure
		}
		return int32(n)
	}
}

// waitForInput gives the CPU to other tasks and then sleeps until the next
// interrupt, which may bring the input the caller is waiting for.
func waitForInput() {
	proc.Yield()
	cpu.Halt()
	cpu.DisableInterrupts()
}

func sysOpen(c *call) int32 {
	p, err := vmm.CopyInString(mm.VirtAddr(c.arg(0)), abi.MaxPath)
	if err != nil {
		return abi.Failure
	}

	files := c.task.Files()
	if files == nil {
		return abi.Failure
	}

	fd, err := files.Open(p, int(c.arg(1)))
	return result(int32(fd), err)
}

func sysClose(c *call) int32 {
	files := c.task.Files()
	if files == nil {
		return abi.Failure
	}
	return result(0, files.Close(int(c.arg(0))))
}

func sysSeek(c *call) int32 {
	files := c.task.Files()
	if files == nil {
		return abi.Failure
	}

	offset, err := files.Seek(int(c.arg(0)), int(int32(c.arg(1))), int(c.arg(2)))
	return result(int32(offset), err)
}

func sysChdir(c *call) int32 {
	p, err := vmm.CopyInString(mm.VirtAddr(c.arg(0)), abi.MaxPath)
	if err != nil {
		return abi.Failure
	}

	files := c.task.Files()
	if files == nil {
		return abi.Failure
	}
	return result(0, files.Chdir(p))
}

// copyInArgv reads a NULL terminated array of string pointers from user
// memory. A zero address yields a nil slice. Entries beyond abi.MaxArgs
// are ignored.
func copyInArgv(addr uint32) ([]string, *kernel.Error) {
	if addr == 0 {
		return nil, nil
	}

	var (
		args []string
		ptr  [4]byte
	)
	for i := uint32(0); i < abi.MaxArgs; i++ {
		if err := vmm.CopyIn(ptr[:], mm.VirtAddr(addr+4*i)); err != nil {
			return nil, err
		}

		strAddr := binary.LittleEndian.Uint32(ptr[:])
		if strAddr == 0 {
			return args, nil
		}

		arg, err := vmm.CopyInString(mm.VirtAddr(strAddr), abi.MaxPath)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

// copyInImage reads the path and argv arguments of spawn and exec.
func copyInImage(c *call) (string, []string, *kernel.Error) {
	p, err := vmm.CopyInString(mm.VirtAddr(c.arg(0)), abi.MaxPath)
	if err != nil {
		return "", nil, err
	}

	argv, err := copyInArgv(c.arg(1))
	if err != nil {
		return "", nil, err
	}
	return p, argv, nil
}

func sysSpawn(c *call) int32 {
	p, argv, err := copyInImage(c)
	if err != nil {
		return abi.Failure
	}

	task, err := proc.CreateUserTask(p, argv)
	if err != nil {
		return abi.Failure
	}
	return int32(task.ID())
}

func sysExec(c *call) int32 {
	p, argv, err := copyInImage(c)
	if err != nil {
		return abi.Failure
	}

	next, err := proc.Exec(p, argv)
	if err != nil {
		return abi.Failure
	}

	c.next = next
	return 0
}

// waitResult maps the outcome of a wait to the value returned to user code.
func waitResult(code int32, err *kernel.Error) int32 {
	switch err {
	case nil:
		return code
	case proc.ErrTaskDetached:
		return abi.WaitDetached
	case proc.ErrTaskRunning:
		return abi.WaitRunning
	default:
		return abi.Failure
	}
}

func sysWait(c *call) int32 {
	return waitResult(proc.Wait(proc.ID(c.arg(0))))
}

func sysWaitNB(c *call) int32 {
	return waitResult(proc.WaitNB(proc.ID(c.arg(0))))
}

func sysDetach(c *call) int32 {
	proc.Detach()
	return 0
}

func sysKill(c *call) int32 {
	code := int32(c.arg(1))
	if code == 0 {
		code = abi.KillCode
	}
	return result(0, proc.Kill(proc.ID(c.arg(0)), code))
}

func sysListTasks(c *call) int32 {
	var (
		records = proc.List()
		count   = int(c.arg(1))
		buf     [abi.TaskRecordSize]byte
	)

	if count > len(records) {
		count = len(records)
	}

	for i := 0; i < count; i++ {
		records[i].MarshalTo(buf[:])
		if err := vmm.CopyOut(mm.VirtAddr(c.arg(0)+uint32(i*abi.TaskRecordSize)), buf[:]); err != nil {
			return abi.Failure
		}
	}
	return int32(count)
}

func sysWinCreate(c *call) int32 {
	title, err := vmm.CopyInString(mm.VirtAddr(c.arg(0)), abi.MaxPath)
	if err != nil {
		return abi.Failure
	}

	w, err := window.Create(c.owner(), title, c.arg(1), c.arg(2))
	if err != nil {
		return abi.Failure
	}
	return int32(w.ID())
}

func sysWinDestroy(c *call) int32 {
	w := window.Lookup(c.arg(0))
	if err := window.Destroy(c.owner(), c.arg(0)); err != nil {
		return abi.Failure
	}

	if c.task.Stdout() == w {
		proc.SetStdoutRedirect(nil)
	}
	return 0
}

func sysRedirectStdout(c *call) int32 {
	if c.arg(0) == 0 {
		proc.SetStdoutRedirect(nil)
		return 0
	}

	w := window.Lookup(c.arg(0))
	if w == nil || w.Owner() != c.owner() {
		return abi.Failure
	}

	proc.SetStdoutRedirect(w)
	return 0
}

func sysSockOpen(c *call) int32 {
	port := c.arg(0)
	if port > 0xffff {
		return abi.Failure
	}

	s, err := net.Open(c.owner(), uint16(port))
	if err != nil {
		return abi.Failure
	}
	return int32(s.ID())
}

func sysSockClose(c *call) int32 {
	return result(0, net.Close(c.owner(), c.arg(0)))
}

func sysSetGraphics(c *call) int32 {
	return result(0, window.SetGraphics(c.owner(), c.arg(0) != 0))
}
