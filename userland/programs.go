// Package userland contains the ring 3 programs shipped with the system: an
// init process, a command shell and a handful of utilities. The programs
// only talk to the kernel through system calls.
package userland

import (
	"path"
	"sort"
	"strings"

	"ringos/kernel/abi"
	"ringos/kernel/fs"
	"ringos/kernel/usermode"
	"ringos/multiboot"
	"ringos/tools/elfbuild"
)

// BinDir is the directory the programs are installed to.
const BinDir = "/bin"

var programs = map[string]usermode.Program{
	"init":  initMain,
	"sh":    shMain,
	"echo":  echoMain,
	"cat":   catMain,
	"write": writeMain,
	"ps":    psMain,
	"kill":  killMain,
	"spin":  spinMain,
	"term":  termMain,
}

// Register adds the programs to the usermode registry.
func Register() {
	for name, prog := range programs {
		usermode.Register(name, prog)
	}
}

// Modules returns a boot module with the executable of each program.
func Modules() []multiboot.Module {
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)

	mods := make([]multiboot.Module, 0, len(names))
	for _, name := range names {
		mods = append(mods, multiboot.Module{
			Name: path.Join(BinDir, name),
			Data: elfbuild.Program(name, 0),
		})
	}
	return mods
}

// initMain keeps a shell running until one exits with code 0.
func initMain(t *usermode.Thread) int32 {
	printf(t, "ringos: init started as pid %d\n", t.Syscall(abi.SysGetPID))

	for {
		pid := spawn(t, "/bin/sh", []string{"sh"})
		if pid < 0 {
			t.Print("init: unable to start /bin/sh\n")
			return 1
		}

		code := t.Syscall(abi.SysWait, uint32(pid))
		if code == 0 {
			t.Print("init: shutting down\n")
			return 0
		}
		printf(t, "init: shell exited with %d; restarting\n", code)
	}
}

// resolveCommand maps a command name to an executable path.
func resolveCommand(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	return path.Join(BinDir, name)
}

// shMain reads commands from the console. A trailing & runs the command in
// the background without waiting for it.
func shMain(t *usermode.Thread) int32 {
	in := &lineReader{t: t, fd: stdin}
	for {
		t.Print("$ ")
		line, ok := in.ReadLine()
		if !ok {
			return 0
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}

		background := false
		if last := args[len(args)-1]; last == "&" {
			background, args = true, args[:len(args)-1]
		} else if strings.HasSuffix(last, "&") {
			background, args[len(args)-1] = true, strings.TrimSuffix(last, "&")
		}

		switch args[0] {
		case "exit":
			if len(args) > 1 {
				return atoi(args[1], 1)
			}
			return 0
		case "cd":
			dir := "/"
			if len(args) > 1 {
				dir = args[1]
			}
			if chdir(t, dir) < 0 {
				printf(t, "cd: %s: no such directory\n", dir)
			}
			continue
		case "exec":
			if len(args) < 2 {
				continue
			}
			exec(t, resolveCommand(args[1]), args[1:])
			printf(t, "sh: %s: not found\n", args[1])
			continue
		}

		pid := spawn(t, resolveCommand(args[0]), args)
		if pid < 0 {
			printf(t, "sh: %s: not found\n", args[0])
			continue
		}

		if background {
			printf(t, "[%d]\n", pid)
			continue
		}

		switch code := t.Syscall(abi.SysWait, uint32(pid)); code {
		case 0:
		case abi.WaitDetached:
			printf(t, "[%d] detached\n", pid)
		default:
			printf(t, "[%d] exit %d\n", pid, code)
		}
	}
}

func echoMain(t *usermode.Thread) int32 {
	t.Print(strings.Join(t.Args()[1:], " ") + "\n")
	return 0
}

func catMain(t *usermode.Thread) int32 {
	var status int32
	for _, name := range t.Args()[1:] {
		fd := open(t, name, fs.ORdOnly)
		if fd < 0 {
			printf(t, "cat: %s: no such file\n", name)
			status = 1
			continue
		}

		for {
			data, n := read(t, fd, 512)
			if n <= 0 {
				break
			}
			write(t, stdout, data)
		}
		t.Syscall(abi.SysClose, uint32(fd))
	}
	return status
}

// writeMain replaces the contents of a file with the remaining arguments.
func writeMain(t *usermode.Thread) int32 {
	args := t.Args()
	if len(args) < 2 {
		t.Print("usage: write file [text...]\n")
		return 1
	}

	fd := open(t, args[1], fs.OWrOnly|fs.OCreat|fs.OTrunc)
	if fd < 0 {
		printf(t, "write: %s: cannot open\n", args[1])
		return 1
	}

	write(t, fd, []byte(strings.Join(args[2:], " ")+"\n"))
	t.Syscall(abi.SysClose, uint32(fd))
	return 0
}

var stateNames = [...]string{
	abi.StateReady:      "ready",
	abi.StateRunning:    "running",
	abi.StateBlocked:    "blocked",
	abi.StateTerminated: "zombie",
}

func psMain(t *usermode.Thread) int32 {
	t.Print("  PID  PPID RING STATE      TICKS NAME\n")
	for _, rec := range listTasks(t, 16) {
		state := "?"
		if int(rec.State) < len(stateNames) {
			state = stateNames[rec.State]
		}
		printf(t, "%5d %5d %4d %-10s %5d %s\n", rec.ID, rec.Parent, rec.Ring, state, rec.Runtime, rec.Name)
	}
	return 0
}

func killMain(t *usermode.Thread) int32 {
	args := t.Args()
	if len(args) < 2 {
		t.Print("usage: kill pid [code]\n")
		return 1
	}

	var code int32
	if len(args) > 2 {
		code = atoi(args[2], 0)
	}

	pid := atoi(args[1], -1)
	if pid < 0 || t.Syscall(abi.SysKill, uint32(pid), uint32(code)) < 0 {
		printf(t, "kill: %s: cannot kill task\n", args[1])
		return 1
	}
	return 0
}

// spinMain yields forever. With an argument it detaches first.
func spinMain(t *usermode.Thread) int32 {
	if len(t.Args()) > 1 && t.Args()[1] == "-d" {
		t.Syscall(abi.SysDetach)
	}

	for {
		t.Syscall(abi.SysYield)
	}
}

// termMain runs a command with its output redirected to a new window.
func termMain(t *usermode.Thread) int32 {
	args := t.Args()
	if len(args) < 2 {
		t.Print("usage: term command [args...]\n")
		return 1
	}

	id := withStack(t, func() int32 {
		return t.Syscall(abi.SysWinCreate, t.PushString(args[1]), 80, 25)
	})
	if id < 0 {
		t.Print("term: unable to create window\n")
		return 1
	}

	t.Syscall(abi.SysRedirectStdout, uint32(id))
	pid := spawn(t, resolveCommand(args[1]), args[1:])

	code := int32(1)
	if pid >= 0 {
		code = t.Syscall(abi.SysWait, uint32(pid))
	}

	t.Syscall(abi.SysRedirectStdout, 0)
	t.Syscall(abi.SysWinDestroy, uint32(id))
	printf(t, "term: window %d closed, %s exited with %d\n", id, args[1], code)
	return code
}
