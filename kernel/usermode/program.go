// Package usermode executes ring 3 code. Executable images carry a trap
// instruction at their entry point that names a program registered with
// this package; the program then runs with user privileges and can only
// reach memory through the MMU and the kernel through system calls.
package usermode

import (
	"sort"
	"sync"
)

// Program is the body of a ring 3 executable. Its return value is passed
// to the exit system call.
type Program func(t *Thread) int32

const (
	// trapOpcode is the first byte of the hosted entry instruction. It is
	// the ICEBP opcode, which has no other use in user code.
	trapOpcode = byte(0xf1)

	// maxProgramName is the longest program name that can be encoded.
	maxProgramName = 255
)

// trapSignature follows the trap opcode.
var trapSignature = [3]byte{'R', 'O', 'S'}

var (
	programsMu sync.RWMutex
	programs   = map[string]Program{}
)

// Register adds a program to the registry, replacing any program with the
// same name.
func Register(name string, prog Program) {
	programsMu.Lock()
	programs[name] = prog
	programsMu.Unlock()
}

// Unregister removes a program from the registry.
func Unregister(name string) {
	programsMu.Lock()
	delete(programs, name)
	programsMu.Unlock()
}

// Lookup returns the program registered under name.
func Lookup(name string) (Program, bool) {
	programsMu.RLock()
	prog, ok := programs[name]
	programsMu.RUnlock()
	return prog, ok
}

// Programs returns the sorted names of all registered programs.
func Programs() []string {
	programsMu.RLock()
	defer programsMu.RUnlock()

	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodeEntry returns the entry instruction that starts the named program.
// Names longer than 255 bytes are truncated.
func EncodeEntry(name string) []byte {
	if len(name) > maxProgramName {
		name = name[:maxProgramName]
	}

	code := make([]byte, 0, 5+len(name))
	code = append(code, trapOpcode)
	code = append(code, trapSignature[:]...)
	code = append(code, byte(len(name)))
	return append(code, name...)
}
