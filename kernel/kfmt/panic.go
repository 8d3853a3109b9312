package kfmt

import "ringos/kernel"

var (
	// haltFn is invoked once the panic banner has been printed. It is
	// mocked by tests; the hosted machine stops by unwinding the calling
	// goroutine.
	haltFn = func(err *kernel.Error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	default:
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn(err)
}
