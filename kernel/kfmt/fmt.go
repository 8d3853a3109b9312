// Package kfmt provides the kernel console output path. Output written before
// a console device is attached is captured by an early ring buffer and
// replayed once SetOutputSink is called.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before the
	// console device is attached.
	earlyPrintBuffer RingBuffer

	// outputSink is an io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Sink returns an io.Writer that forwards writes to whatever output sink is
// active at the time of the write.
func Sink() io.Writer {
	return sinkWriter{}
}

type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	return doWrite(outputSink, p)
}

// Printf formats according to a format specifier and writes to the active
// console. The output is buffered in a ring buffer until a console is
// attached.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early ring buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = &earlyPrintBuffer
	}
	_, _ = fmt.Fprintf(w, format, args...)
}

func doWrite(w io.Writer, p []byte) (int, error) {
	if w == nil {
		return earlyPrintBuffer.Write(p)
	}
	return w.Write(p)
}
