package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	bytesAfterPrefix int
}

// Write writes len(p) bytes from p to the sink, injecting the configured
// prefix at the start of every line. The injected prefix is not included in
// the number of written bytes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written              int
		startIndex, curIndex int
	)

	if w.bytesAfterPrefix == 0 && len(p) != 0 {
		_, _ = w.Sink.Write(w.Prefix)
	}

	for ; curIndex < len(p); curIndex++ {
		if p[curIndex] != '\n' {
			continue
		}

		n, err := w.Sink.Write(p[startIndex : curIndex+1])
		if curIndex+1 != len(p) {
			_, _ = w.Sink.Write(w.Prefix)
		}
		written += n
		if err != nil {
			return written, err
		}
		w.bytesAfterPrefix = 0
		startIndex = curIndex + 1
	}

	if startIndex < curIndex {
		n, err := w.Sink.Write(p[startIndex:curIndex])
		written += n
		w.bytesAfterPrefix = n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
