package irq

import (
	"time"

	"ringos/kernel"
)

// DefaultTimerHz is the preemption frequency used when the boot command
// line does not specify one.
const DefaultTimerHz = 100

var errBadFrequency = &kernel.Error{Module: "pit", Message: "timer frequency out of range"}

// Timer frequency limits supported by the PIT divisor.
const (
	minTimerHz = 19
	maxTimerHz = 1193182
)

// StartTimer programs the interval timer to raise the Timer line hz times per
// second. The returned function stops the timer.
func StartTimer(hz int) (func(), *kernel.Error) {
	if hz < minTimerHz || hz > maxTimerHz {
		return nil, errBadFrequency
	}

	var (
		ticker = time.NewTicker(time.Second / time.Duration(hz))
		done   = make(chan struct{})
	)

	go func() {
		for {
			select {
			case <-ticker.C:
				Raise(Timer)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
