// Package klog provides structured kernel logging. Records are formatted by
// logrus and written to the kfmt console sink so they interleave with the
// rest of the console output and are captured by the early ring buffer
// during boot.
package klog

import (
	"ringos/kernel/kfmt"

	log "github.com/sirupsen/logrus"
)

// Logger is the kernel-wide logger instance.
var Logger = newLogger()

func newLogger() *log.Logger {
	l := log.New()
	l.Out = kfmt.Sink()
	l.Formatter = &log.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	l.Level = log.InfoLevel
	return l
}

// For returns a log entry tagged with the supplied kernel module name.
func For(module string) *log.Entry {
	return Logger.WithField("module", module)
}

// SetLevel parses a logrus level name (e.g. "debug", "warn") and applies it
// to the kernel logger. Unknown names leave the current level untouched and
// return false.
func SetLevel(name string) bool {
	lvl, err := log.ParseLevel(name)
	if err != nil {
		return false
	}
	Logger.SetLevel(lvl)
	return true
}
