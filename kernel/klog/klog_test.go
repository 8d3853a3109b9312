package klog

import (
	"bytes"
	"strings"
	"testing"

	"ringos/kernel/kfmt"

	log "github.com/sirupsen/logrus"
)

func TestForWritesToConsoleSink(t *testing.T) {
	defer func(origLevel log.Level) {
		kfmt.SetOutputSink(nil)
		Logger.SetLevel(origLevel)
	}(Logger.GetLevel())

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	buf.Reset()

	For("proc").WithField("pid", 3).Info("task created")

	out := buf.String()
	for _, exp := range []string{"module=proc", "pid=3", `msg="task created"`} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected log output %q to contain %q", out, exp)
		}
	}
}

func TestSetLevel(t *testing.T) {
	defer func(origLevel log.Level) {
		Logger.SetLevel(origLevel)
	}(Logger.GetLevel())

	if !SetLevel("debug") {
		t.Fatal("expected debug to be accepted")
	}

	if got := Logger.GetLevel(); got != log.DebugLevel {
		t.Fatalf("expected level debug; got %v", got)
	}

	if SetLevel("chatty") {
		t.Fatal("expected unknown level to be rejected")
	}

	if got := Logger.GetLevel(); got != log.DebugLevel {
		t.Fatalf("expected level to remain debug; got %v", got)
	}
}
