package hal

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"ringos/device"
	"ringos/device/tty"
	"ringos/kernel"
	"ringos/kernel/fs"
	"ringos/kernel/irq"
	"ringos/kernel/kfmt"
)

type failingDriver struct{}

func (failingDriver) DriverName() string {
	return "broken"
}

func (failingDriver) DriverVersion() (uint16, uint16, uint16) {
	return 1, 2, 3
}

func (failingDriver) DriverInit(io.Writer) *kernel.Error {
	return &kernel.Error{Module: "test", Message: "no device"}
}

func TestProbe(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		fs.SetConsole(nil)
		irq.Reset()
		devices = managedDevices{}
	}()

	var (
		log, consOut bytes.Buffer
		cons         = tty.NewConsole(&consOut)
	)
	kfmt.SetOutputSink(&log)

	probe(device.DriverInfoList{
		{Probe: func() device.Driver { return nil }},
		{Probe: func() device.Driver { return failingDriver{} }},
		{Probe: func() device.Driver { return cons }},
		{Probe: func() device.Driver { return tty.NewConsole(io.Discard) }},
	})

	expLog := "[hal] broken(1.2.3): init failed: no device\n" +
		"[hal] console(0.1.0): keyboard on IRQ1 initialized\n"
	if got := log.String(); got != expLog {
		t.Fatalf("expected log output:\n%q\ngot:\n%q", expLog, got)
	}

	if ActiveConsole() != cons {
		t.Fatal("expected the first console to become the active console")
	}

	if exp, got := 2, len(ActiveDrivers()); got != exp {
		t.Fatalf("expected %d active drivers; got %d", exp, got)
	}

	out := consOut.String()
	if !strings.Contains(out, "[hal] console(0.1.0): keyboard on IRQ1 initialized\n") {
		t.Fatalf("expected output of drivers probed after the console to reach it; got %q", out)
	}

	table := fs.NewTable("/")
	if _, err := table.Write(1, []byte("via fd")); err != nil {
		t.Fatal(err)
	}

	if !strings.HasSuffix(consOut.String(), "via fd") {
		t.Fatal("expected descriptor 1 to be bound to the active console")
	}
}
