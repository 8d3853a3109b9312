package main

import (
	"bytes"
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ringos/userland"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mkmodules] error: %s\n", err.Error())
	os.Exit(1)
}

// writeModules stores each userland boot module below dir, keeping its
// install path, and writes a summary of the ELF image to w.
func writeModules(dir string, w io.Writer) error {
	for _, mod := range userland.Modules() {
		f, err := elf.NewFile(bytes.NewReader(mod.Data))
		if err != nil {
			return fmt.Errorf("%s: %w", mod.Name, err)
		}

		var loadable int
		for _, prog := range f.Progs {
			if prog.Type == elf.PT_LOAD {
				loadable++
			}
		}
		fmt.Fprintf(w, "%-12s entry 0x%08x, %d loadable segment(s), %d bytes\n", mod.Name, f.Entry, loadable, len(mod.Data))

		target := filepath.Join(dir, filepath.FromSlash(mod.Name))
		if err = os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err = os.WriteFile(target, mod.Data, 0755); err != nil {
			return err
		}
	}

	return nil
}

func runTool() error {
	output := flag.String("out", "", "the directory to write the boot modules to")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mkmodules: write the userland executables loaded as boot modules\n\n")
		fmt.Fprint(os.Stderr, "Usage: mkmodules -out dir\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *output == "" {
		return errors.New("missing output directory")
	}

	return writeModules(*output, os.Stdout)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
