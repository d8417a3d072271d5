// Command elfcheck loads a kernel ELF image through the same loader
// boot/handoff drives (kernel/elf), backed by host memory instead of real
// page tables, and disassembles the bytes that land at the entry point —
// a sanity check that the loader placed real code, not a zero page.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"arctan/internal/elfcheck"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "elfcheck: error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	count := flag.Int("n", elfcheck.DefaultInstructionCount, "number of instructions to disassemble at the entry point")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "elfcheck: load a kernel ELF and disassemble its entry point\n\n")
		fmt.Fprint(os.Stderr, "Usage: elfcheck [-n count] kernel.elf\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		return errors.New("missing kernel ELF path argument")
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("reading %s: %w", flag.Arg(0), err)
	}

	entry, code, err := elfcheck.LoadAndRead(data, *count*16)
	if err != nil {
		return fmt.Errorf("loading %s: %w", flag.Arg(0), err)
	}

	results, err := elfcheck.Disassemble(code, *count)
	if err != nil {
		return fmt.Errorf("disassembling entry point: %w", err)
	}

	fmt.Fprintf(os.Stderr, "elfcheck: entry point %#x, %d bytes installed, %d instructions decoded\n", entry, len(code), len(results))
	if err := elfcheck.WriteResults(os.Stdout, uint64(entry), results); err != nil {
		return err
	}

	if !elfcheck.LooksLikeCode(code, results) {
		return fmt.Errorf("entry point %#x looks like a zero page, not code", entry)
	}
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
