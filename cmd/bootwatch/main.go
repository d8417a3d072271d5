// Command bootwatch watches a kernel ELF and initramfs image on disk and
// re-runs the boot handoff simulation (boot/handoff) against them on every
// change, for a fast edit/inspect loop during kernel development.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"arctan/internal/bootwatch"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "bootwatch: error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	configPath := flag.String("config", "bootwatch.yaml", "path to the bootwatch YAML config")
	once := flag.Bool("once", false, "run the simulation once and exit instead of watching")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "bootwatch: re-run the boot handoff simulation on kernel/initramfs changes\n\n")
		fmt.Fprint(os.Stderr, "Usage: bootwatch [-config bootwatch.yaml] [-once]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 0 {
		return errors.New("bootwatch takes no positional arguments")
	}

	f, err := os.Open(*configPath)
	if err != nil {
		return fmt.Errorf("opening config: %w", err)
	}
	cfg, err := bootwatch.LoadConfig(f)
	f.Close()
	if err != nil {
		return err
	}

	report := func(r bootwatch.Result) {
		fmt.Fprintf(os.Stderr, "bootwatch: %s\n", bootwatch.Summary(r))
	}

	if *once {
		r := bootwatch.Run(cfg)
		report(r)
		if !r.OK {
			return fmt.Errorf("simulation failed at %s", r.FailedStage)
		}
		return nil
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		close(stop)
	}()

	fmt.Fprintf(os.Stderr, "bootwatch: watching %s", cfg.KernelELF)
	if cfg.Initramfs != "" {
		fmt.Fprintf(os.Stderr, " and %s", cfg.Initramfs)
	}
	fmt.Fprint(os.Stderr, "\n")

	return bootwatch.Watch(cfg, report, stop)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
