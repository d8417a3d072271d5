// Command mkinitramfs builds a CPIO newc archive from a YAML manifest,
// producing the initramfs module a boot/handoff.Config.InitramfsBase points
// at.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"

	"arctan/internal/initramfs"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "mkinitramfs: error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	manifestPath := flag.String("manifest", "", "path to the YAML manifest describing archive contents")
	output := flag.String("out", "initramfs.cpio", "path to write the built archive to")
	quiet := flag.Bool("quiet", false, "suppress the progress bar")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mkinitramfs: build a CPIO newc initramfs archive from a YAML manifest\n\n")
		fmt.Fprint(os.Stderr, "Usage: mkinitramfs -manifest manifest.yaml [-out initramfs.cpio]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *manifestPath == "" {
		return errors.New("missing required -manifest flag")
	}

	mf, err := os.Open(*manifestPath)
	if err != nil {
		return fmt.Errorf("opening manifest: %w", err)
	}
	defer mf.Close()

	manifest, err := initramfs.LoadManifest(mf)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	onEntry := func() {}
	if !*quiet {
		bar = progressbar.Default(int64(manifest.EntryCount()), "building initramfs")
		onEntry = func() { bar.Add(1) }
	}

	archive, err := manifest.Build(initramfs.OSReadFile, onEntry)
	if err != nil {
		return err
	}

	if err := os.WriteFile(*output, archive, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", *output, err)
	}
	fmt.Fprintf(os.Stderr, "mkinitramfs: wrote %d bytes, %d entries, to %s\n", len(archive), manifest.EntryCount(), *output)
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
