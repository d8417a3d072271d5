// Package initramfs builds the CPIO archive a kernel build ships as its
// initramfs module, from a YAML manifest naming which host files land at
// which archive paths.
package initramfs

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"arctan/internal/cpio"
)

// FileEntry names one regular file to copy into the archive.
type FileEntry struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Mode   uint32 `yaml:"mode"`
}

// DirEntry names one empty directory to create in the archive.
type DirEntry struct {
	Target string `yaml:"target"`
	Mode   uint32 `yaml:"mode"`
}

// Manifest is the decoded form of an initramfs build manifest.
type Manifest struct {
	Dirs  []DirEntry  `yaml:"dirs"`
	Files []FileEntry `yaml:"files"`
}

// LoadManifest decodes a YAML manifest from r.
func LoadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("initramfs: decoding manifest: %w", err)
	}
	for i, f := range m.Files {
		if f.Target == "" {
			return nil, fmt.Errorf("initramfs: files[%d] has no target", i)
		}
		if f.Mode == 0 {
			m.Files[i].Mode = 0o644
		}
	}
	for i, d := range m.Dirs {
		if d.Target == "" {
			return nil, fmt.Errorf("initramfs: dirs[%d] has no target", i)
		}
		if d.Mode == 0 {
			m.Dirs[i].Mode = 0o755
		}
	}
	return &m, nil
}

// EntryCount is the number of archive entries Build will produce, used to
// size a progress indicator before Build starts reading file contents.
func (m *Manifest) EntryCount() int { return len(m.Dirs) + len(m.Files) }

// ReadFileFn reads the full contents of a source path; it is a parameter so
// tests can build manifests against an in-memory fixture instead of the
// real filesystem.
type ReadFileFn func(path string) ([]byte, error)

// Build assembles the archive described by m, calling onEntry once per
// archive entry written (after it has been written) so a caller can drive a
// progress indicator.
func (m *Manifest) Build(readFile ReadFileFn, onEntry func()) ([]byte, error) {
	w := cpio.NewWriter()
	for _, d := range m.Dirs {
		if err := w.WriteDir(trimLeadingSlash(d.Target), d.Mode); err != nil {
			return nil, fmt.Errorf("initramfs: dir %s: %w", d.Target, err)
		}
		if onEntry != nil {
			onEntry()
		}
	}
	for _, f := range m.Files {
		data, err := readFile(f.Source)
		if err != nil {
			return nil, fmt.Errorf("initramfs: reading %s: %w", f.Source, err)
		}
		if err := w.WriteFile(trimLeadingSlash(f.Target), f.Mode, data); err != nil {
			return nil, fmt.Errorf("initramfs: file %s: %w", f.Target, err)
		}
		if onEntry != nil {
			onEntry()
		}
	}
	return w.Close()
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}

// OSReadFile is the real ReadFileFn used by cmd/mkinitramfs.
func OSReadFile(path string) ([]byte, error) { return os.ReadFile(path) }
