// Package bootwatch re-runs the boot handoff simulation (boot/handoff)
// against a kernel ELF and initramfs image on disk, driven by a YAML
// config describing the target machine's memory map and CPU features, for
// a fast edit/inspect development loop that doesn't require real firmware.
package bootwatch

import (
	"fmt"
	"io"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"arctan/boot/bootinfo"
	"arctan/kernel/mem"
	"arctan/kernel/mem/pmm"
)

// MemRegion is one YAML-authored memory map entry.
type MemRegion struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

// Features declares the target machine's CPU capabilities — a cross build's
// host CPU is generally unrelated to the machine the kernel will actually
// boot on, so this is authored, not probed.
type Features struct {
	PAE      bool `yaml:"pae"`
	LongMode bool `yaml:"long_mode"`
	NX       bool `yaml:"nx"`
	Giga1    bool `yaml:"giga1"`
}

// Config is the decoded form of a bootwatch config file.
type Config struct {
	KernelELF    string      `yaml:"kernel_elf"`
	Initramfs    string      `yaml:"initramfs"`
	BootstrapEnd uint64      `yaml:"bootstrap_end"`
	ProtocolTag  string      `yaml:"protocol_tag"`
	MemoryMap    []MemRegion `yaml:"memory_map"`
	CPUFeatures  Features    `yaml:"features"`
}

// LoadConfig decodes a bootwatch config from r.
func LoadConfig(r io.Reader) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("bootwatch: decoding config: %w", err)
	}
	if c.KernelELF == "" {
		return nil, fmt.Errorf("bootwatch: config has no kernel_elf path")
	}
	if len(c.MemoryMap) == 0 {
		return nil, fmt.Errorf("bootwatch: config declares no memory_map regions")
	}
	if _, err := semver.NewVersion(c.ProtocolTag); err != nil {
		return nil, fmt.Errorf("bootwatch: protocol_tag %q is not a valid version: %w", c.ProtocolTag, err)
	}
	if !c.CPUFeatures.PAE || !c.CPUFeatures.LongMode {
		return nil, fmt.Errorf("bootwatch: config's declared features must include pae and long_mode")
	}
	return &c, nil
}

// Regions converts the config's YAML memory map into pmm.Region values.
func (c *Config) Regions() ([]pmm.Region, error) {
	regions := make([]pmm.Region, 0, len(c.MemoryMap))
	for i, m := range c.MemoryMap {
		typ, err := regionTypeFromName(m.Type)
		if err != nil {
			return nil, fmt.Errorf("bootwatch: memory_map[%d]: %w", i, err)
		}
		regions = append(regions, pmm.Region{
			Type:   typ,
			Base:   mem.PhysAddr(m.Base),
			Length: mem.Size(m.Length),
		})
	}
	return regions, nil
}

func regionTypeFromName(name string) (pmm.RegionType, error) {
	switch name {
	case "available":
		return pmm.RegionAvailable, nil
	case "reserved":
		return pmm.RegionReserved, nil
	case "acpi_reclaimable":
		return pmm.RegionACPIReclaimable, nil
	case "nvs":
		return pmm.RegionNVS, nil
	case "bad_ram":
		return pmm.RegionBadRAM, nil
	case "bootstrap":
		return pmm.RegionBootstrap, nil
	default:
		return 0, fmt.Errorf("unknown region type %q", name)
	}
}

// ProtocolTagWire encodes the config's semver protocol_tag into the packed
// wire form bootinfo.BootMeta carries.
func (c *Config) ProtocolTagWire() uint32 {
	return bootinfo.EncodeProtocolTag(semver.MustParse(c.ProtocolTag))
}
