package bootwatch

import (
	"strings"
	"testing"
)

const sampleConfig = `
kernel_elf: build/kernel.elf
initramfs: build/initramfs.cpio
bootstrap_end: 0x100000
protocol_tag: "1.0.0"
memory_map:
  - base: 0
    length: 0x10000000
    type: available
  - base: 0x10000000
    length: 0x1000
    type: reserved
features:
  pae: true
  long_mode: true
  nx: true
  giga1: false
`

func TestLoadConfigParsesSampleConfig(t *testing.T) {
	c, err := LoadConfig(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.KernelELF != "build/kernel.elf" || c.BootstrapEnd != 0x100000 {
		t.Fatalf("config = %+v", c)
	}
	if !c.CPUFeatures.PAE || !c.CPUFeatures.LongMode || !c.CPUFeatures.NX || c.CPUFeatures.Giga1 {
		t.Fatalf("features = %+v", c.CPUFeatures)
	}
}

func TestLoadConfigRejectsMissingKernelELF(t *testing.T) {
	_, err := LoadConfig(strings.NewReader("memory_map:\n  - base: 0\n    length: 1\n    type: available\nfeatures:\n  pae: true\n  long_mode: true\nprotocol_tag: \"1.0.0\"\n"))
	if err == nil {
		t.Fatal("LoadConfig with no kernel_elf = nil error; want one")
	}
}

func TestLoadConfigRejectsBadProtocolTag(t *testing.T) {
	bad := strings.Replace(sampleConfig, `"1.0.0"`, `"not-a-version"`, 1)
	if _, err := LoadConfig(strings.NewReader(bad)); err == nil {
		t.Fatal("LoadConfig with invalid protocol_tag = nil error; want one")
	}
}

func TestLoadConfigRejectsMissingLongMode(t *testing.T) {
	bad := strings.Replace(sampleConfig, "long_mode: true", "long_mode: false", 1)
	if _, err := LoadConfig(strings.NewReader(bad)); err == nil {
		t.Fatal("LoadConfig without long_mode = nil error; want one")
	}
}

func TestConfigRegionsMapsTypes(t *testing.T) {
	c, err := LoadConfig(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	regions, err := c.Regions()
	if err != nil {
		t.Fatalf("Regions: %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("len(regions) = %d; want 2", len(regions))
	}
	if regions[0].Base != 0 || regions[1].Base != 0x10000000 {
		t.Fatalf("regions = %+v", regions)
	}
}

func TestConfigRegionsRejectsUnknownType(t *testing.T) {
	bad := strings.Replace(sampleConfig, "type: reserved", "type: mystery", 1)
	c, err := LoadConfig(strings.NewReader(bad))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if _, err := c.Regions(); err == nil {
		t.Fatal("Regions() with unknown type = nil error; want one")
	}
}

func TestProtocolTagWireRoundTrips(t *testing.T) {
	c, err := LoadConfig(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if tag := c.ProtocolTagWire(); tag == 0 {
		t.Fatal("ProtocolTagWire() = 0; want a nonzero packed tag")
	}
}
