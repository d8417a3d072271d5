package handoff

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unsafe"

	"arctan/boot/bootinfo"
	"arctan/kernel/mem"
	"arctan/kernel/mem/freelist"
	"arctan/kernel/mem/pager"
	"arctan/kernel/mem/pmm"
	"arctan/multiboot"
)

func TestRegionTypeFromMultiboot(t *testing.T) {
	specs := []struct {
		in   multiboot.MemoryEntryType
		want pmm.RegionType
	}{
		{multiboot.MemAvailable, pmm.RegionAvailable},
		{multiboot.MemAcpiReclaimable, pmm.RegionACPIReclaimable},
		{multiboot.MemNvs, pmm.RegionNVS},
		{multiboot.MemReserved, pmm.RegionReserved},
	}
	for _, s := range specs {
		if got := regionTypeFromMultiboot(s.in); got != s.want {
			t.Errorf("regionTypeFromMultiboot(%v) = %v; want %v", s.in, got, s.want)
		}
	}
}

func withCPUID(fn func(uint32) (uint32, uint32, uint32, uint32)) func() {
	prev := cpuidFn
	cpuidFn = fn
	return func() { cpuidFn = prev }
}

func TestCheckCPUFeaturesAcceptsFullSupport(t *testing.T) {
	defer withCPUID(func(leaf uint32) (uint32, uint32, uint32, uint32) {
		if leaf == leafFeatureBits {
			return 0, 0, 0, paeBit
		}
		return 0, 0, 0, lmBit | nxBit | giga1Bit
	})()
	halted := false
	origHalt := haltFn
	haltFn = func() { halted = true }
	defer func() { haltFn = origHalt }()

	h := New(Config{})
	if err := h.CheckCPUFeatures(); err != nil {
		t.Fatalf("CheckCPUFeatures() error: %v", err)
	}
	if halted {
		t.Fatalf("haltFn was called despite full feature support")
	}
	if !h.features.PAE || !h.features.LongMode || !h.features.NXAvailable || !h.features.Giga1Available {
		t.Fatalf("features = %+v; want all true", h.features)
	}
}

func TestCheckCPUFeaturesHaltsWithoutLongMode(t *testing.T) {
	defer withCPUID(func(leaf uint32) (uint32, uint32, uint32, uint32) {
		if leaf == leafFeatureBits {
			return 0, 0, 0, paeBit
		}
		return 0, 0, 0, 0 // no LM, no NX, no 1G
	})()
	halted := false
	origHalt := haltFn
	haltFn = func() { halted = true }
	defer func() { haltFn = origHalt }()

	h := New(Config{})
	err := h.CheckCPUFeatures()
	if err == nil {
		t.Fatalf("CheckCPUFeatures() = nil error; want ErrUnsupportedCPU")
	}
	if !halted {
		t.Fatalf("haltFn was not called despite missing long-mode support")
	}
}

// fakeSlotMemory backs freelist next-pointer writes with a lazily allocated
// 8-byte cell per address (mirrors kernel/mem/pmm's own test helper): enough
// for BuildBootstrapPMM, which never touches page-table memory.
func fakeSlotMemory(t *testing.T) {
	t.Helper()
	cells := make(map[uintptr]*[8]byte)
	resolve := func(addr uintptr) unsafe.Pointer {
		c, ok := cells[addr]
		if !ok {
			c = &[8]byte{}
			cells[addr] = c
		}
		return unsafe.Pointer(c)
	}
	restore := freelist.SetMemoryHook(resolve)
	t.Cleanup(restore)
}

func TestBuildBootstrapPMMExcludesBelowBootstrapEnd(t *testing.T) {
	fakeSlotMemory(t)

	h := New(Config{BootstrapEnd: mem.PhysAddr(0x2000)})
	h.memMap = []pmm.Region{
		{Type: pmm.RegionAvailable, Base: 0, Length: mem.Size(0x4000)},
		{Type: pmm.RegionReserved, Base: 0x4000, Length: mem.Size(0x1000)},
	}

	if err := h.BuildBootstrapPMM(); err != nil {
		t.Fatalf("BuildBootstrapPMM() error: %v", err)
	}
	wantBase := uintptr(mem.PhysToHHDM(mem.PhysAddr(0x2000)))
	if h.bootstrap.Base() != wantBase {
		t.Fatalf("bootstrap.Base() = 0x%x; want 0x%x (bootstrap_end excluded)", h.bootstrap.Base(), wantBase)
	}
	wantCeil := uintptr(mem.PhysToHHDM(mem.PhysAddr(0x4000)))
	if h.bootstrap.Ceil() != wantCeil {
		t.Fatalf("bootstrap.Ceil() = 0x%x; want 0x%x (reserved region excluded)", h.bootstrap.Ceil(), wantCeil)
	}
}

func TestBuildBootstrapPMMNoAvailableMemory(t *testing.T) {
	fakeSlotMemory(t)

	h := New(Config{})
	h.memMap = []pmm.Region{{Type: pmm.RegionReserved, Base: 0, Length: mem.Size(0x1000)}}
	if err := h.BuildBootstrapPMM(); err == nil {
		t.Fatalf("BuildBootstrapPMM() = nil error; want an out-of-memory error")
	}
}

// fakePagedMemory backs both freelist and pager dereferences with a lazily
// allocated page per page-aligned address, and stubs the TLB flush/switch
// functions, which have no Go body in a hosted test process (kernel/cpu
// ships them as extern declarations meant to be backed by assembly).
func fakePagedMemory(t *testing.T) {
	t.Helper()
	pages := make(map[uintptr]*[4096]byte)
	resolve := func(addr uintptr) unsafe.Pointer {
		base := addr &^ (uintptr(mem.PageSize) - 1)
		off := addr - base
		p, ok := pages[base]
		if !ok {
			p = &[4096]byte{}
			pages[base] = p
		}
		return unsafe.Pointer(&p[off])
	}
	restoreFreelist := freelist.SetMemoryHook(resolve)
	restorePager := pager.SetMemoryHook(resolve)
	restoreTLB := pager.SetTLBHook(func(uintptr) {}, func(uintptr) {})
	t.Cleanup(func() {
		restoreFreelist()
		restorePager()
		restoreTLB()
	})
}

// buildMinimalKernelELF assembles a tiny real ELF64 image: one PROGBITS
// section living below the HHDM window.
func buildMinimalKernelELF(t *testing.T, entry uint64, secAddr uint64, payload []byte) []byte {
	t.Helper()
	const ehdrSize, shdrSize = 64, 64
	shOff := uint64(ehdrSize)

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	hdr := struct {
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint64
		PhOff     uint64
		ShOff     uint64
		Flags     uint32
		EhSize    uint16
		PhEntSize uint16
		PhNum     uint16
		ShEntSize uint16
		ShNum     uint16
		ShStrNdx  uint16
	}{
		Type: 2, Machine: 0x3e, Version: 1,
		Entry: entry, ShOff: shOff,
		EhSize: ehdrSize, ShEntSize: shdrSize, ShNum: 1,
	}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatalf("encoding header: %v", err)
	}

	sh := struct {
		Name      uint32
		Type      uint32
		Flags     uint64
		Addr      uint64
		Offset    uint64
		Size      uint64
		Link      uint32
		Info      uint32
		AddrAlign uint64
		EntSize   uint64
	}{Type: 1 /* SHT_PROGBITS */, Addr: secAddr, Offset: shOff + shdrSize, Size: uint64(len(payload))}
	if err := binary.Write(&buf, binary.LittleEndian, sh); err != nil {
		t.Fatalf("encoding section header: %v", err)
	}
	buf.Write(payload)
	return buf.Bytes()
}

func TestRunEndToEnd(t *testing.T) {
	fakePagedMemory(t)
	defer withCPUID(func(leaf uint32) (uint32, uint32, uint32, uint32) {
		if leaf == leafFeatureBits {
			return 0, 0, 0, paeBit
		}
		return 0, 0, 0, lmBit | nxBit
	})()

	var jumpedEntry, jumpedMeta uintptr
	origJump := jumpToKernelFn
	jumpToKernelFn = func(entry, metaPhys uintptr) { jumpedEntry, jumpedMeta = entry, metaPhys }
	defer func() { jumpToKernelFn = origJump }()

	const entryAddr = 0x300000
	elfImage := buildMinimalKernelELF(t, entryAddr, entryAddr, []byte("kernel-payload"))

	h := New(Config{
		BootstrapEnd:  mem.PhysAddr(0x10000),
		KernelELF:     elfImage,
		KernelELFBase: mem.PhysAddr(0x500000),
		InitramfsBase: mem.PhysAddr(0x600000),
		InitramfsLen:  4096,
		ProtocolTag:   0x010203,
	})
	h.memMap = []pmm.Region{
		{Type: pmm.RegionAvailable, Base: 0, Length: mem.Size(0x400000)},
	}

	meta, err := h.Run(0xdeadbeef, mem.PhysAddr(0x700000), mem.PhysAddr(0x3fffff))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if meta.ProtocolTag != 0x010203 {
		t.Fatalf("meta.ProtocolTag = %#x; want 0x010203", meta.ProtocolTag)
	}
	if meta.KernelELFLen != uint32(len(elfImage)) {
		t.Fatalf("meta.KernelELFLen = %d; want %d", meta.KernelELFLen, len(elfImage))
	}
	if jumpedEntry != uintptr(entryAddr) {
		t.Fatalf("jumpToKernelFn entry = 0x%x; want 0x%x", jumpedEntry, entryAddr)
	}
	if jumpedMeta == 0 {
		t.Fatalf("jumpToKernelFn boot-meta physical address = 0; want non-zero scratch frame")
	}
}

func TestSetMemoryMapSeedsRegionsDirectly(t *testing.T) {
	h := New(Config{})
	regions := []pmm.Region{{Type: pmm.RegionAvailable, Base: 0, Length: mem.Size(0x1000)}}
	h.SetMemoryMap(regions)
	if len(h.memMap) != 1 || h.memMap[0] != regions[0] {
		t.Fatalf("memMap = %+v; want %+v", h.memMap, regions)
	}
}

func TestSetCPUIDHookInstallsOverride(t *testing.T) {
	prev := cpuidFn
	defer func() { cpuidFn = prev }()
	restore := SetCPUIDHook(func(uint32) (uint32, uint32, uint32, uint32) { return 1, 2, 3, 4 })
	defer restore()
	if a, b, c, d := cpuidFn(0); a != 1 || b != 2 || c != 3 || d != 4 {
		t.Fatalf("cpuidFn override not installed: got %d %d %d %d", a, b, c, d)
	}
}

func TestSetHaltHookInstallsOverride(t *testing.T) {
	called := false
	restore := SetHaltHook(func() { called = true })
	haltFn()
	if !called {
		t.Fatal("SetHaltHook override was not installed")
	}
	restore()
}

func TestJumpFailsWithoutLoadedKernel(t *testing.T) {
	fakePagedMemory(t)

	h := New(Config{BootstrapEnd: mem.PhysAddr(0x10000)})
	h.memMap = []pmm.Region{{Type: pmm.RegionAvailable, Base: 0, Length: mem.Size(0x100000)}}
	if err := h.BuildBootstrapPMM(); err != nil {
		t.Fatalf("BuildBootstrapPMM() error: %v", err)
	}

	if err := h.Jump(&bootinfo.BootMeta{}); err != ErrMissingKernelEntry {
		t.Fatalf("Jump() without LoadKernel = %v; want ErrMissingKernelEntry", err)
	}
}
