// Package handoff drives the bootstrapper-to-kernel transition (spec.md
// §4.5, C5): parse the firmware's memory map, gate on the CPU features the
// rest of the system depends on, stand up a throwaway bootstrapper-owned
// physical allocator, build the initial page tables (identity map plus the
// HHDM window), load the kernel's own ELF image, populate the boot-meta
// record, and jump.
//
// Each stage is its own method so tests can drive and inspect it in
// isolation instead of only observing the end-to-end Run result, the same
// staging kernel/mem/vmm.Init uses for setupPDTForKernel/reserveZeroedFrame.
package handoff

import (
	"bytes"
	"unsafe"

	"arctan/boot/bootinfo"
	"arctan/kernel"
	"arctan/kernel/cpu"
	"arctan/kernel/elf"
	"arctan/kernel/kfmt"
	"arctan/kernel/mem"
	"arctan/kernel/mem/freelist"
	"arctan/kernel/mem/pager"
	"arctan/kernel/mem/pmm"
	"arctan/multiboot"
)

// identityMapBytes is the size of the low identity mapping the bootstrapper
// needs before it can reach its own code/data by physical address alone
// (spec.md §4.5 stage 4): the first 4 MiB, mapped 1:1.
const identityMapBytes = 4 << 20

const (
	leafFeatureBits    = 1
	leafExtFeatureBits = 0x80000001

	paeBit   = 1 << 6  // CPUID.01H:EDX
	lmBit    = 1 << 29 // CPUID.80000001H:EDX
	nxBit    = 1 << 20 // CPUID.80000001H:EDX
	giga1Bit = 1 << 26 // CPUID.80000001H:EDX
)

var (
	// ErrMissingKernelEntry is returned if Run reaches the jump stage
	// without a loaded kernel entry point.
	ErrMissingKernelEntry = &kernel.Error{Module: "handoff", Kind: kernel.ErrInvalidArgument, Message: "handoff: no kernel entry point; LoadKernel was not called or failed"}
)

// the following vars are mocked by tests; see kernel/mem/pager and
// kernel/mem/freelist for the same pattern applied to memory dereferencing.
var (
	cpuidFn        = cpu.ID
	haltFn         = cpu.Halt
	jumpToKernelFn = cpu.JumpToKernel
)

// SetCPUIDHook overrides the CPUID query function (normally cpu.ID),
// returning a function that restores the previous one. cpu.ID has no Go
// body (see the package-level note in kernel/cpu); cmd/bootwatch, which
// drives a real *Handoff from a different package against a config-declared
// target feature set rather than the host's own CPUID, uses this the same
// way this package's own tests do.
func SetCPUIDHook(fn func(leaf uint32) (uint32, uint32, uint32, uint32)) (restore func()) {
	prev := cpuidFn
	cpuidFn = fn
	return func() { cpuidFn = prev }
}

// SetHaltHook overrides the CPU-halt function (normally cpu.Halt), for the
// same reason SetCPUIDHook exists: cpu.Halt has no Go body, and a caller
// driving Handoff outside of real firmware (cmd/bootwatch) must not reach
// it.
func SetHaltHook(fn func()) (restore func()) {
	prev := haltFn
	haltFn = fn
	return func() { haltFn = prev }
}

// Features records the subset of CPU capabilities the rest of the memory
// subsystem depends on (spec.md §4.5 stage 2).
type Features struct {
	PAE            bool
	LongMode       bool
	NXAvailable    bool
	Giga1Available bool
}

// detectFeatures queries CPUID leaves 1 and 0x80000001 directly.
func detectFeatures() Features {
	_, _, _, edx1 := cpuidFn(leafFeatureBits)
	_, _, _, edxExt := cpuidFn(leafExtFeatureBits)
	return Features{
		PAE:            edx1&paeBit != 0,
		LongMode:       edxExt&lmBit != 0,
		NXAvailable:    edxExt&nxBit != 0,
		Giga1Available: edxExt&giga1Bit != 0,
	}
}

// Config parameterizes one handoff run. MultibootInfoPtr, KernelELF,
// InitramfsBase/Len and ProtocolTag are supplied by the bootstrapper's own
// entry stub; BootstrapEnd is the linker-provided physical address past the
// bootstrapper's own loaded image (frames below it are never handed out).
type Config struct {
	MultibootInfoPtr uintptr
	BootstrapEnd     mem.PhysAddr
	KernelELF        []byte
	KernelELFBase    mem.PhysAddr
	InitramfsBase    mem.PhysAddr
	InitramfsLen     uint32
	ProtocolTag      uint32
}

// Handoff carries state across the stages of one boot.
type Handoff struct {
	cfg Config

	features Features
	memMap   []pmm.Region

	bootstrap *freelist.Freelist
	pager     *pager.Pager

	kernelEntry mem.VirtAddr
}

// New returns a Handoff ready to run cfg's stages in order.
func New(cfg Config) *Handoff {
	return &Handoff{cfg: cfg}
}

// ParseFirmwareInfo walks the multiboot tag list and records every memory
// region it describes (spec.md §4.5 stage 1).
func (h *Handoff) ParseFirmwareInfo() *kernel.Error {
	multiboot.SetInfoPtr(h.cfg.MultibootInfoPtr)

	var regions []pmm.Region
	multiboot.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		regions = append(regions, pmm.Region{
			Type:   regionTypeFromMultiboot(e.Type),
			Base:   mem.PhysAddr(e.PhysAddress),
			Length: mem.Size(e.Length),
		})
		return true
	})
	h.memMap = regions
	h.printMemoryMap()
	return nil
}

// SetMemoryMap seeds h's memory map directly, bypassing ParseFirmwareInfo —
// for callers with no real multiboot info pointer to walk (cmd/bootwatch's
// dev-loop simulation, driven from a YAML-declared memory map instead of
// live firmware).
func (h *Handoff) SetMemoryMap(regions []pmm.Region) {
	h.memMap = regions
	h.printMemoryMap()
}

// printMemoryMap logs every region handoff learned about and the total
// AVAILABLE byte count, the same shape as the teacher's
// bootMemAllocator.printMemoryMap.
func (h *Handoff) printMemoryMap() {
	kfmt.Printf("[handoff] system memory map:\n")
	var totalFree mem.Size
	for _, region := range h.memMap {
		kfmt.Printf("\t[0x%16x - 0x%16x], size: %16d, type: %d\n",
			uint64(region.Base), uint64(region.Base)+uint64(region.Length), uint64(region.Length), uint32(region.Type))
		if region.Type == pmm.RegionAvailable {
			totalFree += region.Length
		}
	}
	kfmt.Printf("[handoff] available memory: %dKb\n", uint64(totalFree)/1024)
}

// regionTypeFromMultiboot maps the firmware's own enumeration onto the
// Arctan memory map's (spec.md §6's wire values, reused directly by
// kernel/mem/pmm.RegionType).
func regionTypeFromMultiboot(t multiboot.MemoryEntryType) pmm.RegionType {
	switch t {
	case multiboot.MemAvailable:
		return pmm.RegionAvailable
	case multiboot.MemAcpiReclaimable:
		return pmm.RegionACPIReclaimable
	case multiboot.MemNvs:
		return pmm.RegionNVS
	default:
		return pmm.RegionReserved
	}
}

// CheckCPUFeatures queries CPUID and hard-fails (halting, via haltFn) if PAE
// or long mode is absent — this kernel's paging and handoff protocol cannot
// run without either (spec.md §4.5 stage 2). NX and 1 GiB pages are
// recorded but not required.
func (h *Handoff) CheckCPUFeatures() *kernel.Error {
	h.features = detectFeatures()
	kfmt.Printf("[handoff] cpu features: pae=%t long_mode=%t nx=%t giga1=%t\n",
		h.features.PAE, h.features.LongMode, h.features.NXAvailable, h.features.Giga1Available)
	if !h.features.PAE || !h.features.LongMode {
		haltFn()
		return &kernel.Error{Module: "handoff", Kind: kernel.ErrUnsupportedCPU, Message: "handoff: CPU lacks PAE or long-mode support"}
	}
	return nil
}

// BuildBootstrapPMM threads every AVAILABLE region above cfg.BootstrapEnd
// into a single HHDM-addressed freelist of 4 KiB slots (spec.md §4.5 stage
// 3): a throwaway allocator that exists only to get the kernel loaded and
// the initial page tables built, and whose remaining chain is handed to the
// kernel as bootinfo.SerializedFreelistHeader for re-adoption by
// kernel/mem/pmm.Init.
func (h *Handoff) BuildBootstrapPMM() *kernel.Error {
	var list *freelist.Freelist
	for _, region := range h.memMap {
		if region.Type != pmm.RegionAvailable {
			continue
		}
		base := alignUp(region.Base)
		ceil := alignDown(region.Base + mem.PhysAddr(region.Length))
		if base < h.cfg.BootstrapEnd {
			base = alignUp(h.cfg.BootstrapEnd)
		}
		if base >= ceil {
			continue
		}

		fl := freelist.New(uintptr(mem.PhysToHHDM(base)), uintptr(mem.PhysToHHDM(ceil)), uintptr(mem.PageSize))
		if list == nil {
			list = fl
		} else {
			list.Link(fl)
		}
	}
	if list == nil {
		return &kernel.Error{Module: "handoff", Kind: kernel.ErrOutOfMemory, Message: "handoff: no AVAILABLE memory above bootstrap_end"}
	}
	h.bootstrap = list
	kfmt.Printf("[handoff] bootstrap freelist base: 0x%16x\n", uint64(list.Base()))
	return nil
}

func alignUp(p mem.PhysAddr) mem.PhysAddr {
	mask := mem.PhysAddr(mem.PageSize - 1)
	return (p + mask) &^ mask
}

func alignDown(p mem.PhysAddr) mem.PhysAddr {
	mask := mem.PhysAddr(mem.PageSize - 1)
	return p &^ mask
}

// allocFrame adapts h.bootstrap to pager.FrameAllocFn / elf.FrameAllocFn.
func (h *Handoff) allocFrame() (mem.VirtAddr, *kernel.Error) {
	addr, err := h.bootstrap.Alloc()
	if err != nil {
		return 0, &kernel.Error{Module: "handoff", Kind: kernel.ErrOutOfMemory, Message: "handoff: bootstrap allocator exhausted"}
	}
	return mem.VirtAddr(addr), nil
}

// BuildInitialPaging allocates a fresh PML4 and maps the first 4 MiB
// identity (1:1, RW, executable — the bootstrapper's own code still runs
// from its physical load address until the final jump) plus the HHDM window
// over every AVAILABLE region (RW, no-exec, 4 KiB — spec.md §4.5 stage 4,
// §4.7 C7).
func (h *Handoff) BuildInitialPaging() *kernel.Error {
	rootVirt, err := h.allocFrame()
	if err != nil {
		return err
	}
	root := mem.HHDMToPhys(rootVirt)

	p := pager.New(root, h.allocFrame, nil, h.features.NXAvailable, h.features.Giga1Available)

	for addr := mem.PhysAddr(0); addr < identityMapBytes; addr += mem.PhysAddr(mem.PageSize) {
		attrs := pager.Attrs{Writable: true}
		if err := p.Map(mem.VirtAddr(addr), addr, mem.PageSize, attrs, pager.Force4K); err != nil {
			return err
		}
	}

	for _, region := range h.memMap {
		if region.Type != pmm.RegionAvailable {
			continue
		}
		base := alignUp(region.Base)
		ceil := alignDown(region.Base + mem.PhysAddr(region.Length))
		for addr := base; addr < ceil; addr += mem.PhysAddr(mem.PageSize) {
			virt := mem.PhysToHHDM(addr)
			attrs := pager.Attrs{Writable: true, NoExec: h.features.NXAvailable}
			if err := p.Map(virt, addr, mem.PageSize, attrs, pager.Force4K); err != nil {
				return err
			}
		}
	}

	h.pager = p
	return nil
}

// LoadKernel parses cfg.KernelELF and installs its loadable sections through
// h.pager (spec.md §4.5 stage 5, C6).
func (h *Handoff) LoadKernel() *kernel.Error {
	img, err := elf.Parse(h.cfg.KernelELF)
	if err != nil {
		return err
	}
	entry, err := elf.Install(h.pager, h.allocFrame, img)
	if err != nil {
		return err
	}
	h.kernelEntry = entry
	return nil
}

// BuildBootMeta assembles the boot-meta record handed to the kernel (spec.md
// §4.5 stage 6, §6). The freelist header and memory map pointer describe
// the bootstrapper's remaining allocator state, physically addressed, for
// re-adoption by kernel/mem/pmm.Init.
func (h *Handoff) BuildBootMeta(firmwareInfo uint64, arctanMemMapPtr mem.PhysAddr, highestAddr mem.PhysAddr) *bootinfo.BootMeta {
	return &bootinfo.BootMeta{
		ProtocolTag:        h.cfg.ProtocolTag,
		FirmwareInfo:       firmwareInfo,
		PMMHead:            uint64(mem.HHDMToPhys(mem.VirtAddr(h.bootstrap.Base()))),
		HighestAddr:        uint64(highestAddr),
		KernelELFBase:      uint64(h.cfg.KernelELFBase),
		KernelELFLen:       uint32(len(h.cfg.KernelELF)),
		InitramfsBase:      uint64(h.cfg.InitramfsBase),
		InitramfsLen:       h.cfg.InitramfsLen,
		HHDMBase:           uint64(mem.HHDMBase),
		ArctanMemMapPtr:    uint64(arctanMemMapPtr),
		MemMapEntryCount:   int32(len(h.memMap)),
		RSDPAddr:           uint64(multiboot.GetRSDPAddr()),
		PagingFeatureFlags: h.featureFlags(),
	}
}

func (h *Handoff) featureFlags() uint32 {
	var flags uint32
	if h.features.NXAvailable {
		flags |= bootinfo.FlagNXAvailable
	}
	if h.features.Giga1Available {
		flags |= bootinfo.FlagGiga1Available
	}
	return flags
}

// Jump writes meta into a scratch frame and transfers control to the loaded
// kernel's entry point (spec.md §4.5 stage 7). It never returns on real
// hardware; jumpToKernelFn is overridden in tests to observe the call
// instead.
func (h *Handoff) Jump(meta *bootinfo.BootMeta) *kernel.Error {
	if h.kernelEntry == 0 {
		return ErrMissingKernelEntry
	}

	metaVirt, err := h.allocFrame()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if encErr := meta.Encode(&buf); encErr != nil {
		return &kernel.Error{Module: "handoff", Kind: kernel.ErrInvalidArgument, Message: "handoff: encoding boot-meta: " + encErr.Error()}
	}
	dst := unsafeByteSliceAt(uintptr(metaVirt), buf.Len())
	copy(dst, buf.Bytes())

	jumpToKernelFn(uintptr(h.kernelEntry), uintptr(mem.HHDMToPhys(metaVirt)))
	return nil
}

// unsafeByteSliceAt views n bytes starting at the HHDM-dereferenceable
// address addr as a Go byte slice, for writing the encoded boot-meta record
// into its scratch frame.
func unsafeByteSliceAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n) //nolint:govet
}

// Run executes every stage in order and returns the populated boot-meta
// record.
func (h *Handoff) Run(firmwareInfo uint64, arctanMemMapPtr mem.PhysAddr, highestAddr mem.PhysAddr) (*bootinfo.BootMeta, *kernel.Error) {
	kfmt.Printf("[handoff] parsing firmware memory map\n")
	if err := h.ParseFirmwareInfo(); err != nil {
		return nil, err
	}
	kfmt.Printf("[handoff] checking cpu features\n")
	if err := h.CheckCPUFeatures(); err != nil {
		return nil, err
	}
	kfmt.Printf("[handoff] building bootstrap allocator\n")
	if err := h.BuildBootstrapPMM(); err != nil {
		return nil, err
	}
	kfmt.Printf("[handoff] building initial page tables\n")
	if err := h.BuildInitialPaging(); err != nil {
		return nil, err
	}
	kfmt.Printf("[handoff] loading kernel image\n")
	if err := h.LoadKernel(); err != nil {
		return nil, err
	}
	meta := h.BuildBootMeta(firmwareInfo, arctanMemMapPtr, highestAddr)
	kfmt.Printf("[handoff] jumping to kernel entry 0x%16x\n", uint64(h.kernelEntry))
	if err := h.Jump(meta); err != nil {
		return nil, err
	}
	return meta, nil
}
