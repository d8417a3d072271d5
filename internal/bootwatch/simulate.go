package bootwatch

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"arctan/boot/bootinfo"
	"arctan/boot/handoff"
	"arctan/kernel"
	"arctan/kernel/mem"
	"arctan/kernel/mem/freelist"
	"arctan/kernel/mem/pager"
	"arctan/kernel/mem/pmm"
)

// bit positions mirrored from boot/handoff's own (unexported) CPUID feature
// gate constants, since Config authors a target machine's features directly
// instead of querying the host's real CPUID.
const (
	leafFeatureBits    = 1
	leafExtFeatureBits = 0x80000001
	paeBit             = 1 << 6
	lmBit              = 1 << 29
	nxBit              = 1 << 20
	giga1Bit           = 1 << 26
)

func cpuidFnFromFeatures(f Features) func(uint32) (uint32, uint32, uint32, uint32) {
	return func(leaf uint32) (uint32, uint32, uint32, uint32) {
		switch leaf {
		case leafFeatureBits:
			var edx uint32
			if f.PAE {
				edx |= paeBit
			}
			return 0, 0, 0, edx
		case leafExtFeatureBits:
			var edx uint32
			if f.LongMode {
				edx |= lmBit
			}
			if f.NX {
				edx |= nxBit
			}
			if f.Giga1 {
				edx |= giga1Bit
			}
			return 0, 0, 0, edx
		default:
			return 0, 0, 0, 0
		}
	}
}

// hostArena backs every HHDM-style dereference a simulated handoff performs
// (freelist next-pointers, page-table entries) with lazily allocated Go
// pages — the same trick boot/handoff's own integration test uses — so a
// real *handoff.Handoff can run on a development host instead of hardware
// paging.
type hostArena struct {
	mu    sync.Mutex
	pages map[uintptr]*[4096]byte
}

func newHostArena() *hostArena {
	return &hostArena{pages: make(map[uintptr]*[4096]byte)}
}

func (a *hostArena) resolve(addr uintptr) unsafe.Pointer {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := addr &^ (uintptr(mem.PageSize) - 1)
	off := addr - base
	p, ok := a.pages[base]
	if !ok {
		p = &[4096]byte{}
		a.pages[base] = p
	}
	return unsafe.Pointer(&p[off])
}

// Result reports the outcome of one simulated handoff run.
type Result struct {
	OK          bool
	FailedStage string
	Err         *kernel.Error
	Entry       mem.VirtAddr
	Meta        *bootinfo.BootMeta
}

// Run parses cfg's kernel ELF and drives boot/handoff through every stage
// except the final jump (there is nothing to jump to on a development
// host), reporting where it succeeded or failed.
func Run(cfg *Config) Result {
	regions, err := cfg.Regions()
	if err != nil {
		return Result{FailedStage: "config", Err: &kernel.Error{Module: "bootwatch", Kind: kernel.ErrInvalidArgument, Message: err.Error()}}
	}
	kernelELF, err := os.ReadFile(cfg.KernelELF)
	if err != nil {
		return Result{FailedStage: "read-kernel", Err: &kernel.Error{Module: "bootwatch", Kind: kernel.ErrInvalidArgument, Message: err.Error()}}
	}

	var initramfsLen uint32
	if cfg.Initramfs != "" {
		fi, err := os.Stat(cfg.Initramfs)
		if err != nil {
			return Result{FailedStage: "read-initramfs", Err: &kernel.Error{Module: "bootwatch", Kind: kernel.ErrInvalidArgument, Message: err.Error()}}
		}
		initramfsLen = uint32(fi.Size())
	}

	arena := newHostArena()
	restoreFreelist := freelist.SetMemoryHook(arena.resolve)
	restorePager := pager.SetMemoryHook(arena.resolve)
	restoreTLB := pager.SetTLBHook(func(uintptr) {}, func(uintptr) {})
	restoreCPUID := handoff.SetCPUIDHook(cpuidFnFromFeatures(cfg.CPUFeatures))
	restoreHalt := handoff.SetHaltHook(func() {})
	defer restoreFreelist()
	defer restorePager()
	defer restoreTLB()
	defer restoreCPUID()
	defer restoreHalt()

	h := handoff.New(handoff.Config{
		BootstrapEnd: mem.PhysAddr(cfg.BootstrapEnd),
		KernelELF:    kernelELF,
		InitramfsLen: initramfsLen,
		ProtocolTag:  cfg.ProtocolTagWire(),
	})
	h.SetMemoryMap(regions)

	stages := []struct {
		name string
		run  func() *kernel.Error
	}{
		{"check-cpu-features", h.CheckCPUFeatures},
		{"build-bootstrap-pmm", h.BuildBootstrapPMM},
		{"build-initial-paging", h.BuildInitialPaging},
		{"load-kernel", h.LoadKernel},
	}
	for _, s := range stages {
		if err := s.run(); err != nil {
			return Result{FailedStage: s.name, Err: err}
		}
	}

	meta := h.BuildBootMeta(0, 0, highestAddr(regions))
	return Result{OK: true, Meta: meta}
}

func highestAddr(regions []pmm.Region) mem.PhysAddr {
	var highest mem.PhysAddr
	for _, r := range regions {
		if end := r.Base + mem.PhysAddr(r.Length); end > highest {
			highest = end
		}
	}
	return highest
}

// Summary renders a Result as a one-line human-readable status.
func Summary(r Result) string {
	if r.OK {
		return fmt.Sprintf("ok: protocol tag %#x, %d memory map entries", r.Meta.ProtocolTag, r.Meta.MemMapEntryCount)
	}
	return fmt.Sprintf("failed at %s: %s", r.FailedStage, r.Err.Message)
}
