// Package pmm implements the physical memory manager (spec.md §4.2, C2): a
// freelist-of-freelists built from the firmware memory map, with a
// distinguished low-memory pool for allocations that must be reachable
// without paging (AP bring-up trampolines, legacy DMA).
package pmm

import (
	"unsafe"

	"arctan/kernel"
	"arctan/kernel/kfmt"
	"arctan/kernel/mem"
	"arctan/kernel/mem/freelist"
	"arctan/kernel/sync"
)

// RegionType classifies an Arctan memory map entry (spec.md §6).
type RegionType int32

const (
	RegionACPIReclaimable RegionType = 1
	RegionAvailable       RegionType = 2
	RegionBadRAM          RegionType = 3
	RegionNVS             RegionType = 4
	RegionReserved        RegionType = 5
	RegionBootstrap       RegionType = 6
)

// lowMemCeil is the upper bound of the distinguished low-memory pool: legacy
// DMA and real-mode AP trampoline code require physical addresses below 1 MiB.
const lowMemCeil = mem.PhysAddr(0x100000)

// Region describes one entry of the Arctan memory map: a physical range and
// its firmware-reported classification.
type Region struct {
	Type   RegionType
	Base   mem.PhysAddr
	Length mem.Size
}

func (r Region) end() mem.PhysAddr { return r.Base + mem.PhysAddr(r.Length) }

var (
	ErrOutOfMemory     = &kernel.Error{Module: "pmm", Kind: kernel.ErrOutOfMemory, Message: "pmm: out of physical memory"}
	ErrNoContiguousRun = &kernel.Error{Module: "pmm", Kind: kernel.ErrNoContiguousRun, Message: "pmm: no contiguous run of the requested size"}

	// ErrCorruptFreelist is returned by Init when the bootstrapper's
	// next-pointer chain doesn't terminate within its own [base, ceil)
	// slot budget, implying a cycle or a stray pointer (spec.md §9).
	ErrCorruptFreelist = &kernel.Error{Module: "pmm", Kind: kernel.ErrCorruptFreelist, Message: "pmm: bootstrap freelist chain exceeds its slot budget"}
)

// PMM owns the set of physical frames usable by the kernel: a general pool
// plus a distinguished low-memory pool, each a freelist.Freelist threaded
// through HHDM-mapped slot memory so next-pointer traversal never needs a
// temporary mapping (spec.md §4.7, C7).
type PMM struct {
	mu      sync.Spinlock
	general *freelist.Freelist
	low     *freelist.Freelist
}

// New returns an empty PMM; Init must be called before use.
func New() *PMM {
	return &PMM{}
}

// Init re-adopts the bootstrapper's serialized freelist and folds in every
// AVAILABLE region of the firmware memory map not already covered by it
// (spec.md §4.2). serializedHead/Base/Ceil/ObjSize are physical addresses
// copied verbatim from the boot-meta record; a zero ObjSize means the
// bootstrapper passed no list (e.g. a unit test constructing a PMM purely
// from a memory map).
func (p *PMM) Init(memMap []Region, serializedHead, serializedBase, serializedCeil, serializedObjSize mem.PhysAddr) *kernel.Error {
	p.mu.Acquire()
	defer p.mu.Release()

	if serializedObjSize != 0 {
		general, err := adoptBootstrapList(serializedHead, serializedBase, serializedCeil, serializedObjSize)
		if err != nil {
			return err
		}
		p.general = general
	}

	var totalAvailable mem.Size
	for _, region := range memMap {
		if region.Type != RegionAvailable {
			continue
		}
		totalAvailable += region.Length
		for _, rng := range subtractCovered(region.Base, region.end(), serializedBase, serializedCeil) {
			p.addRange(rng[0], rng[1])
		}
	}
	kfmt.Printf("[pmm] init: %d bytes AVAILABLE across %d regions, adopted freelist head 0x%16x\n",
		uint64(totalAvailable), len(memMap), uint64(serializedHead))

	return nil
}

// addRange folds the page-aligned physical range [base, ceil) into the low
// or general pool, splitting across the 1 MiB low-memory boundary if the
// range straddles it.
func (p *PMM) addRange(base, ceil mem.PhysAddr) {
	base = alignUp(base)
	ceil = alignDown(ceil)
	if base >= ceil {
		return
	}

	if base < lowMemCeil {
		lowEnd := ceil
		if lowEnd > lowMemCeil {
			lowEnd = lowMemCeil
		}
		p.link(&p.low, base, lowEnd)
		base = lowMemCeil
	}
	if base < ceil {
		p.link(&p.general, base, ceil)
	}
}

func (p *PMM) link(pool **freelist.Freelist, base, ceil mem.PhysAddr) {
	if base >= ceil {
		return
	}
	fl := freelist.New(uintptr(mem.PhysToHHDM(base)), uintptr(mem.PhysToHHDM(ceil)), uintptr(mem.PageSize))
	if *pool == nil {
		*pool = fl
		return
	}
	(*pool).Link(fl)
}

func alignUp(p mem.PhysAddr) mem.PhysAddr {
	mask := mem.PhysAddr(mem.PageSize - 1)
	return (p + mask) &^ mask
}

func alignDown(p mem.PhysAddr) mem.PhysAddr {
	mask := mem.PhysAddr(mem.PageSize - 1)
	return p &^ mask
}

// subtractCovered removes the portion of [base, end) overlapping
// [coveredBase, coveredCeil) and returns the remaining sub-ranges (zero, one,
// or two of them), implementing the tie-break policy of spec.md §4.2: a
// region entirely inside the covered range disappears; a region straddling
// either edge keeps its aligned tail outside it.
func subtractCovered(base, end, coveredBase, coveredCeil mem.PhysAddr) [][2]mem.PhysAddr {
	if coveredBase >= coveredCeil || end <= coveredBase || base >= coveredCeil {
		return [][2]mem.PhysAddr{{base, end}}
	}

	var out [][2]mem.PhysAddr
	if base < coveredBase {
		out = append(out, [2]mem.PhysAddr{base, coveredBase})
	}
	if end > coveredCeil {
		out = append(out, [2]mem.PhysAddr{coveredCeil, end})
	}
	return out
}

// adoptBootstrapList rewrites the bootstrapper's 32-bit physical next-pointer
// chain into a full-width HHDM chain and returns it as a Freelist. The
// bootstrapper writes each free slot's low 32 bits as the zero-extended
// physical address of the next free slot (spec.md §6); this walks that
// chain once, translating and overwriting each link in place.
//
// The chain cannot legitimately hold more than (ceil-base)/objSize slots; the
// walk is bounded by that count and fails closed with ErrCorruptFreelist
// instead of looping forever if a stray pointer or a cycle keeps it going
// past that point (spec.md §9).
func adoptBootstrapList(headPhys, base, ceil, objSize mem.PhysAddr) (*freelist.Freelist, *kernel.Error) {
	maxSlots := 0
	if objSize != 0 {
		maxSlots = int((ceil - base) / objSize)
	}

	n := 0
	var hhdmHead uintptr
	var prevHHDM uintptr

	for cur := headPhys; cur != 0; {
		if n >= maxSlots {
			return nil, ErrCorruptFreelist
		}

		curHHDM := uintptr(mem.PhysToHHDM(cur))
		if n == 0 {
			hhdmHead = curHHDM
		} else {
			writeNext(prevHHDM, curHHDM)
		}

		nextPhys := mem.PhysAddr(readBootstrapNext(curHHDM))
		if nextPhys != 0 {
			writeNext(curHHDM, uintptr(mem.PhysToHHDM(nextPhys)))
		} else {
			writeNext(curHHDM, 0)
		}

		prevHHDM = curHHDM
		cur = nextPhys
		n++
	}

	return freelist.Adopt(uintptr(mem.PhysToHHDM(base)), uintptr(mem.PhysToHHDM(ceil)), uintptr(objSize), hhdmHead, n), nil
}

// ptrAtFn resolves an HHDM slot address to the unsafe.Pointer used to read
// or write its next-pointer word; overridable so tests can redirect it into
// ordinary Go-allocated memory (mirrors freelist.ptrAtFn).
var ptrAtFn = func(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet
}

// readBootstrapNext reads the low 32 bits of the first machine word at addr,
// the bootstrapper's 32-bit next-pointer encoding.
func readBootstrapNext(addr uintptr) uint32 {
	return uint32(*(*uintptr)(ptrAtFn(addr)))
}

func writeNext(addr, next uintptr) {
	*(*uintptr)(ptrAtFn(addr)) = next
}

// Alloc returns one HHDM-mapped 4 KiB frame from the general pool.
func (p *PMM) Alloc() (mem.VirtAddr, *kernel.Error) {
	p.mu.Acquire()
	defer p.mu.Release()

	if p.general == nil {
		return 0, ErrOutOfMemory
	}
	addr, err := p.general.Alloc()
	if err != nil {
		return 0, ErrOutOfMemory
	}
	return mem.VirtAddr(addr), nil
}

// AllocContig returns n physically (and therefore HHDM-virtually)
// contiguous 4 KiB frames from the general pool.
func (p *PMM) AllocContig(n int) (mem.VirtAddr, *kernel.Error) {
	p.mu.Acquire()
	defer p.mu.Release()

	if p.general == nil {
		return 0, ErrOutOfMemory
	}
	addr, err := p.general.AllocContiguous(n)
	if err != nil {
		return 0, ErrNoContiguousRun
	}
	return mem.VirtAddr(addr), nil
}

// LowAlloc returns one frame below 1 MiB, for AP bring-up trampolines and
// legacy DMA that run without paging. The physical address is returned
// directly since those callers cannot dereference an HHDM pointer.
func (p *PMM) LowAlloc() (mem.PhysAddr, *kernel.Error) {
	p.mu.Acquire()
	defer p.mu.Release()

	if p.low == nil {
		return 0, ErrOutOfMemory
	}
	addr, err := p.low.Alloc()
	if err != nil {
		return 0, ErrOutOfMemory
	}
	return mem.HHDMToPhys(mem.VirtAddr(addr)), nil
}

// Free returns a frame previously obtained from Alloc or AllocContig to the
// pool it came from.
func (p *PMM) Free(addr mem.VirtAddr) *kernel.Error {
	p.mu.Acquire()
	defer p.mu.Release()

	if pool := p.poolFor(uintptr(addr)); pool != nil {
		return pool.Free(uintptr(addr))
	}
	return freelist.ErrOutOfRange
}

// FreeContig returns n frames previously obtained from AllocContig.
func (p *PMM) FreeContig(addr mem.VirtAddr, n int) *kernel.Error {
	p.mu.Acquire()
	defer p.mu.Release()

	if pool := p.poolFor(uintptr(addr)); pool != nil {
		return pool.FreeContiguous(uintptr(addr), n)
	}
	return freelist.ErrOutOfRange
}

// poolFor returns whichever pool's range contains addr, or nil.
func (p *PMM) poolFor(addr uintptr) *freelist.Freelist {
	if p.general != nil && p.general.InRange(addr) {
		return p.general
	}
	if p.low != nil && p.low.InRange(addr) {
		return p.low
	}
	return nil
}
