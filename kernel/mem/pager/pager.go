// Package pager implements the 4-level x86-64 paging engine (spec.md §4.3,
// C3): translating (virtual, physical, size, attributes) triples into page
// table mutations and back. Unlike the recursive self-mapping trick the
// teacher's earlier vmm generations used, every table is reached through the
// HHDM (spec.md §4.7, C7): a table's physical address converts straight to a
// dereferenceable pointer with no temporary mapping step, which is also why
// the pager never needs a "map this table to read it" phase of its own.
package pager

import (
	"unsafe"

	"arctan/kernel"
	"arctan/kernel/cpu"
	"arctan/kernel/kfmt"
	"arctan/kernel/mem"
)

// traversal levels, top-down: PML4, PDPT, PD, PT.
const (
	levelPML4 = 0
	levelPDPT = 1
	levelPD   = 2
	levelPT   = 3
	numLevels = 4
)

// pageLevelShifts[i] is the bit position of the 9-bit index consumed at
// traversal level i.
var pageLevelShifts = [numLevels]uint{39, 30, 21, 12}

const pageLevelMask = uintptr(0x1FF)

// raw PTE bit positions (Intel SDM vol. 3A, table 4-19/4-20).
const (
	bitPresent  = uint64(1) << 0
	bitRW       = uint64(1) << 1
	bitUser     = uint64(1) << 2
	bitPWT      = uint64(1) << 3
	bitPCD      = uint64(1) << 4
	bitAccessed = uint64(1) << 5
	bitDirty    = uint64(1) << 6
	bitPAT4K    = uint64(1) << 7
	bitPS       = uint64(1) << 7
	bitGlobal   = uint64(1) << 8
	bitPATHuge  = uint64(1) << 12
	bitNX       = uint64(1) << 63

	physAddrMask = uint64(0x000ffffffffff000)
)

// Attrs describes the caller-facing mapping attributes; composeLeaf and
// composeInterior turn them into the level-specific raw bit pattern
// (spec.md §4.3 "Attribute composition").
type Attrs struct {
	Writable bool
	User     bool
	NoExec   bool
	Global   bool
	PWT      bool
	PCD      bool
	PAT      bool
}

// MapFlag modifies Map's behavior.
type MapFlag uint8

const (
	// NoCreate fails with TableMissing instead of allocating an absent
	// interior table.
	NoCreate MapFlag = 1 << iota
	// Overwrite permits replacing an already-present leaf entry.
	Overwrite
	// Force4K disables page-size folding, always terminating at a 4 KiB leaf.
	Force4K
)

var (
	ErrAlreadyMapped = &kernel.Error{Module: "pager", Kind: kernel.ErrAlreadyMapped, Message: "pager: virtual address already mapped"}
	ErrTableMissing  = &kernel.Error{Module: "pager", Kind: kernel.ErrTableMissing, Message: "pager: interior table missing"}
	ErrNotMapped     = &kernel.Error{Module: "pager", Kind: kernel.ErrTableMissing, Message: "pager: virtual address not mapped"}
)

// FrameAllocFn allocates one zero-filled 4 KiB frame, HHDM-addressed, for use
// as an interior page table.
type FrameAllocFn func() (mem.VirtAddr, *kernel.Error)

// FrameFreeFn returns a frame obtained from FrameAllocFn (or mapped by
// FlyMap) to the physical allocator.
type FrameFreeFn func(mem.VirtAddr) *kernel.Error

// ptrAtFn resolves an HHDM address to the pointer used to read or write it.
// Overridable so tests can back fake addresses with ordinary Go memory
// (mirrors kernel/mem/freelist's ptrAtFn / the teacher's ptePtrFn).
var ptrAtFn = func(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet
}

// SetMemoryHook overrides the pointer resolver used for table and entry
// access, returning a function that restores the previous one.
func SetMemoryHook(fn func(uintptr) unsafe.Pointer) (restore func()) {
	prev := ptrAtFn
	ptrAtFn = fn
	return func() { ptrAtFn = prev }
}

// flushTLBEntryFn is overridden by tests; normally it is cpu.FlushTLBEntry.
var flushTLBEntryFn = cpu.FlushTLBEntry

// SetTLBHook overrides both the TLB-entry-flush and root-switch functions
// (normally cpu.FlushTLBEntry / cpu.SwitchPDT), returning a function that
// restores the previous pair. Callers outside this package (e.g. boot/handoff's
// tests, which drive a real *Pager end to end) use this the same way this
// package's own tests do, since those two functions have no Go body to run
// in a hosted test process.
func SetTLBHook(flush func(uintptr), switchRoot func(uintptr)) (restore func()) {
	prevFlush, prevSwitch := flushTLBEntryFn, switchPDTFn
	flushTLBEntryFn, switchPDTFn = flush, switchRoot
	return func() { flushTLBEntryFn, switchPDTFn = prevFlush, prevSwitch }
}

// Pager owns one page-table root and the frame allocator backing it.
type Pager struct {
	root        mem.PhysAddr
	allocFrame  FrameAllocFn
	freeFrame   FrameFreeFn
	nxAvailable bool
	giga1Avail  bool
}

// New constructs a Pager rooted at an existing PML4. nxAvailable and
// giga1Available mirror the paging-feature flags of the boot-meta record
// (spec.md §6): when false, NX bits and 1 GiB pages are never emitted even
// if requested.
func New(root mem.PhysAddr, allocFrame FrameAllocFn, freeFrame FrameFreeFn, nxAvailable, giga1Available bool) *Pager {
	kfmt.Printf("[pager] new root 0x%16x: nx=%t giga1=%t\n", uint64(root), nxAvailable, giga1Available)
	return &Pager{root: root, allocFrame: allocFrame, freeFrame: freeFrame, nxAvailable: nxAvailable, giga1Avail: giga1Available}
}

// Root returns the physical address of the active PML4.
func (p *Pager) Root() mem.PhysAddr { return p.root }

func index(virt uintptr, level int) uintptr {
	return (virt >> pageLevelShifts[level]) & pageLevelMask
}

func entryAddr(tablePhys mem.PhysAddr, idx uintptr) uintptr {
	return uintptr(mem.PhysToHHDM(tablePhys)) + idx*8
}

func readPTE(addr uintptr) uint64 {
	return *(*uint64)(ptrAtFn(addr))
}

func writePTE(addr uintptr, val uint64) {
	*(*uint64)(ptrAtFn(addr)) = val
}

func pteFrame(pte uint64) mem.PhysAddr {
	return mem.PhysAddr(pte & physAddrMask)
}

// composeLeaf materializes the raw attribute bits for a leaf entry
// terminating at the given traversal level (spec.md §4.3: PAT sits at bit 7
// for a normal 4 KiB PT entry — terminalLevel == levelPT — and at bit 12 for
// a huge-page PD/PDPT entry).
func (p *Pager) composeLeaf(terminalLevel int, a Attrs) uint64 {
	bits := bitPresent
	if a.Writable {
		bits |= bitRW
	}
	if a.User {
		bits |= bitUser
	}
	if a.PWT {
		bits |= bitPWT
	}
	if a.PCD {
		bits |= bitPCD
	}
	if a.Global {
		bits |= bitGlobal
	}
	if a.NoExec && p.nxAvailable {
		bits |= bitNX
	}
	if a.PAT {
		if terminalLevel == levelPT {
			bits |= bitPAT4K
		} else {
			bits |= bitPATHuge
		}
	}
	if terminalLevel != levelPT {
		bits |= bitPS
	}
	return bits
}

// composeInterior materializes the bits for an interior table entry: always
// present, and widened to RW/US whenever the mapping being installed beneath
// it needs them, so the interior entries never block access their children
// are supposed to grant (spec.md §4.3).
func composeInterior(existing uint64, a Attrs) uint64 {
	bits := existing | bitPresent
	if a.Writable {
		bits |= bitRW
	}
	if a.User {
		bits |= bitUser
	}
	return bits
}

// chooseSize returns the largest page size (in bytes) that fits the
// remaining transfer at the current cursor, honoring Force4K and the
// 1 GiB-pages-available feature flag, and the traversal level that
// terminates at that size.
func (p *Pager) chooseSize(virt, phys uintptr, remaining uintptr, flags MapFlag) (size uintptr, terminalLevel int) {
	if flags&Force4K == 0 {
		if p.giga1Avail && remaining >= uintptr(mem.HugePageSize) &&
			virt%uintptr(mem.HugePageSize) == 0 && phys%uintptr(mem.HugePageSize) == 0 {
			return uintptr(mem.HugePageSize), levelPDPT
		}
		if remaining >= uintptr(mem.LargePageSize) &&
			virt%uintptr(mem.LargePageSize) == 0 && phys%uintptr(mem.LargePageSize) == 0 {
			return uintptr(mem.LargePageSize), levelPD
		}
	}
	return uintptr(mem.PageSize), levelPT
}

// descend walks from the root to the table immediately above terminalLevel,
// creating interior tables as needed (or failing with TableMissing if
// NoCreate is set), and returns the physical address of that table.
func (p *Pager) descend(virt uintptr, terminalLevel int, attrs Attrs, flags MapFlag) (mem.PhysAddr, *kernel.Error) {
	tablePhys := p.root
	for level := 0; level < terminalLevel; level++ {
		idx := index(virt, level)
		addr := entryAddr(tablePhys, idx)
		entry := readPTE(addr)

		if entry&bitPresent == 0 {
			if flags&NoCreate != 0 {
				return 0, ErrTableMissing
			}
			newTable, err := p.allocFrame()
			if err != nil {
				return 0, err
			}
			zeroTable(uintptr(newTable))
			newTablePhys := mem.HHDMToPhys(newTable)
			writePTE(addr, uint64(newTablePhys)|composeInterior(0, attrs))
			tablePhys = newTablePhys
			continue
		}

		if entry&bitPS != 0 {
			return 0, ErrAlreadyMapped
		}

		widened := composeInterior(entry, attrs)
		if widened != entry {
			writePTE(addr, widened)
		}
		tablePhys = pteFrame(entry)
	}
	return tablePhys, nil
}

func zeroTable(hhdmAddr uintptr) {
	p := (*[512]uint64)(ptrAtFn(hhdmAddr))
	for i := range p {
		p[i] = 0
	}
}

// Map installs a mapping for [virt, virt+size), folding into the largest
// page size that fits at each step unless Force4K is set (spec.md §4.3).
func (p *Pager) Map(virt mem.VirtAddr, phys mem.PhysAddr, size mem.Size, attrs Attrs, flags MapFlag) *kernel.Error {
	v, ph, remaining := uintptr(virt), uintptr(phys), uintptr(size)

	for remaining > 0 {
		stepSize, terminalLevel := p.chooseSize(v, ph, remaining, flags)

		tablePhys, err := p.descend(v, terminalLevel, attrs, flags)
		if err != nil {
			return err
		}

		idx := index(v, terminalLevel)
		addr := entryAddr(tablePhys, idx)
		entry := readPTE(addr)
		if entry&bitPresent != 0 && flags&Overwrite == 0 {
			return ErrAlreadyMapped
		}

		writePTE(addr, uint64(ph)|p.composeLeaf(terminalLevel, attrs))
		flushTLBEntryFn(v)

		v += stepSize
		ph += stepSize
		remaining -= stepSize
	}
	return nil
}

// findLeaf walks from the root looking for the present leaf entry covering
// virt, whatever granularity it was installed at, and returns its address,
// raw value, and traversal level.
func (p *Pager) findLeaf(virt uintptr) (addr uintptr, entry uint64, level int, err *kernel.Error) {
	tablePhys := p.root
	for level = 0; level < numLevels; level++ {
		idx := index(virt, level)
		addr = entryAddr(tablePhys, idx)
		entry = readPTE(addr)

		if entry&bitPresent == 0 {
			return 0, 0, 0, ErrNotMapped
		}
		if level == levelPT || entry&bitPS != 0 {
			return addr, entry, level, nil
		}
		tablePhys = pteFrame(entry)
	}
	return 0, 0, 0, ErrNotMapped
}

func levelPageSize(level int) uintptr {
	switch level {
	case levelPDPT:
		return uintptr(mem.HugePageSize)
	case levelPD:
		return uintptr(mem.LargePageSize)
	default:
		return uintptr(mem.PageSize)
	}
}

// Unmap clears the mappings covering [virt, virt+size); it does not free the
// physical frames they pointed to.
func (p *Pager) Unmap(virt mem.VirtAddr, size mem.Size) *kernel.Error {
	v, remaining := uintptr(virt), uintptr(size)

	for remaining > 0 {
		addr, _, level, err := p.findLeaf(v)
		if err != nil {
			return err
		}
		writePTE(addr, 0)
		flushTLBEntryFn(v)

		step := levelPageSize(level)
		v += step
		if step > remaining {
			remaining = 0
		} else {
			remaining -= step
		}
	}
	return nil
}

// SetAttr rewrites the attribute bits of every leaf entry covering
// [virt, virt+size), preserving each entry's physical frame.
func (p *Pager) SetAttr(virt mem.VirtAddr, size mem.Size, attrs Attrs) *kernel.Error {
	v, remaining := uintptr(virt), uintptr(size)

	for remaining > 0 {
		addr, entry, level, err := p.findLeaf(v)
		if err != nil {
			return err
		}
		writePTE(addr, uint64(pteFrame(entry))|p.composeLeaf(level, attrs))
		flushTLBEntryFn(v)

		step := levelPageSize(level)
		v += step
		if step > remaining {
			remaining = 0
		} else {
			remaining -= step
		}
	}
	return nil
}

// FlyMap allocates one fresh physical frame per 4 KiB of [virt, virt+size),
// zero-fills it and maps it; used for kernel-owned anonymous memory. Always 4 KiB pages.
func (p *Pager) FlyMap(virt mem.VirtAddr, size mem.Size, attrs Attrs) *kernel.Error {
	v, remaining := uintptr(virt), uintptr(size)

	for remaining > 0 {
		frame, err := p.allocFrame()
		if err != nil {
			return err
		}
		zeroTable(uintptr(frame))
		if mapErr := p.Map(mem.VirtAddr(v), mem.HHDMToPhys(frame), mem.PageSize, attrs, Force4K); mapErr != nil {
			return mapErr
		}
		v += uintptr(mem.PageSize)
		remaining -= uintptr(mem.PageSize)
	}
	return nil
}

// FlyUnmap is the inverse of FlyMap: it frees the backing physical frame as
// each 4 KiB mapping in [virt, virt+size) is cleared.
func (p *Pager) FlyUnmap(virt mem.VirtAddr, size mem.Size) *kernel.Error {
	v, remaining := uintptr(virt), uintptr(size)

	for remaining > 0 {
		addr, entry, _, err := p.findLeaf(v)
		if err != nil {
			return err
		}
		frame := mem.PhysToHHDM(pteFrame(entry))
		writePTE(addr, 0)
		flushTLBEntryFn(v)

		if freeErr := p.freeFrame(frame); freeErr != nil {
			return freeErr
		}

		v += uintptr(mem.PageSize)
		remaining -= uintptr(mem.PageSize)
	}
	return nil
}

// SwitchRoot adopts newRoot as the active PML4 and flushes the TLB.
func (p *Pager) SwitchRoot(newRoot mem.PhysAddr) {
	kfmt.Printf("[pager] switching root 0x%16x -> 0x%16x\n", uint64(p.root), uint64(newRoot))
	p.root = newRoot
	switchPDTFn(uintptr(newRoot))
}

// switchPDTFn is overridden by tests; normally it is cpu.SwitchPDT.
var switchPDTFn = cpu.SwitchPDT
