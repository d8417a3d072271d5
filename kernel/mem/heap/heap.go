// Package heap implements the kernel's small-object allocator (spec.md §4.4,
// C4): eight power-of-two size classes, each an independent
// freelist.Freelist carved out of one sub-range of a contiguous arena, grown
// on demand from the PMM. Unlike freelist/pmm/pager, it never dereferences a
// bare physical address itself — its arena and every growth chunk arrive as
// ordinary (if HHDM-mapped) virtual addresses from the caller, so it needs no
// ptrAtFn-style test seam of its own.
package heap

import (
	"unsafe"

	"arctan/kernel"
	"arctan/kernel/kfmt"
	"arctan/kernel/mem"
	"arctan/kernel/mem/freelist"
)

// NumClasses is the number of slab size classes: 16, 32, 64, ..., 2048 bytes.
const NumClasses = 8

// MaxObjectSize is the largest single allocation the heap can satisfy.
const MaxObjectSize = 16 << (NumClasses - 1)

// defaultGrowthPages is how many PMM frames expand() pulls per growth when
// the caller doesn't override it via ExpandPages.
const defaultGrowthPages = 4

var (
	// ErrObjectTooLarge is returned by Alloc when size exceeds MaxObjectSize.
	ErrObjectTooLarge = &kernel.Error{Module: "heap", Kind: kernel.ErrInvalidArgument, Message: "heap: requested size exceeds the largest slab class"}

	// ErrNotOwned is returned by Free when ptr falls outside every class's
	// sub-range (spec.md §4.4: "freeing a pointer not in any class's range
	// is a no-op, reported as a warning" — callers that want the warning
	// get it as this error value rather than a silent success).
	ErrNotOwned = &kernel.Error{Module: "heap", Kind: kernel.ErrInvalidArgument, Message: "heap: pointer not owned by any slab class"}
)

// ContigAllocFn allocates n physically contiguous, HHDM-mapped pages from the
// physical memory manager, returning the virtual base of the run.
type ContigAllocFn func(nPages int) (mem.VirtAddr, *kernel.Error)

// classSize returns the slot size of class i: 2^(4+i).
func classSize(i int) uintptr { return uintptr(16) << uint(i) }

// classFor returns the smallest class whose slot size accommodates size, or
// false if size exceeds every class.
func classFor(size uintptr) (int, bool) {
	for i := 0; i < NumClasses; i++ {
		if classSize(i) >= size {
			return i, true
		}
	}
	return 0, false
}

// Heap is eight independent slab classes sharing one arena, growable from the
// PMM (spec.md §3 "Slab arena").
type Heap struct {
	classes     [NumClasses]*freelist.Freelist
	allocContig ContigAllocFn
	growthPages int
}

// New partitions [arenaBase, arenaBase + NumClasses*pagesPerClass*PageSize)
// into NumClasses equal sub-ranges and initializes each as a freelist with
// slot size 2^(4+i), smallest class first.
func New(arenaBase mem.VirtAddr, pagesPerClass int, allocContig ContigAllocFn) *Heap {
	h := &Heap{allocContig: allocContig, growthPages: defaultGrowthPages}

	subRangeSize := uintptr(pagesPerClass) * uintptr(mem.PageSize)
	base := uintptr(arenaBase)
	for i := 0; i < NumClasses; i++ {
		h.classes[i] = freelist.New(base, base+subRangeSize, classSize(i))
		base += subRangeSize
	}
	kfmt.Printf("[heap] arena 0x%16x: %d classes, %d bytes each\n", uint64(arenaBase), NumClasses, uint64(subRangeSize))
	return h
}

// SetGrowthPages overrides how many pages expand() requests per growth
// (default defaultGrowthPages); each class grows independently regardless.
func (h *Heap) SetGrowthPages(n int) { h.growthPages = n }

// Alloc returns a pointer to a slot in the smallest class that fits size,
// growing that class from the PMM if it is exhausted. A slot that was freed
// before is zero except for its first machine word, which still holds the
// freelist link. Alloc never zeroes on the way out; Free does (spec.md §4.4: "slot zeroing
// on free prevents information leaks across reuses").
func (h *Heap) Alloc(size uintptr) (mem.VirtAddr, *kernel.Error) {
	class, ok := classFor(size)
	if !ok {
		return 0, ErrObjectTooLarge
	}

	addr, err := h.classes[class].Alloc()
	if err == freelist.ErrOutOfSlots {
		if growErr := h.expand(class); growErr != nil {
			return 0, growErr
		}
		addr, err = h.classes[class].Alloc()
	}
	if err != nil {
		return 0, err
	}
	return mem.VirtAddr(addr), nil
}

// Free zero-fills the slot at ptr and returns it to the class that owns it.
// Returns ErrNotOwned if ptr isn't a slot-aligned address in any class's
// range.
func (h *Heap) Free(ptr mem.VirtAddr) *kernel.Error {
	addr := uintptr(ptr)
	for i := range h.classes {
		if !h.classes[i].InRange(addr) {
			continue
		}
		zeroSlot(addr, classSize(i))
		return h.classes[i].Free(addr)
	}
	return ErrNotOwned
}

// expand pulls growthPages frames from the PMM and links a new freelist over
// them into class's chain, growing only that one class (spec.md §4.4:
// "each class grows independently").
func (h *Heap) expand(class int) *kernel.Error {
	base, err := h.allocContig(h.growthPages)
	if err != nil {
		return err
	}
	size := classSize(class)
	ceil := uintptr(base) + uintptr(h.growthPages)*uintptr(mem.PageSize)
	grown := freelist.New(uintptr(base), ceil, size)
	kfmt.Printf("[heap] class %d (slot size %d) exhausted; growing by %d pages\n", class, uint64(size), h.growthPages)
	return h.classes[class].Link(grown)
}

// zeroSlot fills a slot of the given size, starting at addr, with zeros.
// addr is always a real dereferenceable virtual address (the arena and every
// growth chunk are caller-supplied, already-mapped memory), so this needs no
// ptrAtFn indirection.
func zeroSlot(addr uintptr, size uintptr) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size) //nolint:govet
	for i := range buf {
		buf[i] = 0
	}
}

// ClassStats reports one size class's slot size and current free-slot count,
// used by WriteProfile and available directly for diagnostics.
type ClassStats struct {
	SlotSize  uintptr
	FreeSlots int
}

// Stats returns a snapshot of every class's slot size and free-slot count.
func (h *Heap) Stats() [NumClasses]ClassStats {
	var s [NumClasses]ClassStats
	for i := range h.classes {
		s[i] = ClassStats{SlotSize: classSize(i), FreeSlots: h.classes[i].FreeCount()}
	}
	return s
}
