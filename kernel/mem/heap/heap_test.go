package heap

import (
	"bytes"
	"runtime"
	"testing"
	"unsafe"

	"arctan/kernel"
	"arctan/kernel/mem"
)

// arenaHeap builds a Heap over a real Go-allocated arena big enough for
// pagesPerClass pages per class, plus a contiguous-allocator stub that hands
// out fresh real buffers for growth (standing in for the PMM). Every backing
// buffer is kept alive for the test's lifetime via t.Cleanup, since the Heap
// only retains the buffers' addresses as bare uintptrs.
func arenaHeap(t *testing.T, pagesPerClass int) *Heap {
	t.Helper()
	var kept [][]byte

	arenaBytes := NumClasses * pagesPerClass * int(mem.PageSize)
	arena := make([]byte, arenaBytes)
	kept = append(kept, arena)
	base := mem.VirtAddr(uintptr(unsafe.Pointer(&arena[0])))

	allocContig := func(nPages int) (mem.VirtAddr, *kernel.Error) {
		buf := make([]byte, nPages*int(mem.PageSize))
		kept = append(kept, buf)
		return mem.VirtAddr(uintptr(unsafe.Pointer(&buf[0]))), nil
	}

	h := New(base, pagesPerClass, allocContig)
	t.Cleanup(func() { runtime.KeepAlive(kept) })
	return h
}

func TestAllocSelectsSmallestFittingClass(t *testing.T) {
	h := arenaHeap(t, 1)

	specs := []struct {
		size      uintptr
		wantClass int
	}{
		{1, 0}, {16, 0}, {17, 1}, {32, 1}, {2048, NumClasses - 1},
	}
	for _, spec := range specs {
		before := h.Stats()[spec.wantClass].FreeSlots
		ptr, err := h.Alloc(spec.size)
		if err != nil {
			t.Fatalf("Alloc(%d) error: %v", spec.size, err)
		}
		after := h.Stats()[spec.wantClass].FreeSlots
		if after != before-1 {
			t.Fatalf("Alloc(%d) did not consume a slot from class %d (free %d -> %d)", spec.size, spec.wantClass, before, after)
		}
		if err := h.Free(ptr); err != nil {
			t.Fatalf("Free() error: %v", err)
		}
	}
}

func TestAllocRejectsOversizedRequest(t *testing.T) {
	h := arenaHeap(t, 1)
	if _, err := h.Alloc(MaxObjectSize + 1); err != ErrObjectTooLarge {
		t.Fatalf("Alloc(MaxObjectSize+1) = %v; want ErrObjectTooLarge", err)
	}
}

func TestFreeZeroesSlot(t *testing.T) {
	h := arenaHeap(t, 1)

	ptr, err := h.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc() error: %v", err)
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), 32)
	for i := range buf {
		buf[i] = 0xAA
	}

	if err := h.Free(ptr); err != nil {
		t.Fatalf("Free() error: %v", err)
	}
	// The slot's first machine word holds the freelist's next pointer once
	// the slot is back on the list; every byte after it must be zero.
	linkSize := int(unsafe.Sizeof(uintptr(0)))
	for i, b := range buf[linkSize:] {
		if b != 0 {
			t.Fatalf("byte %d = 0x%x after Free(); want 0 (zero-on-free)", linkSize+i, b)
		}
	}
}

func TestFreeRejectsPointerOutsideArena(t *testing.T) {
	h := arenaHeap(t, 1)
	stray := make([]byte, 16)
	err := h.Free(mem.VirtAddr(uintptr(unsafe.Pointer(&stray[0]))))
	if err != ErrNotOwned {
		t.Fatalf("Free() on a stray pointer = %v; want ErrNotOwned", err)
	}
}

// TestExpandGrowsExhaustedClass is the growth property: once a class's
// original sub-range is exhausted, Alloc still succeeds by pulling more
// pages from the contiguous allocator instead of failing OutOfSlots.
func TestExpandGrowsExhaustedClass(t *testing.T) {
	h := arenaHeap(t, 1)
	h.SetGrowthPages(1)

	const class = 0
	slotsPerClass := h.Stats()[class].FreeSlots

	var ptrs []mem.VirtAddr
	for i := 0; i < slotsPerClass; i++ {
		ptr, err := h.Alloc(classSize(class))
		if err != nil {
			t.Fatalf("Alloc() #%d error: %v", i, err)
		}
		ptrs = append(ptrs, ptr)
	}

	// The class's original sub-range is now exhausted; this Alloc must
	// trigger expand() rather than returning ErrOutOfSlots.
	extra, err := h.Alloc(classSize(class))
	if err != nil {
		t.Fatalf("Alloc() after exhaustion error: %v", err)
	}
	for _, p := range ptrs {
		if p == extra {
			t.Fatal("expand() returned an address already in use")
		}
	}
}

func TestWriteProfileProducesNonEmptyOutput(t *testing.T) {
	h := arenaHeap(t, 1)
	var buf bytes.Buffer
	if err := h.WriteProfile(&buf); err != nil {
		t.Fatalf("WriteProfile() error: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("WriteProfile() wrote no bytes")
	}
}
