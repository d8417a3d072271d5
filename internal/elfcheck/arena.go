package elfcheck

import (
	"fmt"
	"unsafe"

	"arctan/kernel"
	"arctan/kernel/elf"
	"arctan/kernel/mem"
	"arctan/kernel/mem/pager"
)

// Arena is a host-memory stand-in for a real page-table tree: it lets
// elf.Install run against Go-allocated buffers instead of hardware paging,
// so elfcheck can load a kernel image exactly the way boot/handoff does and
// then read back the bytes that landed at the entry point.
type Arena struct {
	frames  [][]byte
	mapping map[mem.VirtAddr]mem.PhysAddr
}

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{mapping: make(map[mem.VirtAddr]mem.PhysAddr)}
}

// AllocFrame satisfies elf.FrameAllocFn: it hands out a fresh zeroed 4 KiB
// Go buffer and returns its address as if it were an HHDM virtual address.
func (a *Arena) AllocFrame() (mem.VirtAddr, *kernel.Error) {
	buf := make([]byte, mem.PageSize)
	a.frames = append(a.frames, buf)
	return mem.VirtAddr(uintptr(unsafe.Pointer(&buf[0]))), nil
}

// Map satisfies elf.Mapper: it records which physical frame backs a virtual
// page, the same bookkeeping a real page table performs, without touching
// any hardware state.
func (a *Arena) Map(virt mem.VirtAddr, phys mem.PhysAddr, size mem.Size, attrs pager.Attrs, flags pager.MapFlag) *kernel.Error {
	pageVirt := virt &^ mem.VirtAddr(mem.PageSize-1)
	a.mapping[pageVirt] = phys &^ mem.PhysAddr(mem.PageSize-1)
	return nil
}

// ReadAt returns n bytes starting at the mapped virtual address virt, by
// walking back through the phys-to-HHDM identity this Arena establishes in
// Map/AllocFrame rather than real paging hardware.
func (a *Arena) ReadAt(virt mem.VirtAddr, n int) ([]byte, error) {
	pageVirt := virt &^ mem.VirtAddr(mem.PageSize-1)
	off := int(virt - pageVirt)
	phys, ok := a.mapping[pageVirt]
	if !ok {
		return nil, fmt.Errorf("elfcheck: virtual address %#x was never mapped", virt)
	}
	frameVirt := mem.PhysToHHDM(phys)
	for _, f := range a.frames {
		if mem.VirtAddr(uintptr(unsafe.Pointer(&f[0]))) == frameVirt {
			end := off + n
			if end > len(f) {
				end = len(f)
			}
			return f[off:end], nil
		}
	}
	return nil, fmt.Errorf("elfcheck: no backing frame found for physical address %#x", phys)
}

// LoadAndRead parses and installs img into a fresh Arena, then returns the
// entry point's virtual address and up to n bytes of code starting there.
func LoadAndRead(data []byte, n int) (mem.VirtAddr, []byte, error) {
	img, kerr := elf.Parse(data)
	if kerr != nil {
		return 0, nil, kerr
	}
	a := NewArena()
	entry, kerr := elf.Install(a, a.AllocFrame, img)
	if kerr != nil {
		return 0, nil, kerr
	}
	code, err := a.ReadAt(entry, n)
	if err != nil {
		return entry, nil, err
	}
	return entry, code, nil
}
