// Package elf installs a 64-bit ELF image into a page-table root (spec.md
// §4.6, C6). It reads section headers (not program headers — this loader
// trusts the linker's section layout directly rather than the coarser
// PT_LOAD segments) and walks each loadable one in 4 KiB strides, allocating
// and mapping fresh frames as needed through the pager and PMM.
package elf

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"arctan/kernel"
	"arctan/kernel/mem"
	"arctan/kernel/mem/pager"
)

const (
	magic0, magic1, magic2, magic3 = 0x7f, 'E', 'L', 'F'

	classELF64 = 2
	dataLSB    = 1

	// section header types recognized by the loader.
	shtNull     = 0
	shtNobits   = 8
	shtProgBits = 1
)

var (
	// ErrNotElf64 is returned when the magic number or ELF class doesn't
	// identify a little-endian 64-bit image.
	ErrNotElf64 = &kernel.Error{Module: "elf", Kind: kernel.ErrNotElf64, Message: "elf: not a 64-bit little-endian ELF image"}

	// ErrOverlapsKernel is returned when a loadable section's end address
	// reaches into the HHDM window.
	ErrOverlapsKernel = &kernel.Error{Module: "elf", Kind: kernel.ErrOverlapsKernel, Message: "elf: section overlaps the HHDM window"}

	// ErrTruncated is returned when the header claims more data than the
	// supplied image buffer actually contains.
	ErrTruncated = &kernel.Error{Module: "elf", Kind: kernel.ErrInvalidArgument, Message: "elf: image buffer truncated before a header it claims to have"}
)

// header64 mirrors Elf64_Ehdr's fixed-layout fields after the 16-byte e_ident
// block (e_ident itself is consumed separately since its first four bytes
// are the ASCII magic, not a uniform integer field).
type header64 struct {
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
}

// sectionHeader64 mirrors Elf64_Shdr.
type sectionHeader64 struct {
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
}

// Image is the transiently-constructed in-core view of a parsed ELF file
// (spec.md §3 "ELF image descriptor"): discarded once every loadable section
// has been installed.
type Image struct {
	Entry    mem.VirtAddr
	sections []sectionHeader64
	data     []byte
}

// Parse reads the ELF64 header and section header table out of data. It
// does not copy data; Install reads section payloads directly out of the
// same backing slice.
func Parse(data []byte) (*Image, *kernel.Error) {
	if len(data) < 64 {
		return nil, ErrNotElf64
	}
	if data[0] != magic0 || data[1] != magic1 || data[2] != magic2 || data[3] != magic3 {
		return nil, ErrNotElf64
	}
	if data[4] != classELF64 || data[5] != dataLSB {
		return nil, ErrNotElf64
	}

	r := bytes.NewReader(data[16:])
	var hdr header64
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, ErrNotElf64
	}

	shEnd := hdr.ShOff + uint64(hdr.ShNum)*uint64(hdr.ShEntSize)
	if shEnd > uint64(len(data)) {
		return nil, ErrTruncated
	}

	sections := make([]sectionHeader64, 0, hdr.ShNum)
	for i := 0; i < int(hdr.ShNum); i++ {
		off := hdr.ShOff + uint64(i)*uint64(hdr.ShEntSize)
		sr := bytes.NewReader(data[off : off+uint64(hdr.ShEntSize)])
		var sh sectionHeader64
		if err := binary.Read(sr, binary.LittleEndian, &sh); err != nil {
			return nil, ErrTruncated
		}
		sections = append(sections, sh)
	}

	return &Image{Entry: mem.VirtAddr(hdr.Entry), sections: sections, data: data}, nil
}

// FrameAllocFn allocates one 4 KiB physical frame (the PMM's Alloc).
type FrameAllocFn func() (mem.VirtAddr, *kernel.Error)

// Mapper is the slice of *pager.Pager's API this loader needs. Factoring it
// out lets the loader's own tests drive section-installation failures (an
// attribute conflict, an exhausted frame allocator) against a gomock double
// instead of standing up a real page-table tree.
type Mapper interface {
	Map(virt mem.VirtAddr, phys mem.PhysAddr, size mem.Size, attrs pager.Attrs, flags pager.MapFlag) *kernel.Error
}

// loadState tracks the page last allocated and mapped across the entire
// section loop, the way original_source's elf_load64 tracks
// last_phys_addr/last_load_base across its whole segment loop: this loader
// walks by section header rather than page-aligned PT_LOAD segment, so two
// adjacent sections sharing a trailing/leading page (.data's last page is
// often .bss's first) is the common case, not an edge case, and must reuse
// the one frame already mapped there instead of issuing a second Map over
// an already-present page.
type loadState struct {
	havePage bool
	pageVirt uint64
	frame    mem.VirtAddr
}

// Install maps every loadable section (sh_addr > 0 && sh_size > 0) of img
// into root via p, allocating one fresh frame from allocFrame per 4 KiB
// stride and copying the section's file bytes into it (spec.md §4.6
// algorithm), then returns the image's entry address.
//
// On failure, the mappings installed before the failing section are left in
// place; the caller unwinds by calling p.Unmap over the prefix it issued.
func Install(p Mapper, allocFrame FrameAllocFn, img *Image) (mem.VirtAddr, *kernel.Error) {
	var st loadState
	for _, sh := range img.sections {
		if sh.Addr == 0 || sh.Size == 0 {
			continue
		}
		if sh.Addr+sh.Size >= uint64(mem.HHDMBase) {
			return 0, ErrOverlapsKernel
		}
		if err := installSection(p, allocFrame, img.data, sh, &st); err != nil {
			return 0, err
		}
	}
	return img.Entry, nil
}

// installSection walks one section in 4 KiB strides, allocating and mapping
// a fresh frame whenever the cursor crosses into a page st hasn't already
// mapped (reusing st.frame when it has, per loadState's doc comment) and
// copying the section's file bytes into it unless the section is SHT_NOBITS
// (.bss). A freshly allocated frame is zeroed in full — including the space
// before the stride's own offset into the page, whenever the section's
// address isn't page-aligned — before any copy, per spec.md §4.6's "zero it"
// step; allocFrame itself (the PMM) hands back frames with whatever stale
// content they last held.
func installSection(p Mapper, allocFrame FrameAllocFn, data []byte, sh sectionHeader64, st *loadState) *kernel.Error {
	pageSize := uint64(mem.PageSize)
	virt := sh.Addr
	remaining := sh.Size
	fileOff := sh.Offset

	for remaining > 0 {
		pageVirt := virt &^ (pageSize - 1)

		var frame mem.VirtAddr
		if st.havePage && st.pageVirt == pageVirt {
			frame = st.frame
		} else {
			f, err := allocFrame()
			if err != nil {
				return err
			}
			if mapErr := p.Map(mem.VirtAddr(pageVirt), mem.HHDMToPhys(f), mem.PageSize, pager.Attrs{Writable: true, User: true}, pager.Force4K); mapErr != nil {
				return mapErr
			}
			zeroPage(f, pageSize)
			frame = f
			st.havePage, st.pageVirt, st.frame = true, pageVirt, f
		}

		inPageOff := virt - pageVirt
		room := pageSize - inPageOff
		chunk := remaining
		if chunk > room {
			chunk = room
		}

		if sh.Type != shtNobits {
			dst := unsafeSliceAt(uintptr(frame)+uintptr(inPageOff), chunk)
			n := copy(dst, sliceAt(data, fileOff, chunk))
			zeroTail(dst[n:])
			fileOff += chunk
		}

		virt += chunk
		remaining -= chunk
	}
	return nil
}

// zeroPage fills an entire freshly allocated frame with zeros before any
// section data is copied into it.
func zeroPage(frame mem.VirtAddr, pageSize uint64) {
	zeroTail(unsafeSliceAt(uintptr(frame), pageSize))
}

// unsafeSliceAt views n bytes starting at the HHDM-dereferenceable address
// addr as a Go byte slice, for copying section payloads into freshly mapped
// frames.
func unsafeSliceAt(addr uintptr, n uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n) //nolint:govet
}

// sliceAt returns the n bytes of data starting at off, clamped to data's
// length (a short read happens only for a section whose declared size
// overruns a truncated image, already rejected by Parse's shEnd check for
// the section header table itself but not for payload bytes).
func sliceAt(data []byte, off, n uint64) []byte {
	end := off + n
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	if off > end {
		return nil
	}
	return data[off:end]
}

// zeroTail fills the remainder of a stride's destination when its source
// ran short (a truncated PROGBITS section, or nothing at all for NOBITS).
func zeroTail(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
