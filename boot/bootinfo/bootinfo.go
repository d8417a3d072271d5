// Package bootinfo implements the on-wire structures passed across the
// bootstrapper-to-kernel handoff (spec.md §6): the boot-meta record, the
// Arctan memory map entry, and the serialized freelist header. Every
// structure here is packed little-endian and decoded field by field through
// encoding/binary rather than read as a raw Go struct, since the two sides of
// the handoff are two different compilation units (and, during the
// 32-bit-to-64-bit transition, two different CPU modes) that must agree on
// wire layout without agreeing on Go struct padding.
package bootinfo

import (
	"bytes"
	"encoding/binary"

	"github.com/Masterminds/semver/v3"

	"arctan/kernel"
	"arctan/kernel/mem/pmm"
)

// flag bits within BootMeta.PagingFeatureFlags.
const (
	FlagNXAvailable    uint32 = 1 << 0
	FlagGiga1Available uint32 = 1 << 1
)

var (
	// ErrTruncated is returned when a buffer is too short to hold the
	// structure being decoded.
	ErrTruncated = &kernel.Error{Module: "bootinfo", Kind: kernel.ErrInvalidArgument, Message: "bootinfo: buffer truncated"}
)

// BootMeta is the fixed-layout structure handed from bootstrapper to kernel
// by physical pointer (spec.md §6). Field order is bit-exact and must not be
// reordered.
type BootMeta struct {
	ProtocolTag        uint32
	FirmwareInfo       uint64
	PMMHead            uint64
	HighestAddr        uint64
	KernelELFBase      uint64
	KernelELFLen       uint32
	InitramfsBase      uint64
	InitramfsLen       uint32
	HHDMBase           uint64
	ArctanMemMapPtr    uint64
	MemMapEntryCount   int32
	RSDPAddr           uint64
	PagingFeatureFlags uint32
}

// Encode writes b in wire order to buf.
func (b *BootMeta) Encode(buf *bytes.Buffer) error {
	return binary.Write(buf, binary.LittleEndian, b)
}

// Decode reads a BootMeta in wire order from data.
func Decode(data []byte) (*BootMeta, *kernel.Error) {
	var b BootMeta
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &b); err != nil {
		return nil, ErrTruncated
	}
	return &b, nil
}

// NXAvailable reports whether the bootstrapper observed NX support.
func (b *BootMeta) NXAvailable() bool { return b.PagingFeatureFlags&FlagNXAvailable != 0 }

// Giga1Available reports whether the bootstrapper observed 1 GiB page support.
func (b *BootMeta) Giga1Available() bool { return b.PagingFeatureFlags&FlagGiga1Available != 0 }

// MemMapEntry is one packed Arctan memory map record (spec.md §6). Type
// reuses pmm.RegionType directly: the wire encoding (1 = ACPI_RECLAIMABLE,
// 2 = AVAILABLE, 3 = BADRAM, 4 = NVS, 5 = RESERVED, 6 = BOOTSTRAP) and the
// kernel-side PMM's region classification are the same enumeration, so the
// boot-meta's re-encoded firmware map and the PMM's Init input share one
// type instead of two parallel ones that could drift apart.
type MemMapEntry struct {
	Type   pmm.RegionType
	Base   uint64
	Length uint64
}

// wireMemMapEntry is MemMapEntry with Type narrowed to its wire width (the
// spec's memory-map entry is `{ type: i32; base: u64; length: u64 }`;
// pmm.RegionType is a wider Go type so it isn't itself binary.Read/Write-safe).
type wireMemMapEntry struct {
	Type   int32
	Base   uint64
	Length uint64
}

// EncodeMemMap writes entries to buf in wire order.
func EncodeMemMap(buf *bytes.Buffer, entries []MemMapEntry) error {
	for _, e := range entries {
		w := wireMemMapEntry{Type: int32(e.Type), Base: e.Base, Length: e.Length}
		if err := binary.Write(buf, binary.LittleEndian, w); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMemMap reads count packed entries from data.
func DecodeMemMap(data []byte, count int) ([]MemMapEntry, *kernel.Error) {
	r := bytes.NewReader(data)
	entries := make([]MemMapEntry, count)
	for i := 0; i < count; i++ {
		var w wireMemMapEntry
		if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
			return nil, ErrTruncated
		}
		entries[i] = MemMapEntry{Type: pmm.RegionType(w.Type), Base: w.Base, Length: w.Length}
	}
	return entries, nil
}

// SerializedFreelistHeader is the PMM handoff record (spec.md §6): physical
// base/ceil/head plus object size, re-adopted by kernel/mem/pmm.Init.
type SerializedFreelistHeader struct {
	Head       uint64
	Base       uint64
	Ceil       uint64
	ObjectSize uint64
}

// Encode writes h in wire order to buf.
func (h *SerializedFreelistHeader) Encode(buf *bytes.Buffer) error {
	return binary.Write(buf, binary.LittleEndian, h)
}

// DecodeFreelistHeader reads a SerializedFreelistHeader from data.
func DecodeFreelistHeader(data []byte) (*SerializedFreelistHeader, *kernel.Error) {
	var h SerializedFreelistHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return nil, ErrTruncated
	}
	return &h, nil
}

// EncodeProtocolTag packs a semver version into the boot-meta's 32-bit
// protocol tag: one byte each for major/minor/patch, top byte reserved (and
// currently always zero). This is the capability-negotiation behavior
// recovered from original_source/ (see SPEC_FULL.md's supplemented
// features): a kernel built against a newer protocol than the bootstrapper
// understands must be rejected rather than silently misread.
func EncodeProtocolTag(v *semver.Version) uint32 {
	return uint32(v.Major())<<16 | uint32(v.Minor())<<8 | uint32(v.Patch())
}

// DecodeProtocolTag unpacks a boot-meta protocol tag back into a semver
// version.
func DecodeProtocolTag(tag uint32) *semver.Version {
	major := (tag >> 16) & 0xFF
	minor := (tag >> 8) & 0xFF
	patch := tag & 0xFF
	return semver.New(uint64(major), uint64(minor), uint64(patch), "", "")
}

// CheckProtocolCompatible reports whether the boot-meta's protocol tag
// satisfies constraint (a semver constraint string, e.g. ">= 1.0.0, < 2.0.0"
// — the kernel's declared compatibility range). Returns ErrProtocolMismatch
// if it does not.
func CheckProtocolCompatible(tag uint32, constraint string) *kernel.Error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return &kernel.Error{Module: "bootinfo", Kind: kernel.ErrInvalidArgument, Message: "bootinfo: malformed protocol constraint: " + err.Error()}
	}
	if !c.Check(DecodeProtocolTag(tag)) {
		return &kernel.Error{Module: "bootinfo", Kind: kernel.ErrProtocolMismatch, Message: "bootinfo: boot protocol tag incompatible with this kernel build"}
	}
	return nil
}
