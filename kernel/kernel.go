// Package kernel provides types shared across every core package: the error
// value used in place of Go's heap-allocating error interface, and the raw
// memory primitives (Memset/Memcopy) that sit below any allocator.
package kernel

// ErrKind classifies a kernel Error. It exists so that callers can switch on
// failure category (spec.md §7) without string-matching Message.
type ErrKind uint8

const (
	// ErrUnknown is the zero value; used for panics with no specific cause.
	ErrUnknown ErrKind = iota

	// ErrOutOfMemory indicates that no frame/slot was available.
	ErrOutOfMemory

	// ErrNoContiguousRun indicates free frames exist but not adjacently.
	ErrNoContiguousRun

	// ErrObjectSizeMismatch indicates a freelist link between lists of
	// different slot sizes.
	ErrObjectSizeMismatch

	// ErrAlreadyMapped indicates a target VA is present and OVW was not set.
	ErrAlreadyMapped

	// ErrTableMissing indicates NO-CREATE was set and an interior table is absent.
	ErrTableMissing

	// ErrOverlapsKernel indicates an ELF section would extend into the HHDM window.
	ErrOverlapsKernel

	// ErrNotElf64 indicates a bad ELF header signature or wrong class.
	ErrNotElf64

	// ErrUnsupportedCPU indicates the CPU lacks PAE or long-mode support.
	ErrUnsupportedCPU

	// ErrProtocolMismatch indicates the boot-meta protocol tag is
	// incompatible between bootstrapper and kernel (SPEC_FULL.md).
	ErrProtocolMismatch

	// ErrRegionOverlap indicates two freelists or memory regions overlap
	// when they are required to be disjoint.
	ErrRegionOverlap

	// ErrInvalidArgument indicates a malformed caller-supplied argument,
	// e.g. a misaligned address or an out-of-range slot count.
	ErrInvalidArgument

	// ErrCorruptFreelist indicates a freelist traversal exceeded its
	// maximum possible slot count, implying a cycle or a stray pointer.
	ErrCorruptFreelist
)

// Error describes a kernel error. Most kernel errors are defined as global
// variables that are pointers to this structure, because the Go allocator is
// not available to us so we cannot use errors.New. A few boot-side call sites
// (boot/handoff, boot/bootinfo, internal/bootwatch) build an *Error inline to
// carry a per-call message.
type Error struct {
	// The module where the error occurred.
	Module string

	// The kind of failure; see ErrKind.
	Kind ErrKind

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
