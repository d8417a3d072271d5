package mem

// HHDMBase is the virtual base of the higher-half direct map: the fixed
// offset at which every byte of AVAILABLE physical RAM is permanently
// mirrored (spec.md §3, §4.7, §6). It is 192 TiB up, chosen so the window
// never collides with the kernel's own link-time VMA.
const HHDMBase VirtAddr = 0xFFFFC00000000000

// PhysAddr is a physical memory address. Declaring it as a distinct type
// from VirtAddr (spec.md §9 "Duck-typed pointer arithmetic") prevents the
// two address spaces from being mixed without going through PhysToHHDM /
// HHDMToPhys.
type PhysAddr uintptr

// VirtAddr is a virtual memory address.
type VirtAddr uintptr

// Aligned reports whether p is page-aligned.
func (p PhysAddr) Aligned() bool { return p&PhysAddr(PageSize-1) == 0 }

// Aligned reports whether v is page-aligned.
func (v VirtAddr) Aligned() bool { return v&VirtAddr(PageSize-1) == 0 }

// PhysToHHDM converts a physical address to its higher-half direct-mapped
// virtual address. The conversion is a pure addition: the HHDM invariant
// (spec.md §4.7, C7) guarantees the result is valid for the lifetime of the
// kernel as long as p falls within an AVAILABLE region.
func PhysToHHDM(p PhysAddr) VirtAddr {
	return HHDMBase + VirtAddr(p)
}

// HHDMToPhys converts a higher-half direct-mapped virtual address back to
// its physical address. The conversion is a pure subtraction; v must lie at
// or above HHDMBase.
func HHDMToPhys(v VirtAddr) PhysAddr {
	return PhysAddr(v - HHDMBase)
}
