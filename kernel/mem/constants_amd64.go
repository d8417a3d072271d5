// +build amd64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// LargePageShift is log2(LargePageSize), the 2 MiB page-table-level-2
	// terminating page size (spec.md C3 invariant ii).
	LargePageShift = 21

	// LargePageSize is the size of a level-2-terminated (2 MiB) page.
	LargePageSize = Size(1 << LargePageShift)

	// HugePageShift is log2(HugePageSize), the 1 GiB page-table-level-3
	// terminating page size (spec.md C3 invariant i).
	HugePageShift = 30

	// HugePageSize is the size of a level-3-terminated (1 GiB) page.
	HugePageSize = Size(1 << HugePageShift)

	// PageLevels is the depth of the paging hierarchy: PML4, PDPT, PD, PT.
	PageLevels = 4

	// PageLevelBits is the number of bits each paging level indexes with.
	PageLevelBits = 9
)
