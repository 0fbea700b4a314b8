package blockalloc

import "sort"

// RegionType tags a byte range or block run with its occupancy state.
type RegionType int

const (
	// Free blocks are available for allocation.
	Free RegionType = iota
	// Reserved blocks are permanently off-limits to the allocator (boot
	// images, MMIO holes, firmware-reserved ranges, ...).
	Reserved
	// Unmapped is returned for addresses outside the managed range.
	Unmapped
	// Allocator marks bytes the engine has claimed for its own bookkeeping.
	Allocator
)

func (t RegionType) String() string {
	switch t {
	case Free:
		return "Free"
	case Reserved:
		return "Reserved"
	case Unmapped:
		return "Unmapped"
	case Allocator:
		return "Allocator"
	default:
		return "Invalid"
	}
}

// Region is caller-supplied input at byte granularity. Regions may be
// unsorted, may overlap, and need not be block-aligned. Type must be
// Free or Reserved; anything else is a contract violation.
type Region struct {
	Base uint64
	Size uint64
	Type RegionType
}

// RegionBlocks is the normalised, block-granularity output: sorted
// ascending by Base, non-overlapping, every entry's Size >= 1.
type RegionBlocks struct {
	Base uint64
	Size uint64
	Type RegionType
}

func (r RegionBlocks) end() uint64 { return r.Base + r.Size }

// normalizeRegions turns the raw caller Region table into mem_base,
// mem_size_bytes, and a clean, sorted, non-overlapping block-
// granularity partition, resolving any overlap in favor of Reserved.
func normalizeRegions(blockSize uint64, regions []Region) (memBase, memSizeBytes uint64, blocks []RegionBlocks) {
	if len(regions) == 0 {
		return 0, 0, nil
	}

	memBase = regions[0].Base
	memEnd := regions[0].Base + regions[0].Size
	for _, r := range regions[1:] {
		if r.Base < memBase {
			memBase = r.Base
		}
		if end := r.Base + r.Size; end > memEnd {
			memEnd = end
		}
	}
	memSizeBytes = memEnd - memBase

	converted := make([]RegionBlocks, 0, len(regions))
	for _, r := range regions {
		switch r.Type {
		case Reserved:
			base := (r.Base - memBase) / blockSize
			size := divRoundUp(r.Size, blockSize)
			if size > 0 {
				converted = append(converted, RegionBlocks{Base: base, Size: size, Type: Reserved})
			}
		case Free:
			base := divRoundUp(r.Base-memBase, blockSize)
			size := r.Size / blockSize
			// A free region whose base lands past its own end after
			// rounding up contributes nothing.
			if size > 0 {
				converted = append(converted, RegionBlocks{Base: base, Size: size, Type: Free})
			}
		default:
			panic("blockalloc: Region.Type must be Free or Reserved")
		}
	}

	return memBase, memSizeBytes, resolveOverlaps(converted)
}

// resolveOverlaps repeatedly finds the first adjacent overlapping (or,
// for same-type runs, touching) pair in sorted order and resolves it,
// until a full pass makes no change. Region tables in this domain are
// small (a handful to a few dozen entries), so the O(n^2) worst case
// sort-and-rescan is not a concern.
func resolveOverlaps(list []RegionBlocks) []RegionBlocks {
	const maxIterations = 1 << 20 // defensive bound against a logic bug, never expected to trip
	for iter := 0; ; iter++ {
		if iter > maxIterations {
			panic("blockalloc: resolveOverlaps did not converge")
		}
		sortBlocks(list)
		next, changed := resolveOnePair(list)
		list = next
		if !changed {
			return list
		}
	}
}

func sortBlocks(list []RegionBlocks) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Base != list[j].Base {
			return list[i].Base < list[j].Base
		}
		return list[i].Size < list[j].Size
	})
}

// resolveOnePair scans sorted, already-deduplicated-of-zero-size
// entries for the first pair that needs resolving and replaces it.
func resolveOnePair(list []RegionBlocks) ([]RegionBlocks, bool) {
	for i := 0; i+1 < len(list); i++ {
		a, b := list[i], list[i+1]
		aEnd := a.end()
		sameType := a.Type == b.Type
		// Same-type runs merge on touch or overlap; different-type runs
		// only need resolving when they truly overlap (touching is a
		// legitimate adjacency, e.g. Free immediately followed by Reserved).
		act := (sameType && b.Base <= aEnd) || (!sameType && b.Base < aEnd)
		if !act {
			continue
		}

		var replacement []RegionBlocks
		if sameType {
			bEnd := b.end()
			replacement = []RegionBlocks{{Base: a.Base, Size: maxU64(aEnd, bEnd) - a.Base, Type: a.Type}}
		} else {
			reserved, free := a, b
			if free.Type == Reserved {
				reserved, free = b, a
			}
			resEnd := reserved.end()
			freeEnd := free.end()
			replacement = append(replacement, reserved)
			if free.Base < reserved.Base {
				replacement = append(replacement, RegionBlocks{Base: free.Base, Size: reserved.Base - free.Base, Type: Free})
			}
			if freeEnd > resEnd {
				replacement = append(replacement, RegionBlocks{Base: resEnd, Size: freeEnd - resEnd, Type: Free})
			}
		}

		out := make([]RegionBlocks, 0, len(list)-2+len(replacement))
		out = append(out, list[:i]...)
		out = append(out, replacement...)
		out = append(out, list[i+2:]...)
		return out, true
	}
	return list, false
}

// fillGaps inserts a synthetic Reserved run anywhere the normalised
// partition leaves a hole (including before the first entry or after
// the last), so engines that walk an address-ordered structure never
// need to special-case "no run covers this block". Structural engines
// (list, tree, buddy) need this; the bitmap engine doesn't, since its
// all-bits-start-used initialisation already treats an uncovered block
// as occupied for free.
func fillGaps(blocks []RegionBlocks, memSizeBlks uint64) []RegionBlocks {
	out := make([]RegionBlocks, 0, len(blocks)+2)
	var cursor uint64
	for _, b := range blocks {
		if b.Base > cursor {
			out = append(out, RegionBlocks{Base: cursor, Size: b.Base - cursor, Type: Reserved})
		}
		out = append(out, b)
		cursor = b.end()
	}
	if cursor < memSizeBlks {
		out = append(out, RegionBlocks{Base: cursor, Size: memSizeBlks - cursor, Type: Reserved})
	}
	return mergeAdjacentSameType(out)
}

func mergeAdjacentSameType(list []RegionBlocks) []RegionBlocks {
	if len(list) == 0 {
		return list
	}
	out := make([]RegionBlocks, 0, len(list))
	out = append(out, list[0])
	for _, b := range list[1:] {
		last := &out[len(out)-1]
		if last.Type == b.Type && last.end() == b.Base {
			last.Size += b.Size
		} else {
			out = append(out, b)
		}
	}
	return out
}
