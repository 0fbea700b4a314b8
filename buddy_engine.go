package blockalloc

import "strconv"

// buddyEngine is the power-of-two splitting/coalescing engine. Layer 0
// is the finest granularity (one leaf per block); each layer above
// halves the slot count and doubles the span a slot covers, up to
// Config.BuddyLayers-1. used[l] holds one bit per slot at layer l:
// true means the slot is unavailable as a single whole free block,
// either because it is itself allocated/reserved or because it has
// been split into two finer slots. The invariant
// used[l+1][i] == used[l][2i] || used[l][2i+1] (every slot's
// availability is the logical OR of its two children's) is maintained
// by bubbleUp after every structural change, the buddy analogue of the
// free/reserved bookkeeping the other engines keep in a run list or
// tree instead.
type buddyEngine struct {
	fe     *frontend
	cfg    Config
	log    *Logger
	layers int

	used     [][]bool
	leafType []RegionType // per layer-0 leaf: Free, Reserved, or Allocator

	// orderOf records, for every base currently held by the ordered
	// (power-of-two) path, the order it was granted at. A base with no
	// entry here was satisfied by the leaf sweep instead; free() uses
	// this to pick the matching release path rather than guessing from
	// bitmap state, which a neighboring Reserved leaf could make look
	// like a whole allocated slot when it isn't one.
	orderOf map[uint64]int

	wasted uint64

	// lastAlloc records the layer/index/count of the most recent
	// successful allocate call, in this type's own layer numbering
	// (layer 0 finest). Used only by dumpInto to mark the cells the
	// last allocation touched; untouched by free.
	lastAlloc      struct{ layer, index, count int }
	lastAllocValid bool
}

func newBuddyEngine(cfg Config) *buddyEngine {
	layers := cfg.BuddyLayers
	if layers <= 0 {
		layers = 10
	}
	return &buddyEngine{cfg: cfg, log: cfg.logger(), layers: layers, orderOf: make(map[uint64]int)}
}

func (e *buddyEngine) init(fe *frontend, blocks []RegionBlocks) bool {
	e.fe = fe
	leafCount := 1 << uint(e.layers-1)
	if fe.memSizeBlks > uint64(leafCount) {
		// BuddyLayers is too shallow to address the whole managed range;
		// the caller must raise it rather than silently losing blocks.
		return false
	}

	e.used = make([][]bool, e.layers)
	for l := 0; l < e.layers; l++ {
		e.used[l] = make([]bool, 1<<uint(e.layers-1-l))
	}
	e.leafType = make([]RegionType, leafCount)

	for i := range e.leafType {
		e.leafType[i] = Reserved // covers both real gaps and padding past memSizeBlks
	}
	covering := fillGaps(blocks, fe.memSizeBlks)
	for _, b := range covering {
		for i := b.Base; i < b.end() && int(i) < leafCount; i++ {
			e.leafType[i] = b.Type
			if b.Type != Free {
				e.used[0][i] = true
			}
		}
	}
	e.rebuildFromLeaves()
	return true
}

// rebuildFromLeaves recomputes every layer above 0 in one bottom-up
// pass, used at init where touching every leaf individually and
// bubbling each one up would be quadratic for no benefit.
func (e *buddyEngine) rebuildFromLeaves() {
	for l := 0; l < e.layers-1; l++ {
		upper := e.used[l+1]
		lower := e.used[l]
		for i := range upper {
			upper[i] = lower[2*i] || lower[2*i+1]
		}
	}
}

func (e *buddyEngine) bubbleUp(fromLayer, idx int) {
	for l := fromLayer; l < e.layers-1; l++ {
		parent := idx / 2
		e.used[l+1][parent] = e.used[l][parent*2] || e.used[l][parent*2+1]
		idx = parent
	}
}

func (e *buddyEngine) findFree(order int) (layer, idx int, ok bool) {
	for l := order; l < e.layers; l++ {
		for i, u := range e.used[l] {
			if !u {
				return l, i, true
			}
		}
	}
	return 0, 0, false
}

func (e *buddyEngine) splitDown(fromLayer, fromIdx, toLayer int) int {
	idx := fromIdx
	for l := fromLayer; l > toLayer; l-- {
		left, right := idx*2, idx*2+1
		e.used[l-1][right] = false
		e.used[l-1][left] = true
		idx = left
	}
	return idx
}

func (e *buddyEngine) allocate(n uint32) (uint64, bool) {
	nb := uint64(n)
	if order := int(log2Ceil(nb)); order < e.layers {
		if layer, idx, ok := e.findFree(order); ok {
			target := idx
			if layer > order {
				target = e.splitDown(layer, idx, order)
			} else {
				e.used[order][target] = true
			}
			// Bubble down: every finer cell under the chosen slot is used too.
			for l := order - 1; l >= 0; l-- {
				for i := target << uint(order-l); i < (target+1)<<uint(order-l); i++ {
					e.used[l][i] = true
				}
			}
			e.bubbleUp(order, target)

			base := uint64(target) << uint(order)
			slotSize := uint64(1) << uint(order)
			e.markLeafRange(base, slotSize, Reserved)
			e.wasted += slotSize - nb
			e.orderOf[base] = order
			e.lastAlloc = struct{ layer, index, count int }{order, target, 1}
			e.lastAllocValid = true
			return base, true
		}
	}
	// The strict buddy search found no single whole slot of the right
	// order - either fragmentation left only an unaligned run free, or n
	// is bigger than any order this tree can address directly. Either
	// way, fall back to a raw contiguous sweep over layer-0 leaves,
	// bypassing power-of-two alignment entirely.
	return e.allocateLarge(nb)
}

// markLeafRange stamps leafType for every leaf in [base, base+size).
func (e *buddyEngine) markLeafRange(base, size uint64, typ RegionType) {
	for i := base; i < base+size && int(i) < len(e.leafType); i++ {
		e.leafType[i] = typ
	}
}

// allocateLarge satisfies a request the strict order-based search
// couldn't with a plain contiguous-run sweep over the layer-0 leaves.
// No power-of-two rounding happens here, so a leaf-swept allocation
// carries no internal-fragmentation waste.
func (e *buddyEngine) allocateLarge(n uint64) (uint64, bool) {
	leaves := e.used[0]
	var run uint64
	for i := 0; i < len(leaves); i++ {
		if leaves[i] {
			run = 0
			continue
		}
		run++
		if run == n {
			base := uint64(i+1) - n
			for b := base; b < base+n; b++ {
				e.used[0][b] = true
				e.leafType[b] = Reserved
				e.bubbleUp(0, int(b))
			}
			e.lastAlloc = struct{ layer, index, count int }{0, int(base), int(n)}
			e.lastAllocValid = true
			return base, true
		}
	}
	return 0, false
}

// free mirrors allocate's two paths: a base recorded in orderOf was
// produced by the ordered (power-of-two) path; anything else must
// have come from the leaf sweep, and is freed leaf by leaf instead.
func (e *buddyEngine) free(base uint64, n uint32) {
	if order, ok := e.orderOf[base]; ok {
		e.freeOrdered(order, int(base>>uint(order)), uint64(n))
		return
	}
	e.freeLarge(base, uint64(n))
}

func (e *buddyEngine) freeOrdered(order, idx int, nb uint64) {
	slotSize := uint64(1) << uint(order)
	base := uint64(idx) << uint(order)
	e.markLeafRange(base, slotSize, Free)
	e.wasted -= slotSize - nb
	delete(e.orderOf, base)
	for l := order - 1; l >= 0; l-- {
		for i := idx << uint(order-l); i < (idx+1)<<uint(order-l); i++ {
			e.used[l][i] = false
		}
	}

	layer := order
	for {
		e.used[layer][idx] = false
		if layer >= e.layers-1 {
			break
		}
		buddy := idx ^ 1
		if e.used[layer][buddy] {
			break
		}
		idx /= 2
		layer++
	}
	e.bubbleUp(layer, idx)
}

func (e *buddyEngine) freeLarge(base uint64, n uint64) {
	for b := base; b < base+n; b++ {
		if int(b) >= len(e.used[0]) || !e.used[0][b] {
			return // any unallocated leaf makes the whole request a no-op
		}
	}
	for b := base; b < base+n; b++ {
		e.used[0][b] = false
		e.leafType[b] = Free
		e.bubbleUp(0, int(b))
	}
}

func (e *buddyEngine) getState(block uint64) RegionType {
	if int(block) >= len(e.leafType) {
		return Unmapped
	}
	return e.leafType[block]
}

func (e *buddyEngine) wastedBlocks() uint64 { return e.wasted }

// dumpInto emits one bitmap string per layer, keyed by the layer's
// spec-facing index: 0 is the single top-level block spanning the
// whole managed range, L-1 is the leaf layer addressed in units of
// small_block_size. That is the reverse of this type's own layer
// numbering (0 finest), so layer indices are flipped here.
func (e *buddyEngine) dumpInto(enc *dumpEncoder) {
	bitmap := make(map[string]string, e.layers)
	var totalBits uint64
	for l := 0; l < e.layers; l++ {
		specLayer := e.layers - 1 - l
		row := e.used[l]
		bits := make([]byte, len(row))
		for i, u := range row {
			if u {
				bits[i] = '1'
			} else {
				bits[i] = '0'
			}
		}
		if e.lastAllocValid && e.lastAlloc.layer == l {
			for k := 0; k < e.lastAlloc.count; k++ {
				if idx := e.lastAlloc.index + k; idx < len(bits) {
					bits[idx] = '2'
				}
			}
		}
		bitmap[strconv.Itoa(specLayer)] = string(bits)
		totalBits += uint64(len(row))
	}

	enc.set("small_block_size", e.cfg.BlockSize)
	enc.set("big_block_size", e.cfg.BlockSize<<uint(e.layers-1))
	enc.set("blocks_layer0", len(e.used[e.layers-1]))
	enc.set("bitmap_size", divRoundUp(totalBits, 8))
	enc.set("bitmap", bitmap)
	enc.set("wasted_blocks", e.wasted)
}
