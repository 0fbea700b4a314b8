package blockalloc

// listRun is one node of the intrusive doubly-linked run list, kept in
// a flat arena and addressed by index rather than pointer so growth is
// a plain slice append and a freed node is just pushed back onto a
// freelist, the same shape kernel/threads/arena/slab.go's SlabCache
// uses for its slab pages even though the payload here is address
// ranges instead of fixed-size objects.
type listRun struct {
	base, size uint64
	typ        RegionType
	prev, next int32 // arena indices, -1 for none
}

// listEngine is the run-list engine. Free and Reserved runs are kept
// as one address-ordered list; Allocator runs (the list's own pool
// growth pages) are spliced into the same list so the full range is
// always covered by exactly one run per block.
type listEngine struct {
	fe  *frontend
	cfg Config
	log *Logger

	arena      []listRun
	freeSlots  []int32
	head, tail int32
	usedNodes  int

	cursor int32 // next-fit resume point, -1 = none

	hostBlocks uint64 // blocks handed to pool growth, accounted as wasted
	filter     *baseFilter
}

func newListEngine(cfg Config) *listEngine {
	return &listEngine{cfg: cfg, log: cfg.logger(), head: -1, tail: -1, cursor: -1}
}

func (e *listEngine) init(fe *frontend, blocks []RegionBlocks) bool {
	e.fe = fe
	e.filter = newBaseFilter(e.cfg.BloomFilterBits)

	seed := e.cfg.ListSeedPoolNodes
	if seed <= 0 {
		seed = 64
	}
	e.arena = make([]listRun, 0, seed)

	covering := fillGaps(blocks, fe.memSizeBlks)
	prev := int32(-1)
	for _, b := range covering {
		idx := e.rawNewSlot(listRun{base: b.Base, size: b.Size, typ: b.Type})
		e.usedNodes++
		e.spliceNode(idx, prev, -1)
		prev = idx
		if b.Type == Reserved {
			e.filter.record(b.Base)
		}
	}
	// Seed pool: slots beyond the initial runs start out free, so splits
	// draw from them before any pool growth is needed.
	for i := len(e.arena); i < seed; i++ {
		e.arena = append(e.arena, listRun{})
		e.freeSlots = append(e.freeSlots, int32(i))
	}

	return true
}

// --- arena / list bookkeeping ---

func (e *listEngine) rawNewSlot(r listRun) int32 {
	if n := len(e.freeSlots); n > 0 {
		idx := e.freeSlots[n-1]
		e.freeSlots = e.freeSlots[:n-1]
		e.arena[idx] = r
		return idx
	}
	e.arena = append(e.arena, r)
	return int32(len(e.arena) - 1)
}

// spliceNode links a freshly built node idx between prev and next,
// fixing up head/tail as needed. It does not touch idx's own base/size/typ.
func (e *listEngine) spliceNode(idx, prev, next int32) {
	e.arena[idx].prev = prev
	e.arena[idx].next = next
	if prev != -1 {
		e.arena[prev].next = idx
	} else {
		e.head = idx
	}
	if next != -1 {
		e.arena[next].prev = idx
	} else {
		e.tail = idx
	}
}

// unlink removes idx from the chain without recycling its slot.
func (e *listEngine) unlink(idx int32) {
	p, n := e.arena[idx].prev, e.arena[idx].next
	if p != -1 {
		e.arena[p].next = n
	} else {
		e.head = n
	}
	if n != -1 {
		e.arena[n].prev = p
	} else {
		e.tail = p
	}
}

func (e *listEngine) recycle(idx int32) {
	e.freeSlots = append(e.freeSlots, idx)
	e.usedNodes--
	if e.cursor == idx {
		e.cursor = -1
	}
}

// newNode allocates a node for a split, growing the pool first if the
// freelist is dry and again afterwards if occupancy passes
// PoolGrowthThreshold.
func (e *listEngine) newNode(r listRun) (int32, bool) {
	if len(e.freeSlots) == 0 {
		if !e.growPool() {
			return -1, false
		}
	}
	idx := e.rawNewSlot(r)
	e.usedNodes++
	if threshold := e.cfg.PoolGrowthThreshold; threshold > 0 &&
		float64(e.usedNodes)/float64(len(e.arena)) > threshold {
		e.growPool()
	}
	return idx, true
}

// growPool claims one block from the largest Free run to host a fresh
// batch of node slots. This is the Go-idiomatic stand-in for carving
// backing memory out of the managed range itself: the claimed block is
// marked Allocator in the run list (and so is visible via GetState and
// Dump exactly like any other metadata block), while the node slots
// themselves live in the ordinary Go heap rather than literally inside
// that block.
func (e *listEngine) growPool() bool {
	best := e.largestFreeRun()
	if best == -1 {
		return false
	}

	claimBase := e.arena[best].base
	var idx int32
	if e.arena[best].size == 1 {
		oldPrev, oldNext := e.arena[best].prev, e.arena[best].next
		e.unlink(best)
		e.freeSlots = append(e.freeSlots, best)
		idx = e.rawNewSlot(listRun{base: claimBase, size: 1, typ: Allocator})
		e.spliceNode(idx, oldPrev, oldNext)
	} else {
		prevOfBest := e.arena[best].prev
		e.arena[best].base++
		e.arena[best].size--
		idx = e.rawNewSlot(listRun{base: claimBase, size: 1, typ: Allocator})
		e.spliceNode(idx, prevOfBest, best)
	}
	e.usedNodes++
	e.hostBlocks++
	e.mergeSameTypeNeighbors(idx)

	batch := e.cfg.ListSeedPoolNodes
	if batch <= 0 {
		batch = 16
	}
	start := len(e.arena)
	e.arena = append(e.arena, make([]listRun, batch)...)
	for i := 0; i < batch; i++ {
		e.freeSlots = append(e.freeSlots, int32(start+i))
	}
	return true
}

func (e *listEngine) largestFreeRun() int32 {
	best := int32(-1)
	var bestSize uint64
	for i := e.head; i != -1; i = e.arena[i].next {
		if e.arena[i].typ == Free && e.arena[i].size > bestSize {
			best, bestSize = i, e.arena[i].size
		}
	}
	return best
}

// mergeSameTypeNeighbors absorbs idx's immediate neighbors if they
// share its type, keeping the invariant that no two adjacent runs have
// the same type. Used both after a free() (merging Free runs) and
// after growPool (merging Allocator runs that happen to land next to
// each other across successive growth events).
func (e *listEngine) mergeSameTypeNeighbors(idx int32) {
	typ := e.arena[idx].typ
	if p := e.arena[idx].prev; p != -1 && e.arena[p].typ == typ {
		e.arena[p].size += e.arena[idx].size
		e.unlink(idx)
		e.recycle(idx)
		idx = p
	}
	if n := e.arena[idx].next; n != -1 && e.arena[n].typ == typ {
		e.arena[idx].size += e.arena[n].size
		e.unlink(n)
		e.recycle(n)
	}
}

// --- search strategies ---

func (e *listEngine) firstFit(n uint64) int32 {
	for i := e.head; i != -1; i = e.arena[i].next {
		if e.arena[i].typ == Free && e.arena[i].size >= n {
			return i
		}
	}
	return -1
}

func (e *listEngine) nextFit(n uint64) int32 {
	start := e.cursor
	if start == -1 {
		start = e.head
	}
	if start == -1 {
		return -1
	}
	idx := start
	wrapped := false
	for {
		if e.arena[idx].typ == Free && e.arena[idx].size >= n {
			return idx
		}
		nxt := e.arena[idx].next
		if nxt == -1 {
			if wrapped {
				break
			}
			wrapped = true
			nxt = e.head
		}
		if nxt == start {
			break
		}
		idx = nxt
	}
	return -1
}

func (e *listEngine) extremeFit(n uint64, best bool) int32 {
	chosen := int32(-1)
	var chosenSize uint64
	for i := e.head; i != -1; i = e.arena[i].next {
		if e.arena[i].typ != Free || e.arena[i].size < n {
			continue
		}
		if chosen == -1 ||
			(best && e.arena[i].size < chosenSize) ||
			(!best && e.arena[i].size > chosenSize) {
			chosen, chosenSize = i, e.arena[i].size
		}
	}
	return chosen
}

// --- engine interface ---

func (e *listEngine) allocate(n uint32) (uint64, bool) {
	nb := uint64(n)
	var f int32
	switch e.cfg.Strategy {
	case NextFit:
		f = e.nextFit(nb)
	case BestFit:
		f = e.extremeFit(nb, true)
	case WorstFit:
		f = e.extremeFit(nb, false)
	default:
		f = e.firstFit(nb)
	}
	if f == -1 {
		return 0, false
	}

	base, ok := e.splitForAllocation(f, nb)
	if !ok {
		return 0, false
	}
	if e.cfg.Strategy == NextFit {
		e.cursor = e.findNodeByBase(base)
	}
	return base, true
}

// splitForAllocation carves n blocks from the start of free run f,
// marking them Reserved. If f is consumed exactly it is flipped in
// place; otherwise a new Reserved node is spliced in before the
// (now-shrunk) remainder.
func (e *listEngine) splitForAllocation(f int32, n uint64) (uint64, bool) {
	base := e.arena[f].base
	if e.arena[f].size == n {
		e.arena[f].typ = Reserved
		e.filter.record(base)
		return base, true
	}

	idx, ok := e.newNode(listRun{base: base, size: n, typ: Reserved})
	if !ok {
		return 0, false
	}
	prevOfF := e.arena[f].prev
	e.spliceNode(idx, prevOfF, f)
	e.arena[f].base += n
	e.arena[f].size -= n
	e.filter.record(base)
	return base, true
}

func (e *listEngine) free(base uint64, n uint32) {
	if !e.filter.maybeKnown(base) {
		return
	}
	idx := e.findNodeByBase(base)
	if idx == -1 || e.arena[idx].typ != Reserved || e.arena[idx].size != uint64(n) {
		return
	}
	e.arena[idx].typ = Free
	e.mergeSameTypeNeighbors(idx)
}

func (e *listEngine) findNodeByBase(base uint64) int32 {
	for i := e.head; i != -1; i = e.arena[i].next {
		if e.arena[i].base == base {
			return i
		}
	}
	return -1
}

func (e *listEngine) getState(block uint64) RegionType {
	for i := e.head; i != -1; i = e.arena[i].next {
		r := e.arena[i]
		if block >= r.base && block < r.base+r.size {
			return r.typ
		}
	}
	return Unmapped
}

func (e *listEngine) wastedBlocks() uint64 { return e.hostBlocks }

// compact re-walks the list merging any adjacent same-type runs it
// finds and reports how many list nodes the merge recycled. In normal operation free() and growPool already merge eagerly,
// so this is a defensive sweep rather than something callers need on a
// regular cadence.
func (e *listEngine) compact() int {
	merged := 0
	for i := e.head; i != -1; {
		next := e.arena[i].next
		if next != -1 && e.arena[i].typ == e.arena[next].typ {
			e.arena[i].size += e.arena[next].size
			e.unlink(next)
			e.recycle(next)
			merged++
			continue // re-check i against its new next
		}
		i = next
	}
	return merged
}

func (e *listEngine) dumpInto(enc *dumpEncoder) {
	blockList := make([]map[string]any, 0, e.usedNodes)
	for i := e.head; i != -1; i = e.arena[i].next {
		r := e.arena[i]
		entry := map[string]any{
			"id":   i,
			"base": r.base,
			"size": r.size,
			"type": r.typ.String(),
		}
		if r.prev != -1 {
			entry["prev"] = r.prev
		}
		if r.next != -1 {
			entry["next"] = r.next
		}
		blockList = append(blockList, entry)
	}
	enc.set("block_list", blockList)
	enc.set("node_pool_capacity", len(e.arena))
	enc.set("node_pool_used", e.usedNodes)
}
