package blockalloc

// treeEngine backs both the unbalanced BST and balanced BBST engine
// kinds with one avlTree holding every run (Free, Reserved, and
// Allocator) keyed by base. balanced selects whether insert/delete
// rebalance; everything else about the two is identical.
type treeEngine struct {
	fe  *frontend
	cfg Config
	log *Logger

	tree   *avlTree
	cursor int32 // next-fit resume point, -1 = none

	hostBlocks uint64
	filter     *baseFilter
}

func newTreeEngine(cfg Config, balanced bool) *treeEngine {
	return &treeEngine{cfg: cfg, log: cfg.logger(), tree: newAVLTree(balanced), cursor: -1}
}

func (e *treeEngine) init(fe *frontend, blocks []RegionBlocks) bool {
	e.fe = fe
	e.filter = newBaseFilter(e.cfg.BloomFilterBits)
	for _, b := range fillGaps(blocks, fe.memSizeBlks) {
		e.tree.insert(b.Base, b.Size, b.Type)
		if b.Type == Reserved {
			e.filter.record(b.Base)
		}
	}
	return true
}

func (e *treeEngine) largestFreeRun() (uint64, uint64, bool) {
	idx := e.tree.largestOfType(Free)
	if idx == -1 {
		return 0, 0, false
	}
	n := e.tree.nodes[idx]
	return n.base, n.size, true
}

// growPool claims one block from the largest Free run and inserts it
// as a fresh Allocator run, merging it into any adjacent Allocator
// neighbor. The node pool itself is an ordinary Go slice inside
// avlTree, so unlike the list engine there is no separate node-pool
// capacity to grow in batches; this purely accounts for the claimed
// block as wasted.
func (e *treeEngine) growPool() bool {
	base, size, ok := e.largestFreeRun()
	if !ok {
		return false
	}
	freeIdx := e.tree.search(base)
	if size == 1 {
		e.tree.delete(freeIdx)
	} else {
		e.tree.nodes[freeIdx].base++
		e.tree.nodes[freeIdx].size--
	}
	idx := e.tree.insert(base, 1, Allocator)
	e.tree.mergeSameTypeNeighbors(idx)
	e.hostBlocks++
	return true
}

func (e *treeEngine) allocate(n uint32) (uint64, bool) {
	nb := uint64(n)
	var f int32
	switch e.cfg.Strategy {
	case NextFit:
		f = e.nextFit(nb)
	case BestFit:
		f = e.tree.extremeFit(nb, Free, true)
	case WorstFit:
		f = e.tree.extremeFit(nb, Free, false)
	default:
		f = e.tree.firstFit(nb, Free)
	}
	if f == -1 {
		return 0, false
	}

	base := e.tree.nodes[f].base
	size := e.tree.nodes[f].size
	if size == nb {
		e.tree.nodes[f].typ = Reserved
	} else {
		if !e.ensureGrowthHeadroom() {
			return 0, false
		}
		e.tree.nodes[f].base += nb
		e.tree.nodes[f].size -= nb
		e.tree.insert(base, nb, Reserved)
	}
	e.filter.record(base)
	if e.cfg.Strategy == NextFit {
		e.cursor = e.tree.search(base)
	}
	return base, true
}

// ensureGrowthHeadroom proactively grows the backing pool once
// occupancy crosses the configured threshold. avlTree never runs out
// of slots on its own (it grows its backing Go slice lazily), so a
// failure here only ever means the managed range itself has no Free
// block left to host more metadata, which callers must treat as
// exhaustion rather than silently proceeding.
func (e *treeEngine) ensureGrowthHeadroom() bool {
	threshold := e.cfg.PoolGrowthThreshold
	if threshold <= 0 || float64(e.tree.count)/float64(len(e.tree.nodes)+1) <= threshold {
		return true
	}
	return e.growPool()
}

func (e *treeEngine) nextFit(n uint64) int32 {
	start := e.cursor
	if start == -1 {
		if e.tree.root == -1 {
			return -1
		}
		start = e.tree.min(e.tree.root)
	}
	idx := start
	wrapped := false
	for {
		n2 := e.tree.nodes[idx]
		if n2.typ == Free && n2.size >= n {
			return idx
		}
		nxt := e.tree.successor(idx)
		if nxt == -1 {
			if wrapped {
				break
			}
			wrapped = true
			nxt = e.tree.min(e.tree.root)
		}
		if nxt == start {
			break
		}
		idx = nxt
	}
	return -1
}

func (e *treeEngine) free(base uint64, n uint32) {
	if !e.filter.maybeKnown(base) {
		return
	}
	idx := e.tree.search(base)
	if idx == -1 || e.tree.nodes[idx].typ != Reserved || e.tree.nodes[idx].size != uint64(n) {
		return
	}
	e.tree.nodes[idx].typ = Free
	e.tree.mergeSameTypeNeighbors(idx)
	if e.cursor != -1 {
		if _, stillValid := e.indexStillValid(e.cursor); !stillValid {
			e.cursor = -1
		}
	}
}

// indexStillValid is a defensive check for whether an arena slot still
// represents a live node (vs. one recycled by a merge); the cursor is
// cleared rather than left dangling whenever this returns false.
func (e *treeEngine) indexStillValid(idx int32) (avlNode, bool) {
	if int(idx) < 0 || int(idx) >= len(e.tree.nodes) {
		return avlNode{}, false
	}
	for _, slot := range e.tree.freeSlots {
		if slot == idx {
			return avlNode{}, false
		}
	}
	return e.tree.nodes[idx], true
}

func (e *treeEngine) getState(block uint64) RegionType {
	idx := e.tree.findCovering(block)
	if idx == -1 {
		return Unmapped
	}
	return e.tree.nodes[idx].typ
}

func (e *treeEngine) wastedBlocks() uint64 { return e.hostBlocks }

func (e *treeEngine) dumpInto(enc *dumpEncoder) {
	enc.set("block_list", e.tree.dumpNodes())
	enc.set("node_count", e.tree.count)
}

// dualTreeEngine keeps Free runs and non-Free (Reserved + Allocator)
// runs in two independent base-ordered trees instead of one shared
// one. Allocation only ever walks freeTree, in base order - the only
// search policy this variant exposes, regardless of Config.Strategy.
type dualTreeEngine struct {
	fe  *frontend
	cfg Config
	log *Logger

	freeTree  *avlTree
	otherTree *avlTree

	hostBlocks uint64
	filter     *baseFilter
}

func newDualTreeEngine(cfg Config) *dualTreeEngine {
	return &dualTreeEngine{
		cfg:       cfg,
		log:       cfg.logger(),
		freeTree:  newAVLTree(true),
		otherTree: newAVLTree(true),
	}
}

func (e *dualTreeEngine) init(fe *frontend, blocks []RegionBlocks) bool {
	e.fe = fe
	e.filter = newBaseFilter(e.cfg.BloomFilterBits)
	for _, b := range fillGaps(blocks, fe.memSizeBlks) {
		if b.Type == Free {
			e.freeTree.insert(b.Base, b.Size, Free)
		} else {
			e.otherTree.insert(b.Base, b.Size, b.Type)
			if b.Type == Reserved {
				e.filter.record(b.Base)
			}
		}
	}
	return true
}

func (e *dualTreeEngine) growPool() bool {
	idx := e.freeTree.largestOfType(Free)
	if idx == -1 {
		return false
	}
	n := e.freeTree.nodes[idx]
	claimBase := n.base
	if n.size == 1 {
		e.freeTree.delete(idx)
	} else {
		e.freeTree.nodes[idx].base++
		e.freeTree.nodes[idx].size--
	}
	other := e.otherTree.insert(claimBase, 1, Allocator)
	e.otherTree.mergeSameTypeNeighbors(other)
	e.hostBlocks++
	return true
}

func (e *dualTreeEngine) ensureGrowthHeadroom() bool {
	threshold := e.cfg.PoolGrowthThreshold
	total := len(e.freeTree.nodes) + len(e.otherTree.nodes) + 1
	used := e.freeTree.count + e.otherTree.count
	if threshold <= 0 || float64(used)/float64(total) <= threshold {
		return true
	}
	return e.growPool()
}

func (e *dualTreeEngine) allocate(n uint32) (uint64, bool) {
	nb := uint64(n)
	f := e.freeTree.firstFit(nb, Free)
	if f == -1 {
		return 0, false
	}
	base := e.freeTree.nodes[f].base
	size := e.freeTree.nodes[f].size
	if size == nb {
		e.freeTree.delete(f)
	} else {
		e.freeTree.nodes[f].base += nb
		e.freeTree.nodes[f].size -= nb
	}
	// Both trees grow their backing Go slice lazily, so a failed
	// ensureGrowthHeadroom only means no Free block remains to host
	// metadata; the insert below still succeeds regardless.
	e.ensureGrowthHeadroom()
	// Each allocation keeps its own node, so free can find it by base and size.
	e.otherTree.insert(base, nb, Reserved)
	e.filter.record(base)
	return base, true
}

func (e *dualTreeEngine) free(base uint64, n uint32) {
	if !e.filter.maybeKnown(base) {
		return
	}
	idx := e.otherTree.search(base)
	if idx == -1 || e.otherTree.nodes[idx].typ != Reserved || e.otherTree.nodes[idx].size != uint64(n) {
		return
	}
	e.otherTree.delete(idx)
	fi := e.freeTree.insert(base, uint64(n), Free)
	e.freeTree.mergeSameTypeNeighbors(fi)
}

func (e *dualTreeEngine) getState(block uint64) RegionType {
	if idx := e.freeTree.findCovering(block); idx != -1 {
		return Free
	} else if idx := e.otherTree.findCovering(block); idx != -1 {
		return e.otherTree.nodes[idx].typ
	}
	return Unmapped
}

func (e *dualTreeEngine) wastedBlocks() uint64 { return e.hostBlocks }

func (e *dualTreeEngine) dumpInto(enc *dumpEncoder) {
	enc.set("free_map", e.freeTree.dumpNodes())
	enc.set("reserved_map", e.otherTree.dumpNodes())
	enc.set("free_node_count", e.freeTree.count)
	enc.set("reserved_node_count", e.otherTree.count)
}
