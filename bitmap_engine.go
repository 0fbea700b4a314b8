package blockalloc

import (
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// bitmapEngine is the packed one-bit-per-block engine. Storage is
// github.com/bits-and-blooms/bitset, promoted from an indirect
// dependency (pulled in transitively by bloom/v3) to a direct one.
// Scans use BitSet.NextClear/NextSet to skip over runs of used or free
// bits a whole word at a time instead of testing one bit at a time.
type bitmapEngine struct {
	fe   *frontend
	cfg  Config
	bits *bitset.BitSet // 1 = used (Reserved or Allocator), 0 = Free

	hostBase uint64 // block range hosting this engine's own bitmap
	hostSize uint64

	next uint64 // next-fit cursor
	log  *Logger
}

func newBitmapEngine(cfg Config) *bitmapEngine {
	return &bitmapEngine{cfg: cfg, log: cfg.logger()}
}

func (e *bitmapEngine) init(fe *frontend, blocks []RegionBlocks) bool {
	e.fe = fe

	bitmapBytes := divRoundUp(fe.memSizeBlks, 8)
	hostBlocks := divRoundUp(bitmapBytes, fe.blockSize)

	hostBase, ok := findHostRegion(blocks, hostBlocks)
	if !ok {
		return false
	}
	e.hostBase, e.hostSize = hostBase, hostBlocks

	e.bits = bitset.New(uint(fe.memSizeBlks))
	for i := uint64(0); i < fe.memSizeBlks; i++ {
		e.bits.Set(uint(i))
	}
	for _, r := range blocks {
		if r.Type == Free {
			for i := r.Base; i < r.end(); i++ {
				e.bits.Clear(uint(i))
			}
		}
	}
	for i := hostBase; i < hostBase+hostBlocks; i++ {
		e.bits.Set(uint(i))
	}

	return true
}

// findHostRegion returns the base of the first Free region able to
// host need contiguous blocks.
func findHostRegion(blocks []RegionBlocks, need uint64) (uint64, bool) {
	for _, r := range blocks {
		if r.Type == Free && r.Size >= need {
			return r.Base, true
		}
	}
	return 0, false
}

func (e *bitmapEngine) overlapsHost(base, n uint64) bool {
	return base < e.hostBase+e.hostSize && e.hostBase < base+n
}

// freeRunAt returns the free run (clear bits) that starts at or after
// from, restricted to [0, limit).
func (e *bitmapEngine) freeRunAt(from, limit uint64) (start, length uint64, found bool) {
	if from >= limit {
		return 0, 0, false
	}
	pos, ok := e.bits.NextClear(uint(from))
	if !ok || uint64(pos) >= limit {
		return 0, 0, false
	}
	start = uint64(pos)
	setPos, ok2 := e.bits.NextSet(pos)
	if !ok2 || uint64(setPos) > limit {
		length = limit - start
	} else {
		length = uint64(setPos) - start
	}
	return start, length, true
}

func (e *bitmapEngine) allocate(n uint32) (uint64, bool) {
	nb := uint64(n)
	var start uint64
	var ok bool

	switch e.cfg.Strategy {
	case NextFit:
		start, ok = e.findNextFit(nb)
	case BestFit:
		start, ok = e.findExtreme(nb, true)
	case WorstFit:
		start, ok = e.findExtreme(nb, false)
	default:
		start, ok = e.findFirstFit(nb, 0)
	}
	if !ok {
		return 0, false
	}

	for i := start; i < start+nb; i++ {
		e.bits.Set(uint(i))
	}
	return start, true
}

func (e *bitmapEngine) findFirstFit(n, from uint64) (uint64, bool) {
	for pos := from; pos < e.fe.memSizeBlks; {
		start, length, found := e.freeRunAt(pos, e.fe.memSizeBlks)
		if !found {
			return 0, false
		}
		if length >= n {
			return start, true
		}
		pos = start + length
	}
	return 0, false
}

func (e *bitmapEngine) findNextFit(n uint64) (uint64, bool) {
	if e.next != 0 && !e.bits.Test(uint(e.next-1)) {
		e.next = 0
	}
	if start, ok := e.findFirstFit(n, e.next); ok {
		e.next = (start + 1) % e.fe.memSizeBlks
		return start, true
	}
	// Wrap once: nothing from next onward fit, try the window before it.
	// A single run is never allowed to straddle the index-0 boundary.
	if e.next != 0 {
		if start, ok := e.findFirstFit(n, 0); ok {
			e.next = (start + 1) % e.fe.memSizeBlks
			return start, true
		}
	}
	return 0, false
}

func (e *bitmapEngine) findExtreme(n uint64, best bool) (uint64, bool) {
	var chosenStart, chosenLen uint64
	found := false
	for pos := uint64(0); pos < e.fe.memSizeBlks; {
		start, length, ok := e.freeRunAt(pos, e.fe.memSizeBlks)
		if !ok {
			break
		}
		if length >= n {
			if !found ||
				(best && length < chosenLen) ||
				(!best && length > chosenLen) {
				chosenStart, chosenLen, found = start, length, true
			}
		}
		pos = start + length
	}
	return chosenStart, found
}

func (e *bitmapEngine) free(base uint64, n uint32) {
	nb := uint64(n)
	if base+nb > e.fe.memSizeBlks || e.overlapsHost(base, nb) {
		return
	}
	for i := base; i < base+nb; i++ {
		if !e.bits.Test(uint(i)) {
			return // any already-free block makes the whole request a no-op
		}
	}
	for i := base; i < base+nb; i++ {
		e.bits.Clear(uint(i))
	}
}

func (e *bitmapEngine) getState(block uint64) RegionType {
	if block >= e.hostBase && block < e.hostBase+e.hostSize {
		return Allocator
	}
	if e.bits.Test(uint(block)) {
		return Reserved
	}
	return Free
}

func (e *bitmapEngine) wastedBlocks() uint64 { return e.hostSize }

func (e *bitmapEngine) dumpInto(enc *dumpEncoder) {
	var sb strings.Builder
	sb.Grow(int(e.fe.memSizeBlks))
	for i := uint64(0); i < e.fe.memSizeBlks; i++ {
		if e.getState(i) != Free {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	enc.set("bitmap_size", divRoundUp(e.fe.memSizeBlks, 8))
	enc.set("bitmap", sb.String())
}
