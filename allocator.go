package blockalloc

import (
	"fmt"
	"io"
)

// Ptr is an opaque byte address within an Allocator's managed range.
// It is never dereferenced by this package: engines keep their metadata
// in ordinary Go memory and only mark the blocks they claim for it as
// Allocator. Callers are free to treat it as a plain offset.
type Ptr uint64

// engine is the capability interface every backing strategy
// implements. The front-end (Allocator) holds one as an opaque handle
// and owns everything address-related (byte<->block conversion,
// region normalisation); this is composition, not virtual-base-class
// dispatch.
type engine interface {
	// init receives the normalised partition and the front-end it was
	// built from, and lays out its own bookkeeping. Returns false if it
	// cannot be satisfied (e.g. no free region large enough to host
	// metadata).
	init(fe *frontend, blocks []RegionBlocks) bool
	allocate(nBlocks uint32) (base uint64, ok bool)
	free(base uint64, nBlocks uint32)
	getState(block uint64) RegionType
	wastedBlocks() uint64
	dumpInto(e *dumpEncoder)
}

// frontend is the shared, concrete helper every engine is handed: the
// managed range, the block size, and block<->ptr conversion. Engines
// embed a *frontend instead of inheriting from one.
type frontend struct {
	memBase      uint64
	memSizeBytes uint64
	memSizeBlks  uint64
	blockSize    uint64
}

func (f *frontend) toBlock(p Ptr) (uint64, bool) {
	addr := uint64(p)
	if addr < f.memBase || addr >= f.memBase+f.memSizeBytes {
		return 0, false
	}
	return (addr - f.memBase) / f.blockSize, true
}

// toBlockRoundUp maps an address to the first block that starts at or
// after it, used when a caller-supplied byte address must be treated
// conservatively (e.g. rounding a sub-block metadata request up to a
// whole block).
func (f *frontend) toBlockRoundUp(p Ptr) uint64 {
	addr := uint64(p)
	if addr <= f.memBase {
		return 0
	}
	return divRoundUp(addr-f.memBase, f.blockSize)
}

func (f *frontend) toPtr(block uint64) Ptr {
	return Ptr(f.memBase + block*f.blockSize)
}

func (f *frontend) blocksForBytes(n uint64) uint64 {
	return divRoundUp(n, f.blockSize)
}

// Allocator is the public front-end: it owns the managed address
// range and delegates the actual search/mark work to an engine.
type Allocator struct {
	id  string
	cfg Config
	fe  frontend
	eng engine
	log *Logger
	brk *allocBreaker
}

// NewAllocator constructs an uninitialised Allocator for the given
// configuration. Call Initialize before any other method.
func NewAllocator(cfg Config) *Allocator {
	a := &Allocator{
		id:  generateID(),
		cfg: cfg,
		log: cfg.logger(),
	}
	if cfg.BreakerEnabled {
		a.brk = newAllocBreaker(cfg.Engine.String() + "-" + a.id)
	}
	a.eng = newEngine(cfg)
	return a
}

// ID returns the allocator instance's short identifier, surfaced in
// logs and Dump output so multiple instances in one process can be
// told apart.
func (a *Allocator) ID() string { return a.id }

// Initialize normalises regions and builds the engine's bookkeeping.
// Returns false, leaving the Allocator unusable, if the engine cannot
// be satisfied by the given regions.
func (a *Allocator) Initialize(regions []Region) bool {
	if len(regions) == 0 {
		a.log.Warn("initialize called with no regions", String("id", a.id))
		return false
	}

	memBase, memSizeBytes, blocks := normalizeRegions(a.cfg.BlockSize, regions)
	a.fe = frontend{
		memBase:      memBase,
		memSizeBytes: memSizeBytes,
		memSizeBlks:  memSizeBytes / a.cfg.BlockSize,
		blockSize:    a.cfg.BlockSize,
	}

	ok := a.eng.init(&a.fe, blocks)
	if !ok {
		a.log.Error("engine initialisation failed",
			String("id", a.id), String("engine", a.cfg.Engine.String()),
			Uint64("mem_size_blocks", a.fe.memSizeBlks))
	}
	return ok
}

// Allocate returns a pointer covering exactly n contiguous blocks, all
// Free before the call and Reserved after, or (0, false) on exhaustion
// or when n == 0.
func (a *Allocator) Allocate(n uint32) (Ptr, bool) {
	if n == 0 {
		return 0, false
	}
	base, ok := a.brk.guard(func() (uint64, bool) {
		return a.eng.allocate(n)
	})
	if !ok {
		a.log.Debug("allocate exhausted", String("id", a.id), Uint32("n_blocks", n))
		return 0, false
	}
	return a.fe.toPtr(base), true
}

// Free releases the n blocks starting at ptr. ptr must be the exact
// value returned by the Allocate call it corresponds to. Freeing an
// already-free, unknown, or out-of-range pointer is a silent no-op:
// this library trusts the caller to track its own allocations and
// never lets a mis-free corrupt internal state.
func (a *Allocator) Free(ptr Ptr, n uint32) {
	if n == 0 {
		return
	}
	block, ok := a.fe.toBlock(ptr)
	if !ok {
		a.log.Debug("free of out-of-range pointer ignored", String("id", a.id), Uint64("ptr", uint64(ptr)))
		return
	}
	a.eng.free(block, n)
}

// GetState reports the occupancy of the block containing addr.
func (a *Allocator) GetState(addr Ptr) RegionType {
	block, ok := a.fe.toBlock(addr)
	if !ok {
		return Unmapped
	}
	return a.eng.getState(block)
}

// MeasureWastedMemory reports blocks consumed by engine bookkeeping
// plus, for the buddy engine, power-of-two rounding overhead.
func (a *Allocator) MeasureWastedMemory() uint64 {
	return a.eng.wastedBlocks()
}

// Dump emits the allocator's state as JSON. If compress is true the
// payload is brotli-compressed before being written.
func (a *Allocator) Dump(w io.Writer, compress bool) error {
	enc := &dumpEncoder{
		fields: map[string]any{
			"id":               a.id,
			"engine":           a.cfg.Engine.String(),
			"mem_base":         a.fe.memBase,
			"mem_size_bytes":   a.fe.memSizeBytes,
			"mem_size_blocks":  a.fe.memSizeBlks,
			"block_size":       a.fe.blockSize,
		},
	}
	a.eng.dumpInto(enc)
	return writeDump(w, enc.fields, compress)
}

func newEngine(cfg Config) engine {
	switch cfg.Engine {
	case EngineBitmap:
		return newBitmapEngine(cfg)
	case EngineList:
		return newListEngine(cfg)
	case EngineBST:
		return newTreeEngine(cfg, false)
	case EngineBBST:
		return newTreeEngine(cfg, true)
	case EngineDualBBST:
		return newDualTreeEngine(cfg)
	case EngineBuddy:
		return newBuddyEngine(cfg)
	default:
		panic(fmt.Sprintf("blockalloc: unknown engine kind %v", cfg.Engine))
	}
}
