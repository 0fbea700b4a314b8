package blockalloc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allEngineKinds lists every engine this package ships, used by the
// cross-engine scenario tests below so each one exercises identical
// workloads through the shared Allocator front-end.
var allEngineKinds = []EngineKind{
	EngineBitmap, EngineList, EngineBST, EngineBBST, EngineDualBBST, EngineBuddy,
}

func newScenarioAllocator(t *testing.T, kind EngineKind, memBlocks uint64) *Allocator {
	t.Helper()
	cfg := DefaultConfig(kind)
	cfg.BlockSize = 4096
	cfg.BreakerEnabled = false
	if kind == EngineBuddy {
		cfg.BuddyLayers = 14 // leafCount 8192, comfortably covers memBlocks below
	}
	a := NewAllocator(cfg)
	require.True(t, a.Initialize([]Region{{Base: 0, Size: memBlocks * cfg.BlockSize, Type: Free}}))
	return a
}

// TestAllocateFreeRoundTrip_AllEngines allocates a handful of
// differently-sized requests, frees them all, and checks the whole
// range reports Free again afterwards - every engine kind must agree
// on this regardless of its internal representation.
func TestAllocateFreeRoundTrip_AllEngines(t *testing.T) {
	for _, kind := range allEngineKinds {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			a := newScenarioAllocator(t, kind, 4096)
			sizes := []uint32{1, 3, 8, 16, 33, 64, 100}
			var ptrs []Ptr
			for _, n := range sizes {
				ptr, ok := a.Allocate(n)
				require.True(t, ok, "engine %v allocate(%d)", kind, n)
				assert.Equal(t, Reserved, a.GetState(ptr), "engine %v", kind)
				ptrs = append(ptrs, ptr)
			}
			for i, ptr := range ptrs {
				a.Free(ptr, sizes[i])
				assert.Equal(t, Free, a.GetState(ptr), "engine %v release %d", kind, i)
			}
		})
	}
}

// TestAllocateFreeRoundTrip_FullCoalesce allocates the entire managed
// range in fixed-size chunks, frees every chunk, and checks the whole
// range coalesces back down to nothing leftover un-freeable: a second
// full pass of allocations for the same total size must succeed again.
func TestAllocateFreeRoundTrip_FullCoalesce(t *testing.T) {
	for _, kind := range allEngineKinds {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			const memBlocks = 1024
			const chunk = 32
			a := newScenarioAllocator(t, kind, memBlocks)

			var ptrs []Ptr
			for i := 0; i < memBlocks/chunk; i++ {
				ptr, ok := a.Allocate(chunk)
				require.True(t, ok, "engine %v chunk %d", kind, i)
				ptrs = append(ptrs, ptr)
			}
			_, ok := a.Allocate(1)
			assert.False(t, ok, "engine %v should be exhausted", kind)

			for _, ptr := range ptrs {
				a.Free(ptr, chunk)
			}

			var ptrs2 []Ptr
			for i := 0; i < memBlocks/chunk; i++ {
				ptr, ok := a.Allocate(chunk)
				require.True(t, ok, "engine %v second pass chunk %d", kind, i)
				ptrs2 = append(ptrs2, ptr)
			}
			for _, ptr := range ptrs2 {
				a.Free(ptr, chunk)
			}
		})
	}
}

// TestStressRandomAllocFree_AllEngines drives each engine through a
// long pseudo-random sequence of allocate/free operations with a fixed
// seed, tracking every live allocation's size and checking that its
// first block reports Reserved right after Allocate and Free right
// after its Free. Every engine kind must hold this regardless of its
// search strategy or internal structure.
func TestStressRandomAllocFree_AllEngines(t *testing.T) {
	const ops = 20000
	const memBlocks = 8192
	const seed = 123456

	for _, kind := range allEngineKinds {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			a := newScenarioAllocator(t, kind, memBlocks)
			rng := rand.New(rand.NewSource(seed))

			type live struct {
				ptr Ptr
				n   uint32
			}
			var alive []live

			for i := 0; i < ops; i++ {
				if len(alive) > 0 && rng.Intn(2) == 0 {
					idx := rng.Intn(len(alive))
					e := alive[idx]
					a.Free(e.ptr, e.n)
					assert.Equal(t, Free, a.GetState(e.ptr), "engine %v op %d", kind, i)
					alive[idx] = alive[len(alive)-1]
					alive = alive[:len(alive)-1]
					continue
				}
				n := uint32(1 + rng.Intn(64))
				ptr, ok := a.Allocate(n)
				if !ok {
					continue // exhaustion under fragmentation is a legitimate outcome
				}
				assert.Equal(t, Reserved, a.GetState(ptr), "engine %v op %d", kind, i)
				alive = append(alive, live{ptr, n})
			}

			for _, e := range alive {
				a.Free(e.ptr, e.n)
				assert.Equal(t, Free, a.GetState(e.ptr), "engine %v final free", kind)
			}
		})
	}
}

// TestMeasureWastedMemory_NeverExceedsManagedRange checks the waste
// accounting invariant every engine must hold: the reported wasted
// block count can never exceed the total size of the managed range,
// no matter how much bookkeeping overhead or power-of-two rounding
// accumulates.
func TestMeasureWastedMemory_NeverExceedsManagedRange(t *testing.T) {
	const memBlocks = 2048
	for _, kind := range allEngineKinds {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			a := newScenarioAllocator(t, kind, memBlocks)
			rng := rand.New(rand.NewSource(42))
			for i := 0; i < 500; i++ {
				n := uint32(1 + rng.Intn(32))
				if _, ok := a.Allocate(n); !ok {
					break
				}
			}
			assert.LessOrEqual(t, a.MeasureWastedMemory(), uint64(memBlocks))
		})
	}
}

func TestZeroSizeAllocateFails_AllEngines(t *testing.T) {
	for _, kind := range allEngineKinds {
		a := newScenarioAllocator(t, kind, 64)
		_, ok := a.Allocate(0)
		assert.False(t, ok, "engine %v", kind)
	}
}
