package blockalloc

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInitializedTree(t *testing.T, kind EngineKind, strategy Strategy, runSizes []int) *Allocator {
	t.Helper()
	cfg := DefaultConfig(kind)
	cfg.Strategy = strategy
	cfg.BlockSize = 4096
	cfg.BreakerEnabled = false
	a := NewAllocator(cfg)
	require.True(t, a.Initialize(fragmentedRegions(cfg.BlockSize, runSizes)))
	return a
}

func TestTreeEngine_BST_StrategyDistinctiveness(t *testing.T) {
	runSizes := []int{10, 4, 20, 6, 15}
	cases := []struct {
		strategy  Strategy
		wantBlock uint64
	}{
		{FirstFit, 2},
		{BestFit, 39},
		{WorstFit, 18},
		{NextFit, 2},
	}
	for _, tc := range cases {
		a := newInitializedTree(t, EngineBST, tc.strategy, runSizes)
		ptr, ok := a.Allocate(5)
		require.True(t, ok, "strategy %v", tc.strategy)
		block, _ := a.fe.toBlock(ptr)
		assert.EqualValues(t, tc.wantBlock, block, "strategy %v", tc.strategy)
	}
}

func TestTreeEngine_BBST_StrategyDistinctiveness(t *testing.T) {
	runSizes := []int{10, 4, 20, 6, 15}
	cases := []struct {
		strategy  Strategy
		wantBlock uint64
	}{
		{FirstFit, 2},
		{BestFit, 39},
		{WorstFit, 18},
	}
	for _, tc := range cases {
		a := newInitializedTree(t, EngineBBST, tc.strategy, runSizes)
		ptr, ok := a.Allocate(5)
		require.True(t, ok, "strategy %v", tc.strategy)
		block, _ := a.fe.toBlock(ptr)
		assert.EqualValues(t, tc.wantBlock, block, "strategy %v", tc.strategy)
	}
}

func TestTreeEngine_AllocateFreeRoundTrip(t *testing.T) {
	for _, kind := range []EngineKind{EngineBST, EngineBBST} {
		a := newInitializedTree(t, kind, FirstFit, []int{10, 4, 20})
		ptr, ok := a.Allocate(5)
		require.True(t, ok)
		assert.Equal(t, Reserved, a.GetState(ptr))
		a.Free(ptr, 5)
		assert.Equal(t, Free, a.GetState(ptr), "kind %v", kind)
	}
}

func TestTreeEngine_BBST_StaysBalancedUnderSequentialInsert(t *testing.T) {
	tree := newAVLTree(true)
	for i := 0; i < 200; i++ {
		tree.insert(uint64(i*2), 1, Free)
	}
	height := int(tree.height(tree.root))
	// log2(200) ~= 7.6; a correct AVL tree over 200 nodes never exceeds
	// roughly 1.44*log2(n+2), a generous upper bound here rules out the
	// unbalanced, effectively-linked-list-shaped failure mode.
	assert.Less(t, height, 20)
}

func TestTreeEngine_BST_DegradesUnderSequentialInsert(t *testing.T) {
	tree := newAVLTree(false)
	for i := 0; i < 200; i++ {
		tree.insert(uint64(i*2), 1, Free)
	}
	// With no rebalancing, inserting in strictly increasing base order
	// produces a right-leaning chain of height == count.
	assert.EqualValues(t, 200, tree.height(tree.root))
}

func TestTreeEngine_ExhaustionReturnsFalse(t *testing.T) {
	a := newInitializedTree(t, EngineBST, FirstFit, []int{4})
	_, ok := a.Allocate(5)
	assert.False(t, ok)
}

func TestTreeEngine_InvalidFreeIsNoop(t *testing.T) {
	a := newInitializedTree(t, EngineBBST, FirstFit, []int{10})
	ptr, ok := a.Allocate(3)
	require.True(t, ok)
	a.Free(ptr, 3)
	require.Equal(t, Free, a.GetState(ptr))

	a.Free(ptr, 3) // already free
	assert.Equal(t, Free, a.GetState(ptr))
}

func TestDualTreeEngine_AllocateFreeRoundTrip(t *testing.T) {
	a := newInitializedTree(t, EngineDualBBST, FirstFit, []int{10, 4, 20})
	ptr, ok := a.Allocate(5)
	require.True(t, ok)
	assert.Equal(t, Reserved, a.GetState(ptr))
	a.Free(ptr, 5)
	assert.Equal(t, Free, a.GetState(ptr))
}

func TestDualTreeEngine_FirstFitInBaseOrderRegardlessOfStrategy(t *testing.T) {
	// Dual-map only ever does first-fit in base order; Strategy is ignored.
	a := newInitializedTree(t, EngineDualBBST, WorstFit, []int{10, 4, 20, 6, 15})
	ptr, ok := a.Allocate(5)
	require.True(t, ok)
	block, _ := a.fe.toBlock(ptr)
	assert.EqualValues(t, 2, block)
}

func TestDualTreeEngine_ExhaustionReturnsFalse(t *testing.T) {
	a := newInitializedTree(t, EngineDualBBST, FirstFit, []int{4})
	_, ok := a.Allocate(5)
	assert.False(t, ok)
}

func TestTreeEngine_DumpEmitsBlockList(t *testing.T) {
	a := newInitializedTree(t, EngineBBST, FirstFit, []int{10, 4, 20})
	_, ok := a.Allocate(3)
	require.True(t, ok)

	var buf bytes.Buffer
	require.NoError(t, a.Dump(&buf, false))

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))

	blockList, ok := out["block_list"].([]any)
	require.True(t, ok, "block_list must be an array")
	require.NotEmpty(t, blockList)
	for _, raw := range blockList {
		entry := raw.(map[string]any)
		assert.Contains(t, entry, "id")
		assert.Contains(t, entry, "base")
		assert.Contains(t, entry, "size")
		assert.Contains(t, entry, "type")
	}
}

func TestDualTreeEngine_DumpEmitsSeparateFreeAndReservedMaps(t *testing.T) {
	a := newInitializedTree(t, EngineDualBBST, FirstFit, []int{10, 4, 20})
	_, ok := a.Allocate(3)
	require.True(t, ok)

	var buf bytes.Buffer
	require.NoError(t, a.Dump(&buf, false))

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))

	freeMap, ok := out["free_map"].([]any)
	require.True(t, ok, "free_map must be an array")
	assert.NotEmpty(t, freeMap)

	reservedMap, ok := out["reserved_map"].([]any)
	require.True(t, ok, "reserved_map must be an array")
	assert.NotEmpty(t, reservedMap)

	_, hasRuns := out["runs"]
	assert.False(t, hasRuns, "the two trees must not be merged into one runs array")
}
