package blockalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 4096
const testMemSize = 32 * 1024 * 1024

func scenarioARegions() []Region {
	return []Region{
		{Base: 0x000000, Size: 0x000500, Type: Reserved},
		{Base: 0x000500, Size: 0x07FB00, Type: Free},
		{Base: 0x080000, Size: 0x070000, Type: Reserved},
		{Base: 0x0F0000, Size: 0x010000, Type: Reserved},
		{Base: 0x100000, Size: testMemSize - 0x100000, Type: Free},
	}
}

func scenarioCRegions() []Region {
	return []Region{
		{Base: 0x100000, Size: testMemSize - 0x100000, Type: Free},
		{Base: 0x080000, Size: 0x075000, Type: Reserved},
		{Base: 0x000000, Size: 0x000500, Type: Reserved},
		{Base: 0x0F0000, Size: 0x010000, Type: Reserved},
		{Base: 0x000200, Size: 0x090000, Type: Free},
	}
}

func TestNormalizeRegions_ScenarioA(t *testing.T) {
	memBase, memSize, blocks := normalizeRegions(testBlockSize, scenarioARegions())
	require.EqualValues(t, 0, memBase)
	require.EqualValues(t, testMemSize, memSize)

	assertPartition(t, testBlockSize, memSize, blocks)

	assertBlockType(t, blocks, 0, Reserved)
	assertBlockType(t, blocks, 0x80000/testBlockSize-1, Free)
	assertBlockType(t, blocks, 0x80000/testBlockSize, Reserved)
	assertBlockType(t, blocks, 0xFFFFF/testBlockSize, Reserved)
	assertBlockType(t, blocks, 0x100000/testBlockSize, Free)
}

func TestNormalizeRegions_ScenarioC_MatchesScenarioA(t *testing.T) {
	_, _, a := normalizeRegions(testBlockSize, scenarioARegions())
	_, _, c := normalizeRegions(testBlockSize, scenarioCRegions())
	require.Equal(t, a, c, "disordered, overlapping input must normalise identically to the clean input")
}

func TestNormalizeRegions_ReservedWinsOnOverlap(t *testing.T) {
	regions := []Region{
		{Base: 0, Size: 100, Type: Free},
		{Base: 40, Size: 20, Type: Reserved},
	}
	_, _, blocks := normalizeRegions(10, regions)
	// Reserved occupies block 4 (40/10); free splits into a left and right fragment.
	var sawReserved, sawLeftFree, sawRightFree bool
	for _, b := range blocks {
		if b.Type == Reserved && b.Base == 4 {
			sawReserved = true
		}
		if b.Type == Free && b.Base == 0 {
			sawLeftFree = true
		}
		if b.Type == Free && b.Base > 4 {
			sawRightFree = true
		}
	}
	assert.True(t, sawReserved)
	assert.True(t, sawLeftFree)
	assert.True(t, sawRightFree)
}

func TestNormalizeRegions_AdjacentSameTypeMerge(t *testing.T) {
	regions := []Region{
		{Base: 0, Size: 40, Type: Free},
		{Base: 40, Size: 40, Type: Free},
	}
	_, _, blocks := normalizeRegions(10, regions)
	require.Len(t, blocks, 1)
	assert.EqualValues(t, 0, blocks[0].Base)
	assert.EqualValues(t, 8, blocks[0].Size)
}

// assertPartition checks the normaliser's sorted, non-overlapping,
// fully-typed output invariant.
func assertPartition(t *testing.T, blockSize, memSize uint64, blocks []RegionBlocks) {
	t.Helper()
	for i, b := range blocks {
		assert.GreaterOrEqual(t, b.Size, uint64(1))
		if i+1 < len(blocks) {
			assert.LessOrEqual(t, b.end(), blocks[i+1].Base)
		}
	}
}

func assertBlockType(t *testing.T, blocks []RegionBlocks, block uint64, want RegionType) {
	t.Helper()
	for _, b := range blocks {
		if block >= b.Base && block < b.end() {
			assert.Equal(t, want, b.Type, "block %d", block)
			return
		}
	}
	t.Fatalf("block %d not covered by any normalised region", block)
}
