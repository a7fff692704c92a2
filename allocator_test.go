package nandmapper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetConstrainedRangeUnconstrained(t *testing.T) {
	g := testGeometry()

	start, end, err := getConstrainedRange(g, Constraints{Chip: Unconstrained, Die: Unconstrained, Plane: Unconstrained})
	require.NoError(t, err)
	require.Equal(t, AbsoluteBlock(0), start)
	require.Equal(t, AbsoluteBlock(16), end)
}

func TestGetConstrainedRangeChip(t *testing.T) {
	g := testGeometry()

	start, end, err := getConstrainedRange(g, Constraints{Chip: 1, Die: Unconstrained, Plane: Unconstrained})
	require.NoError(t, err)
	require.Equal(t, AbsoluteBlock(8), start)
	require.Equal(t, AbsoluteBlock(16), end)
}

func TestGetConstrainedRangeChipAndDie(t *testing.T) {
	g := testGeometry()

	start, end, err := getConstrainedRange(g, Constraints{Chip: 0, Die: 1, Plane: Unconstrained})
	require.NoError(t, err)
	require.Equal(t, AbsoluteBlock(4), start)
	require.Equal(t, AbsoluteBlock(8), end)
}

func TestLinearBlockAllocatorSweepsForward(t *testing.T) {
	g := testGeometry()
	phyMap := NewPhyMap(g.TotalBlocks(), g.PlanesPerDie)
	alloc := NewLinearBlockAllocator()

	first, err := alloc.Allocate(g, phyMap, Constraints{Chip: Unconstrained, Die: Unconstrained, Plane: Unconstrained})
	require.NoError(t, err)
	require.Equal(t, AbsoluteBlock(0), first)

	require.NoError(t, phyMap.Mark(first, false, false, nil))

	second, err := alloc.Allocate(g, phyMap, Constraints{Chip: Unconstrained, Die: Unconstrained, Plane: Unconstrained})
	require.NoError(t, err)
	require.Equal(t, AbsoluteBlock(1), second)
}

func TestLinearBlockAllocatorFull(t *testing.T) {
	g := Geometry{
		PagesPerBlock: 1,
		PlanesPerDie:  1,
		Chips:         []ChipGeometry{{BaseAbsoluteBlock: 0, TotalBlocks: 2, BlocksPerDie: 2}},
	}

	phyMap := NewPhyMap(2, 1)
	require.NoError(t, phyMap.MarkRange(0, 2, false, false, nil))

	alloc := NewLinearBlockAllocator()
	_, err := alloc.Allocate(g, phyMap, Constraints{Chip: Unconstrained, Die: Unconstrained, Plane: Unconstrained})
	require.Error(t, err)
	require.True(t, IsKind(err, KindMapperPhyMapFull))
}

func TestRandomBlockAllocatorStaysWithinRange(t *testing.T) {
	g := testGeometry()
	phyMap := NewPhyMap(g.TotalBlocks(), g.PlanesPerDie)
	alloc := NewRandomBlockAllocator(12345)

	block, err := alloc.Allocate(g, phyMap, Constraints{Chip: 1, Die: Unconstrained, Plane: Unconstrained})
	require.NoError(t, err)
	require.GreaterOrEqual(t, uint32(block), uint32(8))
	require.Less(t, uint32(block), uint32(16))
}

func TestTaus88Deterministic(t *testing.T) {
	a := newTaus88(999)
	b := newTaus88(999)

	for i := 0; i < 5; i++ {
		require.Equal(t, a.next(), b.next())
	}
}
