package nandmapper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhyMapStartsAllFree(t *testing.T) {
	pm := NewPhyMap(10, 2)

	require.Equal(t, uint32(10), pm.CountFree())

	for b := AbsoluteBlock(0); b < 10; b++ {
		require.True(t, pm.IsFree(b))
	}
}

func TestPhyMapMark(t *testing.T) {
	pm := NewPhyMap(10, 2)

	err := pm.Mark(3, false, false, nil)
	require.NoError(t, err)

	require.False(t, pm.IsFree(3))
	require.Equal(t, uint32(9), pm.CountFree())

	err = pm.Mark(3, true, false, nil)
	require.NoError(t, err)
	require.True(t, pm.IsFree(3))
}

func TestPhyMapMarkRange(t *testing.T) {
	pm := NewPhyMap(10, 2)

	err := pm.MarkRange(2, 4, false, false, nil)
	require.NoError(t, err)

	require.Equal(t, uint32(6), pm.CountFree())
	require.False(t, pm.IsFree(2))
	require.False(t, pm.IsFree(5))
	require.True(t, pm.IsFree(6))
}

func TestPhyMapMarkOutOfRange(t *testing.T) {
	pm := NewPhyMap(10, 2)

	err := pm.Mark(100, false, false, nil)
	require.Error(t, err)
}

func TestPhyMapAutoEraseSkipsRegionBadBlock(t *testing.T) {
	pm := NewPhyMap(10, 2)
	region := NewRegion(RegionData, 0, 10)

	err := pm.Mark(4, false, false, nil)
	require.NoError(t, err)

	err = region.MarkBad(4)
	require.NoError(t, err)

	err = pm.Mark(4, true, true, region)
	require.NoError(t, err)

	require.False(t, pm.IsFree(4))
}

func TestPhyMapFindFirstFree(t *testing.T) {
	pm := NewPhyMap(10, 2)

	err := pm.MarkRange(0, 4, false, false, nil)
	require.NoError(t, err)

	found, err := pm.FindFirstFree(0, 10, Unconstrained)
	require.NoError(t, err)
	require.Equal(t, AbsoluteBlock(4), found)
}

func TestPhyMapFindFirstFreeWithPlaneConstraint(t *testing.T) {
	pm := NewPhyMap(10, 2)

	err := pm.MarkRange(0, 3, false, false, nil)
	require.NoError(t, err)

	found, err := pm.FindFirstFree(0, 10, 1)
	require.NoError(t, err)
	require.Equal(t, AbsoluteBlock(3), found)
	require.Equal(t, uint32(1), uint32(found)%2)
}

func TestPhyMapFindFirstFreeFull(t *testing.T) {
	pm := NewPhyMap(4, 2)

	err := pm.MarkRange(0, 4, false, false, nil)
	require.NoError(t, err)

	_, err = pm.FindFirstFree(0, 4, Unconstrained)
	require.Error(t, err)
	require.True(t, IsKind(err, KindMapperPhyMapFull))
}

func TestPhyMapDirtyListener(t *testing.T) {
	pm := NewPhyMap(40, 2)

	dirtied := map[int]bool{}
	pm.SetListener(dirtyRecorder(func(word int) { dirtied[word] = true }))

	err := pm.Mark(0, false, false, nil)
	require.NoError(t, err)
	require.True(t, dirtied[0])

	pm.ClearDirty(0)
	require.False(t, pm.IsWordDirty(0))
}

type dirtyRecorder func(word int)

func (f dirtyRecorder) OnWordDirty(word int) {
	f(word)
}
