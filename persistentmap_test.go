package nandmapper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSectionHeaderRoundTrip(t *testing.T) {
	h := mapSectionHeader{
		Signature:  SignatureZoneMap,
		MapType:    MapTypeZone,
		Version:    nandMapSectionHeaderVersion,
		EntrySize:  4,
		EntryCount: 100,
		StartLba:   0,
	}

	raw, err := MarshalSectionHeader(h)
	require.NoError(t, err)
	require.Len(t, raw, mapSectionHeaderSize)

	recovered, err := UnmarshalSectionHeader(raw)
	require.NoError(t, err)
	require.Equal(t, h, recovered)
}

func TestSectionHeaderRejectsBadVersion(t *testing.T) {
	h := mapSectionHeader{Signature: SignatureZoneMap, Version: 0x1}

	raw, err := MarshalSectionHeader(h)
	require.NoError(t, err)

	_, err = UnmarshalSectionHeader(raw)
	require.Error(t, err)
}

var testMapConfig = PersistentMapConfig{
	Signature:         SignatureZoneMap,
	MapType:           MapTypeZone,
	EntrySize:         4,
	EntriesPerSection: 1,
}

func TestPersistentMapAddRetrieve(t *testing.T) {
	pmap := NewPersistentMap(4, testMapConfig, nil)

	_, err := pmap.RetrieveSection(0)
	require.Error(t, err)
	require.True(t, IsKind(err, KindNotFound))

	require.NoError(t, pmap.AddSection(0, []byte{1, 2, 3}))

	data, err := pmap.RetrieveSection(0)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)
}

func TestPersistentMapAddSectionComposesHeader(t *testing.T) {
	pmap := NewPersistentMap(4, testMapConfig, nil)

	require.NoError(t, pmap.AddSection(2, []byte{1, 2, 3}))
	require.Len(t, pmap.pages[0], mapSectionHeaderSize+3)

	h, err := UnmarshalSectionHeader(pmap.pages[0])
	require.NoError(t, err)
	require.Equal(t, SignatureZoneMap, h.Signature)
	require.Equal(t, MapTypeZone, h.MapType)
	require.Equal(t, uint32(2), h.StartLba)
}

func TestPersistentMapAddSectionConsolidatesWhenBlockFull(t *testing.T) {
	cfg := testMapConfig
	cfg.PagesPerBlock = 2

	pmap := NewPersistentMap(2, cfg, nil)

	require.NoError(t, pmap.AddSection(0, []byte{1}))
	require.NoError(t, pmap.AddSection(1, []byte{2}))
	require.Equal(t, 2, pmap.PageCount())

	require.NoError(t, pmap.AddSection(0, []byte{9}))
	require.Equal(t, 2, pmap.PageCount())

	data, err := pmap.RetrieveSection(0)
	require.NoError(t, err)
	require.Equal(t, []byte{9}, data)

	data, err = pmap.RetrieveSection(1)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, data)
}

func TestPersistentMapLatestWriteWins(t *testing.T) {
	pmap := NewPersistentMap(2, testMapConfig, nil)

	require.NoError(t, pmap.AddSection(0, []byte{1}))
	require.NoError(t, pmap.AddSection(0, []byte{2}))

	data, err := pmap.RetrieveSection(0)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, data)
	require.Equal(t, 2, pmap.PageCount())
}

func TestPersistentMapConsolidate(t *testing.T) {
	pmap := NewPersistentMap(3, testMapConfig, nil)

	require.NoError(t, pmap.AddSection(0, []byte{1}))
	require.NoError(t, pmap.AddSection(1, []byte{2}))
	require.NoError(t, pmap.AddSection(0, []byte{9}))

	require.Equal(t, 3, pmap.PageCount())

	err := pmap.Consolidate(true, 2, []byte{3})
	require.NoError(t, err)

	require.Equal(t, 3, pmap.PageCount())

	data, err := pmap.RetrieveSection(0)
	require.NoError(t, err)
	require.Equal(t, []byte{9}, data)

	data, err = pmap.RetrieveSection(2)
	require.NoError(t, err)
	require.Equal(t, []byte{3}, data)
}

type fakeConsolidateSource struct {
	sections map[int][]byte
}

func (s fakeConsolidateSource) GetSectionForConsolidate(sectionIndex int) ([]byte, error) {
	data, found := s.sections[sectionIndex]
	if !found {
		return nil, ErrNotFound
	}

	return data, nil
}

func TestPersistentMapConsolidateUsesSource(t *testing.T) {
	source := fakeConsolidateSource{sections: map[int][]byte{0: {7}, 1: {8}}}
	pmap := NewPersistentMap(2, testMapConfig, source)

	err := pmap.Consolidate(false, -1, nil)
	require.NoError(t, err)

	data, err := pmap.RetrieveSection(1)
	require.NoError(t, err)
	require.Equal(t, []byte{8}, data)
}

func TestBuildSectionOffsetTable(t *testing.T) {
	pmap := NewPersistentMap(2, testMapConfig, nil)
	pmap.pages = [][]byte{{1}, {2}, {3}}

	pmap.buildSectionOffsetTable(func(pageIndex int) (int, bool) {
		return []int{0, 1, 0}[pageIndex], true
	})

	require.Equal(t, 2, pmap.pageOffsets[0])
	require.Equal(t, 1, pmap.pageOffsets[1])
	require.Empty(t, pmap.fillUnknownSectionOffsets())
}

func TestPersistentMapLoadRebuildsOffsetsFromHeaders(t *testing.T) {
	writer := NewPersistentMap(2, testMapConfig, nil)
	require.NoError(t, writer.AddSection(0, []byte{1}))
	require.NoError(t, writer.AddSection(1, []byte{2}))
	require.NoError(t, writer.AddSection(0, []byte{9}))

	reader := NewPersistentMap(2, testMapConfig, nil)
	missing, err := reader.Load(writer.pages)
	require.NoError(t, err)
	require.Empty(t, missing)

	data, err := reader.RetrieveSection(0)
	require.NoError(t, err)
	require.Equal(t, []byte{9}, data)

	data, err = reader.RetrieveSection(1)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, data)
}

func TestPersistentMapLoadReportsMissingSections(t *testing.T) {
	writer := NewPersistentMap(3, testMapConfig, nil)
	require.NoError(t, writer.AddSection(0, []byte{1}))

	reader := NewPersistentMap(3, testMapConfig, nil)
	missing, err := reader.Load(writer.pages)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, missing)
}
