package nandmapper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func bch8Descriptor() EccDescriptor {
	return EccDescriptor{
		Kind:             EccBCH8,
		Block0DataSize:   512,
		Block0Count:      1,
		BlockNDataSize:   512,
		BlockNCount:      3,
		MetadataBytes:    10,
		RewriteThreshold: 8,
	}
}

func TestComputeMaskNone(t *testing.T) {
	d := EccDescriptor{Kind: EccNone}

	mask, dataCount, auxCount, err := d.ComputeMask(2048, 2112, false, false)
	require.NoError(t, err)
	require.Equal(t, uint32(0), mask)
	require.Equal(t, uint32(2048), dataCount)
	require.Equal(t, uint32(0), auxCount)
}

func TestComputeMaskBCH(t *testing.T) {
	d := bch8Descriptor()

	mask, dataCount, auxCount, err := d.ComputeMask(2048, 2176, false, false)
	require.NoError(t, err)
	require.Equal(t, uint32(2048), dataCount)
	require.Equal(t, uint32(2176-2048), auxCount)
	require.Equal(t, uint32(0x0f), mask)
}

func TestComputeMaskWriteSetsHighBit(t *testing.T) {
	d := bch8Descriptor()

	mask, _, _, err := d.ComputeMask(2048, 2176, true, false)
	require.NoError(t, err)
	require.NotZero(t, mask&(1<<31))
}

func TestComputeMaskAuxTooSmall(t *testing.T) {
	d := bch8Descriptor()

	_, _, _, err := d.ComputeMask(2048, 2050, false, false)
	require.Error(t, err)
}

func buildAuxBuffer(d EccDescriptor, words []uint32) []byte {
	offset := d.eccStatusOffset()
	buf := make([]byte, offset+uint32(len(words))*4)

	for i, w := range words {
		defaultEncoding.PutUint32(buf[offset+uint32(i)*4:], w)
	}

	return buf
}

func TestCorrectEccFixed(t *testing.T) {
	d := bch8Descriptor()
	aux := buildAuxBuffer(d, []uint32{1, 2, correctionAllOnes, 3})

	result, maxErrors, err := d.CorrectEcc(aux)
	require.NoError(t, err)
	require.Equal(t, EccFixed, result)
	require.Equal(t, uint32(3), maxErrors)
}

func TestCorrectEccFixedShouldRewrite(t *testing.T) {
	d := bch8Descriptor()
	aux := buildAuxBuffer(d, []uint32{1, 8, 2, 3})

	result, maxErrors, err := d.CorrectEcc(aux)
	require.NoError(t, err)
	require.Equal(t, EccFixedShouldRewrite, result)
	require.Equal(t, uint32(8), maxErrors)
}

func TestCorrectEccUncorrectable(t *testing.T) {
	d := bch8Descriptor()
	aux := buildAuxBuffer(d, []uint32{1, correctionUncorrectable, 2, 3})

	result, _, err := d.CorrectEcc(aux)
	require.Error(t, err)
	require.Equal(t, EccUncorrectableResult, result)
	require.True(t, IsKind(err, KindEccUncorrectable))
}

func TestPostTransactionWriteSkipsCorrection(t *testing.T) {
	d := bch8Descriptor()

	result, maxErrors, err := d.PostTransaction(true, nil)
	require.NoError(t, err)
	require.Equal(t, EccFixed, result)
	require.Equal(t, uint32(0), maxErrors)
}
