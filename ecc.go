package nandmapper

import (
	"github.com/dsoprea/go-logging"
)

// EccKind is the tagged-union discriminator replacing the original's
// runtime polymorphism over {ReedSolomon, BCH}, with no boxed allocation
// required. The EccDescriptor methods test the kind directly; there is no
// per-kind dispatch table, and they only distinguish EccNone from the other
// kinds.
type EccKind int

const (
	EccNone EccKind = iota
	EccRS4
	EccRS8
	EccBCH0
	EccBCH4
	EccBCH8
	EccBCH12
	EccBCH16
	EccBCH20
)

// Sentinels from the BCH correction-status readout.
const (
	correctionUncorrectable uint32 = 0xffffffff
	correctionAllOnes       uint32 = 0xfffffffe // erased page
)

// EccCorrectionResult names the outcome of a correct_ecc call.
type EccCorrectionResult int

const (
	EccFixed EccCorrectionResult = iota
	EccFixedShouldRewrite
	EccUncorrectableResult
)

// EccDescriptor names one ECC configuration: its kind, and for BCH the
// block0/blockN data sizes and counts, metadata bytes, and the bit-error
// threshold past which a successful correction is still promoted to
// "should rewrite".
type EccDescriptor struct {
	Kind             EccKind
	Block0DataSize   uint32
	Block0Count      uint32
	BlockNDataSize   uint32
	BlockNCount      uint32
	MetadataBytes    uint32
	RewriteThreshold uint32
}

// ComputeMask returns the DMA mask, data-sector count, and auxiliary-area
// byte count for one transaction, given the total page size and whether
// the transaction is a write and whether it's a read-only-2k operation
// (boot-block reads that ignore the redundant area beyond 2 KiB).
func (d EccDescriptor) ComputeMask(byteCount uint32, pageTotalSize uint32, isWrite bool, readOnly2k bool) (mask uint32, dataCount uint32, auxCount uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if d.Kind == EccNone {
		return 0, byteCount, 0, nil
	}

	totalBlocks := d.Block0Count + d.BlockNCount
	if totalBlocks == 0 {
		log.Panicf("ecc descriptor (%v) has zero data blocks configured", d.Kind)
	}

	dataCount = d.Block0DataSize*d.Block0Count + d.BlockNDataSize*d.BlockNCount
	if readOnly2k && dataCount > 2048 {
		dataCount = 2048
	}

	auxCount = pageTotalSize - dataCount
	if auxCount < d.MetadataBytes {
		log.Panicf("aux area (%d bytes) too small for metadata (%d bytes)", auxCount, d.MetadataBytes)
	}

	mask = (uint32(1) << totalBlocks) - 1
	if isWrite {
		mask |= 1 << 31
	}

	return mask, dataCount, auxCount, nil
}

// eccStatusOffset returns the byte offset within the aux area where
// per-payload correction status begins: immediately after the user
// metadata, rounded up to a word boundary.
func (d EccDescriptor) eccStatusOffset() uint32 {
	return (d.MetadataBytes + 3) &^ 3
}

// CorrectEcc interprets the correction-status bytes trailing the user
// metadata in the aux buffer: it reads each payload's bit-error count, and
// if the maximum observed count meets or exceeds RewriteThreshold, promotes
// an otherwise-successful correction to EccFixedShouldRewrite so the caller
// schedules a background block refresh.
func (d EccDescriptor) CorrectEcc(aux []byte) (result EccCorrectionResult, maxErrors uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if d.Kind == EccNone {
		return EccFixed, 0, nil
	}

	offset := d.eccStatusOffset()
	totalBlocks := d.Block0Count + d.BlockNCount

	if uint32(len(aux)) < offset+totalBlocks*4 {
		log.Panicf("aux buffer (%d bytes) too short for (%d) correction-status words at offset (%d)", len(aux), totalBlocks, offset)
	}

	for i := uint32(0); i < totalBlocks; i++ {
		word := defaultEncoding.Uint32(aux[offset+i*4 : offset+i*4+4])

		if word == correctionUncorrectable {
			return EccUncorrectableResult, 0, log.Wrap(ErrEccUncorrectable)
		}

		if word == correctionAllOnes {
			continue
		}

		if word > maxErrors {
			maxErrors = word
		}
	}

	if maxErrors >= d.RewriteThreshold {
		return EccFixedShouldRewrite, maxErrors, nil
	}

	return EccFixed, maxErrors, nil
}

// PreTransaction brackets the start of an ECC-protected DMA: the original
// arms the ECC engine's mask register before the transfer begins. Here it
// just validates the descriptor is usable for the transaction size.
func (d EccDescriptor) PreTransaction(byteCount uint32, pageTotalSize uint32, isWrite bool, readOnly2k bool) (err error) {
	_, _, _, err = d.ComputeMask(byteCount, pageTotalSize, isWrite, readOnly2k)

	return err
}

// PostTransaction brackets the end of an ECC-protected DMA: for a read, the
// caller is expected to follow with CorrectEcc on the returned aux buffer;
// for a write, there is nothing further to check.
func (d EccDescriptor) PostTransaction(isWrite bool, aux []byte) (result EccCorrectionResult, maxErrors uint32, err error) {
	if isWrite {
		return EccFixed, 0, nil
	}

	return d.CorrectEcc(aux)
}
