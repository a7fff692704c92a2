package nandmapper

import (
	"bytes"
	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// defaultEncoding is the byte order used for every on-media structure this
// package packs or unpacks. The persisted layout is little-endian on the
// wire.
var defaultEncoding = binary.LittleEndian

const (
	// metadataSize is the size in bytes of the out-of-band redundant-area
	// record tagging each page.
	metadataSize = 16

	// IsHiddenBlockFlag marks that the containing block belongs to a hidden
	// drive. Flags are inverted: a 0 bit means the flag is set.
	IsHiddenBlockFlag uint8 = 1 << 0

	// IsInLogicalOrderFlag is set on the last page of a block only when every
	// page in that block is written in ascending logical order.
	IsInLogicalOrderFlag uint8 = 1 << 1

	// blockStatusGood is the blockStatus value of a good block; any other
	// value marks the whole block bad.
	blockStatusGood uint8 = 0xff

	// flagsAllClear is the erased-page value for the flags byte: every flag
	// bit is 1, meaning no flag is set (flags are inverted).
	flagsAllClear uint8 = 0xff
)

// PageMetadata is the 16-byte redundant-area record tagging every page. The
// second half of the record is a union: data-drive pages carry an (lba, lsi)
// pair, system/boot pages carry a four-byte big-endian signature instead.
type PageMetadata struct {
	BlockStatus uint8 // non-0xff means the whole block is bad.
	BlockNumber uint8 // erase-block serial, used by system drives.
	Field0      uint16
	Field1      uint16
	Lba1        uint16
	Flags       uint8
	Reserved    uint8
	Pad         [6]byte // remainder of the redundant area; always 0xff when erased.
}

// NewErasedMetadata returns metadata matching an erased page: every byte
// 0xff.
func NewErasedMetadata() PageMetadata {
	pm := PageMetadata{
		BlockStatus: 0xff,
		BlockNumber: 0xff,
		Field0:      0xffff,
		Field1:      0xffff,
		Lba1:        0xffff,
		Flags:       0xff,
		Reserved:    0xff,
	}

	for i := range pm.Pad {
		pm.Pad[i] = 0xff
	}

	return pm
}

// MarshalMetadata packs a PageMetadata into its 16-byte wire representation.
func MarshalMetadata(pm PageMetadata) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	raw, err = restruct.Pack(defaultEncoding, &pm)
	log.PanicIf(err)

	if len(raw) != metadataSize {
		log.Panicf("packed metadata is (%d) bytes, expected (%d)", len(raw), metadataSize)
	}

	return raw, nil
}

// UnmarshalMetadata parses a 16-byte buffer into a PageMetadata.
func UnmarshalMetadata(raw []byte) (pm PageMetadata, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if len(raw) != metadataSize {
		log.Panicf("metadata buffer is (%d) bytes, expected (%d)", len(raw), metadataSize)
	}

	err = restruct.Unpack(raw, defaultEncoding, &pm)
	log.PanicIf(err)

	return pm, nil
}

// IsErased reports whether every byte of the metadata is 0xff, the state of
// an erased, never-written page.
func (pm PageMetadata) IsErased() bool {
	raw, err := MarshalMetadata(pm)
	log.PanicIf(err)

	erased := make([]byte, metadataSize)
	for i := range erased {
		erased[i] = 0xff
	}

	return bytes.Equal(raw, erased)
}

// IsMarkedBad reports whether the block-status byte flags the whole
// containing block as bad.
func (pm PageMetadata) IsMarkedBad() bool {
	return pm.BlockStatus != blockStatusGood
}

// MarkBad sets the block-status byte so the containing block reads as bad.
func (pm *PageMetadata) MarkBad() {
	pm.BlockStatus = 0
}

// IsFlagSet tests one of the inverted flag bits: a flag is active when its
// bit is 0.
func (pm PageMetadata) IsFlagSet(mask uint8) bool {
	return pm.Flags&mask == 0
}

// SetFlag activates a flag bit (clears it, since flags are inverted).
func (pm *PageMetadata) SetFlag(mask uint8) {
	pm.Flags &^= mask
}

// ClearFlag deactivates a flag bit (sets it to 1).
func (pm *PageMetadata) ClearFlag(mask uint8) {
	pm.Flags |= mask
}

// Lba returns the logical block address for a data-drive page: the low
// halfword (Field0) combined with the high halfword (Lba1).
func (pm PageMetadata) Lba() uint32 {
	return uint32(pm.Lba1)<<16 | uint32(pm.Field0)
}

// Lsi returns the logical sector index within the containing block for a
// data-drive page.
func (pm PageMetadata) Lsi() uint16 {
	return pm.Field1
}

// Signature returns the four-byte big-endian signature carried by a
// system/boot-drive page (e.g. "LBAM", "zone", "phys").
func (pm PageMetadata) Signature() uint32 {
	return uint32(pm.Field0)<<16 | uint32(pm.Field1)
}

// PrepareData fills in the metadata for a data-drive page, given its LBA and
// logical sector index. Flags are left as "all clear" (erased).
func (pm *PageMetadata) PrepareData(lba uint32, lsi uint16) {
	pm.BlockStatus = blockStatusGood
	pm.Field0 = uint16(lba & 0xffff)
	pm.Field1 = lsi
	pm.Lba1 = uint16(lba >> 16)
	pm.Flags = flagsAllClear
	pm.Reserved = 0xff
}

// PrepareSignature fills in the metadata for a system/boot-drive page, given
// its four-byte big-endian signature.
func (pm *PageMetadata) PrepareSignature(signature uint32) {
	pm.BlockStatus = blockStatusGood
	pm.Field0 = uint16(signature >> 16)
	pm.Field1 = uint16(signature & 0xffff)
	pm.Lba1 = 0xffff
	pm.Flags = flagsAllClear
	pm.Reserved = 0xff
}

// Signature constants used to tag zone-map and phymap section pages, per the
// persisted layout.
const (
	SignatureZoneMap uint32 = 0x4c42414d // "LBAM"
	SignaturePhyMap  uint32 = 0x45584d41 // "EXMA"
)
