package nandmapper

import (
	"github.com/dsoprea/go-logging"
)

// AbsoluteBlock indexes the union of all blocks across all chip selects.
type AbsoluteBlock uint32

// AbsolutePage indexes the union of all pages across all chip selects.
type AbsolutePage uint32

// NandRelativeBlock is an AbsoluteBlock translated to be relative to the base
// of its containing chip.
type NandRelativeBlock uint32

// VirtualBlockAddress is an absolute block number aligned to PlanesPerDie; it
// is the address space a Mapper exposes above the physical chip layout.
type VirtualBlockAddress uint32

// PageAddress is a page offset within a specific block.
type PageAddress struct {
	Block  AbsoluteBlock
	Offset uint32
}

// ChipGeometry describes one chip select: its placement in the absolute
// address space and its internal die/plane layout.
type ChipGeometry struct {
	// BaseAbsoluteBlock is the first absolute block belonging to this chip.
	BaseAbsoluteBlock AbsoluteBlock

	// TotalBlocks is the number of blocks on this chip.
	TotalBlocks uint32

	// BlocksPerDie is the number of blocks in a single die of this chip.
	BlocksPerDie uint32

	// SupportsDieInterleaving indicates the HAL can service operations on two
	// planes residing on different dice of the same chip concurrently.
	SupportsDieInterleaving bool
}

// DieCount returns the number of dice on this chip.
func (cg ChipGeometry) DieCount() uint32 {
	if cg.BlocksPerDie == 0 {
		return 0
	}

	return cg.TotalBlocks / cg.BlocksPerDie
}

// Geometry describes the full addressable NAND space: one or more chips, each
// with identical page and plane layout.
type Geometry struct {
	PagesPerBlock uint32
	PlanesPerDie  uint32
	Chips         []ChipGeometry
}

// TotalBlocks returns the block count across every chip.
func (g Geometry) TotalBlocks() uint32 {
	total := uint32(0)
	for _, chip := range g.Chips {
		total += chip.TotalBlocks
	}

	return total
}

// NandForAbsoluteBlock returns the index of the chip containing the
// given absolute block: the largest i such that base(i) <= a.
func (g Geometry) NandForAbsoluteBlock(a AbsoluteBlock) (chipIndex int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	found := -1
	for i, chip := range g.Chips {
		if a >= chip.BaseAbsoluteBlock {
			if found == -1 || chip.BaseAbsoluteBlock > g.Chips[found].BaseAbsoluteBlock {
				found = i
			}
		}
	}

	if found == -1 {
		log.Panicf("absolute block (%d) does not map to any configured chip", a)
	}

	chip := g.Chips[found]
	if uint32(a-chip.BaseAbsoluteBlock) >= chip.TotalBlocks {
		log.Panicf("absolute block (%d) is beyond the end of chip (%d)", a, found)
	}

	return found, nil
}

// RelativeBlock translates an absolute block to be relative to the base of
// its containing chip.
func (g Geometry) RelativeBlock(a AbsoluteBlock) (chipIndex int, relative NandRelativeBlock, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	chipIndex, err = g.NandForAbsoluteBlock(a)
	log.PanicIf(err)

	relative = NandRelativeBlock(a - g.Chips[chipIndex].BaseAbsoluteBlock)

	return chipIndex, relative, nil
}

// DieForRelativeBlock returns the die index that a NAND-relative block
// belongs to within its chip.
func (g Geometry) DieForRelativeBlock(chipIndex int, relative NandRelativeBlock) (die int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	chip := g.Chips[chipIndex]
	if chip.BlocksPerDie == 0 {
		log.Panicf("chip (%d) has a zero blocks-per-die", chipIndex)
	}

	return int(uint32(relative) / chip.BlocksPerDie), nil
}

// AbsolutePageFromBlock computes the absolute page for a block and in-block
// page offset: block * pages_per_block + offset.
func (g Geometry) AbsolutePageFromBlock(block AbsoluteBlock, offset uint32) AbsolutePage {
	return AbsolutePage(uint32(block)*g.PagesPerBlock + offset)
}

// planeShift returns log2(PlanesPerDie), or an error if PlanesPerDie is zero
// or not a power of two.
func (g Geometry) planeShift() (shift uint, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	p := g.PlanesPerDie
	if p == 0 {
		log.Panicf("planes-per-die must be at least 1")
	}

	for i := uint(0); i < 32; i++ {
		if p == (uint32(1) << i) {
			return i, nil
		}
	}

	log.Panicf("planes-per-die (%d) is not a power of two", p)
	return 0, nil
}

// VirtualOffsetParts splits a virtual page offset into the plane it belongs to
// (low bits) and the page-within-plane (high bits).
func (g Geometry) VirtualOffsetParts(virtualOffset uint32) (plane uint32, pageInPlane uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	shift, err := g.planeShift()
	log.PanicIf(err)

	mask := g.PlanesPerDie - 1

	return virtualOffset & mask, virtualOffset >> shift, nil
}

// AlignToVirtualBlock rounds an absolute block down to the nearest multiple of
// PlanesPerDie, the alignment every virtual block address must satisfy.
func (g Geometry) AlignToVirtualBlock(a AbsoluteBlock) VirtualBlockAddress {
	mask := ^(g.PlanesPerDie - 1)

	return VirtualBlockAddress(uint32(a) & mask)
}
