package nandmapper

import (
	"sort"

	"github.com/dsoprea/go-logging"
)

// RegionKind identifies the purpose of a contiguous run of blocks.
type RegionKind int

const (
	RegionData RegionKind = iota
	RegionMap
	RegionSystem
	RegionHidden
)

// Region is a contiguous, named span of the physical address space plus the
// set of blocks within it that have been discovered bad. PhyMap.Mark consults
// it when marking a block free with autoErase, and Mapper.HandleNewBadBlock
// records newly bad blocks in it. Block allocators do not consult it; they
// skip bad blocks only because those blocks are marked used in the phymap.
type Region struct {
	Kind      RegionKind
	Start     AbsoluteBlock
	Count     uint32
	badBlocks map[AbsoluteBlock]struct{}
}

// NewRegion creates an empty region with no discovered bad blocks.
func NewRegion(kind RegionKind, start AbsoluteBlock, count uint32) *Region {
	return &Region{
		Kind:      kind,
		Start:     start,
		Count:     count,
		badBlocks: make(map[AbsoluteBlock]struct{}),
	}
}

// Contains reports whether a block address falls within this region's span.
func (r *Region) Contains(block AbsoluteBlock) bool {
	return block >= r.Start && uint32(block-r.Start) < r.Count
}

// IsBad reports whether a block has been discovered bad.
func (r *Region) IsBad(block AbsoluteBlock) bool {
	_, found := r.badBlocks[block]

	return found
}

// MarkBad records a block as bad. The caller is responsible for ensuring the
// block has already been erase-verified or ECC-escalated; MarkBad itself
// just maintains the bookkeeping table.
func (r *Region) MarkBad(block AbsoluteBlock) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if !r.Contains(block) {
		log.Panicf("block (%d) is outside region [%d, %d)", block, r.Start, uint32(r.Start)+r.Count)
	}

	r.badBlocks[block] = struct{}{}

	return nil
}

// BadBlockCount returns the number of blocks discovered bad in this region.
func (r *Region) BadBlockCount() int {
	return len(r.badBlocks)
}

// BadBlocks returns the discovered bad blocks in ascending order.
func (r *Region) BadBlocks() []AbsoluteBlock {
	out := make([]AbsoluteBlock, 0, len(r.badBlocks))
	for block := range r.badBlocks {
		out = append(out, block)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// End returns the first absolute block past this region's span.
func (r *Region) End() AbsoluteBlock {
	return AbsoluteBlock(uint32(r.Start) + r.Count)
}

// BadBlockTable is the sorted view of a Region's discovered bad blocks,
// consulted by SkipBadBlocks to translate a logical block-in-region into an
// absolute block.
type BadBlockTable []AbsoluteBlock

// BadBlockTable returns the current sorted bad-block table for this region.
func (r *Region) BadBlockTable() BadBlockTable {
	return BadBlockTable(r.BadBlocks())
}

// SkipBadBlocks translates a logical block number within this region (as if
// the region had no bad blocks) into the absolute block address, by walking
// forward past every bad-block-table entry at or before the candidate
// position.
func (r *Region) SkipBadBlocks(logicalBlockInRegion uint32) AbsoluteBlock {
	table := r.BadBlockTable()

	candidate := AbsoluteBlock(uint32(r.Start) + logicalBlockInRegion)

	// table is sorted ascending, so a single forward pass suffices: each bad
	// entry at or before the current candidate pushes it one block further,
	// and because entries only increase, an entry already passed can never
	// collide with a later push.
	for _, bad := range table {
		if bad <= candidate {
			candidate++
		}
	}

	return candidate
}
