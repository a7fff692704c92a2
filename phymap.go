package nandmapper

import (
	"github.com/dsoprea/go-logging"
)

// bitsPerWord is the width of one PhyMap storage word.
const bitsPerWord = 32

// PhyMapListener is notified whenever a PhyMap word goes from clean to
// dirty, so a persistence layer can track which sections need to be
// rewritten. ClearDirty does not notify it.
type PhyMapListener interface {
	OnWordDirty(wordIndex int)
}

// PhyMap is a one-bit-per-block free/allocated bitmap, packed into 32-bit
// words. A set bit means the block is free.
type PhyMap struct {
	bits     []uint32
	blocks   uint32
	planes   uint32
	dirty    []bool
	listener PhyMapListener
}

// NewPhyMap allocates a PhyMap covering the given number of blocks, with
// every block initially marked free. planes is the plane count of the
// owning geometry, used by plane-filtered scans.
func NewPhyMap(blocks uint32, planes uint32) *PhyMap {
	words := (blocks + bitsPerWord - 1) / bitsPerWord

	pm := &PhyMap{
		bits:   make([]uint32, words),
		blocks: blocks,
		planes: planes,
		dirty:  make([]bool, words),
	}

	for i := range pm.bits {
		pm.bits[i] = 0xffffffff
	}

	return pm
}

// SetListener installs the dirty-word callback, replacing any prior one.
func (pm *PhyMap) SetListener(listener PhyMapListener) {
	pm.listener = listener
}

func (pm *PhyMap) wordIndex(block AbsoluteBlock) (word int, bit uint) {
	return int(uint32(block) / bitsPerWord), uint(uint32(block) % bitsPerWord)
}

func (pm *PhyMap) markWordDirty(word int) {
	if pm.dirty[word] {
		return
	}

	pm.dirty[word] = true

	if pm.listener != nil {
		pm.listener.OnWordDirty(word)
	}
}

// ClearDirty resets the dirty flag for a word once its section has been
// persisted.
func (pm *PhyMap) ClearDirty(word int) {
	pm.dirty[word] = false
}

// IsWordDirty reports whether a word has changed since it was last cleared.
func (pm *PhyMap) IsWordDirty(word int) bool {
	return pm.dirty[word]
}

// WordCount returns the number of storage words backing the map.
func (pm *PhyMap) WordCount() int {
	return len(pm.bits)
}

// Word returns the raw bits of one storage word, for section persistence.
func (pm *PhyMap) Word(index int) uint32 {
	return pm.bits[index]
}

// SetWord overwrites one storage word wholesale, used when loading a
// persisted section. It does not mark the word dirty.
func (pm *PhyMap) SetWord(index int, value uint32) {
	pm.bits[index] = value
}

// IsFree reports whether a block is currently marked free.
func (pm *PhyMap) IsFree(block AbsoluteBlock) bool {
	word, bit := pm.wordIndex(block)

	return pm.bits[word]&(1<<bit) != 0
}

// Mark sets a block's free/allocated state. When marking a block free with
// autoErase true and region already lists the block as bad, Mark returns
// without changing the block's bit. Mark performs no erase itself and never
// adds blocks to region's bad-block list.
func (pm *PhyMap) Mark(block AbsoluteBlock, free bool, autoErase bool, region *Region) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if uint32(block) >= pm.blocks {
		log.Panicf("block (%d) is out of range for phymap of (%d) blocks", block, pm.blocks)
	}

	if free && autoErase && region != nil && region.IsBad(block) {
		return nil
	}

	word, bit := pm.wordIndex(block)

	mask := uint32(1) << bit
	before := pm.bits[word]

	if free {
		pm.bits[word] |= mask
	} else {
		pm.bits[word] &^= mask
	}

	if pm.bits[word] != before {
		pm.markWordDirty(word)
	}

	return nil
}

// MarkRange applies Mark to every block in [start, start+count).
func (pm *PhyMap) MarkRange(start AbsoluteBlock, count uint32, free bool, autoErase bool, region *Region) (err error) {
	for i := uint32(0); i < count; i++ {
		if err = pm.Mark(AbsoluteBlock(uint32(start)+i), free, autoErase, region); err != nil {
			return err
		}
	}

	return nil
}

// CountFree returns the total number of free blocks across the whole map.
func (pm *PhyMap) CountFree() uint32 {
	total := uint32(0)

	for i := 0; i < len(pm.bits); i++ {
		total += popcount32(pm.bits[i])
	}

	// The final word may include padding bits beyond pm.blocks; those are
	// always left set (free) by construction, so subtract them back out.
	remainder := pm.blocks % bitsPerWord
	if remainder != 0 && len(pm.bits) > 0 {
		lastWord := pm.bits[len(pm.bits)-1]
		paddingMask := ^uint32(0) << remainder
		total -= popcount32(lastWord & paddingMask)
	}

	return total
}

// popcount32 counts the set bits of a 32-bit word.
func popcount32(v uint32) uint32 {
	count := uint32(0)

	for v != 0 {
		v &= v - 1
		count++
	}

	return count
}

// FindFirstFree scans [start, end) for the first free block whose plane
// index (block % planes) equals planeConstraint, or any plane when
// planeConstraint is Unconstrained. It returns ErrMapperPhyMapFull (wrapped)
// if none is found.
func (pm *PhyMap) FindFirstFree(start AbsoluteBlock, end AbsoluteBlock, planeConstraint int) (found AbsoluteBlock, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if end > AbsoluteBlock(pm.blocks) {
		end = AbsoluteBlock(pm.blocks)
	}

	for b := start; b < end; b++ {
		if planeConstraint != Unconstrained {
			if pm.planes == 0 {
				log.Panicf("plane constraint given but phymap has zero planes configured")
			}

			if int(uint32(b)%pm.planes) != planeConstraint {
				continue
			}
		}

		if pm.IsFree(b) {
			return b, nil
		}
	}

	return 0, log.Wrap(ErrMapperPhyMapFull)
}
