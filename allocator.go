package nandmapper

import (
	"github.com/dsoprea/go-logging"
)

// Unconstrained marks a Constraints field as not restricting the search.
const Unconstrained = -1

// Constraints narrows an allocation search to a specific chip, die, and/or
// plane. Any field left at Unconstrained does not restrict the search.
type Constraints struct {
	Chip  int
	Die   int
	Plane int
}

// getConstrainedRange clips [0, geometry.TotalBlocks()) down to the span
// covered by the constrained chip and die, mirroring the original
// allocator's chip/die clipping before a linear or random search begins.
func getConstrainedRange(g Geometry, c Constraints) (start AbsoluteBlock, end AbsoluteBlock, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if c.Chip == Unconstrained {
		return 0, AbsoluteBlock(g.TotalBlocks()), nil
	}

	if c.Chip < 0 || c.Chip >= len(g.Chips) {
		log.Panicf("chip constraint (%d) is out of range", c.Chip)
	}

	chip := g.Chips[c.Chip]

	if c.Die == Unconstrained {
		return chip.BaseAbsoluteBlock, AbsoluteBlock(uint32(chip.BaseAbsoluteBlock) + chip.TotalBlocks), nil
	}

	if chip.BlocksPerDie == 0 {
		log.Panicf("chip (%d) has a zero blocks-per-die but a die constraint was given", c.Chip)
	}

	dieCount := chip.DieCount()
	if c.Die < 0 || uint32(c.Die) >= dieCount {
		log.Panicf("die constraint (%d) is out of range for chip (%d)", c.Die, c.Chip)
	}

	dieStart := AbsoluteBlock(uint32(chip.BaseAbsoluteBlock) + uint32(c.Die)*chip.BlocksPerDie)

	return dieStart, dieStart + AbsoluteBlock(chip.BlocksPerDie), nil
}

// BlockAllocator chooses the next free block to hand out, subject to
// Constraints and skipping region-reported bad blocks via the phymap.
type BlockAllocator interface {
	Allocate(g Geometry, phyMap *PhyMap, c Constraints) (block AbsoluteBlock, err error)
}

// splitSearch runs scan over [cursor, end) then, if nothing was found there
// and the cursor is past start, over [start, cursor) — the same
// wraparound strategy the original linear/random allocators use so a
// search that begins mid-range still covers the whole span.
func splitSearch(start, end, cursor AbsoluteBlock, scan func(s, e AbsoluteBlock) (AbsoluteBlock, bool)) (AbsoluteBlock, bool) {
	if found, ok := scan(cursor, end); ok {
		return found, true
	}

	if cursor > start {
		if found, ok := scan(start, cursor); ok {
			return found, true
		}
	}

	return 0, false
}

// LinearBlockAllocator searches forward from a rolling cursor position,
// wrapping to the start of its constrained range when it reaches the end.
// The cursor is advanced past whatever block is returned so the next
// allocation continues the sweep.
type LinearBlockAllocator struct {
	cursor AbsoluteBlock
}

// NewLinearBlockAllocator creates an allocator whose sweep starts at block 0.
func NewLinearBlockAllocator() *LinearBlockAllocator {
	return &LinearBlockAllocator{}
}

// SetCurrentPosition repositions the sweep cursor, e.g. after loading a
// persisted allocator state.
func (a *LinearBlockAllocator) SetCurrentPosition(block AbsoluteBlock) {
	a.cursor = block
}

func (a *LinearBlockAllocator) Allocate(g Geometry, phyMap *PhyMap, c Constraints) (block AbsoluteBlock, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	start, end, err := getConstrainedRange(g, c)
	log.PanicIf(err)

	cursor := a.cursor
	if cursor < start || cursor >= end {
		cursor = start
	}

	found, ok := splitSearch(start, end, cursor, func(s, e AbsoluteBlock) (AbsoluteBlock, bool) {
		b, err := phyMap.FindFirstFree(s, e, c.Plane)
		if err != nil {
			return 0, false
		}

		return b, true
	})

	if !ok {
		return 0, log.Wrap(ErrMapperPhyMapFull)
	}

	a.cursor = found + 1
	if a.cursor >= end {
		a.cursor = start
	}

	return found, nil
}

// RandomBlockAllocator picks a uniformly-distributed starting point within
// its constrained range on every call and scans forward from there, so
// wear is spread across the range instead of following write order. The
// generator is a Tausworthe-88 combined generator, matching the original
// hardware-entropy-seeded PRNG.
type RandomBlockAllocator struct {
	rng *taus88
}

// NewRandomBlockAllocator seeds the allocator's PRNG from the given 32-bit
// seed (the caller combines a hardware entropy source with a free-running
// counter the way the original does).
func NewRandomBlockAllocator(seed uint32) *RandomBlockAllocator {
	return &RandomBlockAllocator{rng: newTaus88(seed)}
}

func (a *RandomBlockAllocator) Allocate(g Geometry, phyMap *PhyMap, c Constraints) (block AbsoluteBlock, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	start, end, err := getConstrainedRange(g, c)
	log.PanicIf(err)

	if end <= start {
		log.Panicf("constrained range is empty")
	}

	span := uint32(end - start)
	cursor := start + AbsoluteBlock(a.rng.next()%span)

	found, ok := splitSearch(start, end, cursor, func(s, e AbsoluteBlock) (AbsoluteBlock, bool) {
		b, err := phyMap.FindFirstFree(s, e, c.Plane)
		if err != nil {
			return 0, false
		}

		return b, true
	})

	if !ok {
		return 0, log.Wrap(ErrMapperPhyMapFull)
	}

	return found, nil
}

// taus88 is a combined Tausworthe generator (three 32-bit LFSR components),
// the same construction the original allocator uses to pick block offsets
// from hardware entropy.
type taus88 struct {
	s1, s2, s3 uint32
}

func newTaus88(seed uint32) *taus88 {
	t := &taus88{
		s1: seed ^ 0x9e3779b9,
		s2: (seed << 7) ^ 0x85ebca6b,
		s3: (seed >> 3) ^ 0xc2b2ae35,
	}

	if t.s1 < 2 {
		t.s1 += 2
	}
	if t.s2 < 8 {
		t.s2 += 8
	}
	if t.s3 < 16 {
		t.s3 += 16
	}

	return t
}

func (t *taus88) next() uint32 {
	t.s1 = ((t.s1 & 0xfffffffe) << 12) ^ (((t.s1 << 13) ^ t.s1) >> 19)
	t.s2 = ((t.s2 & 0xfffffff8) << 4) ^ (((t.s2 << 2) ^ t.s2) >> 25)
	t.s3 = ((t.s3 & 0xfffffff0) << 17) ^ (((t.s3 << 3) ^ t.s3) >> 11)

	return t.s1 ^ t.s2 ^ t.s3
}
