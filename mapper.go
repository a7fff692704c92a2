package nandmapper

import (
	"github.com/dsoprea/go-logging"
)

// unallocatedZoneEntry is the sentinel ZoneMapEntry value meaning "this
// virtual block has never been assigned a physical block".
const unallocatedZoneEntry ZoneMapEntry = 0xffffffff

// ZoneMapEntry is one packed 4-byte slot of the zone map: the physical
// block currently backing a virtual block, or unallocatedZoneEntry.
type ZoneMapEntry uint32

// IsUnallocated reports whether this entry has never been assigned.
func (z ZoneMapEntry) IsUnallocated() bool {
	return z == unallocatedZoneEntry
}

// BlockKind names the type of block a GetBlockAndAssign call is for. Only
// BlockNormal allocations are recorded in the zone map; the kind does not
// change the allocator's search range or constraints.
type BlockKind int

const (
	BlockNormal BlockKind = iota
	BlockMap
	BlockSystem
)

// MapBlockKind identifies which of the two persisted maps a find_map_block
// scan is looking for.
type MapBlockKind int

const (
	MapBlockZone MapBlockKind = iota
	MapBlockPhy
)

// Mapper owns the phymap and the zone map's PersistentMap, translating
// virtual block addresses to physical block addresses and handling
// allocation, bad-block retirement, and boot-time map discovery.
type Mapper struct {
	geometry Geometry
	phyMap   *PhyMap
	zoneMap  map[VirtualBlockAddress]ZoneMapEntry
	zoneLog  *PersistentMap
	region   *Region

	allocator BlockAllocator
}

// NewMapper constructs a Mapper over the given geometry, phymap, and region,
// using allocator for get_block_and_assign. zoneLog may be nil until the
// zone map has been loaded or formatted.
func NewMapper(geometry Geometry, phyMap *PhyMap, region *Region, allocator BlockAllocator) *Mapper {
	return &Mapper{
		geometry:  geometry,
		phyMap:    phyMap,
		zoneMap:   make(map[VirtualBlockAddress]ZoneMapEntry),
		region:    region,
		allocator: allocator,
	}
}

// SetZoneLog attaches the PersistentMap backing the zone map, once loaded.
func (m *Mapper) SetZoneLog(zoneLog *PersistentMap) {
	m.zoneLog = zoneLog
}

// GetBlockInfo returns the physical block currently backing a virtual
// block, or ErrNotFound (wrapped) if it has never been assigned.
func (m *Mapper) GetBlockInfo(virtualBlock VirtualBlockAddress) (physical AbsoluteBlock, err error) {
	entry, found := m.zoneMap[virtualBlock]
	if !found || entry.IsUnallocated() {
		return 0, log.Wrap(ErrNotFound)
	}

	return AbsoluteBlock(entry), nil
}

// GetBlockAndAssign allocates a free physical block for a virtual block
// under the given constraints, marks the phymap bit used, and, for
// BlockNormal, updates the in-memory zone-map entry. It does not itself persist the
// zone-map section; the caller is responsible for scheduling that (or
// calling into the deferred queue) once nand_locker-protected state has
// settled.
func (m *Mapper) GetBlockAndAssign(virtualBlock VirtualBlockAddress, kind BlockKind, constraints Constraints) (physical AbsoluteBlock, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if m.allocator == nil {
		log.Panicf("mapper has no allocator configured")
	}

	physical, err = m.allocator.Allocate(m.geometry, m.phyMap, constraints)
	if err != nil {
		return 0, err
	}

	err = m.phyMap.Mark(physical, false, false, m.region)
	log.PanicIf(err)

	if kind == BlockNormal {
		m.zoneMap[virtualBlock] = ZoneMapEntry(physical)
	}

	return physical, nil
}

// HandleNewBadBlock unmaps any virtual block currently pointing to a
// physical block, marks the phymap bit used so the block cannot be reused,
// and notifies the owning region.
func (m *Mapper) HandleNewBadBlock(physical AbsoluteBlock) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	for virtualBlock, entry := range m.zoneMap {
		if !entry.IsUnallocated() && AbsoluteBlock(entry) == physical {
			m.zoneMap[virtualBlock] = unallocatedZoneEntry
		}
	}

	err = m.phyMap.Mark(physical, false, false, m.region)
	log.PanicIf(err)

	if m.region != nil {
		err = m.region.MarkBad(physical)
		log.PanicIf(err)
	}

	return nil
}

// GetSectionForConsolidate satisfies sectionConsolidateSource for the zone
// map's PersistentMap by returning the most recently written copy of the
// section held in the zone log (RetrieveSection); the in-memory zoneMap is
// not consulted.
func (m *Mapper) GetSectionForConsolidate(sectionIndex int) (data []byte, err error) {
	if m.zoneLog == nil {
		return nil, log.Wrap(ErrNotInitialized)
	}

	return m.zoneLog.RetrieveSection(sectionIndex)
}

// MapBlockReader reads the first page's metadata of a candidate block, the
// probe find_map_block performs while scanning the reserved map-block range
// at mount time.
type MapBlockReader interface {
	ReadFirstPageMetadata(block AbsoluteBlock) (PageMetadata, error)
}

// FindMapBlock scans [start, end) for the block whose first page carries the
// zone-map or phy-map signature, per which.
func (m *Mapper) FindMapBlock(reader MapBlockReader, start, end AbsoluteBlock, which MapBlockKind) (block AbsoluteBlock, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	want := SignatureZoneMap
	if which == MapBlockPhy {
		want = SignaturePhyMap
	}

	for b := start; b < end; b++ {
		pm, readErr := reader.ReadFirstPageMetadata(b)
		if readErr != nil {
			continue
		}

		if pm.IsMarkedBad() {
			continue
		}

		if pm.Signature() == want {
			return b, nil
		}
	}

	return 0, log.Wrap(ErrNotFound)
}
