package nandmapper

import (
	"github.com/dsoprea/go-logging"
)

// physicalAddressInfo caches one plane's resolved physical block, per the
// original VirtualBlock's per-plane cache entry.
type physicalAddressInfo struct {
	address       AbsoluteBlock
	isCached      bool
	isUnallocated bool
}

// VirtualBlock is the multi-plane view of one virtual block address: it
// caches, per plane, the physical block currently backing it. The Mapper
// remains the single authoritative source; VirtualBlock invalidates its
// cache on reassignment.
type VirtualBlock struct {
	address VirtualBlockAddress
	planes  []physicalAddressInfo
	mapper  *Mapper
}

// NewVirtualBlock creates a VirtualBlock for the given address with an
// empty (uncached) entry per plane.
func NewVirtualBlock(address VirtualBlockAddress, planeCount uint32, mapper *Mapper) *VirtualBlock {
	return &VirtualBlock{
		address: address,
		planes:  make([]physicalAddressInfo, planeCount),
		mapper:  mapper,
	}
}

// ClearCachedPhysicalAddresses drops every plane's cache entry, forcing the
// next lookup to consult the Mapper again.
func (vb *VirtualBlock) ClearCachedPhysicalAddresses() {
	for i := range vb.planes {
		vb.planes[i] = physicalAddressInfo{}
	}
}

// IsPlaneAllocated reports whether a plane currently has a physical block
// assigned, consulting the cache first and falling back to the Mapper.
func (vb *VirtualBlock) IsPlaneAllocated(plane uint32) (bool, error) {
	if _, _, err := vb.resolvePlane(plane); err != nil {
		if IsKind(err, KindNotFound) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// resolvePlane returns the physical block for a plane, using the cache if
// present and otherwise asking the Mapper and caching the result.
func (vb *VirtualBlock) resolvePlane(plane uint32) (address AbsoluteBlock, cached bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if plane >= uint32(len(vb.planes)) {
		log.Panicf("plane (%d) is out of range for (%d) planes", plane, len(vb.planes))
	}

	info := vb.planes[plane]
	if info.isCached {
		if info.isUnallocated {
			return 0, false, log.Wrap(ErrNotFound)
		}

		return info.address, true, nil
	}

	physical, lookupErr := vb.mapper.GetBlockInfo(vb.planeVirtualAddress(plane))
	if lookupErr != nil {
		if IsKind(lookupErr, KindNotFound) {
			vb.planes[plane] = physicalAddressInfo{isCached: true, isUnallocated: true}
			return 0, false, log.Wrap(ErrNotFound)
		}

		return 0, false, lookupErr
	}

	vb.planes[plane] = physicalAddressInfo{address: physical, isCached: true}

	return physical, false, nil
}

// planeVirtualAddress computes the mapper key for a given plane of this
// virtual block: the base virtual address plus the plane offset, per
// getMapperKeyFromVirtualOffset in the original.
func (vb *VirtualBlock) planeVirtualAddress(plane uint32) VirtualBlockAddress {
	return VirtualBlockAddress(uint32(vb.address) + plane)
}

// GetPhysicalBlockForPlane returns the physical block for a plane, resolving
// and caching it if necessary.
func (vb *VirtualBlock) GetPhysicalBlockForPlane(plane uint32) (AbsoluteBlock, error) {
	address, _, err := vb.resolvePlane(plane)

	return address, err
}

// AllocateBlockForPlane allocates a physical block for one plane of this
// virtual block. Constraints are built the way the original does: once a
// plane is already allocated, later planes are constrained to the same
// chip; when the virtual block has more than one plane, each plane is
// constrained to its own plane index; planes are constrained to the same
// die unless the chip supports die interleaving. If the constrained search reports MapperPhyMapFull, the
// allocation is retried once with no constraints at all.
func (vb *VirtualBlock) AllocateBlockForPlane(plane uint32, geometry Geometry) (physical AbsoluteBlock, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	constraints := Constraints{Chip: Unconstrained, Die: Unconstrained, Plane: Unconstrained}

	if len(vb.planes) > 1 {
		constraints.Plane = int(plane)
	}

	if firstChip, firstDie, ok := vb.firstAllocatedPlaneLocation(geometry); ok {
		constraints.Chip = firstChip

		chip := geometry.Chips[firstChip]
		if !chip.SupportsDieInterleaving {
			constraints.Die = firstDie
		}
	}

	physical, err = vb.mapper.GetBlockAndAssign(vb.planeVirtualAddress(plane), BlockNormal, constraints)
	if err != nil {
		if IsKind(err, KindMapperPhyMapFull) {
			physical, err = vb.mapper.GetBlockAndAssign(vb.planeVirtualAddress(plane), BlockNormal,
				Constraints{Chip: Unconstrained, Die: Unconstrained, Plane: Unconstrained})
			log.PanicIf(err)
		} else {
			return 0, err
		}
	}

	vb.planes[plane] = physicalAddressInfo{address: physical, isCached: true}

	return physical, nil
}

// firstAllocatedPlaneLocation returns the chip and die of the first plane
// that already has a cached, allocated physical block, used to constrain
// subsequent plane allocations to the same chip/die.
func (vb *VirtualBlock) firstAllocatedPlaneLocation(geometry Geometry) (chipIndex int, dieIndex int, ok bool) {
	for _, info := range vb.planes {
		if !info.isCached || info.isUnallocated {
			continue
		}

		chipIndex, relative, err := geometry.RelativeBlock(info.address)
		if err != nil {
			continue
		}

		dieIndex, err = geometry.DieForRelativeBlock(chipIndex, relative)
		if err != nil {
			continue
		}

		return chipIndex, dieIndex, true
	}

	return 0, 0, false
}

// AllocateAllPlanes allocates every plane of this virtual block that is not
// already allocated, in plane order so later planes can be constrained to
// the chip/die the first plane landed on.
func (vb *VirtualBlock) AllocateAllPlanes(geometry Geometry) (err error) {
	for plane := uint32(0); plane < uint32(len(vb.planes)); plane++ {
		allocated, err := vb.IsPlaneAllocated(plane)
		if err != nil {
			return err
		}

		if allocated {
			continue
		}

		if _, err := vb.AllocateBlockForPlane(plane, geometry); err != nil {
			return err
		}
	}

	return nil
}

// IsFullyAllocated reports whether every plane currently has a physical
// block assigned.
func (vb *VirtualBlock) IsFullyAllocated() (bool, error) {
	for plane := uint32(0); plane < uint32(len(vb.planes)); plane++ {
		allocated, err := vb.IsPlaneAllocated(plane)
		if err != nil {
			return false, err
		}

		if !allocated {
			return false, nil
		}
	}

	return true, nil
}

// IsFullyAllocatedOnOneNand reports whether every plane is allocated and all
// of those physical blocks live on the same chip, the precondition for the
// single multiplane erase command.
func (vb *VirtualBlock) IsFullyAllocatedOnOneNand(geometry Geometry) (bool, error) {
	full, err := vb.IsFullyAllocated()
	if err != nil || !full {
		return false, err
	}

	var chipIndex int
	for plane := uint32(0); plane < uint32(len(vb.planes)); plane++ {
		address, _, err := vb.resolvePlane(plane)
		if err != nil {
			return false, err
		}

		chip, _, err := geometry.RelativeBlock(address)
		if err != nil {
			return false, err
		}

		if plane == 0 {
			chipIndex = chip
		} else if chip != chipIndex {
			return false, nil
		}
	}

	return true, nil
}

// FreeAndEraseAllPlanes frees every allocated plane. When this virtual block
// is fully allocated across more than one plane and all of those blocks
// share one chip, eraseMultiplane is invoked once for the whole virtual
// block (the cheaper combined erase); otherwise each allocated plane is
// freed and erased individually through eraseOne. Each erased block is
// unmapped from the zone map and marked free in the phymap.
func (vb *VirtualBlock) FreeAndEraseAllPlanes(geometry Geometry, eraseOne func(AbsoluteBlock) error, eraseMultiplane func([]AbsoluteBlock) error) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	oneNand, err := vb.IsFullyAllocatedOnOneNand(geometry)
	log.PanicIf(err)

	if len(vb.planes) > 1 && oneNand && eraseMultiplane != nil {
		addresses := make([]AbsoluteBlock, len(vb.planes))
		for plane := range vb.planes {
			addresses[plane], _, err = vb.resolvePlane(uint32(plane))
			log.PanicIf(err)
		}

		err = eraseMultiplane(addresses)
		log.PanicIf(err)

		for plane, address := range addresses {
			vb.mapper.zoneMap[vb.planeVirtualAddress(uint32(plane))] = unallocatedZoneEntry

			err = vb.mapper.phyMap.Mark(address, true, false, nil)
			log.PanicIf(err)
		}

		vb.ClearCachedPhysicalAddresses()

		return nil
	}

	for plane := uint32(0); plane < uint32(len(vb.planes)); plane++ {
		allocated, err := vb.IsPlaneAllocated(plane)
		log.PanicIf(err)

		if !allocated {
			continue
		}

		address, _, err := vb.resolvePlane(plane)
		log.PanicIf(err)

		err = eraseOne(address)
		log.PanicIf(err)

		vb.mapper.zoneMap[vb.planeVirtualAddress(plane)] = unallocatedZoneEntry

		err = vb.mapper.phyMap.Mark(address, true, false, nil)
		log.PanicIf(err)
	}

	vb.ClearCachedPhysicalAddresses()

	return nil
}

// MapperKeyFromVirtualOffset returns the mapper key for one plane of a
// virtual block: the base virtual address plus the plane index, the same key
// planeVirtualAddress computes.
func MapperKeyFromVirtualOffset(base VirtualBlockAddress, plane uint32) VirtualBlockAddress {
	return VirtualBlockAddress(uint32(base) + plane)
}
