package nandmapper

// DriveInfoSelector identifies one piece of queryable/settable drive
// metadata, mirroring the original's info-selector enum used by GetInfo and
// SetInfo instead of a grab-bag of getter methods.
type DriveInfoSelector int

const (
	InfoSectorCount DriveInfoSelector = iota
	InfoSectorSize
	InfoPagesPerBlock
	InfoEraseBlockCount
	InfoComponentVersion
)

// Drive is the external logical-drive contract: the boundary between this
// package's mapping/allocation logic and the HAL-backed storage underneath
// it. A Drive is a sector-addressable view over a region of physical NAND.
type Drive interface {
	Init() error
	ReadSector(sector uint32) ([]byte, error)
	WriteSector(sector uint32, data []byte) error
	Erase(logicalBlock uint32) error
	Flush() error
	GetInfo(selector DriveInfoSelector) (uint64, error)
	SetInfo(selector DriveInfoSelector, value uint64) error

	SectorCount() (uint32, error)
	PagesPerBlock() (uint32, error)
}

// Media is the top-level object a caller initializes once at mount: it owns
// the phymap, the mapper, the region table, and every logical drive carved
// out of the underlying NAND.
type Media interface {
	Init() error
	DiscoverAllocation() error
	Allocate(driveTag string, sizeInBytes uint64) (Drive, error)
	Shutdown() error
	Erase() error
	SetBootDrive(drive Drive) error
}
