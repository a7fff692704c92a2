package nandmapper

import (
	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	nandMapSectionHeaderVersion uint32 = 0x00000200
	mapSectionHeaderSize               = 24
)

// Map-type discriminators stored in a mapSectionHeader.
const (
	MapTypeZone uint32 = iota + 1
	MapTypePhy
)

// mapSectionHeader prefixes every persisted map section page: a zone-map or
// phy-map section written as one unit of the log-structured on-media map.
type mapSectionHeader struct {
	Signature  uint32
	MapType    uint32
	Version    uint32
	EntrySize  uint32
	EntryCount uint32
	StartLba   uint32
}

// MarshalSectionHeader packs a mapSectionHeader to its 24-byte wire form.
func MarshalSectionHeader(h mapSectionHeader) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	raw, err = restruct.Pack(defaultEncoding, &h)
	log.PanicIf(err)

	if len(raw) != mapSectionHeaderSize {
		log.Panicf("packed section header is (%d) bytes, expected (%d)", len(raw), mapSectionHeaderSize)
	}

	return raw, nil
}

// UnmarshalSectionHeader parses a 24-byte buffer into a mapSectionHeader.
func UnmarshalSectionHeader(raw []byte) (h mapSectionHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if len(raw) < mapSectionHeaderSize {
		log.Panicf("section header buffer is (%d) bytes, need at least (%d)", len(raw), mapSectionHeaderSize)
	}

	err = restruct.Unpack(raw[:mapSectionHeaderSize], defaultEncoding, &h)
	log.PanicIf(err)

	if h.Version != nandMapSectionHeaderVersion {
		log.Panicf("unsupported map section header version (0x%08x)", h.Version)
	}

	return h, nil
}

// sectionConsolidateSource supplies the data for one section during
// consolidation. PersistentPhyMap-style subclasses satisfy this with their
// own in-RAM copy, falling back to the base on-media read only while a load
// is in progress.
type sectionConsolidateSource interface {
	// GetSectionForConsolidate returns the current data for the section at
	// the given index, to be folded into the compacted copy.
	GetSectionForConsolidate(sectionIndex int) (data []byte, err error)
}

// PersistentMapConfig binds a PersistentMap to the block it lives in and the
// header fields stamped on every section page it writes, the
// "{entry_size, entry_count, metadata_signature, map_type_signature}"
// configuration named section layout derives from.
type PersistentMapConfig struct {
	// PagesPerBlock is the capacity of the map's dedicated erase block. Once
	// the log has written this many pages, the next AddSection triggers a
	// consolidate instead of a plain append.
	PagesPerBlock int

	Signature         uint32
	MapType           uint32
	EntrySize         uint32
	EntriesPerSection uint32
}

// PersistentMap is a log-structured, append-only sequence of sections
// written across successive pages of a dedicated map region. Reading the
// current state means finding, for each logical section number, the most
// recently written page holding it; writing never updates in place, it
// appends a new copy and later reclaims space by consolidating.
type PersistentMap struct {
	// pageOffsets[sectionNumber] is the page index of the most recent write
	// of that section, or -1 if the section has never been written.
	pageOffsets []int

	// pages holds the composed (header + entries) bytes written to each
	// page in append order; pages[i] corresponds to page index i of the map
	// region.
	pages [][]byte

	sectionCount int
	source       sectionConsolidateSource

	pagesPerBlock     int
	signature         uint32
	mapType           uint32
	entrySize         uint32
	entriesPerSection uint32
}

// NewPersistentMap creates an empty map able to address the given number of
// logical sections. source supplies consolidate-time section data; it may
// be nil if the map will only ever be built fresh and never consolidated.
func NewPersistentMap(sectionCount int, cfg PersistentMapConfig, source sectionConsolidateSource) *PersistentMap {
	offsets := make([]int, sectionCount)
	for i := range offsets {
		offsets[i] = -1
	}

	return &PersistentMap{
		pageOffsets:       offsets,
		sectionCount:      sectionCount,
		source:            source,
		pagesPerBlock:     cfg.PagesPerBlock,
		signature:         cfg.Signature,
		mapType:           cfg.MapType,
		entrySize:         cfg.EntrySize,
		entriesPerSection: cfg.EntriesPerSection,
	}
}

// composeSectionPage prefixes entryData with a marshaled section header
// naming sectionNumber, the "composed header + entries + metadata
// signature" program both the append and consolidate paths write.
func (pmap *PersistentMap) composeSectionPage(sectionNumber int, entryData []byte) (page []byte, err error) {
	raw, err := MarshalSectionHeader(mapSectionHeader{
		Signature:  pmap.signature,
		MapType:    pmap.mapType,
		Version:    nandMapSectionHeaderVersion,
		EntrySize:  pmap.entrySize,
		EntryCount: pmap.entriesPerSection,
		StartLba:   uint32(sectionNumber),
	})
	if err != nil {
		return nil, err
	}

	page = make([]byte, 0, len(raw)+len(entryData))
	page = append(page, raw...)
	page = append(page, entryData...)

	return page, nil
}

// AddSection appends a new page holding the given section's data and
// records it as that section's most recent write. If the block is already
// full (top_page_index == pages_per_block), the append instead triggers a
// consolidate that folds sectionNumber's new data into the freshly
// relocated block.
func (pmap *PersistentMap) AddSection(sectionNumber int, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if sectionNumber < 0 || sectionNumber >= pmap.sectionCount {
		log.Panicf("section number (%d) is out of range for (%d) sections", sectionNumber, pmap.sectionCount)
	}

	if pmap.pagesPerBlock > 0 && len(pmap.pages) >= pmap.pagesPerBlock {
		err = pmap.Consolidate(true, sectionNumber, data)
		log.PanicIf(err)

		return nil
	}

	page, err := pmap.composeSectionPage(sectionNumber, data)
	log.PanicIf(err)

	pageIndex := len(pmap.pages)
	pmap.pages = append(pmap.pages, page)
	pmap.pageOffsets[sectionNumber] = pageIndex

	return nil
}

// RetrieveSection returns the most recently written entry data for a
// section (the header composed at write time is stripped back off), or
// ErrNotFound (wrapped) if the section has never been written.
func (pmap *PersistentMap) RetrieveSection(sectionNumber int) (data []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	if sectionNumber < 0 || sectionNumber >= pmap.sectionCount {
		log.Panicf("section number (%d) is out of range for (%d) sections", sectionNumber, pmap.sectionCount)
	}

	pageIndex := pmap.pageOffsets[sectionNumber]
	if pageIndex == -1 {
		return nil, log.Wrap(ErrNotFound)
	}

	page := pmap.pages[pageIndex]
	if len(page) < mapSectionHeaderSize {
		log.Panicf("stored page (%d) is shorter than a section header", pageIndex)
	}

	return page[mapSectionHeaderSize:], nil
}

// buildSectionOffsetTable scans every recorded page in order and rebuilds
// pageOffsets from scratch, keeping the highest page index seen for each
// section number. It is run after loading raw pages from media, where the
// offset table itself isn't persisted and must be reconstructed.
func (pmap *PersistentMap) buildSectionOffsetTable(sectionNumberForPage func(pageIndex int) (sectionNumber int, ok bool)) {
	for i := range pmap.pageOffsets {
		pmap.pageOffsets[i] = -1
	}

	for pageIndex := range pmap.pages {
		sectionNumber, ok := sectionNumberForPage(pageIndex)
		if !ok {
			continue
		}

		if sectionNumber < 0 || sectionNumber >= pmap.sectionCount {
			continue
		}

		pmap.pageOffsets[sectionNumber] = pageIndex
	}
}

// findTopPageIndex returns the highest page index currently in use, or -1 if
// the map holds no pages yet.
func (pmap *PersistentMap) findTopPageIndex() int {
	return len(pmap.pages) - 1
}

// fillUnknownSectionOffsets walks the offset table and, for any section that
// was never found during buildSectionOffsetTable, leaves it unresolved (-1)
// but reports how many sections are still missing, so the caller can decide
// whether a fresh rebuild of that section is required.
func (pmap *PersistentMap) fillUnknownSectionOffsets() (missing []int) {
	for sectionNumber, pageIndex := range pmap.pageOffsets {
		if pageIndex == -1 {
			missing = append(missing, sectionNumber)
		}
	}

	return missing
}

// Load rebuilds an in-RAM PersistentMap from pages read off media, in the
// order they occupy the block. It is the counterpart to the append path:
// where AddSection/Consolidate decide what gets written, Load reconstructs
// pageOffsets from what was actually found, per spec's section-scan /
// find-top-page-index / resolve-missing-sections load sequence.
//
// Pages whose header fails to unmarshal are treated as not belonging to any
// section (sectionNumberForPage's ok return is false for them); they are
// still kept in pmap.pages so findTopPageIndex's top-of-block accounting
// stays correct, but they contribute nothing to pageOffsets. Any section
// missing from the returned set after the scan is reported so the caller can
// decide whether to rebuild it instead of trusting a hole in the map.
func (pmap *PersistentMap) Load(pages [][]byte) (missing []int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	pmap.pages = pages

	pmap.buildSectionOffsetTable(func(pageIndex int) (int, bool) {
		page := pmap.pages[pageIndex]

		h, unmarshalErr := UnmarshalSectionHeader(page)
		if unmarshalErr != nil {
			return 0, false
		}

		return int(h.StartLba), true
	})

	// The top page index marks where the next AddSection would append; a
	// block that has never been written reports -1 and the next append
	// starts it fresh.
	_ = pmap.findTopPageIndex()

	return pmap.fillUnknownSectionOffsets(), nil
}

// Consolidate compacts the map: it builds one fresh page per section, using
// hasValidSectionData as an override supplying section sectionNumber's data
// directly (the section currently being modified, not yet durable), and
// otherwise pulling every other section's current data through the
// consolidate source. The result replaces the page log wholesale. With no
// consolidate source, a section that was never written gets no page and
// stays unresolved (-1).
func (pmap *PersistentMap) Consolidate(hasValidSectionData bool, sectionNumber int, sectionData []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapRecover(errRaw)
		}
	}()

	newPages := make([][]byte, 0, pmap.sectionCount)
	newOffsets := make([]int, pmap.sectionCount)

	for i := 0; i < pmap.sectionCount; i++ {
		var data []byte

		if hasValidSectionData && i == sectionNumber {
			data = sectionData
		} else if pmap.source != nil {
			data, err = pmap.source.GetSectionForConsolidate(i)
			log.PanicIf(err)
		} else {
			data, err = pmap.RetrieveSection(i)
			if IsKind(err, KindNotFound) {
				newOffsets[i] = -1
				continue
			}
			log.PanicIf(err)
		}

		page, err := pmap.composeSectionPage(i, data)
		log.PanicIf(err)

		newOffsets[i] = len(newPages)
		newPages = append(newPages, page)
	}

	pmap.pages = newPages
	pmap.pageOffsets = newOffsets

	return nil
}

// PageCount returns the number of pages currently held in the log.
func (pmap *PersistentMap) PageCount() int {
	return len(pmap.pages)
}

// SectionCount returns the number of logical sections this map addresses.
func (pmap *PersistentMap) SectionCount() int {
	return pmap.sectionCount
}
