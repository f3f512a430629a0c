package types

// PageType is the page type field (PTF) stored in the spare area of every page.
type PageType uint16

const (
	// PTFLog marks a user page programmed into a log block.
	PTFLog PageType = 0x4C47

	// PTFData marks a user page programmed into a data block by a merge.
	PTFData PageType = 0x4454

	// PTFBuffer marks a partial page absorbed by the buffer block.
	PTFBuffer PageType = 0x4246

	// PTFRoot marks a root-info page.
	PTFRoot PageType = 0x5254

	// PTFMetaHeader marks a directory header page.
	PTFMetaHeader PageType = 0x4D48

	// PTFMetaContext marks a context page.
	PTFMetaContext PageType = 0x4D43

	// PTFMetaBMT marks a block mapping table page.
	PTFMetaBMT PageType = 0x4D42

	// PTFMetaPMT marks a page mapping table (log group) page.
	PTFMetaPMT PageType = 0x4D50
)

// IsMeta reports whether the page type belongs to a meta record
func (p PageType) IsMeta() bool {
	switch p {
	case PTFMetaHeader, PTFMetaContext, PTFMetaBMT, PTFMetaPMT:
		return true
	}
	return false
}

// IsUserData reports whether the page holds user sectors
func (p PageType) IsUserData() bool {
	return p == PTFLog || p == PTFData || p == PTFBuffer
}

// String returns the short name of the page type
func (p PageType) String() string {
	switch p {
	case PTFLog:
		return "log"
	case PTFData:
		return "data"
	case PTFBuffer:
		return "buffer"
	case PTFRoot:
		return "root"
	case PTFMetaHeader:
		return "dirhdr"
	case PTFMetaContext:
		return "context"
	case PTFMetaBMT:
		return "bmt"
	case PTFMetaPMT:
		return "pmt"
	}
	return "unknown"
}

// BlockKind is the role a physical block plays inside a zone.
type BlockKind uint8

const (
	BlockKindUnknown BlockKind = iota
	BlockKindRoot
	BlockKindMeta
	BlockKindBuffer
	BlockKindFree
	BlockKindData
	BlockKindLog
	// BlockKindParked is a free block held in an idle BMT slot flagged garbage.
	BlockKindParked
)

// String returns the name of the block kind
func (k BlockKind) String() string {
	switch k {
	case BlockKindRoot:
		return "root"
	case BlockKindMeta:
		return "meta"
	case BlockKindBuffer:
		return "buffer"
	case BlockKindFree:
		return "free"
	case BlockKindData:
		return "data"
	case BlockKindLog:
		return "log"
	case BlockKindParked:
		return "parked"
	}
	return "unknown"
}
