package types

import (
	"fmt"
	"math/bits"
)

// General Types
// Addressing used across the translation layer. Physical addresses are virtual in the
// sense that bad-block remapping happens below the flash adapter.

// VBN is a virtual block number on the flash device.
type VBN uint32

// VPN is a virtual page number: VBN * pagesPerBlock + page-in-block.
type VPN uint32

// LPN is a logical page number exported to the user.
type LPN uint32

// LSN is a logical sector number exported to the user.
type LSN uint32

// DGN is a data group number, the unit covered by one log group.
type DGN uint32

// LAN is a local area number, the unit covered by one resident BMT.
type LAN uint32

const (
	// NullVBN marks an unmapped block slot.
	NullVBN VBN = 0xFFFFFFFF

	// NullVPN marks a missing page location (record never written).
	NullVPN VPN = 0xFFFFFFFF

	// NullEC marks "no minimum erase count known yet".
	NullEC uint32 = 0xFFFFFFFF

	// SectorSize is the fixed user sector size in bytes.
	SectorSize = 512

	// MaxSectorsPerPage bounds the per-page sector bitmap width.
	MaxSectorsPerPage = 32

	// MaxZones is the maximum number of zones in a cluster.
	MaxZones = 8

	// ErasedByte is the value of every byte of an erased page.
	ErasedByte = 0xFF
)

// String returns a printable representation of the block number
func (v VBN) String() string {
	if v == NullVBN {
		return "vbn(null)"
	}
	return fmt.Sprintf("vbn(%d)", uint32(v))
}

// SectorBitmap marks sectors of one page, bit i for sector i.
type SectorBitmap uint32

// SetBitmap returns a bitmap with count sectors set starting at start.
func SetBitmap(start, count int) SectorBitmap {
	if count <= 0 {
		return 0
	}
	if count >= 32 {
		return SectorBitmap(0xFFFFFFFF) << uint(start)
	}
	return SectorBitmap((uint32(1)<<uint(count))-1) << uint(start)
}

// FullBitmap returns the bitmap covering every sector of a page.
func FullBitmap(sectorsPerPage int) SectorBitmap {
	return SetBitmap(0, sectorsPerPage)
}

// Has reports whether sector i is set
func (b SectorBitmap) Has(i int) bool {
	return b&(1<<uint(i)) != 0
}

// Count returns the number of sectors set
func (b SectorBitmap) Count() int {
	return bits.OnesCount32(uint32(b))
}

// IsFull reports whether every sector of a page with sectorsPerPage sectors is set
func (b SectorBitmap) IsFull(sectorsPerPage int) bool {
	full := FullBitmap(sectorsPerPage)
	return b&full == full
}

// Pair packs a 16-bit value with its inverse, the self-check pattern used by every
// spare and record field: value<<16 | (^value & 0xFFFF).
func Pair(v uint16) uint32 {
	return uint32(v)<<16 | uint32(^v&0xFFFF)
}

// Unpair decodes a value packed by Pair; ok is false when the halves disagree.
func Unpair(p uint32) (uint16, bool) {
	v := uint16(p >> 16)
	inv := uint16(p & 0xFFFF)
	return v, v == ^inv
}
