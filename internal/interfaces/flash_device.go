// File: internal/interfaces/flash_device.go
package interfaces

import (
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// FlashGeometry describes the physical shape of a flash device
type FlashGeometry struct {
	// Size of the main data area of a page in bytes
	PageSize int

	// Size of the spare (out-of-band) area of a page in bytes
	SpareSize int

	// Number of pages in an erase block
	PagesPerBlock int

	// Total number of erase blocks
	TotalBlocks int
}

// FlashEraser erases whole blocks
type FlashEraser interface {
	// Erase resets every page of vbn to the erased state
	Erase(vbn types.VBN) error
}

// FlashProgrammer programs erased pages
type FlashProgrammer interface {
	// Program writes one page of data and its spare area. The page must be erased.
	Program(vpn types.VPN, data []byte, spare []byte) error

	// ProgramMulti writes len(spares) consecutive pages of one block in a single call.
	// data holds the pages back to back.
	ProgramMulti(vpn types.VPN, data []byte, spares [][]byte) error
}

// FlashReader reads pages
type FlashReader interface {
	// Read copies the sectors selected by bitmap into data and the spare area into
	// spare. Sectors outside bitmap are left untouched. spare may be nil.
	Read(vpn types.VPN, bitmap types.SectorBitmap, data []byte, spare []byte) error
}

// FlashCopier moves pages inside the device without a host round trip
type FlashCopier interface {
	// CopyBack copies data and spare of src into the erased page dst
	CopyBack(src, dst types.VPN) error

	// ModifyCopyBack copies src into dst, replacing the sectors in patchBitmap with the
	// matching sectors of patch and the spare area with spare
	ModifyCopyBack(src, dst types.VPN, patch []byte, patchBitmap types.SectorBitmap, spare []byte) error
}

// FlashDevice is the complete flash access adapter consumed by the translation layer.
// Implementations never retry; every error is returned to the caller unmodified.
type FlashDevice interface {
	FlashEraser
	FlashProgrammer
	FlashReader
	FlashCopier

	// CRC32 computes the checksum used for per-sector CRCs
	CRC32(data []byte) uint32

	// Geometry returns the physical shape of the device
	Geometry() FlashGeometry
}
