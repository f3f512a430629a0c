// Package spare packs and unpacks the out-of-band area of every programmed page.
//
// Layout (little endian):
//
//	0   SData1   offset pair   (LPN offset in group, or page index inside a meta record)
//	4   SData2   group pair    (low 16 bits of the DGN, or meta record id)
//	8   SData3   PTF pair      (page type field)
//	12  age      write age
//	16  ^age     complement of the write age
//	20  bitmap   sector-valid bitmap (buffer pages), full bitmap otherwise
//	24  marker   CRCValidMarker when the CRC array is populated
//	28  crc[]    one CRC32 per sectors-per-CRC granule
//
// Every pair holds value<<16 | (^value & 0xFFFF); a page whose pairs disagree was
// torn by a power loss and is ignored by recovery.
package spare

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

const (
	offSData1 = 0
	offSData2 = 4
	offSData3 = 8
	offAge    = 12
	offAgeInv = 16
	offBitmap = 20
	offMarker = 24
	offCRCs   = 28

	// CRCValidMarker flags a populated CRC array
	CRCValidMarker uint32 = 0x43524356
)

var (
	// ErrErased is returned when decoding a spare area that was never programmed
	ErrErased = errors.New("spare: page is erased")

	// ErrTorn is returned when an inverted-redundancy pair does not verify
	ErrTorn = errors.New("spare: inconsistent redundancy pair")
)

// Info is the decoded content of a spare area
type Info struct {
	Type     types.PageType
	Offset   uint16
	Group    uint16
	Age      uint32
	Bitmap   types.SectorBitmap
	CRCValid bool
	CRCs     []uint32
}

// RequiredSize returns the spare bytes needed for the given number of CRC granules
func RequiredSize(granules int) int {
	return offCRCs + 4*granules
}

// Encode writes info into buf, which must hold RequiredSize(len(info.CRCs)) bytes.
// Bytes past the encoded fields are set to the erased value.
func Encode(info Info, buf []byte) error {
	need := RequiredSize(len(info.CRCs))
	if len(buf) < need {
		return fmt.Errorf("spare buffer too small: %d bytes, need %d", len(buf), need)
	}
	for i := range buf {
		buf[i] = types.ErasedByte
	}

	le := binary.LittleEndian
	le.PutUint32(buf[offSData1:], types.Pair(info.Offset))
	le.PutUint32(buf[offSData2:], types.Pair(info.Group))
	le.PutUint32(buf[offSData3:], types.Pair(uint16(info.Type)))
	le.PutUint32(buf[offAge:], info.Age)
	le.PutUint32(buf[offAgeInv:], ^info.Age)
	le.PutUint32(buf[offBitmap:], uint32(info.Bitmap))
	if info.CRCValid {
		le.PutUint32(buf[offMarker:], CRCValidMarker)
		for i, c := range info.CRCs {
			le.PutUint32(buf[offCRCs+4*i:], c)
		}
	} else {
		le.PutUint32(buf[offMarker:], 0)
	}
	return nil
}

// IsErased reports whether every byte of buf holds the erased value
func IsErased(buf []byte) bool {
	for _, b := range buf {
		if b != types.ErasedByte {
			return false
		}
	}
	return true
}

// Decode parses buf, reading granules CRC entries when the CRC marker is present
func Decode(buf []byte, granules int) (Info, error) {
	if len(buf) < offCRCs {
		return Info{}, fmt.Errorf("spare buffer too small: %d bytes", len(buf))
	}
	if IsErased(buf[:offCRCs]) {
		return Info{}, ErrErased
	}

	le := binary.LittleEndian
	offset, ok1 := types.Unpair(le.Uint32(buf[offSData1:]))
	group, ok2 := types.Unpair(le.Uint32(buf[offSData2:]))
	ptf, ok3 := types.Unpair(le.Uint32(buf[offSData3:]))
	age := le.Uint32(buf[offAge:])
	if !ok1 || !ok2 || !ok3 || age != ^le.Uint32(buf[offAgeInv:]) {
		return Info{}, ErrTorn
	}

	info := Info{
		Type:   types.PageType(ptf),
		Offset: offset,
		Group:  group,
		Age:    age,
		Bitmap: types.SectorBitmap(le.Uint32(buf[offBitmap:])),
	}
	if le.Uint32(buf[offMarker:]) == CRCValidMarker {
		if len(buf) < RequiredSize(granules) {
			return Info{}, fmt.Errorf("spare buffer too small for %d CRCs", granules)
		}
		info.CRCValid = true
		info.CRCs = make([]uint32, granules)
		for i := range info.CRCs {
			info.CRCs[i] = le.Uint32(buf[offCRCs+4*i:])
		}
	}
	return info, nil
}
