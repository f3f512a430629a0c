// Package meta frames the records kept in the rotating meta blocks and decodes the
// zone-wide ones: root info, directory header and context.
//
// A record spans one or more pages:
//
//	0   magic    RecordMagic
//	4   type     page type field of the record
//	6   version  RecordVersion
//	8   id       record id (area for BMT, group for PMT, 0 otherwise)
//	12  age      write age at which the record was written
//	16  length   body length in bytes
//	20  pages    pages the record occupies
//	24  body
//	..  zbc      zero-bit count of header and body
//	..  ^zbc
//
// The rest of the last page is padded with the erased value.
package meta

import (
	"encoding/binary"
	"math/bits"
)

// ZBC returns the number of zero bits in b
func ZBC(b []byte) uint32 {
	ones := 0
	i := 0
	for ; i+8 <= len(b); i += 8 {
		ones += bits.OnesCount64(binary.LittleEndian.Uint64(b[i:]))
	}
	for ; i < len(b); i++ {
		ones += bits.OnesCount8(b[i])
	}
	return uint32(len(b)*8 - ones)
}

// AppendZBC appends the confirmation pair (zbc, ^zbc) computed over b
func AppendZBC(b []byte) []byte {
	z := ZBC(b)
	b = binary.LittleEndian.AppendUint32(b, z)
	return binary.LittleEndian.AppendUint32(b, ^z)
}

// VerifyZBC checks the confirmation pair stored in the last 8 bytes of b
func VerifyZBC(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	n := len(b) - 8
	z := binary.LittleEndian.Uint32(b[n:])
	inv := binary.LittleEndian.Uint32(b[n+4:])
	return z == ^inv && z == ZBC(b[:n])
}
