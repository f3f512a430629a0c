package meta

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

const (
	// RecordMagic starts every meta record ("NFMR")
	RecordMagic uint32 = 0x524D464E

	// RecordVersion is the current record layout version
	RecordVersion uint16 = 1

	// HeaderSize is the fixed record header length
	HeaderSize = 24

	// TrailerSize is the ZBC confirmation pair length
	TrailerSize = 8
)

// ErrBadRecord is returned for a record whose header or ZBC does not verify
var ErrBadRecord = errors.New("meta: bad record")

// RecordHeader describes one framed record
type RecordHeader struct {
	Type    types.PageType
	Version uint16
	ID      uint32
	Age     uint32
	Length  uint32
	Pages   uint32
}

// PagesFor returns the pages a record with a body of bodyLen bytes occupies
func PagesFor(pageSize, bodyLen int) int {
	total := HeaderSize + bodyLen + TrailerSize
	return (total + pageSize - 1) / pageSize
}

// Frame wraps body into whole pages
func Frame(pageSize int, typ types.PageType, id, age uint32, body []byte) []byte {
	pages := PagesFor(pageSize, len(body))
	enc := NewEncoder(pages * pageSize)
	enc.U32(RecordMagic)
	enc.U16(uint16(typ))
	enc.U16(RecordVersion)
	enc.U32(id)
	enc.U32(age)
	enc.U32(uint32(len(body)))
	enc.U32(uint32(pages))
	enc.Bytes(body)

	out := AppendZBC(enc.Data())
	for len(out) < pages*pageSize {
		out = append(out, types.ErasedByte)
	}
	return out
}

// ParseHeader decodes the record header from the first page of a record
func ParseHeader(first []byte) (RecordHeader, error) {
	if len(first) < HeaderSize {
		return RecordHeader{}, fmt.Errorf("%w: page too small for header", ErrBadRecord)
	}
	le := binary.LittleEndian
	if le.Uint32(first[0:]) != RecordMagic {
		return RecordHeader{}, fmt.Errorf("%w: bad magic 0x%08x", ErrBadRecord, le.Uint32(first[0:]))
	}
	h := RecordHeader{
		Type:    types.PageType(le.Uint16(first[4:])),
		Version: le.Uint16(first[6:]),
		ID:      le.Uint32(first[8:]),
		Age:     le.Uint32(first[12:]),
		Length:  le.Uint32(first[16:]),
		Pages:   le.Uint32(first[20:]),
	}
	if h.Version != RecordVersion {
		return RecordHeader{}, fmt.Errorf("%w: unsupported version %d", ErrBadRecord, h.Version)
	}
	if h.Pages == 0 || int(h.Pages) != PagesFor(len(first), int(h.Length)) {
		return RecordHeader{}, fmt.Errorf("%w: length %d does not fit %d pages", ErrBadRecord, h.Length, h.Pages)
	}
	return h, nil
}

// Unframe verifies a whole record and returns its header and body
func Unframe(buf []byte, pageSize int) (RecordHeader, []byte, error) {
	h, err := ParseHeader(buf[:min(len(buf), pageSize)])
	if err != nil {
		return RecordHeader{}, nil, err
	}
	end := HeaderSize + int(h.Length) + TrailerSize
	if len(buf) < end {
		return RecordHeader{}, nil, fmt.Errorf("%w: record needs %d bytes, have %d", ErrBadRecord, end, len(buf))
	}
	if !VerifyZBC(buf[:end]) {
		return RecordHeader{}, nil, fmt.Errorf("%w: %s record %d fails zero-bit check", types.ErrCorrupted, h.Type, h.ID)
	}
	return h, buf[HeaderSize : HeaderSize+int(h.Length)], nil
}
