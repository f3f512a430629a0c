package meta

import (
	"fmt"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// MetaBlock is the rotation state of one meta block
type MetaBlock struct {
	EC    uint32
	Valid uint16
}

// DirHeader is the commit record of a zone. It locates every other live record and
// carries the wear-leveling summaries of the areas and groups that are not resident.
type DirHeader struct {
	Sequence   uint32
	ActiveMeta uint16
	Meta       []MetaBlock

	ContextLoc types.VPN
	ContextAge uint32

	BMTLocs    []types.VPN
	PMTLocs    []types.VPN
	AreaMinEC  []uint32
	GroupMinEC []uint32
	GroupLogs  []uint8
}

// NewDirHeader creates a header with every location unset
func NewDirHeader(metaBlocks, areas, groups int) *DirHeader {
	h := &DirHeader{
		Meta:       make([]MetaBlock, metaBlocks),
		ContextLoc: types.NullVPN,
		BMTLocs:    make([]types.VPN, areas),
		PMTLocs:    make([]types.VPN, groups),
		AreaMinEC:  make([]uint32, areas),
		GroupMinEC: make([]uint32, groups),
		GroupLogs:  make([]uint8, groups),
	}
	for i := range h.BMTLocs {
		h.BMTLocs[i] = types.NullVPN
		h.AreaMinEC[i] = types.NullEC
	}
	for i := range h.PMTLocs {
		h.PMTLocs[i] = types.NullVPN
		h.GroupMinEC[i] = types.NullEC
	}
	return h
}

// DirHeaderSize returns the body length of a header for the given table sizes
func DirHeaderSize(metaBlocks, areas, groups int) int {
	return 4 + 2 + 4 + metaBlocks*6 + 4 + 4 + 4 + areas*8 + 4 + groups*9
}

// Encode serializes the header body
func (h *DirHeader) Encode() []byte {
	enc := NewEncoder(DirHeaderSize(len(h.Meta), len(h.BMTLocs), len(h.PMTLocs)))
	enc.U32(h.Sequence)
	enc.U16(h.ActiveMeta)
	enc.U32(uint32(len(h.Meta)))
	for _, m := range h.Meta {
		enc.U32(m.EC)
		enc.U16(m.Valid)
	}
	enc.U32(uint32(h.ContextLoc))
	enc.U32(h.ContextAge)

	enc.U32(uint32(len(h.BMTLocs)))
	for i, loc := range h.BMTLocs {
		enc.U32(uint32(loc))
		enc.U32(h.AreaMinEC[i])
	}
	enc.U32(uint32(len(h.PMTLocs)))
	for i, loc := range h.PMTLocs {
		enc.U32(uint32(loc))
		enc.U32(h.GroupMinEC[i])
		enc.U8(h.GroupLogs[i])
	}
	return enc.Data()
}

// DecodeDirHeader parses a header body, checking its tables against the zone layout
func DecodeDirHeader(body []byte, metaBlocks, areas, groups int) (*DirHeader, error) {
	dec := NewDecoder(body)
	h := &DirHeader{}
	h.Sequence = dec.U32()
	h.ActiveMeta = dec.U16()

	if n := dec.Count(metaBlocks); n != metaBlocks && dec.Err() == nil {
		return nil, fmt.Errorf("%w: header lists %d meta blocks, zone has %d", types.ErrCorrupted, n, metaBlocks)
	}
	h.Meta = make([]MetaBlock, metaBlocks)
	for i := range h.Meta {
		h.Meta[i] = MetaBlock{EC: dec.U32(), Valid: dec.U16()}
	}
	h.ContextLoc = types.VPN(dec.U32())
	h.ContextAge = dec.U32()

	if n := dec.Count(areas); n != areas && dec.Err() == nil {
		return nil, fmt.Errorf("%w: header lists %d areas, zone has %d", types.ErrCorrupted, n, areas)
	}
	h.BMTLocs = make([]types.VPN, areas)
	h.AreaMinEC = make([]uint32, areas)
	for i := range h.BMTLocs {
		h.BMTLocs[i] = types.VPN(dec.U32())
		h.AreaMinEC[i] = dec.U32()
	}

	if n := dec.Count(groups); n != groups && dec.Err() == nil {
		return nil, fmt.Errorf("%w: header lists %d groups, zone has %d", types.ErrCorrupted, n, groups)
	}
	h.PMTLocs = make([]types.VPN, groups)
	h.GroupMinEC = make([]uint32, groups)
	h.GroupLogs = make([]uint8, groups)
	for i := range h.PMTLocs {
		h.PMTLocs[i] = types.VPN(dec.U32())
		h.GroupMinEC[i] = dec.U32()
		h.GroupLogs[i] = dec.U8()
	}

	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("failed to decode directory header: %w", err)
	}
	if int(h.ActiveMeta) >= metaBlocks {
		return nil, fmt.Errorf("%w: active meta block %d out of range", types.ErrCorrupted, h.ActiveMeta)
	}
	return h, nil
}

// Clone returns a deep copy of the header
func (h *DirHeader) Clone() *DirHeader {
	c := *h
	c.Meta = append([]MetaBlock(nil), h.Meta...)
	c.BMTLocs = append([]types.VPN(nil), h.BMTLocs...)
	c.PMTLocs = append([]types.VPN(nil), h.PMTLocs...)
	c.AreaMinEC = append([]uint32(nil), h.AreaMinEC...)
	c.GroupMinEC = append([]uint32(nil), h.GroupMinEC...)
	c.GroupLogs = append([]uint8(nil), h.GroupLogs...)
	return &c
}
