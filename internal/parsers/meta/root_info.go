package meta

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// RootInfo identifies a formatted cluster. It lives in the root blocks of zone 0.
type RootInfo struct {
	ClusterID   uuid.UUID
	Fingerprint uint32
	ZoneBlocks  []uint32
}

// Encode serializes the root info body
func (r *RootInfo) Encode() []byte {
	enc := NewEncoder(32 + 4*len(r.ZoneBlocks))
	enc.Bytes(r.ClusterID[:])
	enc.U32(r.Fingerprint)
	enc.U32(uint32(len(r.ZoneBlocks)))
	for _, n := range r.ZoneBlocks {
		enc.U32(n)
	}
	return enc.Data()
}

// DecodeRootInfo parses a root info body
func DecodeRootInfo(body []byte) (*RootInfo, error) {
	dec := NewDecoder(body)
	r := &RootInfo{}
	copy(r.ClusterID[:], dec.Bytes(16))
	r.Fingerprint = dec.U32()
	n := dec.Count(types.MaxZones)
	r.ZoneBlocks = make([]uint32, n)
	for i := range r.ZoneBlocks {
		r.ZoneBlocks[i] = dec.U32()
	}
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("failed to decode root info: %w", err)
	}
	return r, nil
}
