package loggroup

import (
	"fmt"

	"github.com/deploymenttheory/go-nandftl/internal/parsers/meta"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

const nullIndex = 0xFF

// RecordSize returns the encoded length of a group of the given shape
func RecordSize(shape Shape) int {
	perLog := 4 + 2 + 4 + 2*shape.Ways + 1 + 2 + 1 + 1 + 1
	return 4 + 1 + 1 + 1 + 1 + 1 + shape.LogsPerGroup*perLog + 4 + 2*shape.BlocksPerGroup*shape.PagesPerBlock
}

func packIndex(i int) uint8 {
	if i == NoLog {
		return nullIndex
	}
	return uint8(i)
}

func unpackIndex(v uint8) int {
	if v == nullIndex {
		return NoLog
	}
	return int(v)
}

// MarshalBinary encodes the group as a meta record body
func (g *Group) MarshalBinary() ([]byte, error) {
	enc := meta.NewEncoder(RecordSize(g.shape))
	enc.U32(uint32(g.DGN))
	enc.U8(uint8(len(g.Logs)))
	enc.U8(uint8(g.shape.Ways))
	enc.U8(packIndex(g.Head))
	enc.U8(packIndex(g.Tail))
	enc.U8(uint8(g.NumLogs))
	for _, l := range g.Logs {
		enc.U32(uint32(l.VBN))
		enc.U16(uint16(l.Clean))
		enc.U32(l.EC)
		for _, v := range l.Valid {
			enc.U16(v)
		}
		enc.U8(l.Status.Pack())
		seq := uint16(0xFFFF)
		if l.SeqBlock >= 0 {
			seq = uint16(l.SeqBlock)
		}
		enc.U16(seq)
		enc.U8(packIndex(l.Prev))
		enc.U8(packIndex(l.Next))
		enc.Bool(l.InUse)
	}
	enc.U32(uint32(len(g.PageMap)))
	for _, e := range g.PageMap {
		enc.U16(e)
	}
	return enc.Data(), nil
}

// UnmarshalBinary decodes a group written by MarshalBinary. The group's shape must be
// set beforehand and must match the record.
func (g *Group) UnmarshalBinary(data []byte) error {
	dec := meta.NewDecoder(data)
	dgn := types.DGN(dec.U32())
	k := int(dec.U8())
	ways := int(dec.U8())
	if dec.Err() == nil && (k != g.shape.LogsPerGroup || ways != g.shape.Ways) {
		return fmt.Errorf("%w: group record shape %d logs x %d ways, zone expects %d x %d",
			types.ErrCorrupted, k, ways, g.shape.LogsPerGroup, g.shape.Ways)
	}
	head := unpackIndex(dec.U8())
	tail := unpackIndex(dec.U8())
	numLogs := int(dec.U8())

	logs := make([]Log, k)
	for i := range logs {
		l := &logs[i]
		l.VBN = types.VBN(dec.U32())
		l.Clean = int(dec.U16())
		l.EC = dec.U32()
		l.Valid = make([]uint16, ways)
		for w := range l.Valid {
			l.Valid[w] = dec.U16()
		}
		l.Status = types.UnpackLogStatus(dec.U8())
		l.SeqBlock = -1
		if seq := dec.U16(); seq != 0xFFFF {
			l.SeqBlock = int(seq)
		}
		l.Prev = unpackIndex(dec.U8())
		l.Next = unpackIndex(dec.U8())
		l.InUse = dec.Bool()
	}

	n := dec.Count(g.shape.BlocksPerGroup * g.shape.PagesPerBlock)
	if dec.Err() == nil && n != g.shape.BlocksPerGroup*g.shape.PagesPerBlock {
		return fmt.Errorf("%w: group record maps %d pages", types.ErrCorrupted, n)
	}
	pageMap := make([]uint16, n)
	for i := range pageMap {
		pageMap[i] = dec.U16()
	}
	if err := dec.Err(); err != nil {
		return fmt.Errorf("failed to decode log group: %w", err)
	}

	g.DGN = dgn
	g.Logs = logs
	g.Head, g.Tail, g.NumLogs = head, tail, numLogs
	g.PageMap = pageMap
	g.Dirty = false
	g.RecomputeSummary()
	return g.Validate()
}

// Decode builds a group of the given shape from a record body
func Decode(data []byte, shape Shape) (*Group, error) {
	g := &Group{shape: shape}
	if err := g.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return g, nil
}
