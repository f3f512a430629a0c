package meta

import (
	"fmt"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// FreeEntry is one persisted free-list slot
type FreeEntry struct {
	VBN types.VBN
	EC  uint32
}

// ActiveLog names a log open for writes
type ActiveLog struct {
	DGN types.DGN
	VBN types.VBN
}

// BufferState is the persisted state of the buffer unit
type BufferState struct {
	VBN    types.VBN
	EC     uint32
	Clean  uint16
	Dirty  bool
	LPN    types.LPN
	Bitmap types.SectorBitmap
	Page   uint16
}

// GlobalWLPhase is the progress of a staged cross-zone wear-leveling swap
type GlobalWLPhase uint8

const (
	GlobalWLIdle GlobalWLPhase = iota
	GlobalWLStarted
)

// OwnerKind says which table owns a block moved by wear-leveling
type OwnerKind uint8

const (
	OwnerNone OwnerKind = iota
	OwnerData
	OwnerLog
)

// GlobalWL stages a cross-zone block exchange: the free block of SrcZone replaces the
// victim block of DstZone, and the victim joins SrcZone's free list.
type GlobalWL struct {
	Phase     GlobalWLPhase
	SrcZone   uint8
	DstZone   uint8
	FreeVBN   types.VBN
	FreeEC    uint32
	VictimVBN types.VBN
	VictimEC  uint32
	OwnerKind OwnerKind
	OwnerID   uint32
	OwnerSlot uint16
}

// Counters are the running totals reported by the statistics query
type Counters struct {
	HostWrites      uint64
	HostReads       uint64
	HostDeletes     uint64
	PagesProgrammed uint64
	PagesCopied     uint64
	Erases          uint64
	Compactions     uint64
	Merges          uint64
	GCRuns          uint64
	WearLevels      uint64
}

// Context is the zone-wide runtime state persisted with every commit
type Context struct {
	WriteAge uint32

	FreeHead  uint32
	FreeCount uint32
	Free      []FreeEntry

	Released   []FreeEntry
	ActiveLogs []ActiveLog
	Buffer     BufferState

	ResidentArea uint32
	IdleSlots    []uint16
	ParkedSlots  []uint16
	DirtyAreas   []uint64

	WearLevelThreshold uint32
	GlobalWL           GlobalWL
	Counters           Counters
}

// ContextLimits bounds the variable-length tables of a context
type ContextLimits struct {
	FreeSlots     int
	MaxReleased   int
	MaxActiveLogs int
	Areas         int
}

// DirtyWords returns the number of 64-bit words of the dirty-area bitmap
func (l ContextLimits) DirtyWords() int {
	return (l.Areas + 63) / 64
}

// ContextSize returns the largest body length a context can reach
func ContextSize(l ContextLimits) int {
	return 4 + 4 + 4 + 4 + l.FreeSlots*8 +
		4 + l.MaxReleased*8 +
		4 + l.MaxActiveLogs*8 +
		4 + 4 + 2 + 1 + 4 + 4 + 2 +
		4 + 4 + l.Areas*4 +
		4 + l.DirtyWords()*8 +
		4 + 1 + 1 + 1 + 4 + 4 + 4 + 4 + 1 + 4 + 2 +
		10*8
}

// Encode serializes the context body
func (c *Context) Encode() []byte {
	enc := NewEncoder(256)
	enc.U32(c.WriteAge)

	enc.U32(c.FreeHead)
	enc.U32(c.FreeCount)
	enc.U32(uint32(len(c.Free)))
	for _, e := range c.Free {
		enc.U32(uint32(e.VBN))
		enc.U32(e.EC)
	}
	enc.U32(uint32(len(c.Released)))
	for _, e := range c.Released {
		enc.U32(uint32(e.VBN))
		enc.U32(e.EC)
	}
	enc.U32(uint32(len(c.ActiveLogs)))
	for _, a := range c.ActiveLogs {
		enc.U32(uint32(a.DGN))
		enc.U32(uint32(a.VBN))
	}

	b := c.Buffer
	enc.U32(uint32(b.VBN))
	enc.U32(b.EC)
	enc.U16(b.Clean)
	enc.Bool(b.Dirty)
	enc.U32(uint32(b.LPN))
	enc.U32(uint32(b.Bitmap))
	enc.U16(b.Page)

	enc.U32(c.ResidentArea)
	enc.U32(uint32(len(c.IdleSlots)))
	for i := range c.IdleSlots {
		enc.U16(c.IdleSlots[i])
		enc.U16(c.ParkedSlots[i])
	}
	enc.U32(uint32(len(c.DirtyAreas)))
	for _, w := range c.DirtyAreas {
		enc.U64(w)
	}

	enc.U32(c.WearLevelThreshold)
	g := c.GlobalWL
	enc.U8(uint8(g.Phase))
	enc.U8(g.SrcZone)
	enc.U8(g.DstZone)
	enc.U32(uint32(g.FreeVBN))
	enc.U32(g.FreeEC)
	enc.U32(uint32(g.VictimVBN))
	enc.U32(g.VictimEC)
	enc.U8(uint8(g.OwnerKind))
	enc.U32(g.OwnerID)
	enc.U16(g.OwnerSlot)

	s := c.Counters
	for _, v := range []uint64{s.HostWrites, s.HostReads, s.HostDeletes, s.PagesProgrammed, s.PagesCopied,
		s.Erases, s.Compactions, s.Merges, s.GCRuns, s.WearLevels} {
		enc.U64(v)
	}
	return enc.Data()
}

// DecodeContext parses a context body within the given limits
func DecodeContext(body []byte, l ContextLimits) (*Context, error) {
	dec := NewDecoder(body)
	c := &Context{}
	c.WriteAge = dec.U32()

	c.FreeHead = dec.U32()
	c.FreeCount = dec.U32()
	c.Free = make([]FreeEntry, dec.Count(l.FreeSlots))
	for i := range c.Free {
		c.Free[i] = FreeEntry{VBN: types.VBN(dec.U32()), EC: dec.U32()}
	}
	c.Released = make([]FreeEntry, dec.Count(l.MaxReleased))
	for i := range c.Released {
		c.Released[i] = FreeEntry{VBN: types.VBN(dec.U32()), EC: dec.U32()}
	}
	c.ActiveLogs = make([]ActiveLog, dec.Count(l.MaxActiveLogs))
	for i := range c.ActiveLogs {
		c.ActiveLogs[i] = ActiveLog{DGN: types.DGN(dec.U32()), VBN: types.VBN(dec.U32())}
	}

	c.Buffer = BufferState{
		VBN:    types.VBN(dec.U32()),
		EC:     dec.U32(),
		Clean:  dec.U16(),
		Dirty:  dec.Bool(),
		LPN:    types.LPN(dec.U32()),
		Bitmap: types.SectorBitmap(dec.U32()),
		Page:   dec.U16(),
	}

	c.ResidentArea = dec.U32()
	n := dec.Count(l.Areas)
	c.IdleSlots = make([]uint16, n)
	c.ParkedSlots = make([]uint16, n)
	for i := 0; i < n; i++ {
		c.IdleSlots[i] = dec.U16()
		c.ParkedSlots[i] = dec.U16()
	}
	c.DirtyAreas = make([]uint64, dec.Count(l.DirtyWords()))
	for i := range c.DirtyAreas {
		c.DirtyAreas[i] = dec.U64()
	}

	c.WearLevelThreshold = dec.U32()
	c.GlobalWL = GlobalWL{
		Phase:     GlobalWLPhase(dec.U8()),
		SrcZone:   dec.U8(),
		DstZone:   dec.U8(),
		FreeVBN:   types.VBN(dec.U32()),
		FreeEC:    dec.U32(),
		VictimVBN: types.VBN(dec.U32()),
		VictimEC:  dec.U32(),
		OwnerKind: OwnerKind(dec.U8()),
		OwnerID:   dec.U32(),
		OwnerSlot: dec.U16(),
	}

	s := &c.Counters
	for _, p := range []*uint64{&s.HostWrites, &s.HostReads, &s.HostDeletes, &s.PagesProgrammed, &s.PagesCopied,
		&s.Erases, &s.Compactions, &s.Merges, &s.GCRuns, &s.WearLevels} {
		*p = dec.U64()
	}

	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("failed to decode context: %w", err)
	}
	if int(c.FreeCount) > len(c.Free) || (len(c.Free) > 0 && int(c.FreeHead) >= len(c.Free)) {
		return nil, fmt.Errorf("%w: free list head %d count %d capacity %d", types.ErrCorrupted, c.FreeHead, c.FreeCount, len(c.Free))
	}
	return c, nil
}
