package loggroup

import (
	"fmt"
	"sort"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

const (
	// PageNotInLog marks an offset served by the group's data block
	PageNotInLog uint16 = 0xFFFF

	// PageDeleted marks an offset whose sectors were all deleted
	PageDeleted uint16 = 0xFFFE
)

// LocationKind tells where the current copy of a page lives
type LocationKind int

const (
	InDataBlock LocationKind = iota
	InLog
	Deleted
)

// Location is the resolved page-map entry of one offset
type Location struct {
	Kind LocationKind
	Slot int
	Page int
}

// Shape fixes the dimensions shared by every group of a zone
type Shape struct {
	BlocksPerGroup int
	LogsPerGroup   int
	PagesPerBlock  int
	Ways           int
}

// Group is the PMT of one data group
type Group struct {
	DGN     types.DGN
	Logs    []Log
	Head    int
	Tail    int
	NumLogs int
	PageMap []uint16

	// MinEC and MinECSlot cache the lowest-EC log for wear-leveling;
	// MinValidSlot caches the log with the fewest live pages for compaction.
	MinEC        uint32
	MinECSlot    int
	MinValidSlot int

	Dirty bool

	shape Shape
}

// New creates an empty group: no logs, every page served by the data blocks
func New(dgn types.DGN, shape Shape) *Group {
	g := &Group{
		DGN:          dgn,
		Logs:         make([]Log, shape.LogsPerGroup),
		Head:         NoLog,
		Tail:         NoLog,
		PageMap:      make([]uint16, shape.BlocksPerGroup*shape.PagesPerBlock),
		MinEC:        types.NullEC,
		MinECSlot:    NoLog,
		MinValidSlot: NoLog,
		shape:        shape,
	}
	for i := range g.Logs {
		g.Logs[i].reset(shape.Ways)
	}
	for i := range g.PageMap {
		g.PageMap[i] = PageNotInLog
	}
	return g
}

// Shape returns the group dimensions
func (g *Group) Shape() Shape {
	return g.shape
}

// SetShape attaches dimensions to a group decoded from flash
func (g *Group) SetShape(shape Shape) {
	g.shape = shape
}

// IsFull reports whether the group already holds the maximum number of logs
func (g *Group) IsFull() bool {
	return g.NumLogs >= g.shape.LogsPerGroup
}

// Log returns the log in slot
func (g *Group) Log(slot int) *Log {
	return &g.Logs[slot]
}

// Slots returns the used slots from head (oldest) to tail (newest)
func (g *Group) Slots() []int {
	out := make([]int, 0, g.NumLogs)
	for s := g.Head; s != NoLog; s = g.Logs[s].Next {
		out = append(out, s)
	}
	return out
}

// SlotOf returns the slot holding vbn, or NoLog
func (g *Group) SlotOf(vbn types.VBN) int {
	for s := g.Head; s != NoLog; s = g.Logs[s].Next {
		if g.Logs[s].VBN == vbn {
			return s
		}
	}
	return NoLog
}

// AddLog appends a freshly erased block as a new ALLOC log at the tail
func (g *Group) AddLog(vbn types.VBN, ec uint32) (int, error) {
	if g.IsFull() {
		return NoLog, fmt.Errorf("group %d already holds %d logs", g.DGN, g.NumLogs)
	}
	slot := NoLog
	for i := range g.Logs {
		if !g.Logs[i].InUse {
			slot = i
			break
		}
	}
	if slot == NoLog {
		return NoLog, types.Invariantf("group %d has %d logs but no free slot", g.DGN, g.NumLogs)
	}

	l := &g.Logs[slot]
	l.reset(g.shape.Ways)
	l.VBN = vbn
	l.EC = ec
	l.InUse = true
	l.Status = types.LogStatus{Base: types.LogAlloc}
	l.Prev = g.Tail
	if g.Tail != NoLog {
		g.Logs[g.Tail].Next = slot
	} else {
		g.Head = slot
	}
	g.Tail = slot
	g.NumLogs++
	g.Dirty = true
	g.RecomputeSummary()
	return slot, nil
}

// RemoveLog unlinks the log in slot. The log must not hold live pages.
func (g *Group) RemoveLog(slot int) (Log, error) {
	l := &g.Logs[slot]
	if !l.InUse {
		return Log{}, types.Invariantf("group %d slot %d is not in use", g.DGN, slot)
	}
	if n := l.ValidPages(); n != 0 {
		return Log{}, types.Invariantf("group %d log %s still holds %d valid pages", g.DGN, l.VBN, n)
	}
	for _, e := range g.PageMap {
		if e < PageDeleted && int(e)/g.shape.PagesPerBlock == slot {
			return Log{}, types.Invariantf("group %d page map still references slot %d", g.DGN, slot)
		}
	}

	if l.Prev != NoLog {
		g.Logs[l.Prev].Next = l.Next
	} else {
		g.Head = l.Next
	}
	if l.Next != NoLog {
		g.Logs[l.Next].Prev = l.Prev
	} else {
		g.Tail = l.Prev
	}

	removed := *l
	removed.Valid = append([]uint16(nil), l.Valid...)
	l.reset(g.shape.Ways)
	g.NumLogs--
	g.Dirty = true
	g.RecomputeSummary()
	return removed, nil
}

// Locate resolves the page-map entry of an in-group offset
func (g *Group) Locate(off int) Location {
	e := g.PageMap[off]
	switch e {
	case PageNotInLog:
		return Location{Kind: InDataBlock, Slot: NoLog}
	case PageDeleted:
		return Location{Kind: Deleted, Slot: NoLog}
	}
	return Location{Kind: InLog, Slot: int(e) / g.shape.PagesPerBlock, Page: int(e) % g.shape.PagesPerBlock}
}

func (g *Group) way(page int) int {
	return page % g.shape.Ways
}

func (g *Group) dropCurrent(off int) {
	loc := g.Locate(off)
	if loc.Kind != InLog {
		return
	}
	l := &g.Logs[loc.Slot]
	w := g.way(loc.Page)
	if l.Valid[w] > 0 {
		l.Valid[w]--
	}
}

// Map points off at page of the log in slot, releasing the previous copy (update_pmt)
func (g *Group) Map(off, slot, page int) {
	g.dropCurrent(off)
	g.PageMap[off] = uint16(slot*g.shape.PagesPerBlock + page)
	g.Logs[slot].Valid[g.way(page)]++
	g.Dirty = true
	g.RecomputeSummary()
}

// AppendPage records a program of offset off into the next clean page of slot,
// advances the clean offset and applies the log state transition
func (g *Group) AppendPage(slot, off int) (int, error) {
	l := &g.Logs[slot]
	if !l.InUse {
		return 0, types.Invariantf("group %d append to unused slot %d", g.DGN, slot)
	}
	if l.Clean >= g.shape.PagesPerBlock {
		return 0, types.Invariantf("group %d log %s is full", g.DGN, l.VBN)
	}
	page := l.Clean
	l.Clean++
	g.Map(off, slot, page)
	l.changeState(off/g.shape.PagesPerBlock, off%g.shape.PagesPerBlock, page)
	return page, nil
}

// MoveOut releases the current copy of off and points it back at the data block.
// Compaction uses it while the copy is being rehomed to a new log.
func (g *Group) MoveOut(off int) {
	if g.PageMap[off] == PageNotInLog {
		return
	}
	g.dropCurrent(off)
	g.PageMap[off] = PageNotInLog
	g.Dirty = true
	g.RecomputeSummary()
}

// DetachBlock points every offset of blk back at the data block, releasing log copies
// and deleted markers. Merge calls it once the new data block holds the live pages.
func (g *Group) DetachBlock(blk int) {
	ppb := g.shape.PagesPerBlock
	for off := blk * ppb; off < (blk+1)*ppb; off++ {
		g.MoveOut(off)
	}
}

// ReplayPage re-applies a page found programmed at page of slot after the last commit
func (g *Group) ReplayPage(slot, page, off int) {
	l := &g.Logs[slot]
	if page+1 > l.Clean {
		l.Clean = page + 1
	}
	g.Map(off, slot, page)
	l.changeState(off/g.shape.PagesPerBlock, off%g.shape.PagesPerBlock, page)
}

// SkipTo advances the clean offset of slot past pages that hold no usable data
func (g *Group) SkipTo(slot, clean int) {
	if l := &g.Logs[slot]; clean > l.Clean {
		l.Clean = clean
		if l.Status.Base == types.LogSeq {
			l.Status.Base = types.LogRandom
			l.SeqBlock = -1
		}
		g.Dirty = true
	}
}

// Delete invalidates off. backed tells whether the group's data block holds a copy of
// the page; an unbacked offset with no log copy is already absent and left untouched.
// It reports whether the page map changed.
func (g *Group) Delete(off int, backed bool) bool {
	switch g.Locate(off).Kind {
	case Deleted:
		return false
	case InDataBlock:
		if !backed {
			return false
		}
	}
	g.dropCurrent(off)
	g.PageMap[off] = PageDeleted
	g.Dirty = true
	g.RecomputeSummary()
	return true
}

// BlockFullyDeleted reports whether every page of block-in-group blk is deleted
func (g *Group) BlockFullyDeleted(blk int) bool {
	ppb := g.shape.PagesPerBlock
	for off := blk * ppb; off < (blk+1)*ppb; off++ {
		if g.PageMap[off] != PageDeleted {
			return false
		}
	}
	return true
}

// ResetBlock returns every deleted offset of blk to the data-block state. Used once the
// data block itself is released, so the markers are no longer needed.
func (g *Group) ResetBlock(blk int) {
	ppb := g.shape.PagesPerBlock
	for off := blk * ppb; off < (blk+1)*ppb; off++ {
		if g.PageMap[off] == PageDeleted {
			g.PageMap[off] = PageNotInLog
			g.Dirty = true
		}
	}
}

// BlockHasUpdates reports whether any page of blk lives in a log or is deleted
func (g *Group) BlockHasUpdates(blk int) bool {
	ppb := g.shape.PagesPerBlock
	for off := blk * ppb; off < (blk+1)*ppb; off++ {
		if g.PageMap[off] != PageNotInLog {
			return true
		}
	}
	return false
}

// PageRef is one live page of a log
type PageRef struct {
	Offset int
	Page   int
}

// PagesOf lists the live pages of the log in slot ordered by log page
func (g *Group) PagesOf(slot int) []PageRef {
	var refs []PageRef
	for off, e := range g.PageMap {
		if e < PageDeleted && int(e)/g.shape.PagesPerBlock == slot {
			refs = append(refs, PageRef{Offset: off, Page: int(e) % g.shape.PagesPerBlock})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Page < refs[j].Page })
	return refs
}

// TotalValid returns the live pages held by every log of the group
func (g *Group) TotalValid() int {
	n := 0
	for s := g.Head; s != NoLog; s = g.Logs[s].Next {
		n += g.Logs[s].ValidPages()
	}
	return n
}

// ActiveLogs returns the slots of logs marked active
func (g *Group) ActiveLogs() []int {
	var out []int
	for s := g.Head; s != NoLog; s = g.Logs[s].Next {
		if g.Logs[s].Status.Active {
			out = append(out, s)
		}
	}
	return out
}

// SetActive sets the orthogonal active bit of a log
func (g *Group) SetActive(slot int, active bool) {
	if g.Logs[slot].Status.Active != active {
		g.Logs[slot].Status.Active = active
		g.Dirty = true
	}
}

// IsDead reports whether the log in slot can go back to the free list:
// no live pages, no clean pages left and not open for writes
func (g *Group) IsDead(slot int) bool {
	l := &g.Logs[slot]
	return l.InUse && l.ValidPages() == 0 && l.Clean >= g.shape.PagesPerBlock && !l.Status.Active
}

// FindWritable returns the log to append the page with page-in-block pib to: the newest
// log whose next clean page sits on the same way, else the newest log with clean pages
func (g *Group) FindWritable(pib int) int {
	fallback := NoLog
	for s := g.Tail; s != NoLog; s = g.Logs[s].Prev {
		l := &g.Logs[s]
		if l.Clean >= g.shape.PagesPerBlock {
			continue
		}
		if g.way(l.Clean) == g.way(pib) {
			return s
		}
		if fallback == NoLog {
			fallback = s
		}
	}
	return fallback
}

// LeastValid returns the two used slots with the fewest live pages (second may be NoLog)
func (g *Group) LeastValid() (int, int) {
	first, second := NoLog, NoLog
	for s := g.Head; s != NoLog; s = g.Logs[s].Next {
		v := g.Logs[s].ValidPages()
		switch {
		case first == NoLog || v < g.Logs[first].ValidPages():
			second = first
			first = s
		case second == NoLog || v < g.Logs[second].ValidPages():
			second = s
		}
	}
	return first, second
}

// RecomputeSummary refreshes the cached min-EC and min-valid bookkeeping
func (g *Group) RecomputeSummary() {
	g.MinEC, g.MinECSlot = types.NullEC, NoLog
	for s := g.Head; s != NoLog; s = g.Logs[s].Next {
		if g.Logs[s].EC < g.MinEC {
			g.MinEC, g.MinECSlot = g.Logs[s].EC, s
		}
	}
	g.MinValidSlot, _ = g.LeastValid()
}

// Validate cross-checks the list links, the log count and the valid-page counters
// against the page map
func (g *Group) Validate() error {
	seen := 0
	prev := NoLog
	for s := g.Head; s != NoLog; s = g.Logs[s].Next {
		if s < 0 || s >= len(g.Logs) || !g.Logs[s].InUse {
			return types.Invariantf("group %d list reaches unused slot %d", g.DGN, s)
		}
		if g.Logs[s].Prev != prev {
			return types.Invariantf("group %d slot %d has prev %d, want %d", g.DGN, s, g.Logs[s].Prev, prev)
		}
		prev = s
		seen++
		if seen > len(g.Logs) {
			return types.Invariantf("group %d log list is cyclic", g.DGN)
		}
	}
	if prev != g.Tail || seen != g.NumLogs {
		return types.Invariantf("group %d list has %d logs ending at %d, header says %d ending at %d",
			g.DGN, seen, prev, g.NumLogs, g.Tail)
	}

	counts := make([][]uint16, len(g.Logs))
	for i := range counts {
		counts[i] = make([]uint16, g.shape.Ways)
	}
	for off, e := range g.PageMap {
		if e >= PageDeleted {
			continue
		}
		slot, page := int(e)/g.shape.PagesPerBlock, int(e)%g.shape.PagesPerBlock
		if slot >= len(g.Logs) || !g.Logs[slot].InUse {
			return types.Invariantf("group %d offset %d maps to unused slot %d", g.DGN, off, slot)
		}
		if page >= g.Logs[slot].Clean {
			return types.Invariantf("group %d offset %d maps past clean offset of slot %d", g.DGN, off, slot)
		}
		counts[slot][g.way(page)]++
	}
	for s := g.Head; s != NoLog; s = g.Logs[s].Next {
		for w, v := range g.Logs[s].Valid {
			if counts[s][w] != v {
				return types.Invariantf("group %d slot %d way %d counts %d valid pages, page map has %d",
					g.DGN, s, w, v, counts[s][w])
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the group
func (g *Group) Clone() *Group {
	c := *g
	c.Logs = make([]Log, len(g.Logs))
	for i, l := range g.Logs {
		c.Logs[i] = l
		c.Logs[i].Valid = append([]uint16(nil), l.Valid...)
	}
	c.PageMap = append([]uint16(nil), g.PageMap...)
	return &c
}
