// Package bmt holds the block mapping table of one local area: the physical block
// behind every logical data block, its erase count and its garbage flag.
package bmt

import (
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// Entry maps one logical data block.
//
// A slot is idle when VBN is null. A slot whose VBN is set and Garbage is true parks a
// free block: its content is meaningless and reads of the logical block return erased data.
type Entry struct {
	VBN     types.VBN
	EC      uint32
	Garbage bool
}

// Table is the BMT of one local area
type Table struct {
	Area    types.LAN
	Entries []Entry
}

// New creates a table with every slot idle
func New(area types.LAN, slots int) *Table {
	t := &Table{Area: area, Entries: make([]Entry, slots)}
	for i := range t.Entries {
		t.Entries[i] = Entry{VBN: types.NullVBN}
	}
	return t
}

// Slots returns the number of logical blocks in the area
func (t *Table) Slots() int {
	return len(t.Entries)
}

// IsIdle reports whether slot holds no physical block
func (t *Table) IsIdle(slot int) bool {
	return t.Entries[slot].VBN == types.NullVBN
}

// IsParked reports whether slot holds a free block flagged garbage
func (t *Table) IsParked(slot int) bool {
	e := t.Entries[slot]
	return e.VBN != types.NullVBN && e.Garbage
}

// IsMapped reports whether slot holds live data
func (t *Table) IsMapped(slot int) bool {
	e := t.Entries[slot]
	return e.VBN != types.NullVBN && !e.Garbage
}

// Map installs vbn as the data block of slot
func (t *Table) Map(slot int, vbn types.VBN, ec uint32) {
	t.Entries[slot] = Entry{VBN: vbn, EC: ec}
}

// Park stores a free block in an idle slot
func (t *Table) Park(slot int, vbn types.VBN, ec uint32) {
	t.Entries[slot] = Entry{VBN: vbn, EC: ec, Garbage: true}
}

// MarkGarbage flags the block of slot as holding no live data
func (t *Table) MarkGarbage(slot int) {
	if t.Entries[slot].VBN != types.NullVBN {
		t.Entries[slot].Garbage = true
	}
}

// Clear empties slot and returns what it held
func (t *Table) Clear(slot int) Entry {
	old := t.Entries[slot]
	t.Entries[slot] = Entry{VBN: types.NullVBN}
	return old
}

// FindIdle returns the first idle slot, or -1
func (t *Table) FindIdle() int {
	for i := range t.Entries {
		if t.IsIdle(i) {
			return i
		}
	}
	return -1
}

// FindParked returns the first parked slot, or -1
func (t *Table) FindParked() int {
	for i := range t.Entries {
		if t.IsParked(i) {
			return i
		}
	}
	return -1
}

// SlotOf returns the slot holding vbn, or -1
func (t *Table) SlotOf(vbn types.VBN) int {
	for i, e := range t.Entries {
		if e.VBN == vbn {
			return i
		}
	}
	return -1
}

// MinEC returns the lowest erase count among mapped slots and its slot,
// or (types.NullEC, -1) when nothing is mapped
func (t *Table) MinEC() (uint32, int) {
	lowest, at := types.NullEC, -1
	for i, e := range t.Entries {
		if e.VBN != types.NullVBN && !e.Garbage && e.EC < lowest {
			lowest, at = e.EC, i
		}
	}
	return lowest, at
}

// Counts returns the number of mapped, parked and idle slots
func (t *Table) Counts() (mapped, parked, idle int) {
	for i := range t.Entries {
		switch {
		case t.IsIdle(i):
			idle++
		case t.IsParked(i):
			parked++
		default:
			mapped++
		}
	}
	return mapped, parked, idle
}

// Clone returns a deep copy of the table
func (t *Table) Clone() *Table {
	c := &Table{Area: t.Area, Entries: make([]Entry, len(t.Entries))}
	copy(c.Entries, t.Entries)
	return c
}
