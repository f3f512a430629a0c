package bmt

import (
	"testing"

	"github.com/deploymenttheory/go-nandftl/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestTableSlotStates(t *testing.T) {
	tbl := New(3, 4)
	assert.Equal(t, types.LAN(3), tbl.Area)
	assert.Equal(t, 4, tbl.Slots())
	assert.True(t, tbl.IsIdle(0))

	tbl.Map(0, 100, 5)
	tbl.Park(1, 101, 2)
	assert.True(t, tbl.IsMapped(0))
	assert.True(t, tbl.IsParked(1))
	assert.False(t, tbl.IsMapped(1))

	mapped, parked, idle := tbl.Counts()
	assert.Equal(t, 1, mapped)
	assert.Equal(t, 1, parked)
	assert.Equal(t, 2, idle)

	assert.Equal(t, 2, tbl.FindIdle())
	assert.Equal(t, 1, tbl.FindParked())
	assert.Equal(t, 0, tbl.SlotOf(100))
	assert.Equal(t, -1, tbl.SlotOf(999))
}

func TestTableMarkGarbageAndClear(t *testing.T) {
	tbl := New(0, 2)
	tbl.MarkGarbage(0)
	assert.True(t, tbl.IsIdle(0), "marking an idle slot keeps it idle")

	tbl.Map(1, 50, 7)
	tbl.MarkGarbage(1)
	assert.True(t, tbl.IsParked(1))

	old := tbl.Clear(1)
	assert.Equal(t, Entry{VBN: 50, EC: 7, Garbage: true}, old)
	assert.True(t, tbl.IsIdle(1))
}

func TestTableMinECIgnoresGarbage(t *testing.T) {
	tbl := New(0, 3)
	ec, slot := tbl.MinEC()
	assert.Equal(t, types.NullEC, ec)
	assert.Equal(t, -1, slot)

	tbl.Map(0, 10, 8)
	tbl.Park(1, 11, 1)
	tbl.Map(2, 12, 4)

	ec, slot = tbl.MinEC()
	assert.Equal(t, uint32(4), ec)
	assert.Equal(t, 2, slot)
}

func TestTableClone(t *testing.T) {
	tbl := New(1, 2)
	tbl.Map(0, 7, 1)
	c := tbl.Clone()
	c.Map(0, 8, 2)
	assert.Equal(t, types.VBN(7), tbl.Entries[0].VBN)
}

func TestTableBinaryRoundTrip(t *testing.T) {
	tbl := New(2, 3)
	tbl.Map(0, 40, 6)
	tbl.Park(2, 41, 9)

	data, err := tbl.MarshalBinary()
	assert.NoError(t, err)
	assert.Len(t, data, RecordSize(3))

	got := &Table{}
	assert.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, tbl, got)

	assert.Error(t, got.UnmarshalBinary(data[:5]))
}
