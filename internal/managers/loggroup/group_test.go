package loggroup

import (
	"testing"

	"github.com/deploymenttheory/go-nandftl/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testShape() Shape {
	return Shape{BlocksPerGroup: 2, LogsPerGroup: 3, PagesPerBlock: 4, Ways: 2}
}

func TestNewGroupIsEmpty(t *testing.T) {
	g := New(7, testShape())
	assert.Equal(t, types.DGN(7), g.DGN)
	assert.Equal(t, 0, g.NumLogs)
	assert.Len(t, g.PageMap, 8)
	for off := range g.PageMap {
		assert.Equal(t, InDataBlock, g.Locate(off).Kind)
	}
	assert.Empty(t, g.Slots())
	require.NoError(t, g.Validate())
}

func TestGroupAddRemoveLogs(t *testing.T) {
	g := New(0, testShape())
	a, err := g.AddLog(10, 3)
	require.NoError(t, err)
	b, err := g.AddLog(11, 1)
	require.NoError(t, err)
	c, err := g.AddLog(12, 5)
	require.NoError(t, err)
	assert.True(t, g.IsFull())
	assert.Equal(t, []int{a, b, c}, g.Slots())
	assert.Equal(t, uint32(1), g.MinEC)
	assert.Equal(t, b, g.MinECSlot)

	_, err = g.AddLog(13, 0)
	assert.Error(t, err)

	removed, err := g.RemoveLog(b)
	require.NoError(t, err)
	assert.Equal(t, types.VBN(11), removed.VBN)
	assert.Equal(t, []int{a, c}, g.Slots())
	assert.Equal(t, uint32(3), g.MinEC)
	require.NoError(t, g.Validate())

	d, err := g.AddLog(14, 2)
	require.NoError(t, err)
	assert.Equal(t, b, d, "freed slot is reused")
	assert.Equal(t, []int{a, c, d}, g.Slots())
	assert.Equal(t, d, g.SlotOf(14))
	assert.Equal(t, NoLog, g.SlotOf(99))
}

func TestGroupRemoveLogWithLivePagesFails(t *testing.T) {
	g := New(0, testShape())
	s, err := g.AddLog(10, 0)
	require.NoError(t, err)
	_, err = g.AppendPage(s, 2)
	require.NoError(t, err)

	_, err = g.RemoveLog(s)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvariant)
}

func TestGroupAppendTracksValidity(t *testing.T) {
	g := New(0, testShape())
	s, err := g.AddLog(10, 0)
	require.NoError(t, err)

	page, err := g.AppendPage(s, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, page)
	assert.Equal(t, Location{Kind: InLog, Slot: s, Page: 0}, g.Locate(5))

	page, err = g.AppendPage(s, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, page)
	assert.Equal(t, 1, g.Log(s).ValidPages(), "the rewrite releases the older copy")
	assert.Equal(t, []PageRef{{Offset: 5, Page: 1}}, g.PagesOf(s))
	require.NoError(t, g.Validate())
}

func TestGroupAppendToFullLog(t *testing.T) {
	g := New(0, testShape())
	s, err := g.AddLog(10, 0)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = g.AppendPage(s, i)
		require.NoError(t, err)
	}
	_, err = g.AppendPage(s, 0)
	assert.ErrorIs(t, err, types.ErrInvariant)
}

func TestLogStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		offsets []int
		want    types.LogState
		seq     int
	}{
		{name: "untouched", offsets: nil, want: types.LogAlloc, seq: -1},
		{name: "sequential block 1", offsets: []int{4, 5, 6}, want: types.LogSeq, seq: 1},
		{name: "sequential full", offsets: []int{0, 1, 2, 3}, want: types.LogSeq, seq: 0},
		{name: "first page not block start", offsets: []int{1}, want: types.LogRandom, seq: -1},
		{name: "gap breaks sequence", offsets: []int{0, 2}, want: types.LogRandom, seq: -1},
		{name: "other block breaks sequence", offsets: []int{0, 5}, want: types.LogRandom, seq: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(0, testShape())
			s, err := g.AddLog(10, 0)
			require.NoError(t, err)
			for _, off := range tt.offsets {
				_, err = g.AppendPage(s, off)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, g.Log(s).Status.Base)
			assert.Equal(t, tt.seq, g.Log(s).SeqBlock)
		})
	}
}

func TestGroupDeleteIsIdempotent(t *testing.T) {
	g := New(0, testShape())
	s, err := g.AddLog(10, 0)
	require.NoError(t, err)
	_, err = g.AppendPage(s, 1)
	require.NoError(t, err)

	assert.True(t, g.Delete(1, false), "log copy is invalidated")
	assert.Equal(t, Deleted, g.Locate(1).Kind)
	assert.Equal(t, 0, g.Log(s).ValidPages())
	assert.False(t, g.Delete(1, true), "second delete is a no-op")

	assert.False(t, g.Delete(2, false), "unbacked page is already absent")
	assert.Equal(t, InDataBlock, g.Locate(2).Kind)
	assert.True(t, g.Delete(2, true))
	require.NoError(t, g.Validate())
}

func TestGroupBlockDeletion(t *testing.T) {
	g := New(0, testShape())
	for off := 4; off < 8; off++ {
		g.Delete(off, true)
	}
	assert.True(t, g.BlockFullyDeleted(1))
	assert.False(t, g.BlockFullyDeleted(0))
	assert.True(t, g.BlockHasUpdates(1))
	assert.False(t, g.BlockHasUpdates(0))

	g.ResetBlock(1)
	assert.False(t, g.BlockHasUpdates(1))
}

func TestGroupFindWritablePrefersMatchingWay(t *testing.T) {
	g := New(0, testShape())
	a, err := g.AddLog(10, 0)
	require.NoError(t, err)
	b, err := g.AddLog(11, 0)
	require.NoError(t, err)
	_, err = g.AppendPage(b, 0)
	require.NoError(t, err)

	// b's next clean page sits on way 1, a's on way 0
	assert.Equal(t, b, g.FindWritable(3))
	assert.Equal(t, a, g.FindWritable(2))
}

func TestGroupIsDeadAndLeastValid(t *testing.T) {
	g := New(0, testShape())
	a, err := g.AddLog(10, 0)
	require.NoError(t, err)
	b, err := g.AddLog(11, 0)
	require.NoError(t, err)
	for off := 0; off < 4; off++ {
		_, err = g.AppendPage(a, off)
		require.NoError(t, err)
	}
	for off := 0; off < 3; off++ {
		_, err = g.AppendPage(b, off)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, g.Log(a).ValidPages())
	assert.Equal(t, 3, g.Log(b).ValidPages())

	first, second := g.LeastValid()
	assert.Equal(t, a, first)
	assert.Equal(t, b, second)

	g.Delete(3, false)
	assert.True(t, g.IsDead(a))
	g.SetActive(a, true)
	assert.False(t, g.IsDead(a), "an active log is never reclaimed")
	assert.Equal(t, []int{a}, g.ActiveLogs())
	assert.Equal(t, 3, g.TotalValid())
}

func TestGroupClone(t *testing.T) {
	g := New(0, testShape())
	s, err := g.AddLog(10, 0)
	require.NoError(t, err)
	_, err = g.AppendPage(s, 0)
	require.NoError(t, err)

	c := g.Clone()
	_, err = c.AppendPage(s, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Log(s).ValidPages())
	assert.Equal(t, PageNotInLog, g.PageMap[1])
}

func TestGroupBinaryRoundTrip(t *testing.T) {
	g := New(9, testShape())
	a, err := g.AddLog(10, 3)
	require.NoError(t, err)
	_, err = g.AddLog(11, 4)
	require.NoError(t, err)
	_, err = g.AppendPage(a, 0)
	require.NoError(t, err)
	_, err = g.AppendPage(a, 1)
	require.NoError(t, err)
	g.SetActive(a, true)
	g.Delete(6, true)
	g.Dirty = false

	data, err := g.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, RecordSize(testShape()))

	got, err := Decode(data, testShape())
	require.NoError(t, err)
	assert.Equal(t, g, got)
	assert.Equal(t, types.LogSeq, got.Log(a).Status.Base)
	assert.True(t, got.Log(a).Status.Active)
}

func TestGroupDecodeRejectsShapeMismatch(t *testing.T) {
	g := New(1, testShape())
	data, err := g.MarshalBinary()
	require.NoError(t, err)

	other := testShape()
	other.LogsPerGroup = 2
	_, err = Decode(data, other)
	assert.ErrorIs(t, err, types.ErrCorrupted)
}
