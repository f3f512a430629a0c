package freelist

import (
	"testing"

	"github.com/deploymenttheory/go-nandftl/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeListFIFO(t *testing.T) {
	fl := New(3)
	require.NoError(t, fl.Push(Entry{VBN: 10, EC: 1}))
	require.NoError(t, fl.Push(Entry{VBN: 11, EC: 2}))

	e, ok := fl.Pop()
	require.True(t, ok)
	assert.Equal(t, types.VBN(10), e.VBN)

	require.NoError(t, fl.Push(Entry{VBN: 12, EC: 3}))
	require.NoError(t, fl.Push(Entry{VBN: 13, EC: 4}))
	assert.Equal(t, 3, fl.Len())
	assert.Equal(t, 0, fl.Room())

	err := fl.Push(Entry{VBN: 14})
	assert.ErrorIs(t, err, types.ErrNoFreeBlocks)

	var got []types.VBN
	for _, e := range fl.Entries() {
		got = append(got, e.VBN)
	}
	assert.Equal(t, []types.VBN{11, 12, 13}, got)
}

func TestFreeListPopEmpty(t *testing.T) {
	fl := New(2)
	e, ok := fl.Pop()
	assert.False(t, ok)
	assert.Equal(t, types.NullVBN, e.VBN)
}

func TestFreeListLookups(t *testing.T) {
	fl := New(4)
	for i, ec := range []uint32{9, 3, 7} {
		require.NoError(t, fl.Push(Entry{VBN: types.VBN(20 + i), EC: ec}))
	}

	assert.True(t, fl.Contains(21))
	assert.False(t, fl.Contains(30))
	assert.Equal(t, 2, fl.IndexOf(22))
	assert.Equal(t, uint32(3), fl.MinEC())

	fl.Set(0, Entry{VBN: 40, EC: 1})
	assert.Equal(t, types.VBN(40), fl.At(0).VBN)
	assert.Equal(t, uint32(1), fl.MinEC())
}

func TestFreeListRestore(t *testing.T) {
	fl := New(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, fl.Push(Entry{VBN: types.VBN(i)}))
	}
	fl.Pop()
	fl.Pop()
	require.NoError(t, fl.Push(Entry{VBN: 9}))

	restored, err := Restore(fl.Slots(), fl.Head(), fl.Len())
	require.NoError(t, err)
	assert.Equal(t, fl.Entries(), restored.Entries())

	_, err = Restore(make([]Entry, 2), 0, 3)
	assert.ErrorIs(t, err, types.ErrCorrupted)
}

func TestFreeListRemove(t *testing.T) {
	fl := New(3)
	require.NoError(t, fl.Push(Entry{VBN: 1}))
	require.NoError(t, fl.Push(Entry{VBN: 2}))
	_, _ = fl.Pop()
	require.NoError(t, fl.Push(Entry{VBN: 3}))
	require.NoError(t, fl.Push(Entry{VBN: 4}))

	assert.True(t, fl.Remove(3))
	assert.False(t, fl.Remove(3))
	assert.Equal(t, []Entry{{VBN: 2}, {VBN: 4}}, fl.Entries())
	require.NoError(t, fl.Push(Entry{VBN: 5}))
	assert.Equal(t, 0, fl.Room())
}
