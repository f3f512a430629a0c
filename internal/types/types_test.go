package types

import (
	"errors"
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{Paramf("lsn %d", 9), KindParameter},
		{fmt.Errorf("read: %w", ErrZoneNotOpen), KindParameter},
		{ErrZoneAlreadyOpen, KindParameter},
		{ErrNoFreeBlocks, KindResource},
		{ErrMetaFull, KindResource},
		{ErrUnformatted, KindCorruption},
		{ErrCorrupted, KindCorruption},
		{Invariantf("valid count %d", 3), KindCorruption},
		{ErrPartitionLocked, KindLocked},
		{errors.New("program failed"), KindIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
	assert.Equal(t, "locked", KindLocked.String())
	assert.Equal(t, "unknown", ErrorKind(42).String())
}

func TestInvariantfCarriesStack(t *testing.T) {
	err := Invariantf("group %d", 7)
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Contains(t, err.Error(), "group 7")

	var st interface{ StackTrace() pkgerrors.StackTrace }
	assert.True(t, errors.As(err, &st))
	assert.NotEmpty(t, st.StackTrace())
}

func TestSectorBitmap(t *testing.T) {
	tests := []struct {
		name         string
		start, count int
		want         SectorBitmap
	}{
		{"empty", 0, 0, 0},
		{"first sector", 0, 1, 0b1},
		{"middle", 1, 2, 0b0110},
		{"full page of four", 0, 4, 0b1111},
		{"full word", 0, 32, 0xFFFFFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := SetBitmap(tt.start, tt.count)
			assert.Equal(t, tt.want, b)
			assert.Equal(t, tt.count, b.Count())
		})
	}

	b := SetBitmap(1, 2)
	assert.True(t, b.Has(2))
	assert.False(t, b.Has(0))
	assert.False(t, b.IsFull(4))
	assert.True(t, (b | SetBitmap(0, 1) | SetBitmap(3, 1)).IsFull(4))
}

func TestPair(t *testing.T) {
	for _, v := range []uint16{0, 1, 0x1234, 0xFFFF} {
		got, ok := Unpair(Pair(v))
		assert.True(t, ok)
		assert.Equal(t, v, got)
	}
	assert.Equal(t, uint32(0x0001FFFE), Pair(0x0001))
	_, ok := Unpair(0xFFFFFFFF)
	assert.False(t, ok, "erased flash does not decode")
}

func TestLogStatusPacking(t *testing.T) {
	for _, s := range []LogStatus{
		{Base: LogFree},
		{Base: LogSeq, Active: true},
		{Base: LogRandom, Active: true, MLCFastMode: true},
		{Base: LogGarbage},
	} {
		assert.Equal(t, s, UnpackLogStatus(s.Pack()))
	}
	assert.Equal(t, uint8(0x12), LogStatus{Base: LogSeq, Active: true}.Pack())
	assert.Equal(t, "RANDOM", LogRandom.String())
	assert.Equal(t, "vbn(null)", NullVBN.String())
	assert.Equal(t, "vbn(12)", VBN(12).String())
}
