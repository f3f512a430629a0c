package device

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-nandftl/internal/interfaces"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

var testGeometry = interfaces.FlashGeometry{
	PageSize:      2048,
	SpareSize:     64,
	PagesPerBlock: 8,
	TotalBlocks:   4,
}

func filled(n int, v byte) []byte {
	return bytes.Repeat([]byte{v}, n)
}

func TestMemoryNANDProgramRead(t *testing.T) {
	m := NewMemoryNAND(testGeometry)

	data := filled(2048, 0x11)
	spare := filled(64, 0x22)
	require.NoError(t, m.Program(9, data, spare))
	assert.False(t, m.IsErased(9))

	gotData := make([]byte, 2048)
	gotSpare := make([]byte, 64)
	require.NoError(t, m.Read(9, types.FullBitmap(4), gotData, gotSpare))
	assert.Equal(t, data, gotData)
	assert.Equal(t, spare, gotSpare)

	// erased pages read back as 0xFF
	require.NoError(t, m.Read(10, types.FullBitmap(4), gotData, gotSpare))
	assert.Equal(t, filled(2048, types.ErasedByte), gotData)
	assert.Equal(t, filled(64, types.ErasedByte), gotSpare)
}

func TestMemoryNANDPartialRead(t *testing.T) {
	m := NewMemoryNAND(testGeometry)
	data := make([]byte, 2048)
	for s := 0; s < 4; s++ {
		copy(data[s*types.SectorSize:], filled(types.SectorSize, byte(s+1)))
	}
	require.NoError(t, m.Program(0, data, nil))

	got := filled(2048, 0xAA)
	require.NoError(t, m.Read(0, types.SetBitmap(1, 2), got, nil))
	assert.Equal(t, filled(types.SectorSize, 0xAA), got[:types.SectorSize], "sectors outside the bitmap are untouched")
	assert.Equal(t, data[types.SectorSize:3*types.SectorSize], got[types.SectorSize:3*types.SectorSize])
	assert.Equal(t, filled(types.SectorSize, 0xAA), got[3*types.SectorSize:])
}

func TestMemoryNANDEraseBeforeProgram(t *testing.T) {
	m := NewMemoryNAND(testGeometry)
	require.NoError(t, m.Program(3, filled(2048, 1), nil))

	err := m.Program(3, filled(2048, 2), nil)
	assert.ErrorIs(t, err, ErrNotErased)

	require.NoError(t, m.Erase(0))
	assert.True(t, m.IsErased(3))
	assert.Equal(t, uint32(1), m.PhysicalEraseCount(0))
	require.NoError(t, m.Program(3, filled(2048, 2), nil))
}

func TestMemoryNANDOutOfRange(t *testing.T) {
	m := NewMemoryNAND(testGeometry)
	assert.ErrorIs(t, m.Erase(4), ErrOutOfRange)
	assert.ErrorIs(t, m.Program(32, filled(2048, 0), nil), ErrOutOfRange)
	assert.ErrorIs(t, m.Read(32, types.FullBitmap(4), make([]byte, 2048), nil), ErrOutOfRange)
}

func TestMemoryNANDProgramMulti(t *testing.T) {
	m := NewMemoryNAND(testGeometry)

	data := append(filled(2048, 1), filled(2048, 2)...)
	spares := [][]byte{filled(64, 3), filled(64, 4)}
	require.NoError(t, m.ProgramMulti(6, data, spares))

	got := make([]byte, 2048)
	require.NoError(t, m.Read(7, types.FullBitmap(4), got, nil))
	assert.Equal(t, filled(2048, 2), got)

	err := m.ProgramMulti(7, data, spares)
	assert.Error(t, err, "a multi-page program may not cross a block boundary")
}

func TestMemoryNANDCopyBack(t *testing.T) {
	m := NewMemoryNAND(testGeometry)
	require.NoError(t, m.Program(0, filled(2048, 5), filled(64, 6)))

	require.NoError(t, m.CopyBack(0, 8))
	got, sp := make([]byte, 2048), make([]byte, 64)
	require.NoError(t, m.Read(8, types.FullBitmap(4), got, sp))
	assert.Equal(t, filled(2048, 5), got)
	assert.Equal(t, filled(64, 6), sp)

	patch := filled(2048, 9)
	require.NoError(t, m.ModifyCopyBack(0, 9, patch, types.SetBitmap(3, 1), filled(64, 7)))
	require.NoError(t, m.Read(9, types.FullBitmap(4), got, sp))
	assert.Equal(t, filled(3*types.SectorSize, 5), got[:3*types.SectorSize])
	assert.Equal(t, filled(types.SectorSize, 9), got[3*types.SectorSize:])
	assert.Equal(t, filled(64, 7), sp)

	// copying an erased page leaves the target erased
	require.NoError(t, m.CopyBack(1, 10))
	assert.True(t, m.IsErased(10))
}

func TestMemoryNANDPowerCut(t *testing.T) {
	m := NewMemoryNAND(testGeometry)
	m.CutPowerAfter(1, true)

	require.NoError(t, m.Program(0, filled(2048, 1), filled(64, 1)))
	err := m.Program(1, filled(2048, 2), filled(64, 2))
	assert.ErrorIs(t, err, ErrPowerLoss)
	assert.True(t, m.PowerLost())

	// every later operation fails, reads included
	assert.ErrorIs(t, m.Read(0, types.FullBitmap(4), make([]byte, 2048), nil), ErrPowerLoss)

	m.Restore()
	assert.False(t, m.PowerLost())

	// the torn program stored data without its spare area
	got, sp := make([]byte, 2048), make([]byte, 64)
	require.NoError(t, m.Read(1, types.FullBitmap(4), got, sp))
	assert.Equal(t, filled(2048, 2), got)
	assert.Equal(t, filled(64, types.ErasedByte), sp)
	assert.False(t, m.IsErased(1))
}

func TestMemoryNANDFailNext(t *testing.T) {
	m := NewMemoryNAND(testGeometry)
	custom := errors.New("bad block")

	m.FailNext(OpErase, custom)
	assert.ErrorIs(t, m.Erase(0), custom)
	assert.NoError(t, m.Erase(0), "failures are one-shot")

	m.FailNext(OpProgram, nil)
	assert.ErrorIs(t, m.Program(0, filled(2048, 1), nil), ErrInjected)
	assert.True(t, m.IsErased(0))

	stats := m.Statistics()
	assert.Equal(t, uint64(1), stats.Ops[OpErase])
	assert.Zero(t, stats.Ops[OpProgram])
}

func TestOpString(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{OpErase, "erase"},
		{OpProgram, "program"},
		{OpRead, "read"},
		{OpCopyBack, "copyback"},
		{OpModifyCopyBack, "modify-copyback"},
		{Op(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.op.String())
	}
}
