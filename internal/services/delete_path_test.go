package services

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-nandftl/internal/managers/loggroup"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

func erasedSectors(n int) []byte {
	return bytes.Repeat([]byte{types.ErasedByte}, n*types.SectorSize)
}

func TestDeleteBufferedSector(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	require.NoError(t, c.Write(0, 5, 1, pattern(1, 77), 0))
	require.NoError(t, c.Delete(0, 5, 2))

	assert.Equal(t, erasedSectors(2), readSectors(t, c, 0, 5, 2))

	require.NoError(t, c.CloseZone(0, CloseNormal))
	require.NoError(t, c.OpenZone(0))
	assert.Equal(t, erasedSectors(2), readSectors(t, c, 0, 5, 2))
}

func TestPartialDeleteOfBufferedSectorKeepsNewestCopy(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	old := pattern(testSPP, 0x22)
	fresh := pattern(1, 0x33)
	require.NoError(t, c.Write(0, 4, testSPP, old, 0))
	require.NoError(t, c.Write(0, 5, 1, fresh, 0))
	require.NoError(t, c.Delete(0, 5, 2))

	want := append([]byte(nil), old...)
	copy(want[types.SectorSize:], fresh)
	got := readSectors(t, c, 0, 4, testSPP)
	assert.Equal(t, want, got)
	assert.NotEqual(t, old[types.SectorSize:2*types.SectorSize], got[types.SectorSize:2*types.SectorSize])

	// completing the page delete drops every copy
	require.NoError(t, c.Delete(0, 4, 1))
	require.NoError(t, c.Delete(0, 7, 1))
	assert.Equal(t, erasedSectors(testSPP), readSectors(t, c, 0, 4, testSPP))

	require.NoError(t, c.CloseZone(0, CloseNormal))
	require.NoError(t, c.OpenZone(0))
	assert.Equal(t, erasedSectors(testSPP), readSectors(t, c, 0, 4, testSPP))
	requireConsistent(t, c)
}

func TestFullDeleteOfBufferedPageSkipsFlush(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)
	z := c.zones[0]

	require.NoError(t, c.Write(0, 4, testSPP, pattern(testSPP, 0x22), 0))
	require.NoError(t, c.Write(0, 6, 1, pattern(1, 0x44), 0))
	programmed := z.ctx.Counters.PagesProgrammed

	require.NoError(t, c.Delete(0, 4, testSPP))
	assert.Equal(t, programmed, z.ctx.Counters.PagesProgrammed)
	assert.False(t, z.ctx.Buffer.Dirty)
	assert.Equal(t, erasedSectors(testSPP), readSectors(t, c, 0, 4, testSPP))
}

func TestDeleteIsIdempotent(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)
	z := c.zones[0]

	require.NoError(t, c.Write(0, 12, testSPP, pattern(testSPP, 8), WriteSync))
	require.NoError(t, c.Delete(0, 12, testSPP))
	require.NoError(t, c.Sync(0))

	g := z.residentGroup(0)
	require.NotNil(t, g)
	assert.Equal(t, loggroup.PageDeleted, g.PageMap[3])
	assert.Zero(t, g.TotalValid())
	before := g.Clone()

	require.NoError(t, c.Delete(0, 12, testSPP))
	require.NoError(t, c.Sync(0))
	assert.Equal(t, before.PageMap, g.PageMap)
	assert.Zero(t, g.TotalValid())
	require.NoError(t, g.Validate())

	assert.Equal(t, erasedSectors(testSPP), readSectors(t, c, 0, 12, testSPP))
	requireConsistent(t, c)
}

func TestPartialDeleteIsAdvisory(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	data := pattern(testSPP, 40)
	require.NoError(t, c.Write(0, 0, testSPP, data, WriteSync))
	require.NoError(t, c.Delete(0, 1, 2))

	// a page is only invalidated once every sector of it has been deleted
	assert.Equal(t, data, readSectors(t, c, 0, 0, testSPP))

	require.NoError(t, c.Delete(0, 0, 1))
	require.NoError(t, c.Delete(0, 3, 1))
	assert.Equal(t, erasedSectors(testSPP), readSectors(t, c, 0, 0, testSPP))
}

func TestSyncDropsPartialDeleteBits(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	data := pattern(testSPP, 41)
	require.NoError(t, c.Write(0, 0, testSPP, data, WriteSync))
	require.NoError(t, c.Delete(0, 0, 2))
	require.NoError(t, c.Sync(0))
	require.NoError(t, c.Delete(0, 2, 2))

	assert.Equal(t, data, readSectors(t, c, 0, 0, testSPP))
}

func TestDeleteThenRewrite(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	require.NoError(t, c.Write(0, 64, 8, pattern(8, 1), 0))
	require.NoError(t, c.Delete(0, 64, 8))
	require.NoError(t, c.Write(0, 64, 8, pattern(8, 2), 0))

	assert.Equal(t, pattern(8, 2), readSectors(t, c, 0, 64, 8))
	require.NoError(t, c.CloseZone(0, CloseNormal))
	require.NoError(t, c.OpenZone(0))
	assert.Equal(t, pattern(8, 2), readSectors(t, c, 0, 64, 8))
	requireConsistent(t, c)
}

func TestDeletingMergedBlockParksIt(t *testing.T) {
	cfg := testConfig()
	c, _ := newTestCluster(t, cfg, 96)

	// fill block 0 of group 0 and fold it into a data block
	n := cfg.PagesPerBlock * testSPP
	require.NoError(t, c.Write(0, 0, n, pattern(n, 5), WriteSync))
	_, err := c.Defragment(0, false)
	require.NoError(t, err)

	z := c.zones[0]
	require.NoError(t, z.switchArea(0))
	require.True(t, z.bmt.IsMapped(0))

	require.NoError(t, c.Delete(0, 0, n))
	require.NoError(t, c.Sync(0))

	require.NoError(t, z.switchArea(0))
	assert.True(t, z.bmt.IsParked(0), "fully deleted data block is parked")
	assert.True(t, z.dirtyAreas.Test(0))
	assert.Equal(t, erasedSectors(n), readSectors(t, c, 0, 0, n))
	requireConsistent(t, c)
}
