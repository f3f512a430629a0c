package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-nandftl/internal/managers/freelist"
	"github.com/deploymenttheory/go-nandftl/internal/parsers/meta"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

func TestExceedsThreshold(t *testing.T) {
	tests := []struct {
		name      string
		free, min uint32
		threshold uint32
		want      bool
	}{
		{"no occupied block", 500, types.NullEC, 64, false},
		{"free block younger", 3, 10, 64, false},
		{"within threshold", 74, 10, 64, false},
		{"past threshold", 75, 10, 64, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exceedsThreshold(tt.free, tt.min, tt.threshold))
		})
	}
}

// wearFreeHead pretends the head of the zone's free list has been erased ec times
func wearFreeHead(z *zone, ec uint32) types.VBN {
	head := z.free.At(0)
	z.free.Set(0, freelist.Entry{VBN: head.VBN, EC: ec})
	return head.VBN
}

func TestWearLevelSwapsWornFreeBlock(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)
	z := c.zones[0]

	data := pattern(2*testSPP, 11)
	require.NoError(t, c.Write(0, 0, 2*testSPP, data, WriteSync))
	g := z.residentGroup(0)
	require.NotNil(t, g)
	old := g.Log(g.Slots()[0]).VBN

	worn := wearFreeHead(z, 500)
	swaps, err := c.WearLevel(0, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, swaps)

	l := g.Log(g.Slots()[0])
	assert.Equal(t, worn, l.VBN)
	assert.Equal(t, uint32(501), l.EC)
	assert.True(t, z.free.Contains(old), "the young block returns to the free list")
	assert.Equal(t, data, readSectors(t, c, 0, 0, 2*testSPP))

	st, err := c.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Counters.WearLevels)
	requireConsistent(t, c)

	require.NoError(t, c.CloseZone(0, CloseNormal))
	require.NoError(t, c.OpenZone(0))
	assert.Equal(t, data, readSectors(t, c, 0, 0, 2*testSPP))
}

func TestWearLevelRunsOnLogAllocation(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)
	z := c.zones[0]

	require.NoError(t, c.Write(0, 0, testSPP, pattern(testSPP, 1), WriteSync))
	wearFreeHead(z, 500)

	// group 1 needs a new log, which first moves group 0's young log
	lsn := types.LSN(z.geo.PagesPerGroup * testSPP)
	require.NoError(t, c.Write(0, lsn, testSPP, pattern(testSPP, 2), WriteSync))

	st, err := c.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Counters.WearLevels)
	assert.Equal(t, pattern(testSPP, 1), readSectors(t, c, 0, 0, testSPP))
	assert.Equal(t, pattern(testSPP, 2), readSectors(t, c, 0, lsn, testSPP))
	requireConsistent(t, c)
}

func TestWearStaysBoundedUnderHotWrites(t *testing.T) {
	const threshold = 4
	cfg := testConfig()
	cfg.BufferBlock = false
	c, _ := newTestCluster(t, cfg, 96)
	require.NoError(t, c.SetWearLevelThreshold(0, threshold))

	total, err := c.LogSectorCount(0)
	require.NoError(t, err)
	cold := pattern(int(total), 90)
	for lsn := 0; lsn < int(total); lsn += 64 {
		n := min(64, int(total)-lsn)
		chunk := cold[lsn*types.SectorSize : (lsn+n)*types.SectorSize]
		require.NoError(t, c.Write(0, types.LSN(lsn), n, chunk, 0))
	}

	const hotPages = 8
	for i := 0; i < 4000; i++ {
		lsn := types.LSN(i%hotPages) * testSPP
		data := pattern(testSPP, byte(i))
		require.NoError(t, c.Write(0, lsn, testSPP, data, 0), "hot write %d", i)
		copy(cold[int(lsn)*types.SectorSize:], data)
	}
	for {
		swaps, err := c.WearLevel(0, 16)
		require.NoError(t, err)
		if swaps == 0 {
			break
		}
	}

	st, err := c.Stats(0)
	require.NoError(t, err)
	assert.NotZero(t, st.Counters.WearLevels)
	assert.Greater(t, st.Counters.Erases, uint64(96))

	refs, err := c.EraseCounts(0)
	require.NoError(t, err)
	lo, hi := types.NullEC, uint32(0)
	for _, r := range refs {
		switch r.Kind {
		case types.BlockKindData, types.BlockKindLog, types.BlockKindFree:
			lo, hi = min(lo, r.EC), max(hi, r.EC)
		}
	}
	assert.LessOrEqual(t, hi-lo, uint32(threshold+cfg.FreeSlots), "erase counts span %d..%d", lo, hi)

	assert.Equal(t, cold, readSectors(t, c, 0, 0, int(total)))
	requireConsistent(t, c)
}

func TestWearLevelNoopBelowThreshold(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	require.NoError(t, c.Write(0, 0, testSPP, pattern(testSPP, 1), WriteSync))
	swaps, err := c.WearLevel(0, 5)
	require.NoError(t, err)
	assert.Zero(t, swaps)
}

func TestGCRefillsFreeList(t *testing.T) {
	cfg := testConfig()
	c, _ := newTestCluster(t, cfg, 96)

	moved, err := c.GC(0)
	require.NoError(t, err)
	assert.Equal(t, cfg.FreeSlots-18, moved)

	st, err := c.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, cfg.FreeSlots, st.FreeBlocks)
	assert.Equal(t, uint64(1), st.Counters.GCRuns)

	moved, err = c.GC(0)
	require.NoError(t, err)
	assert.Zero(t, moved)
	requireConsistent(t, c)
}

func TestMergeWithFullFreeListParksBlocks(t *testing.T) {
	cfg := testConfig()
	c, _ := newTestCluster(t, cfg, 96)

	ppg := cfg.BlocksPerGroup * cfg.PagesPerBlock
	for d := 0; d < 6; d++ {
		lsn := types.LSN(d * ppg * testSPP)
		require.NoError(t, c.Write(0, lsn, 3*testSPP, pattern(3*testSPP, byte(d)), 0))
	}
	_, err := c.GC(0)
	require.NoError(t, err)

	res, err := c.Defragment(0, false)
	require.NoError(t, err)
	assert.Equal(t, 6, res.GroupsMerged)

	for d := 0; d < 6; d++ {
		lsn := types.LSN(d * ppg * testSPP)
		assert.Equal(t, pattern(3*testSPP, byte(d)), readSectors(t, c, 0, lsn, 3*testSPP), "group %d", d)
		assert.Zero(t, c.zones[0].groupLogCount(types.DGN(d)))
	}
	requireConsistent(t, c)
}

func TestDefragmentResetsEraseCounts(t *testing.T) {
	cfg := testConfig()
	c, _ := newTestCluster(t, cfg, 96)

	for i := 0; i < 3*cfg.PagesPerBlock; i++ {
		require.NoError(t, c.Write(0, types.LSN(i%5)*testSPP, testSPP, pattern(testSPP, byte(i)), 0))
	}

	res, err := c.Defragment(0, true)
	require.NoError(t, err)
	assert.True(t, res.ECReset)

	refs, err := c.EraseCounts(0)
	require.NoError(t, err)
	for _, r := range refs {
		switch r.Kind {
		case types.BlockKindData, types.BlockKindParked, types.BlockKindFree:
			assert.Zero(t, r.EC, "%s block %s", r.Kind, r.VBN)
		case types.BlockKindLog:
			t.Errorf("log %s survived defragmentation", r.VBN)
		}
	}
	for i := 0; i < 5; i++ {
		last := 3*cfg.PagesPerBlock - 5 + i
		lsn := types.LSN(last%5) * testSPP
		assert.Equal(t, pattern(testSPP, byte(last)), readSectors(t, c, 0, lsn, testSPP))
	}
	requireConsistent(t, c)
}

func TestGlobalWearLevelMovesBlockAcrossZones(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96, 96)
	z0, z1 := c.zones[0], c.zones[1]

	data := pattern(2*testSPP, 33)
	require.NoError(t, c.Write(1, 0, 2*testSPP, data, WriteSync))
	g := z1.residentGroup(0)
	require.NotNil(t, g)
	victim := g.Log(g.Slots()[0]).VBN

	worn := wearFreeHead(z0, 500)
	done, err := c.GlobalWearLevel()
	require.NoError(t, err)
	require.True(t, done)

	assert.Equal(t, worn, g.Log(g.Slots()[0]).VBN, "zone 1 now logs into zone 0's worn block")
	assert.True(t, z0.free.Contains(victim), "zone 0 received zone 1's young block")
	assert.Equal(t, meta.GlobalWLIdle, z0.ctx.GlobalWL.Phase)
	assert.Equal(t, data, readSectors(t, c, 1, 0, 2*testSPP))
	requireConsistent(t, c)

	done, err = c.GlobalWearLevel()
	require.NoError(t, err)
	assert.False(t, done, "nothing left past the threshold")

	require.NoError(t, c.Close(CloseNormal))
	require.NoError(t, c.OpenZone(0))
	require.NoError(t, c.OpenZone(1))
	assert.Equal(t, data, readSectors(t, c, 1, 0, 2*testSPP))
	requireConsistent(t, c)
}

func TestGlobalWearLevelNeedsZoneZero(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96, 96)
	require.NoError(t, c.CloseZone(0, CloseNormal))

	_, err := c.GlobalWearLevel()
	assert.ErrorIs(t, err, types.ErrZoneNotOpen)
}

func TestGlobalWearLevelRecoversAfterPowerLoss(t *testing.T) {
	for cut := 0; cut < 30; cut += 2 {
		t.Run(fmt.Sprintf("cut after %d ops", cut), func(t *testing.T) {
			c, dev := newTestCluster(t, testConfig(), 96, 96)

			data := pattern(2*testSPP, 44)
			require.NoError(t, c.Write(1, 0, 2*testSPP, data, WriteSync))
			wearFreeHead(c.zones[0], 500)

			dev.CutPowerAfter(cut, true)
			_, _ = c.GlobalWearLevel()
			dev.Restore()

			require.NoError(t, c.Close(ClosePowerLoss))
			require.NoError(t, c.OpenZone(0))
			require.NoError(t, c.OpenZone(1))

			assert.Equal(t, meta.GlobalWLIdle, c.zones[0].ctx.GlobalWL.Phase)
			assert.Equal(t, data, readSectors(t, c, 1, 0, 2*testSPP))
			requireConsistent(t, c)
		})
	}
}
