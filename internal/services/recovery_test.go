package services

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-nandftl/internal/device"
	"github.com/deploymenttheory/go-nandftl/internal/managers/freelist"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

func TestReplayUncommittedLogPages(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	data := pattern(6*testSPP, 12)
	require.NoError(t, c.Write(0, 0, 6*testSPP, data, 0))
	require.NoError(t, c.CloseZone(0, ClosePowerLoss))
	require.NoError(t, c.OpenZone(0))

	assert.Equal(t, data, readSectors(t, c, 0, 0, 6*testSPP))
	requireConsistent(t, c)
}

func TestReplayBufferedSectors(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	require.NoError(t, c.Write(0, 5, 1, pattern(1, 30), 0))
	require.NoError(t, c.Write(0, 6, 1, pattern(1, 31), 0))
	require.NoError(t, c.CloseZone(0, ClosePowerLoss))
	require.NoError(t, c.OpenZone(0))

	want := append(pattern(1, 30), pattern(1, 31)...)
	assert.Equal(t, want, readSectors(t, c, 0, 5, 2))
	requireConsistent(t, c)
}

func TestPowerLossDuringOverwrites(t *testing.T) {
	cfg := testConfig()
	version := func(i int) []byte {
		return bytes.Repeat([]byte{byte(i + 1)}, cfg.PageSize)
	}

	for cut := 0; cut < 120; cut += 7 {
		t.Run(fmt.Sprintf("cut after %d ops", cut), func(t *testing.T) {
			c, dev := newTestCluster(t, cfg, 96)

			base := pattern(4*testSPP, 0xA0)
			require.NoError(t, c.Write(0, 400, 4*testSPP, base, WriteSync))
			require.NoError(t, c.Write(0, 0, testSPP, version(0), WriteSync))

			dev.CutPowerAfter(cut, true)
			attempted := 0
			for i := 1; i <= 5*cfg.PagesPerBlock; i++ {
				attempted = i
				if err := c.Write(0, 0, testSPP, version(i), 0); err != nil {
					break
				}
			}
			dev.Restore()

			require.NoError(t, c.CloseZone(0, ClosePowerLoss))
			require.NoError(t, c.OpenZone(0))

			assert.Equal(t, base, readSectors(t, c, 0, 400, 4*testSPP), "synced data survives")

			got := readSectors(t, c, 0, 0, testSPP)
			v := int(got[0]) - 1
			require.True(t, v >= 0 && v <= attempted, "lpn 0 holds version %d, %d attempted", v, attempted)
			assert.Equal(t, version(v), got, "lpn 0 is one whole version")
			requireConsistent(t, c)

			// the recovered zone accepts new writes
			require.NoError(t, c.Write(0, 0, testSPP, version(200), WriteSync))
			assert.Equal(t, version(200), readSectors(t, c, 0, 0, testSPP))
		})
	}
}

func TestPowerLossDuringFormatLeavesZoneUnformatted(t *testing.T) {
	cfg := testConfig()
	dev := device.NewMemoryNAND(flashGeometry(cfg, 96))
	c, err := NewCluster(dev, cfg, []int{96})
	require.NoError(t, err)

	// the root record lands but the meta blocks never get a header
	dev.CutPowerAfter(3, false)
	require.Error(t, c.Format())
	dev.Restore()

	assert.ErrorIs(t, c.OpenZone(0), types.ErrUnformatted)
}

func TestFailedRelocationLocksZone(t *testing.T) {
	c, dev := newTestCluster(t, testConfig(), 96)
	z := c.zones[0]

	data := pattern(testSPP, 50)
	require.NoError(t, c.Write(0, 0, testSPP, data, WriteSync))

	head := z.free.At(0)
	z.free.Set(0, freelist.Entry{VBN: head.VBN, EC: 500})

	dev.FailNext(device.OpCopyBack, nil)
	_, err := c.WearLevel(0, 1)
	require.ErrorIs(t, err, device.ErrInjected)

	st, err := c.Stats(0)
	require.NoError(t, err)
	assert.True(t, st.Locked)

	err = c.Write(0, 0, testSPP, data, 0)
	assert.ErrorIs(t, err, types.ErrPartitionLocked)
	assert.Equal(t, types.KindLocked, types.KindOf(err))
	assert.ErrorIs(t, c.Delete(0, 0, 1), types.ErrPartitionLocked)
	assert.Equal(t, data, readSectors(t, c, 0, 0, testSPP), "reads still work on a locked zone")

	require.NoError(t, c.CloseZone(0, CloseNormal))
	require.NoError(t, c.OpenZone(0))
	assert.Equal(t, data, readSectors(t, c, 0, 0, testSPP))
	require.NoError(t, c.Write(0, 4, testSPP, data, WriteSync))
	requireConsistent(t, c)
}
