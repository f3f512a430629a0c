package services

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deploymenttheory/go-nandftl/internal/device"
	"github.com/deploymenttheory/go-nandftl/internal/geometry"
	"github.com/deploymenttheory/go-nandftl/internal/interfaces"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

const testSPP = 4

// testConfig is a small geometry: 16 pages per block, 2KiB pages, 96-block zones
func testConfig() geometry.Config {
	return geometry.Config{
		PageSize:           2048,
		SpareSize:          64,
		PagesPerBlock:      16,
		Ways:               2,
		SectorsPerCRC:      1,
		RootBlocks:         1,
		MetaBlocks:         8,
		BufferBlock:        true,
		BlocksPerGroup:     2,
		LogsPerGroup:       4,
		BlocksPerArea:      16,
		ReservedBlocks:     12,
		FreeSlots:          24,
		MaxActiveLogs:      4,
		MaxActiveGroups:    3,
		InactiveCacheSize:  8,
		MaxWritePages:      8,
		WearLevelThreshold: 64,
	}
}

func flashGeometry(cfg geometry.Config, blocks int) interfaces.FlashGeometry {
	return interfaces.FlashGeometry{
		PageSize:      cfg.PageSize,
		SpareSize:     cfg.SpareSize,
		PagesPerBlock: cfg.PagesPerBlock,
		TotalBlocks:   blocks,
	}
}

// newTestCluster formats a cluster on a fresh memory device and opens every zone
func newTestCluster(t *testing.T, cfg geometry.Config, zoneBlocks ...int) (*Cluster, *device.MemoryNAND) {
	t.Helper()
	total := 0
	for _, n := range zoneBlocks {
		total += n
	}
	dev := device.NewMemoryNAND(flashGeometry(cfg, total))
	c, err := NewCluster(dev, cfg, zoneBlocks, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, c.Format())
	for id := range zoneBlocks {
		require.NoError(t, c.OpenZone(id))
	}
	return c, dev
}

// pattern returns n sectors of deterministic content
func pattern(n int, seed byte) []byte {
	buf := make([]byte, n*types.SectorSize)
	for i := range buf {
		buf[i] = seed + byte(i/types.SectorSize)*7 + byte(i%251)
	}
	return buf
}

func readSectors(t *testing.T, c *Cluster, zone int, lsn types.LSN, n int) []byte {
	t.Helper()
	buf := make([]byte, n*types.SectorSize)
	require.NoError(t, c.Read(zone, lsn, n, buf))
	return buf
}

func requireConsistent(t *testing.T, c *Cluster) {
	t.Helper()
	r, err := c.CheckConsistency()
	require.NoError(t, err)
	require.True(t, r.OK(), "consistency issues: %v", r.Issues)
}

func TestFormatOpenEmptyZoneReadsErased(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	got := readSectors(t, c, 0, 0, 8)
	assert.Equal(t, bytes.Repeat([]byte{types.ErasedByte}, len(got)), got)

	require.NotNil(t, c.RootInfo())
	assert.Equal(t, []uint32{96}, c.RootInfo().ZoneBlocks)
	requireConsistent(t, c)
}

func TestOpenUnformattedDevice(t *testing.T) {
	cfg := testConfig()
	dev := device.NewMemoryNAND(flashGeometry(cfg, 96))
	c, err := NewCluster(dev, cfg, []int{96}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	err = c.OpenZone(0)
	assert.ErrorIs(t, err, types.ErrUnformatted)
	assert.False(t, c.IsOpen(0))
}

func TestNewClusterRejectsMismatchedDevice(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		name string
		geom interfaces.FlashGeometry
	}{
		{"page size", interfaces.FlashGeometry{PageSize: 4096, SpareSize: 64, PagesPerBlock: 16, TotalBlocks: 96}},
		{"pages per block", interfaces.FlashGeometry{PageSize: 2048, SpareSize: 64, PagesPerBlock: 32, TotalBlocks: 96}},
		{"spare size", interfaces.FlashGeometry{PageSize: 2048, SpareSize: 16, PagesPerBlock: 16, TotalBlocks: 96}},
		{"too few blocks", interfaces.FlashGeometry{PageSize: 2048, SpareSize: 64, PagesPerBlock: 16, TotalBlocks: 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCluster(device.NewMemoryNAND(tt.geom), cfg, []int{96})
			assert.ErrorIs(t, err, types.ErrInvalidParameter)
		})
	}

	_, err := NewCluster(nil, cfg, []int{96})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestZoneLifecycleErrors(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	assert.ErrorIs(t, c.OpenZone(0), types.ErrZoneAlreadyOpen)
	assert.ErrorIs(t, c.Format(), types.ErrZoneAlreadyOpen)
	assert.ErrorIs(t, c.OpenZone(1), types.ErrInvalidParameter)

	require.NoError(t, c.CloseZone(0, CloseNormal))
	assert.False(t, c.IsOpen(0))
	assert.ErrorIs(t, c.CloseZone(0, CloseNormal), types.ErrZoneNotOpen)

	buf := make([]byte, types.SectorSize)
	assert.ErrorIs(t, c.Read(0, 0, 1, buf), types.ErrZoneNotOpen)
	assert.ErrorIs(t, c.Write(0, 0, 1, buf, 0), types.ErrZoneNotOpen)
	assert.ErrorIs(t, c.Delete(0, 0, 1), types.ErrZoneNotOpen)
	_, err := c.Stats(0)
	assert.ErrorIs(t, err, types.ErrZoneNotOpen)
}

func TestRangeChecks(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)
	total, err := c.LogSectorCount(0)
	require.NoError(t, err)

	buf := make([]byte, 8*types.SectorSize)
	tests := []struct {
		name string
		lsn  types.LSN
		n    int
	}{
		{"zero sectors", 0, 0},
		{"past the end", types.LSN(total), 1},
		{"straddles the end", types.LSN(total) - 2, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, c.Read(0, tt.lsn, tt.n, buf), types.ErrInvalidParameter)
			assert.ErrorIs(t, c.Write(0, tt.lsn, tt.n, buf, 0), types.ErrInvalidParameter)
			assert.ErrorIs(t, c.Delete(0, tt.lsn, tt.n), types.ErrInvalidParameter)
		})
	}

	assert.ErrorIs(t, c.Write(0, 0, 8, buf[:types.SectorSize], 0), types.ErrInvalidParameter)
}

func TestIoctls(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	sectors, err := c.LogSectorCount(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(74*16*testSPP), sectors)

	th, err := c.WearLevelThreshold(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), th)

	assert.ErrorIs(t, c.SetWearLevelThreshold(0, 0), types.ErrInvalidParameter)
	require.NoError(t, c.SetWearLevelThreshold(0, 100))

	refs, err := c.EraseCounts(0)
	require.NoError(t, err)
	assert.Len(t, refs, 96)
	kinds := map[types.BlockKind]int{}
	for i, r := range refs {
		assert.Equal(t, types.VBN(i), r.VBN)
		kinds[r.Kind]++
	}
	assert.Equal(t, 1, kinds[types.BlockKindRoot])
	assert.Equal(t, 8, kinds[types.BlockKindMeta])
	assert.Equal(t, 1, kinds[types.BlockKindBuffer])
	assert.Equal(t, 18, kinds[types.BlockKindFree])
	assert.Equal(t, 68, kinds[types.BlockKindParked])

	st, err := c.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, 18, st.FreeBlocks)
	assert.Equal(t, sectors, st.LogicalSectors)
	assert.False(t, st.Locked)

	require.NoError(t, c.CloseZone(0, CloseNormal))
	require.NoError(t, c.OpenZone(0))
	th, err = c.WearLevelThreshold(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), th, "threshold survives a reopen")
}

func TestStatsCountHostTraffic(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)

	require.NoError(t, c.Write(0, 0, 8, pattern(8, 1), 0))
	readSectors(t, c, 0, 0, 8)
	require.NoError(t, c.Delete(0, 0, 4))

	st, err := c.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), st.Counters.HostWrites)
	assert.Equal(t, uint64(8), st.Counters.HostReads)
	assert.Equal(t, uint64(4), st.Counters.HostDeletes)
	assert.Equal(t, uint64(2), st.Counters.PagesProgrammed)
	assert.Equal(t, 1, st.ActiveLogs)
}

func TestImageDeviceRoundTrip(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "nand.img")
	img, err := device.CreateImage(&device.ImageConfig{
		Path:          path,
		PageSize:      cfg.PageSize,
		SpareSize:     cfg.SpareSize,
		PagesPerBlock: cfg.PagesPerBlock,
		TotalBlocks:   96,
	})
	require.NoError(t, err)

	c, err := NewCluster(img, cfg, []int{96}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, c.Format())
	require.NoError(t, c.OpenZone(0))

	data := pattern(40, 9)
	require.NoError(t, c.Write(0, 6, 40, data, 0))
	require.NoError(t, c.Close(CloseNormal))
	require.NoError(t, img.Close())

	img, err = device.OpenImage(path)
	require.NoError(t, err)
	defer img.Close()

	c, err = NewCluster(img, cfg, []int{96}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, c.OpenZone(0))
	assert.Equal(t, data, readSectors(t, c, 0, 6, 40))
	requireConsistent(t, c)
}

func TestReopenRejectsForeignGeometry(t *testing.T) {
	cfg := testConfig()
	dev := device.NewMemoryNAND(flashGeometry(cfg, 96))
	c, err := NewCluster(dev, cfg, []int{96})
	require.NoError(t, err)
	require.NoError(t, c.Format())

	other := cfg
	other.LogsPerGroup = 3
	c, err = NewCluster(dev, other, []int{96})
	require.NoError(t, err)
	assert.ErrorIs(t, c.OpenZone(0), types.ErrCorrupted)
}

func TestSpareOfUnprogrammedLogPage(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(), 96)
	z := c.zones[0]

	require.NoError(t, c.Write(0, 0, testSPP, pattern(testSPP, 3), WriteSync))
	g := z.residentGroup(0)
	require.NotNil(t, g)
	l := g.Log(g.Slots()[0])

	_, erased, err := z.readSpare(z.geo.VPN(l.VBN, 0))
	require.NoError(t, err)
	assert.False(t, erased)

	vpn := z.geo.VPN(l.VBN, 1)
	_, erased, err = z.readSpare(vpn)
	require.NoError(t, err)
	assert.True(t, erased)

	sp, ok, err := z.relocatedSpare(vpn, types.PTFData, 0, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, sp)
}
