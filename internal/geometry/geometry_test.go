package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.PagesPerBlock = 16
	cfg.BlocksPerArea = 16
	cfg.ReservedBlocks = 12
	cfg.FreeSlots = 24
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	g, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 4, g.SectorsPerPage)
	assert.Equal(t, uint(2), g.SectorsPerShift)
	assert.Equal(t, uint(6), g.PagesPerShift)
	assert.Equal(t, 128, g.PagesPerGroup)
	assert.Equal(t, types.FullBitmap(4), g.FullBitmap)
	assert.Equal(t, 2048*64, g.BlockSizeInBytes)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"page size not a power of two", func(c *Config) { c.PageSize = 3000 }},
		{"page smaller than a sector", func(c *Config) { c.PageSize = 256 }},
		{"page wider than the sector bitmap", func(c *Config) { c.PageSize = 32768 }},
		{"pages per block too small", func(c *Config) { c.PagesPerBlock = 2 }},
		{"ways do not divide the block", func(c *Config) { c.Ways = 3 }},
		{"sectors per crc", func(c *Config) { c.SectorsPerCRC = 4 }},
		{"no root block", func(c *Config) { c.RootBlocks = 0 }},
		{"too few meta blocks", func(c *Config) { c.MetaBlocks = 2 }},
		{"blocks per group", func(c *Config) { c.BlocksPerGroup = 17 }},
		{"logs per group", func(c *Config) { c.LogsPerGroup = 0 }},
		{"area not a multiple of group", func(c *Config) { c.BlocksPerArea = 15 }},
		{"reserve too small", func(c *Config) { c.ReservedBlocks = 4 }},
		{"free slots too few", func(c *Config) { c.FreeSlots = 10 }},
		{"no active logs", func(c *Config) { c.MaxActiveLogs = 0 }},
		{"no active groups", func(c *Config) { c.MaxActiveGroups = 0 }},
		{"no inactive cache", func(c *Config) { c.InactiveCacheSize = 0 }},
		{"no write pages", func(c *Config) { c.MaxWritePages = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, types.ErrInvalidParameter)
		})
	}
}

func TestAddressArithmetic(t *testing.T) {
	g, err := New(smallConfig())
	require.NoError(t, err)

	vpn := g.VPN(7, 5)
	assert.Equal(t, types.VPN(7*16+5), vpn)
	assert.Equal(t, types.VBN(7), g.BlockOf(vpn))
	assert.Equal(t, 5, g.PageOf(vpn))

	lpn, sec := g.SplitLSN(4*77 + 3)
	assert.Equal(t, types.LPN(77), lpn)
	assert.Equal(t, 3, sec)

	// lpn 77 = block 4 (group 2, block-in-group 0), page 13
	dgn, blk, pib := g.SplitLPN(77)
	assert.Equal(t, types.DGN(2), dgn)
	assert.Equal(t, 0, blk)
	assert.Equal(t, 13, pib)
	assert.Equal(t, 13, g.GroupOffset(77))
	assert.Equal(t, types.LPN(77), g.LPNOf(dgn, g.GroupOffset(77)))
	assert.Equal(t, uint32(4), g.LBNOf(77))

	lan, slot := g.AreaOfLBN(37)
	assert.Equal(t, types.LAN(2), lan)
	assert.Equal(t, 5, slot)
	lan, slot = g.AreaOfGroup(9)
	assert.Equal(t, types.LAN(1), lan)
	assert.Equal(t, 2, slot)
	assert.Equal(t, 1, g.WayOf(13))
}

func TestZoneLayout(t *testing.T) {
	g, err := New(smallConfig())
	require.NoError(t, err)

	layouts, err := ClusterLayout(g, []int{96, 96})
	require.NoError(t, err)
	require.Len(t, layouts, 2)
	assert.Equal(t, 192, TotalBlocks(layouts))

	z0 := layouts[0]
	assert.Equal(t, []types.VBN{0}, z0.RootVBNs)
	assert.Len(t, z0.MetaVBNs, 8)
	assert.Equal(t, types.VBN(9), z0.BufferVBN)
	assert.Equal(t, types.VBN(10), z0.UserStart)
	assert.Equal(t, 86, z0.UserBlocks)
	assert.Equal(t, 74, z0.LogicalBlocks)
	assert.Equal(t, 5, z0.NumAreas)
	assert.Equal(t, 37, z0.NumGroups)
	assert.Equal(t, 18, z0.InitialFree(g))
	assert.Equal(t, 10, z0.AreaSlots(g, 4))
	assert.Zero(t, z0.AreaSlots(g, 5))
	assert.Equal(t, uint32(74*16*4), z0.LogicalSectors(g))
	assert.True(t, z0.IsMeta(3))
	assert.False(t, z0.IsMeta(9))

	z1 := layouts[1]
	assert.Empty(t, z1.RootVBNs, "root blocks live in zone 0 only")
	assert.Equal(t, types.VBN(96), z1.StartVBN)
	assert.Equal(t, types.VBN(96), z1.MetaVBNs[0])
	assert.Equal(t, 87, z1.UserBlocks)
	assert.True(t, z1.Contains(191))
	assert.False(t, z1.Contains(95))
}

func TestZoneLayoutRejectsTinyZones(t *testing.T) {
	g, err := New(smallConfig())
	require.NoError(t, err)

	_, err = ClusterLayout(g, []int{20})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = ClusterLayout(g, nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = ClusterLayout(g, make([]int, types.MaxZones+1))
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
