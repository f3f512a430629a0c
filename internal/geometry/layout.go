package geometry

import (
	"fmt"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// maxGroups bounds the data groups of a zone; spare areas carry the DGN in 16 bits
const maxGroups = 0xFFFF

// ZoneLayout partitions one zone's block span into root, meta, buffer and user blocks
// and derives the logical capacity it exports.
type ZoneLayout struct {
	Zone      int
	StartVBN  types.VBN
	NumBlocks int

	RootVBNs  []types.VBN
	MetaVBNs  []types.VBN
	BufferVBN types.VBN

	UserStart  types.VBN
	UserBlocks int

	LogicalBlocks int
	NumAreas      int
	NumGroups     int
}

// NewZoneLayout derives the layout of a zone occupying [start, start+numBlocks).
// Root blocks are cluster-wide and live at the head of zone 0 only.
func NewZoneLayout(g *Geometry, zone int, start types.VBN, numBlocks int) (*ZoneLayout, error) {
	if zone < 0 || zone >= types.MaxZones {
		return nil, fmt.Errorf("%w: zone %d out of range", types.ErrInvalidParameter, zone)
	}

	zl := &ZoneLayout{
		Zone:      zone,
		StartVBN:  start,
		NumBlocks: numBlocks,
		BufferVBN: types.NullVBN,
	}

	next := uint32(start)
	if zone == 0 {
		for i := 0; i < g.RootBlocks; i++ {
			zl.RootVBNs = append(zl.RootVBNs, types.VBN(next))
			next++
		}
	}
	for i := 0; i < g.MetaBlocks; i++ {
		zl.MetaVBNs = append(zl.MetaVBNs, types.VBN(next))
		next++
	}
	if g.BufferBlock {
		zl.BufferVBN = types.VBN(next)
		next++
	}

	zl.UserStart = types.VBN(next)
	zl.UserBlocks = numBlocks - int(next-uint32(start))
	if zl.UserBlocks <= g.ReservedBlocks {
		return nil, fmt.Errorf("%w: zone %d has %d user blocks, need more than %d reserved",
			types.ErrInvalidParameter, zone, zl.UserBlocks, g.ReservedBlocks)
	}

	logical := zl.UserBlocks - g.ReservedBlocks
	logical -= logical % g.BlocksPerGroup
	if logical < g.BlocksPerGroup {
		return nil, fmt.Errorf("%w: zone %d too small for one data group", types.ErrInvalidParameter, zone)
	}
	if zl.UserBlocks-zl.InitialFree(g) > logical {
		return nil, fmt.Errorf("%w: zone %d has %d user blocks, free list and data slots hold only %d",
			types.ErrInvalidParameter, zone, zl.UserBlocks, zl.InitialFree(g)+logical)
	}

	zl.LogicalBlocks = logical
	zl.NumAreas = (logical + g.BlocksPerArea - 1) / g.BlocksPerArea
	zl.NumGroups = logical / g.BlocksPerGroup
	if zl.NumGroups > maxGroups {
		return nil, fmt.Errorf("%w: zone %d needs %d groups, spare areas address %d",
			types.ErrInvalidParameter, zone, zl.NumGroups, maxGroups)
	}
	return zl, nil
}

// InitialFree returns how many user blocks a freshly formatted zone keeps on its free
// list. The rest are parked in idle data slots, leaving room for one merge's releases.
func (zl *ZoneLayout) InitialFree(g *Geometry) int {
	return min(zl.UserBlocks, g.FreeSlots-g.BlocksPerGroup-g.LogsPerGroup)
}

// ClusterLayout lays the zones out back to back starting at block 0
func ClusterLayout(g *Geometry, zoneBlocks []int) ([]*ZoneLayout, error) {
	if len(zoneBlocks) == 0 || len(zoneBlocks) > types.MaxZones {
		return nil, fmt.Errorf("%w: cluster needs 1..%d zones, got %d", types.ErrInvalidParameter, types.MaxZones, len(zoneBlocks))
	}

	layouts := make([]*ZoneLayout, 0, len(zoneBlocks))
	start := types.VBN(0)
	for zone, n := range zoneBlocks {
		zl, err := NewZoneLayout(g, zone, start, n)
		if err != nil {
			return nil, err
		}
		layouts = append(layouts, zl)
		start += types.VBN(n)
	}
	return layouts, nil
}

// AreaSlots returns the number of BMT slots in lan; the last area may be partial
func (zl *ZoneLayout) AreaSlots(g *Geometry, lan types.LAN) int {
	first := int(lan) * g.BlocksPerArea
	if first >= zl.LogicalBlocks {
		return 0
	}
	return min(g.BlocksPerArea, zl.LogicalBlocks-first)
}

// LogicalPages returns the number of user pages the zone exports
func (zl *ZoneLayout) LogicalPages(g *Geometry) uint32 {
	return uint32(zl.LogicalBlocks * g.PagesPerBlock)
}

// LogicalSectors returns the number of user sectors the zone exports
func (zl *ZoneLayout) LogicalSectors(g *Geometry) uint32 {
	return zl.LogicalPages(g) * uint32(g.SectorsPerPage)
}

// Contains reports whether vbn lies inside the zone's span
func (zl *ZoneLayout) Contains(vbn types.VBN) bool {
	return vbn >= zl.StartVBN && uint32(vbn) < uint32(zl.StartVBN)+uint32(zl.NumBlocks)
}

// IsMeta reports whether vbn is one of the zone's meta blocks
func (zl *ZoneLayout) IsMeta(vbn types.VBN) bool {
	for _, m := range zl.MetaVBNs {
		if m == vbn {
			return true
		}
	}
	return false
}

// TotalBlocks sums the block counts of a cluster layout
func TotalBlocks(layouts []*ZoneLayout) int {
	total := 0
	for _, zl := range layouts {
		total += zl.NumBlocks
	}
	return total
}
