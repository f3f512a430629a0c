package services

import (
	"sort"

	"github.com/deploymenttheory/go-nandftl/internal/parsers/meta"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// ZoneStats is the state reported by the statistics query
type ZoneStats struct {
	Zone           int
	Sequence       uint32
	WriteAge       uint32
	LogicalSectors uint32
	FreeBlocks     int
	ReleasedBlocks int
	ActiveLogs     int
	ActiveGroups   int
	CachedGroups   int
	PendingGroups  int
	DirtyAreas     int
	ResidentArea   types.LAN
	MetaValid      []int
	Locked         bool
	Counters       meta.Counters
}

func (z *zone) stats() ZoneStats {
	s := ZoneStats{
		Zone:           z.id,
		Sequence:       z.hdr.Sequence,
		WriteAge:       z.ctx.WriteAge,
		LogicalSectors: z.layout.LogicalSectors(z.geo),
		FreeBlocks:     z.free.Len(),
		ReleasedBlocks: len(z.released),
		ActiveLogs:     len(z.activeLogs),
		ActiveGroups:   len(z.active),
		CachedGroups:   z.inactive.Len(),
		PendingGroups:  len(z.pending),
		DirtyAreas:     int(z.dirtyAreas.Count()),
		MetaValid:      append([]int(nil), z.metaLog.valid...),
		Locked:         z.locked,
		Counters:       z.ctx.Counters,
	}
	if z.bmt != nil {
		s.ResidentArea = z.bmt.Area
	}
	return s
}

// eraseCounts lists every block of the zone with its role and erase count, by VBN
func (z *zone) eraseCounts() ([]BlockRef, error) {
	refs, err := z.blockRefs()
	if err != nil {
		return nil, err
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].VBN < refs[j].VBN })
	return refs, nil
}

func (z *zone) setWearLevelThreshold(v uint32) error {
	if err := z.checkWritable(); err != nil {
		return err
	}
	if v == 0 {
		return types.Paramf("wear-level threshold must be positive")
	}
	z.ctx.WearLevelThreshold = v
	z.ctxDirty = true
	return z.commit()
}
