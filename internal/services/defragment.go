package services

import (
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// DefragResult summarizes one defragmentation pass of a zone
type DefragResult struct {
	GroupsMerged int
	BlocksFreed  int
	ECReset      bool
}

// defragment folds every log back into its data blocks, returns parked blocks to the
// free list and rewrites the BMT records into the newest meta blocks. With resetEC
// every erase count is cleared, which is meant for freshly manufactured parts.
func (z *zone) defragment(resetEC bool) (DefragResult, error) {
	var res DefragResult
	if err := z.checkWritable(); err != nil {
		return res, err
	}
	if err := z.flushDelete(); err != nil {
		return res, err
	}
	if err := z.flushBuffer(); err != nil {
		return res, err
	}

	for d := 0; d < z.layout.NumGroups; d++ {
		dgn := types.DGN(d)
		if z.residentGroup(dgn) == nil && z.hdr.PMTLocs[dgn] == types.NullVPN {
			continue
		}
		g, err := z.lookupGroup(dgn)
		if err != nil {
			return res, err
		}
		if isEmptyGroup(g) {
			continue
		}
		if err := z.mergeGroup(g); err != nil {
			return res, err
		}
		res.GroupsMerged++
	}

	freed, err := z.gc(z.free.Capacity())
	if err != nil {
		return res, err
	}
	res.BlocksFreed = freed

	for a := 0; a < z.layout.NumAreas; a++ {
		if err := z.switchArea(types.LAN(a)); err != nil {
			return res, err
		}
		z.bmtDirty = true
		if resetEC {
			z.resetAreaEC()
		}
	}
	if resetEC {
		z.resetBlockEC()
		res.ECReset = true
	}
	if err := z.settle(); err != nil {
		return res, err
	}
	if err := z.switchArea(0); err != nil {
		return res, err
	}
	z.log.Info("zone defragmented",
		zap.Int("groups_merged", res.GroupsMerged),
		zap.Int("blocks_freed", res.BlocksFreed),
		zap.Bool("ec_reset", resetEC))
	return res, nil
}

// resetAreaEC clears the erase counts of the resident BMT
func (z *zone) resetAreaEC() {
	t := z.bmt
	for slot, e := range t.Entries {
		switch {
		case t.IsIdle(slot):
		case t.IsParked(slot):
			t.Park(slot, e.VBN, 0)
		default:
			t.Map(slot, e.VBN, 0)
		}
	}
	z.markBMTDirty()
}

// resetBlockEC clears the erase counts held outside the BMTs
func (z *zone) resetBlockEC() {
	for i := 0; i < z.free.Len(); i++ {
		e := z.free.At(i)
		e.EC = 0
		z.free.Set(i, e)
	}
	for i := range z.released {
		z.released[i].EC = 0
	}
	for i := range z.metaLog.ec {
		z.metaLog.ec[i] = 0
	}
	z.ctx.Buffer.EC = 0
	for d := 0; d < z.layout.NumGroups; d++ {
		g := z.residentGroup(types.DGN(d))
		if g == nil {
			continue
		}
		for _, s := range g.Slots() {
			g.Log(s).EC = 0
		}
		g.RecomputeSummary()
		g.Dirty = true
	}
	z.ctxDirty = true
}
