package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/managers/loggroup"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// mergeGroup folds every log of g back into its data blocks. Each data block is
// rebuilt and committed on its own, so a power loss leaves at most one block of work
// to redo and the committed tables never reference a half-written block.
func (z *zone) mergeGroup(g *loggroup.Group) error {
	if err := z.checkWritable(); err != nil {
		return err
	}
	g.Dirty = true
	if err := z.reverseGC(z.geo.BlocksPerGroup + z.geo.LogsPerGroup); err != nil {
		return err
	}
	z.log.Debug("merging log group", zap.Uint32("dgn", uint32(g.DGN)), zap.Int("logs", g.NumLogs))

	for blk := 0; blk < z.geo.BlocksPerGroup; blk++ {
		if !g.BlockHasUpdates(blk) {
			continue
		}
		if z.free.Len() == 0 {
			if _, err := z.gc(1); err != nil {
				return err
			}
		}
		lan, slot := z.groupSlot(g.DGN, blk)
		if err := z.switchArea(lan); err != nil {
			return err
		}

		switch {
		case g.BlockFullyDeleted(blk):
			if z.bmt.IsMapped(slot) {
				z.bmt.MarkGarbage(slot)
				z.markBMTDirty()
				z.dirtyAreas.Set(uint(lan))
			}
			g.ResetBlock(blk)
		case z.switchCandidate(g, blk) != loggroup.NoLog:
			if err := z.switchMerge(g, blk, slot, z.switchCandidate(g, blk)); err != nil {
				return err
			}
		default:
			if err := z.copyMerge(g, blk, slot); err != nil {
				return err
			}
		}
		// logs emptied by this block go back before the next copy needs a block
		for _, s := range g.Slots() {
			if g.Log(s).ValidPages() == 0 {
				if err := z.dropLog(g, s); err != nil {
					return err
				}
			}
		}
		if err := z.settle(); err != nil {
			return err
		}
	}

	for _, s := range g.Slots() {
		if g.Log(s).ValidPages() != 0 {
			return types.Invariantf("zone %d group %d log %s keeps %d valid pages after merge",
				z.id, g.DGN, g.Log(s).VBN, g.Log(s).ValidPages())
		}
		if err := z.dropLog(g, s); err != nil {
			return err
		}
	}
	z.ctx.Counters.Merges++
	return z.settle()
}

// switchCandidate returns a full sequential log holding every page of blk in place
func (z *zone) switchCandidate(g *loggroup.Group, blk int) int {
	ppb := z.geo.PagesPerBlock
	for _, s := range g.Slots() {
		l := g.Log(s)
		if l.Status.Base == types.LogSeq && l.SeqBlock == blk && l.Clean == ppb && l.ValidPages() == ppb {
			return s
		}
	}
	return loggroup.NoLog
}

// switchMerge installs a sequential log as the data block of blk without copying
func (z *zone) switchMerge(g *loggroup.Group, blk, slot, s int) error {
	l := g.Log(s)
	vbn, ec := l.VBN, l.EC
	old := z.bmt.Entries[slot]

	if l.Status.Active {
		z.deactivate(g, s)
	}
	g.DetachBlock(blk)
	if _, err := g.RemoveLog(s); err != nil {
		return err
	}
	z.bmt.Map(slot, vbn, ec)
	z.markBMTDirty()
	if old.VBN != types.NullVBN {
		z.release(old.VBN, old.EC)
	}
	z.log.Debug("switch merge", zap.Uint32("dgn", uint32(g.DGN)), zap.Int("block", blk), zap.Stringer("vbn", vbn))
	return nil
}

// copyMerge rebuilds the data block of blk from its newest page copies
func (z *zone) copyMerge(g *loggroup.Group, blk, slot int) error {
	ppb := z.geo.PagesPerBlock
	old := z.bmt.Entries[slot]
	reuse := z.bmt.IsParked(slot)
	mapped := z.bmt.IsMapped(slot)

	var dst types.VBN
	var ec uint32
	if reuse {
		erased, err := z.eraseBlock(old.VBN, old.EC)
		if err != nil {
			return err
		}
		dst, ec = old.VBN, erased
		z.bmt.Park(slot, dst, ec)
		z.markBMTDirty()
	} else {
		e, err := z.popFree()
		if err != nil {
			return err
		}
		dst, ec = e.VBN, e.EC
	}

	written := 0
	for p := 0; p < ppb; p++ {
		off := blk*ppb + p
		var src types.VPN
		switch loc := g.Locate(off); loc.Kind {
		case loggroup.InLog:
			src = z.geo.VPN(g.Log(loc.Slot).VBN, loc.Page)
		case loggroup.InDataBlock:
			if !mapped {
				continue
			}
			src = z.geo.VPN(old.VBN, p)
		default:
			continue
		}
		sp, ok, err := z.relocatedSpare(src, types.PTFData, g.DGN, off)
		if err != nil {
			return z.lock("merge data block", err)
		}
		if !ok {
			continue
		}
		if err := z.dev.ModifyCopyBack(src, z.geo.VPN(dst, p), nil, 0, sp); err != nil {
			return z.lock("merge data block", fmt.Errorf("failed to copy page %d: %w", src, err))
		}
		z.ctx.Counters.PagesCopied++
		written++
	}

	if written == 0 {
		z.bmt.Park(slot, dst, ec)
		z.dirtyAreas.Set(uint(z.bmt.Area))
	} else {
		z.bmt.Map(slot, dst, ec)
	}
	z.markBMTDirty()
	if mapped {
		z.release(old.VBN, old.EC)
	}
	g.DetachBlock(blk)
	return nil
}
