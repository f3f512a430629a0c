package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/managers/loggroup"
	"github.com/deploymenttheory/go-nandftl/internal/parsers/meta"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// exceedsThreshold reports whether a free block has worn past the least-worn occupied
// block by more than threshold. NullEC means no occupied block is known.
func exceedsThreshold(freeEC, minEC, threshold uint32) bool {
	return minEC != types.NullEC && freeEC > minEC && freeEC-minEC > threshold
}

// blockOwner identifies the table entry that references an occupied user block
type blockOwner struct {
	kind meta.OwnerKind
	lan  types.LAN
	slot int
	dgn  types.DGN
	vbn  types.VBN
	ec   uint32
}

// minOccupiedEC returns the lowest erase count held by a data or log block, using the
// directory summaries for everything not resident
func (z *zone) minOccupiedEC() (uint32, meta.OwnerKind, uint32) {
	best, kind, id := types.NullEC, meta.OwnerNone, uint32(0)
	for a := 0; a < z.layout.NumAreas; a++ {
		ec := z.hdr.AreaMinEC[a]
		if z.bmt != nil && int(z.bmt.Area) == a {
			ec, _ = z.bmt.MinEC()
		}
		if ec < best {
			best, kind, id = ec, meta.OwnerData, uint32(a)
		}
	}
	for d := 0; d < z.layout.NumGroups; d++ {
		ec := z.hdr.GroupMinEC[d]
		if g := z.residentGroup(types.DGN(d)); g != nil {
			ec = g.MinEC
		}
		if ec < best {
			best, kind, id = ec, meta.OwnerLog, uint32(d)
		}
	}
	return best, kind, id
}

// resolveOwner loads the table behind a summary hit and returns the exact block
func (z *zone) resolveOwner(kind meta.OwnerKind, id uint32) (blockOwner, error) {
	switch kind {
	case meta.OwnerData:
		lan := types.LAN(id)
		if err := z.switchArea(lan); err != nil {
			return blockOwner{}, err
		}
		ec, slot := z.bmt.MinEC()
		if slot < 0 {
			return blockOwner{}, types.Invariantf("zone %d area %d summary lists a mapped block, table has none", z.id, lan)
		}
		return blockOwner{kind: kind, lan: lan, slot: slot, vbn: z.bmt.Entries[slot].VBN, ec: ec}, nil
	case meta.OwnerLog:
		g, err := z.lookupGroup(types.DGN(id))
		if err != nil {
			return blockOwner{}, err
		}
		if g.MinECSlot == loggroup.NoLog {
			return blockOwner{}, types.Invariantf("zone %d group %d summary lists a log, group has none", z.id, id)
		}
		l := g.Log(g.MinECSlot)
		return blockOwner{kind: kind, dgn: g.DGN, slot: g.MinECSlot, vbn: l.VBN, ec: l.EC}, nil
	}
	return blockOwner{}, types.Invariantf("zone %d has no occupied block", z.id)
}

// maybeWearLevel performs one swap when the head of the free list is too worn
func (z *zone) maybeWearLevel() error {
	if z.free.Len() == 0 {
		return nil
	}
	minEC, _, _ := z.minOccupiedEC()
	if !exceedsThreshold(z.free.At(0).EC, minEC, z.ctx.WearLevelThreshold) {
		return nil
	}
	_, err := z.wearLevel(1)
	return err
}

// wearLevel swaps up to n worn free-list heads with the least-worn occupied blocks and
// returns the number of swaps performed
func (z *zone) wearLevel(n int) (int, error) {
	if err := z.checkWritable(); err != nil {
		return 0, err
	}
	swaps := 0
	for ; swaps < n && z.free.Len() > 0; swaps++ {
		minEC, kind, id := z.minOccupiedEC()
		if !exceedsThreshold(z.free.At(0).EC, minEC, z.ctx.WearLevelThreshold) {
			break
		}
		owner, err := z.resolveOwner(kind, id)
		if err != nil {
			return swaps, err
		}
		e, err := z.popFree()
		if err != nil {
			return swaps, err
		}
		if err := z.copyBlock(owner.vbn, e.VBN); err != nil {
			return swaps, z.lock("wear-level block", err)
		}
		if err := z.replaceOwner(owner, e.VBN, e.EC); err != nil {
			return swaps, err
		}
		z.release(owner.vbn, owner.ec)
		z.ctx.Counters.WearLevels++
		z.log.Debug("wear-level swap",
			zap.Stringer("from", owner.vbn), zap.Uint32("from_ec", owner.ec),
			zap.Stringer("to", e.VBN), zap.Uint32("to_ec", e.EC))
		if err := z.settle(); err != nil {
			return swaps, err
		}
	}
	return swaps, nil
}

// copyBlock copies every programmed page of src to the same position of the erased dst
func (z *zone) copyBlock(src, dst types.VBN) error {
	for p := 0; p < z.geo.PagesPerBlock; p++ {
		from := z.geo.VPN(src, p)
		_, erased, err := z.readSpare(from)
		if err != nil || erased {
			// torn pages carry nothing live and erased pages stay erased
			continue
		}
		if err := z.dev.CopyBack(from, z.geo.VPN(dst, p)); err != nil {
			return fmt.Errorf("failed to copy page %d: %w", from, err)
		}
		z.ctx.Counters.PagesCopied++
	}
	return nil
}

// replaceOwner points the owner's table entry at vbn
func (z *zone) replaceOwner(owner blockOwner, vbn types.VBN, ec uint32) error {
	switch owner.kind {
	case meta.OwnerData:
		if err := z.switchArea(owner.lan); err != nil {
			return err
		}
		if z.bmt.Entries[owner.slot].VBN != owner.vbn {
			return types.Invariantf("zone %d area %d slot %d moved during wear-leveling", z.id, owner.lan, owner.slot)
		}
		z.bmt.Map(owner.slot, vbn, ec)
		z.markBMTDirty()
	case meta.OwnerLog:
		g, err := z.lookupGroup(owner.dgn)
		if err != nil {
			return err
		}
		l := g.Log(owner.slot)
		if !l.InUse || l.VBN != owner.vbn {
			return types.Invariantf("zone %d group %d slot %d moved during wear-leveling", z.id, owner.dgn, owner.slot)
		}
		l.VBN, l.EC = vbn, ec
		g.RecomputeSummary()
		g.Dirty = true
		for i := range z.activeLogs {
			if z.activeLogs[i].vbn == owner.vbn {
				z.activeLogs[i].vbn = vbn
				z.activeDirty = true
				z.ctxDirty = true
			}
		}
	default:
		return types.Invariantf("zone %d cannot replace owner of kind %d", z.id, owner.kind)
	}
	return nil
}
