package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/parsers/meta"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// Cross-zone wear-leveling moves a worn free block f of zone A into zone B in
// exchange for B's least-worn occupied block v. The swap is staged in zone 0's
// context so a power loss is rolled forward or back on the next open:
//
//	1. stage (A, B, f, v, owner) in zone 0 and commit zone 0
//	2. copy v to f
//	3. point B's owner at f and commit B
//	4. hand v to A and commit A
//	5. clear the staging record and commit zone 0

// globalWearLevel performs at most one cross-zone swap and reports whether it did
func (c *Cluster) globalWearLevel() (bool, error) {
	z0 := c.zones[0]
	if z0 == nil {
		return false, fmt.Errorf("%w: zone 0 stages cross-zone wear-leveling", types.ErrZoneNotOpen)
	}
	if z0.ctx.GlobalWL.Phase != meta.GlobalWLIdle {
		return false, fmt.Errorf("%w: an interrupted cross-zone swap awaits recovery", types.ErrInvalidParameter)
	}

	var src, dst *zone
	var srcEC, dstEC uint32 = 0, types.NullEC
	var kind meta.OwnerKind
	var ownerID uint32
	for _, z := range c.zones {
		if z == nil {
			continue
		}
		if err := z.checkWritable(); err != nil {
			return false, err
		}
		if z.free.Len() > 0 && (src == nil || z.free.At(0).EC > srcEC) {
			src, srcEC = z, z.free.At(0).EC
		}
	}
	for _, z := range c.zones {
		if z == nil || z == src {
			continue
		}
		if ec, k, id := z.minOccupiedEC(); ec < dstEC {
			dst, dstEC, kind, ownerID = z, ec, k, id
		}
	}
	if src == nil || dst == nil || !exceedsThreshold(srcEC, dstEC, z0.ctx.WearLevelThreshold) {
		return false, nil
	}

	owner, err := dst.resolveOwner(kind, ownerID)
	if err != nil {
		return false, err
	}
	f, err := src.popFree()
	if err != nil {
		return false, err
	}

	ownerSlot := owner.slot
	id := uint32(owner.lan)
	if owner.kind == meta.OwnerLog {
		id = uint32(owner.dgn)
	}
	z0.ctx.GlobalWL = meta.GlobalWL{
		Phase:     meta.GlobalWLStarted,
		SrcZone:   uint8(src.id),
		DstZone:   uint8(dst.id),
		FreeVBN:   f.VBN,
		FreeEC:    f.EC,
		VictimVBN: owner.vbn,
		VictimEC:  owner.ec,
		OwnerKind: owner.kind,
		OwnerID:   id,
		OwnerSlot: uint16(ownerSlot),
	}
	z0.ctxDirty = true
	if err := z0.commit(); err != nil {
		return false, err
	}

	if err := dst.copyBlock(owner.vbn, f.VBN); err != nil {
		return false, dst.lock("copy block across zones", err)
	}
	if err := dst.replaceOwner(owner, f.VBN, f.EC); err != nil {
		return false, err
	}
	if err := dst.settle(); err != nil {
		return false, err
	}

	src.release(owner.vbn, owner.ec)
	src.ctx.Counters.WearLevels++
	if err := src.settle(); err != nil {
		return false, err
	}

	z0.ctx.GlobalWL = meta.GlobalWL{}
	z0.ctxDirty = true
	if err := z0.commit(); err != nil {
		return false, err
	}
	c.log.Info("cross-zone wear-level swap",
		zap.Int("src_zone", src.id), zap.Int("dst_zone", dst.id),
		zap.Stringer("free", f.VBN), zap.Uint32("free_ec", f.EC),
		zap.Stringer("victim", owner.vbn), zap.Uint32("victim_ec", owner.ec))
	return true, nil
}

// ownerHolds reports whether the staged owner in z now references vbn
func (z *zone) ownerHolds(s meta.GlobalWL, vbn types.VBN) (bool, error) {
	switch s.OwnerKind {
	case meta.OwnerData:
		if err := z.switchArea(types.LAN(s.OwnerID)); err != nil {
			return false, err
		}
		slot := int(s.OwnerSlot)
		return slot < z.bmt.Slots() && z.bmt.Entries[slot].VBN == vbn, nil
	case meta.OwnerLog:
		g, err := z.lookupGroup(types.DGN(s.OwnerID))
		if err != nil {
			return false, err
		}
		return g.SlotOf(vbn) >= 0, nil
	}
	return false, types.Invariantf("zone %d staged swap has no owner", z.id)
}

// references reports whether vbn appears anywhere in z's tables
func (z *zone) references(vbn types.VBN) (bool, error) {
	refs, err := z.blockRefs()
	if err != nil {
		return false, err
	}
	for _, r := range refs {
		if r.VBN == vbn {
			return true, nil
		}
	}
	return false, nil
}

// recoverGlobalWL completes or undoes a cross-zone swap interrupted by a power loss.
// It runs once zone 0 and both zones of the staged swap are open.
func (c *Cluster) recoverGlobalWL() error {
	z0 := c.zones[0]
	if z0 == nil || z0.ctx.GlobalWL.Phase != meta.GlobalWLStarted {
		return nil
	}
	s := z0.ctx.GlobalWL
	if int(s.SrcZone) >= len(c.zones) || int(s.DstZone) >= len(c.zones) {
		return fmt.Errorf("%w: staged swap names zones %d and %d", types.ErrCorrupted, s.SrcZone, s.DstZone)
	}
	src, dst := c.zones[s.SrcZone], c.zones[s.DstZone]
	if src == nil || dst == nil {
		return nil
	}

	forward, err := dst.ownerHolds(s, s.FreeVBN)
	if err != nil {
		return err
	}
	if forward {
		// B owns f: A must hold v instead of f
		if src.free.Remove(s.FreeVBN) {
			src.ctxDirty = true
		}
		held, err := src.references(s.VictimVBN)
		if err != nil {
			return err
		}
		if !held {
			src.release(s.VictimVBN, s.VictimEC)
		}
	} else {
		held, err := src.references(s.FreeVBN)
		if err != nil {
			return err
		}
		if !held {
			src.release(s.FreeVBN, s.FreeEC)
		}
	}
	if err := src.settle(); err != nil {
		return err
	}

	z0.ctx.GlobalWL = meta.GlobalWL{}
	z0.ctxDirty = true
	if err := z0.commit(); err != nil {
		return err
	}
	c.log.Info("cross-zone wear-level swap recovered",
		zap.Bool("rolled_forward", forward), zap.Uint8("src_zone", s.SrcZone), zap.Uint8("dst_zone", s.DstZone))
	return nil
}
