package services

import (
	"fmt"
	"sort"

	"github.com/deploymenttheory/go-nandftl/internal/managers/bmt"
	"github.com/deploymenttheory/go-nandftl/internal/managers/loggroup"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// BlockRef describes one table entry referencing a physical block
type BlockRef struct {
	VBN  types.VBN
	EC   uint32
	Kind types.BlockKind
	Zone int
	// Area and Slot locate data and parked blocks; Group and Slot locate logs
	Area  types.LAN
	Group types.DGN
	Slot  int
}

// ConsistencyReport lists every violated ownership or bookkeeping rule
type ConsistencyReport struct {
	Blocks int
	Issues []string
}

// OK reports whether no issue was found
func (r *ConsistencyReport) OK() bool {
	return len(r.Issues) == 0
}

func (r *ConsistencyReport) addf(format string, args ...any) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}

// forEachBMT visits every area table: the resident one from RAM, the others as
// last committed, which is current since a dirty table is committed before it leaves RAM
func (z *zone) forEachBMT(fn func(t *bmt.Table) error) error {
	for a := 0; a < z.layout.NumAreas; a++ {
		lan := types.LAN(a)
		if z.bmt != nil && z.bmt.Area == lan {
			if err := fn(z.bmt); err != nil {
				return err
			}
			continue
		}
		t, err := z.loadBMT(lan)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

// forEachGroup visits every group holding logs or page-map entries without changing
// cache residency
func (z *zone) forEachGroup(fn func(g *loggroup.Group) error) error {
	for d := 0; d < z.layout.NumGroups; d++ {
		dgn := types.DGN(d)
		g := z.residentGroup(dgn)
		if g == nil {
			if z.hdr.PMTLocs[dgn] == types.NullVPN {
				continue
			}
			loaded, err := z.loadGroup(dgn)
			if err != nil {
				return err
			}
			g = loaded
		}
		if err := fn(g); err != nil {
			return err
		}
	}
	return nil
}

// blockRefs lists every block the zone references, fixed and user alike
func (z *zone) blockRefs() ([]BlockRef, error) {
	var refs []BlockRef
	add := func(r BlockRef) {
		r.Zone = z.id
		refs = append(refs, r)
	}

	for _, vbn := range z.layout.RootVBNs {
		add(BlockRef{VBN: vbn, Kind: types.BlockKindRoot})
	}
	for i, vbn := range z.metaLog.vbns {
		add(BlockRef{VBN: vbn, EC: z.metaLog.ec[i], Kind: types.BlockKindMeta})
	}
	if z.geo.BufferBlock {
		add(BlockRef{VBN: z.ctx.Buffer.VBN, EC: z.ctx.Buffer.EC, Kind: types.BlockKindBuffer})
	}
	for _, e := range z.free.Entries() {
		add(BlockRef{VBN: e.VBN, EC: e.EC, Kind: types.BlockKindFree})
	}
	for _, e := range z.released {
		add(BlockRef{VBN: e.VBN, EC: e.EC, Kind: types.BlockKindFree})
	}

	err := z.forEachBMT(func(t *bmt.Table) error {
		for slot, e := range t.Entries {
			switch {
			case t.IsIdle(slot):
			case t.IsParked(slot):
				add(BlockRef{VBN: e.VBN, EC: e.EC, Kind: types.BlockKindParked, Area: t.Area, Slot: slot})
			default:
				add(BlockRef{VBN: e.VBN, EC: e.EC, Kind: types.BlockKindData, Area: t.Area, Slot: slot})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = z.forEachGroup(func(g *loggroup.Group) error {
		for _, s := range g.Slots() {
			l := g.Log(s)
			add(BlockRef{VBN: l.VBN, EC: l.EC, Kind: types.BlockKindLog, Group: g.DGN, Slot: s})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// audit checks the zone-local invariants and appends violations to r
func (z *zone) audit(r *ConsistencyReport) error {
	if z.free.Len() > z.free.Capacity() {
		r.addf("zone %d free list holds %d entries, capacity %d", z.id, z.free.Len(), z.free.Capacity())
	}
	if len(z.activeLogs) > z.geo.MaxActiveLogs {
		r.addf("zone %d has %d active logs, budget %d", z.id, len(z.activeLogs), z.geo.MaxActiveLogs)
	}

	flagged := 0
	err := z.forEachGroup(func(g *loggroup.Group) error {
		if err := g.Validate(); err != nil {
			r.addf("zone %d: %v", z.id, err)
		}
		if g.NumLogs > z.geo.LogsPerGroup {
			r.addf("zone %d group %d holds %d logs, limit %d", z.id, g.DGN, g.NumLogs, z.geo.LogsPerGroup)
		}
		for _, s := range g.ActiveLogs() {
			flagged++
			found := false
			for _, a := range z.activeLogs {
				if a.dgn == g.DGN && a.vbn == g.Log(s).VBN {
					found = true
				}
			}
			if !found {
				r.addf("zone %d group %d log %s is flagged active but not in the active set", z.id, g.DGN, g.Log(s).VBN)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if flagged != len(z.activeLogs) {
		r.addf("zone %d active set lists %d logs, groups flag %d", z.id, len(z.activeLogs), flagged)
	}

	return z.forEachBMT(func(t *bmt.Table) error {
		_, parked, idle := t.Counts()
		if int(z.ctx.IdleSlots[t.Area]) != idle || int(z.ctx.ParkedSlots[t.Area]) != parked {
			r.addf("zone %d area %d counts %d idle / %d parked, context says %d / %d",
				z.id, t.Area, idle, parked, z.ctx.IdleSlots[t.Area], z.ctx.ParkedSlots[t.Area])
		}
		if parked > 0 && !z.dirtyAreas.Test(uint(t.Area)) {
			r.addf("zone %d area %d parks %d blocks but is not flagged dirty", z.id, t.Area, parked)
		}
		return nil
	})
}

// checkOwnership verifies that no block is referenced twice. With total >= 0 the refs
// cover the whole cluster and every block in [0, total) must be referenced.
func checkOwnership(r *ConsistencyReport, refs []BlockRef, total int) {
	owners := make(map[types.VBN][]BlockRef, len(refs))
	for _, ref := range refs {
		owners[ref.VBN] = append(owners[ref.VBN], ref)
	}
	vbns := make([]types.VBN, 0, len(owners))
	for vbn := range owners {
		vbns = append(vbns, vbn)
	}
	sort.Slice(vbns, func(i, j int) bool { return vbns[i] < vbns[j] })
	for _, vbn := range vbns {
		if total >= 0 && int(vbn) >= total {
			r.addf("%s is beyond the cluster's %d blocks", vbn, total)
		}
		if list := owners[vbn]; len(list) > 1 {
			r.addf("%s is referenced %d times (first two: zone %d %s, zone %d %s)",
				vbn, len(list), list[0].Zone, list[0].Kind, list[1].Zone, list[1].Kind)
		}
	}
	r.Blocks = len(owners)
	if total >= 0 && len(owners) != total {
		r.addf("%d of %d blocks are referenced", len(owners), total)
	}
}
