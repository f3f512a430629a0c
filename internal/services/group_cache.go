package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/managers/loggroup"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// Log groups live in one of three places: the active list (groups being written,
// most recently used last), the inactive LRU cache, or the pending set holding dirty
// groups pushed out of the cache until the next commit persists them.

func (z *zone) onInactiveEvict(dgn types.DGN, g *loggroup.Group) {
	if !g.Dirty {
		return
	}
	for _, a := range z.active {
		if a == g {
			return
		}
	}
	z.pending[dgn] = g
}

func (z *zone) activeGroup(dgn types.DGN) *loggroup.Group {
	for _, g := range z.active {
		if g.DGN == dgn {
			return g
		}
	}
	return nil
}

// residentGroup returns a group held in RAM without touching any LRU order
func (z *zone) residentGroup(dgn types.DGN) *loggroup.Group {
	if g := z.activeGroup(dgn); g != nil {
		return g
	}
	if g, ok := z.pending[dgn]; ok {
		return g
	}
	if g, ok := z.inactive.Peek(dgn); ok {
		return g
	}
	return nil
}

// getGroup returns dgn as a member of the active list, loading it when needed and
// demoting the least recently written group when the list is full
func (z *zone) getGroup(dgn types.DGN) (*loggroup.Group, error) {
	for i, g := range z.active {
		if g.DGN == dgn {
			z.active = append(append(z.active[:i:i], z.active[i+1:]...), g)
			return g, nil
		}
	}

	g, ok := z.pending[dgn]
	if ok {
		delete(z.pending, dgn)
	} else if g, ok = z.inactive.Peek(dgn); !ok {
		loaded, err := z.loadGroup(dgn)
		if err != nil {
			return nil, err
		}
		g = loaded
	}

	// joins the active list before leaving the cache so the evict hook keeps it
	z.active = append(z.active, g)
	z.inactive.Remove(dgn)

	for len(z.active) > z.geo.MaxActiveGroups {
		if err := z.demoteGroup(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// demoteGroup moves the least recently written group to the inactive cache
func (z *zone) demoteGroup() error {
	g := z.active[0]
	z.active = z.active[1:]
	for _, s := range g.ActiveLogs() {
		z.deactivate(g, s)
	}
	if err := z.reclaimDead(g); err != nil {
		return err
	}
	z.log.Debug("log group demoted", zap.Uint32("dgn", uint32(g.DGN)), zap.Bool("dirty", g.Dirty))
	z.inactive.Add(g.DGN, g)
	return nil
}

// lookupGroup returns dgn for reading or bookkeeping without moving it to the active list
func (z *zone) lookupGroup(dgn types.DGN) (*loggroup.Group, error) {
	if g := z.activeGroup(dgn); g != nil {
		return g, nil
	}
	if g, ok := z.pending[dgn]; ok {
		return g, nil
	}
	if g, ok := z.inactive.Get(dgn); ok {
		return g, nil
	}
	g, err := z.loadGroup(dgn)
	if err != nil {
		return nil, err
	}
	z.inactive.Add(dgn, g)
	return g, nil
}

// activate opens the log in slot for writes, evicting another active log when the
// zone-wide budget is exhausted
func (z *zone) activate(g *loggroup.Group, slot int) error {
	vbn := g.Log(slot).VBN
	for i, a := range z.activeLogs {
		if a.vbn == vbn {
			z.activeLogs = append(append(z.activeLogs[:i:i], z.activeLogs[i+1:]...), a)
			return nil
		}
	}
	for len(z.activeLogs) >= z.geo.MaxActiveLogs {
		if err := z.evictActiveLog(vbn); err != nil {
			return err
		}
	}
	g.SetActive(slot, true)
	z.activeLogs = append(z.activeLogs, activeLog{dgn: g.DGN, vbn: vbn})
	z.activeDirty = true
	z.ctxDirty = true
	return nil
}

// evictActiveLog closes one active log, preferring a full one, never except
func (z *zone) evictActiveLog(except types.VBN) error {
	victim := -1
	for i, a := range z.activeLogs {
		if a.vbn == except {
			continue
		}
		g := z.activeGroup(a.dgn)
		if g == nil {
			return types.Invariantf("zone %d active log %s belongs to non-active group %d", z.id, a.vbn, a.dgn)
		}
		if s := g.SlotOf(a.vbn); s != loggroup.NoLog && g.Log(s).Clean >= z.geo.PagesPerBlock {
			victim = i
			break
		}
		if victim < 0 {
			victim = i
		}
	}
	if victim < 0 {
		return types.Invariantf("zone %d active log budget %d leaves no evictable log", z.id, z.geo.MaxActiveLogs)
	}

	a := z.activeLogs[victim]
	g := z.activeGroup(a.dgn)
	s := g.SlotOf(a.vbn)
	if s == loggroup.NoLog {
		return types.Invariantf("zone %d active log %s missing from group %d", z.id, a.vbn, a.dgn)
	}
	z.deactivate(g, s)
	return z.reclaimDead(g)
}

// deactivate closes the log in slot
func (z *zone) deactivate(g *loggroup.Group, slot int) {
	vbn := g.Log(slot).VBN
	for i, a := range z.activeLogs {
		if a.vbn == vbn {
			z.activeLogs = append(z.activeLogs[:i:i], z.activeLogs[i+1:]...)
			z.activeDirty = true
			z.ctxDirty = true
			break
		}
	}
	g.SetActive(slot, false)
}

// dropLog removes the log in slot from its group and releases its block. The log
// must not hold live pages.
func (z *zone) dropLog(g *loggroup.Group, slot int) error {
	if g.Log(slot).Status.Active {
		z.deactivate(g, slot)
	}
	g.Log(slot).Status.Base = types.LogGarbage
	removed, err := g.RemoveLog(slot)
	if err != nil {
		return err
	}
	z.release(removed.VBN, removed.EC)
	return nil
}

// reclaimDead returns fully used logs with no live pages to the free list
func (z *zone) reclaimDead(g *loggroup.Group) error {
	for _, s := range g.Slots() {
		if !g.IsDead(s) {
			continue
		}
		if err := z.dropLog(g, s); err != nil {
			return err
		}
	}
	return nil
}

// getLogToWrite returns the slot of a log with a clean page for offset off of g,
// compacting, merging or allocating as needed. The log is active on return.
func (z *zone) getLogToWrite(g *loggroup.Group, off int) (int, error) {
	g.Dirty = true
	pib := off % z.geo.PagesPerBlock
	for attempt := 0; attempt < 4; attempt++ {
		if err := z.reclaimDead(g); err != nil {
			return loggroup.NoLog, err
		}
		if s := g.FindWritable(pib); s != loggroup.NoLog {
			return s, z.activate(g, s)
		}
		if !g.IsFull() {
			s, err := z.allocLog(g)
			if err != nil {
				return loggroup.NoLog, err
			}
			return s, z.activate(g, s)
		}

		done, err := z.copyCompaction(g)
		if err != nil {
			return loggroup.NoLog, err
		}
		if done {
			continue
		}
		if done, err = z.compactLog(g); err != nil {
			return loggroup.NoLog, err
		}
		if done {
			continue
		}
		if err := z.mergeGroup(g); err != nil {
			return loggroup.NoLog, err
		}
	}
	return loggroup.NoLog, types.Invariantf("zone %d group %d found no writable log", z.id, g.DGN)
}

// allocLog adds a freshly erased block to g as a new log. It keeps a group's
// worth of blocks in reserve past the new log so a later merge can always copy.
func (z *zone) allocLog(g *loggroup.Group) (int, error) {
	if err := z.ensureFree(z.geo.BlocksPerGroup + 1); err != nil {
		return loggroup.NoLog, err
	}
	if err := z.maybeWearLevel(); err != nil {
		return loggroup.NoLog, err
	}
	e, err := z.popFree()
	if err != nil {
		return loggroup.NoLog, err
	}
	s, err := g.AddLog(e.VBN, e.EC)
	if err != nil {
		z.release(e.VBN, e.EC)
		return loggroup.NoLog, err
	}
	z.log.Debug("log allocated", zap.Uint32("dgn", uint32(g.DGN)), zap.Stringer("vbn", e.VBN), zap.Uint32("ec", e.EC))
	return s, nil
}

// groupLogCount returns the number of logs of dgn without loading it
func (z *zone) groupLogCount(dgn types.DGN) int {
	if g := z.residentGroup(dgn); g != nil {
		return g.NumLogs
	}
	return int(z.hdr.GroupLogs[dgn])
}

// ensureFree makes at least n blocks available on the free list, first by
// unparking garbage slots, then by merging the groups holding the most logs
func (z *zone) ensureFree(n int) error {
	if z.free.Len() >= n {
		return nil
	}
	if err := z.drainReleased(true); err != nil {
		return err
	}
	if _, err := z.gc(n); err != nil {
		return err
	}
	for z.free.Len() < n {
		victim, logs := types.DGN(0), 0
		for d := 0; d < z.layout.NumGroups; d++ {
			if c := z.groupLogCount(types.DGN(d)); c > logs {
				victim, logs = types.DGN(d), c
			}
		}
		if logs == 0 {
			break
		}
		g, err := z.lookupGroup(victim)
		if err != nil {
			return err
		}
		if err := z.mergeGroup(g); err != nil {
			return err
		}
		if _, err := z.gc(n); err != nil {
			return err
		}
	}
	if z.free.Len() < n {
		return fmt.Errorf("%w: zone %d holds %d free blocks, needs %d", types.ErrNoFreeBlocks, z.id, z.free.Len(), n)
	}
	return nil
}
