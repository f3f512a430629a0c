package services

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/managers/bmt"
	"github.com/deploymenttheory/go-nandftl/internal/managers/freelist"
	"github.com/deploymenttheory/go-nandftl/internal/managers/loggroup"
	"github.com/deploymenttheory/go-nandftl/internal/parsers/meta"
	"github.com/deploymenttheory/go-nandftl/internal/parsers/spare"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// RecoveryMode selects how a zone is closed
type RecoveryMode int

const (
	// CloseNormal flushes the buffer and pending deletes and commits
	CloseNormal RecoveryMode = iota
	// ClosePowerLoss drops the RAM state as if power had been cut
	ClosePowerLoss
)

func (m RecoveryMode) String() string {
	if m == ClosePowerLoss {
		return "power-loss"
	}
	return "normal"
}

// resetRAM clears every in-memory table ahead of a format or open
func (z *zone) resetRAM() {
	z.hdr = meta.NewDirHeader(len(z.layout.MetaVBNs), z.layout.NumAreas, z.layout.NumGroups)
	z.hdrLoc = types.NullVPN
	z.metaLog = newMetaLog(z.layout.MetaVBNs)
	z.free = freelist.New(z.geo.FreeSlots)
	z.released = nil
	z.bmt = nil
	z.bmtDirty = false
	z.dirtyAreas = bitset.New(uint(z.layout.NumAreas))
	z.active = nil
	z.inactive.Purge()
	z.pending = make(map[types.DGN]*loggroup.Group)
	z.activeLogs = nil
	z.activeDirty = false
	z.ctxDirty = false
	z.del = deleteState{}
	z.locked = false
}

// format erases the zone's meta and buffer blocks and writes an empty directory.
// The first user blocks fill the free list; the rest are parked in idle data slots.
func (z *zone) format() error {
	z.resetRAM()
	z.ctx = &meta.Context{
		IdleSlots:          make([]uint16, z.layout.NumAreas),
		ParkedSlots:        make([]uint16, z.layout.NumAreas),
		WearLevelThreshold: z.geo.WearLevelThreshold,
		Buffer:             meta.BufferState{VBN: types.NullVBN},
	}
	for a := range z.ctx.IdleSlots {
		z.ctx.IdleSlots[a] = uint16(z.layout.AreaSlots(z.geo, types.LAN(a)))
	}

	ml := z.metaLog
	for i, vbn := range ml.vbns {
		ec, err := z.eraseBlock(vbn, 0)
		if err != nil {
			return fmt.Errorf("failed to format zone %d: %w", z.id, err)
		}
		ml.ec[i] = ec
	}
	if z.geo.BufferBlock {
		ec, err := z.eraseBlock(z.layout.BufferVBN, 0)
		if err != nil {
			return fmt.Errorf("failed to format zone %d: %w", z.id, err)
		}
		z.ctx.Buffer = meta.BufferState{VBN: z.layout.BufferVBN, EC: ec}
	}

	initial := z.layout.InitialFree(z.geo)
	var rest []types.VBN
	for i := 0; i < z.layout.UserBlocks; i++ {
		vbn := z.layout.UserStart + types.VBN(i)
		if i < initial {
			if err := z.free.Push(freelist.Entry{VBN: vbn}); err != nil {
				return err
			}
			continue
		}
		rest = append(rest, vbn)
	}

	for a := 0; a < z.layout.NumAreas; a++ {
		t := bmt.New(types.LAN(a), z.layout.AreaSlots(z.geo, types.LAN(a)))
		for slot := 0; slot < t.Slots() && len(rest) > 0; slot++ {
			t.Park(slot, rest[0], 0)
			rest = rest[1:]
		}
		z.bmt = t
		z.markBMTDirty()
		if _, parked, _ := t.Counts(); parked > 0 {
			z.dirtyAreas.Set(uint(a))
		}
		if err := z.storeBMT(); err != nil {
			return fmt.Errorf("failed to format zone %d: %w", z.id, err)
		}
	}
	if len(rest) > 0 {
		return types.Invariantf("zone %d has %d user blocks left after parking", z.id, len(rest))
	}
	if err := z.switchArea(0); err != nil {
		return err
	}
	if err := z.commit(); err != nil {
		return err
	}
	z.log.Info("zone formatted",
		zap.Int("user_blocks", z.layout.UserBlocks),
		zap.Int("free", z.free.Len()),
		zap.Int("groups", z.layout.NumGroups),
		zap.Int("areas", z.layout.NumAreas))
	return nil
}

// headerCandidate is a directory header page found by the meta scan
type headerCandidate struct {
	vpn types.VPN
	age uint32
}

// open locates the newest directory header whose context verifies, rebuilds the RAM
// tables from it and replays the log and buffer pages programmed after that commit
func (z *zone) open() error {
	z.resetRAM()
	ml := z.metaLog

	// scan every meta block for header candidates and its last programmed page
	var cands []headerCandidate
	lastProgrammed := make([]int, len(ml.vbns))
	maxAge := uint32(0)
	for i, vbn := range ml.vbns {
		lastProgrammed[i] = -1
		for p := 0; p < z.geo.PagesPerBlock; p++ {
			vpn := z.geo.VPN(vbn, p)
			info, erased, err := z.readSpare(vpn)
			switch {
			case errors.Is(err, spare.ErrTorn):
				lastProgrammed[i] = p
				continue
			case err != nil:
				return fmt.Errorf("failed to scan meta block %s: %w", vbn, err)
			case erased:
				programmed, err := z.dataProgrammed(vpn)
				if err != nil {
					return err
				}
				if programmed {
					lastProgrammed[i] = p
				}
				continue
			}
			lastProgrammed[i] = p
			maxAge = max(maxAge, info.Age)
			if info.Type == types.PTFMetaHeader && info.Offset == 0 {
				cands = append(cands, headerCandidate{vpn: vpn, age: info.Age})
			}
		}
	}
	// newest header whose context verifies wins
	sort.Slice(cands, func(i, j int) bool { return cands[i].age > cands[j].age })

	found := false
	for _, c := range cands {
		hdr, ctx, err := z.tryLoadHeader(c.vpn)
		if err != nil {
			z.log.Debug("directory header rejected", zap.Uint32("vpn", uint32(c.vpn)), zap.Error(err))
			continue
		}
		z.hdr, z.hdrLoc, z.ctx = hdr, c.vpn, ctx
		found = true
		break
	}
	if !found {
		return fmt.Errorf("%w: zone %d has no valid directory header", types.ErrUnformatted, z.id)
	}

	// resume the meta log after the last page anyone programmed
	if int(z.hdr.ActiveMeta) >= len(ml.vbns) {
		return fmt.Errorf("%w: zone %d header names meta block %d", types.ErrCorrupted, z.id, z.hdr.ActiveMeta)
	}
	for i := range ml.ec {
		ml.ec[i] = z.hdr.Meta[i].EC
	}
	ml.active = int(z.hdr.ActiveMeta)
	ml.clean = max(lastProgrammed[ml.active]+1, z.geo.PageOf(z.hdrLoc)+z.hdrPages())
	z.recountMeta()

	if err := z.restoreContext(); err != nil {
		return err
	}

	// pages programmed after the commit, then persist what they changed
	changed, age, err := z.replay()
	if err != nil {
		return err
	}
	z.ctx.WriteAge = max(z.ctx.WriteAge, maxAge, age)
	if changed || len(z.released) > 0 {
		if err := z.settle(); err != nil {
			return err
		}
	}
	z.log.Info("zone opened",
		zap.Uint32("sequence", z.hdr.Sequence),
		zap.Int("free", z.free.Len()),
		zap.Int("active_logs", len(z.activeLogs)),
		zap.Bool("replayed", changed))
	return nil
}

// dataProgrammed reports whether the data area of vpn holds anything, which is the
// case for a program cut off before its spare area landed
func (z *zone) dataProgrammed(vpn types.VPN) (bool, error) {
	page := z.newPage()
	if err := z.dev.Read(vpn, z.geo.FullBitmap, page, nil); err != nil {
		return false, fmt.Errorf("failed to read page %d: %w", vpn, err)
	}
	return !spare.IsErased(page), nil
}

// tryLoadHeader reads the header at vpn and the context it commits
func (z *zone) tryLoadHeader(vpn types.VPN) (*meta.DirHeader, *meta.Context, error) {
	if z.geo.PageOf(vpn)+z.hdrPages() > z.geo.PagesPerBlock {
		return nil, nil, fmt.Errorf("%w: header at page %d crosses its block", types.ErrCorrupted, vpn)
	}
	_, body, err := z.readRecord(vpn, z.hdrPages(), types.PTFMetaHeader, 0)
	if err != nil {
		return nil, nil, err
	}
	hdr, err := meta.DecodeDirHeader(body, len(z.layout.MetaVBNs), z.layout.NumAreas, z.layout.NumGroups)
	if err != nil {
		return nil, nil, err
	}

	loc := hdr.ContextLoc
	if loc == types.NullVPN || !z.layout.IsMeta(z.geo.BlockOf(loc)) || z.geo.PageOf(loc)+z.ctxPages() > z.geo.PagesPerBlock {
		return nil, nil, fmt.Errorf("%w: header locates its context at page %d", types.ErrCorrupted, loc)
	}
	h, cbody, err := z.readRecord(loc, z.ctxPages(), types.PTFMetaContext, 0)
	if err != nil {
		return nil, nil, err
	}
	if h.Age != hdr.ContextAge {
		return nil, nil, fmt.Errorf("%w: context age %d, header expects %d", types.ErrCorrupted, h.Age, hdr.ContextAge)
	}
	ctx, err := meta.DecodeContext(cbody, z.contextLimits())
	if err != nil {
		return nil, nil, err
	}
	return hdr, ctx, nil
}

// restoreContext rebuilds the free list, released blocks, resident BMT and active
// groups from the loaded context
func (z *zone) restoreContext() error {
	c := z.ctx
	entries := make([]freelist.Entry, len(c.Free))
	for i, e := range c.Free {
		entries[i] = freelist.Entry{VBN: e.VBN, EC: e.EC}
	}
	free, err := freelist.Restore(entries, int(c.FreeHead), int(c.FreeCount))
	if err != nil {
		return err
	}
	if free.Capacity() != z.geo.FreeSlots {
		return fmt.Errorf("%w: context free list holds %d slots, geometry has %d", types.ErrCorrupted, free.Capacity(), z.geo.FreeSlots)
	}
	z.free = free
	for _, e := range c.Released {
		z.released = append(z.released, freelist.Entry{VBN: e.VBN, EC: e.EC})
	}
	if len(c.IdleSlots) != z.layout.NumAreas {
		return fmt.Errorf("%w: context counts %d areas, zone has %d", types.ErrCorrupted, len(c.IdleSlots), z.layout.NumAreas)
	}
	z.dirtyAreas = bitset.From(append([]uint64(nil), c.DirtyAreas...))

	lan := types.LAN(c.ResidentArea)
	if int(lan) >= z.layout.NumAreas {
		lan = 0
	}
	t, err := z.loadBMT(lan)
	if err != nil {
		return err
	}
	z.bmt = t

	for _, a := range c.ActiveLogs {
		if int(a.DGN) >= z.layout.NumGroups {
			return fmt.Errorf("%w: active log %s names group %d", types.ErrCorrupted, a.VBN, a.DGN)
		}
		g := z.activeGroup(a.DGN)
		if g == nil {
			if g, err = z.loadGroup(a.DGN); err != nil {
				return err
			}
			z.active = append(z.active, g)
		}
		slot := g.SlotOf(a.VBN)
		if slot == loggroup.NoLog {
			return fmt.Errorf("%w: active log %s missing from group %d", types.ErrCorrupted, a.VBN, a.DGN)
		}
		g.SetActive(slot, true)
		z.activeLogs = append(z.activeLogs, activeLog{dgn: a.DGN, vbn: a.VBN})
	}
	return nil
}

// replayed is a user page programmed after the last commit
type replayed struct {
	info spare.Info
	vbn  types.VBN
	page int
	// slot is the log slot, or loggroup.NoLog for a buffer page
	slot  int
	group *loggroup.Group
}

// scanBlock reads the pages of vbn from first on and returns the ones accepted by
// accept together with the index of the last programmed page. The scan stops at the
// first page whose data and spare are both erased.
func (z *zone) scanBlock(vbn types.VBN, first int, accept func(spare.Info) bool) ([]replayed, int, uint32, error) {
	var out []replayed
	last, maxAge := first-1, uint32(0)
	page := z.newPage()
	for p := first; p < z.geo.PagesPerBlock; p++ {
		vpn := z.geo.VPN(vbn, p)
		sp := z.newSpare()
		if err := z.dev.Read(vpn, z.geo.FullBitmap, page, sp); err != nil {
			return nil, last, maxAge, fmt.Errorf("failed to scan page %d: %w", vpn, err)
		}
		info, err := spare.Decode(sp, z.geo.CRCGranules)
		if errors.Is(err, spare.ErrErased) {
			if spare.IsErased(page) {
				break
			}
			// data landed but the spare did not
			last = p
			continue
		}
		last = p
		if err != nil {
			continue
		}
		maxAge = max(maxAge, info.Age)
		if !accept(info) {
			continue
		}
		if info.CRCValid {
			bm := info.Bitmap & z.geo.FullBitmap
			if z.verifyCRCs(vpn, page, bm, info.CRCs) != nil {
				continue
			}
		}
		out = append(out, replayed{info: info, vbn: vbn, page: p})
	}
	return out, last, maxAge, nil
}

// replay re-applies the log and buffer pages newer than the committed write age.
// It reports whether any table changed and the highest page age seen.
func (z *zone) replay() (bool, uint32, error) {
	committed := z.ctx.WriteAge
	changed := false
	maxAge := uint32(0)
	var pages []replayed

	// active logs past their committed clean page
	for _, a := range z.activeLogs {
		g := z.activeGroup(a.dgn)
		slot := g.SlotOf(a.vbn)
		l := g.Log(slot)
		found, last, age, err := z.scanBlock(l.VBN, l.Clean, func(info spare.Info) bool {
			return info.Type == types.PTFLog && types.DGN(info.Group) == g.DGN &&
				int(info.Offset) < z.geo.PagesPerGroup && info.Age > committed
		})
		if err != nil {
			return false, 0, err
		}
		maxAge = max(maxAge, age)
		for i := range found {
			found[i].slot = slot
			found[i].group = g
		}
		pages = append(pages, found...)
		if last+1 > l.Clean {
			g.SkipTo(slot, last+1)
			changed = true
		}
	}

	// buffer block past its committed clean page
	b := &z.ctx.Buffer
	if z.geo.BufferBlock && int(b.Clean) < z.geo.PagesPerBlock {
		found, last, age, err := z.scanBlock(b.VBN, int(b.Clean), func(info spare.Info) bool {
			return info.Type == types.PTFBuffer && int(info.Group) < z.layout.NumGroups &&
				int(info.Offset) < z.geo.PagesPerGroup && info.Age > committed
		})
		if err != nil {
			return false, 0, err
		}
		maxAge = max(maxAge, age)
		for i := range found {
			found[i].slot = loggroup.NoLog
		}
		pages = append(pages, found...)
		if last+1 > int(b.Clean) {
			b.Clean = uint16(last + 1)
			z.ctxDirty = true
			changed = true
		}
	}

	// apply in program order so a newer copy always lands last
	sort.Slice(pages, func(i, j int) bool { return pages[i].info.Age < pages[j].info.Age })
	for _, r := range pages {
		lpn := z.geo.LPNOf(types.DGN(r.info.Group), int(r.info.Offset))
		if r.slot == loggroup.NoLog {
			*b = meta.BufferState{
				VBN: b.VBN, EC: b.EC, Clean: b.Clean,
				Dirty: true, LPN: lpn, Bitmap: r.info.Bitmap, Page: uint16(r.page),
			}
			continue
		}
		r.group.ReplayPage(r.slot, r.page, int(r.info.Offset))
		if b.Dirty && b.LPN == lpn {
			b.Dirty = false
		}
	}
	if len(pages) > 0 {
		z.ctxDirty = true
		changed = true
		z.log.Info("pages replayed", zap.Int("pages", len(pages)))
	}
	return changed, maxAge, nil
}

// close ends the zone's session. A normal close persists buffered and batched state;
// a power-loss close drops it.
func (z *zone) close(mode RecoveryMode) error {
	var err error
	if mode == CloseNormal && !z.locked {
		if err = z.flushDelete(); err == nil {
			if err = z.flushBuffer(); err == nil {
				err = z.settle()
			}
		}
	}
	z.log.Info("zone closed", zap.Stringer("mode", mode), zap.Bool("locked", z.locked), zap.Error(err))
	z.inactive.Purge()
	z.active = nil
	z.pending = nil
	z.bmt = nil
	return err
}
