package services

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/managers/bmt"
	"github.com/deploymenttheory/go-nandftl/internal/managers/loggroup"
	"github.com/deploymenttheory/go-nandftl/internal/parsers/meta"
	"github.com/deploymenttheory/go-nandftl/internal/parsers/spare"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// metaLog tracks the rotating meta blocks of a zone. valid counts the live record
// pages per block in RAM, committed the same count as of the last directory header.
// A block is only erased when both are zero.
type metaLog struct {
	vbns      []types.VBN
	ec        []uint32
	valid     []int
	committed []int
	active    int
	clean     int
}

func newMetaLog(vbns []types.VBN) *metaLog {
	return &metaLog{
		vbns:      vbns,
		ec:        make([]uint32, len(vbns)),
		valid:     make([]int, len(vbns)),
		committed: make([]int, len(vbns)),
	}
}

func (ml *metaLog) indexOf(vbn types.VBN) int {
	for i, v := range ml.vbns {
		if v == vbn {
			return i
		}
	}
	return -1
}

// invalidate drops the pages of the record at loc from the live count
func (z *zone) invalidate(loc types.VPN, pages int) {
	if loc == types.NullVPN {
		return
	}
	if i := z.metaLog.indexOf(z.geo.BlockOf(loc)); i >= 0 {
		z.metaLog.valid[i] -= pages
		if z.metaLog.valid[i] < 0 {
			z.metaLog.valid[i] = 0
		}
	}
}

// account adds the pages of the record at loc to the live count
func (z *zone) account(loc types.VPN, pages int) {
	if loc == types.NullVPN {
		return
	}
	if i := z.metaLog.indexOf(z.geo.BlockOf(loc)); i >= 0 {
		z.metaLog.valid[i] += pages
	}
}

// recountMeta rebuilds the live page counts from the directory header
func (z *zone) recountMeta() {
	ml := z.metaLog
	for i := range ml.valid {
		ml.valid[i] = 0
	}
	z.account(z.hdrLoc, z.hdrPages())
	z.account(z.hdr.ContextLoc, z.ctxPages())
	for a, loc := range z.hdr.BMTLocs {
		z.account(loc, z.bmtPages(types.LAN(a)))
	}
	for _, loc := range z.hdr.PMTLocs {
		z.account(loc, z.pmtPages())
	}
	copy(ml.committed, ml.valid)
}

// reserve makes room for pages contiguous record pages in the active meta block and
// returns the first page address
func (z *zone) reserve(pages int) (types.VPN, error) {
	ml := z.metaLog
	if pages > z.geo.PagesPerBlock {
		return types.NullVPN, fmt.Errorf("%w: record of %d pages exceeds a block", types.ErrMetaFull, pages)
	}
	if ml.clean+pages > z.geo.PagesPerBlock {
		if err := z.switchMetaBlock(); err != nil {
			return types.NullVPN, err
		}
	}
	vpn := z.geo.VPN(ml.vbns[ml.active], ml.clean)
	ml.clean += pages
	ml.valid[ml.active] += pages
	return vpn, nil
}

// programRecord frames body and programs it at vpn
func (z *zone) programRecord(vpn types.VPN, typ types.PageType, id, age uint32, body []byte) error {
	buf := meta.Frame(z.geo.PageSize, typ, id, age, body)
	pages := len(buf) / z.geo.PageSize
	spares := make([][]byte, pages)
	for i := range spares {
		spares[i] = z.newSpare()
		if err := spare.Encode(spare.Info{
			Type:   typ,
			Offset: uint16(i),
			Group:  uint16(id),
			Age:    age,
			Bitmap: z.geo.FullBitmap,
		}, spares[i]); err != nil {
			return err
		}
	}
	if err := z.dev.ProgramMulti(vpn, buf, spares); err != nil {
		return fmt.Errorf("failed to program %s record %d: %w", typ, id, err)
	}
	return nil
}

// writeRecord appends a record to the meta log and returns its location
func (z *zone) writeRecord(typ types.PageType, id uint32, body []byte) (types.VPN, error) {
	pages := meta.PagesFor(z.geo.PageSize, len(body))
	vpn, err := z.reserve(pages)
	if err != nil {
		return types.NullVPN, err
	}
	if err := z.programRecord(vpn, typ, id, z.nextAge(), body); err != nil {
		return types.NullVPN, err
	}
	return vpn, nil
}

// readRecord reads a record of the given page count and checks its type and id
func (z *zone) readRecord(vpn types.VPN, pages int, typ types.PageType, id uint32) (meta.RecordHeader, []byte, error) {
	ps := z.geo.PageSize
	buf := make([]byte, pages*ps)
	for i := 0; i < pages; i++ {
		if err := z.dev.Read(vpn+types.VPN(i), z.geo.FullBitmap, buf[i*ps:(i+1)*ps], nil); err != nil {
			return meta.RecordHeader{}, nil, fmt.Errorf("failed to read meta page %d: %w", vpn+types.VPN(i), err)
		}
	}
	h, body, err := meta.Unframe(buf, ps)
	if err != nil {
		return h, nil, err
	}
	if h.Type != typ || h.ID != id {
		return h, nil, fmt.Errorf("%w: expected %s record %d at page %d, found %s record %d",
			types.ErrCorrupted, typ, id, vpn, h.Type, h.ID)
	}
	return h, body, nil
}

// switchMetaBlock activates the lowest-EC meta block holding no live record and moves
// the mapping records of the least-valid block into it so rotation keeps progressing
func (z *zone) switchMetaBlock() error {
	ml := z.metaLog
	next := -1
	for i := range ml.vbns {
		if i == ml.active || ml.valid[i] != 0 || ml.committed[i] != 0 {
			continue
		}
		if next < 0 || ml.ec[i] < ml.ec[next] {
			next = i
		}
	}
	if next < 0 {
		return fmt.Errorf("%w: zone %d has no reclaimable meta block", types.ErrMetaFull, z.id)
	}

	ec, err := z.eraseBlock(ml.vbns[next], ml.ec[next])
	if err != nil {
		return err
	}
	ml.ec[next] = ec
	ml.active = next
	ml.clean = 0
	z.log.Debug("meta block switched", zap.Stringer("vbn", ml.vbns[next]), zap.Uint32("ec", ec))

	victim := -1
	for i := range ml.vbns {
		if i == next || ml.valid[i] == 0 {
			continue
		}
		if victim < 0 || ml.valid[i] < ml.valid[victim] {
			victim = i
		}
	}
	if victim < 0 {
		return nil
	}
	return z.relocateMeta(victim)
}

// relocateMeta copies the BMT and PMT records living in meta block idx to the active
// block. Header and context records are rewritten by every commit and stay behind.
func (z *zone) relocateMeta(idx int) error {
	ml := z.metaLog
	vbn := ml.vbns[idx]
	move := func(loc types.VPN, pages int) (types.VPN, error) {
		if loc == types.NullVPN || z.geo.BlockOf(loc) != vbn {
			return loc, nil
		}
		if ml.clean+pages > z.geo.PagesPerBlock {
			return loc, nil
		}
		dst := z.geo.VPN(ml.vbns[ml.active], ml.clean)
		for i := 0; i < pages; i++ {
			if err := z.dev.CopyBack(loc+types.VPN(i), dst+types.VPN(i)); err != nil {
				return loc, fmt.Errorf("failed to relocate meta page %d: %w", loc+types.VPN(i), err)
			}
		}
		ml.clean += pages
		ml.valid[ml.active] += pages
		z.invalidate(loc, pages)
		return dst, nil
	}

	for a, loc := range z.hdr.BMTLocs {
		moved, err := move(loc, z.bmtPages(types.LAN(a)))
		if err != nil {
			return err
		}
		z.hdr.BMTLocs[a] = moved
	}
	for d, loc := range z.hdr.PMTLocs {
		moved, err := move(loc, z.pmtPages())
		if err != nil {
			return err
		}
		z.hdr.PMTLocs[d] = moved
	}
	return nil
}

// loadBMT reads the persisted table of lan, or builds an empty one for a never-written area
func (z *zone) loadBMT(lan types.LAN) (*bmt.Table, error) {
	slots := z.layout.AreaSlots(z.geo, lan)
	loc := z.hdr.BMTLocs[lan]
	if loc == types.NullVPN {
		return bmt.New(lan, slots), nil
	}
	_, body, err := z.readRecord(loc, z.bmtPages(lan), types.PTFMetaBMT, uint32(lan))
	if err != nil {
		return nil, fmt.Errorf("failed to load BMT of area %d: %w", lan, err)
	}
	t := &bmt.Table{}
	if err := t.UnmarshalBinary(body); err != nil {
		return nil, fmt.Errorf("failed to load BMT of area %d: %w", lan, err)
	}
	if t.Area != lan || t.Slots() != slots {
		return nil, fmt.Errorf("%w: BMT record of area %d describes area %d with %d slots",
			types.ErrCorrupted, lan, t.Area, t.Slots())
	}
	return t, nil
}

// loadGroup reads the persisted PMT of dgn, or builds an empty group
func (z *zone) loadGroup(dgn types.DGN) (*loggroup.Group, error) {
	if int(dgn) >= z.layout.NumGroups {
		return nil, types.Invariantf("zone %d group %d out of range", z.id, dgn)
	}
	loc := z.hdr.PMTLocs[dgn]
	if loc == types.NullVPN {
		return loggroup.New(dgn, z.shape), nil
	}
	_, body, err := z.readRecord(loc, z.pmtPages(), types.PTFMetaPMT, uint32(dgn))
	if err != nil {
		return nil, fmt.Errorf("failed to load log group %d: %w", dgn, err)
	}
	g, err := loggroup.Decode(body, z.shape)
	if err != nil {
		return nil, fmt.Errorf("failed to load log group %d: %w", dgn, err)
	}
	if g.DGN != dgn {
		return nil, fmt.Errorf("%w: PMT record of group %d describes group %d", types.ErrCorrupted, dgn, g.DGN)
	}
	return g, nil
}

func (z *zone) storeBMT() error {
	body, err := z.bmt.MarshalBinary()
	if err != nil {
		return err
	}
	lan := z.bmt.Area
	loc, err := z.writeRecord(types.PTFMetaBMT, uint32(lan), body)
	if err != nil {
		return err
	}
	z.invalidate(z.hdr.BMTLocs[lan], z.bmtPages(lan))
	z.hdr.BMTLocs[lan] = loc
	z.hdr.AreaMinEC[lan], _ = z.bmt.MinEC()
	z.bmtDirty = false
	return nil
}

func isEmptyGroup(g *loggroup.Group) bool {
	if g.NumLogs != 0 {
		return false
	}
	for _, e := range g.PageMap {
		if e != loggroup.PageNotInLog {
			return false
		}
	}
	return true
}

func (z *zone) storeGroup(g *loggroup.Group) error {
	dgn := g.DGN
	loc := types.NullVPN
	if !isEmptyGroup(g) {
		body, err := g.MarshalBinary()
		if err != nil {
			return err
		}
		if loc, err = z.writeRecord(types.PTFMetaPMT, uint32(dgn), body); err != nil {
			return err
		}
	}
	z.invalidate(z.hdr.PMTLocs[dgn], z.pmtPages())
	z.hdr.PMTLocs[dgn] = loc
	z.hdr.GroupMinEC[dgn] = g.MinEC
	z.hdr.GroupLogs[dgn] = uint8(g.NumLogs)
	g.Dirty = false
	return nil
}

// dirtyGroups collects every resident group with unpersisted edits, ordered by DGN
func (z *zone) dirtyGroups() []*loggroup.Group {
	var out []*loggroup.Group
	for _, g := range z.active {
		if g.Dirty {
			out = append(out, g)
		}
	}
	for _, dgn := range z.inactive.Keys() {
		if g, ok := z.inactive.Peek(dgn); ok && g.Dirty {
			out = append(out, g)
		}
	}
	for _, g := range z.pending {
		if g.Dirty {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DGN < out[j].DGN })
	return out
}

// syncContext copies the RAM state that lives in the context record
func (z *zone) syncContext() {
	c := z.ctx
	slots := z.free.Slots()
	c.Free = make([]meta.FreeEntry, len(slots))
	for i, e := range slots {
		c.Free[i] = meta.FreeEntry{VBN: e.VBN, EC: e.EC}
	}
	c.FreeHead = uint32(z.free.Head())
	c.FreeCount = uint32(z.free.Len())

	c.Released = make([]meta.FreeEntry, len(z.released))
	for i, e := range z.released {
		c.Released[i] = meta.FreeEntry{VBN: e.VBN, EC: e.EC}
	}

	c.ActiveLogs = make([]meta.ActiveLog, len(z.activeLogs))
	for i, a := range z.activeLogs {
		c.ActiveLogs[i] = meta.ActiveLog{DGN: a.dgn, VBN: a.vbn}
	}

	words := make([]uint64, z.contextLimits().DirtyWords())
	copy(words, z.dirtyAreas.Words())
	c.DirtyAreas = words
	if z.bmt != nil {
		c.ResidentArea = uint32(z.bmt.Area)
	}
}

// commit persists every dirty table: BMT, PMTs, context, then the directory header,
// which is the commit record. Any failure locks the zone.
func (z *zone) commit() error {
	if z.locked {
		return fmt.Errorf("%w: zone %d", types.ErrPartitionLocked, z.id)
	}
	if err := z.commitLocked(); err != nil {
		return z.lock("commit directory", err)
	}
	return nil
}

func (z *zone) commitLocked() error {
	if err := z.drainReleased(false); err != nil {
		return err
	}
	if len(z.released) > z.geo.FreeSlots {
		return types.Invariantf("zone %d holds %d released blocks, context stores %d", z.id, len(z.released), z.geo.FreeSlots)
	}
	// tables first; nothing references them until the header lands
	if z.bmtDirty {
		if err := z.storeBMT(); err != nil {
			return err
		}
	}
	for _, g := range z.dirtyGroups() {
		if err := z.storeGroup(g); err != nil {
			return err
		}
		delete(z.pending, g.DGN)
	}
	for dgn, g := range z.pending {
		if !g.Dirty {
			delete(z.pending, dgn)
		}
	}

	// context record
	z.syncContext()
	age := z.nextAge()
	body := z.ctx.Encode()
	padded := make([]byte, meta.ContextSize(z.contextLimits()))
	if len(body) > len(padded) {
		return types.Invariantf("context of %d bytes exceeds its %d byte record", len(body), len(padded))
	}
	copy(padded, body)
	ctxLoc, err := z.reserve(z.ctxPages())
	if err != nil {
		return err
	}
	if err := z.programRecord(ctxLoc, types.PTFMetaContext, 0, age, padded); err != nil {
		return err
	}
	z.invalidate(z.hdr.ContextLoc, z.ctxPages())
	z.hdr.ContextLoc = ctxLoc
	z.hdr.ContextAge = age

	// directory header, the commit point
	hdrLoc, err := z.reserve(z.hdrPages())
	if err != nil {
		return err
	}
	z.invalidate(z.hdrLoc, z.hdrPages())
	z.hdrLoc = hdrLoc
	ml := z.metaLog
	z.hdr.Sequence++
	z.hdr.ActiveMeta = uint16(ml.active)
	for i := range z.hdr.Meta {
		z.hdr.Meta[i] = meta.MetaBlock{EC: ml.ec[i], Valid: uint16(ml.valid[i])}
	}
	if err := z.programRecord(hdrLoc, types.PTFMetaHeader, 0, z.nextAge(), z.hdr.Encode()); err != nil {
		return err
	}

	copy(ml.committed, ml.valid)
	z.activeDirty = false
	z.ctxDirty = false
	return nil
}

// commitIfActiveChanged persists the active-log set before a log page is programmed,
// so recovery scans every log that may hold pages newer than the directory
func (z *zone) commitIfActiveChanged() error {
	if !z.activeDirty {
		return nil
	}
	return z.commit()
}
