package services

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/geometry"
	"github.com/deploymenttheory/go-nandftl/internal/interfaces"
	"github.com/deploymenttheory/go-nandftl/internal/managers/bmt"
	"github.com/deploymenttheory/go-nandftl/internal/managers/freelist"
	"github.com/deploymenttheory/go-nandftl/internal/managers/loggroup"
	"github.com/deploymenttheory/go-nandftl/internal/parsers/meta"
	"github.com/deploymenttheory/go-nandftl/internal/parsers/spare"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// activeLog names one log of the zone-wide active set
type activeLog struct {
	dgn types.DGN
	vbn types.VBN
}

// zone is one translation layer instance over a contiguous span of blocks
type zone struct {
	id     int
	geo    *geometry.Geometry
	layout *geometry.ZoneLayout
	dev    interfaces.FlashDevice
	log    *zap.Logger
	shape  loggroup.Shape

	hdr     *meta.DirHeader
	hdrLoc  types.VPN
	ctx     *meta.Context
	metaLog *metaLog

	free     *freelist.FreeList
	released []freelist.Entry

	bmt        *bmt.Table
	bmtDirty   bool
	dirtyAreas *bitset.BitSet

	active      []*loggroup.Group
	inactive    *lru.Cache[types.DGN, *loggroup.Group]
	pending     map[types.DGN]*loggroup.Group
	activeLogs  []activeLog
	activeDirty bool
	ctxDirty    bool

	del    deleteState
	locked bool
}

func newZone(id int, geo *geometry.Geometry, layout *geometry.ZoneLayout, dev interfaces.FlashDevice, log *zap.Logger) (*zone, error) {
	z := &zone{
		id:     id,
		geo:    geo,
		layout: layout,
		dev:    dev,
		log:    log.With(zap.Int("zone", id)),
		shape: loggroup.Shape{
			BlocksPerGroup: geo.BlocksPerGroup,
			LogsPerGroup:   geo.LogsPerGroup,
			PagesPerBlock:  geo.PagesPerBlock,
			Ways:           geo.Ways,
		},
		pending:    make(map[types.DGN]*loggroup.Group),
		dirtyAreas: bitset.New(uint(layout.NumAreas)),
		metaLog:    newMetaLog(layout.MetaVBNs),
	}

	cache, err := lru.NewWithEvict[types.DGN, *loggroup.Group](geo.InactiveCacheSize, z.onInactiveEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create inactive group cache: %w", err)
	}
	z.inactive = cache

	if err := z.checkMetaCapacity(); err != nil {
		return nil, err
	}
	return z, nil
}

// contextLimits returns the table bounds of this zone's context record
func (z *zone) contextLimits() meta.ContextLimits {
	return meta.ContextLimits{
		FreeSlots:     z.geo.FreeSlots,
		MaxReleased:   z.geo.FreeSlots,
		MaxActiveLogs: z.geo.MaxActiveLogs,
		Areas:         z.layout.NumAreas,
	}
}

// checkMetaCapacity verifies that a commit can always complete with at most one
// meta block switch: the live records spread over the non-active blocks leave one
// block whose relocation plus the largest commit fits in a single erase block.
func (z *zone) checkMetaCapacity() error {
	ppb := z.geo.PagesPerBlock
	live := z.hdrPages() + z.ctxPages() + z.layout.NumGroups*z.pmtPages()
	for a := 0; a < z.layout.NumAreas; a++ {
		live += z.bmtPages(types.LAN(a))
	}
	relocate := (live + len(z.layout.MetaVBNs) - 2) / (len(z.layout.MetaVBNs) - 1)
	largestBMT := z.bmtPages(0)
	commit := z.hdrPages() + z.ctxPages() + largestBMT + (z.geo.MaxActiveGroups+2)*z.pmtPages()
	if relocate+commit > ppb {
		return fmt.Errorf("%w: zone %d meta blocks cannot hold %d live pages (%d relocated + %d per commit > %d pages per block)",
			types.ErrInvalidParameter, z.id, live, relocate, commit, ppb)
	}
	return nil
}

func (z *zone) hdrPages() int {
	return meta.PagesFor(z.geo.PageSize, meta.DirHeaderSize(len(z.layout.MetaVBNs), z.layout.NumAreas, z.layout.NumGroups))
}

func (z *zone) ctxPages() int {
	return meta.PagesFor(z.geo.PageSize, meta.ContextSize(z.contextLimits()))
}

func (z *zone) bmtPages(lan types.LAN) int {
	return meta.PagesFor(z.geo.PageSize, bmt.RecordSize(z.layout.AreaSlots(z.geo, lan)))
}

func (z *zone) pmtPages() int {
	return meta.PagesFor(z.geo.PageSize, loggroup.RecordSize(z.shape))
}

func (z *zone) nextAge() uint32 {
	z.ctx.WriteAge++
	return z.ctx.WriteAge
}

func (z *zone) checkWritable() error {
	if z.locked {
		return fmt.Errorf("%w: zone %d", types.ErrPartitionLocked, z.id)
	}
	return nil
}

// lock escalates a failed relocation: the RAM tables may no longer describe flash,
// so every later mutating call is refused
func (z *zone) lock(op string, err error) error {
	z.locked = true
	z.log.Error("partition locked", zap.String("operation", op), zap.Error(err))
	return fmt.Errorf("failed to %s: %w", op, err)
}

func (z *zone) newPage() []byte {
	page := make([]byte, z.geo.PageSize)
	for i := range page {
		page[i] = types.ErasedByte
	}
	return page
}

func (z *zone) newSpare() []byte {
	return make([]byte, z.geo.SpareSize)
}

// crcs computes one CRC per sectors-per-CRC granule of a page
func (z *zone) crcs(page []byte) []uint32 {
	size := z.geo.SectorsPerCRC * types.SectorSize
	out := make([]uint32, z.geo.CRCGranules)
	for i := range out {
		out[i] = z.dev.CRC32(page[i*size : (i+1)*size])
	}
	return out
}

// userSpare encodes the spare area of a user-data page
func (z *zone) userSpare(ptf types.PageType, dgn types.DGN, off int, bm types.SectorBitmap, crcs []uint32) ([]byte, error) {
	buf := z.newSpare()
	err := spare.Encode(spare.Info{
		Type:     ptf,
		Offset:   uint16(off),
		Group:    uint16(dgn),
		Age:      z.nextAge(),
		Bitmap:   bm,
		CRCValid: crcs != nil,
		CRCs:     crcs,
	}, buf)
	return buf, err
}

// readSpare reads and decodes the spare area of vpn. erased reports a never-programmed spare.
func (z *zone) readSpare(vpn types.VPN) (info spare.Info, erased bool, err error) {
	buf := z.newSpare()
	if err := z.dev.Read(vpn, 0, nil, buf); err != nil {
		return spare.Info{}, false, fmt.Errorf("failed to read spare of page %d: %w", vpn, err)
	}
	info, err = spare.Decode(buf, z.geo.CRCGranules)
	switch {
	case errors.Is(err, spare.ErrErased):
		return spare.Info{}, true, nil
	case err != nil:
		return spare.Info{}, false, err
	}
	return info, false, nil
}

// relocatedSpare builds the spare of a page copied from src, reclaiming the source
// CRCs when they are present and recomputing them otherwise
func (z *zone) relocatedSpare(src types.VPN, ptf types.PageType, dgn types.DGN, off int) ([]byte, bool, error) {
	info, erased, err := z.readSpare(src)
	torn := errors.Is(err, spare.ErrTorn)
	if err != nil && !torn {
		return nil, false, err
	}
	if erased || torn {
		return nil, false, nil
	}
	crcs := info.CRCs
	if !info.CRCValid {
		page := z.newPage()
		if err := z.dev.Read(src, z.geo.FullBitmap, page, nil); err != nil {
			return nil, false, fmt.Errorf("failed to read page %d: %w", src, err)
		}
		crcs = z.crcs(page)
	}
	buf, err := z.userSpare(ptf, dgn, off, z.geo.FullBitmap, crcs)
	return buf, true, err
}

// eraseBlock erases vbn and returns its new erase count
func (z *zone) eraseBlock(vbn types.VBN, ec uint32) (uint32, error) {
	if err := z.dev.Erase(vbn); err != nil {
		return ec, fmt.Errorf("failed to erase %s: %w", vbn, err)
	}
	z.ctx.Counters.Erases++
	return ec + 1, nil
}

// popFree takes the head of the free list and erases it
func (z *zone) popFree() (freelist.Entry, error) {
	e, ok := z.free.Pop()
	if !ok {
		return e, fmt.Errorf("%w: zone %d free list is empty", types.ErrNoFreeBlocks, z.id)
	}
	z.ctxDirty = true
	ec, err := z.eraseBlock(e.VBN, e.EC)
	if err != nil {
		// the block keeps its place so the state stays consistent with flash
		z.release(e.VBN, e.EC)
		return e, err
	}
	e.EC = ec
	return e, nil
}

// release hands a block no longer referenced by any table back for reuse. The block
// only reaches the free list in drainReleased so that an operation never reuses a
// block it freed itself before the next commit.
func (z *zone) release(vbn types.VBN, ec uint32) {
	z.released = append(z.released, freelist.Entry{VBN: vbn, EC: ec})
	z.ctxDirty = true
}

// drainReleased moves released blocks to the free list, parking them in idle BMT slots
// when the list is full. With allowSwitch unset only the resident area is used and
// blocks that fit nowhere stay in the released list, which is persisted.
func (z *zone) drainReleased(allowSwitch bool) error {
	for len(z.released) > 0 {
		e := z.released[0]
		switch {
		case z.free.Room() > 0:
			if err := z.free.Push(e); err != nil {
				return err
			}
		case z.bmt != nil && z.bmt.FindIdle() >= 0:
			z.park(z.bmt.FindIdle(), e)
		case allowSwitch:
			lan, ok := z.areaWithIdle()
			if !ok {
				return types.Invariantf("zone %d has %d released blocks but no free slot or idle BMT slot", z.id, len(z.released))
			}
			if err := z.switchArea(lan); err != nil {
				return err
			}
			continue
		default:
			return nil
		}
		z.released = z.released[1:]
		z.ctxDirty = true
	}
	return nil
}

// settle drains released blocks and commits
func (z *zone) settle() error {
	if err := z.drainReleased(true); err != nil {
		return err
	}
	return z.commit()
}

// park stores a free block in an idle slot of the resident BMT
func (z *zone) park(slot int, e freelist.Entry) {
	z.bmt.Park(slot, e.VBN, e.EC)
	z.markBMTDirty()
	z.dirtyAreas.Set(uint(z.bmt.Area))
}

// markBMTDirty flags the resident BMT for the next commit and refreshes its counters
func (z *zone) markBMTDirty() {
	z.bmtDirty = true
	_, parked, idle := z.bmt.Counts()
	z.ctx.IdleSlots[z.bmt.Area] = uint16(idle)
	z.ctx.ParkedSlots[z.bmt.Area] = uint16(parked)
	z.ctxDirty = true
}

// areaWithIdle returns an area other than the resident one that has an idle slot
func (z *zone) areaWithIdle() (types.LAN, bool) {
	for a, n := range z.ctx.IdleSlots {
		if n > 0 && (z.bmt == nil || types.LAN(a) != z.bmt.Area) {
			return types.LAN(a), true
		}
	}
	return 0, false
}

// switchArea makes lan the resident BMT, committing outstanding edits of the old one first
func (z *zone) switchArea(lan types.LAN) error {
	if z.bmt != nil && z.bmt.Area == lan {
		return nil
	}
	if int(lan) >= z.layout.NumAreas {
		return types.Invariantf("zone %d area %d out of range", z.id, lan)
	}
	if z.bmt != nil && z.bmtDirty {
		if err := z.commit(); err != nil {
			return err
		}
	}
	t, err := z.loadBMT(lan)
	if err != nil {
		return err
	}
	z.bmt = t
	z.bmtDirty = false
	z.ctx.ResidentArea = uint32(lan)
	z.ctxDirty = true
	return nil
}

// groupSlot returns the BMT area and slot of block-in-group blk of dgn
func (z *zone) groupSlot(dgn types.DGN, blk int) (types.LAN, int) {
	return z.geo.AreaOfLBN(uint32(dgn)*uint32(z.geo.BlocksPerGroup) + uint32(blk))
}

func (z *zone) checkRange(lsn types.LSN, n int) error {
	if n <= 0 {
		return types.Paramf("sector count %d must be positive", n)
	}
	total := uint64(z.layout.LogicalSectors(z.geo))
	if uint64(lsn)+uint64(n) > total {
		return types.Paramf("sectors %d..%d exceed zone %d capacity of %d sectors", lsn, uint64(lsn)+uint64(n)-1, z.id, total)
	}
	return nil
}
