package services

import (
	"github.com/deploymenttheory/go-nandftl/internal/managers/loggroup"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// deleteState batches deletes for one (group, area) pair. Sector bitmaps accumulate
// per page offset until a page is fully deleted; the changed tables are only
// committed when the pair changes or the zone closes.
type deleteState struct {
	active  bool
	dgn     types.DGN
	lan     types.LAN
	pending map[int]types.SectorBitmap
	changed bool
}

// forget drops accumulated delete bits of an offset that is being rewritten
func (d *deleteState) forget(dgn types.DGN, off int, bm types.SectorBitmap) {
	if !d.active || d.dgn != dgn {
		return
	}
	if left := d.pending[off] &^ bm; left != 0 {
		d.pending[off] = left
	} else {
		delete(d.pending, off)
	}
}

func (z *zone) delete(lsn types.LSN, n int) error {
	if err := z.checkRange(lsn, n); err != nil {
		return err
	}
	if err := z.checkWritable(); err != nil {
		return err
	}

	spp := z.geo.SectorsPerPage
	for pos := 0; pos < n; {
		lpn, sec := z.geo.SplitLSN(lsn + types.LSN(pos))
		cnt := min(spp-sec, n-pos)
		if err := z.deleteSectors(lpn, types.SetBitmap(sec, cnt)); err != nil {
			return err
		}
		pos += cnt
	}
	z.ctx.Counters.HostDeletes += uint64(n)
	z.ctxDirty = true
	return nil
}

func (z *zone) deleteSectors(lpn types.LPN, bm types.SectorBitmap) error {
	dgn, blk, _ := z.geo.SplitLPN(lpn)
	off := z.geo.GroupOffset(lpn)

	if b := &z.ctx.Buffer; b.Dirty && b.LPN == lpn && b.Bitmap&bm != 0 {
		whole := bm
		if z.del.active && z.del.dgn == dgn {
			whole |= z.del.pending[off]
		}
		older, err := z.hasBaseCopy(lpn)
		if err != nil {
			return err
		}
		if !older || whole.IsFull(z.geo.SectorsPerPage) {
			// nothing older shows through, or the page goes away entirely
			b.Bitmap &^= bm
			if b.Bitmap == 0 {
				b.Dirty = false
			}
			z.ctxDirty = true
		} else if err := z.flushBuffer(); err != nil {
			// dropping buffered sectors alone would uncover older copies of them
			return err
		}
	}

	lan, slot := z.groupSlot(dgn, blk)
	if z.del.active && (z.del.dgn != dgn || z.del.lan != lan) {
		if err := z.flushDelete(); err != nil {
			return err
		}
	}
	if !z.del.active {
		z.del = deleteState{active: true, dgn: dgn, lan: lan, pending: make(map[int]types.SectorBitmap)}
	}

	acc := z.del.pending[off] | bm
	if !acc.IsFull(z.geo.SectorsPerPage) {
		z.del.pending[off] = acc
		return nil
	}
	delete(z.del.pending, off)

	g, err := z.lookupGroup(dgn)
	if err != nil {
		return err
	}
	if err := z.switchArea(lan); err != nil {
		return err
	}
	if !g.Delete(off, z.bmt.IsMapped(slot)) {
		return nil
	}
	z.del.changed = true
	if g.BlockFullyDeleted(blk) {
		if z.bmt.IsMapped(slot) {
			z.bmt.MarkGarbage(slot)
			z.markBMTDirty()
			z.dirtyAreas.Set(uint(lan))
		}
		g.ResetBlock(blk)
	}
	return nil
}

// hasBaseCopy reports whether lpn has a log or data block copy under the buffer
func (z *zone) hasBaseCopy(lpn types.LPN) (bool, error) {
	dgn, blk, _ := z.geo.SplitLPN(lpn)
	g, err := z.lookupGroup(dgn)
	if err != nil {
		return false, err
	}
	switch g.Locate(z.geo.GroupOffset(lpn)).Kind {
	case loggroup.InLog:
		return true, nil
	case loggroup.Deleted:
		return false, nil
	}
	lan, slot := z.groupSlot(dgn, blk)
	if err := z.switchArea(lan); err != nil {
		return false, err
	}
	return z.bmt.IsMapped(slot), nil
}

// flushDelete persists the tables changed by the batched deletes
func (z *zone) flushDelete() error {
	if !z.del.active {
		return nil
	}
	changed := z.del.changed
	z.del = deleteState{}
	if !changed {
		return nil
	}
	return z.settle()
}
