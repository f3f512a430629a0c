package services

import (
	"fmt"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// WriteFlags modify a write request
type WriteFlags uint32

const (
	// WriteSync commits the directory before the write returns
	WriteSync WriteFlags = 1 << iota
)

func (z *zone) write(lsn types.LSN, n int, buf []byte, flags WriteFlags) error {
	if err := z.checkRange(lsn, n); err != nil {
		return err
	}
	if len(buf) < n*types.SectorSize {
		return types.Paramf("buffer of %d bytes is too small for %d sectors", len(buf), n)
	}
	if err := z.checkWritable(); err != nil {
		return err
	}

	spp := z.geo.SectorsPerPage
	for pos := 0; pos < n; {
		lpn, sec := z.geo.SplitLSN(lsn + types.LSN(pos))
		if sec == 0 && n-pos >= spp {
			data := buf[pos*types.SectorSize:]
			written, err := z.writeFullPages(lpn, (n-pos)/spp, data)
			if err != nil {
				return err
			}
			pos += written * spp
			continue
		}
		cnt := min(spp-sec, n-pos)
		if err := z.writePartial(lpn, sec, cnt, buf[pos*types.SectorSize:(pos+cnt)*types.SectorSize]); err != nil {
			return err
		}
		pos += cnt
	}
	z.ctx.Counters.HostWrites += uint64(n)
	z.ctxDirty = true

	if flags&WriteSync != 0 {
		if err := z.flushDelete(); err != nil {
			return err
		}
		return z.settle()
	}
	return nil
}

// writeFullPages programs up to pages whole pages starting at lpn into one log with a
// single multi-page program and returns how many were written
func (z *zone) writeFullPages(lpn types.LPN, pages int, data []byte) (int, error) {
	dgn, _, _ := z.geo.SplitLPN(lpn)
	off := z.geo.GroupOffset(lpn)

	g, err := z.getGroup(dgn)
	if err != nil {
		return 0, err
	}
	slot, err := z.getLogToWrite(g, off)
	if err != nil {
		return 0, err
	}
	if err := z.commitIfActiveChanged(); err != nil {
		return 0, err
	}

	l := g.Log(slot)
	n := min(pages, z.geo.PagesPerBlock-l.Clean, z.geo.MaxWritePages, z.geo.PagesPerGroup-off)
	ps := z.geo.PageSize
	spares := make([][]byte, n)
	for i := range spares {
		spares[i], err = z.userSpare(types.PTFLog, dgn, off+i, z.geo.FullBitmap, z.crcs(data[i*ps:(i+1)*ps]))
		if err != nil {
			return 0, err
		}
	}
	if err := z.dev.ProgramMulti(z.geo.VPN(l.VBN, l.Clean), data[:n*ps], spares); err != nil {
		// the tail of the log may be partially programmed
		g.SkipTo(slot, z.geo.PagesPerBlock)
		return 0, fmt.Errorf("failed to program %d pages at lpn %d: %w", n, lpn, err)
	}
	for i := 0; i < n; i++ {
		if _, err := g.AppendPage(slot, off+i); err != nil {
			return 0, err
		}
		z.del.forget(dgn, off+i, z.geo.FullBitmap)
	}
	z.ctx.Counters.PagesProgrammed += uint64(n)

	if b := &z.ctx.Buffer; b.Dirty && b.LPN >= lpn && b.LPN < lpn+types.LPN(n) {
		b.Dirty = false
		z.ctxDirty = true
	}
	return n, nil
}

// writePartial writes cnt sectors starting at sector sec of lpn
func (z *zone) writePartial(lpn types.LPN, sec, cnt int, data []byte) error {
	bm := types.SetBitmap(sec, cnt)
	dgn, _, _ := z.geo.SplitLPN(lpn)
	z.del.forget(dgn, z.geo.GroupOffset(lpn), bm)

	if !z.geo.BufferBlock {
		return z.readModifyWrite(lpn, bm, sec, data)
	}
	if b := z.ctx.Buffer; b.Dirty && b.LPN != lpn {
		if err := z.flushBuffer(); err != nil {
			return err
		}
	}
	return z.bufferWrite(lpn, bm, sec, data)
}

// readModifyWrite merges sectors into the current page content and writes the full page
func (z *zone) readModifyWrite(lpn types.LPN, bm types.SectorBitmap, sec int, data []byte) error {
	page := z.newPage()
	if missing := z.geo.FullBitmap &^ bm; missing != 0 {
		if err := z.readPage(lpn, missing, page); err != nil {
			return err
		}
	}
	copy(page[sec*types.SectorSize:], data)
	_, err := z.writeFullPages(lpn, 1, page)
	return err
}
