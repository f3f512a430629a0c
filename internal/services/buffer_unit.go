package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// The buffer block absorbs sub-page writes. It holds the sectors of at most one LPN;
// each absorbed write programs the next page of the block with every buffered sector
// of that LPN, so the newest buffer page is always self-contained. Reads overlay the
// buffered sectors on top of the log or data block copy.

// bufferWrite absorbs the sectors of bm into the buffer block
func (z *zone) bufferWrite(lpn types.LPN, bm types.SectorBitmap, sec int, data []byte) error {
	b := &z.ctx.Buffer
	if int(b.Clean) >= z.geo.PagesPerBlock {
		if err := z.rotateBuffer(); err != nil {
			return err
		}
	}

	page := z.newPage()
	merged := bm
	if b.Dirty && b.LPN == lpn {
		if err := z.dev.Read(z.geo.VPN(b.VBN, int(b.Page)), b.Bitmap, page, nil); err != nil {
			return fmt.Errorf("failed to read buffered lpn %d: %w", lpn, err)
		}
		merged |= b.Bitmap
	}
	copy(page[sec*types.SectorSize:], data)

	dgn, _, _ := z.geo.SplitLPN(lpn)
	sp, err := z.userSpare(types.PTFBuffer, dgn, z.geo.GroupOffset(lpn), merged, z.crcs(page))
	if err != nil {
		return err
	}
	at := int(b.Clean)
	b.Clean++
	z.ctxDirty = true
	if err := z.dev.Program(z.geo.VPN(b.VBN, at), page, sp); err != nil {
		return fmt.Errorf("failed to program buffer page %d: %w", at, err)
	}
	z.ctx.Counters.PagesProgrammed++
	b.Dirty = true
	b.LPN = lpn
	b.Bitmap = merged
	b.Page = uint16(at)

	if merged.IsFull(z.geo.SectorsPerPage) {
		return z.flushBuffer()
	}
	return nil
}

// flushBuffer writes the buffered LPN as a full page into a log and cleans the buffer
func (z *zone) flushBuffer() error {
	b := &z.ctx.Buffer
	if !b.Dirty {
		return nil
	}
	lpn := b.LPN
	page := z.newPage()
	if missing := z.geo.FullBitmap &^ b.Bitmap; missing != 0 {
		if err := z.readBase(lpn, missing, page); err != nil {
			return err
		}
	}
	if err := z.dev.Read(z.geo.VPN(b.VBN, int(b.Page)), b.Bitmap, page, nil); err != nil {
		return fmt.Errorf("failed to read buffered lpn %d: %w", lpn, err)
	}
	if _, err := z.writeFullPages(lpn, 1, page); err != nil {
		return err
	}
	z.log.Debug("buffer flushed", zap.Uint32("lpn", uint32(lpn)))
	return nil
}

// rotateBuffer empties a full buffer block. The flush is committed before the erase
// so the directory never points at a buffered page that no longer exists.
func (z *zone) rotateBuffer() error {
	if err := z.flushBuffer(); err != nil {
		return err
	}
	if err := z.settle(); err != nil {
		return err
	}
	b := &z.ctx.Buffer
	ec, err := z.eraseBlock(b.VBN, b.EC)
	if err != nil {
		return err
	}
	b.EC = ec
	b.Clean = 0
	z.ctxDirty = true
	return z.commit()
}
