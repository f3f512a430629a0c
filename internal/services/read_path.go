package services

import (
	"fmt"

	"github.com/deploymenttheory/go-nandftl/internal/managers/loggroup"
	"github.com/deploymenttheory/go-nandftl/internal/parsers/spare"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

func (z *zone) read(lsn types.LSN, n int, buf []byte) error {
	if err := z.checkRange(lsn, n); err != nil {
		return err
	}
	if len(buf) < n*types.SectorSize {
		return types.Paramf("buffer of %d bytes is too small for %d sectors", len(buf), n)
	}

	spp := z.geo.SectorsPerPage
	page := make([]byte, z.geo.PageSize)
	for pos := 0; pos < n; {
		lpn, sec := z.geo.SplitLSN(lsn + types.LSN(pos))
		cnt := min(spp-sec, n-pos)
		if err := z.readPage(lpn, types.SetBitmap(sec, cnt), page); err != nil {
			return err
		}
		copy(buf[pos*types.SectorSize:(pos+cnt)*types.SectorSize], page[sec*types.SectorSize:])
		pos += cnt
	}
	z.ctx.Counters.HostReads += uint64(n)
	return nil
}

// readPage fills the sectors of bm in page with the current content of lpn
func (z *zone) readPage(lpn types.LPN, bm types.SectorBitmap, page []byte) error {
	if b := z.ctx.Buffer; b.Dirty && b.LPN == lpn {
		if hit := bm & b.Bitmap; hit != 0 {
			if err := z.readPhysical(z.geo.VPN(b.VBN, int(b.Page)), hit, page); err != nil {
				return err
			}
			bm &^= hit
		}
	}
	if bm == 0 {
		return nil
	}
	return z.readBase(lpn, bm, page)
}

// readBase reads lpn from its log or data block, ignoring the buffer
func (z *zone) readBase(lpn types.LPN, bm types.SectorBitmap, page []byte) error {
	dgn, blk, pib := z.geo.SplitLPN(lpn)
	g, err := z.lookupGroup(dgn)
	if err != nil {
		return err
	}

	var vpn types.VPN
	switch loc := g.Locate(z.geo.GroupOffset(lpn)); loc.Kind {
	case loggroup.InLog:
		vpn = z.geo.VPN(g.Log(loc.Slot).VBN, loc.Page)
	case loggroup.Deleted:
		fillSectors(page, bm)
		return nil
	default:
		lan, slot := z.groupSlot(dgn, blk)
		if err := z.switchArea(lan); err != nil {
			return err
		}
		if !z.bmt.IsMapped(slot) {
			fillSectors(page, bm)
			return nil
		}
		vpn = z.geo.VPN(z.bmt.Entries[slot].VBN, pib)
	}
	return z.readPhysical(vpn, bm, page)
}

// readPhysical reads the sectors of bm from vpn and checks every CRC granule fully
// covered by the read
func (z *zone) readPhysical(vpn types.VPN, bm types.SectorBitmap, page []byte) error {
	sp := z.newSpare()
	if err := z.dev.Read(vpn, bm, page, sp); err != nil {
		return fmt.Errorf("failed to read page %d: %w", vpn, err)
	}
	info, err := spare.Decode(sp, z.geo.CRCGranules)
	if err != nil || !info.CRCValid {
		// erased or torn spare: nothing to check against
		return nil
	}
	return z.verifyCRCs(vpn, page, bm, info.CRCs)
}

func (z *zone) verifyCRCs(vpn types.VPN, page []byte, bm types.SectorBitmap, crcs []uint32) error {
	spc := z.geo.SectorsPerCRC
	size := spc * types.SectorSize
	granule := types.SetBitmap(0, spc)
	for i, want := range crcs {
		if bm&(granule<<uint(i*spc)) != granule<<uint(i*spc) {
			continue
		}
		if got := z.dev.CRC32(page[i*size : (i+1)*size]); got != want {
			return fmt.Errorf("%w: page %d granule %d has crc 0x%08x, spare records 0x%08x", types.ErrCRCMismatch, vpn, i, got, want)
		}
	}
	return nil
}

func fillSectors(page []byte, bm types.SectorBitmap) {
	for s := 0; s < types.MaxSectorsPerPage; s++ {
		if !bm.Has(s) {
			continue
		}
		start := s * types.SectorSize
		if start >= len(page) {
			break
		}
		for i := start; i < start+types.SectorSize; i++ {
			page[i] = types.ErasedByte
		}
	}
}
