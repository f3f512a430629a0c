package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/managers/loggroup"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// Both compactions program every copy before touching the page map, so a failed or
// interrupted copy leaves the group exactly as committed.

// copyCandidate picks the (src, dst) pair where dst's clean pages, less the
// interleave skew, can absorb all of src and src holds the fewest live pages
func (z *zone) copyCandidate(g *loggroup.Group) (int, int) {
	ppb := z.geo.PagesPerBlock
	src, dst := loggroup.NoLog, loggroup.NoLog
	slots := g.Slots()
	for _, s := range slots {
		v := g.Log(s).ValidPages()
		for _, d := range slots {
			if d == s {
				continue
			}
			room := ppb - g.Log(d).Clean - (z.geo.Ways - 1)
			if room < v {
				continue
			}
			if src == loggroup.NoLog || v < g.Log(src).ValidPages() {
				src, dst = s, d
			}
		}
	}
	return src, dst
}

// copyCompaction moves the live pages of one log into the clean tail of another.
// It runs only while the group holds more logs than data blocks.
func (z *zone) copyCompaction(g *loggroup.Group) (bool, error) {
	if g.NumLogs <= z.geo.BlocksPerGroup {
		return false, nil
	}
	src, dst := z.copyCandidate(g)
	if src == loggroup.NoLog {
		return false, nil
	}
	g.Dirty = true

	refs := g.PagesOf(src)
	if len(refs) > 0 {
		if err := z.activate(g, dst); err != nil {
			return false, err
		}
		if err := z.commitIfActiveChanged(); err != nil {
			return false, err
		}
		srcLog, dstLog := g.Log(src), g.Log(dst)
		base := dstLog.Clean
		for i, r := range refs {
			from := z.geo.VPN(srcLog.VBN, r.Page)
			sp, ok, err := z.relocatedSpare(from, types.PTFLog, g.DGN, r.Offset)
			if err != nil {
				return false, z.lock("copy-compact log", err)
			}
			if !ok {
				return false, z.lock("copy-compact log", types.Invariantf("live page %d of log %s is unreadable", r.Page, srcLog.VBN))
			}
			if err := z.dev.ModifyCopyBack(from, z.geo.VPN(dstLog.VBN, base+i), nil, 0, sp); err != nil {
				return false, z.lock("copy-compact log", fmt.Errorf("failed to copy page %d: %w", from, err))
			}
			z.ctx.Counters.PagesCopied++
		}
		for _, r := range refs {
			if _, err := g.AppendPage(dst, r.Offset); err != nil {
				return false, err
			}
		}
	}

	if err := z.dropLog(g, src); err != nil {
		return false, err
	}
	z.ctx.Counters.Compactions++
	z.log.Debug("copy compaction", zap.Uint32("dgn", uint32(g.DGN)), zap.Int("pages", len(refs)))
	return true, z.settle()
}

// compactLog merges the two least-valid logs of g into one freshly erased block
func (z *zone) compactLog(g *loggroup.Group) (bool, error) {
	a, b := g.LeastValid()
	if b == loggroup.NoLog {
		return false, nil
	}
	refs := append(g.PagesOf(a), g.PagesOf(b)...)
	if len(refs) > z.geo.PagesPerBlock {
		return false, nil
	}
	if len(refs) == 0 {
		if err := z.dropLog(g, a); err != nil {
			return false, err
		}
		if err := z.dropLog(g, b); err != nil {
			return false, err
		}
		z.ctx.Counters.Compactions++
		return true, z.settle()
	}
	if z.free.Len() == 0 {
		if _, err := z.gc(1); err != nil {
			return false, err
		}
		if z.free.Len() == 0 {
			return false, nil
		}
	}
	g.Dirty = true

	e, err := z.popFree()
	if err != nil {
		return false, err
	}
	owner := func(page int, fromA bool) types.VPN {
		if fromA {
			return z.geo.VPN(g.Log(a).VBN, page)
		}
		return z.geo.VPN(g.Log(b).VBN, page)
	}
	fromA := len(g.PagesOf(a))
	for i, r := range refs {
		from := owner(r.Page, i < fromA)
		sp, ok, err := z.relocatedSpare(from, types.PTFLog, g.DGN, r.Offset)
		if err != nil {
			return false, z.lock("compact logs", err)
		}
		if !ok {
			return false, z.lock("compact logs", types.Invariantf("live page %d is unreadable", from))
		}
		if err := z.dev.ModifyCopyBack(from, z.geo.VPN(e.VBN, i), nil, 0, sp); err != nil {
			return false, z.lock("compact logs", fmt.Errorf("failed to copy page %d: %w", from, err))
		}
		z.ctx.Counters.PagesCopied++
	}

	for _, r := range refs {
		g.MoveOut(r.Offset)
	}
	if err := z.dropLog(g, a); err != nil {
		return false, err
	}
	if err := z.dropLog(g, b); err != nil {
		return false, err
	}
	s, err := g.AddLog(e.VBN, e.EC)
	if err != nil {
		return false, err
	}
	for _, r := range refs {
		if _, err := g.AppendPage(s, r.Offset); err != nil {
			return false, err
		}
	}
	z.ctx.Counters.Compactions++
	z.log.Debug("log compaction", zap.Uint32("dgn", uint32(g.DGN)), zap.Int("pages", len(refs)), zap.Stringer("vbn", e.VBN))
	return true, z.settle()
}
