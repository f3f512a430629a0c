package services

import (
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/managers/freelist"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// nextDirtyArea returns the resident area when it is flagged dirty, else the lowest flagged area
func (z *zone) nextDirtyArea() (types.LAN, bool) {
	if z.bmt != nil && z.dirtyAreas.Test(uint(z.bmt.Area)) {
		return z.bmt.Area, true
	}
	i, ok := z.dirtyAreas.NextSet(0)
	if !ok || int(i) >= z.layout.NumAreas {
		return 0, false
	}
	return types.LAN(i), true
}

// gc returns parked blocks of dirty areas to the free list until it holds target
// entries or no dirty area yields more. It returns the number of blocks recovered.
func (z *zone) gc(target int) (int, error) {
	target = min(target, z.free.Capacity())
	moved := 0
	for z.free.Len() < target {
		lan, ok := z.nextDirtyArea()
		if !ok {
			break
		}
		if err := z.switchArea(lan); err != nil {
			return moved, err
		}
		for z.free.Len() < target {
			slot := z.bmt.FindParked()
			if slot < 0 {
				break
			}
			e := z.bmt.Clear(slot)
			if err := z.free.Push(freelist.Entry{VBN: e.VBN, EC: e.EC}); err != nil {
				return moved, err
			}
			moved++
			z.markBMTDirty()
		}
		if z.bmt.FindParked() < 0 {
			z.dirtyAreas.Clear(uint(lan))
			z.ctxDirty = true
		}
	}
	if moved > 0 {
		z.ctx.Counters.GCRuns++
		z.ctxDirty = true
		z.log.Debug("garbage collection", zap.Int("recovered", moved), zap.Int("free", z.free.Len()))
	}
	return moved, nil
}

// reverseGC parks blocks from the head of the free list in idle BMT slots until the
// list has room for room more entries, so blocks released by the next operation
// always have a place to go
func (z *zone) reverseGC(room int) error {
	room = min(room, z.free.Capacity())
	for z.free.Room() < room {
		slot := z.bmt.FindIdle()
		if slot < 0 {
			lan, ok := z.areaWithIdle()
			if !ok {
				break
			}
			if err := z.switchArea(lan); err != nil {
				return err
			}
			continue
		}
		e, ok := z.free.Pop()
		if !ok {
			break
		}
		z.park(slot, e)
	}
	return nil
}
