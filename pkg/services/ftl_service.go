package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/logger"
	"github.com/deploymenttheory/go-nandftl/internal/services"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// ftlService implements FTLService on top of an engine cluster
type ftlService struct {
	cluster *services.Cluster
	log     *zap.Logger
}

// NewFTLService wraps cluster. The caller keeps ownership of the flash device.
func NewFTLService(cluster *services.Cluster, log *zap.Logger) FTLService {
	return &ftlService{cluster: cluster, log: logger.OrNop(log)}
}

// Format lays down a fresh cluster, closing any open zone first without committing
func (s *ftlService) Format(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.cluster.Close(services.ClosePowerLoss); err != nil {
		return fmt.Errorf("failed to close zones before format: %w", err)
	}
	if err := s.cluster.Format(); err != nil {
		return fmt.Errorf("failed to format cluster: %w", err)
	}
	return nil
}

// Open opens every zone that is not open yet
func (s *ftlService) Open(ctx context.Context) error {
	for id := 0; id < s.cluster.NumZones(); id++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.cluster.IsOpen(id) {
			continue
		}
		if err := s.cluster.OpenZone(id); err != nil {
			return fmt.Errorf("failed to open zone %d: %w", id, err)
		}
		s.log.Debug("zone opened", zap.Int("zone", id))
	}
	return nil
}

// Close commits and closes every open zone
func (s *ftlService) Close() error {
	return s.cluster.Close(services.CloseNormal)
}

func (s *ftlService) Read(ctx context.Context, zone int, lsn uint64, sectors int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sectors <= 0 {
		return nil, types.Paramf("sector count must be positive, got %d", sectors)
	}
	buf := make([]byte, sectors*types.SectorSize)
	if err := s.cluster.Read(zone, types.LSN(lsn), sectors, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write stores data, which must be a whole number of sectors, at lsn
func (s *ftlService) Write(ctx context.Context, zone int, lsn uint64, data []byte, sync bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) == 0 || len(data)%types.SectorSize != 0 {
		return types.Paramf("write of %d bytes is not a whole number of %d-byte sectors", len(data), types.SectorSize)
	}
	var flags services.WriteFlags
	if sync {
		flags |= services.WriteSync
	}
	return s.cluster.Write(zone, types.LSN(lsn), len(data)/types.SectorSize, data, flags)
}

func (s *ftlService) Trim(ctx context.Context, zone int, lsn uint64, sectors int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.cluster.Delete(zone, types.LSN(lsn), sectors)
}

func (s *ftlService) Sync(ctx context.Context, zone int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.cluster.Sync(zone)
}

func (s *ftlService) GC(ctx context.Context, zone int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.cluster.GC(zone)
}

func (s *ftlService) WearLevel(ctx context.Context, zone, swaps int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.cluster.WearLevel(zone, swaps)
}

func (s *ftlService) GlobalWearLevel(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.cluster.GlobalWearLevel()
}

func (s *ftlService) Defragment(ctx context.Context, zone int, resetEC bool) (services.DefragResult, error) {
	if err := ctx.Err(); err != nil {
		return services.DefragResult{}, err
	}
	return s.cluster.Defragment(zone, resetEC)
}

// Info reports the cluster layout. Zones must have been opened once so the root
// record is known; closed zones are listed without statistics.
func (s *ftlService) Info(ctx context.Context) (*ClusterInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := s.cluster.RootInfo()
	if root == nil {
		return nil, fmt.Errorf("%w: no zone has been opened", types.ErrUnformatted)
	}
	geo := s.cluster.Geometry()
	info := &ClusterInfo{
		ClusterID:     root.ClusterID.String(),
		Fingerprint:   root.Fingerprint,
		PageSize:      geo.PageSize,
		SpareSize:     geo.SpareSize,
		PagesPerBlock: geo.PagesPerBlock,
	}
	for id := 0; id < s.cluster.NumZones(); id++ {
		zl, err := s.cluster.Layout(id)
		if err != nil {
			return nil, err
		}
		zi := ZoneInfo{
			ID:             id,
			StartBlock:     uint32(zl.StartVBN),
			Blocks:         zl.NumBlocks,
			UserBlocks:     zl.UserBlocks,
			Groups:         zl.NumGroups,
			Areas:          zl.NumAreas,
			LogicalSectors: zl.LogicalSectors(geo),
			Open:           s.cluster.IsOpen(id),
		}
		zi.CapacityBytes = uint64(zi.LogicalSectors) * types.SectorSize
		if zi.Open {
			st, err := s.cluster.Stats(id)
			if err != nil {
				return nil, err
			}
			zi.Stats = &st
		}
		info.TotalBlocks += zl.NumBlocks
		info.CapacityBytes += zi.CapacityBytes
		info.Zones = append(info.Zones, zi)
	}
	return info, nil
}

func (s *ftlService) EraseCounts(ctx context.Context, zone int) ([]services.BlockRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.cluster.EraseCounts(zone)
}

// Wear summarises the erase counts of the user blocks of zone
func (s *ftlService) Wear(ctx context.Context, zone int) (*WearSummary, error) {
	refs, err := s.EraseCounts(ctx, zone)
	if err != nil {
		return nil, err
	}
	threshold, err := s.cluster.WearLevelThreshold(zone)
	if err != nil {
		return nil, err
	}
	w := &WearSummary{Zone: zone, Threshold: threshold, ByKind: make(map[types.BlockKind]int)}
	var total uint64
	for _, r := range refs {
		w.ByKind[r.Kind]++
		switch r.Kind {
		case types.BlockKindRoot, types.BlockKindMeta, types.BlockKindBuffer:
			continue
		}
		if w.Blocks == 0 || r.EC < w.MinEC {
			w.MinEC = r.EC
		}
		if r.EC > w.MaxEC {
			w.MaxEC = r.EC
		}
		total += uint64(r.EC)
		w.Blocks++
	}
	if w.Blocks > 0 {
		w.MeanEC = float64(total) / float64(w.Blocks)
	}
	return w, nil
}

func (s *ftlService) SetWearLevelThreshold(ctx context.Context, zone int, threshold uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.cluster.SetWearLevelThreshold(zone, threshold)
}

func (s *ftlService) Check(ctx context.Context) (*services.ConsistencyReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.cluster.CheckConsistency()
}
