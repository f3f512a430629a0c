package services

import (
	"context"
	"errors"

	"github.com/deploymenttheory/go-nandftl/internal/services"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// ErrNotInitialized is returned by factory getters before a device is attached
var ErrNotInitialized = errors.New("service factory not initialized")

// ClusterInfo describes a formatted cluster and its zones
type ClusterInfo struct {
	ClusterID     string
	Fingerprint   uint32
	PageSize      int
	SpareSize     int
	PagesPerBlock int
	TotalBlocks   int
	CapacityBytes uint64
	Zones         []ZoneInfo
}

// ZoneInfo represents basic zone metadata. Stats is nil for closed zones.
type ZoneInfo struct {
	ID             int
	StartBlock     uint32
	Blocks         int
	UserBlocks     int
	Groups         int
	Areas          int
	LogicalSectors uint32
	CapacityBytes  uint64
	Open           bool
	Stats          *services.ZoneStats
}

// WearSummary aggregates the erase counts of a zone
type WearSummary struct {
	Zone      int
	Blocks    int
	MinEC     uint32
	MaxEC     uint32
	MeanEC    float64
	Threshold uint32
	ByKind    map[types.BlockKind]int
}

// Skew returns the spread between the youngest and the most worn block
func (w *WearSummary) Skew() uint32 {
	return w.MaxEC - w.MinEC
}

// Skewed reports whether the spread exceeds the wear-level threshold
func (w *WearSummary) Skewed() bool {
	return w.Skew() > w.Threshold
}

// FTLService provides high-level translation layer operations over one device
type FTLService interface {
	// Lifecycle
	Format(ctx context.Context) error
	Open(ctx context.Context) error
	Close() error

	// Sector I/O
	Read(ctx context.Context, zone int, lsn uint64, sectors int) ([]byte, error)
	Write(ctx context.Context, zone int, lsn uint64, data []byte, sync bool) error
	Trim(ctx context.Context, zone int, lsn uint64, sectors int) error
	Sync(ctx context.Context, zone int) error

	// Maintenance
	GC(ctx context.Context, zone int) (int, error)
	WearLevel(ctx context.Context, zone, swaps int) (int, error)
	GlobalWearLevel(ctx context.Context) (bool, error)
	Defragment(ctx context.Context, zone int, resetEC bool) (services.DefragResult, error)

	// Inspection
	Info(ctx context.Context) (*ClusterInfo, error)
	EraseCounts(ctx context.Context, zone int) ([]services.BlockRef, error)
	Wear(ctx context.Context, zone int) (*WearSummary, error)
	SetWearLevelThreshold(ctx context.Context, zone int, threshold uint32) error
	Check(ctx context.Context) (*services.ConsistencyReport, error)
}

// WearBlock is one row of an erase-count listing
type WearBlock struct {
	VBN  uint32 `json:"vbn"`
	EC   uint32 `json:"ec"`
	Kind string `json:"kind"`
}
