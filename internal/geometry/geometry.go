// Package geometry derives every count, shift and size the translation layer needs
// from the device geometry and the zone table.
package geometry

import (
	"fmt"
	"math/bits"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// Config holds the tunable geometry of a cluster
type Config struct {
	PageSize           int    `mapstructure:"page_size"`
	SpareSize          int    `mapstructure:"spare_size"`
	PagesPerBlock      int    `mapstructure:"pages_per_block"`
	Ways               int    `mapstructure:"ways"`
	SectorsPerCRC      int    `mapstructure:"sectors_per_crc"`
	RootBlocks         int    `mapstructure:"root_blocks"`
	MetaBlocks         int    `mapstructure:"meta_blocks"`
	BufferBlock        bool   `mapstructure:"buffer_block"`
	BlocksPerGroup     int    `mapstructure:"blocks_per_group"`
	LogsPerGroup       int    `mapstructure:"logs_per_group"`
	BlocksPerArea      int    `mapstructure:"blocks_per_area"`
	ReservedBlocks     int    `mapstructure:"reserved_blocks"`
	FreeSlots          int    `mapstructure:"free_slots"`
	MaxActiveLogs      int    `mapstructure:"max_active_logs"`
	MaxActiveGroups    int    `mapstructure:"max_active_groups"`
	InactiveCacheSize  int    `mapstructure:"inactive_cache_size"`
	MaxWritePages      int    `mapstructure:"max_write_pages"`
	WearLevelThreshold uint32 `mapstructure:"wear_level_threshold"`
}

// DefaultConfig returns the geometry of a small SLC part with 2KiB pages
func DefaultConfig() Config {
	return Config{
		PageSize:           2048,
		SpareSize:          64,
		PagesPerBlock:      64,
		Ways:               2,
		SectorsPerCRC:      1,
		RootBlocks:         1,
		MetaBlocks:         8,
		BufferBlock:        true,
		BlocksPerGroup:     2,
		LogsPerGroup:       4,
		BlocksPerArea:      64,
		ReservedBlocks:     16,
		FreeSlots:          32,
		MaxActiveLogs:      8,
		MaxActiveGroups:    4,
		InactiveCacheSize:  32,
		MaxWritePages:      16,
		WearLevelThreshold: 64,
	}
}

// Geometry is the validated, derived form of a Config
type Geometry struct {
	Config

	SectorsPerPage   int
	SectorsPerShift  uint
	PagesPerShift    uint
	CRCGranules      int
	PagesPerGroup    int
	FullBitmap       types.SectorBitmap
	SectorsPerBlock  int
	BlockSizeInBytes int
}

// New validates cfg and derives the geometry
func New(cfg Config) (*Geometry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	spp := cfg.PageSize / types.SectorSize
	g := &Geometry{
		Config:           cfg,
		SectorsPerPage:   spp,
		SectorsPerShift:  uint(bits.TrailingZeros(uint(spp))),
		PagesPerShift:    uint(bits.TrailingZeros(uint(cfg.PagesPerBlock))),
		CRCGranules:      spp / cfg.SectorsPerCRC,
		PagesPerGroup:    cfg.BlocksPerGroup * cfg.PagesPerBlock,
		FullBitmap:       types.FullBitmap(spp),
		SectorsPerBlock:  spp * cfg.PagesPerBlock,
		BlockSizeInBytes: cfg.PageSize * cfg.PagesPerBlock,
	}
	return g, nil
}

func isPowerOfTwo(v int) bool {
	return v > 0 && v&(v-1) == 0
}

// Validate checks the configuration for internally consistent values
func (c Config) Validate() error {
	switch {
	case !isPowerOfTwo(c.PageSize) || c.PageSize < types.SectorSize:
		return fmt.Errorf("%w: page size %d must be a power of two >= %d", types.ErrInvalidParameter, c.PageSize, types.SectorSize)
	case c.PageSize/types.SectorSize > types.MaxSectorsPerPage:
		return fmt.Errorf("%w: page size %d exceeds %d sectors", types.ErrInvalidParameter, c.PageSize, types.MaxSectorsPerPage)
	case !isPowerOfTwo(c.PagesPerBlock) || c.PagesPerBlock < 4 || c.PagesPerBlock > 1024:
		return fmt.Errorf("%w: pages per block %d must be a power of two in [4,1024]", types.ErrInvalidParameter, c.PagesPerBlock)
	case c.Ways < 1 || c.PagesPerBlock%c.Ways != 0:
		return fmt.Errorf("%w: ways %d must divide pages per block", types.ErrInvalidParameter, c.Ways)
	case c.SectorsPerCRC != 1 && c.SectorsPerCRC != 2:
		return fmt.Errorf("%w: sectors per CRC must be 1 or 2, got %d", types.ErrInvalidParameter, c.SectorsPerCRC)
	case (c.PageSize/types.SectorSize)%c.SectorsPerCRC != 0:
		return fmt.Errorf("%w: sectors per CRC %d must divide sectors per page", types.ErrInvalidParameter, c.SectorsPerCRC)
	case c.RootBlocks < 1:
		return fmt.Errorf("%w: at least one root block is required", types.ErrInvalidParameter)
	case c.MetaBlocks < 3:
		return fmt.Errorf("%w: at least three meta blocks are required, got %d", types.ErrInvalidParameter, c.MetaBlocks)
	case c.BlocksPerGroup < 1 || c.BlocksPerGroup > 16:
		return fmt.Errorf("%w: blocks per group %d out of range [1,16]", types.ErrInvalidParameter, c.BlocksPerGroup)
	case c.LogsPerGroup < 1 || c.LogsPerGroup > 16:
		return fmt.Errorf("%w: logs per group %d out of range [1,16]", types.ErrInvalidParameter, c.LogsPerGroup)
	case (c.LogsPerGroup+c.BlocksPerGroup)*c.PagesPerBlock >= 0xFFF0:
		return fmt.Errorf("%w: group page space does not fit the 16-bit page map", types.ErrInvalidParameter)
	case c.BlocksPerArea < c.BlocksPerGroup || c.BlocksPerArea%c.BlocksPerGroup != 0:
		return fmt.Errorf("%w: blocks per area %d must be a multiple of blocks per group %d", types.ErrInvalidParameter, c.BlocksPerArea, c.BlocksPerGroup)
	case c.ReservedBlocks < c.BlocksPerGroup+c.LogsPerGroup+2:
		return fmt.Errorf("%w: reserved blocks %d must be at least blocks per group + logs per group + 2", types.ErrInvalidParameter, c.ReservedBlocks)
	case c.FreeSlots < c.ReservedBlocks+c.BlocksPerGroup+c.LogsPerGroup:
		return fmt.Errorf("%w: free slots %d must be at least reserved + blocks per group + logs per group", types.ErrInvalidParameter, c.FreeSlots)
	case c.MaxActiveLogs < 1:
		return fmt.Errorf("%w: max active logs must be positive", types.ErrInvalidParameter)
	case c.MaxActiveGroups < 1:
		return fmt.Errorf("%w: max active groups must be positive", types.ErrInvalidParameter)
	case c.InactiveCacheSize < 1:
		return fmt.Errorf("%w: inactive cache size must be positive", types.ErrInvalidParameter)
	case c.MaxWritePages < 1:
		return fmt.Errorf("%w: max write pages must be positive", types.ErrInvalidParameter)
	}
	return nil
}

// VPN returns the page address of page within vbn
func (g *Geometry) VPN(vbn types.VBN, page int) types.VPN {
	return types.VPN(uint32(vbn)<<g.PagesPerShift | uint32(page))
}

// BlockOf returns the block containing vpn
func (g *Geometry) BlockOf(vpn types.VPN) types.VBN {
	return types.VBN(uint32(vpn) >> g.PagesPerShift)
}

// PageOf returns the page index of vpn inside its block
func (g *Geometry) PageOf(vpn types.VPN) int {
	return int(uint32(vpn) & uint32(g.PagesPerBlock-1))
}

// SplitLSN returns the logical page holding lsn and the sector inside that page
func (g *Geometry) SplitLSN(lsn types.LSN) (types.LPN, int) {
	return types.LPN(uint32(lsn) >> g.SectorsPerShift), int(uint32(lsn) & uint32(g.SectorsPerPage-1))
}

// SplitLPN returns the data group, block-in-group and page-in-block of lpn.
// lpn = ((dgn * N) + blockInGroup) * pagesPerBlock + pageInBlock
func (g *Geometry) SplitLPN(lpn types.LPN) (types.DGN, int, int) {
	lbn := uint32(lpn) >> g.PagesPerShift
	page := int(uint32(lpn) & uint32(g.PagesPerBlock-1))
	n := uint32(g.BlocksPerGroup)
	return types.DGN(lbn / n), int(lbn % n), page
}

// GroupOffset returns the page offset of lpn inside its data group
func (g *Geometry) GroupOffset(lpn types.LPN) int {
	return int(uint32(lpn) % uint32(g.PagesPerGroup))
}

// LPNOf rebuilds the logical page from a group and an in-group offset
func (g *Geometry) LPNOf(dgn types.DGN, offset int) types.LPN {
	return types.LPN(uint32(dgn)*uint32(g.PagesPerGroup) + uint32(offset))
}

// LBNOf returns the logical block holding lpn
func (g *Geometry) LBNOf(lpn types.LPN) uint32 {
	return uint32(lpn) >> g.PagesPerShift
}

// AreaOfLBN returns the local area and the BMT slot of a logical block
func (g *Geometry) AreaOfLBN(lbn uint32) (types.LAN, int) {
	return types.LAN(lbn / uint32(g.BlocksPerArea)), int(lbn % uint32(g.BlocksPerArea))
}

// AreaOfGroup returns the local area covering every block of dgn and the slot of its first block
func (g *Geometry) AreaOfGroup(dgn types.DGN) (types.LAN, int) {
	return g.AreaOfLBN(uint32(dgn) * uint32(g.BlocksPerGroup))
}

// WayOf returns the interleave way a page offset belongs to
func (g *Geometry) WayOf(page int) int {
	return page % g.Ways
}
