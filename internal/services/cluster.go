package services

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/geometry"
	"github.com/deploymenttheory/go-nandftl/internal/interfaces"
	"github.com/deploymenttheory/go-nandftl/internal/parsers/meta"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// Option configures a Cluster
type Option func(*Cluster)

// WithLogger sets the logger used by the cluster and its zones
func WithLogger(log *zap.Logger) Option {
	return func(c *Cluster) {
		if log != nil {
			c.log = log
		}
	}
}

// Cluster is a set of zones sharing one flash device. Every public method takes the
// cluster mutex, so calls are serialised and the engine itself holds no finer locks.
type Cluster struct {
	mu      sync.Mutex
	dev     interfaces.FlashDevice
	geo     *geometry.Geometry
	layouts []*geometry.ZoneLayout
	zones   []*zone
	root    *meta.RootInfo
	log     *zap.Logger
}

// NewCluster lays out zones of the given block counts back to back on dev
func NewCluster(dev interfaces.FlashDevice, cfg geometry.Config, zoneBlocks []int, opts ...Option) (*Cluster, error) {
	if dev == nil {
		return nil, types.Paramf("flash device cannot be nil")
	}
	geo, err := geometry.New(cfg)
	if err != nil {
		return nil, err
	}
	layouts, err := geometry.ClusterLayout(geo, zoneBlocks)
	if err != nil {
		return nil, err
	}

	fg := dev.Geometry()
	switch {
	case fg.PageSize != geo.PageSize || fg.PagesPerBlock != geo.PagesPerBlock:
		return nil, types.Paramf("device pages are %d bytes x %d per block, geometry expects %d x %d",
			fg.PageSize, fg.PagesPerBlock, geo.PageSize, geo.PagesPerBlock)
	case fg.SpareSize < geo.SpareSize:
		return nil, types.Paramf("device spare of %d bytes is smaller than %d", fg.SpareSize, geo.SpareSize)
	case geometry.TotalBlocks(layouts) > fg.TotalBlocks:
		return nil, types.Paramf("zones need %d blocks, device has %d", geometry.TotalBlocks(layouts), fg.TotalBlocks)
	}

	c := &Cluster{
		dev:     dev,
		geo:     geo,
		layouts: layouts,
		zones:   make([]*zone, len(layouts)),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Geometry returns the validated geometry
func (c *Cluster) Geometry() *geometry.Geometry {
	return c.geo
}

// NumZones returns the number of zones
func (c *Cluster) NumZones() int {
	return len(c.layouts)
}

// Layout returns the block layout of zone id
func (c *Cluster) Layout(id int) (*geometry.ZoneLayout, error) {
	if id < 0 || id >= len(c.layouts) {
		return nil, types.Paramf("zone %d out of range [0,%d)", id, len(c.layouts))
	}
	return c.layouts[id], nil
}

// RootInfo returns the root record read by the last format or open, or nil
func (c *Cluster) RootInfo() *meta.RootInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// fingerprint hashes every geometry field that shapes the on-flash layout
func (c *Cluster) fingerprint() uint32 {
	g := c.geo
	enc := meta.NewEncoder(64)
	for _, v := range []int{g.PageSize, g.SpareSize, g.PagesPerBlock, g.Ways, g.SectorsPerCRC,
		g.RootBlocks, g.MetaBlocks, g.BlocksPerGroup, g.LogsPerGroup, g.BlocksPerArea,
		g.ReservedBlocks, g.FreeSlots, g.MaxActiveLogs} {
		enc.U32(uint32(v))
	}
	enc.Bool(g.BufferBlock)
	for _, zl := range c.layouts {
		enc.U32(uint32(zl.NumBlocks))
	}
	return c.dev.CRC32(enc.Data())
}

func (c *Cluster) zoneBlocks() []uint32 {
	out := make([]uint32, len(c.layouts))
	for i, zl := range c.layouts {
		out[i] = uint32(zl.NumBlocks)
	}
	return out
}

// Format writes a new root record and an empty directory to every zone. All zones
// must be closed; they stay closed afterwards.
func (c *Cluster) Format() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, z := range c.zones {
		if z != nil {
			return fmt.Errorf("%w: zone %d must be closed before format", types.ErrZoneAlreadyOpen, id)
		}
	}

	root := &meta.RootInfo{
		ClusterID:   uuid.New(),
		Fingerprint: c.fingerprint(),
		ZoneBlocks:  c.zoneBlocks(),
	}
	buf := meta.Frame(c.geo.PageSize, types.PTFRoot, 0, 0, root.Encode())
	if len(buf) > c.geo.BlockSizeInBytes {
		return types.Paramf("root record of %d bytes exceeds a block", len(buf))
	}
	for _, vbn := range c.layouts[0].RootVBNs {
		if err := c.dev.Erase(vbn); err != nil {
			return fmt.Errorf("failed to erase root block %s: %w", vbn, err)
		}
		if err := c.programRoot(vbn, buf); err != nil {
			return err
		}
	}
	c.root = root

	for id, zl := range c.layouts {
		z, err := newZone(id, c.geo, zl, c.dev, c.log)
		if err != nil {
			return err
		}
		if err := z.format(); err != nil {
			return err
		}
	}
	c.log.Info("cluster formatted",
		zap.Stringer("cluster_id", root.ClusterID),
		zap.Int("zones", len(c.layouts)),
		zap.Uint32("fingerprint", root.Fingerprint))
	return nil
}

func (c *Cluster) programRoot(vbn types.VBN, buf []byte) error {
	ps := c.geo.PageSize
	pages := len(buf) / ps
	spares := make([][]byte, pages)
	for i := range spares {
		spares[i] = make([]byte, c.geo.SpareSize)
		for j := range spares[i] {
			spares[i][j] = types.ErasedByte
		}
	}
	if err := c.dev.ProgramMulti(c.geo.VPN(vbn, 0), buf, spares); err != nil {
		return fmt.Errorf("failed to program root block %s: %w", vbn, err)
	}
	return nil
}

// loadRoot reads the first root block that holds a verifiable record matching this
// cluster's geometry
func (c *Cluster) loadRoot() error {
	ps := c.geo.PageSize
	var lastErr error
	for _, vbn := range c.layouts[0].RootVBNs {
		first := make([]byte, ps)
		if err := c.dev.Read(c.geo.VPN(vbn, 0), c.geo.FullBitmap, first, nil); err != nil {
			lastErr = fmt.Errorf("failed to read root block %s: %w", vbn, err)
			continue
		}
		h, err := meta.ParseHeader(first)
		if err != nil || h.Type != types.PTFRoot || int(h.Pages) > c.geo.PagesPerBlock {
			lastErr = fmt.Errorf("%w: root block %s holds no root record", types.ErrUnformatted, vbn)
			continue
		}
		buf := make([]byte, int(h.Pages)*ps)
		copy(buf, first)
		for p := 1; p < int(h.Pages); p++ {
			if err := c.dev.Read(c.geo.VPN(vbn, p), c.geo.FullBitmap, buf[p*ps:(p+1)*ps], nil); err != nil {
				return fmt.Errorf("failed to read root block %s: %w", vbn, err)
			}
		}
		_, body, err := meta.Unframe(buf, ps)
		if err != nil {
			lastErr = err
			continue
		}
		root, err := meta.DecodeRootInfo(body)
		if err != nil {
			lastErr = err
			continue
		}
		if root.Fingerprint != c.fingerprint() {
			return fmt.Errorf("%w: root fingerprint 0x%08x does not match geometry 0x%08x",
				types.ErrCorrupted, root.Fingerprint, c.fingerprint())
		}
		c.root = root
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: cluster has no root block", types.ErrUnformatted)
	}
	return lastErr
}

// OpenZone loads zone id from flash, replaying writes made after its last commit
func (c *Cluster) OpenZone(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.Layout(id); err != nil {
		return err
	}
	if c.zones[id] != nil {
		return fmt.Errorf("%w: zone %d", types.ErrZoneAlreadyOpen, id)
	}
	if c.root == nil {
		if err := c.loadRoot(); err != nil {
			return err
		}
	}
	z, err := newZone(id, c.geo, c.layouts[id], c.dev, c.log)
	if err != nil {
		return err
	}
	if err := z.open(); err != nil {
		return err
	}
	c.zones[id] = z
	return c.recoverGlobalWL()
}

// CloseZone ends the session of zone id
func (c *Cluster) CloseZone(id int, mode RecoveryMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return err
	}
	c.zones[id] = nil
	return z.close(mode)
}

// Close closes every open zone
func (c *Cluster) Close(mode RecoveryMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	for id, z := range c.zones {
		if z == nil {
			continue
		}
		c.zones[id] = nil
		if err := z.close(mode); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// IsOpen reports whether zone id is open
func (c *Cluster) IsOpen(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return id >= 0 && id < len(c.zones) && c.zones[id] != nil
}

func (c *Cluster) zone(id int) (*zone, error) {
	if id < 0 || id >= len(c.zones) {
		return nil, types.Paramf("zone %d out of range [0,%d)", id, len(c.zones))
	}
	if c.zones[id] == nil {
		return nil, fmt.Errorf("%w: zone %d", types.ErrZoneNotOpen, id)
	}
	return c.zones[id], nil
}

// Read copies n sectors starting at lsn into buf
func (c *Cluster) Read(id int, lsn types.LSN, n int, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return err
	}
	return z.read(lsn, n, buf)
}

// Write stores n sectors from buf starting at lsn
func (c *Cluster) Write(id int, lsn types.LSN, n int, buf []byte, flags WriteFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return err
	}
	return z.write(lsn, n, buf, flags)
}

// Delete discards n sectors starting at lsn. Deleted sectors read back as 0xFF.
func (c *Cluster) Delete(id int, lsn types.LSN, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return err
	}
	return z.delete(lsn, n)
}

// Sync persists batched deletes and every dirty table of zone id
func (c *Cluster) Sync(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return err
	}
	if err := z.checkWritable(); err != nil {
		return err
	}
	if err := z.flushDelete(); err != nil {
		return err
	}
	return z.settle()
}

// GC returns parked blocks to the free list until it is full and reports how many moved
func (c *Cluster) GC(id int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return 0, err
	}
	if err := z.checkWritable(); err != nil {
		return 0, err
	}
	moved, err := z.gc(z.free.Capacity())
	if err != nil {
		return moved, err
	}
	return moved, z.settle()
}

// WearLevel performs up to n swaps inside zone id
func (c *Cluster) WearLevel(id, n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return 0, err
	}
	return z.wearLevel(n)
}

// GlobalWearLevel performs at most one swap between the open zones
func (c *Cluster) GlobalWearLevel() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalWearLevel()
}

// Defragment merges every group of zone id, empties the parked slots and rewrites
// the meta records; resetEC also clears every erase count
func (c *Cluster) Defragment(id int, resetEC bool) (DefragResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return DefragResult{}, err
	}
	return z.defragment(resetEC)
}

// EraseCounts lists every block of zone id with its role and erase count
func (c *Cluster) EraseCounts(id int) ([]BlockRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return nil, err
	}
	return z.eraseCounts()
}

// WearLevelThreshold returns the erase-count skew that triggers a swap in zone id
func (c *Cluster) WearLevelThreshold(id int) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return 0, err
	}
	return z.ctx.WearLevelThreshold, nil
}

// SetWearLevelThreshold changes and persists the wear-leveling threshold of zone id
func (c *Cluster) SetWearLevelThreshold(id int, v uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return err
	}
	return z.setWearLevelThreshold(v)
}

// LogSectorCount returns the number of user sectors zone id exports
func (c *Cluster) LogSectorCount(id int) (uint32, error) {
	layout, err := c.Layout(id)
	if err != nil {
		return 0, err
	}
	return layout.LogicalSectors(c.geo), nil
}

// Stats returns the counters and table occupancy of zone id
func (c *Cluster) Stats(id int) (ZoneStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, err := c.zone(id)
	if err != nil {
		return ZoneStats{}, err
	}
	return z.stats(), nil
}

// CheckConsistency audits every open zone. With all zones open it also verifies that
// every block of the device span is owned by exactly one table.
func (c *Cluster) CheckConsistency() (*ConsistencyReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &ConsistencyReport{}
	var refs []BlockRef
	all := true
	for _, z := range c.zones {
		if z == nil {
			all = false
			continue
		}
		if err := z.audit(r); err != nil {
			return nil, err
		}
		zr, err := z.blockRefs()
		if err != nil {
			return nil, err
		}
		refs = append(refs, zr...)
	}
	total := -1
	if all {
		total = geometry.TotalBlocks(c.layouts)
	}
	checkOwnership(r, refs, total)
	return r, nil
}
