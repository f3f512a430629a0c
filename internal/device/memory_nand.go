package device

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/deploymenttheory/go-nandftl/internal/interfaces"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

var (
	// ErrPowerLoss is returned by every operation after an injected power cut
	ErrPowerLoss = errors.New("flash: power lost")

	// ErrOutOfRange is returned for addresses beyond the device
	ErrOutOfRange = errors.New("flash: address out of range")

	// ErrNotErased is returned when programming a page that is already programmed
	ErrNotErased = errors.New("flash: page is not erased")

	// ErrInjected is the default error for one-shot injected failures
	ErrInjected = errors.New("flash: injected failure")
)

// Op identifies a flash primitive for statistics and fault injection
type Op int

const (
	OpErase Op = iota
	OpProgram
	OpRead
	OpCopyBack
	OpModifyCopyBack
	numOps
)

// String returns the primitive name
func (o Op) String() string {
	switch o {
	case OpErase:
		return "erase"
	case OpProgram:
		return "program"
	case OpRead:
		return "read"
	case OpCopyBack:
		return "copyback"
	case OpModifyCopyBack:
		return "modify-copyback"
	}
	return "unknown"
}

// MemoryStatistics counts primitives issued against a MemoryNAND
type MemoryStatistics struct {
	Ops [numOps]uint64
}

// MemoryNAND is a RAM-backed NAND array. It enforces erase-before-program, tracks
// physical erase counts and supports one-shot failures and power-cut injection.
type MemoryNAND struct {
	geom  interfaces.FlashGeometry
	data  [][]byte
	spare [][]byte
	ecs   []uint32

	stats MemoryStatistics

	// mutating operations left before the power cut; negative disables the cut
	powerBudget int
	powerLost   bool
	tornWrites  bool
	failures    map[Op]error

	mu sync.Mutex
}

// NewMemoryNAND allocates an erased device
func NewMemoryNAND(geom interfaces.FlashGeometry) *MemoryNAND {
	pages := geom.TotalBlocks * geom.PagesPerBlock
	return &MemoryNAND{
		geom:        geom,
		data:        make([][]byte, pages),
		spare:       make([][]byte, pages),
		ecs:         make([]uint32, geom.TotalBlocks),
		powerBudget: -1,
		failures:    make(map[Op]error),
	}
}

// Geometry returns the device shape
func (m *MemoryNAND) Geometry() interfaces.FlashGeometry {
	return m.geom
}

// CRC32 computes an IEEE CRC32
func (m *MemoryNAND) CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// CutPowerAfter lets n more mutating operations succeed, then fails every operation
// with ErrPowerLoss until Restore is called. With torn set, the program that hits the
// cut stores its data but leaves the spare area erased.
func (m *MemoryNAND) CutPowerAfter(n int, torn bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerBudget = n
	m.tornWrites = torn
}

// Restore brings the device back after a power cut
func (m *MemoryNAND) Restore() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerBudget = -1
	m.powerLost = false
}

// PowerLost reports whether the device is currently cut off
func (m *MemoryNAND) PowerLost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powerLost
}

// FailNext makes the next operation of kind op fail with err (ErrInjected when nil)
func (m *MemoryNAND) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	m.failures[op] = err
}

// Statistics returns a snapshot of the operation counters
func (m *MemoryNAND) Statistics() MemoryStatistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// PhysicalEraseCount returns how often vbn has been erased
func (m *MemoryNAND) PhysicalEraseCount(vbn types.VBN) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(vbn) >= len(m.ecs) {
		return 0
	}
	return m.ecs[vbn]
}

// IsErased reports whether the page at vpn has never been programmed since the last erase
func (m *MemoryNAND) IsErased(vpn types.VPN) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(vpn) < len(m.data) && m.data[vpn] == nil && m.spare[vpn] == nil
}

// begin runs the common checks for an operation. mutating operations consume power budget.
// It reports torn=true when this operation is the one that hits the power cut.
func (m *MemoryNAND) begin(op Op, mutating bool) (torn bool, err error) {
	if m.powerLost {
		return false, ErrPowerLoss
	}
	if ferr, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return false, ferr
	}
	if mutating && m.powerBudget >= 0 {
		if m.powerBudget == 0 {
			m.powerLost = true
			return m.tornWrites, ErrPowerLoss
		}
		m.powerBudget--
	}
	m.stats.Ops[op]++
	return false, nil
}

func (m *MemoryNAND) checkPage(vpn types.VPN) error {
	if int(vpn) >= len(m.data) {
		return fmt.Errorf("%w: page %d", ErrOutOfRange, vpn)
	}
	return nil
}

// Erase resets every page of vbn
func (m *MemoryNAND) Erase(vbn types.VBN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(vbn) >= m.geom.TotalBlocks {
		return fmt.Errorf("%w: block %d", ErrOutOfRange, vbn)
	}
	if _, err := m.begin(OpErase, true); err != nil {
		return err
	}

	first := int(vbn) * m.geom.PagesPerBlock
	for p := first; p < first+m.geom.PagesPerBlock; p++ {
		m.data[p] = nil
		m.spare[p] = nil
	}
	m.ecs[vbn]++
	return nil
}

func (m *MemoryNAND) programLocked(vpn types.VPN, data []byte, spare []byte) error {
	if err := m.checkPage(vpn); err != nil {
		return err
	}
	if m.data[vpn] != nil || m.spare[vpn] != nil {
		return fmt.Errorf("%w: page %d", ErrNotErased, vpn)
	}
	torn, err := m.begin(OpProgram, true)
	if torn {
		m.data[vpn] = m.pageCopy(data, m.geom.PageSize)
	}
	if err != nil {
		return err
	}
	m.data[vpn] = m.pageCopy(data, m.geom.PageSize)
	m.spare[vpn] = m.pageCopy(spare, m.geom.SpareSize)
	return nil
}

// Program writes one erased page
func (m *MemoryNAND) Program(vpn types.VPN, data []byte, spare []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.programLocked(vpn, data, spare)
}

// ProgramMulti writes consecutive pages of one block
func (m *MemoryNAND) ProgramMulti(vpn types.VPN, data []byte, spares [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(data) < len(spares)*m.geom.PageSize {
		return fmt.Errorf("flash: multi-page data holds %d bytes, need %d", len(data), len(spares)*m.geom.PageSize)
	}
	first := int(vpn) / m.geom.PagesPerBlock
	last := (int(vpn) + len(spares) - 1) / m.geom.PagesPerBlock
	if first != last {
		return fmt.Errorf("flash: multi-page program crosses block boundary at page %d", vpn)
	}
	for i, sp := range spares {
		off := i * m.geom.PageSize
		if err := m.programLocked(vpn+types.VPN(i), data[off:off+m.geom.PageSize], sp); err != nil {
			return err
		}
	}
	return nil
}

// Read copies the selected sectors and the spare area
func (m *MemoryNAND) Read(vpn types.VPN, bitmap types.SectorBitmap, data []byte, spare []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkPage(vpn); err != nil {
		return err
	}
	if _, err := m.begin(OpRead, false); err != nil {
		return err
	}

	src := m.data[vpn]
	spp := m.geom.PageSize / types.SectorSize
	for s := 0; s < spp; s++ {
		if !bitmap.Has(s) {
			continue
		}
		off := s * types.SectorSize
		if len(data) < off+types.SectorSize {
			break
		}
		if src == nil {
			fillErased(data[off : off+types.SectorSize])
		} else {
			copy(data[off:off+types.SectorSize], src[off:off+types.SectorSize])
		}
	}
	if spare != nil {
		if m.spare[vpn] == nil {
			fillErased(spare)
		} else {
			copy(spare, m.spare[vpn])
		}
	}
	return nil
}

// CopyBack duplicates src into the erased page dst
func (m *MemoryNAND) CopyBack(src, dst types.VPN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkPage(src); err != nil {
		return err
	}
	if err := m.checkPage(dst); err != nil {
		return err
	}
	if m.data[dst] != nil || m.spare[dst] != nil {
		return fmt.Errorf("%w: copyback target %d", ErrNotErased, dst)
	}
	if _, err := m.begin(OpCopyBack, true); err != nil {
		return err
	}
	if m.data[src] == nil && m.spare[src] == nil {
		return nil
	}
	m.data[dst] = m.pageCopy(m.data[src], m.geom.PageSize)
	m.spare[dst] = m.pageCopy(m.spare[src], m.geom.SpareSize)
	return nil
}

// ModifyCopyBack duplicates src into dst with patched sectors and a new spare area
func (m *MemoryNAND) ModifyCopyBack(src, dst types.VPN, patch []byte, patchBitmap types.SectorBitmap, spare []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkPage(src); err != nil {
		return err
	}
	if err := m.checkPage(dst); err != nil {
		return err
	}
	if m.data[dst] != nil || m.spare[dst] != nil {
		return fmt.Errorf("%w: copyback target %d", ErrNotErased, dst)
	}
	if _, err := m.begin(OpModifyCopyBack, true); err != nil {
		return err
	}

	page := m.pageCopy(m.data[src], m.geom.PageSize)
	spp := m.geom.PageSize / types.SectorSize
	for s := 0; s < spp; s++ {
		if !patchBitmap.Has(s) {
			continue
		}
		off := s * types.SectorSize
		copy(page[off:off+types.SectorSize], patch[off:off+types.SectorSize])
	}
	m.data[dst] = page
	m.spare[dst] = m.pageCopy(spare, m.geom.SpareSize)
	return nil
}

// pageCopy returns a copy of b sized to n bytes, padding with the erased value
func (m *MemoryNAND) pageCopy(b []byte, n int) []byte {
	out := make([]byte, n)
	fillErased(out)
	copy(out, b)
	return out
}

func fillErased(b []byte) {
	for i := range b {
		b[i] = types.ErasedByte
	}
}
