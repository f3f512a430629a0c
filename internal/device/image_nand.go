package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/deploymenttheory/go-nandftl/internal/interfaces"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

const (
	imageHeaderSize = 4096
	pageErased      = 0
	pageProgrammed  = 1
)

var imageMagic = []byte("NANDIMG\x01")

// ErrNotImage is returned when a file lacks the NAND image header
var ErrNotImage = errors.New("flash: file is not a NAND image")

// ImageConfig holds configuration for NAND image files
type ImageConfig struct {
	Path          string `mapstructure:"path"`
	PageSize      int    `mapstructure:"page_size"`
	SpareSize     int    `mapstructure:"spare_size"`
	PagesPerBlock int    `mapstructure:"pages_per_block"`
	TotalBlocks   int    `mapstructure:"total_blocks"`
}

// ImageStatistics tracks image access statistics
type ImageStatistics struct {
	PagesRead       int64
	PagesProgrammed int64
	BlocksErased    int64
}

// ImageNAND is a NAND array persisted in a regular file. The file starts with a
// header, followed by one status byte per page and the page slots (data + spare).
type ImageNAND struct {
	file   *os.File
	geom   interfaces.FlashGeometry
	status []byte
	stats  ImageStatistics
	mu     sync.Mutex
}

// CreateImage creates an erased image file sized for cfg
func CreateImage(cfg *ImageConfig) (*ImageNAND, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("image path cannot be empty")
	}
	if cfg.PageSize <= 0 || cfg.SpareSize <= 0 || cfg.PagesPerBlock <= 0 || cfg.TotalBlocks <= 0 {
		return nil, fmt.Errorf("invalid image geometry: %+v", *cfg)
	}

	file, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create image file: %w", err)
	}

	img := &ImageNAND{
		file: file,
		geom: interfaces.FlashGeometry{
			PageSize:      cfg.PageSize,
			SpareSize:     cfg.SpareSize,
			PagesPerBlock: cfg.PagesPerBlock,
			TotalBlocks:   cfg.TotalBlocks,
		},
	}
	img.status = make([]byte, img.totalPages())

	header := make([]byte, imageHeaderSize)
	copy(header, imageMagic)
	binary.LittleEndian.PutUint32(header[8:], uint32(cfg.PageSize))
	binary.LittleEndian.PutUint32(header[12:], uint32(cfg.SpareSize))
	binary.LittleEndian.PutUint32(header[16:], uint32(cfg.PagesPerBlock))
	binary.LittleEndian.PutUint32(header[20:], uint32(cfg.TotalBlocks))
	if _, err := file.WriteAt(header, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write image header: %w", err)
	}
	if _, err := file.WriteAt(img.status, imageHeaderSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write page status table: %w", err)
	}

	erased := bytes.Repeat([]byte{types.ErasedByte}, img.slotSize()*cfg.PagesPerBlock)
	for b := 0; b < cfg.TotalBlocks; b++ {
		if _, err := file.WriteAt(erased, img.slotOffset(b*cfg.PagesPerBlock)); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to initialise block %d: %w", b, err)
		}
	}
	return img, nil
}

// OpenImage opens an existing image file and reads its geometry from the header
func OpenImage(path string) (*ImageNAND, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}

	header := make([]byte, imageHeaderSize)
	if _, err := file.ReadAt(header, 0); err != nil && err != io.EOF {
		file.Close()
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	if !bytes.Equal(header[:len(imageMagic)], imageMagic) {
		file.Close()
		return nil, ErrNotImage
	}

	img := &ImageNAND{
		file: file,
		geom: interfaces.FlashGeometry{
			PageSize:      int(binary.LittleEndian.Uint32(header[8:])),
			SpareSize:     int(binary.LittleEndian.Uint32(header[12:])),
			PagesPerBlock: int(binary.LittleEndian.Uint32(header[16:])),
			TotalBlocks:   int(binary.LittleEndian.Uint32(header[20:])),
		},
	}
	img.status = make([]byte, img.totalPages())
	if _, err := file.ReadAt(img.status, imageHeaderSize); err != nil && err != io.EOF {
		file.Close()
		return nil, fmt.Errorf("failed to read page status table: %w", err)
	}
	return img, nil
}

func (img *ImageNAND) totalPages() int {
	return img.geom.TotalBlocks * img.geom.PagesPerBlock
}

func (img *ImageNAND) slotSize() int {
	return img.geom.PageSize + img.geom.SpareSize
}

func (img *ImageNAND) slotOffset(page int) int64 {
	statusSize := (img.totalPages() + imageHeaderSize - 1) / imageHeaderSize * imageHeaderSize
	return int64(imageHeaderSize+statusSize) + int64(page)*int64(img.slotSize())
}

func (img *ImageNAND) setStatus(page int, v byte) error {
	img.status[page] = v
	_, err := img.file.WriteAt([]byte{v}, int64(imageHeaderSize+page))
	return err
}

// Geometry returns the device shape
func (img *ImageNAND) Geometry() interfaces.FlashGeometry {
	return img.geom
}

// CRC32 computes an IEEE CRC32
func (img *ImageNAND) CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Statistics returns a snapshot of the access counters
func (img *ImageNAND) Statistics() ImageStatistics {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.stats
}

// Erase resets every page slot of vbn to 0xFF
func (img *ImageNAND) Erase(vbn types.VBN) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if int(vbn) >= img.geom.TotalBlocks {
		return fmt.Errorf("%w: block %d", ErrOutOfRange, vbn)
	}
	first := int(vbn) * img.geom.PagesPerBlock
	erased := bytes.Repeat([]byte{types.ErasedByte}, img.slotSize()*img.geom.PagesPerBlock)
	if _, err := img.file.WriteAt(erased, img.slotOffset(first)); err != nil {
		return fmt.Errorf("failed to erase block %d: %w", vbn, err)
	}
	for p := first; p < first+img.geom.PagesPerBlock; p++ {
		img.status[p] = pageErased
	}
	if _, err := img.file.WriteAt(img.status[first:first+img.geom.PagesPerBlock], int64(imageHeaderSize+first)); err != nil {
		return fmt.Errorf("failed to update status of block %d: %w", vbn, err)
	}
	img.stats.BlocksErased++
	return nil
}

func (img *ImageNAND) programLocked(vpn types.VPN, data []byte, spare []byte) error {
	page := int(vpn)
	if page >= img.totalPages() {
		return fmt.Errorf("%w: page %d", ErrOutOfRange, vpn)
	}
	if img.status[page] != pageErased {
		return fmt.Errorf("%w: page %d", ErrNotErased, vpn)
	}

	slot := bytes.Repeat([]byte{types.ErasedByte}, img.slotSize())
	copy(slot[:img.geom.PageSize], data)
	copy(slot[img.geom.PageSize:], spare)
	if _, err := img.file.WriteAt(slot, img.slotOffset(page)); err != nil {
		return fmt.Errorf("failed to program page %d: %w", vpn, err)
	}
	if err := img.setStatus(page, pageProgrammed); err != nil {
		return fmt.Errorf("failed to mark page %d programmed: %w", vpn, err)
	}
	img.stats.PagesProgrammed++
	return nil
}

// Program writes one erased page
func (img *ImageNAND) Program(vpn types.VPN, data []byte, spare []byte) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.programLocked(vpn, data, spare)
}

// ProgramMulti writes consecutive pages of one block
func (img *ImageNAND) ProgramMulti(vpn types.VPN, data []byte, spares [][]byte) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	for i, sp := range spares {
		off := i * img.geom.PageSize
		if err := img.programLocked(vpn+types.VPN(i), data[off:off+img.geom.PageSize], sp); err != nil {
			return err
		}
	}
	return nil
}

func (img *ImageNAND) readSlot(page int) ([]byte, error) {
	slot := make([]byte, img.slotSize())
	if _, err := img.file.ReadAt(slot, img.slotOffset(page)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read page %d: %w", page, err)
	}
	img.stats.PagesRead++
	return slot, nil
}

// Read copies the selected sectors and the spare area
func (img *ImageNAND) Read(vpn types.VPN, bitmap types.SectorBitmap, data []byte, spare []byte) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	page := int(vpn)
	if page >= img.totalPages() {
		return fmt.Errorf("%w: page %d", ErrOutOfRange, vpn)
	}
	slot, err := img.readSlot(page)
	if err != nil {
		return err
	}

	spp := img.geom.PageSize / types.SectorSize
	for s := 0; s < spp; s++ {
		if !bitmap.Has(s) {
			continue
		}
		off := s * types.SectorSize
		if len(data) < off+types.SectorSize {
			break
		}
		copy(data[off:off+types.SectorSize], slot[off:off+types.SectorSize])
	}
	if spare != nil {
		copy(spare, slot[img.geom.PageSize:])
	}
	return nil
}

// CopyBack duplicates src into the erased page dst
func (img *ImageNAND) CopyBack(src, dst types.VPN) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if int(src) >= img.totalPages() {
		return fmt.Errorf("%w: page %d", ErrOutOfRange, src)
	}
	if img.status[src] == pageErased {
		return nil
	}
	slot, err := img.readSlot(int(src))
	if err != nil {
		return err
	}
	return img.programLocked(dst, slot[:img.geom.PageSize], slot[img.geom.PageSize:])
}

// ModifyCopyBack duplicates src into dst with patched sectors and a new spare area
func (img *ImageNAND) ModifyCopyBack(src, dst types.VPN, patch []byte, patchBitmap types.SectorBitmap, spare []byte) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if int(src) >= img.totalPages() {
		return fmt.Errorf("%w: page %d", ErrOutOfRange, src)
	}
	slot, err := img.readSlot(int(src))
	if err != nil {
		return err
	}
	page := slot[:img.geom.PageSize]
	spp := img.geom.PageSize / types.SectorSize
	for s := 0; s < spp; s++ {
		if patchBitmap.Has(s) {
			off := s * types.SectorSize
			copy(page[off:off+types.SectorSize], patch[off:off+types.SectorSize])
		}
	}
	return img.programLocked(dst, page, spare)
}

// Sync flushes the image file
func (img *ImageNAND) Sync() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.file.Sync()
}

// Close closes the image file
func (img *ImageNAND) Close() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.file != nil {
		err := img.file.Close()
		img.file = nil
		return err
	}
	return nil
}
