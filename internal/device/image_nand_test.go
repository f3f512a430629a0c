package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

func newTestImage(t *testing.T) (*ImageNAND, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flash.img")
	img, err := CreateImage(&ImageConfig{
		Path:          path,
		PageSize:      testGeometry.PageSize,
		SpareSize:     testGeometry.SpareSize,
		PagesPerBlock: testGeometry.PagesPerBlock,
		TotalBlocks:   testGeometry.TotalBlocks,
	})
	require.NoError(t, err)
	return img, path
}

func TestCreateImageValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ImageConfig
	}{
		{"empty path", ImageConfig{PageSize: 2048, SpareSize: 64, PagesPerBlock: 8, TotalBlocks: 4}},
		{"zero page size", ImageConfig{Path: "x.img", SpareSize: 64, PagesPerBlock: 8, TotalBlocks: 4}},
		{"zero blocks", ImageConfig{Path: "x.img", PageSize: 2048, SpareSize: 64, PagesPerBlock: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CreateImage(&tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestImageNANDPersistsAcrossOpen(t *testing.T) {
	img, path := newTestImage(t)
	assert.Equal(t, testGeometry, img.Geometry())

	require.NoError(t, img.Program(5, filled(2048, 0x42), filled(64, 0x43)))
	require.NoError(t, img.CopyBack(5, 12))
	require.NoError(t, img.Sync())
	require.NoError(t, img.Close())

	img, err := OpenImage(path)
	require.NoError(t, err)
	defer img.Close()
	assert.Equal(t, testGeometry, img.Geometry())

	got, sp := make([]byte, 2048), make([]byte, 64)
	require.NoError(t, img.Read(12, types.FullBitmap(4), got, sp))
	assert.Equal(t, filled(2048, 0x42), got)
	assert.Equal(t, filled(64, 0x43), sp)

	assert.ErrorIs(t, img.Program(5, filled(2048, 0), nil), ErrNotErased)
	require.NoError(t, img.Erase(0))
	require.NoError(t, img.Read(5, types.FullBitmap(4), got, sp))
	assert.Equal(t, filled(2048, types.ErasedByte), got)
	require.NoError(t, img.Program(5, filled(2048, 0), nil))

	stats := img.Statistics()
	assert.Equal(t, int64(1), stats.BlocksErased)
	assert.Equal(t, int64(1), stats.PagesProgrammed)
}

func TestImageNANDModifyCopyBack(t *testing.T) {
	img, _ := newTestImage(t)
	defer img.Close()

	require.NoError(t, img.Program(0, filled(2048, 1), filled(64, 1)))
	require.NoError(t, img.ModifyCopyBack(0, 8, filled(2048, 2), types.SetBitmap(0, 1), filled(64, 3)))

	got, sp := make([]byte, 2048), make([]byte, 64)
	require.NoError(t, img.Read(8, types.FullBitmap(4), got, sp))
	assert.Equal(t, filled(types.SectorSize, 2), got[:types.SectorSize])
	assert.Equal(t, filled(3*types.SectorSize, 1), got[types.SectorSize:])
	assert.Equal(t, filled(64, 3), sp)
}

func TestOpenImageRejectsOtherFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0o644))

	_, err := OpenImage(path)
	assert.ErrorIs(t, err, ErrNotImage)
}
