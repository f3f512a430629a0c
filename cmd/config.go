package cmd

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-nandftl/internal/geometry"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the configuration after defaults, the config file, NANDFTL_* environment
variables and command line flags have been applied.

Examples:
  nandftl config
  NANDFTL_GEOMETRY_PAGES_PER_BLOCK=128 nandftl config -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig(cmd)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command) error {
	ctx := newAppContext(cmd)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx.OutputFormat == "json" {
		return printJSON(ctx, cfg)
	}

	geo, err := geometry.New(cfg.Geometry)
	if err != nil {
		return err
	}
	g := cfg.Geometry
	printf(ctx, "Image:            %s\n", cfg.Device.Image)
	printf(ctx, "Page:             %s + %d spare\n", humanize.IBytes(uint64(g.PageSize)), g.SpareSize)
	printf(ctx, "Block:            %d pages (%s)\n", g.PagesPerBlock, humanize.IBytes(uint64(geo.BlockSizeInBytes)))
	printf(ctx, "Ways:             %d\n", g.Ways)
	printf(ctx, "Group:            %d blocks, up to %d logs\n", g.BlocksPerGroup, g.LogsPerGroup)
	printf(ctx, "Area:             %d blocks\n", g.BlocksPerArea)
	printf(ctx, "Reserve:          %d blocks, %d free slots\n", g.ReservedBlocks, g.FreeSlots)
	printf(ctx, "Meta blocks:      %d (root %d, buffer %t)\n", g.MetaBlocks, g.RootBlocks, g.BufferBlock)
	printf(ctx, "Active logs:      %d\n", g.MaxActiveLogs)
	printf(ctx, "Group cache:      %d active, %d inactive\n", g.MaxActiveGroups, g.InactiveCacheSize)
	printf(ctx, "Wear threshold:   %d\n", g.WearLevelThreshold)
	printf(ctx, "Zones:            %v (%s blocks)\n", cfg.Zones, humanize.Comma(int64(cfg.TotalBlocks())))
	return nil
}
