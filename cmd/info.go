package cmd

import (
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-nandftl/internal/types"
	"github.com/deploymenttheory/go-nandftl/pkg/services"
)

var (
	wearZone   int
	wearBlocks bool
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show capacity and zone statistics",
	Long: `Show the cluster identity, the capacity each zone exports and the runtime
counters of every zone.

Examples:
  nandftl info
  nandftl info -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, true, runInfo)
	},
}

var wearCmd = &cobra.Command{
	Use:     "wear",
	Aliases: []string{"erase-counts"},
	Short:   "Show erase-count distribution",
	Long: `Summarise the erase counts of a zone. The spread between the youngest and
the most worn user block is highlighted once it exceeds the wear-level threshold.

Examples:
  nandftl wear --zone 0
  nandftl wear --zone 0 --blocks`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, true, runWear)
	},
}

func init() {
	rootCmd.AddCommand(infoCmd, wearCmd)
	wearCmd.Flags().IntVarP(&wearZone, "zone", "z", 0, "zone to inspect")
	wearCmd.Flags().BoolVar(&wearBlocks, "blocks", false, "list every block")
}

func runInfo(s *session) error {
	info, err := s.ftl.Info(s.ctx)
	if err != nil {
		return err
	}
	if s.ctx.OutputFormat == "json" {
		return printJSON(s.ctx, info)
	}

	printf(s.ctx, "Cluster:   %s\n", info.ClusterID)
	printf(s.ctx, "Geometry:  %s pages + %d spare, %d pages/block, %s blocks\n",
		humanize.IBytes(uint64(info.PageSize)), info.SpareSize, info.PagesPerBlock, humanize.Comma(int64(info.TotalBlocks)))
	printf(s.ctx, "Capacity:  %s\n", humanize.IBytes(info.CapacityBytes))
	for _, z := range info.Zones {
		printf(s.ctx, "\nZone %d  blocks %d-%d  %s in %s sectors\n", z.ID, z.StartBlock, int(z.StartBlock)+z.Blocks-1,
			humanize.IBytes(z.CapacityBytes), humanize.Comma(int64(z.LogicalSectors)))
		printf(s.ctx, "  user blocks %d, %d groups in %d areas\n", z.UserBlocks, z.Groups, z.Areas)
		if z.Stats == nil {
			printf(s.ctx, "  closed\n")
			continue
		}
		printZoneStats(s, z)
	}
	return nil
}

func printZoneStats(s *session, z services.ZoneInfo) {
	st := z.Stats
	if st.Locked {
		printf(s.ctx, "  %s\n", s.ctx.Highlight("LOCKED: mutating calls are refused until reopen", color.FgRed, color.Bold))
	}
	printf(s.ctx, "  sequence %d, write age %d\n", st.Sequence, st.WriteAge)
	printf(s.ctx, "  free %d, released %d, active logs %d\n", st.FreeBlocks, st.ReleasedBlocks, st.ActiveLogs)
	printf(s.ctx, "  groups: %d active, %d cached, %d pending commit, %d dirty areas\n",
		st.ActiveGroups, st.CachedGroups, st.PendingGroups, st.DirtyAreas)
	c := st.Counters
	printf(s.ctx, "  host: %s written, %s read, %s deleted\n",
		sectors(c.HostWrites), sectors(c.HostReads), sectors(c.HostDeletes))
	printf(s.ctx, "  flash: %s programmed, %s copied, %s erases\n",
		humanize.Comma(int64(c.PagesProgrammed)), humanize.Comma(int64(c.PagesCopied)), humanize.Comma(int64(c.Erases)))
	printf(s.ctx, "  maintenance: %d compactions, %d merges, %d gc runs, %d wear-level swaps\n",
		c.Compactions, c.Merges, c.GCRuns, c.WearLevels)
}

func sectors(n uint64) string {
	return humanize.IBytes(n * types.SectorSize)
}

func runWear(s *session) error {
	w, err := s.ftl.Wear(s.ctx, wearZone)
	if err != nil {
		return err
	}
	var refs []services.WearBlock
	if wearBlocks {
		blocks, err := s.ftl.EraseCounts(s.ctx, wearZone)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			refs = append(refs, services.WearBlock{VBN: uint32(b.VBN), EC: b.EC, Kind: b.Kind.String()})
		}
	}
	if s.ctx.OutputFormat == "json" {
		return printJSON(s.ctx, struct {
			*services.WearSummary
			Skew   uint32               `json:"skew"`
			Blocks []services.WearBlock `json:"blocks,omitempty"`
		}{w, w.Skew(), refs})
	}

	skew := humanize.Comma(int64(w.Skew()))
	if w.Skewed() {
		skew = s.ctx.Highlight(skew+" (past threshold)", color.FgYellow, color.Bold)
	} else {
		skew = s.ctx.Highlight(skew, color.FgGreen)
	}
	printf(s.ctx, "Zone %d: %d user blocks\n", w.Zone, w.Blocks)
	printf(s.ctx, "  erase counts min %d, max %d, mean %.1f\n", w.MinEC, w.MaxEC, w.MeanEC)
	printf(s.ctx, "  skew %s, threshold %d\n", skew, w.Threshold)

	kinds := make([]types.BlockKind, 0, len(w.ByKind))
	for k := range w.ByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		printf(s.ctx, "  %-8s %d\n", k, w.ByKind[k])
	}

	for _, b := range refs {
		ec := humanize.Comma(int64(b.EC))
		if b.EC > w.MinEC+w.Threshold {
			ec = s.ctx.Highlight(ec, color.FgYellow)
		}
		printf(s.ctx, "  block %6d  %-8s ec %s\n", b.VBN, b.Kind, ec)
	}
	return nil
}
