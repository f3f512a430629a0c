package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-nandftl/internal/services"
	"github.com/deploymenttheory/go-nandftl/internal/types"
	"github.com/deploymenttheory/go-nandftl/pkg/app"
)

var (
	maintZone int

	wlSwaps     int
	wlGlobal    bool
	wlThreshold int64

	defragResetEC bool
	defragAll     bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Refill the free block list",
	Long: `Run forward garbage collection on a zone: parked blocks flagged as garbage
are erased and returned to the free list until it is full.

Examples:
  nandftl gc --zone 0`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, true, runGC)
	},
}

var wearLevelCmd = &cobra.Command{
	Use:   "wear-level",
	Short: "Swap worn free blocks with idle data blocks",
	Long: `Run local wear-leveling on a zone, or move one block between zones with
--global. --threshold changes the erase-count spread that triggers a swap and is
persisted with the zone.

Examples:
  nandftl wear-level --zone 0 --swaps 4
  nandftl wear-level --global
  nandftl wear-level --zone 1 --threshold 200`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, true, runWearLevel)
	},
}

var defragCmd = &cobra.Command{
	Use:   "defrag",
	Short: "Merge every log group back into data blocks",
	Long: `Defragment folds every log of a zone into its data blocks and compacts the
block mapping records. --reset-ec clears every erase counter, which is meant for
freshly provisioned parts only.

Examples:
  nandftl defrag --zone 0
  nandftl defrag --all -v
  nandftl defrag --zone 0 --reset-ec`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, true, runDefrag)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Audit block ownership",
	Long: `Check that every physical block of every zone is owned exactly once and
that valid-page counters match the page maps.

Examples:
  nandftl check`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, true, runCheck)
	},
}

func init() {
	rootCmd.AddCommand(gcCmd, wearLevelCmd, defragCmd, checkCmd)

	for _, c := range []*cobra.Command{gcCmd, wearLevelCmd, defragCmd} {
		c.Flags().IntVarP(&maintZone, "zone", "z", 0, "zone to maintain")
	}

	wearLevelCmd.Flags().IntVar(&wlSwaps, "swaps", 1, "maximum number of swaps")
	wearLevelCmd.Flags().BoolVar(&wlGlobal, "global", false, "move a block between zones")
	wearLevelCmd.Flags().Int64Var(&wlThreshold, "threshold", -1, "set the wear-level threshold instead of leveling")
	wearLevelCmd.MarkFlagsMutuallyExclusive("global", "threshold")

	defragCmd.Flags().BoolVar(&defragResetEC, "reset-ec", false, "reset every erase count")
	defragCmd.Flags().BoolVar(&defragAll, "all", false, "defragment every open zone")
	defragCmd.MarkFlagsMutuallyExclusive("all", "zone")
}

func runGC(s *session) error {
	moved, err := s.ftl.GC(s.ctx, maintZone)
	if err != nil {
		return err
	}
	printf(s.ctx, "Zone %d: %d block(s) returned to the free list\n", maintZone, moved)
	return nil
}

func runWearLevel(s *session) error {
	switch {
	case wlThreshold >= 0:
		if err := s.ftl.SetWearLevelThreshold(s.ctx, maintZone, uint32(wlThreshold)); err != nil {
			return err
		}
		printf(s.ctx, "Zone %d: wear-level threshold set to %d\n", maintZone, wlThreshold)
	case wlGlobal:
		moved, err := s.ftl.GlobalWearLevel(s.ctx)
		if err != nil {
			return err
		}
		if moved {
			printf(s.ctx, "Moved one block between zones\n")
		} else {
			printf(s.ctx, "No zone is past the threshold\n")
		}
	default:
		swaps, err := wearLevelSwaps(s)
		if err != nil {
			return err
		}
		printf(s.ctx, "Zone %d: %d swap(s)\n", maintZone, swaps)
	}
	return nil
}

// wearLevelSwaps performs the requested swaps one at a time so progress can be shown
func wearLevelSwaps(s *session) (int, error) {
	p := app.ProgressUpdate{
		Message:   fmt.Sprintf("zone %d wear-level", maintZone),
		Total:     int64(wlSwaps),
		StartedAt: time.Now(),
	}
	swaps := 0
	for swaps < wlSwaps {
		n, err := s.ftl.WearLevel(s.ctx, maintZone, 1)
		if err != nil {
			return swaps, err
		}
		if n == 0 {
			break
		}
		swaps += n
		p.Completed = int64(swaps)
		s.ctx.Report(&p)
	}
	return swaps, nil
}

// zoneDefrag is the outcome of defragmenting one zone
type zoneDefrag struct {
	Zone int
	services.DefragResult
}

func runDefrag(s *session) error {
	zones := []int{maintZone}
	if defragAll {
		info, err := s.ftl.Info(s.ctx)
		if err != nil {
			return err
		}
		zones = zones[:0]
		for _, z := range info.Zones {
			if z.Open {
				zones = append(zones, z.ID)
			}
		}
	}

	p := app.ProgressUpdate{Message: "defragment", Total: int64(len(zones)), StartedAt: time.Now()}
	results := make([]zoneDefrag, 0, len(zones))
	for _, id := range zones {
		res, err := s.ftl.Defragment(s.ctx, id, defragResetEC)
		if err != nil {
			return err
		}
		results = append(results, zoneDefrag{Zone: id, DefragResult: res})
		p.Completed++
		p.Message = fmt.Sprintf("zone %d defragmented", id)
		s.ctx.Report(&p)
	}

	if s.ctx.OutputFormat == "json" {
		if !defragAll {
			return printJSON(s.ctx, results[0].DefragResult)
		}
		return printJSON(s.ctx, results)
	}
	for _, r := range results {
		printf(s.ctx, "Zone %d: %d group(s) merged, %d block(s) freed", r.Zone, r.GroupsMerged, r.BlocksFreed)
		if r.ECReset {
			printf(s.ctx, ", erase counts reset")
		}
		printf(s.ctx, "\n")
	}
	return nil
}

func runCheck(s *session) error {
	report, err := s.ftl.Check(s.ctx)
	if err != nil {
		return err
	}
	if s.ctx.OutputFormat == "json" {
		return printJSON(s.ctx, report)
	}
	if report.OK() {
		printf(s.ctx, "%s %d blocks audited\n", s.ctx.Highlight("OK", color.FgGreen, color.Bold), report.Blocks)
		return nil
	}
	for _, issue := range report.Issues {
		printf(s.ctx, "  %s %s\n", s.ctx.Highlight("!", color.FgRed), issue)
	}
	return fmt.Errorf("%w: %d issue(s) in %d blocks", types.ErrInvariant, len(report.Issues), report.Blocks)
}
