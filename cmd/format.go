package cmd

import (
	"github.com/spf13/cobra"
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Lay down an empty cluster on the image",
	Long: `Format writes a new root record and an empty directory into every zone. The
image is created when it does not exist. Everything stored on it is lost.

Examples:
  nandftl format --image nand.img`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, false, runFormat)
	},
}

func init() {
	rootCmd.AddCommand(formatCmd)
}

func runFormat(s *session) error {
	if err := s.ftl.Format(s.ctx); err != nil {
		return err
	}
	if err := s.ftl.Open(s.ctx); err != nil {
		return err
	}
	info, err := s.ftl.Info(s.ctx)
	if err != nil {
		return err
	}
	printf(s.ctx, "Formatted %s: cluster %s, %d zone(s)\n", s.cfg.Device.Image, info.ClusterID, len(info.Zones))
	return nil
}
