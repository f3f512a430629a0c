package cmd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-nandftl/internal/types"
	"github.com/deploymenttheory/go-nandftl/pkg/app"
)

var (
	// Sector range selection shared by the I/O commands
	ioZone    int
	ioLSN     uint64
	ioSectors int

	writeFile    string
	writePattern uint8
	writeSync    bool
	readOut      string
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write sectors",
	Long: `Write sectors at a logical sector number. The payload comes from --file,
padded with 0x00 to a whole sector, or is --count sectors of --pattern.

Examples:
  nandftl write --zone 0 --lsn 128 --file blob.bin --sync
  nandftl write --lsn 0 --count 8 --pattern 0xA5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, true, runWrite)
	},
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read sectors",
	Long: `Read --count sectors starting at --lsn. The data is written to --out, or
hex-dumped to stdout.

Examples:
  nandftl read --zone 0 --lsn 128 --count 4
  nandftl read --lsn 0 --count 64 --out dump.bin`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, true, runRead)
	},
}

var trimCmd = &cobra.Command{
	Use:     "trim",
	Aliases: []string{"delete"},
	Short:   "Discard sectors",
	Long: `Mark --count sectors starting at --lsn as deleted. Deleted sectors read back
as erased flash (0xFF).

Examples:
  nandftl trim --zone 1 --lsn 0 --count 256`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, true, runTrim)
	},
}

func addRangeFlags(cmd *cobra.Command, withCount bool) {
	cmd.Flags().IntVarP(&ioZone, "zone", "z", 0, "zone to address")
	cmd.Flags().Uint64Var(&ioLSN, "lsn", 0, "first logical sector")
	if withCount {
		cmd.Flags().IntVarP(&ioSectors, "count", "n", 1, "number of sectors")
	}
}

func init() {
	rootCmd.AddCommand(writeCmd, readCmd, trimCmd)

	addRangeFlags(writeCmd, true)
	writeCmd.Flags().StringVarP(&writeFile, "file", "f", "", "file holding the payload")
	writeCmd.Flags().Uint8Var(&writePattern, "pattern", 0, "fill byte when no file is given")
	writeCmd.Flags().BoolVar(&writeSync, "sync", false, "commit metadata before returning")
	writeCmd.MarkFlagsMutuallyExclusive("file", "pattern")

	addRangeFlags(readCmd, true)
	readCmd.Flags().StringVar(&readOut, "out", "", "file to write the sectors to")

	addRangeFlags(trimCmd, true)
}

func target() (*app.ZoneTarget, error) {
	t := &app.ZoneTarget{Zone: ioZone, LSN: ioLSN, Sectors: ioSectors}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func runWrite(s *session) error {
	t, err := target()
	if err != nil {
		return err
	}

	var data []byte
	if writeFile != "" {
		data, err = os.ReadFile(writeFile)
		if err != nil {
			return app.NewError(app.ErrCodeInvalidInput, "failed to read payload", err)
		}
		if pad := len(data) % types.SectorSize; pad != 0 {
			data = append(data, make([]byte, types.SectorSize-pad)...)
		}
		t.Sectors = len(data) / types.SectorSize
	} else {
		data = bytes.Repeat([]byte{writePattern}, t.Bytes())
	}

	if err := s.ftl.Write(s.ctx, t.Zone, t.LSN, data, writeSync); err != nil {
		return err
	}
	printf(s.ctx, "Wrote %s to %s\n", humanize.IBytes(uint64(len(data))), t)
	return nil
}

func runRead(s *session) error {
	t, err := target()
	if err != nil {
		return err
	}
	data, err := s.ftl.Read(s.ctx, t.Zone, t.LSN, t.Sectors)
	if err != nil {
		return err
	}
	if readOut != "" {
		if err := os.WriteFile(readOut, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", readOut, err)
		}
		printf(s.ctx, "Read %s from %s into %s\n", humanize.IBytes(uint64(len(data))), t, readOut)
		return nil
	}
	fmt.Fprint(s.ctx.Stdout, hex.Dump(data))
	return nil
}

func runTrim(s *session) error {
	t, err := target()
	if err != nil {
		return err
	}
	if err := s.ftl.Trim(s.ctx, t.Zone, t.LSN, t.Sectors); err != nil {
		return err
	}
	if err := s.ftl.Sync(s.ctx, t.Zone); err != nil {
		return err
	}
	printf(s.ctx, "Trimmed %s\n", t)
	return nil
}
