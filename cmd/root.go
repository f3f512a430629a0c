package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/config"
	"github.com/deploymenttheory/go-nandftl/internal/logger"
	"github.com/deploymenttheory/go-nandftl/pkg/app"
	"github.com/deploymenttheory/go-nandftl/pkg/services"
)

var (
	// Global flags
	cfgFile      string
	imagePath    string
	verbose      bool
	quiet        bool
	noColor      bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "nandftl",
	Short: "NAND flash translation layer over a flash image",
	Long: `nandftl maps logical sectors onto a simulated NAND device stored in an
image file. It formats the device into zones, reads and writes sectors through
the log-block translation layer and runs its maintenance tasks by hand.

Commands:
  format      Lay down an empty cluster
  write       Write sectors
  read        Read sectors
  trim        Discard sectors
  info        Show capacity and zone statistics
  wear        Show erase-count distribution
  gc          Refill the free block list
  wear-level  Swap worn free blocks with idle data blocks
  defrag      Merge every log group back into data blocks
  check       Audit block ownership`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ce := app.WrapError("nandftl", err)
		prefix := "Error:"
		if !noColor {
			prefix = color.New(color.FgRed, color.Bold).Sprint(prefix)
		}
		fmt.Fprintf(os.Stderr, "%s [%s] %v\n", prefix, ce.Code, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./nandftl.yaml)")
	rootCmd.PersistentFlags().StringVarP(&imagePath, "image", "i", "", "NAND image file (overrides device.image)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json)")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// session bundles what a command needs to talk to the translation layer
type session struct {
	ctx     *app.Context
	cfg     *config.Config
	log     *zap.Logger
	factory *services.ServiceFactory
	ftl     services.FTLService
}

// loadConfig resolves the configuration with command line overrides applied
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if imagePath != "" {
		cfg.Device.Image = imagePath
	}
	if verbose {
		cfg.Log.Debug = true
	}
	return cfg, nil
}

// newAppContext builds the output context from the global flags
func newAppContext(cmd *cobra.Command) *app.Context {
	ctx := app.NewContext()
	ctx.Context = cmd.Context()
	if ctx.Context == nil {
		ctx.Context = context.Background()
	}
	ctx.OutputFormat = outputFormat
	ctx.Verbose = verbose
	ctx.Quiet = quiet
	ctx.NoColor = noColor
	ctx.Stdout = cmd.OutOrStdout()
	ctx.Stderr = cmd.ErrOrStderr()
	if noColor {
		color.NoColor = true
	}
	if verbose && outputFormat != "json" {
		ctx.SetProgress(func(msg string, pct int) {
			fmt.Fprintf(ctx.Stderr, "[%3d%%] %s\n", pct, msg)
		})
	}
	return ctx
}

// withSession attaches the image, opens every zone unless open is false, runs fn and
// commits on the way out
func withSession(cmd *cobra.Command, open bool, fn func(s *session) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	s := &session{
		ctx:     newAppContext(cmd),
		cfg:     cfg,
		log:     log,
		factory: services.NewServiceFactory(cfg, log),
	}
	defer func() {
		if cerr := s.factory.Shutdown(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	s.ftl, err = s.factory.FTLService()
	if err != nil {
		return err
	}
	if open {
		if err := s.ftl.Open(s.ctx); err != nil {
			return err
		}
	}
	return fn(s)
}

// printJSON writes v as indented JSON to stdout
func printJSON(ctx *app.Context, v any) error {
	enc := json.NewEncoder(ctx.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printf writes to stdout unless quiet
func printf(ctx *app.Context, format string, args ...any) {
	if ctx.Quiet {
		return
	}
	fmt.Fprintf(ctx.Stdout, format, args...)
}
