// Package config loads the nandftl configuration with viper.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-nandftl/internal/geometry"
	"github.com/deploymenttheory/go-nandftl/internal/logger"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "nandftl"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "NANDFTL"
)

// DeviceConfig locates the NAND image the CLI works on
type DeviceConfig struct {
	Image string `mapstructure:"image"`
}

// Config holds the application configuration
type Config struct {
	Geometry geometry.Config     `mapstructure:"geometry"`
	Zones    []int               `mapstructure:"zones"`
	Device   DeviceConfig        `mapstructure:"device"`
	Log      logger.LoggerConfig `mapstructure:"log"`
}

// TotalBlocks returns the number of erase blocks the zone table spans
func (c *Config) TotalBlocks() int {
	total := 0
	for _, n := range c.Zones {
		total += n
	}
	return total
}

func setDefaults(v *viper.Viper) {
	g := geometry.DefaultConfig()
	v.SetDefault("geometry.page_size", g.PageSize)
	v.SetDefault("geometry.spare_size", g.SpareSize)
	v.SetDefault("geometry.pages_per_block", g.PagesPerBlock)
	v.SetDefault("geometry.ways", g.Ways)
	v.SetDefault("geometry.sectors_per_crc", g.SectorsPerCRC)
	v.SetDefault("geometry.root_blocks", g.RootBlocks)
	v.SetDefault("geometry.meta_blocks", g.MetaBlocks)
	v.SetDefault("geometry.buffer_block", g.BufferBlock)
	v.SetDefault("geometry.blocks_per_group", g.BlocksPerGroup)
	v.SetDefault("geometry.logs_per_group", g.LogsPerGroup)
	v.SetDefault("geometry.blocks_per_area", g.BlocksPerArea)
	v.SetDefault("geometry.reserved_blocks", g.ReservedBlocks)
	v.SetDefault("geometry.free_slots", g.FreeSlots)
	v.SetDefault("geometry.max_active_logs", g.MaxActiveLogs)
	v.SetDefault("geometry.max_active_groups", g.MaxActiveGroups)
	v.SetDefault("geometry.inactive_cache_size", g.InactiveCacheSize)
	v.SetDefault("geometry.max_write_pages", g.MaxWritePages)
	v.SetDefault("geometry.wear_level_threshold", g.WearLevelThreshold)

	v.SetDefault("zones", []int{1024})
	v.SetDefault("device.image", "nand.img")

	l := logger.DefaultConfig()
	v.SetDefault("log.debug", l.Debug)
	v.SetDefault("log.format", l.LogFormat)
	v.SetDefault("log.file", l.LogFile)
}

// Load reads the configuration. An explicit path must exist; otherwise nandftl.yaml is
// looked up in the usual places and defaults apply when none is found.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/." + AppName)
		v.AddConfigPath("/etc/" + AppName)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the geometry and the zone table
func (c *Config) Validate() error {
	g, err := geometry.New(c.Geometry)
	if err != nil {
		return fmt.Errorf("invalid geometry: %w", err)
	}
	if _, err := geometry.ClusterLayout(g, c.Zones); err != nil {
		return fmt.Errorf("invalid zone table: %w", err)
	}
	return nil
}
