package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-nandftl/internal/config"
	"github.com/deploymenttheory/go-nandftl/internal/device"
	"github.com/deploymenttheory/go-nandftl/internal/logger"
	"github.com/deploymenttheory/go-nandftl/internal/services"
)

// ServiceFactory attaches the NAND image named by the configuration and hands out
// the translation layer service built on it
type ServiceFactory struct {
	cfg *config.Config
	log *zap.Logger

	device      *device.ImageNAND
	ftlService  FTLService
	mu          sync.RWMutex
	initialized bool
}

// NewServiceFactory creates a new service factory instance
func NewServiceFactory(cfg *config.Config, log *zap.Logger) *ServiceFactory {
	return &ServiceFactory{cfg: cfg, log: logger.OrNop(log)}
}

// Initialize opens the image, creating it sized to the zone table when it does not
// exist yet, and builds the cluster over it
func (sf *ServiceFactory) Initialize() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.initialized {
		return nil
	}
	if sf.cfg == nil {
		return errors.New("service factory needs a configuration")
	}

	dev, err := sf.attach()
	if err != nil {
		return err
	}
	cluster, err := services.NewCluster(dev, sf.cfg.Geometry, sf.cfg.Zones, services.WithLogger(sf.log))
	if err != nil {
		dev.Close()
		return fmt.Errorf("failed to build cluster: %w", err)
	}

	sf.device = dev
	sf.ftlService = NewFTLService(cluster, sf.log)
	sf.initialized = true
	return nil
}

func (sf *ServiceFactory) attach() (*device.ImageNAND, error) {
	path := sf.cfg.Device.Image
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		sf.log.Info("creating nand image", zap.String("path", path), zap.Int("blocks", sf.cfg.TotalBlocks()))
		return device.CreateImage(&device.ImageConfig{
			Path:          path,
			PageSize:      sf.cfg.Geometry.PageSize,
			SpareSize:     sf.cfg.Geometry.SpareSize,
			PagesPerBlock: sf.cfg.Geometry.PagesPerBlock,
			TotalBlocks:   sf.cfg.TotalBlocks(),
		})
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat image %s: %w", path, err)
	}
	return device.OpenImage(path)
}

// FTLService returns the translation layer service, initializing on first use
func (sf *ServiceFactory) FTLService() (FTLService, error) {
	if err := sf.Initialize(); err != nil {
		return nil, err
	}
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	if sf.ftlService == nil {
		return nil, ErrNotInitialized
	}
	return sf.ftlService, nil
}

// Shutdown commits open zones and releases the image
func (sf *ServiceFactory) Shutdown() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if !sf.initialized {
		return nil
	}

	var first error
	if err := sf.ftlService.Close(); err != nil {
		first = fmt.Errorf("failed to close zones: %w", err)
	}
	if err := sf.device.Sync(); err != nil && first == nil {
		first = fmt.Errorf("failed to sync image: %w", err)
	}
	if err := sf.device.Close(); err != nil && first == nil {
		first = fmt.Errorf("failed to close image: %w", err)
	}

	sf.device = nil
	sf.ftlService = nil
	sf.initialized = false
	return first
}

// IsInitialized returns whether the factory has been initialized
func (sf *ServiceFactory) IsInitialized() bool {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	return sf.initialized
}

// DeviceStatistics returns the flash traffic of the attached image
func (sf *ServiceFactory) DeviceStatistics() (device.ImageStatistics, error) {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	if !sf.initialized {
		return device.ImageStatistics{}, ErrNotInitialized
	}
	return sf.device.Statistics(), nil
}
