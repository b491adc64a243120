// Package config loads process configuration for the controller and
// participant binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/helmsman-io/helmsman/internal/store"
	"github.com/helmsman-io/helmsman/internal/store/badgerstore"
	"github.com/helmsman-io/helmsman/internal/store/memstore"
	"github.com/helmsman-io/helmsman/internal/store/zkstore"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendZooKeeper = "zookeeper"
	BackendBadger    = "badger"
)

// StoreConfig selects and configures the coordination-store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`

	// Servers are the ZooKeeper endpoints (zookeeper backend).
	Servers []string `yaml:"servers"`

	// DataDir is the on-disk location for the badger backend and for the
	// memory backend's optional snapshot.
	DataDir string `yaml:"data_dir"`

	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// Controller is the controller process configuration.
type Controller struct {
	Cluster string `yaml:"cluster"`
	Name    string `yaml:"name"`

	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	LeaderRetryInterval time.Duration `yaml:"leader_retry_interval"`

	MetricsAddr string      `yaml:"metrics_addr"`
	LogLevel    string      `yaml:"log_level"`
	Store       StoreConfig `yaml:"store"`
}

// Participant is the participant process configuration.
type Participant struct {
	Cluster string `yaml:"cluster"`
	Name    string `yaml:"name"`

	PoolSize     int           `yaml:"pool_size"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	PollInterval time.Duration `yaml:"poll_interval"`

	MetricsAddr string      `yaml:"metrics_addr"`
	LogLevel    string      `yaml:"log_level"`
	Store       StoreConfig `yaml:"store"`
}

// DefaultController returns controller defaults; cluster and name must be set
// by flags or file.
func DefaultController() Controller {
	return Controller{
		RefreshInterval:     30 * time.Second,
		LeaderRetryInterval: 2 * time.Second,
		MetricsAddr:         ":9100",
		LogLevel:            "info",
		Store: StoreConfig{
			Backend:        BackendMemory,
			SessionTimeout: 30 * time.Second,
		},
	}
}

// DefaultParticipant returns participant defaults.
func DefaultParticipant() Participant {
	return Participant{
		PoolSize:     40,
		GracePeriod:  10 * time.Second,
		PollInterval: 30 * time.Second,
		MetricsAddr:  ":9101",
		LogLevel:     "info",
		Store: StoreConfig{
			Backend:        BackendMemory,
			SessionTimeout: 30 * time.Second,
		},
	}
}

// LoadController reads a controller config file over the defaults. An empty
// path returns the defaults.
func LoadController(path string) (Controller, error) {
	cfg := DefaultController()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadParticipant reads a participant config file over the defaults.
func LoadParticipant(path string) (Participant, error) {
	cfg := DefaultParticipant()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// OpenStore connects to the configured backend.
func OpenStore(cfg StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		tree := memstore.New()
		if cfg.DataDir != "" {
			if err := tree.EnablePersistence(cfg.DataDir); err != nil {
				return nil, fmt.Errorf("enable memstore persistence: %w", err)
			}
		}
		return tree.Connect(), nil
	case BackendZooKeeper:
		return zkstore.Connect(&zkstore.Config{
			Servers:        cfg.Servers,
			SessionTimeout: cfg.SessionTimeout,
		}, nil)
	case BackendBadger:
		return badgerstore.Open(cfg.DataDir)
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", herrors.ErrConfigInvalid, cfg.Backend)
	}
}

// NewLogger builds a production zap logger at the configured level.
func NewLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}
