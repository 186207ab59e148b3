package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/tileseed/internal/gridset"
	"github.com/ChuLiYu/tileseed/internal/layer"
	"github.com/ChuLiYu/tileseed/internal/quota"
	"github.com/ChuLiYu/tileseed/internal/seed"
	"github.com/ChuLiYu/tileseed/pkg/types"
)

// Config represents the complete configuration file.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Breeder struct {
		PoolSize      int           `yaml:"pool_size"`
		QueueSize     int           `yaml:"queue_size"`
		DrainInterval time.Duration `yaml:"drain_interval"`
		Retention     time.Duration `yaml:"retention"`
	} `yaml:"breeder"`

	Retry seed.RetryPolicy `yaml:"retry"`

	Storage struct {
		Backend string `yaml:"backend"` // memory or sqlite
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	// Quota tracking is off when Dir is empty.
	Quota quota.Config `yaml:"quota"`

	Layers []LayerConfig `yaml:"layers"`
	Jobs   []JobConfig   `yaml:"jobs"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"grpc"`
}

// LayerConfig declares a cached layer and its upstream.
type LayerConfig struct {
	Name       string                 `yaml:"name"`
	MetaTiling [2]int                 `yaml:"meta_tiling"`
	Source     layer.HTTPSourceConfig `yaml:"source"`
}

// JobConfig is a job the run command dispatches at startup.
type JobConfig struct {
	Layer      string            `yaml:"layer"`
	Type       string            `yaml:"type"`
	Format     string            `yaml:"format"`
	BBox       string            `yaml:"bbox"` // minLon,minLat,maxLon,maxLat
	ZoomStart  int               `yaml:"zoom_start"`
	ZoomStop   int               `yaml:"zoom_stop"`
	Threads    int               `yaml:"threads"`
	Parameters map[string]string `yaml:"parameters"`
}

func defaultConfig() *Config {
	cfg := &Config{LogLevel: "info"}
	def := seed.DefaultConfig()
	cfg.Breeder.PoolSize = def.PoolSize
	cfg.Breeder.QueueSize = def.QueueSize
	cfg.Breeder.DrainInterval = def.DrainInterval
	cfg.Breeder.Retention = def.Retention
	cfg.Retry = def.Retry
	cfg.Storage.Backend = "memory"
	cfg.Quota.CheckpointInterval = time.Minute
	cfg.Metrics.Port = 9090
	cfg.GRPC.Port = 50051
	return cfg
}

// loadConfig reads a YAML file over the defaults.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	names := make(map[string]bool, len(c.Layers))
	for _, l := range c.Layers {
		if l.Name == "" {
			return errors.New("layer without name")
		}
		if names[l.Name] {
			return fmt.Errorf("duplicate layer %q", l.Name)
		}
		names[l.Name] = true
	}
	for i, j := range c.Jobs {
		if !names[j.Layer] {
			return fmt.Errorf("job %d: unknown layer %q", i, j.Layer)
		}
		if _, err := types.ParseTaskType(j.Type); err != nil {
			return fmt.Errorf("job %d: %w", i, err)
		}
		if _, err := parseBBox(j.BBox); err != nil {
			return fmt.Errorf("job %d: %w", i, err)
		}
	}
	return nil
}

func (c *Config) slogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (c *Config) breederConfig() seed.Config {
	return seed.Config{
		PoolSize:      c.Breeder.PoolSize,
		QueueSize:     c.Breeder.QueueSize,
		DrainInterval: c.Breeder.DrainInterval,
		Retention:     c.Breeder.Retention,
		Retry:         c.Retry,
	}
}

// tileRange resolves a job's bbox to a tile range.
func (j JobConfig) tileRange() (*types.TileRange, error) {
	bound, err := parseBBox(j.BBox)
	if err != nil {
		return nil, err
	}
	format := j.Format
	if format == "" {
		format = "image/png"
	}
	return gridset.NewTileRange(j.Layer, format, j.Parameters, bound, j.ZoomStart, j.ZoomStop)
}

// parseBBox parses "minLon,minLat,maxLon,maxLat". An empty string is the world.
func parseBBox(s string) (orb.Bound, error) {
	if strings.TrimSpace(s) == "" {
		return gridset.WorldBound, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox %q: want minLon,minLat,maxLon,maxLat", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, fmt.Errorf("bbox %q: min exceeds max", s)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}
