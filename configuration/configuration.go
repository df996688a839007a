// Package configuration defines portcache's on-disk TOML configuration
// and the defaulting/validation rules applied after it is parsed.
//
// The shape mirrors distribution/distribution's configuration package
// (a typed struct per top-level section, validated top to bottom after
// parsing) but trades that package's versioned-YAML-plus-reflection
// parser for a direct pelletier/go-toml/v2 Unmarshal, since portcache
// has no prior wire-format version to stay compatible with.
package configuration

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Configuration is the root of portcache.toml.
type Configuration struct {
	Storage Storage `toml:"storage"`
	Fetcher Fetcher `toml:"fetcher"`
	Server  Server  `toml:"server"`
	Repo    Repo    `toml:"repo"`
	Log     Log     `toml:"log"`
	Debug   Debug   `toml:"debug"`
}

// Storage configures the content-addressed blob store's root directory.
type Storage struct {
	Location string `toml:"location"`
}

// Fetcher configures the multi-mirror downloader.
type Fetcher struct {
	Mirrors        []string      `toml:"mirrors"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	TotalTimeout   time.Duration `toml:"total_timeout"`
	LayoutTimeout  time.Duration `toml:"layout_timeout"`
}

// Server configures the HTTP front-end.
type Server struct {
	Address      string        `toml:"address"`
	Port         int           `toml:"port"`
	DrainTimeout time.Duration `toml:"drain_timeout"`
}

// Repo configures RepoSyncer.
type Repo struct {
	SyncInterval int      `toml:"sync_interval"` // minutes
	Repos        []string `toml:"repos"`
}

// Log configures the ambient logrus logger, following
// distribution/distribution's configuration.Log shape.
type Log struct {
	Level        string `toml:"level"`
	Formatter    string `toml:"formatter"`
	ReportCaller bool   `toml:"report_caller"`
}

// Debug configures the optional debug/metrics server.
type Debug struct {
	Address        string `toml:"address"`
	PrometheusPath string `toml:"prometheus_path"`
}

// defaults applied after parsing, mirroring distribution's
// "unset section gets sane behavior" convention for optional sections.
func (c *Configuration) applyDefaults() {
	if c.Fetcher.ConnectTimeout == 0 {
		c.Fetcher.ConnectTimeout = 30 * time.Second
	}
	if c.Fetcher.TotalTimeout == 0 {
		c.Fetcher.TotalTimeout = time.Hour
	}
	if c.Fetcher.LayoutTimeout == 0 {
		c.Fetcher.LayoutTimeout = 10 * time.Second
	}
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.DrainTimeout == 0 {
		c.Server.DrainTimeout = 5 * time.Second
	}
	if c.Repo.SyncInterval == 0 {
		c.Repo.SyncInterval = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Formatter == "" {
		c.Log.Formatter = "text"
	}
	if c.Debug.PrometheusPath == "" {
		c.Debug.PrometheusPath = "/metrics"
	}
}

// validate checks the keys spec.md requires callers to supply.
func (c *Configuration) validate() error {
	if c.Storage.Location == "" {
		return fmt.Errorf("configuration: storage.location is required")
	}
	if len(c.Fetcher.Mirrors) == 0 {
		return fmt.Errorf("configuration: fetcher.mirrors must list at least one mirror")
	}
	return nil
}

// Parse decodes TOML configuration from data, applies defaults for
// ambient/optional keys, and validates the required keys are present.
func Parse(data []byte) (*Configuration, error) {
	var c Configuration
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("configuration: parsing toml: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseFile reads and parses the configuration file at path.
func ParseFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configuration: reading %s: %w", path, err)
	}
	return Parse(data)
}
