// Package config provides YAML-based configuration loading for dtnmesh.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// NodeName is the local node identifier; the node EID is dtn://<node_name>.
	NodeName string `mapstructure:"node_name"`

	// DataDir base directory for persistent data
	DataDir string `mapstructure:"data_dir"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Identity controls the node's cryptographic identity used in contact frames.
	Identity IdentityConfig `mapstructure:"identity"`

	// Store selects and tunes the bundle storage backend.
	Store StoreConfig `mapstructure:"store"`

	// Neighbor tunes the neighbor database.
	Neighbor NeighborConfig `mapstructure:"neighbor"`

	// CLA configures convergence-layer listeners and static peers.
	CLA CLAConfig `mapstructure:"cla"`

	// Policy restricts which bundles may be forwarded where.
	Policy PolicyConfig `mapstructure:"policy"`

	// Metrics controls the Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// StoreConfig selects the bundle storage backend.
type StoreConfig struct {
	// Backend: badger or memory
	Backend string `mapstructure:"backend"`
	// Dir is the badger directory; defaults to <data_dir>/bundles
	Dir string `mapstructure:"dir"`
	// InMemory runs badger without touching disk (tests, ephemeral nodes)
	InMemory bool `mapstructure:"in_memory"`
	// SweepIntervalSec is how often expired bundles are evicted
	SweepIntervalSec int `mapstructure:"sweep_interval_sec"`
}

// NeighborConfig tunes per-neighbor bookkeeping.
type NeighborConfig struct {
	// MaxTransfers is the number of concurrent transfer slots per neighbor.
	MaxTransfers int `mapstructure:"max_transfers"`
	// KnownCap bounds the per-neighbor known-bundle set.
	KnownCap int `mapstructure:"known_cap"`
	// RetentionSec expires neighbor entries not refreshed for this long.
	RetentionSec int `mapstructure:"retention_sec"`
}

// PolicyConfig feeds the forwarding policy chain. Empty lists allow
// everything.
type PolicyConfig struct {
	// DenyProtocols lists convergence-layer kinds never used for forwarding.
	DenyProtocols []string `mapstructure:"deny_protocols"`
	// DenyDestinations lists node EIDs bundles are never forwarded towards.
	DenyDestinations []string `mapstructure:"deny_destinations"`
	// MaxPayloadBytes rejects forwarding of larger bundles; 0 disables the cap.
	MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		NodeName: "",
		DataDir:  "./data",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/dtnmesh.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Identity: IdentityConfig{Alg: "ed25519"},
		Store: StoreConfig{
			Backend:          "badger",
			SweepIntervalSec: 30,
		},
		Neighbor: NeighborConfig{
			MaxTransfers: 5,
			KnownCap:     4096,
			RetentionSec: 900,
		},
		CLA: CLAConfig{
			Layers: []CLALayerConfig{
				{Kind: "tcp", Listen: []string{":4556"}},
			},
			DialBackoffInitialMS: 500,
			DialBackoffMaxMS:     30000,
			DialBackoffJitterMS:  100,
			ContactSkewSec:       300,
			TransferTimeoutSec:   30,
		},
		Metrics: MetricsConfig{Enabled: false, Listen: ":2112"},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix DTNMESH and `.`/`-` are replaced with `_`.
// Example: DTNMESH_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DTNMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("node_name", cfg.NodeName)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("identity.alg", cfg.Identity.Alg)
	v.SetDefault("identity.private_key", cfg.Identity.PrivateKey)
	v.SetDefault("identity.private_key_file", cfg.Identity.PrivateKeyFile)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.dir", cfg.Store.Dir)
	v.SetDefault("store.in_memory", cfg.Store.InMemory)
	v.SetDefault("store.sweep_interval_sec", cfg.Store.SweepIntervalSec)
	v.SetDefault("neighbor.max_transfers", cfg.Neighbor.MaxTransfers)
	v.SetDefault("neighbor.known_cap", cfg.Neighbor.KnownCap)
	v.SetDefault("neighbor.retention_sec", cfg.Neighbor.RetentionSec)
	v.SetDefault("cla.layers", cfg.CLA.Layers)
	v.SetDefault("cla.dial_backoff_initial_ms", cfg.CLA.DialBackoffInitialMS)
	v.SetDefault("cla.dial_backoff_max_ms", cfg.CLA.DialBackoffMaxMS)
	v.SetDefault("cla.dial_backoff_jitter_ms", cfg.CLA.DialBackoffJitterMS)
	v.SetDefault("cla.contact_skew_sec", cfg.CLA.ContactSkewSec)
	v.SetDefault("cla.transfer_timeout_sec", cfg.CLA.TransferTimeoutSec)
	v.SetDefault("policy.deny_protocols", cfg.Policy.DenyProtocols)
	v.SetDefault("policy.deny_destinations", cfg.Policy.DenyDestinations)
	v.SetDefault("policy.max_payload_bytes", cfg.Policy.MaxPayloadBytes)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("DTNMESH_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `dtnmesh`
		v.SetConfigName("dtnmesh")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".dtnmesh"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeName) == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.NodeName = strings.ToLower(host)
		} else {
			c.NodeName = "node-1"
		}
	}
	if strings.ContainsAny(c.NodeName, "/ ") {
		return fmt.Errorf("invalid node_name: %q", c.NodeName)
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Backend)) {
	case "badger", "memory":
		c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	default:
		return fmt.Errorf("invalid store.backend: %q", c.Store.Backend)
	}
	if c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(c.DataDir, "bundles")
	}
	if c.Store.SweepIntervalSec <= 0 {
		c.Store.SweepIntervalSec = 30
	}

	if c.Neighbor.MaxTransfers <= 0 {
		return fmt.Errorf("neighbor.max_transfers must be positive, got %d", c.Neighbor.MaxTransfers)
	}
	if c.Neighbor.KnownCap <= 0 {
		c.Neighbor.KnownCap = 4096
	}

	for i := range c.CLA.Layers {
		c.CLA.Layers[i].Kind = strings.ToLower(strings.TrimSpace(c.CLA.Layers[i].Kind))
		for j := range c.CLA.Layers[i].Peers {
			if c.CLA.Layers[i].Peers[j].Address == "" {
				return fmt.Errorf("cla.layers[%d].peers[%d]: missing address", i, j)
			}
		}
	}

	for i, p := range c.Policy.DenyProtocols {
		c.Policy.DenyProtocols[i] = strings.ToLower(strings.TrimSpace(p))
	}
	if c.Policy.MaxPayloadBytes < 0 {
		return fmt.Errorf("policy.max_payload_bytes must not be negative, got %d", c.Policy.MaxPayloadBytes)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
