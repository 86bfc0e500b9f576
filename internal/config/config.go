// Package config loads the wallet configuration from config.yaml in the
// data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingon-wallet/internal/backend"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
)

// Environment overrides.
const (
	EnvNetwork  = "KLINGWALLET_NETWORK"
	EnvVaultKey = "KLINGWALLET_VAULT_KEY"
)

// ConfigFileName is the config file name inside the data directory.
const ConfigFileName = "config.yaml"

// Config holds all wallet settings.
type Config struct {
	Network chain.Network `yaml:"network"`
	DataDir string        `yaml:"data_dir"`

	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
	Backends BackendsConfig `yaml:"backends"`
	Bitcoin  BitcoinConfig  `yaml:"bitcoin"`
	Ethereum EthereumConfig `yaml:"ethereum"`
	Rates    RatesConfig    `yaml:"rates"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// AssetsFile replaces the embedded asset list when set.
	AssetsFile string `yaml:"assets_file,omitempty"`
}

// CacheConfig holds snapshot cache settings.
type CacheConfig struct {
	// Dir defaults to <data_dir>/cache.
	Dir            string        `yaml:"dir,omitempty"`
	Lifetime       time.Duration `yaml:"lifetime"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr only).
	File string `yaml:"file"`
}

// BackendsConfig holds one endpoint configuration per chain family.
type BackendsConfig struct {
	Bitcoin  *backend.Config `yaml:"bitcoin,omitempty"`
	Solana   *backend.Config `yaml:"solana,omitempty"`
	Ethereum *backend.Config `yaml:"ethereum,omitempty"`
}

// BitcoinConfig holds bitcoin send settings.
type BitcoinConfig struct {
	// FallbackFeeRate in sat/vB is used when the indexer has no estimate.
	FallbackFeeRate uint64 `yaml:"fallback_fee_rate"`
}

// EthereumConfig holds ethereum send settings.
type EthereumConfig struct {
	DefaultGasPriceGwei uint64 `yaml:"default_gas_price_gwei"`

	// ChainID overrides the network's chain id when non-zero.
	ChainID uint64 `yaml:"chain_id,omitempty"`
}

// RatesConfig holds fiat rate settings.
type RatesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Fiat    string `yaml:"fiat"`
	URL     string `yaml:"url,omitempty"`
}

// APIConfig holds the JSON-RPC endpoint of the serve command.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// MetricsConfig holds the prometheus endpoint of the serve command.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	defaults := backend.DefaultConfigs()
	return &Config{
		Network: chain.Mainnet,
		DataDir: "~/.klingwallet",
		Cache: CacheConfig{
			Lifetime:       5 * time.Minute,
			Workers:        4,
			QueueSize:      64,
			RefreshTimeout: time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Backends: BackendsConfig{
			Bitcoin:  defaults[chain.Bitcoin],
			Solana:   defaults[chain.Solana],
			Ethereum: defaults[chain.Ethereum],
		},
		Bitcoin: BitcoinConfig{
			FallbackFeeRate: 10,
		},
		Ethereum: EthereumConfig{
			DefaultGasPriceGwei: 20,
		},
		Rates: RatesConfig{
			Enabled: true,
			Fiat:    "USD",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8757",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
	}
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.Network == chain.Testnet
}

// Backend returns the endpoint config of a chain family, falling back to
// the built-in default.
func (c *Config) Backend(kind chain.Kind) *backend.Config {
	var cfg *backend.Config
	switch kind {
	case chain.Bitcoin:
		cfg = c.Backends.Bitcoin
	case chain.Solana:
		cfg = c.Backends.Solana
	case chain.Ethereum:
		cfg = c.Backends.Ethereum
	}
	if cfg != nil {
		return cfg
	}
	return backend.DefaultConfigs()[kind]
}

// BackendURL returns the endpoint of a chain family for the configured
// network.
func (c *Config) BackendURL(kind chain.Kind) string {
	cfg := c.Backend(kind)
	if cfg == nil {
		return ""
	}
	return cfg.URL(c.Network)
}

// EthereumChainID returns the configured chain id or the network default.
func (c *Config) EthereumChainID() uint64 {
	if c.Ethereum.ChainID != 0 {
		return c.Ethereum.ChainID
	}
	return chain.MustGet(chain.Ethereum, c.Network).ChainID
}

// CacheDir returns the snapshot cache directory.
func (c *Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return ExpandPath(c.Cache.Dir)
	}
	return filepath.Join(ExpandPath(c.DataDir), "cache")
}

// VaultPath returns the secure store database path.
func (c *Config) VaultPath() string {
	return filepath.Join(ExpandPath(c.DataDir), "vault.db")
}

// Validate checks the loaded values and normalizes the network name.
func (c *Config) Validate() error {
	network, err := chain.ParseNetwork(string(c.Network))
	if err != nil {
		return err
	}
	c.Network = network
	if c.Cache.Workers < 0 || c.Cache.QueueSize < 0 {
		return fmt.Errorf("cache workers and queue_size must not be negative")
	}
	if c.Cache.Lifetime < 0 || c.Cache.RefreshTimeout < 0 {
		return fmt.Errorf("cache durations must not be negative")
	}
	if c.Rates.Enabled && strings.TrimSpace(c.Rates.Fiat) == "" {
		return fmt.Errorf("rates.fiat is required when rates are enabled")
	}
	return nil
}

// Load loads configuration from config.yaml in dataDir.
// If the file doesn't exist, it creates one with default values.
// KLINGWALLET_NETWORK overrides the network without being saved.
func Load(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	cfg := DefaultConfig()
	cfg.DataDir = dataDir

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if cfg.DataDir == "" {
			cfg.DataDir = dataDir
		}
	}

	if v := os.Getenv(EnvNetwork); v != "" {
		network, err := chain.ParseNetwork(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvNetwork, err)
		}
		cfg.Network = network
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Klingon Wallet Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// VaultKey returns the vault encryption password from the environment.
func VaultKey() (string, bool) {
	v, ok := os.LookupEnv(EnvVaultKey)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
