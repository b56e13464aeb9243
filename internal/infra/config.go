package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"asset_market/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent with preview downloads
	DefaultUserAgent = "asset-market/1.0 (+preview-fetcher)"

	defaultInboxSize  = 1024
	defaultPreviewPx  = 256
	defaultLogDir     = "logs"
	defaultFeedBuffer = 256
)

// Config holds all application settings.
// After LoadConfig reads the file, sensitive or deployment-specific values
// can be overridden from the environment.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Market struct {
		FeeAccount    string `yaml:"fee_account"`
		FeePercent    int64  `yaml:"fee_percent"`
		EscrowLabel   string `yaml:"escrow_label"`   // Seed for the marketplace identity
		SurplusPolicy string `yaml:"surplus_policy"` // refund | retain | reject
		InboxSize     int    `yaml:"inbox_size"`
	} `yaml:"market"`

	Registry struct {
		Name   string `yaml:"name"`
		Symbol string `yaml:"symbol"`
	} `yaml:"registry"`

	Storage struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"` // Empty resolves to the user config dir
	} `yaml:"storage"`

	Feed struct {
		Enabled    bool   `yaml:"enabled"`
		ListenAddr string `yaml:"listen_addr"`
		Buffer     int    `yaml:"buffer"`
	} `yaml:"feed"`

	Preview struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
		SizePx  int    `yaml:"size_px"`
	} `yaml:"preview"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// DefaultConfig returns a config usable without a file.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "asset-market"
	cfg.App.Version = "dev"
	cfg.Market.FeeAccount = string(domain.DeriveAddress("deployer"))
	cfg.Market.FeePercent = 1
	cfg.Market.EscrowLabel = "marketplace"
	cfg.Market.SurplusPolicy = "refund"
	cfg.Market.InboxSize = defaultInboxSize
	cfg.Registry.Name = "DApp NFT"
	cfg.Registry.Symbol = "DAPP"
	cfg.Feed.ListenAddr = "localhost:8546"
	cfg.Feed.Buffer = defaultFeedBuffer
	cfg.Preview.SizePx = defaultPreviewPx
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = defaultLogDir
	return &cfg
}

// LoadConfig reads and parses the config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Environment overrides take precedence over the file
	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Market.FeeAccount) == "" {
		return &domain.ConfigError{Field: "market.fee_account", Err: errors.New("fee account is required")}
	}
	if c.Market.FeePercent < 0 {
		return &domain.ConfigError{Field: "market.fee_percent", Err: fmt.Errorf("must not be negative, got %d", c.Market.FeePercent)}
	}
	switch c.Market.SurplusPolicy {
	case "", "refund", "retain", "reject":
	default:
		return &domain.ConfigError{Field: "market.surplus_policy", Err: fmt.Errorf("unknown policy %q", c.Market.SurplusPolicy)}
	}
	if c.Market.InboxSize <= 0 {
		return &domain.ConfigError{Field: "market.inbox_size", Err: errors.New("inbox size must be positive")}
	}

	if c.Feed.Enabled && c.Feed.ListenAddr == "" {
		return &domain.ConfigError{Field: "feed.listen_addr", Err: errors.New("listen address is required when the feed is enabled")}
	}
	if c.Preview.Enabled && c.Preview.SizePx <= 0 {
		return &domain.ConfigError{Field: "preview.size_px", Err: errors.New("thumbnail size must be positive")}
	}

	return nil
}

// overrideWithEnv overwrites settings when the matching environment variable is set.
func overrideWithEnv(cfg *Config) error {
	if acct := os.Getenv("MARKET_FEE_ACCOUNT"); acct != "" {
		cfg.Market.FeeAccount = acct
	}
	if pct := os.Getenv("MARKET_FEE_PERCENT"); pct != "" {
		n, err := strconv.ParseInt(pct, 10, 64)
		if err != nil {
			return &domain.ConfigError{Field: "MARKET_FEE_PERCENT", Err: err}
		}
		cfg.Market.FeePercent = n
	}
	if path := os.Getenv("MARKET_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if addr := os.Getenv("MARKET_FEED_ADDR"); addr != "" {
		cfg.Feed.ListenAddr = addr
	}
	return nil
}

// LoadConfigOrDefault behaves like LoadConfig but falls back to DefaultConfig
// (still honouring environment overrides) when the file does not exist.
func LoadConfigOrDefault(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err == nil || !errors.Is(err, domain.ErrConfigNotFound) {
		return cfg, err
	}

	cfg = DefaultConfig()
	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
