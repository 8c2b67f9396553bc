// Package infra holds the process-level plumbing: configuration,
// logging, filesystem layout, rate limiting and the shared websocket
// worker.
package infra

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

// Config carries everything the process needs. Secrets may live in the
// file for development but environment variables always win.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Engine struct {
		Mode               string   `yaml:"mode"`  // paper | live
		Scope              string   `yaml:"scope"` // agent identifier for persistence
		QuoteAsset         string   `yaml:"quote_asset"`
		InitialFunds       float64  `yaml:"initial_funds"`
		PollIntervalSec    int      `yaml:"poll_interval_sec"`
		SubmitDelayMS      int      `yaml:"submit_delay_ms"`
		ShutdownTimeoutSec int      `yaml:"shutdown_timeout_sec"`
		Symbols            []string `yaml:"symbols"`
	} `yaml:"engine"`

	Risk struct {
		MaxPositionSizePct float64 `yaml:"max_position_size_pct"`
		MaxLeverage        float64 `yaml:"max_leverage"`
		MaxDrawdownPct     float64 `yaml:"max_drawdown_pct"`
		MaxDailyLossPct    float64 `yaml:"max_daily_loss_pct"`
		MaxOrderValue      float64 `yaml:"max_order_value"`
		SlippageTolerance  float64 `yaml:"slippage_tolerance"`
		MaxOpenPositions   int     `yaml:"max_open_positions"`
		EmergencyStop      *bool   `yaml:"emergency_stop"`
		CircuitBreaker     *bool   `yaml:"circuit_breaker"`
	} `yaml:"risk"`

	API struct {
		Bitget struct {
			RestURL    string            `yaml:"rest_url"`
			WSURL      string            `yaml:"ws_url"`
			AccessKey  string            `yaml:"access_key"`
			SecretKey  string            `yaml:"secret_key"`
			Passphrase string            `yaml:"passphrase"`
			Demo       bool              `yaml:"demo"`    // demo-trading account
			Symbols    map[string]string `yaml:"symbols"` // engine symbol -> venue instId
		} `yaml:"bitget"`
	} `yaml:"api"`

	Server struct {
		Addr     string `yaml:"addr"`
		WSOrigin string `yaml:"ws_origin"` // origin allowed on the event feed, * for any
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver"` // sqlite | postgres | none
		DSN    string `yaml:"dsn"`    // postgres only
	} `yaml:"storage"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// LoadConfig reads and validates the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// overrideWithEnv lets the environment replace file values. Secrets in
// the file are tolerated for development but flagged.
func overrideWithEnv(cfg *Config) {
	if cfg.API.Bitget.SecretKey != "" {
		fmt.Fprintln(os.Stderr, "SECURITY WARNING: API secrets found in config file.")
		fmt.Fprintln(os.Stderr, "  Prefer CIVAL_BITGET_KEY, CIVAL_BITGET_SECRET, CIVAL_BITGET_PASSPHRASE.")
	}

	if key := os.Getenv("CIVAL_BITGET_KEY"); key != "" {
		cfg.API.Bitget.AccessKey = key
	}
	if secret := os.Getenv("CIVAL_BITGET_SECRET"); secret != "" {
		cfg.API.Bitget.SecretKey = secret
	}
	if pass := os.Getenv("CIVAL_BITGET_PASSPHRASE"); pass != "" {
		cfg.API.Bitget.Passphrase = pass
	}
	if mode := os.Getenv("CIVAL_ENGINE_MODE"); mode != "" {
		cfg.Engine.Mode = mode
	}
	if scope := os.Getenv("CIVAL_ENGINE_SCOPE"); scope != "" {
		cfg.Engine.Scope = scope
	}
	if dsn := os.Getenv("CIVAL_STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = AppName
	}
	if c.Engine.Mode == "" {
		c.Engine.Mode = "paper"
	}
	if c.Engine.Scope == "" {
		c.Engine.Scope = "default"
	}
	if c.Engine.QuoteAsset == "" {
		c.Engine.QuoteAsset = "USDT"
	}
	if c.Engine.InitialFunds <= 0 {
		c.Engine.InitialFunds = 10000
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8089"
	}
	if c.Server.WSOrigin == "" {
		c.Server.WSOrigin = "*"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Engine.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("unknown engine mode: %q", c.Engine.Mode)
	}

	if c.Engine.Mode == "live" {
		b := c.API.Bitget
		if b.AccessKey == "" || b.SecretKey == "" || b.Passphrase == "" {
			return fmt.Errorf("live mode requires bitget access_key, secret_key and passphrase")
		}
		if len(b.Symbols) == 0 {
			return fmt.Errorf("live mode requires at least one bitget symbol mapping")
		}
	}

	switch c.Storage.Driver {
	case "sqlite", "none":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("postgres storage requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}

	if c.Engine.PollIntervalSec < 0 || c.Engine.SubmitDelayMS < 0 {
		return fmt.Errorf("engine intervals must not be negative")
	}
	return nil
}

// RiskParameters merges the configured limits over the package defaults.
// A zero numeric field keeps its default.
func (c *Config) RiskParameters() domain.RiskParameters {
	p := domain.DefaultRiskParameters()
	if c.Risk.MaxPositionSizePct > 0 {
		p.MaxPositionSizePct = decimal.NewFromFloat(c.Risk.MaxPositionSizePct)
	}
	if c.Risk.MaxLeverage > 0 {
		p.MaxLeverage = decimal.NewFromFloat(c.Risk.MaxLeverage)
	}
	if c.Risk.MaxDrawdownPct > 0 {
		p.MaxDrawdownPct = decimal.NewFromFloat(c.Risk.MaxDrawdownPct)
	}
	if c.Risk.MaxDailyLossPct > 0 {
		p.MaxDailyLossPct = decimal.NewFromFloat(c.Risk.MaxDailyLossPct)
	}
	if c.Risk.MaxOrderValue > 0 {
		p.MaxOrderValue = decimal.NewFromFloat(c.Risk.MaxOrderValue)
	}
	if c.Risk.SlippageTolerance > 0 {
		p.SlippageTolerance = decimal.NewFromFloat(c.Risk.SlippageTolerance)
	}
	if c.Risk.MaxOpenPositions > 0 {
		p.MaxOpenPositions = c.Risk.MaxOpenPositions
	}
	if c.Risk.EmergencyStop != nil {
		p.EmergencyStop = *c.Risk.EmergencyStop
	}
	if c.Risk.CircuitBreaker != nil {
		p.CircuitBreaker = *c.Risk.CircuitBreaker
	}
	return p
}

// PollInterval returns the live order poll cadence, zero for the engine
// default.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalSec) * time.Second
}

// SubmitDelay returns the pacing delay between venue submissions, zero
// for the engine default.
func (c *Config) SubmitDelay() time.Duration {
	return time.Duration(c.Engine.SubmitDelayMS) * time.Millisecond
}

// ShutdownTimeout bounds the best-effort cancel sweep on shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Engine.ShutdownTimeoutSec) * time.Second
}

// Credentials bundles the venue keys for the exchange adapter.
func (c *Config) Credentials() domain.Credentials {
	return domain.Credentials{
		APIKey:     c.API.Bitget.AccessKey,
		APISecret:  c.API.Bitget.SecretKey,
		Passphrase: c.API.Bitget.Passphrase,
	}
}
