// Package config loads engine configuration from YAML with environment
// overrides for credentials.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/openordinal/execsync/internal/schema"
)

const (
	envAPIKey    = "EXECSYNC_API_KEY"
	envAPISecret = "EXECSYNC_API_SECRET"
)

// Duration decodes YAML scalars written either as Go duration strings
// ("5s", "2m") or as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err == nil {
		parsed, perr := time.ParseDuration(text)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", text, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var nanos int64
	if err := value.Decode(&nanos); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	*d = Duration(nanos)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the engined process configuration.
type Config struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Trading  TradingConfig  `yaml:"trading"`
	Engine   EngineConfig   `yaml:"engine"`
}

// ExchangeConfig holds credentials and endpoints for the exchange.
type ExchangeConfig struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
	// BaseURL and StreamURL default to production endpoints when empty.
	BaseURL   string `yaml:"baseUrl"`
	StreamURL string `yaml:"streamUrl"`

	RecvWindow        Duration `yaml:"recvWindow"`
	HTTPTimeout       Duration `yaml:"httpTimeout"`
	RetryMaxAttempts  int      `yaml:"retryMaxAttempts"`
	RetryInitialDelay Duration `yaml:"retryInitialDelay"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond"`
}

// TradingConfig declares the traded universe and margin setup.
type TradingConfig struct {
	Symbols    []string          `yaml:"symbols"`
	Leverage   int               `yaml:"leverage"`
	MarginMode schema.MarginMode `yaml:"marginMode"`
	// NotionalSafetyMargin is the fractional headroom applied over the
	// exchange minimum notional, e.g. "0.1" for 10%.
	NotionalSafetyMargin string `yaml:"notionalSafetyMargin"`
}

// SafetyMargin parses the configured notional headroom.
func (t TradingConfig) SafetyMargin() decimal.Decimal {
	margin, err := decimal.NewFromString(t.NotionalSafetyMargin)
	if err != nil || margin.Sign() < 0 {
		return decimal.RequireFromString("0.1")
	}
	return margin
}

// EngineConfig tunes reconciler buffers.
type EngineConfig struct {
	PendingTTL    Duration `yaml:"pendingTtl"`
	PendingLimit  int      `yaml:"pendingLimit"`
	CompletedTTL  Duration `yaml:"completedTtl"`
	NotifyBuffer  int      `yaml:"notifyBuffer"`
	ResyncWorkers int      `yaml:"resyncWorkers"`
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML, applies environment overrides, and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets environment credentials take precedence over the file so
// secrets stay out of checked-in configuration.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(envAPIKey)); v != "" {
		c.Exchange.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(envAPISecret)); v != "" {
		c.Exchange.APISecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Trading.Leverage <= 0 {
		c.Trading.Leverage = 1
	}
	if c.Trading.MarginMode == "" {
		c.Trading.MarginMode = schema.MarginModeIsolated
	}
	if strings.TrimSpace(c.Trading.NotionalSafetyMargin) == "" {
		c.Trading.NotionalSafetyMargin = "0.1"
	}
	for i, symbol := range c.Trading.Symbols {
		c.Trading.Symbols[i] = strings.ToUpper(strings.TrimSpace(symbol))
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Exchange.APIKey) == "" || strings.TrimSpace(c.Exchange.APISecret) == "" {
		return fmt.Errorf("exchange credentials missing: set apiKey/apiSecret or %s/%s", envAPIKey, envAPISecret)
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must list at least one symbol")
	}
	switch c.Trading.MarginMode {
	case schema.MarginModeCross, schema.MarginModeIsolated:
	default:
		return fmt.Errorf("trading.marginMode must be cross or isolated, got %q", c.Trading.MarginMode)
	}
	if _, err := decimal.NewFromString(c.Trading.NotionalSafetyMargin); err != nil {
		return fmt.Errorf("trading.notionalSafetyMargin: %w", err)
	}
	return nil
}
