// Package config defines all configuration for the exchange simulator.
// Config is loaded from a JSON file (default: configs/config.json) with
// fields overridable via EXSIM_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the JSON file
// structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Failures FailuresConfig `mapstructure:"failures"`
	Client   ClientConfig   `mapstructure:"client"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the listen address and server-side heartbeat interval.
type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	HeartbeatInterval int    `mapstructure:"heartbeat_interval"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PricingModelConfig selects and tunes the price process.
//
//   - Type: "random_walk", "gbm", or "trend".
//   - Drift: annualized drift, GBM only.
//   - Volatility: per-tick fraction for random_walk/trend, annualized std
//     dev for GBM.
//   - Trend: per-tick directional fraction, trend model only.
type PricingModelConfig struct {
	Type       string  `mapstructure:"type"`
	Drift      float64 `mapstructure:"drift"`
	Volatility float64 `mapstructure:"volatility"`
	Trend      float64 `mapstructure:"trend"`
}

// ExchangeConfig holds the traded symbols and market data tuning. Prices
// and balances are decimal strings to survive JSON without float loss.
type ExchangeConfig struct {
	Symbols        []string           `mapstructure:"symbols"`
	InitialPrices  map[string]string  `mapstructure:"initial_prices"`
	TickInterval   float64            `mapstructure:"tick_interval"`
	DefaultBalance map[string]string  `mapstructure:"default_balance"`
	PricingModel   PricingModelConfig `mapstructure:"pricing_model"`
	TradeProb      float64            `mapstructure:"trade_probability"`
	Seed           int64              `mapstructure:"seed"`
}

// TickDuration returns the tick interval as a duration.
func (e ExchangeConfig) TickDuration() time.Duration {
	return time.Duration(e.TickInterval * float64(time.Second))
}

// InitialPricesDecimal parses the initial prices.
func (e ExchangeConfig) InitialPricesDecimal() (map[string]decimal.Decimal, error) {
	return parseDecimalMap(e.InitialPrices, "exchange.initial_prices")
}

// DefaultBalanceDecimal parses the default account balance.
func (e ExchangeConfig) DefaultBalanceDecimal() (map[string]decimal.Decimal, error) {
	return parseDecimalMap(e.DefaultBalance, "exchange.default_balance")
}

func parseDecimalMap(in map[string]string, field string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("%s[%s]: %w", field, k, err)
		}
		out[k] = d
	}
	return out, nil
}

// LatencyConfig tunes the always-on latency simulation. Mode picks a
// log-normal preset; explicit mu/sigma override it.
type LatencyConfig struct {
	Mode  string  `mapstructure:"mode"`
	Mu    float64 `mapstructure:"mu"`
	Sigma float64 `mapstructure:"sigma"`
}

// Params resolves the log-normal parameters (microseconds).
func (l LatencyConfig) Params() (mu, sigma float64) {
	if l.Mu != 0 || l.Sigma != 0 {
		return l.Mu, l.Sigma
	}
	switch l.Mode {
	case "typical":
		return 10.0, 0.5 // ~22ms median
	default: // "stable"
		return 8.0, 0.2 // ~3ms median
	}
}

// FailureMode is one entry under failures.modes. Only the tunables the
// named strategy uses are read; the rest are ignored.
type FailureMode struct {
	Enabled              bool    `mapstructure:"enabled"`
	Probability          float64 `mapstructure:"probability"`
	MinMs                int     `mapstructure:"min_ms"`
	MaxMs                int     `mapstructure:"max_ms"`
	WindowSize           int     `mapstructure:"window_size"`
	MaxDuplicates        int     `mapstructure:"max_duplicates"`
	MaxMessagesPerSecond int     `mapstructure:"max_messages_per_second"`
	CorruptionLevel      float64 `mapstructure:"corruption_level"`
	AfterMessages        int64   `mapstructure:"after_messages"`
	BaselineRPS          int     `mapstructure:"baseline_rps"`
	WaitPeriodSeconds    int     `mapstructure:"wait_period_seconds"`
	SecondBanSeconds     int     `mapstructure:"second_ban_seconds"`
	ViolationWindowSecs  int     `mapstructure:"violation_window_seconds"`
}

// FailuresConfig controls fault injection. Latency simulation applies even
// when Enabled is false; everything under Modes requires Enabled.
type FailuresConfig struct {
	Enabled bool                   `mapstructure:"enabled"`
	Latency LatencyConfig          `mapstructure:"latency"`
	Modes   map[string]FailureMode `mapstructure:"modes"`
}

// Mode returns the named failure mode and whether it exists and is enabled.
func (f FailuresConfig) Mode(name string) (FailureMode, bool) {
	m, ok := f.Modes[name]
	return m, ok && m.Enabled
}

// ClientConfig tunes the client-side network manager.
type ClientConfig struct {
	HeartbeatInterval        float64 `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout         float64 `mapstructure:"heartbeat_timeout"`
	IdleTimeout              float64 `mapstructure:"idle_timeout"`
	ReconnectInitialBackoff  float64 `mapstructure:"reconnect_initial_backoff"`
	ReconnectMaxBackoff      float64 `mapstructure:"reconnect_max_backoff"`
	ReconnectMaxAttempts     int     `mapstructure:"reconnect_max_attempts"`
	RateLimitProactive       bool    `mapstructure:"rate_limit_proactive"`
	RateLimitInitialBackoff  float64 `mapstructure:"rate_limit_initial_backoff"`
	RateLimitMaxBackoff      float64 `mapstructure:"rate_limit_max_backoff"`
	RateLimitBackoffMultiple float64 `mapstructure:"rate_limit_backoff_multiplier"`
	ReconciliationEnabled    bool    `mapstructure:"reconciliation_enabled"`
	PriceHistoryLimit        int     `mapstructure:"price_history_limit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.heartbeat_interval", 30)

	v.SetDefault("exchange.symbols", []string{"BTC/USD"})
	v.SetDefault("exchange.initial_prices", map[string]string{"BTC/USD": "50000"})
	v.SetDefault("exchange.tick_interval", 0.1)
	v.SetDefault("exchange.default_balance", map[string]string{"USD": "100000", "BTC": "10"})
	v.SetDefault("exchange.pricing_model.type", "random_walk")
	v.SetDefault("exchange.pricing_model.volatility", 0.001)
	v.SetDefault("exchange.trade_probability", 0.3)

	v.SetDefault("failures.enabled", false)
	v.SetDefault("failures.latency.mode", "stable")

	v.SetDefault("client.heartbeat_interval", 60.0)
	v.SetDefault("client.heartbeat_timeout", 10.0)
	v.SetDefault("client.idle_timeout", 10.0)
	v.SetDefault("client.reconnect_initial_backoff", 1.0)
	v.SetDefault("client.reconnect_max_backoff", 10.0)
	v.SetDefault("client.reconnect_max_attempts", 5)
	v.SetDefault("client.rate_limit_proactive", true)
	v.SetDefault("client.rate_limit_initial_backoff", 1.0)
	v.SetDefault("client.rate_limit_max_backoff", 60.0)
	v.SetDefault("client.rate_limit_backoff_multiplier", 2.0)
	v.SetDefault("client.reconciliation_enabled", true)
	v.SetDefault("client.price_history_limit", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads config from a JSON file with env var overrides, e.g.
// EXSIM_SERVER_PORT=9000.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("EXSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err) // defaults always unmarshal
	}
	return &cfg
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if len(c.Exchange.Symbols) == 0 {
		return fmt.Errorf("exchange.symbols must not be empty")
	}
	for _, sym := range c.Exchange.Symbols {
		if !strings.Contains(sym, "/") {
			return fmt.Errorf("exchange.symbols: %q is not BASE/QUOTE form", sym)
		}
		if _, ok := c.Exchange.InitialPrices[sym]; !ok {
			return fmt.Errorf("exchange.initial_prices missing entry for %s", sym)
		}
	}
	if _, err := c.Exchange.InitialPricesDecimal(); err != nil {
		return err
	}
	if _, err := c.Exchange.DefaultBalanceDecimal(); err != nil {
		return err
	}
	if c.Exchange.TickInterval <= 0 {
		return fmt.Errorf("exchange.tick_interval must be > 0")
	}
	switch c.Exchange.PricingModel.Type {
	case "random_walk", "gbm", "trend":
	default:
		return fmt.Errorf("exchange.pricing_model.type must be one of: random_walk, gbm, trend")
	}
	if c.Exchange.TradeProb < 0 || c.Exchange.TradeProb > 1 {
		return fmt.Errorf("exchange.trade_probability must be in [0, 1]")
	}
	switch c.Failures.Latency.Mode {
	case "", "stable", "typical":
	default:
		return fmt.Errorf("failures.latency.mode must be \"stable\" or \"typical\"")
	}
	for name, mode := range c.Failures.Modes {
		if mode.Probability < 0 || mode.Probability > 1 {
			return fmt.Errorf("failures.modes.%s.probability must be in [0, 1]", name)
		}
		if mode.MinMs < 0 || mode.MaxMs < mode.MinMs {
			return fmt.Errorf("failures.modes.%s: min_ms/max_ms out of order", name)
		}
	}
	if c.Client.HeartbeatInterval <= 0 || c.Client.HeartbeatTimeout <= 0 {
		return fmt.Errorf("client heartbeat interval and timeout must be > 0")
	}
	return nil
}
