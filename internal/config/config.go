// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via CRYPTOBOTS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Venues  []VenueConfig `mapstructure:"venues"`
	Trader  TraderConfig  `mapstructure:"trader"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Account AccountConfig `mapstructure:"account"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Journal JournalConfig `mapstructure:"journal"`
	Redis   RedisConfig   `mapstructure:"redis"`
	API     APIConfig     `mapstructure:"api"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// VenueConfig describes one exchange connection. Name selects the
// adapter; RestURL/WSURL override the adapter's production endpoints
// (useful for testnets and mirrors) and default to them when empty.
type VenueConfig struct {
	Name       string `mapstructure:"name"` // binance_spot | binance_futures | ftx
	Enabled    bool   `mapstructure:"enabled"`
	RestURL    string `mapstructure:"rest_url"`
	WSURL      string `mapstructure:"ws_url"`
	Key        string `mapstructure:"key"`
	Secret     string `mapstructure:"secret"`
	Subaccount string `mapstructure:"subaccount"`
	Leverage   int    `mapstructure:"leverage"` // futures only, 0 leaves the venue setting
}

// TraderConfig sets the rebalancer's universe and execution tuning.
//
//   - Assets/Quotes: the tradable universe is every venue market whose
//     base is in Assets and quote is in Quotes.
//   - RouteBases: intermediate assets tried, in order, when a conversion
//     has no direct or inverse pair.
//   - Quote: the valuation asset portfolios are priced in.
//   - Targets: default target weights for periodic rebalancing; values
//     are normalized, so they need not sum to 1.
//   - MinDrift: skip a periodic rebalance when the summed absolute
//     weight difference is below this fraction.
//   - Interval: periodic rebalance cadence; 0 disables the loop.
//   - UseLimit: rebalance with repegged limit orders instead of market.
type TraderConfig struct {
	Assets     []string           `mapstructure:"assets"`
	Quotes     []string           `mapstructure:"quotes"`
	RouteBases []string           `mapstructure:"route_bases"`
	Quote      string             `mapstructure:"quote"`
	Targets    map[string]float64 `mapstructure:"targets"`
	MinDrift   float64            `mapstructure:"min_drift"`
	Interval   time.Duration      `mapstructure:"interval"`
	UseLimit   bool               `mapstructure:"use_limit"`

	FillTimeout   time.Duration `mapstructure:"fill_timeout"`
	RepegInterval time.Duration `mapstructure:"repeg_interval"`
	MaxSlippage   float64       `mapstructure:"max_slippage"`
	LimitTimeout  time.Duration `mapstructure:"limit_timeout"`
}

// RiskConfig sets the pre-trade guard's hard limits.
//
//   - MaxLegNotional: max quote notional of any single rebalance leg.
//   - MaxTurnover: max summed leg notional within TurnoverWindow.
//   - MaxConsecutiveFailures: placement failures in a row before the
//     guard trips and blocks all trading for CooldownAfterTrip.
type RiskConfig struct {
	MaxLegNotional         float64       `mapstructure:"max_leg_notional"`
	MaxTurnover            float64       `mapstructure:"max_turnover"`
	TurnoverWindow         time.Duration `mapstructure:"turnover_window"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	CooldownAfterTrip      time.Duration `mapstructure:"cooldown_after_trip"`
}

// AccountConfig tunes the account state machine.
type AccountConfig struct {
	// RefreshInterval is the REST reconciliation cadence when the user
	// stream is silent.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// EngineConfig tunes the connection watchdog.
type EngineConfig struct {
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	ReconnectMinWait time.Duration `mapstructure:"reconnect_min_wait"`
	ReconnectMaxWait time.Duration `mapstructure:"reconnect_max_wait"`
}

// JournalConfig sets where orders and fills are persisted. An empty
// path disables the journal.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig controls the fill/ticker stream publisher.
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	StreamPrefix string `mapstructure:"stream_prefix"`
	MaxLen       int64  `mapstructure:"max_len"`
}

// APIConfig controls the status/stream HTTP server.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. Venue
// credentials use env vars named after the venue:
// CRYPTOBOTS_BINANCE_SPOT_KEY, CRYPTOBOTS_FTX_SECRET, and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CRYPTOBOTS")
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

	// Override credentials from env so key material can stay out of the file.
	for i := range cfg.Venues {
		prefix := "CRYPTOBOTS_" + envName(cfg.Venues[i].Name)
		if key := os.Getenv(prefix + "_KEY"); key != "" {
			cfg.Venues[i].Key = key
		}
		if secret := os.Getenv(prefix + "_SECRET"); secret != "" {
			cfg.Venues[i].Secret = secret
		}
		if sub := os.Getenv(prefix + "_SUBACCOUNT"); sub != "" {
			cfg.Venues[i].Subaccount = sub
		}
	}
	if pass := os.Getenv("CRYPTOBOTS_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trader.quote", "USDT")
	v.SetDefault("trader.min_drift", 0.0)
	v.SetDefault("trader.fill_timeout", "2m")
	v.SetDefault("trader.repeg_interval", "1s")
	v.SetDefault("trader.max_slippage", 0.002)
	v.SetDefault("trader.limit_timeout", "1m")

	v.SetDefault("risk.turnover_window", "1h")
	v.SetDefault("risk.max_consecutive_failures", 5)
	v.SetDefault("risk.cooldown_after_trip", "10m")

	v.SetDefault("account.refresh_interval", "5m")

	v.SetDefault("engine.check_interval", "15s")
	v.SetDefault("engine.reconnect_min_wait", "1s")
	v.SetDefault("engine.reconnect_max_wait", "30s")

	v.SetDefault("redis.stream_prefix", "cryptobots")
	v.SetDefault("redis.max_len", 4096)

	v.SetDefault("api.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// envName maps a venue name to its env var fragment: "binance_spot"
// becomes "BINANCE_SPOT".
func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// VenueNames lists the supported adapter selectors.
var VenueNames = []string{"binance_spot", "binance_futures", "ftx"}

func knownVenue(name string) bool {
	for _, v := range VenueNames {
		if v == name {
			return true
		}
	}
	return false
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	enabled := 0
	seen := make(map[string]bool)
	for _, v := range c.Venues {
		if !knownVenue(v.Name) {
			return fmt.Errorf("venues: unknown venue %q (supported: %s)",
				v.Name, strings.Join(VenueNames, ", "))
		}
		if seen[v.Name] {
			return fmt.Errorf("venues: %s configured twice", v.Name)
		}
		seen[v.Name] = true
		if !v.Enabled {
			continue
		}
		enabled++
		if v.Key == "" || v.Secret == "" {
			return fmt.Errorf("venues: %s is enabled but has no credentials (set CRYPTOBOTS_%s_KEY / _SECRET)",
				v.Name, envName(v.Name))
		}
		if v.Leverage < 0 {
			return fmt.Errorf("venues: %s leverage must be >= 0", v.Name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("venues: at least one venue must be enabled")
	}

	if len(c.Trader.Assets) == 0 {
		return fmt.Errorf("trader.assets is required")
	}
	if len(c.Trader.Quotes) == 0 {
		return fmt.Errorf("trader.quotes is required")
	}
	if c.Trader.Quote == "" {
		return fmt.Errorf("trader.quote is required")
	}
	for asset, w := range c.Trader.Targets {
		if w < 0 {
			return fmt.Errorf("trader.targets: negative weight for %s", asset)
		}
	}
	if c.Trader.MinDrift < 0 || c.Trader.MinDrift >= 1 {
		return fmt.Errorf("trader.min_drift must be in [0, 1)")
	}
	if c.Trader.MaxSlippage <= 0 || c.Trader.MaxSlippage > 0.2 {
		return fmt.Errorf("trader.max_slippage must be in (0, 0.2]")
	}

	if c.Risk.MaxLegNotional < 0 || c.Risk.MaxTurnover < 0 {
		return fmt.Errorf("risk limits must be >= 0")
	}
	if c.Risk.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("risk.max_consecutive_failures must be >= 0")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid TCP port")
	}
	return nil
}
