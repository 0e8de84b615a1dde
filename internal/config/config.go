// Package config loads process configuration from the environment and the
// per-market trading parameters from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/instrument"
)

// Feed modes.
const (
	FeedSimulated = "simulated"
	FeedRedis     = "redis"
	FeedHTTP      = "http"
)

// defaultInstruments seeds the simulated feed. The PUMP entry is the
// pump.fun test coin.
const defaultInstruments = "AAPL.US=190,TSLA.US=250,MSFT.US=420,00700.HK=380,11111111111111111111111111111112.PUMP=0.0001"

// Config holds all runtime configuration for the trading engine.
type Config struct {
	Port     int
	LogLevel string

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	TradingConfigPath string
	DemoCapital       decimal.Decimal

	ValuationInterval time.Duration
	SnapshotThreshold decimal.Decimal

	FeedMode         string
	FeedInstruments  []instrument.Instrument
	FeedSeedPrices   map[string]decimal.Decimal
	FeedPollInterval time.Duration
	FeedMaxAge       time.Duration
	FeedRedisKey     string
	FeedCookies      map[string]string // market → cookie
	SimVolatility    float64
	XueqiuURL        string
	PumpFunURL       string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:          getStr("LOG_LEVEL", "info"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		TradingConfigPath: os.Getenv("TRADING_CONFIG"),
		FeedMode:          getStr("FEED_MODE", FeedSimulated),
		FeedRedisKey:      getStr("FEED_REDIS_KEY", "prices"),
		XueqiuURL:         getStr("XUEQIU_URL", "https://stock.xueqiu.com"),
		PumpFunURL:        getStr("PUMPFUN_URL", "https://frontend-api.pump.fun"),
		FeedCookies:       make(map[string]string),
	}

	var err error
	if cfg.Port, err = getInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if !isValidLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}
	if cfg.DemoCapital, err = getDecimal("DEMO_CAPITAL", decimal.NewFromInt(100000)); err != nil {
		return nil, fmt.Errorf("invalid DEMO_CAPITAL: %w", err)
	}
	if cfg.DemoCapital.IsNegative() {
		return nil, fmt.Errorf("invalid DEMO_CAPITAL: must not be negative")
	}
	if cfg.ValuationInterval, err = getDuration("VALUATION_INTERVAL", time.Second); err != nil {
		return nil, fmt.Errorf("invalid VALUATION_INTERVAL: %w", err)
	}
	if cfg.ValuationInterval <= 0 {
		return nil, fmt.Errorf("invalid VALUATION_INTERVAL: must be positive")
	}
	if cfg.SnapshotThreshold, err = getDecimal("SNAPSHOT_THRESHOLD", decimal.New(1, -2)); err != nil {
		return nil, fmt.Errorf("invalid SNAPSHOT_THRESHOLD: %w", err)
	}

	switch cfg.FeedMode {
	case FeedSimulated, FeedRedis, FeedHTTP:
	default:
		return nil, fmt.Errorf("invalid FEED_MODE: %q, must be one of: simulated, redis, http", cfg.FeedMode)
	}
	if cfg.FeedInstruments, cfg.FeedSeedPrices, err = parseInstruments(getStr("FEED_INSTRUMENTS", defaultInstruments)); err != nil {
		return nil, fmt.Errorf("invalid FEED_INSTRUMENTS: %w", err)
	}
	if cfg.FeedPollInterval, err = getDuration("FEED_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, fmt.Errorf("invalid FEED_POLL_INTERVAL: %w", err)
	}
	if cfg.FeedMaxAge, err = getDuration("FEED_MAX_AGE", time.Minute); err != nil {
		return nil, fmt.Errorf("invalid FEED_MAX_AGE: %w", err)
	}
	if cfg.SimVolatility, err = getFloat("SIM_VOLATILITY", 0.002); err != nil {
		return nil, fmt.Errorf("invalid SIM_VOLATILITY: %w", err)
	}
	for _, market := range []string{instrument.MarketUS, instrument.MarketHK, instrument.MarketPump} {
		if c := os.Getenv("FEED_COOKIE_" + market); c != "" {
			cfg.FeedCookies[market] = c
		}
	}

	if cfg.ReadTimeout, err = getDuration("READ_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}
	if cfg.WriteTimeout, err = getDuration("WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}
	if cfg.IdleTimeout, err = getDuration("IDLE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// parseInstruments parses "KEY[=seedPrice],..." lists.
func parseInstruments(s string) ([]instrument.Instrument, map[string]decimal.Decimal, error) {
	var insts []instrument.Instrument
	seeds := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, priceStr, hasPrice := strings.Cut(part, "=")
		inst, err := instrument.Parse(key)
		if err != nil {
			return nil, nil, err
		}
		insts = append(insts, inst)
		if hasPrice {
			p, err := decimal.NewFromString(strings.TrimSpace(priceStr))
			if err != nil || !p.IsPositive() {
				return nil, nil, fmt.Errorf("bad seed price for %s: %q", inst.Key, priceStr)
			}
			seeds[inst.Key] = p
		}
	}
	return insts, seeds, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return decimal.NewFromString(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
