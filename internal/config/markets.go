package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	_ "time/tzdata" // market time zones must resolve on hosts without zoneinfo

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/trading-engine/internal/model"
)

// marketFile is the YAML layout of the trading config file:
//
//	markets:
//	  US:
//	    exchange_rate: "1"
//	    commission_rate: "0.0005"
//	    min_commission: "1"
//	    min_order_quantity: "1"
//	    lot_size: "1"
//	    enabled: true
//	    hours: {open: "21:00", close: "05:00", timezone: "Asia/Shanghai"}
type marketFile struct {
	Markets map[string]marketEntry `yaml:"markets"`
}

type marketEntry struct {
	ExchangeRate     string     `yaml:"exchange_rate"`
	CommissionRate   string     `yaml:"commission_rate"`
	MinCommission    string     `yaml:"min_commission"`
	MinOrderQuantity string     `yaml:"min_order_quantity"`
	LotSize          string     `yaml:"lot_size"`
	Enabled          *bool      `yaml:"enabled"`
	Hours            hoursEntry `yaml:"hours"`
}

type hoursEntry struct {
	AlwaysOpen bool   `yaml:"always_open"`
	Open       string `yaml:"open"`
	Close      string `yaml:"close"`
	Timezone   string `yaml:"timezone"`
}

// DefaultMarketsYAML is used when no trading config file is given.
const DefaultMarketsYAML = `
markets:
  PUMP:
    exchange_rate: "1"
    commission_rate: "0.003"
    min_commission: "0.01"
    min_order_quantity: "1"
    lot_size: "1"
    hours: {always_open: true}
  US:
    exchange_rate: "1"
    commission_rate: "0.0005"
    min_commission: "1"
    min_order_quantity: "1"
    lot_size: "1"
    hours: {open: "21:00", close: "05:00", timezone: "Asia/Shanghai"}
  HK:
    exchange_rate: "7.8"
    commission_rate: "0.00027"
    min_commission: "20"
    min_order_quantity: "100"
    lot_size: "100"
    hours: {open: "09:30", close: "16:00", timezone: "Asia/Hong_Kong"}
`

// Markets holds the active per-market trading configuration. Readers get an
// immutable table; Reload swaps in a new one.
type Markets struct {
	path    string
	current atomic.Pointer[map[string]model.TradingConfig]
}

// NewMarkets loads the table from path, or the built-in defaults if path is empty.
func NewMarkets(path string) (*Markets, error) {
	m := &Markets{path: path}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewStaticMarkets wraps a fixed table. Reload keeps it unchanged.
func NewStaticMarkets(table map[string]model.TradingConfig) *Markets {
	m := &Markets{}
	cp := make(map[string]model.TradingConfig, len(table))
	for k, v := range table {
		v.Market = k
		cp[k] = v
	}
	m.current.Store(&cp)
	return m
}

// Get returns the configuration of one market.
func (m *Markets) Get(market string) (model.TradingConfig, bool) {
	c, ok := (*m.current.Load())[market]
	return c, ok
}

// All returns the configured markets sorted by name.
func (m *Markets) All() []model.TradingConfig {
	table := *m.current.Load()
	out := make([]model.TradingConfig, 0, len(table))
	for _, c := range table {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// Reload re-reads the config file. On error the previous table stays active.
func (m *Markets) Reload() error {
	var raw []byte
	switch {
	case m.path != "":
		b, err := os.ReadFile(m.path)
		if err != nil {
			return fmt.Errorf("read trading config: %w", err)
		}
		raw = b
	case m.current.Load() != nil:
		return nil
	default:
		raw = []byte(DefaultMarketsYAML)
	}

	table, err := ParseMarkets(raw)
	if err != nil {
		return err
	}
	m.current.Store(&table)
	slog.Info("trading config loaded", "path", m.path, "markets", len(table))
	return nil
}

// ParseMarkets parses a YAML trading config document.
func ParseMarkets(raw []byte) (map[string]model.TradingConfig, error) {
	var f marketFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse trading config: %w", err)
	}
	if len(f.Markets) == 0 {
		return nil, fmt.Errorf("parse trading config: no markets defined")
	}

	table := make(map[string]model.TradingConfig, len(f.Markets))
	for name, e := range f.Markets {
		name = strings.ToUpper(strings.TrimSpace(name))
		c, err := e.toConfig(name)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", name, err)
		}
		table[name] = c
	}
	return table, nil
}

func (e marketEntry) toConfig(name string) (model.TradingConfig, error) {
	c := model.TradingConfig{Market: name, Enabled: true}
	if e.Enabled != nil {
		c.Enabled = *e.Enabled
	}

	var err error
	if c.ExchangeRate, err = parseDecimal(e.ExchangeRate, decimal.NewFromInt(1)); err != nil {
		return c, fmt.Errorf("exchange_rate: %w", err)
	}
	if !c.ExchangeRate.IsPositive() {
		return c, fmt.Errorf("exchange_rate must be positive")
	}
	if c.CommissionRate, err = parseDecimal(e.CommissionRate, decimal.Zero); err != nil {
		return c, fmt.Errorf("commission_rate: %w", err)
	}
	if c.MinCommission, err = parseDecimal(e.MinCommission, decimal.Zero); err != nil {
		return c, fmt.Errorf("min_commission: %w", err)
	}
	if c.MinOrderQuantity, err = parseDecimal(e.MinOrderQuantity, decimal.NewFromInt(1)); err != nil {
		return c, fmt.Errorf("min_order_quantity: %w", err)
	}
	if c.LotSize, err = parseDecimal(e.LotSize, decimal.NewFromInt(1)); err != nil {
		return c, fmt.Errorf("lot_size: %w", err)
	}
	if c.CommissionRate.IsNegative() || c.MinCommission.IsNegative() {
		return c, fmt.Errorf("commission must not be negative")
	}
	if !c.LotSize.IsPositive() {
		return c, fmt.Errorf("lot_size must be positive")
	}

	c.Hours.AlwaysOpen = e.Hours.AlwaysOpen
	if !c.Hours.AlwaysOpen {
		if e.Hours.Open == "" || e.Hours.Close == "" {
			return c, fmt.Errorf("hours: open and close are required unless always_open")
		}
		if c.Hours.Open, err = parseClock(e.Hours.Open); err != nil {
			return c, fmt.Errorf("hours.open: %w", err)
		}
		if c.Hours.Close, err = parseClock(e.Hours.Close); err != nil {
			return c, fmt.Errorf("hours.close: %w", err)
		}
		c.Hours.Location = time.UTC
		if e.Hours.Timezone != "" {
			if c.Hours.Location, err = time.LoadLocation(e.Hours.Timezone); err != nil {
				return c, fmt.Errorf("hours.timezone: %w", err)
			}
		}
	}
	return c, nil
}

func parseDecimal(s string, def decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}

// parseClock parses "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
