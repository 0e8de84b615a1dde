package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingConfig holds the per-market trading parameters. The matching path
// only reads it; a new table is swapped in by an explicit reload.
//
// Prices, MinCommission and MinOrderQuantity are in the market's quote
// currency. ExchangeRate is quote units per unit of account cash; HK quotes
// in HKD at 7.8, the others at 1.
type TradingConfig struct {
	Market           string          `json:"market"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
	CommissionRate   decimal.Decimal `json:"commission_rate"`
	MinCommission    decimal.Decimal `json:"min_commission"`
	MinOrderQuantity decimal.Decimal `json:"min_order_quantity"`
	LotSize          decimal.Decimal `json:"lot_size"`
	Enabled          bool            `json:"enabled"`
	Hours            TradingHours    `json:"hours"`
}

// TradingHours is a daily trading window in a market's local time.
// Close may be earlier than Open, in which case the window wraps midnight.
type TradingHours struct {
	AlwaysOpen bool           `json:"always_open"`
	Open       time.Duration  `json:"open"`  // offset from local midnight
	Close      time.Duration  `json:"close"` // exclusive
	Location   *time.Location `json:"-"`
}

// Contains reports whether t falls inside the window.
func (h TradingHours) Contains(t time.Time) bool {
	if h.AlwaysOpen {
		return true
	}
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second

	if h.Open == h.Close {
		return false
	}
	if h.Open < h.Close {
		return offset >= h.Open && offset < h.Close
	}
	return offset >= h.Open || offset < h.Close
}

// IsOpen reports whether orders may be accepted at t.
func (c TradingConfig) IsOpen(t time.Time) bool {
	return c.Enabled && c.Hours.Contains(t)
}

// Rate returns ExchangeRate, or 1 when it is not set.
func (c TradingConfig) Rate() decimal.Decimal {
	return NormalizeRate(c.ExchangeRate)
}

// ToBase converts an amount in the market's quote currency to account cash.
func (c TradingConfig) ToBase(amount decimal.Decimal) decimal.Decimal {
	return ToBase(amount, c.ExchangeRate)
}

// Commission returns max(MinCommission, CommissionRate × value), in the
// quote currency.
func (c TradingConfig) Commission(value decimal.Decimal) decimal.Decimal {
	return decimal.Max(c.MinCommission, c.CommissionRate.Mul(value))
}

// EstimateBuyCost returns a conservative upper bound, in account cash, on
// what a buy of quantity at price will consume once commission is added.
func (c TradingConfig) EstimateBuyCost(quantity, price decimal.Decimal) decimal.Decimal {
	value := quantity.Mul(price)
	byRate := value.Mul(decimal.NewFromInt(1).Add(c.CommissionRate))
	byMin := value.Add(c.MinCommission)
	return c.ToBase(decimal.Max(byRate, byMin))
}

// NormalizeRate maps a missing or non-positive exchange rate to 1.
func NormalizeRate(rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return rate
}

// ToBase divides a quote-currency amount by rate.
func ToBase(amount, rate decimal.Decimal) decimal.Decimal {
	rate = NormalizeRate(rate)
	if rate.Equal(decimal.NewFromInt(1)) {
		return amount
	}
	return amount.DivRound(rate, 12)
}

// ValidQuantity reports whether quantity is positive, at least the minimum
// order size and a whole number of lots.
func (c TradingConfig) ValidQuantity(quantity decimal.Decimal) bool {
	if !quantity.IsPositive() {
		return false
	}
	if c.MinOrderQuantity.IsPositive() && quantity.LessThan(c.MinOrderQuantity) {
		return false
	}
	if c.LotSize.IsPositive() && !quantity.Mod(c.LotSize).IsZero() {
		return false
	}
	return true
}
