// Package model defines the core domain types shared across the trading engine.
// All monetary values and quantities use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind is the execution style of an order. Only market orders exist;
// they fill immediately against the feed price or are rejected.
type OrderKind string

const KindMarket OrderKind = "market"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// User is a trading account. Cash is never negative once an order has
// passed validation. RealizedPnL is the lifetime total over all instruments
// and survives positions being closed.
type User struct {
	ID          string          `json:"id" db:"id"`
	ClientRef   string          `json:"client_ref" db:"client_ref"`
	DisplayName string          `json:"display_name" db:"display_name"`
	Cash        decimal.Decimal `json:"cash" db:"cash"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's net holding in one instrument.
// Quantity and AvgCost always change together; a zero quantity means the
// position no longer exists. AvgCost is in the quote currency; RealizedPnL
// is in account cash and covers the current holding period only.
type Position struct {
	UserID      string          `json:"user_id" db:"user_id"`
	Instrument  string          `json:"instrument" db:"instrument"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is a request to trade. It is created pending and transitions
// exactly once to a terminal status.
type Order struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Instrument string          `json:"instrument" db:"instrument"`
	Side       Side            `json:"side" db:"side"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Kind       OrderKind       `json:"kind" db:"kind"`
	Status     OrderStatus     `json:"status" db:"status"`
	Reason     string          `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt time.Time       `json:"resolved_at" db:"resolved_at"`
}

// Trade is an immutable record of a fill.
// Once created, these are never modified or deleted.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	OrderID      string          `json:"order_id" db:"order_id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Instrument   string          `json:"instrument" db:"instrument"`
	Side         Side            `json:"side" db:"side"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"` // quote currency
	ExchangeRate decimal.Decimal `json:"exchange_rate" db:"exchange_rate"`
	Commission   decimal.Decimal `json:"commission" db:"commission"`     // account cash
	RealizedPnL  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"` // sells only, account cash
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Value returns quantity × price in the quote currency.
func (t Trade) Value() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// BaseValue returns the trade value in account cash.
func (t Trade) BaseValue() decimal.Decimal {
	return ToBase(t.Value(), t.ExchangeRate)
}

// Account is a point-in-time copy of a user's ledger state.
type Account struct {
	User      User       `json:"user"`
	Positions []Position `json:"positions"`
}

// PositionValuation is a position marked to market.
type PositionValuation struct {
	Instrument    string          `json:"instrument"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	Price         decimal.Decimal `json:"price"` // quote currency
	ExchangeRate  decimal.Decimal `json:"exchange_rate"`
	MarketValue   decimal.Decimal `json:"market_value"` // account cash
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Stale         bool            `json:"stale,omitempty"` // price not refreshed this tick
}

// Snapshot is a consistent valuation of one user's account.
type Snapshot struct {
	UserID        string              `json:"user_id"`
	Cash          decimal.Decimal     `json:"cash_balance"`
	Positions     []PositionValuation `json:"positions"`
	TotalEquity   decimal.Decimal     `json:"total_equity"`
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal     `json:"realized_pnl"`
	AsOf          time.Time           `json:"as_of"`
}
