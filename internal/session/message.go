package session

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
)

// Message types. Every frame is a JSON object with a "type" field.
const (
	TypeBootstrap       = "bootstrap"
	TypeSubmitOrder     = "submit_order"
	TypeRequestSnapshot = "request_snapshot"

	TypeBootstrapResult = "bootstrap_result"
	TypeOrderResult     = "order_result"
	TypeTradeExecuted   = "trade_executed"
	TypeSnapshot        = "snapshot"
	TypeError           = "error"
)

// Error codes carried by error messages.
const (
	CodeNotBootstrapped     = "NotBootstrapped"
	CodeAlreadyBootstrapped = "AlreadyBootstrapped"
	CodeBadMessage          = "BadMessage"
	CodeInternal            = "InternalError"
)

// inbound is the union of all client messages.
type inbound struct {
	Type string `json:"type"`

	// bootstrap
	ClientRef   string `json:"client_ref"`
	DisplayName string `json:"display_name"`

	// submit_order
	Instrument string          `json:"instrument"`
	Side       model.Side      `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// BootstrapResult answers a successful bootstrap.
type BootstrapResult struct {
	Type        string          `json:"type"`
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name"`
	Cash        decimal.Decimal `json:"cash_balance"`
}

// OrderResult reports the terminal state of a submitted order.
type OrderResult struct {
	Type    string            `json:"type"`
	OrderID string            `json:"order_id"`
	Status  model.OrderStatus `json:"status"`
	Reason  string            `json:"reason,omitempty"`
	Message string            `json:"message,omitempty"`
}

// TradeExecuted reports a fill.
type TradeExecuted struct {
	Type         string          `json:"type"`
	TradeID      string          `json:"trade_id"`
	OrderID      string          `json:"order_id"`
	Instrument   string          `json:"instrument"`
	Side         model.Side      `json:"side"`
	Price        decimal.Decimal `json:"price"` // quote currency
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	Quantity     decimal.Decimal `json:"quantity"`
	Commission   decimal.Decimal `json:"commission"` // account cash
}

// Snapshot carries a valued account.
type Snapshot struct {
	Type string `json:"type"`
	model.Snapshot
}

// Error reports a message that could not be handled.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func tradeExecuted(t model.Trade) TradeExecuted {
	return TradeExecuted{
		Type:         TypeTradeExecuted,
		TradeID:      t.ID,
		OrderID:      t.OrderID,
		Instrument:   t.Instrument,
		Side:         t.Side,
		Price:        t.Price,
		ExchangeRate: t.ExchangeRate,
		Quantity:     t.Quantity,
		Commission:   t.Commission,
	}
}

func snapshot(s model.Snapshot) Snapshot {
	return Snapshot{Type: TypeSnapshot, Snapshot: s}
}
