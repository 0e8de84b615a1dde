package model

import "github.com/shopspring/decimal"

// Settlement is the complete effect of one fill. It is persisted as a single
// atomic unit: the filled order, its trade, the user's new cash balance and
// realized total, and the user's new position in the traded instrument.
type Settlement struct {
	Order       Order           `json:"order"`
	Trade       Trade           `json:"trade"`
	Cash        decimal.Decimal `json:"cash"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"` // user lifetime total after the fill
	Position    Position        `json:"position"`     // zero quantity: position closed
}
