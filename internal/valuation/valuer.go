// Package valuation marks accounts to market and pushes snapshots to the
// users that have live sessions.
package valuation

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/feed"
	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/ledger"
	"github.com/atmx/trading-engine/internal/model"
)

// Rates supplies each market's exchange rate to account cash.
type Rates interface {
	Get(market string) (model.TradingConfig, bool)
}

// Valuer computes snapshots from a consistent ledger copy and the feed.
// Instruments the feed cannot price right now are valued at their last good
// price, or at cost if they were never priced, and marked stale.
type Valuer struct {
	ledger *ledger.Ledger
	feed   feed.Feed
	rates  Rates
	now    func() time.Time

	mu   sync.RWMutex
	last map[string]decimal.Decimal // instrument → last good price
}

// NewValuer creates a Valuer. Markets missing from rates, or a nil rates,
// convert at 1.
func NewValuer(l *ledger.Ledger, f feed.Feed, rates Rates) *Valuer {
	return &Valuer{
		ledger: l,
		feed:   f,
		rates:  rates,
		now:    func() time.Time { return time.Now().UTC() },
		last:   make(map[string]decimal.Decimal),
	}
}

// Value returns the user's account marked to market.
func (v *Valuer) Value(ctx context.Context, userID string) (model.Snapshot, error) {
	acct, err := v.ledger.Snapshot(ctx, userID)
	if err != nil {
		return model.Snapshot{}, err
	}
	return v.mark(acct), nil
}

func (v *Valuer) mark(acct model.Account) model.Snapshot {
	snap := model.Snapshot{
		UserID:        acct.User.ID,
		Cash:          acct.User.Cash,
		Positions:     make([]model.PositionValuation, 0, len(acct.Positions)),
		TotalEquity:   acct.User.Cash,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   acct.User.RealizedPnL,
		AsOf:          v.now(),
	}
	for _, p := range acct.Positions {
		price, stale := v.priceOf(p)
		rate := v.rateOf(p.Instrument)
		local := p.Quantity.Mul(price)
		mv := model.ToBase(local, rate)
		unrealized := model.ToBase(local.Sub(p.Quantity.Mul(p.AvgCost)), rate)

		snap.Positions = append(snap.Positions, model.PositionValuation{
			Instrument:    p.Instrument,
			Quantity:      p.Quantity,
			AvgCost:       p.AvgCost,
			Price:         price,
			ExchangeRate:  rate,
			MarketValue:   mv,
			UnrealizedPnL: unrealized,
			RealizedPnL:   p.RealizedPnL,
			Stale:         stale,
		})
		snap.TotalEquity = snap.TotalEquity.Add(mv)
		snap.UnrealizedPnL = snap.UnrealizedPnL.Add(unrealized)
	}
	return snap
}

func (v *Valuer) priceOf(p model.Position) (decimal.Decimal, bool) {
	if price, err := v.feed.Price(p.Instrument); err == nil {
		v.mu.Lock()
		v.last[p.Instrument] = price
		v.mu.Unlock()
		return price, false
	}

	v.mu.RLock()
	price, ok := v.last[p.Instrument]
	v.mu.RUnlock()
	if ok {
		return price, true
	}
	return p.AvgCost, true
}

func (v *Valuer) rateOf(key string) decimal.Decimal {
	if v.rates == nil {
		return model.NormalizeRate(decimal.Zero)
	}
	inst, err := instrument.Parse(key)
	if err != nil {
		return model.NormalizeRate(decimal.Zero)
	}
	cfg, ok := v.rates.Get(inst.Market)
	if !ok {
		return model.NormalizeRate(decimal.Zero)
	}
	return cfg.Rate()
}
