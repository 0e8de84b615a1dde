package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/trading-engine/internal/ledger"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

// For any sequence of fills, cash plus positions valued at the last known
// price equals initial capital plus realized and unrealized P&L minus
// commissions paid.
func TestProperty_AccountingConvergence(t *testing.T) {
	instruments := []string{"AAPL.US", "00700.HK", "mint.PUMP"}

	rapid.Check(t, func(t *rapid.T) {
		initial := decimal.NewFromInt(1_000_000)
		l := ledger.New(store.NewMemoryStore(), initial)
		u, err := l.GetOrCreateUser(context.Background(), "prop", "")
		if err != nil {
			t.Fatal(err)
		}

		last := make(map[string]decimal.Decimal)
		realized := decimal.Zero
		commissions := decimal.Zero

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			inst := rapid.SampledFrom(instruments).Draw(t, "instrument")
			side := rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(t, "side")
			qty := decimal.NewFromInt(rapid.Int64Range(1, 50).Draw(t, "qty"))
			price := decimal.New(rapid.Int64Range(1, 50_000).Draw(t, "cents"), -2)
			commission := decimal.New(rapid.Int64Range(0, 500).Draw(t, "commission"), -2)

			order := pendingOrder(u.ID, inst, side, 0)
			order.Quantity = qty
			st, err := l.ApplyFill(context.Background(), ledger.Fill{
				Order:      order,
				Price:      price,
				Commission: commission,
			})
			if err != nil {
				// Oversells and overdraws are refused without effect.
				continue
			}
			last[inst] = price
			realized = realized.Add(st.Trade.RealizedPnL)
			commissions = commissions.Add(st.Trade.Commission)
		}

		acct, err := l.Snapshot(context.Background(), u.ID)
		if err != nil {
			t.Fatal(err)
		}
		if acct.User.Cash.IsNegative() {
			t.Fatalf("cash went negative: %s", acct.User.Cash)
		}

		equity := acct.User.Cash
		unrealized := decimal.Zero
		for _, p := range acct.Positions {
			if !p.Quantity.IsPositive() {
				t.Fatalf("non-positive position kept: %+v", p)
			}
			mv := p.Quantity.Mul(last[p.Instrument])
			equity = equity.Add(mv)
			unrealized = unrealized.Add(mv.Sub(p.Quantity.Mul(p.AvgCost)))
		}

		want := initial.Add(realized).Add(unrealized).Sub(commissions)
		if equity.Sub(want).Abs().GreaterThan(decimal.New(1, -6)) {
			t.Fatalf("equity %s != initial + realized + unrealized − commissions = %s", equity, want)
		}
	})
}
