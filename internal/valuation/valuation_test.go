package valuation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/feed"
	"github.com/atmx/trading-engine/internal/ledger"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// switchFeed serves prices from a map and can be taken down.
type switchFeed struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	down   bool
}

func (f *switchFeed) Price(inst string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return decimal.Zero, feed.ErrPriceUnavailable
	}
	p, ok := f.prices[inst]
	if !ok {
		return decimal.Zero, feed.ErrUnknownInstrument
	}
	return p, nil
}

func (f *switchFeed) Known(inst string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.prices[inst]
	return ok
}

func (f *switchFeed) set(inst string, p float64) {
	f.mu.Lock()
	f.prices[inst] = d(p)
	f.mu.Unlock()
}

func (f *switchFeed) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

// recorder is a Broadcaster that keeps what it was sent.
type recorder struct {
	mu     sync.Mutex
	users  []string
	events []model.Snapshot
}

func (r *recorder) ActiveUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...)
}

func (r *recorder) PublishSnapshot(_ string, snap model.Snapshot) {
	r.mu.Lock()
	r.events = append(r.events, snap)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) setUsers(ids ...string) {
	r.mu.Lock()
	r.users = ids
	r.mu.Unlock()
}

func setup(t *testing.T) (*ledger.Ledger, *switchFeed, string) {
	t.Helper()
	l := ledger.New(store.NewMemoryStore(), d(10000))
	u, err := l.GetOrCreateUser(context.Background(), "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	f := &switchFeed{prices: map[string]decimal.Decimal{"AAPL.US": d(100)}}
	return l, f, u.ID
}

func buy(t *testing.T, l *ledger.Ledger, userID, inst string, qty, price float64) {
	t.Helper()
	_, err := l.ApplyFill(context.Background(), ledger.Fill{
		Order: model.Order{
			ID: uuid.New().String(), UserID: userID, Instrument: inst, Side: model.SideBuy,
			Quantity: d(qty), Kind: model.KindMarket, Status: model.OrderPending,
		},
		Price:      d(price),
		Commission: d(1),
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
}

// --- Valuer ---

func TestValuer_MarksToMarket(t *testing.T) {
	l, f, userID := setup(t)
	buy(t, l, userID, "AAPL.US", 10, 100)
	f.set("AAPL.US", 125)

	snap, err := NewValuer(l, f, nil).Value(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Cash.Equal(d(8999)) {
		t.Errorf("expected cash 8999, got %s", snap.Cash)
	}
	p := snap.Positions[0]
	if !p.MarketValue.Equal(d(1250)) || !p.UnrealizedPnL.Equal(d(250)) || p.Stale {
		t.Errorf("unexpected valuation: %+v", p)
	}
	if !snap.TotalEquity.Equal(d(10249)) {
		t.Errorf("expected equity 10249, got %s", snap.TotalEquity)
	}
}

type staticRates map[string]model.TradingConfig

func (r staticRates) Get(market string) (model.TradingConfig, bool) {
	c, ok := r[market]
	return c, ok
}

func TestValuer_ConvertsQuoteCurrency(t *testing.T) {
	l, f, userID := setup(t)
	_, err := l.ApplyFill(context.Background(), ledger.Fill{
		Order: model.Order{
			ID: uuid.New().String(), UserID: userID, Instrument: "00700.HK", Side: model.SideBuy,
			Quantity: d(100), Kind: model.KindMarket, Status: model.OrderPending,
		},
		Price:        d(390),
		ExchangeRate: d(7.8),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.set("00700.HK", 468)

	rates := staticRates{"HK": {Market: "HK", ExchangeRate: d(7.8)}}
	snap, err := NewValuer(l, f, rates).Value(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	p := snap.Positions[0]
	if !p.Price.Equal(d(468)) || !p.ExchangeRate.Equal(d(7.8)) {
		t.Errorf("expected HKD 468 at 7.8, got %s at %s", p.Price, p.ExchangeRate)
	}
	// HKD 46800 / 7.8 and HKD 7800 / 7.8
	if !p.MarketValue.Equal(d(6000)) || !p.UnrealizedPnL.Equal(d(1000)) {
		t.Errorf("unexpected valuation: %+v", p)
	}
	if !snap.TotalEquity.Equal(d(11000)) {
		t.Errorf("expected equity 11000, got %s", snap.TotalEquity)
	}
}

func TestValuer_FeedOutageUsesLastPrice(t *testing.T) {
	l, f, userID := setup(t)
	buy(t, l, userID, "AAPL.US", 10, 100)
	buy(t, l, userID, "NEW.US", 2, 40)
	v := NewValuer(l, f, nil)

	f.set("AAPL.US", 110)
	if _, err := v.Value(context.Background(), userID); err != nil {
		t.Fatal(err)
	}

	f.setDown(true)
	snap, err := v.Value(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range snap.Positions {
		if !p.Stale {
			t.Errorf("%s should be stale", p.Instrument)
		}
		switch p.Instrument {
		case "AAPL.US":
			if !p.Price.Equal(d(110)) {
				t.Errorf("expected last known 110, got %s", p.Price)
			}
		case "NEW.US":
			// Never priced: valued at cost.
			if !p.Price.Equal(d(40)) || !p.UnrealizedPnL.IsZero() {
				t.Errorf("expected cost valuation, got %+v", p)
			}
		}
	}
}

// --- Loop ---

func TestLoop_PublishesOnlyOnChange(t *testing.T) {
	l, f, userID := setup(t)
	buy(t, l, userID, "AAPL.US", 10, 100)
	out := &recorder{users: []string{userID}}
	loop := NewLoop(NewValuer(l, f, nil), out, time.Second, d(0.01))
	ctx := context.Background()

	loop.Tick(ctx)
	if out.count() != 1 {
		t.Fatalf("expected initial snapshot, got %d", out.count())
	}

	loop.Tick(ctx)
	if out.count() != 1 {
		t.Errorf("unchanged account must not be republished, got %d", out.count())
	}

	// 10 × 0.0005 = 0.005, below the threshold.
	f.set("AAPL.US", 100.0005)
	loop.Tick(ctx)
	if out.count() != 1 {
		t.Errorf("sub-threshold move must not publish, got %d", out.count())
	}

	f.set("AAPL.US", 101)
	loop.Tick(ctx)
	if out.count() != 2 {
		t.Errorf("expected snapshot after price move, got %d", out.count())
	}
}

func TestLoop_DirtyUserPublishedNextTick(t *testing.T) {
	l, f, userID := setup(t)
	out := &recorder{users: []string{userID}}
	loop := NewLoop(NewValuer(l, f, nil), out, time.Second, d(1000))
	ctx := context.Background()

	loop.Tick(ctx)
	buy(t, l, userID, "AAPL.US", 1, 100)
	loop.MarkDirty(userID)
	loop.Tick(ctx)

	if out.count() != 2 {
		t.Fatalf("expected snapshot after fill, got %d", out.count())
	}
	last := out.events[1]
	if !last.Cash.Equal(d(9899)) || len(last.Positions) != 1 {
		t.Errorf("snapshot must reflect the fill, got %+v", last)
	}
}

func TestLoop_ReturningUserGetsFreshSnapshot(t *testing.T) {
	l, f, userID := setup(t)
	out := &recorder{users: []string{userID}}
	loop := NewLoop(NewValuer(l, f, nil), out, time.Second, d(0.01))
	ctx := context.Background()

	loop.Tick(ctx)
	out.setUsers()
	loop.Tick(ctx)
	out.setUsers(userID)
	loop.Tick(ctx)

	if out.count() != 2 {
		t.Errorf("expected a new initial snapshot, got %d", out.count())
	}
}

func TestLoop_StartStop(t *testing.T) {
	l, f, userID := setup(t)
	out := &recorder{users: []string{userID}}
	loop := NewLoop(NewValuer(l, f, nil), out, 5*time.Millisecond, decimal.Zero)

	loop.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for out.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	loop.Stop()

	if out.count() == 0 {
		t.Fatal("loop never published")
	}
}
