package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/ledger"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// flakyStore fails CommitFill while fail is set.
type flakyStore struct {
	store.Store
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *flakyStore) CommitFill(ctx context.Context, st *model.Settlement) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.Store.CommitFill(ctx, st)
}

// gatedStore blocks GetUser for one user ID until release is closed.
type gatedStore struct {
	store.Store
	blockID string
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	if id == s.blockID {
		close(s.entered)
		<-s.release
	}
	return s.Store.GetUser(ctx, id)
}

func newLedger(t *testing.T) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return ledger.New(ms, d(10000)), ms
}

func bootstrap(t *testing.T, l *ledger.Ledger, ref string) *model.User {
	t.Helper()
	u, err := l.GetOrCreateUser(context.Background(), ref, "")
	if err != nil {
		t.Fatalf("bootstrap %s: %v", ref, err)
	}
	return u
}

func pendingOrder(userID, inst string, side model.Side, qty float64) model.Order {
	return model.Order{
		ID:         uuid.New().String(),
		UserID:     userID,
		Instrument: inst,
		Side:       side,
		Quantity:   d(qty),
		Kind:       model.KindMarket,
		Status:     model.OrderPending,
		CreatedAt:  time.Now().UTC(),
	}
}

func fill(t *testing.T, l *ledger.Ledger, userID string, side model.Side, qty, price, commission float64) model.Settlement {
	t.Helper()
	st, err := l.ApplyFill(context.Background(), ledger.Fill{
		Order:      pendingOrder(userID, "AAPL.US", side, qty),
		Price:      d(price),
		Commission: d(commission),
	})
	if err != nil {
		t.Fatalf("fill %s %v@%v: %v", side, qty, price, err)
	}
	return st
}

// --- Bootstrap ---

func TestGetOrCreateUser_SeedsDemoCapital(t *testing.T) {
	l, _ := newLedger(t)
	u := bootstrap(t, l, "alice")

	if u.ID == "" {
		t.Error("expected a user ID")
	}
	if !u.Cash.Equal(d(10000)) {
		t.Errorf("expected 10000 demo capital, got %s", u.Cash)
	}
	if u.DisplayName != "alice" {
		t.Errorf("display name should default to the client ref, got %q", u.DisplayName)
	}
}

func TestGetOrCreateUser_Idempotent(t *testing.T) {
	l, _ := newLedger(t)
	first := bootstrap(t, l, "alice")
	fill(t, l, first.ID, model.SideBuy, 10, 100, 1)

	second := bootstrap(t, l, "alice")
	if second.ID != first.ID {
		t.Fatalf("expected same user, got %s and %s", first.ID, second.ID)
	}
	if !second.Cash.Equal(d(8999)) {
		t.Errorf("bootstrap must not reset cash, got %s", second.Cash)
	}
}

func TestGetOrCreateUser_ConcurrentSameRef(t *testing.T) {
	l, _ := newLedger(t)

	ids := make([]string, 20)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := l.GetOrCreateUser(context.Background(), "bob", "Bob")
			if err != nil {
				t.Errorf("bootstrap: %v", err)
				return
			}
			ids[i] = u.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent bootstraps produced different users: %s vs %s", ids[0], id)
		}
	}
}

func TestGetOrCreateUser_EmptyRef(t *testing.T) {
	l, _ := newLedger(t)
	if _, err := l.GetOrCreateUser(context.Background(), "", "x"); !errors.Is(err, ledger.ErrInvalidIdentity) {
		t.Errorf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestGetOrCreateUser_LoadsPersistedState(t *testing.T) {
	l, ms := newLedger(t)
	u := bootstrap(t, l, "alice")
	fill(t, l, u.ID, model.SideBuy, 10, 100, 1)

	// A fresh ledger over the same store sees the persisted account.
	l2 := ledger.New(ms, d(10000))
	again := bootstrap(t, l2, "alice")
	if again.ID != u.ID || !again.Cash.Equal(d(8999)) {
		t.Fatalf("expected persisted user with 8999 cash, got %s %s", again.ID, again.Cash)
	}
	pos, ok, err := l2.GetPosition(context.Background(), u.ID, "AAPL.US")
	if err != nil || !ok {
		t.Fatalf("expected persisted position, got ok=%v err=%v", ok, err)
	}
	if !pos.Quantity.Equal(d(10)) {
		t.Errorf("expected quantity 10, got %s", pos.Quantity)
	}
}

func TestAccountLoad_SlowUserDoesNotBlockOthers(t *testing.T) {
	l, ms := newLedger(t)
	slow := bootstrap(t, l, "slow")
	fast := bootstrap(t, l, "fast")

	gs := &gatedStore{Store: ms, blockID: slow.ID, entered: make(chan struct{}), release: make(chan struct{})}
	cold := ledger.New(gs, d(10000))

	done := make(chan error, 1)
	go func() {
		_, err := cold.Snapshot(context.Background(), slow.ID)
		done <- err
	}()
	<-gs.entered

	loaded := make(chan error, 1)
	go func() {
		_, err := cold.Snapshot(context.Background(), fast.ID)
		loaded <- err
	}()
	select {
	case err := <-loaded:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loading one user waited on another user's store read")
	}

	close(gs.release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAccountLoad_ByRefAndIDShareAccount(t *testing.T) {
	l, ms := newLedger(t)
	u := bootstrap(t, l, "alice")

	cold := ledger.New(ms, d(10000))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cold.GetOrCreateUser(context.Background(), "alice", "")
		}()
		go func() {
			defer wg.Done()
			cold.Snapshot(context.Background(), u.ID)
		}()
	}
	wg.Wait()

	fill(t, cold, u.ID, model.SideBuy, 1, 100, 0)
	again := bootstrap(t, cold, "alice")
	if !again.Cash.Equal(d(9900)) {
		t.Errorf("ref and ID lookups must see the same account, got cash %s", again.Cash)
	}
}

func TestSnapshot_UnknownUser(t *testing.T) {
	l, _ := newLedger(t)
	if _, err := l.Snapshot(context.Background(), "nobody"); !errors.Is(err, ledger.ErrUnknownUser) {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

// --- Settlement ---

func TestApplyFill_BuyWeightedAverage(t *testing.T) {
	l, _ := newLedger(t)
	u := bootstrap(t, l, "alice")

	fill(t, l, u.ID, model.SideBuy, 10, 100, 1)
	st := fill(t, l, u.ID, model.SideBuy, 30, 120, 2)

	// (10×100 + 30×120) / 40 = 115
	if !st.Position.AvgCost.Equal(d(115)) {
		t.Errorf("expected avg cost 115, got %s", st.Position.AvgCost)
	}
	if !st.Position.Quantity.Equal(d(40)) {
		t.Errorf("expected quantity 40, got %s", st.Position.Quantity)
	}
	// 10000 − 1000 − 1 − 3600 − 2
	if !st.Cash.Equal(d(5397)) {
		t.Errorf("expected cash 5397, got %s", st.Cash)
	}
	if st.Order.Status != model.OrderFilled || st.Trade.OrderID != st.Order.ID {
		t.Errorf("unexpected order/trade: %+v / %+v", st.Order, st.Trade)
	}
}

func TestApplyFill_SellRealizesPnL(t *testing.T) {
	l, _ := newLedger(t)
	u := bootstrap(t, l, "alice")

	fill(t, l, u.ID, model.SideBuy, 10, 100, 1)
	st := fill(t, l, u.ID, model.SideSell, 4, 150, 1)

	if !st.Trade.RealizedPnL.Equal(d(200)) {
		t.Errorf("expected realized 200, got %s", st.Trade.RealizedPnL)
	}
	if !st.Position.AvgCost.Equal(d(100)) {
		t.Errorf("avg cost must not change on sell, got %s", st.Position.AvgCost)
	}
	if !st.Position.Quantity.Equal(d(6)) {
		t.Errorf("expected quantity 6, got %s", st.Position.Quantity)
	}
	// 10000 − 1001 + 600 − 1
	if !st.Cash.Equal(d(9598)) {
		t.Errorf("expected cash 9598, got %s", st.Cash)
	}
}

func TestApplyFill_SellAllRemovesPosition(t *testing.T) {
	l, _ := newLedger(t)
	u := bootstrap(t, l, "alice")

	fill(t, l, u.ID, model.SideBuy, 5, 100, 0)
	fill(t, l, u.ID, model.SideSell, 5, 90, 0)

	_, ok, err := l.GetPosition(context.Background(), u.ID, "AAPL.US")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("position should be removed at zero quantity")
	}
	acct, _ := l.Snapshot(context.Background(), u.ID)
	if len(acct.Positions) != 0 {
		t.Errorf("expected no positions, got %d", len(acct.Positions))
	}
}

func TestApplyFill_RealizedTotalSurvivesClose(t *testing.T) {
	l, ms := newLedger(t)
	u := bootstrap(t, l, "alice")

	fill(t, l, u.ID, model.SideBuy, 5, 100, 0)
	fill(t, l, u.ID, model.SideSell, 5, 120, 0)
	fill(t, l, u.ID, model.SideBuy, 5, 100, 0)
	st := fill(t, l, u.ID, model.SideSell, 2, 90, 0)

	if !st.Position.RealizedPnL.Equal(d(-20)) {
		t.Errorf("reopened position tracks its own period, got %s", st.Position.RealizedPnL)
	}
	// 100 from the closed round trip, −20 from the open one
	if !st.RealizedPnL.Equal(d(80)) {
		t.Errorf("expected lifetime realized 80, got %s", st.RealizedPnL)
	}
	acct, _ := l.Snapshot(context.Background(), u.ID)
	if !acct.User.RealizedPnL.Equal(d(80)) {
		t.Errorf("expected account realized 80, got %s", acct.User.RealizedPnL)
	}
	stored, _ := ms.GetUser(context.Background(), u.ID)
	if !stored.RealizedPnL.Equal(d(80)) {
		t.Errorf("expected persisted realized 80, got %s", stored.RealizedPnL)
	}
}

func TestApplyFill_ConvertsAtExchangeRate(t *testing.T) {
	l, _ := newLedger(t)
	u := bootstrap(t, l, "alice")

	st, err := l.ApplyFill(context.Background(), ledger.Fill{
		Order:        pendingOrder(u.ID, "00700.HK", model.SideBuy, 100),
		Price:        d(390),
		ExchangeRate: d(7.8),
		Commission:   d(2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// HKD 39000 / 7.8 = 5000, plus 2
	if !st.Cash.Equal(d(4998)) {
		t.Errorf("expected cash 4998, got %s", st.Cash)
	}
	if !st.Position.AvgCost.Equal(d(390)) {
		t.Errorf("expected HKD cost 390, got %s", st.Position.AvgCost)
	}

	st, err = l.ApplyFill(context.Background(), ledger.Fill{
		Order:        pendingOrder(u.ID, "00700.HK", model.SideSell, 100),
		Price:        d(468),
		ExchangeRate: d(7.8),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 100 × HKD 78 / 7.8
	if !st.Trade.RealizedPnL.Equal(d(1000)) {
		t.Errorf("expected realized 1000, got %s", st.Trade.RealizedPnL)
	}
	if !st.Cash.Equal(d(10998)) {
		t.Errorf("expected cash 10998, got %s", st.Cash)
	}
}

func TestApplyFill_OversellLeavesLedgerUnchanged(t *testing.T) {
	l, _ := newLedger(t)
	u := bootstrap(t, l, "alice")
	fill(t, l, u.ID, model.SideBuy, 5, 100, 1)
	before, _ := l.Snapshot(context.Background(), u.ID)

	_, err := l.ApplyFill(context.Background(), ledger.Fill{
		Order: pendingOrder(u.ID, "AAPL.US", model.SideSell, 6),
		Price: d(100),
	})
	if !errors.Is(err, ledger.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}

	after, _ := l.Snapshot(context.Background(), u.ID)
	if !after.User.Cash.Equal(before.User.Cash) || !after.Positions[0].Quantity.Equal(before.Positions[0].Quantity) {
		t.Errorf("ledger changed: before %+v after %+v", before, after)
	}
}

func TestApplyFill_OverdrawRejected(t *testing.T) {
	l, _ := newLedger(t)
	u := bootstrap(t, l, "alice")

	_, err := l.ApplyFill(context.Background(), ledger.Fill{
		Order:      pendingOrder(u.ID, "AAPL.US", model.SideBuy, 100),
		Price:      d(100),
		Commission: d(1),
	})
	if !errors.Is(err, ledger.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	acct, _ := l.Snapshot(context.Background(), u.ID)
	if !acct.User.Cash.Equal(d(10000)) {
		t.Errorf("cash must be unchanged, got %s", acct.User.Cash)
	}
}

func TestApplyFill_RejectsNonPendingOrder(t *testing.T) {
	l, _ := newLedger(t)
	u := bootstrap(t, l, "alice")

	o := pendingOrder(u.ID, "AAPL.US", model.SideBuy, 1)
	o.Status = model.OrderFilled
	_, err := l.ApplyFill(context.Background(), ledger.Fill{Order: o, Price: d(1)})
	if !errors.Is(err, ledger.ErrConsistency) {
		t.Errorf("expected ErrConsistency, got %v", err)
	}
}

func TestApplyFill_StoreFailureRollsBack(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemoryStore()}
	l := ledger.New(fs, d(10000))
	u := bootstrap(t, l, "alice")

	fs.setFail(true)
	_, err := l.ApplyFill(context.Background(), ledger.Fill{
		Order:      pendingOrder(u.ID, "AAPL.US", model.SideBuy, 10),
		Price:      d(100),
		Commission: d(1),
	})
	if !errors.Is(err, ledger.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}

	acct, _ := l.Snapshot(context.Background(), u.ID)
	if !acct.User.Cash.Equal(d(10000)) || len(acct.Positions) != 0 {
		t.Errorf("failed commit must leave memory untouched, got %+v", acct)
	}
	trades, _ := l.Trades(context.Background(), u.ID)
	if len(trades) != 0 {
		t.Errorf("expected no trades, got %d", len(trades))
	}

	fs.setFail(false)
	fill(t, l, u.ID, model.SideBuy, 10, 100, 1)
}

func TestApplyFill_ConcurrentFillsSerialize(t *testing.T) {
	l, _ := newLedger(t)
	u := bootstrap(t, l, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ApplyFill(context.Background(), ledger.Fill{
				Order:      pendingOrder(u.ID, "AAPL.US", model.SideBuy, 1),
				Price:      d(10),
				Commission: d(1),
			})
			if err != nil {
				t.Errorf("fill: %v", err)
			}
		}()
	}
	wg.Wait()

	acct, _ := l.Snapshot(context.Background(), u.ID)
	if !acct.User.Cash.Equal(d(9450)) {
		t.Errorf("expected cash 9450, got %s", acct.User.Cash)
	}
	if !acct.Positions[0].Quantity.Equal(d(50)) {
		t.Errorf("expected quantity 50, got %s", acct.Positions[0].Quantity)
	}
	trades, _ := l.Trades(context.Background(), u.ID)
	if len(trades) != 50 {
		t.Errorf("expected 50 trades, got %d", len(trades))
	}
}

// --- Adjustments and history ---

func TestAdjust(t *testing.T) {
	l, ms := newLedger(t)
	u := bootstrap(t, l, "alice")

	cash, err := l.Adjust(context.Background(), u.ID, d(500), "deposit")
	if err != nil {
		t.Fatal(err)
	}
	if !cash.Equal(d(10500)) {
		t.Errorf("expected 10500, got %s", cash)
	}
	stored, _ := ms.GetUser(context.Background(), u.ID)
	if !stored.Cash.Equal(d(10500)) {
		t.Errorf("adjustment not persisted, got %s", stored.Cash)
	}

	if _, err := l.Adjust(context.Background(), u.ID, d(-20000), "withdraw"); !errors.Is(err, ledger.ErrConsistency) {
		t.Errorf("expected ErrConsistency on overdraw, got %v", err)
	}
}

func TestRecordOrder_OnlyUnfilled(t *testing.T) {
	l, _ := newLedger(t)
	u := bootstrap(t, l, "alice")

	o := pendingOrder(u.ID, "AAPL.US", model.SideBuy, 1)
	if err := l.RecordOrder(context.Background(), &o); !errors.Is(err, ledger.ErrConsistency) {
		t.Errorf("expected pending order to be refused, got %v", err)
	}

	o.Status = model.OrderRejected
	o.Reason = "MarketClosed"
	if err := l.RecordOrder(context.Background(), &o); err != nil {
		t.Fatal(err)
	}
	orders, _ := l.Orders(context.Background(), u.ID)
	if len(orders) != 1 || orders[0].Reason != "MarketClosed" {
		t.Errorf("unexpected orders: %+v", orders)
	}
}
