package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedUser(t *testing.T, s *MemoryStore, id, ref string) {
	t.Helper()
	err := s.CreateUser(context.Background(), &model.User{
		ID: id, ClientRef: ref, DisplayName: ref, Cash: d(1000), CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func settlement(userID, orderID string, qty, cash float64) *model.Settlement {
	now := time.Now().UTC()
	return &model.Settlement{
		Order: model.Order{
			ID: orderID, UserID: userID, Instrument: "AAPL.US", Side: model.SideBuy,
			Quantity: d(qty), Kind: model.KindMarket, Status: model.OrderFilled,
			CreatedAt: now, ResolvedAt: now,
		},
		Trade: model.Trade{
			ID: "t-" + orderID, OrderID: orderID, UserID: userID, Instrument: "AAPL.US",
			Side: model.SideBuy, Quantity: d(qty), Price: d(10), Commission: d(1), Timestamp: now,
		},
		Cash: d(cash),
		Position: model.Position{
			UserID: userID, Instrument: "AAPL.US", Quantity: d(qty), AvgCost: d(10), UpdatedAt: now,
		},
	}
}

func TestCreateUser_DuplicateRef(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "u1", "alice")

	err := s.CreateUser(context.Background(), &model.User{ID: "u2", ClientRef: "alice"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestGetUserByRef(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "u1", "alice")

	u, err := s.GetUserByRef(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != "u1" {
		t.Errorf("expected u1, got %s", u.ID)
	}

	if _, err := s.GetUserByRef(context.Background(), "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUser_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "u1", "alice")

	u, _ := s.GetUser(context.Background(), "u1")
	u.Cash = d(0)

	again, _ := s.GetUser(context.Background(), "u1")
	if !again.Cash.Equal(d(1000)) {
		t.Errorf("store must not share state with callers, got cash %s", again.Cash)
	}
}

func TestCommitFill_WritesEverything(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "u1", "alice")
	ctx := context.Background()

	if err := s.CommitFill(ctx, settlement("u1", "o1", 5, 949)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.Cash.Equal(d(949)) {
		t.Errorf("expected cash 949, got %s", u.Cash)
	}
	positions, _ := s.GetPositions(ctx, "u1")
	if len(positions) != 1 || !positions[0].Quantity.Equal(d(5)) {
		t.Errorf("expected one position of 5, got %+v", positions)
	}
	orders, _ := s.GetOrdersByUser(ctx, "u1")
	trades, _ := s.GetTradesByUser(ctx, "u1")
	if len(orders) != 1 || len(trades) != 1 {
		t.Fatalf("expected 1 order and 1 trade, got %d and %d", len(orders), len(trades))
	}
	if trades[0].OrderID != orders[0].ID {
		t.Error("trade must reference its order")
	}
}

func TestCommitFill_ZeroQuantityDeletesPosition(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "u1", "alice")
	ctx := context.Background()

	s.CommitFill(ctx, settlement("u1", "o1", 5, 949))
	s.CommitFill(ctx, settlement("u1", "o2", 0, 998))

	positions, _ := s.GetPositions(ctx, "u1")
	if len(positions) != 0 {
		t.Errorf("expected no positions, got %d", len(positions))
	}
}

func TestCommitFill_DuplicateOrderRejected(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "u1", "alice")
	ctx := context.Background()

	if err := s.CommitFill(ctx, settlement("u1", "o1", 5, 949)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	err := s.CommitFill(ctx, settlement("u1", "o1", 10, 100))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.Cash.Equal(d(949)) {
		t.Errorf("failed commit must not change cash, got %s", u.Cash)
	}
}

func TestCommitFill_UnknownUser(t *testing.T) {
	s := NewMemoryStore()
	err := s.CommitFill(context.Background(), settlement("ghost", "o1", 1, 1))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
