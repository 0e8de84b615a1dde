package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	byRef     map[string]string                     // client_ref → user ID
	positions map[string]map[string]model.Position // user ID → instrument → position
	orders    []model.Order
	trades    []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		byRef:     make(map[string]string),
		positions: make(map[string]map[string]model.Position),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRef[u.ClientRef]; ok {
		return fmt.Errorf("user with client ref %s: %w", u.ClientRef, ErrConflict)
	}
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}

	// Store a copy to avoid external mutation.
	copy := *u
	s.users[u.ID] = &copy
	s.byRef[u.ClientRef] = u.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetUserByRef(_ context.Context, clientRef string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRef[clientRef]
	if !ok {
		return nil, fmt.Errorf("user with client ref %s: %w", clientRef, ErrNotFound)
	}
	copy := *s.users[id]
	return &copy, nil
}

func (s *MemoryStore) UpdateCash(_ context.Context, userID string, cash decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	u.Cash = cash
	return nil
}

func (s *MemoryStore) GetPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions[userID] {
		result = append(result, p)
	}
	return result, nil
}

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders = append(s.orders, *o)
	return nil
}

// CommitFill applies the whole settlement under one lock.
func (s *MemoryStore) CommitFill(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[st.Order.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", st.Order.UserID, ErrNotFound)
	}
	for _, t := range s.trades {
		if t.OrderID == st.Order.ID {
			return fmt.Errorf("trade for order %s: %w", st.Order.ID, ErrConflict)
		}
	}

	u.Cash = st.Cash
	u.RealizedPnL = st.RealizedPnL

	byInst, ok := s.positions[u.ID]
	if !ok {
		byInst = make(map[string]model.Position)
		s.positions[u.ID] = byInst
	}
	if st.Position.Quantity.IsZero() {
		delete(byInst, st.Position.Instrument)
	} else {
		byInst[st.Position.Instrument] = st.Position
	}

	s.orders = append(s.orders, st.Order)
	s.trades = append(s.trades, st.Trade)
	return nil
}

func (s *MemoryStore) GetOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, o)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) Close() error { return nil }
