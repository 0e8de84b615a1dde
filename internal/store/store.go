// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a record with the same identity exists.
	ErrConflict = errors.New("store: already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user. Returns ErrConflict if the client
	// reference is already taken.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByRef retrieves a user by the client reference used at bootstrap.
	GetUserByRef(ctx context.Context, clientRef string) (*model.User, error)

	// UpdateCash overwrites a user's cash balance. Only external capital
	// adjustments use this; fills go through CommitFill.
	UpdateCash(ctx context.Context, userID string, cash decimal.Decimal) error

	// --- Positions ---

	// GetPositions returns all open positions of a user.
	GetPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Orders and trades ---

	// InsertOrder records an order that did not fill (rejected or cancelled).
	InsertOrder(ctx context.Context, o *model.Order) error

	// CommitFill atomically persists the filled order, its trade, the new
	// cash balance and the new position. Either everything is written or
	// nothing is.
	CommitFill(ctx context.Context, s *model.Settlement) error

	// GetOrdersByUser returns a user's orders, oldest first.
	GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// GetTradesByUser returns a user's trades, oldest first.
	GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// Close releases the underlying resources.
	Close() error
}
