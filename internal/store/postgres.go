package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	client_ref   TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	cash         NUMERIC NOT NULL CHECK (cash >= 0),
	realized_pnl NUMERIC NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	user_id      TEXT NOT NULL REFERENCES users(id),
	instrument   TEXT NOT NULL,
	quantity     NUMERIC NOT NULL CHECK (quantity > 0),
	avg_cost     NUMERIC NOT NULL,
	realized_pnl NUMERIC NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, instrument)
);

CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id),
	instrument  TEXT NOT NULL,
	side        TEXT NOT NULL,
	quantity    NUMERIC NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id            TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL UNIQUE REFERENCES orders(id),
	user_id       TEXT NOT NULL REFERENCES users(id),
	instrument    TEXT NOT NULL,
	side          TEXT NOT NULL,
	quantity      NUMERIC NOT NULL,
	price         NUMERIC NOT NULL,
	exchange_rate NUMERIC NOT NULL DEFAULT 1,
	commission    NUMERIC NOT NULL,
	realized_pnl  NUMERIC NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL
);

ALTER TABLE users ADD COLUMN IF NOT EXISTS realized_pnl NUMERIC NOT NULL DEFAULT 0;
ALTER TABLE trades ADD COLUMN IF NOT EXISTS exchange_rate NUMERIC NOT NULL DEFAULT 1;

CREATE INDEX IF NOT EXISTS orders_user_idx ON orders (user_id, created_at);
CREATE INDEX IF NOT EXISTS trades_user_idx ON trades (user_id, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, client_ref, display_name, cash, realized_pnl, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		u.ID, u.ClientRef, u.DisplayName, u.Cash.String(), u.RealizedPnL.String(), u.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("user with client ref %s: %w", u.ClientRef, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.getUser(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetUserByRef(ctx context.Context, clientRef string) (*model.User, error) {
	return s.getUser(ctx, `WHERE client_ref = $1`, clientRef)
}

func (s *PostgresStore) getUser(ctx context.Context, where, arg string) (*model.User, error) {
	var u model.User
	var cash, pnl string

	err := s.pool.QueryRow(ctx,
		`SELECT id, client_ref, display_name, cash::TEXT, realized_pnl::TEXT, created_at
		 FROM users `+where, arg).
		Scan(&u.ID, &u.ClientRef, &u.DisplayName, &cash, &pnl, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", arg, err)
	}

	u.Cash, _ = decimal.NewFromString(cash)
	u.RealizedPnL, _ = decimal.NewFromString(pnl)
	return &u, nil
}

func (s *PostgresStore) UpdateCash(ctx context.Context, userID string, cash decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET cash = $2::NUMERIC WHERE id = $1`,
		userID, cash.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, instrument, quantity::TEXT, avg_cost::TEXT,
		        realized_pnl::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY instrument`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qtyS, avgS, pnlS string
		if err := rows.Scan(&p.UserID, &p.Instrument, &qtyS, &avgS, &pnlS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qtyS)
		p.AvgCost, _ = decimal.NewFromString(avgS)
		p.RealizedPnL, _ = decimal.NewFromString(pnlS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return insertOrder(ctx, s.pool, o)
}

// CommitFill writes the settlement in one serializable transaction.
func (s *PostgresStore) CommitFill(ctx context.Context, st *model.Settlement) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertOrder(ctx, tx, &st.Order); err != nil {
		return fmt.Errorf("insert order %s: %w", st.Order.ID, err)
	}

	t := st.Trade
	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (id, order_id, user_id, instrument, side, quantity, price, exchange_rate,
		                     commission, realized_pnl, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		t.ID, t.OrderID, t.UserID, t.Instrument, string(t.Side),
		t.Quantity.String(), t.Price.String(), model.NormalizeRate(t.ExchangeRate).String(),
		t.Commission.String(), t.RealizedPnL.String(), t.Timestamp,
	); err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE users SET cash = $2::NUMERIC, realized_pnl = $3::NUMERIC WHERE id = $1`,
		t.UserID, st.Cash.String(), st.RealizedPnL.String(),
	)
	if err != nil {
		return fmt.Errorf("update cash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", t.UserID, ErrNotFound)
	}

	p := st.Position
	if p.Quantity.IsZero() {
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE user_id = $1 AND instrument = $2`,
			p.UserID, p.Instrument)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (user_id, instrument, quantity, avg_cost, realized_pnl, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (user_id, instrument) DO UPDATE
			 SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost,
			     realized_pnl = EXCLUDED.realized_pnl, updated_at = EXCLUDED.updated_at`,
			p.UserID, p.Instrument, p.Quantity.String(), p.AvgCost.String(),
			p.RealizedPnL.String(), p.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("write position: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, instrument, side, quantity::TEXT, kind, status, reason,
		        created_at, resolved_at
		 FROM orders WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, kind, status, qtyS string
		if err := rows.Scan(&o.ID, &o.UserID, &o.Instrument, &side, &qtyS, &kind, &status,
			&o.Reason, &o.CreatedAt, &o.ResolvedAt); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.Kind = model.OrderKind(kind)
		o.Status = model.OrderStatus(status)
		o.Quantity, _ = decimal.NewFromString(qtyS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, user_id, instrument, side,
		        quantity::TEXT, price::TEXT, exchange_rate::TEXT, commission::TEXT,
		        realized_pnl::TEXT, timestamp
		 FROM trades WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertOrder(ctx context.Context, db execer, o *model.Order) error {
	_, err := db.Exec(ctx,
		`INSERT INTO orders (id, user_id, instrument, side, quantity, kind, status, reason, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`,
		o.ID, o.UserID, o.Instrument, string(o.Side), o.Quantity.String(),
		string(o.Kind), string(o.Status), o.Reason, o.CreatedAt, o.ResolvedAt,
	)
	return err
}

// scanTrades reads pgx rows into Trade slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, qtyS, priceS, rateS, commS, pnlS string

		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Instrument, &side,
			&qtyS, &priceS, &rateS, &commS, &pnlS, &t.Timestamp); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		t.Quantity, _ = decimal.NewFromString(qtyS)
		t.Price, _ = decimal.NewFromString(priceS)
		t.ExchangeRate, _ = decimal.NewFromString(rateS)
		t.Commission, _ = decimal.NewFromString(commS)
		t.RealizedPnL, _ = decimal.NewFromString(pnlS)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
