// Package ledger holds the authoritative per-user financial state: cash,
// positions and the settlement of fills.
//
// Every read or write of one user's state goes through that user's mutex in
// an account. This lock is the single serialization point for the user:
// fills, capital adjustments and snapshot reads never interleave. Different
// users never contend with each other.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

var (
	// ErrConsistency is returned when a settlement would break an account
	// invariant or could not be persisted as a unit. Nothing was changed.
	ErrConsistency = errors.New("ledger: consistency violation")

	// ErrUnknownUser is returned for user IDs that do not exist.
	ErrUnknownUser = errors.New("ledger: unknown user")

	// ErrInvalidIdentity is returned when bootstrapping without a client reference.
	ErrInvalidIdentity = errors.New("ledger: client reference is required")
)

// Fill describes one execution to settle against an account. Price is in
// the instrument's quote currency; Commission is already in account cash.
type Fill struct {
	Order        model.Order // pending order being filled
	Price        decimal.Decimal
	ExchangeRate decimal.Decimal // quote units per unit of cash; zero: 1
	Commission   decimal.Decimal
	At           time.Time // zero: now
}

// account is the in-memory state of one user. mu guards every other field.
type account struct {
	mu        sync.Mutex
	user      model.User
	positions map[string]model.Position
}

// Ledger caches accounts in memory and persists every change through a Store
// before it becomes visible.
type Ledger struct {
	store       store.Store
	demoCapital decimal.Decimal
	now         func() time.Time

	mu       sync.RWMutex
	accounts map[string]*account // user ID → account
	byRef    map[string]string   // client ref → user ID

	loads singleflight.Group // one cold load per user ID or client ref at a time
}

// New creates a ledger backed by st. New users start with demoCapital cash.
func New(st store.Store, demoCapital decimal.Decimal) *Ledger {
	return &Ledger{
		store:       st,
		demoCapital: demoCapital,
		now:         func() time.Time { return time.Now().UTC() },
		accounts:    make(map[string]*account),
		byRef:       make(map[string]string),
	}
}

// GetOrCreateUser resolves the user bound to clientRef, creating and funding
// it on first use. Repeated calls return the same user and never reset cash.
func (l *Ledger) GetOrCreateUser(ctx context.Context, clientRef, displayName string) (*model.User, error) {
	if clientRef == "" {
		return nil, ErrInvalidIdentity
	}

	if a := l.lookupRef(clientRef); a != nil {
		return a.userCopy(), nil
	}

	v, err, _ := l.loads.Do("ref:"+clientRef, func() (any, error) {
		if a := l.lookupRef(clientRef); a != nil {
			return a, nil
		}
		return l.loadOrCreate(ctx, clientRef, displayName)
	})
	if err != nil {
		return nil, err
	}
	return v.(*account).userCopy(), nil
}

func (l *Ledger) loadOrCreate(ctx context.Context, clientRef, displayName string) (*account, error) {
	u, err := l.store.GetUserByRef(ctx, clientRef)
	switch {
	case err == nil:
		return l.load(ctx, u)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if displayName == "" {
		displayName = clientRef
	}
	u = &model.User{
		ID:          uuid.New().String(),
		ClientRef:   clientRef,
		DisplayName: displayName,
		Cash:        l.demoCapital,
		CreatedAt:   l.now(),
	}
	if err := l.store.CreateUser(ctx, u); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("create user: %w", err)
		}
		// Another process created it first.
		if u, err = l.store.GetUserByRef(ctx, clientRef); err != nil {
			return nil, fmt.Errorf("lookup user: %w", err)
		}
	} else {
		slog.Info("user created", "user", u.ID, "client_ref", clientRef, "cash", u.Cash.String())
	}
	return l.load(ctx, u)
}

// GetPosition returns the user's position in instrument, if any.
func (l *Ledger) GetPosition(ctx context.Context, userID, instrument string) (model.Position, bool, error) {
	var (
		pos model.Position
		ok  bool
	)
	err := l.Do(ctx, userID, func(a *Account) error {
		pos, ok = a.Position(instrument)
		return nil
	})
	return pos, ok, err
}

// Do runs fn inside userID's critical section. fn must not perform network
// I/O other than through the Account it is given.
func (l *Ledger) Do(ctx context.Context, userID string, fn func(*Account) error) error {
	a, err := l.account(ctx, userID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	view := &Account{l: l, a: a}
	defer func() { view.a = nil }()
	return fn(view)
}

// ApplyFill settles one fill in its own critical section.
func (l *Ledger) ApplyFill(ctx context.Context, f Fill) (model.Settlement, error) {
	var st model.Settlement
	err := l.Do(ctx, f.Order.UserID, func(a *Account) error {
		var err error
		st, err = a.ApplyFill(ctx, f)
		return err
	})
	return st, err
}

// Snapshot returns a consistent copy of the user's cash and positions,
// positions sorted by instrument.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (model.Account, error) {
	var acct model.Account
	err := l.Do(ctx, userID, func(a *Account) error {
		acct = a.Snapshot()
		return nil
	})
	return acct, err
}

// Adjust adds amount to the user's cash outside of trading, e.g. a demo
// deposit. The balance may not go negative.
func (l *Ledger) Adjust(ctx context.Context, userID string, amount decimal.Decimal, note string) (decimal.Decimal, error) {
	var cash decimal.Decimal
	err := l.Do(ctx, userID, func(a *Account) error {
		next := a.a.user.Cash.Add(amount)
		if next.IsNegative() {
			return fmt.Errorf("%w: adjustment of %s would overdraw cash", ErrConsistency, amount)
		}
		if err := l.store.UpdateCash(ctx, userID, next); err != nil {
			return fmt.Errorf("persist cash: %w", err)
		}
		a.a.user.Cash = next
		cash = next
		return nil
	})
	if err == nil {
		slog.Info("cash adjusted", "user", userID, "amount", amount.String(), "cash", cash.String(), "note", note)
	}
	return cash, err
}

// RecordOrder persists an order that ended without a fill.
func (l *Ledger) RecordOrder(ctx context.Context, o *model.Order) error {
	if o.Status != model.OrderRejected && o.Status != model.OrderCancelled {
		return fmt.Errorf("%w: order %s is %s", ErrConsistency, o.ID, o.Status)
	}
	return l.store.InsertOrder(ctx, o)
}

// Orders returns the user's order history.
func (l *Ledger) Orders(ctx context.Context, userID string) ([]model.Order, error) {
	return l.store.GetOrdersByUser(ctx, userID)
}

// Trades returns the user's trade history.
func (l *Ledger) Trades(ctx context.Context, userID string) ([]model.Trade, error) {
	return l.store.GetTradesByUser(ctx, userID)
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

func (l *Ledger) lookupRef(clientRef string) *account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id, ok := l.byRef[clientRef]; ok {
		return l.accounts[id]
	}
	return nil
}

func (l *Ledger) cached(userID string) *account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accounts[userID]
}

// account returns the cached account, loading it from the store on a miss.
// Store reads happen outside l.mu; concurrent misses on the same user share
// one load.
func (l *Ledger) account(ctx context.Context, userID string) (*account, error) {
	if a := l.cached(userID); a != nil {
		return a, nil
	}

	v, err, _ := l.loads.Do("id:"+userID, func() (any, error) {
		if a := l.cached(userID); a != nil {
			return a, nil
		}
		u, err := l.store.GetUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
		}
		if err != nil {
			return nil, fmt.Errorf("load user: %w", err)
		}
		return l.load(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return v.(*account), nil
}

// load reads u's positions and registers the account. If a load through the
// other key registered the user first, that account is kept.
func (l *Ledger) load(ctx context.Context, u *model.User) (*account, error) {
	positions, err := l.store.GetPositions(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	a := &account{user: *u, positions: make(map[string]model.Position, len(positions))}
	for _, p := range positions {
		a.positions[p.Instrument] = p
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.accounts[u.ID]; ok {
		return existing, nil
	}
	l.accounts[u.ID] = a
	l.byRef[u.ClientRef] = u.ID
	return a, nil
}

func (a *account) userCopy() *model.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.user
	return &u
}

// Account is the view of one user's state handed to Do. It is only valid
// for the duration of the callback.
type Account struct {
	l *Ledger
	a *account
}

// User returns a copy of the user record.
func (v *Account) User() model.User {
	return v.a.user
}

// Cash returns the current cash balance.
func (v *Account) Cash() decimal.Decimal {
	return v.a.user.Cash
}

// Position returns the position in instrument, if any.
func (v *Account) Position(instrument string) (model.Position, bool) {
	p, ok := v.a.positions[instrument]
	return p, ok
}

// Snapshot copies the account state.
func (v *Account) Snapshot() model.Account {
	out := model.Account{User: v.a.user, Positions: make([]model.Position, 0, len(v.a.positions))}
	for _, p := range v.a.positions {
		out.Positions = append(out.Positions, p)
	}
	sort.Slice(out.Positions, func(i, j int) bool {
		return out.Positions[i].Instrument < out.Positions[j].Instrument
	})
	return out
}

// ApplyFill settles f: it computes the next cash and position, persists them
// together with the filled order and its trade, and only then updates memory.
// On any error the account is left untouched.
func (v *Account) ApplyFill(ctx context.Context, f Fill) (model.Settlement, error) {
	st, err := settle(v.a.user, v.a.positions[f.Order.Instrument], f, v.l.now)
	if err != nil {
		return model.Settlement{}, err
	}
	if err := v.l.store.CommitFill(ctx, &st); err != nil {
		return model.Settlement{}, fmt.Errorf("%w: persist fill for order %s: %v", ErrConsistency, f.Order.ID, err)
	}

	v.a.user.Cash = st.Cash
	v.a.user.RealizedPnL = st.RealizedPnL
	if st.Position.Quantity.IsZero() {
		delete(v.a.positions, st.Position.Instrument)
	} else {
		v.a.positions[st.Position.Instrument] = st.Position
	}
	return st, nil
}

// settle computes the effect of f on an account holding cash in u and pos
// in the traded instrument. It is pure.
func settle(u model.User, pos model.Position, f Fill, now func() time.Time) (model.Settlement, error) {
	o := f.Order
	q := o.Quantity
	switch {
	case o.UserID != u.ID:
		return model.Settlement{}, fmt.Errorf("%w: order %s belongs to %s", ErrConsistency, o.ID, o.UserID)
	case o.Status != model.OrderPending:
		return model.Settlement{}, fmt.Errorf("%w: order %s is already %s", ErrConsistency, o.ID, o.Status)
	case !q.IsPositive():
		return model.Settlement{}, fmt.Errorf("%w: non-positive quantity %s", ErrConsistency, q)
	case !f.Price.IsPositive():
		return model.Settlement{}, fmt.Errorf("%w: non-positive price %s", ErrConsistency, f.Price)
	case f.Commission.IsNegative():
		return model.Settlement{}, fmt.Errorf("%w: negative commission %s", ErrConsistency, f.Commission)
	}

	at := f.At
	if at.IsZero() {
		at = now()
	}
	if pos.Instrument == "" {
		pos = model.Position{UserID: u.ID, Instrument: o.Instrument}
	}

	rate := model.NormalizeRate(f.ExchangeRate)
	value := q.Mul(f.Price)
	baseValue := model.ToBase(value, rate)
	cash := u.Cash
	realized := decimal.Zero

	switch o.Side {
	case model.SideBuy:
		cash = cash.Sub(baseValue).Sub(f.Commission)
		held := pos.Quantity.Add(q)
		pos.AvgCost = pos.Quantity.Mul(pos.AvgCost).Add(value).DivRound(held, 12)
		pos.Quantity = held
	case model.SideSell:
		if q.GreaterThan(pos.Quantity) {
			return model.Settlement{}, fmt.Errorf("%w: sell %s exceeds held %s of %s", ErrConsistency, q, pos.Quantity, o.Instrument)
		}
		cash = cash.Add(baseValue).Sub(f.Commission)
		realized = model.ToBase(q.Mul(f.Price.Sub(pos.AvgCost)), rate)
		pos.Quantity = pos.Quantity.Sub(q)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		if pos.Quantity.IsZero() {
			pos.AvgCost = decimal.Zero
		}
	default:
		return model.Settlement{}, fmt.Errorf("%w: unknown side %q", ErrConsistency, o.Side)
	}
	if cash.IsNegative() {
		return model.Settlement{}, fmt.Errorf("%w: fill would leave cash at %s", ErrConsistency, cash)
	}
	pos.UpdatedAt = at

	o.Status = model.OrderFilled
	o.Reason = ""
	o.ResolvedAt = at

	return model.Settlement{
		Order: o,
		Trade: model.Trade{
			ID:           uuid.New().String(),
			OrderID:      o.ID,
			UserID:       u.ID,
			Instrument:   o.Instrument,
			Side:         o.Side,
			Quantity:     q,
			Price:        f.Price,
			ExchangeRate: rate,
			Commission:   f.Commission,
			RealizedPnL:  realized,
			Timestamp:    at,
		},
		Cash:        cash,
		RealizedPnL: u.RealizedPnL.Add(realized),
		Position:    pos,
	}, nil
}
