// Package feed supplies the current price of each instrument.
//
// Every adapter writes into a Table and every reader goes through it, so a
// price lookup never blocks on the network: sources refresh the table from
// their own goroutines and readers see an immutable copy of the latest prices.
package feed

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownInstrument is returned for instruments the feed has never priced.
	ErrUnknownInstrument = errors.New("feed: unknown instrument")

	// ErrPriceUnavailable is returned when the last quote is too old to trade on.
	ErrPriceUnavailable = errors.New("feed: price unavailable")
)

// Feed is the read side used by the matching engine and the valuation loop.
type Feed interface {
	// Price returns the latest price. It must not block on I/O.
	Price(instrument string) (decimal.Decimal, error)

	// Known reports whether the instrument has ever been priced.
	Known(instrument string) bool
}

// Quote is one price observation.
type Quote struct {
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Table is a copy-on-write price table. Reads are lock-free; writers are
// serialized among themselves and publish a fresh map on every update.
type Table struct {
	quotes atomic.Pointer[map[string]Quote]
	wmu    sync.Mutex
	maxAge time.Duration
	now    func() time.Time
}

// NewTable creates an empty table. Quotes older than maxAge are reported as
// unavailable; zero disables the age check.
func NewTable(maxAge time.Duration) *Table {
	t := &Table{maxAge: maxAge, now: time.Now}
	empty := make(map[string]Quote)
	t.quotes.Store(&empty)
	return t
}

// Price implements Feed.
func (t *Table) Price(instrument string) (decimal.Decimal, error) {
	q, ok := (*t.quotes.Load())[instrument]
	if !ok {
		return decimal.Zero, ErrUnknownInstrument
	}
	if t.maxAge > 0 && t.now().Sub(q.UpdatedAt) > t.maxAge {
		return decimal.Zero, ErrPriceUnavailable
	}
	if !q.Price.IsPositive() {
		return decimal.Zero, ErrPriceUnavailable
	}
	return q.Price, nil
}

// Known implements Feed.
func (t *Table) Known(instrument string) bool {
	_, ok := (*t.quotes.Load())[instrument]
	return ok
}

// Set records a price for one instrument.
func (t *Table) Set(instrument string, price decimal.Decimal) {
	t.SetMany(map[string]decimal.Decimal{instrument: price})
}

// SetMany records several prices in one publish.
func (t *Table) SetMany(prices map[string]decimal.Decimal) {
	if len(prices) == 0 {
		return
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()

	now := t.now()
	old := *t.quotes.Load()
	next := make(map[string]Quote, len(old)+len(prices))
	for k, v := range old {
		next[k] = v
	}
	for k, p := range prices {
		next[k] = Quote{Price: p, UpdatedAt: now}
	}
	t.quotes.Store(&next)
}

// Snapshot returns a copy of all quotes.
func (t *Table) Snapshot() map[string]Quote {
	cur := *t.quotes.Load()
	out := make(map[string]Quote, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}
