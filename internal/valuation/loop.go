package valuation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
)

// Snapshot triggers.
const (
	TriggerInitial = "initial"
	TriggerFill    = "fill"
	TriggerChange  = "change"
)

// Broadcaster delivers snapshots to the sessions of a user.
type Broadcaster interface {
	ActiveUsers() []string
	PublishSnapshot(userID string, snap model.Snapshot)
}

// Loop revalues every user with an active session on a fixed interval. A
// snapshot is published when the user has never been sent one, when a fill
// marked the user dirty, or when cash, equity or any position's value moved
// by more than the threshold since the last one sent.
type Loop struct {
	valuer    *Valuer
	out       Broadcaster
	interval  time.Duration
	threshold decimal.Decimal

	mu    sync.Mutex
	dirty map[string]bool
	sent  map[string]model.Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a loop. A zero threshold publishes on any change.
func NewLoop(valuer *Valuer, out Broadcaster, interval time.Duration, threshold decimal.Decimal) *Loop {
	return &Loop{
		valuer:    valuer,
		out:       out,
		interval:  interval,
		threshold: threshold.Abs(),
		dirty:     make(map[string]bool),
		sent:      make(map[string]model.Snapshot),
	}
}

// MarkDirty forces a snapshot for userID on the next tick.
func (l *Loop) MarkDirty(userID string) {
	l.mu.Lock()
	l.dirty[userID] = true
	l.mu.Unlock()
}

// Start runs the loop until Stop is called or ctx is done.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Tick(ctx)
			}
		}
	}()
	slog.Info("valuation loop started", "interval", l.interval, "threshold", l.threshold.String())
}

// Tick runs one valuation pass.
func (l *Loop) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ValuationTick.Observe(time.Since(start).Seconds()) }()

	users := l.out.ActiveUsers()
	active := make(map[string]struct{}, len(users))

	for _, userID := range users {
		active[userID] = struct{}{}

		// Take the dirty flag before reading the ledger so a fill that lands
		// during this pass is picked up again next tick.
		l.mu.Lock()
		dirty := l.dirty[userID]
		delete(l.dirty, userID)
		prev, hasPrev := l.sent[userID]
		l.mu.Unlock()

		snap, err := l.valuer.Value(ctx, userID)
		if err != nil {
			slog.Warn("valuation failed", "user", userID, "err", err)
			if dirty {
				l.MarkDirty(userID)
			}
			continue
		}

		var trigger string
		switch {
		case !hasPrev:
			trigger = TriggerInitial
		case dirty:
			trigger = TriggerFill
		case l.moved(prev, snap):
			trigger = TriggerChange
		default:
			continue
		}

		l.out.PublishSnapshot(userID, snap)
		metrics.SnapshotsSent.WithLabelValues(trigger).Inc()

		l.mu.Lock()
		l.sent[userID] = snap
		l.mu.Unlock()
	}

	// Forget users without sessions so they get a fresh snapshot on return.
	l.mu.Lock()
	for userID := range l.sent {
		if _, ok := active[userID]; !ok {
			delete(l.sent, userID)
		}
	}
	for userID := range l.dirty {
		if _, ok := active[userID]; !ok {
			delete(l.dirty, userID)
		}
	}
	l.mu.Unlock()
}

// moved reports whether next differs from prev by more than the threshold.
func (l *Loop) moved(prev, next model.Snapshot) bool {
	if l.beyond(prev.TotalEquity, next.TotalEquity) || l.beyond(prev.Cash, next.Cash) {
		return true
	}
	if len(prev.Positions) != len(next.Positions) {
		return true
	}
	for i := range next.Positions {
		a, b := prev.Positions[i], next.Positions[i]
		if a.Instrument != b.Instrument || !a.Quantity.Equal(b.Quantity) || a.Stale != b.Stale {
			return true
		}
		if l.beyond(a.MarketValue, b.MarketValue) {
			return true
		}
	}
	return false
}

func (l *Loop) beyond(a, b decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	if l.threshold.IsZero() {
		return !diff.IsZero()
	}
	return diff.GreaterThan(l.threshold)
}

// Stop halts the loop and waits for the current pass to finish.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
}
