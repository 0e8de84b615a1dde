package feed

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Simulated moves each seeded instrument by a bounded random walk on every
// tick. It is the default source when no external feed is configured.
type Simulated struct {
	*Table

	interval   time.Duration
	volatility float64 // max relative move per tick, e.g. 0.002 = 0.2%
	rng        *rand.Rand
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewSimulated creates a simulated feed seeded with the given prices.
func NewSimulated(seed map[string]decimal.Decimal, interval time.Duration, volatility float64) *Simulated {
	s := &Simulated{
		Table:      NewTable(0),
		interval:   interval,
		volatility: volatility,
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	s.SetMany(seed)
	return s
}

// Start begins the random walk. Call Stop to end it.
func (s *Simulated) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Step()
			}
		}
	}()
	slog.Info("simulated price feed started", "interval", s.interval, "volatility", s.volatility)
}

// Step advances every instrument by one random move. Prices never reach zero.
func (s *Simulated) Step() {
	floor := decimal.New(1, -8)
	next := make(map[string]decimal.Decimal)
	for inst, q := range s.Snapshot() {
		move := (s.rng.Float64()*2 - 1) * s.volatility
		p := q.Price.Mul(decimal.NewFromFloat(1 + move)).Round(8)
		if p.LessThan(floor) {
			p = floor
		}
		next[inst] = p
	}
	s.SetMany(next)
}

// Stop ends the random walk and waits for it to exit.
func (s *Simulated) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
