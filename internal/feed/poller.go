package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/metrics"
)

// Poller periodically fetches quotes for a fixed instrument list from the
// QuoteSource registered for each instrument's market and publishes them to
// its Table. A failed instrument keeps its previous quote until maxAge
// expires it.
type Poller struct {
	*Table

	instruments []instrument.Instrument
	sources     map[string]QuoteSource // market → source
	interval    time.Duration
	maxRetries  uint64
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewPoller creates a poller. Instruments whose market has no source are
// logged and ignored.
func NewPoller(instruments []instrument.Instrument, sources map[string]QuoteSource, interval, maxAge time.Duration) *Poller {
	return &Poller{
		Table:       NewTable(maxAge),
		instruments: instruments,
		sources:     sources,
		interval:    interval,
		maxRetries:  2,
	}
}

// SetCookie replaces the credentials of the source serving market.
func (p *Poller) SetCookie(market, cookie string) bool {
	src, ok := p.sources[market]
	if !ok {
		return false
	}
	src.SetCookie(cookie)
	slog.Info("feed cookie updated", "market", market, "source", src.Name(), "length", len(cookie))
	return true
}

// Start polls once synchronously, then every interval in the background.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.PollOnce(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.PollOnce(ctx)
			}
		}
	}()
}

// PollOnce fetches every instrument concurrently and publishes the results
// in a single table update.
func (p *Poller) PollOnce(ctx context.Context) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		prices = make(map[string]decimal.Decimal, len(p.instruments))
	)
	for _, inst := range p.instruments {
		src, ok := p.sources[inst.Market]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(inst instrument.Instrument, src QuoteSource) {
			defer wg.Done()
			price, err := p.fetch(ctx, src, inst.Symbol)
			if err != nil {
				if ctx.Err() == nil {
					metrics.FeedErrors.WithLabelValues(src.Name()).Inc()
					slog.Warn("quote fetch failed", "instrument", inst.Key, "source", src.Name(), "err", err)
				}
				return
			}
			mu.Lock()
			prices[inst.Key] = price
			mu.Unlock()
		}(inst, src)
	}
	wg.Wait()
	p.SetMany(prices)
}

func (p *Poller) fetch(ctx context.Context, src QuoteSource, symbol string) (decimal.Decimal, error) {
	var price decimal.Decimal
	op := func() error {
		var err error
		price, err = src.Quote(ctx, symbol)
		var se *statusError
		if errors.As(err, &se) && se.code >= http.StatusBadRequest && se.code < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		if errors.Is(err, errBadQuote) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = p.interval
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), ctx))
	return price, err
}

// Stop ends background polling.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
