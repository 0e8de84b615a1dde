package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/metrics"
)

// DefaultRedisKey is the hash an external publisher writes prices to:
// HSET prices AAPL.US 187.25
const DefaultRedisKey = "prices"

// RedisFeed mirrors a Redis hash of instrument → price into a Table.
type RedisFeed struct {
	*Table

	rdb      redis.UniversalClient
	key      string
	interval time.Duration
	timeout  time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRedisFeed creates a feed that refreshes from the given hash every interval.
func NewRedisFeed(rdb redis.UniversalClient, key string, interval, maxAge time.Duration) *RedisFeed {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisFeed{
		Table:    NewTable(maxAge),
		rdb:      rdb,
		key:      key,
		interval: interval,
		timeout:  interval,
	}
}

// Start performs one refresh and then refreshes in the background.
func (f *RedisFeed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	if err := f.Refresh(ctx); err != nil {
		slog.Warn("initial redis price refresh failed", "key", f.key, "err", err)
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.Refresh(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("redis price refresh failed", "key", f.key, "err", err)
				}
			}
		}
	}()
}

// Refresh reads the whole hash once. Unparseable entries are skipped.
func (f *RedisFeed) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	raw, err := f.rdb.HGetAll(ctx, f.key).Result()
	if err != nil {
		metrics.FeedErrors.WithLabelValues("redis").Inc()
		return err
	}

	prices := make(map[string]decimal.Decimal, len(raw))
	for inst, s := range raw {
		p, err := decimal.NewFromString(s)
		if err != nil || !p.IsPositive() {
			slog.Debug("skipping bad redis price", "instrument", inst, "value", s)
			continue
		}
		prices[inst] = p
	}
	f.SetMany(prices)
	return nil
}

// Stop ends background refreshing.
func (f *RedisFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}
