package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/trading-engine/internal/config"
	"github.com/atmx/trading-engine/internal/feed"
	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/ledger"
	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/session"
	"github.com/atmx/trading-engine/internal/store"
	"github.com/atmx/trading-engine/internal/trade"
	"github.com/atmx/trading-engine/internal/valuation"
)

// priceSource is a feed with its own refresh goroutine.
type priceSource interface {
	trade.PriceBoard
	Start(ctx context.Context)
	Stop()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	markets, err := config.NewMarkets(cfg.TradingConfigPath)
	if err != nil {
		slog.Error("trading config load failed", "err", err)
		os.Exit(1)
	}

	// --- Redis (optional: cache and/or price feed) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
	}

	// --- Initialize store ---
	st, err := openStore(ctx, cfg, rdb)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}

	// --- Price feed ---
	prices, cookies, err := openFeed(cfg, rdb)
	if err != nil {
		slog.Error("feed initialization failed", "err", err)
		os.Exit(1)
	}
	prices.Start(ctx)

	// --- Engine ---
	ldg := ledger.New(st, cfg.DemoCapital)
	engine := trade.NewService(ldg, prices, markets)
	valuer := valuation.NewValuer(ldg, prices, markets)
	coordinator := session.NewCoordinator(ldg, engine, valuer, session.DefaultQueueSize)
	loop := valuation.NewLoop(valuer, coordinator, cfg.ValuationInterval, cfg.SnapshotThreshold)

	engine.OnFill(coordinator.OnFill)
	engine.OnFill(func(ev trade.FillEvent) { loop.MarkDirty(ev.Settlement.Trade.UserID) })
	loop.Start(ctx)

	api := trade.NewAPI(engine, valuer, prices, cookies)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"trading-engine","sessions":%d}`, coordinator.SessionCount())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Streaming sessions are long-lived and stay outside the request timeout.
		r.Get("/ws", coordinator.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			api.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("trading-engine listening", "port", cfg.Port, "feed", cfg.FeedMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	coordinator.Close()
	engine.Close()
	loop.Stop()
	prices.Stop()
	if err := ldg.Close(); err != nil {
		slog.Error("store close error", "err", err)
	}
	if rdb != nil && cfg.DatabaseURL == "" {
		rdb.Close()
	}
	slog.Info("trading-engine stopped")
}

// openStore connects PostgreSQL when configured, optionally fronted by the
// Redis cache, and falls back to memory otherwise.
func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	if rdb == nil {
		return pg, nil
	}
	slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	return store.NewCachedStore(pg, rdb, cfg.CacheTTL), nil
}

// openFeed builds the configured price source. The returned CookieSetter is
// nil unless the source takes credentials.
func openFeed(cfg *config.Config, rdb *redis.Client) (priceSource, trade.CookieSetter, error) {
	switch cfg.FeedMode {
	case config.FeedRedis:
		if rdb == nil {
			return nil, nil, errors.New("FEED_MODE=redis requires REDIS_URL")
		}
		return feed.NewRedisFeed(rdb, cfg.FeedRedisKey, cfg.FeedPollInterval, cfg.FeedMaxAge), nil, nil

	case config.FeedHTTP:
		client := feed.NewHTTPClient(5 * time.Second)
		xueqiu := feed.NewXueqiuSource(cfg.XueqiuURL, client)
		poller := feed.NewPoller(cfg.FeedInstruments, map[string]feed.QuoteSource{
			instrument.MarketUS:   xueqiu,
			instrument.MarketHK:   xueqiu,
			instrument.MarketPump: feed.NewPumpFunSource(cfg.PumpFunURL, client),
		}, cfg.FeedPollInterval, cfg.FeedMaxAge)
		for market, cookie := range cfg.FeedCookies {
			poller.SetCookie(market, cookie)
		}
		return poller, poller, nil

	default:
		if len(cfg.FeedSeedPrices) == 0 {
			return nil, nil, errors.New("simulated feed needs seed prices in FEED_INSTRUMENTS (KEY=price)")
		}
		return feed.NewSimulated(cfg.FeedSeedPrices, cfg.FeedPollInterval, cfg.SimVolatility), nil, nil
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
