// Package trade is the matching engine: it validates market orders against
// the ledger, fills them at the feed price and settles the result.
//
// All monetary values use shopspring/decimal; never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/feed"
	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/ledger"
	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
)

// Code is a stable order rejection reason shown to clients.
type Code string

const (
	CodeMarketClosed         Code = "MarketClosed"
	CodeInsufficientFunds    Code = "InsufficientFunds"
	CodeInsufficientPosition Code = "InsufficientPosition"
	CodeInvalidOrder         Code = "InvalidOrder"
	CodePriceUnavailable     Code = "PriceUnavailable"
	CodeEngineStopped        Code = "EngineStopped"
	CodeInternal             Code = "InternalError"
)

// ValidationError rejects an order without touching the ledger.
type ValidationError struct {
	Code    Code
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code Code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Markets supplies per-market trading parameters.
type Markets interface {
	Get(market string) (model.TradingConfig, bool)
	All() []model.TradingConfig
	Reload() error
}

// OrderRequest is a market order submitted on behalf of a user.
type OrderRequest struct {
	UserID     string          `json:"user_id"`
	Instrument string          `json:"instrument"`
	Side       model.Side      `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`

	// Source identifies the submitting connection; it is echoed in FillEvent.
	Source string `json:"-"`
}

// OrderResult is the terminal state of a submitted order. Trade is set only
// for filled orders.
type OrderResult struct {
	Order model.Order  `json:"order"`
	Trade *model.Trade `json:"trade,omitempty"`
}

// FillEvent is delivered to listeners after a fill has been persisted.
type FillEvent struct {
	Settlement model.Settlement
	Source     string
}

// Service executes orders. Each submission runs validation and settlement
// inside the user's ledger critical section, so two orders of one user never
// interleave while orders of different users run in parallel.
type Service struct {
	ledger  *ledger.Ledger
	feed    feed.Feed
	markets Markets
	now     func() time.Time

	mu        sync.RWMutex
	closed    bool
	inflight  sync.WaitGroup
	listeners []func(FillEvent)
}

// NewService creates a matching engine.
func NewService(l *ledger.Ledger, f feed.Feed, markets Markets) *Service {
	return &Service{
		ledger:  l,
		feed:    f,
		markets: markets,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnFill registers fn to be called after every fill. Listeners run on the
// submitting goroutine and must not block.
func (s *Service) OnFill(fn func(FillEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Submit executes req and returns the order in its terminal state.
//
// Rejections come back as a rejected order together with a *ValidationError.
// Other errors mean the order could not be settled; the ledger is unchanged.
// Once started, a submission runs to completion even if ctx is cancelled.
func (s *Service) Submit(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	start := time.Now()
	ctx = context.WithoutCancel(ctx)
	if inst, err := instrument.Parse(req.Instrument); err == nil {
		req.Instrument = inst.Key
	}

	order := model.Order{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Kind:       model.KindMarket,
		Status:     model.OrderPending,
		CreatedAt:  s.now(),
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		order.Status = model.OrderCancelled
		order.Reason = string(CodeEngineStopped)
		order.ResolvedAt = s.now()
		s.observe(order, start)
		return &OrderResult{Order: order}, reject(CodeEngineStopped, "engine is shutting down")
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	var st model.Settlement
	err := s.ledger.Do(ctx, req.UserID, func(acct *ledger.Account) error {
		cfg, price, err := s.validate(acct, req)
		if err != nil {
			return err
		}
		fill, err := s.price(acct, req, cfg, price)
		if err != nil {
			return err
		}
		fill.Order = order
		st, err = acct.ApplyFill(ctx, fill)
		return err
	})

	var verr *ValidationError
	switch {
	case err == nil:
		s.filled(req, st, start)
		return &OrderResult{Order: st.Order, Trade: &st.Trade}, nil

	case errors.As(err, &verr):
		order.Status = model.OrderRejected
		order.Reason = string(verr.Code)
		order.ResolvedAt = s.now()
		s.record(ctx, &order)
		s.observe(order, start)
		slog.Info("order rejected",
			"order_id", order.ID,
			"user", order.UserID,
			"instrument", order.Instrument,
			"side", order.Side,
			"quantity", order.Quantity.String(),
			"reason", verr.Code,
		)
		return &OrderResult{Order: order}, verr

	case errors.Is(err, ledger.ErrUnknownUser):
		return nil, err

	default:
		order.Status = model.OrderRejected
		order.Reason = string(CodeInternal)
		order.ResolvedAt = s.now()
		s.record(ctx, &order)
		s.observe(order, start)
		slog.Error("order settlement failed", "order_id", order.ID, "user", order.UserID, "err", err)
		return &OrderResult{Order: order}, fmt.Errorf("settle order %s: %w", order.ID, err)
	}
}

// validate applies the admission checks in order, first failure wins:
// market open, buying power, held quantity, then order shape and price.
func (s *Service) validate(acct *ledger.Account, req OrderRequest) (model.TradingConfig, decimal.Decimal, error) {
	inst, err := instrument.Parse(req.Instrument)
	if err != nil {
		return model.TradingConfig{}, decimal.Zero, reject(CodeInvalidOrder, "%v", err)
	}
	if !req.Side.Valid() {
		return model.TradingConfig{}, decimal.Zero, reject(CodeInvalidOrder, "unknown side %q", req.Side)
	}

	cfg, ok := s.markets.Get(inst.Market)
	if !ok {
		return cfg, decimal.Zero, reject(CodeInvalidOrder, "unknown market %s", inst.Market)
	}
	if !cfg.IsOpen(s.now()) {
		return cfg, decimal.Zero, reject(CodeMarketClosed, "market %s is closed", inst.Market)
	}

	price, priceErr := s.feed.Price(inst.Key)

	switch req.Side {
	case model.SideBuy:
		if priceErr == nil && req.Quantity.IsPositive() {
			if est := cfg.EstimateBuyCost(req.Quantity, price); acct.Cash().LessThan(est) {
				return cfg, price, reject(CodeInsufficientFunds, "need about %s, have %s", est.StringFixed(2), acct.Cash().StringFixed(2))
			}
		}
	case model.SideSell:
		held := decimal.Zero
		if pos, ok := acct.Position(inst.Key); ok {
			held = pos.Quantity
		}
		if held.LessThan(req.Quantity) {
			return cfg, price, reject(CodeInsufficientPosition, "hold %s of %s, selling %s", held, inst.Key, req.Quantity)
		}
	}

	if !cfg.ValidQuantity(req.Quantity) {
		return cfg, price, reject(CodeInvalidOrder, "quantity %s must be positive, at least %s and a multiple of %s",
			req.Quantity, cfg.MinOrderQuantity, cfg.LotSize)
	}
	switch {
	case errors.Is(priceErr, feed.ErrUnknownInstrument):
		return cfg, price, reject(CodeInvalidOrder, "unknown instrument %s", inst.Key)
	case priceErr != nil:
		return cfg, price, reject(CodePriceUnavailable, "no price for %s", inst.Key)
	}
	return cfg, price, nil
}

// price fixes the execution price and commission. The feed is read again
// since the price may have moved after validation; the buyer must still
// afford the actual cost. Value and commission are computed in the quote
// currency and converted to account cash at the market's exchange rate.
func (s *Service) price(acct *ledger.Account, req OrderRequest, cfg model.TradingConfig, quoted decimal.Decimal) (ledger.Fill, error) {
	price, err := s.feed.Price(req.Instrument)
	if err != nil {
		return ledger.Fill{}, reject(CodePriceUnavailable, "no price for %s", req.Instrument)
	}
	if !price.Equal(quoted) {
		slog.Debug("price moved during validation", "instrument", req.Instrument, "quoted", quoted.String(), "fill", price.String())
	}

	local := req.Quantity.Mul(price)
	value := cfg.ToBase(local)
	commission := cfg.ToBase(cfg.Commission(local))

	switch req.Side {
	case model.SideBuy:
		if cost := value.Add(commission); acct.Cash().LessThan(cost) {
			return ledger.Fill{}, reject(CodeInsufficientFunds, "need %s, have %s", cost.StringFixed(2), acct.Cash().StringFixed(2))
		}
	case model.SideSell:
		if acct.Cash().Add(value).LessThan(commission) {
			return ledger.Fill{}, reject(CodeInsufficientFunds, "proceeds %s do not cover commission %s", value, commission)
		}
	}
	return ledger.Fill{Price: price, ExchangeRate: cfg.Rate(), Commission: commission, At: s.now()}, nil
}

func (s *Service) filled(req OrderRequest, st model.Settlement, start time.Time) {
	tr := st.Trade
	market := ""
	if inst, err := instrument.Parse(tr.Instrument); err == nil {
		market = inst.Market
	}
	s.observe(st.Order, start)
	metrics.TradesTotal.WithLabelValues(market, string(tr.Side)).Inc()
	metrics.CommissionTotal.WithLabelValues(market).Add(tr.Commission.InexactFloat64())
	metrics.NotionalTotal.WithLabelValues(market).Add(tr.BaseValue().InexactFloat64())

	slog.Info("order filled",
		"order_id", st.Order.ID,
		"trade_id", tr.ID,
		"user", tr.UserID,
		"instrument", tr.Instrument,
		"side", tr.Side,
		"quantity", tr.Quantity.String(),
		"price", tr.Price.String(),
		"commission", tr.Commission.String(),
		"cash", st.Cash.String(),
	)

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	ev := FillEvent{Settlement: st, Source: req.Source}
	for _, fn := range listeners {
		fn(ev)
	}
}

func (s *Service) record(ctx context.Context, o *model.Order) {
	if err := s.ledger.RecordOrder(ctx, o); err != nil {
		slog.Warn("failed to record order", "order_id", o.ID, "err", err)
	}
}

func (s *Service) observe(o model.Order, start time.Time) {
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Status), o.Reason).Inc()
	metrics.OrderLatency.WithLabelValues(string(o.Status)).Observe(time.Since(start).Seconds())
}

// Close stops accepting orders and waits for in-flight fills to finish.
// Later submissions are cancelled with EngineStopped.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.inflight.Wait()
}
