package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/feed"
	"github.com/atmx/trading-engine/internal/ledger"
	"github.com/atmx/trading-engine/internal/model"
)

// Valuer marks a user's account to market.
type Valuer interface {
	Value(ctx context.Context, userID string) (model.Snapshot, error)
}

// PriceBoard is a feed that can list its current quotes.
type PriceBoard interface {
	feed.Feed
	Snapshot() map[string]feed.Quote
}

// CookieSetter replaces the credentials of a market's quote source.
type CookieSetter interface {
	SetCookie(market, cookie string) bool
}

// API exposes the engine over REST: order submission, read-only account
// views and a few administrative endpoints.
type API struct {
	svc     *Service
	valuer  Valuer
	prices  PriceBoard
	cookies CookieSetter // nil when the feed has no credentials
}

// NewAPI creates the REST handlers. cookies may be nil.
func NewAPI(svc *Service, valuer Valuer, prices PriceBoard, cookies CookieSetter) *API {
	return &API{svc: svc, valuer: valuer, prices: prices, cookies: cookies}
}

// Routes mounts the handlers on r.
func (a *API) Routes(r chi.Router) {
	r.Post("/orders", a.SubmitOrder)
	r.Get("/markets", a.ListMarkets)
	r.Get("/prices", a.ListPrices)
	r.Get("/portfolio/{userID}", a.GetPortfolio)
	r.Get("/users/{userID}/orders", a.ListOrders)
	r.Get("/users/{userID}/trades", a.ListTrades)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/reload", a.ReloadConfig)
		r.Put("/feed/cookie", a.SetFeedCookie)
		r.Post("/users/{userID}/deposit", a.Deposit)
	})
}

// SubmitOrder handles POST /api/v1/orders
func (a *API) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res, err := a.svc.Submit(r.Context(), req)
	var verr *ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.As(err, &verr):
		// A rejection is a valid outcome; the body carries the reason.
		writeJSON(w, http.StatusUnprocessableEntity, res)
	case errors.Is(err, ledger.ErrUnknownUser):
		writeError(w, "user not found", http.StatusNotFound)
	default:
		writeError(w, "order could not be settled", http.StatusInternalServerError)
	}
}

// marketView is a market's configuration plus whether it is open now.
type marketView struct {
	model.TradingConfig
	Open bool `json:"open"`
}

// ListMarkets handles GET /api/v1/markets
func (a *API) ListMarkets(w http.ResponseWriter, r *http.Request) {
	now := a.svc.now()
	all := a.svc.markets.All()
	out := make([]marketView, 0, len(all))
	for _, c := range all {
		out = append(out, marketView{TradingConfig: c, Open: c.IsOpen(now)})
	}
	writeJSON(w, http.StatusOK, out)
}

type priceView struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ListPrices handles GET /api/v1/prices
func (a *API) ListPrices(w http.ResponseWriter, r *http.Request) {
	quotes := a.prices.Snapshot()
	out := make([]priceView, 0, len(quotes))
	for inst, q := range quotes {
		out = append(out, priceView{Instrument: inst, Price: q.Price, UpdatedAt: q.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	writeJSON(w, http.StatusOK, out)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (a *API) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	snap, err := a.valuer.Value(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err, "failed to value portfolio")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListOrders handles GET /api/v1/users/{userID}/orders
func (a *API) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := a.svc.ledger.Orders(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListTrades handles GET /api/v1/users/{userID}/trades
func (a *API) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := a.svc.ledger.Trades(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ReloadConfig handles POST /api/v1/admin/reload
func (a *API) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.markets.Reload(); err != nil {
		slog.Warn("trading config reload failed", "err", err)
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": len(a.svc.markets.All())})
}

type cookieRequest struct {
	Market string `json:"market"`
	Cookie string `json:"cookie"`
}

// SetFeedCookie handles PUT /api/v1/admin/feed/cookie
func (a *API) SetFeedCookie(w http.ResponseWriter, r *http.Request) {
	var req cookieRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Market == "" {
		writeError(w, "market and cookie are required", http.StatusBadRequest)
		return
	}
	if a.cookies == nil || !a.cookies.SetCookie(req.Market, req.Cookie) {
		writeError(w, "no quote source for market "+req.Market, http.StatusNotFound)
		return
	}
	slog.Info("feed cookie replaced", "market", req.Market)
	w.WriteHeader(http.StatusNoContent)
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

// Deposit handles POST /api/v1/admin/users/{userID}/deposit
func (a *API) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount.IsZero() {
		writeError(w, "non-zero amount is required", http.StatusBadRequest)
		return
	}
	if req.Note == "" {
		req.Note = "admin deposit"
	}
	cash, err := a.svc.ledger.Adjust(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Note)
	if err != nil {
		writeLedgerError(w, err, "failed to adjust cash")
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"cash_balance": cash})
}

func writeLedgerError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, ledger.ErrUnknownUser):
		writeError(w, "user not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrConsistency):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error(msg, "err", err)
		writeError(w, msg, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
