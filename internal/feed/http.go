package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteSource fetches a single price from an external HTTP endpoint.
// It is only ever called from a Poller goroutine, never from the matching path.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
	SetCookie(cookie string)
	Name() string
}

var errBadQuote = errors.New("feed: quote response has no usable price")

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// credentials holds a cookie header that can be replaced while requests run.
type credentials struct {
	cookie atomic.Pointer[string]
}

func (c *credentials) SetCookie(cookie string) {
	cookie = strings.TrimSpace(cookie)
	c.cookie.Store(&cookie)
}

func (c *credentials) apply(req *http.Request) {
	if p := c.cookie.Load(); p != nil && *p != "" {
		req.Header.Set("Cookie", *p)
	}
}

// --- Xueqiu-style stock quotes (US / HK) ---

// XueqiuSource reads `data.quote.current` from a quote.json endpoint.
type XueqiuSource struct {
	credentials
	baseURL string
	client  *http.Client
}

// NewXueqiuSource creates a source rooted at baseURL (e.g. https://stock.xueqiu.com).
func NewXueqiuSource(baseURL string, client *http.Client) *XueqiuSource {
	return &XueqiuSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *XueqiuSource) Name() string { return "xueqiu" }

type xueqiuResponse struct {
	Data struct {
		Quote struct {
			Current *decimal.Decimal `json:"current"`
		} `json:"quote"`
	} `json:"data"`
	ErrorCode        int    `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

func (s *XueqiuSource) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{"symbol": {symbol}, "extend": {"detail"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v5/stock/quote.json?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Origin", "https://xueqiu.com")
	req.Header.Set("Referer", "https://xueqiu.com/S/"+symbol)
	req.Header.Set("User-Agent", userAgent)
	s.apply(req)

	var body xueqiuResponse
	if err := doJSON(s.client, req, &body); err != nil {
		return decimal.Zero, err
	}
	if body.ErrorCode != 0 {
		return decimal.Zero, fmt.Errorf("xueqiu error %d: %s", body.ErrorCode, body.ErrorDescription)
	}
	if body.Data.Quote.Current == nil || !body.Data.Quote.Current.IsPositive() {
		return decimal.Zero, errBadQuote
	}
	return *body.Data.Quote.Current, nil
}

// --- pump.fun meme coins ---

// defaultPumpSupply is assumed when a coin reports no supply.
var defaultPumpSupply = decimal.NewFromInt(1_000_000_000)

// PumpFunSource prices a coin as usd_market_cap / total_supply.
type PumpFunSource struct {
	credentials
	baseURL string
	client  *http.Client
}

// NewPumpFunSource creates a source rooted at baseURL (e.g. https://frontend-api.pump.fun).
func NewPumpFunSource(baseURL string, client *http.Client) *PumpFunSource {
	return &PumpFunSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *PumpFunSource) Name() string { return "pumpfun" }

type pumpCoin struct {
	USDMarketCap *decimal.Decimal `json:"usd_market_cap"`
	TotalSupply  *decimal.Decimal `json:"total_supply"`
}

func (s *PumpFunSource) Quote(ctx context.Context, mint string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/coins/"+url.PathEscape(mint), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", "https://pump.fun")
	req.Header.Set("Referer", "https://pump.fun/")
	req.Header.Set("User-Agent", userAgent)
	s.apply(req)

	var coin pumpCoin
	if err := doJSON(s.client, req, &coin); err != nil {
		return decimal.Zero, err
	}
	if coin.USDMarketCap == nil || !coin.USDMarketCap.IsPositive() {
		return decimal.Zero, errBadQuote
	}
	supply := defaultPumpSupply
	if coin.TotalSupply != nil && coin.TotalSupply.IsPositive() {
		supply = *coin.TotalSupply
	}
	return coin.USDMarketCap.DivRound(supply, 12), nil
}

// statusError marks non-2xx responses; 4xx responses are not retried.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("feed: http status %d", e.code) }

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// NewHTTPClient returns the client used by quote sources.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
