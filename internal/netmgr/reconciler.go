package netmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// maxRestRetries bounds retry loops on 429 responses.
const maxRestRetries = 3

// TickerSnapshot is the REST ticker payload. Decimal fields stay strings on
// this side; the consumer decides what precision it needs.
type TickerSnapshot struct {
	Symbol     string    `json:"symbol"`
	LastPrice  string    `json:"last_price"`
	Bid        string    `json:"bid"`
	Ask        string    `json:"ask"`
	High24h    string    `json:"high_24h"`
	Low24h     string    `json:"low_24h"`
	Volume24h  string    `json:"volume_24h"`
	SequenceID int64     `json:"sequence_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// PricePoint is one entry of the REST price history.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     string    `json:"price"`
	Bid       string    `json:"bid"`
	Ask       string    `json:"ask"`
	Volume24h string    `json:"volume_24h"`
}

// OrderSummary is one order as the REST API renders it.
type OrderSummary struct {
	OrderID        string `json:"order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	Price          string `json:"price"`
	Quantity       string `json:"quantity"`
	FilledQuantity string `json:"filled_quantity"`
	TimeInForce    string `json:"time_in_force"`
}

// ReconcileCallbacks receive authoritative REST state as it is fetched.
// Nil callbacks are skipped.
type ReconcileCallbacks struct {
	OnMarketData   func(symbol string, snap TickerSnapshot)
	OnPriceHistory func(symbol string, points []PricePoint)
	OnOrders       func(orders []OrderSummary)
	OnBalance      func(balances map[string]string)
}

// Reconciler backfills client state from the REST API after stream gaps or
// connection outages. All requests go through the shared rate limiter and
// retry on 429 with the limiter's backoff.
type Reconciler struct {
	http      *resty.Client
	limiter   *RestRateLimiter
	callbacks ReconcileCallbacks
	logger    *slog.Logger
}

func NewReconciler(baseURL, sessionID string, limiter *RestRateLimiter, callbacks ReconcileCallbacks, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("X-Session-ID", sessionID).
		SetHeader("Content-Type", "application/json")

	return &Reconciler{
		http:      httpClient,
		limiter:   limiter,
		callbacks: callbacks,
		logger:    logger.With("component", "reconciler"),
	}
}

// HTTP exposes the underlying client so callers can issue their own
// session-scoped requests.
func (r *Reconciler) HTTP() *resty.Client { return r.http }

// Execute runs a prepared request through the rate limiter, retrying on 429
// with the limiter's backoff.
func (r *Reconciler) Execute(ctx context.Context, endpoint string, send func() (*resty.Response, error)) (*resty.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := r.limiter.Wait(ctx, endpoint, 0); err != nil {
			return nil, err
		}
		resp, err := send()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != http.StatusTooManyRequests {
			r.limiter.RecordSuccess(endpoint)
			return resp, nil
		}
		if attempt >= maxRestRetries {
			return resp, fmt.Errorf("%s: rate limited after %d retries", endpoint, attempt)
		}
		delay := r.limiter.Backoff(endpoint, resp.Header().Get("Retry-After"))
		r.logger.Warn("rate limited, backing off", "endpoint", endpoint, "delay", delay)
		if err := r.limiter.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// MarketData fetches the current ticker for a symbol, typically after a
// sequence gap.
func (r *Reconciler) MarketData(ctx context.Context, symbol string) error {
	endpoint := "/api/v1/ticker"
	var snap TickerSnapshot
	resp, err := r.Execute(ctx, endpoint, func() (*resty.Response, error) {
		return r.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetResult(&snap).
			Get(endpoint)
	})
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("ticker %s: status %d", symbol, resp.StatusCode())
	}
	if r.callbacks.OnMarketData != nil {
		r.callbacks.OnMarketData(symbol, snap)
	}
	return nil
}

// Orders fetches the session's orders.
func (r *Reconciler) Orders(ctx context.Context) error {
	endpoint := "/api/v1/orders"
	var result struct {
		Orders []OrderSummary `json:"orders"`
	}
	resp, err := r.Execute(ctx, endpoint, func() (*resty.Response, error) {
		return r.http.R().SetContext(ctx).SetResult(&result).Get(endpoint)
	})
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("orders: status %d", resp.StatusCode())
	}
	if r.callbacks.OnOrders != nil {
		r.callbacks.OnOrders(result.Orders)
	}
	return nil
}

// Balance fetches the session's balances.
func (r *Reconciler) Balance(ctx context.Context) error {
	endpoint := "/api/v1/balance"
	var result struct {
		Balances map[string]string `json:"balances"`
	}
	resp, err := r.Execute(ctx, endpoint, func() (*resty.Response, error) {
		return r.http.R().SetContext(ctx).SetResult(&result).Get(endpoint)
	})
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("balance: status %d", resp.StatusCode())
	}
	if r.callbacks.OnBalance != nil {
		r.callbacks.OnBalance(result.Balances)
	}
	return nil
}

// All reconciles orders and balance. Errors are joined, not short-circuited,
// so one failing fetch does not block the other.
func (r *Reconciler) All(ctx context.Context) error {
	return errors.Join(r.Orders(ctx), r.Balance(ctx))
}

// PriceHistory fetches price points for a symbol. Zero times and a zero
// limit mean unbounded.
func (r *Reconciler) PriceHistory(ctx context.Context, symbol string, start, end time.Time, limit int) error {
	endpoint := "/api/v1/prices"
	var result struct {
		Symbol string       `json:"symbol"`
		Prices []PricePoint `json:"prices"`
	}
	resp, err := r.Execute(ctx, endpoint, func() (*resty.Response, error) {
		req := r.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).SetResult(&result)
		if !start.IsZero() {
			req.SetQueryParam("start", start.UTC().Format(time.RFC3339))
		}
		if !end.IsZero() {
			req.SetQueryParam("end", end.UTC().Format(time.RFC3339))
		}
		if limit > 0 {
			req.SetQueryParam("limit", fmt.Sprintf("%d", limit))
		}
		return req.Get(endpoint)
	})
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("prices %s: status %d", symbol, resp.StatusCode())
	}
	r.logger.Info("price history fetched", "symbol", symbol, "points", len(result.Prices))
	if r.callbacks.OnPriceHistory != nil {
		r.callbacks.OnPriceHistory(symbol, result.Prices)
	}
	return nil
}
