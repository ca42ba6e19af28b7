package variational

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spread-hedge-bot/internal/exec"
	"spread-hedge-bot/internal/strategy"
)

const (
	DefaultBaseURL = "https://omni.variational.io"
	authCookie     = "vr-token"
	quotesPath     = "/api/quotes/indicative"
	marketPath     = "/api/orders/new/market"
	userAgent      = "spread-hedge-bot/1.0"
)

// APIError is a non-2xx Variational response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("variational http %d", e.Status)
	}
	return fmt.Sprintf("variational http %d: %s", e.Status, e.Body)
}

func (e *APIError) StatusCode() int { return e.Status }

// Client talks to the Variational Omni RFQ API. It does not retry; callers
// wrap calls with an exec.Executor.
type Client struct {
	baseURL string
	cookie  string
	http    *http.Client
	log     *zap.Logger
	now     func() time.Time
}

func New(baseURL, cookie string, timeout time.Duration, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cookie) == "" {
		return nil, errors.New("variational cookie is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		cookie:  cookie,
		http:    &http.Client{Timeout: timeout},
		log:     log,
		now:     time.Now,
	}, nil
}

// IndicativeQuote requests a two-sided quote for qty of inst.
func (c *Client) IndicativeQuote(ctx context.Context, inst strategy.Instrument, qty float64) (strategy.Quote, error) {
	if qty <= 0 {
		return strategy.Quote{}, fmt.Errorf("%w: quote qty must be positive", exec.ErrRejected)
	}
	req := quoteRequest{
		Instrument: toInstrumentWire(inst),
		Qty:        decimal.NewFromFloat(qty).String(),
	}
	var resp quoteResponse
	if err := c.post(ctx, quotesPath, req, &resp); err != nil {
		return strategy.Quote{}, err
	}
	if resp.QuoteID == "" {
		return strategy.Quote{}, errors.New("variational quote missing quote_id")
	}
	quote := strategy.Quote{
		QuoteID:   resp.QuoteID,
		Bid:       resp.Bid.InexactFloat64(),
		Ask:       resp.Ask.InexactFloat64(),
		Qty:       qty,
		Timestamp: c.now(),
	}
	if resp.MarkPrice.Valid {
		quote.MarkPrice = resp.MarkPrice.Decimal.InexactFloat64()
	}
	if resp.IndexPrice.Valid {
		quote.IndexPrice = resp.IndexPrice.Decimal.InexactFloat64()
	}
	return quote, nil
}

// PlaceMarketOrder executes req against its quote id.
func (c *Client) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (OrderResult, error) {
	if req.QuoteID == "" {
		return OrderResult{}, fmt.Errorf("%w: quote id is required", exec.ErrRejected)
	}
	if req.Side != strategy.SideBuy && req.Side != strategy.SideSell {
		return OrderResult{}, fmt.Errorf("%w: invalid side %q", exec.ErrRejected, req.Side)
	}
	wire := marketOrderWire{
		QuoteID:      req.QuoteID,
		Side:         string(req.Side),
		IsReduceOnly: req.ReduceOnly,
		MaxSlippage:  req.MaxSlippage,
	}
	var resp map[string]any
	if err := c.post(ctx, marketPath, wire, &resp); err != nil {
		return OrderResult{}, err
	}
	result := parseOrderResult(resp, req.Qty)
	result.Timestamp = c.now()
	switch strings.ToLower(result.Status) {
	case "rejected", "cancelled", "canceled", "failed":
		return result, fmt.Errorf("%w: variational order %s", exec.ErrRejected, result.Status)
	}
	c.log.Info("variational order executed",
		zap.String("quote_id", req.QuoteID),
		zap.String("side", string(req.Side)),
		zap.String("order_id", result.OrderID),
		zap.Float64("filled_qty", result.FilledQty),
		zap.Float64("avg_price", result.AvgPrice),
	)
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.AddCookie(&http.Cookie{Name: authCookie, Value: c.cookie})
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// parseOrderResult reads the execution report. The response shape is not
// fixed, so the common field spellings are accepted.
func parseOrderResult(data map[string]any, requested float64) OrderResult {
	result := OrderResult{
		OrderID: firstString(data, "order_id", "rfq_id", "id"),
		Status:  firstString(data, "status"),
	}
	if qty, ok := firstNumber(data, "filled_qty", "executed_qty", "qty"); ok {
		result.FilledQty = qty
	} else {
		result.FilledQty = requested
	}
	if price, ok := firstNumber(data, "avg_price", "average_price", "price"); ok {
		result.AvgPrice = price
	}
	return result
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := data[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return decimal.NewFromFloat(v).String()
		}
	}
	return ""
}

func firstNumber(data map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch v := data[key].(type) {
		case float64:
			return v, true
		case string:
			d, err := decimal.NewFromString(v)
			if err == nil {
				return d.InexactFloat64(), true
			}
		}
	}
	return 0, false
}
