package grvt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spread-hedge-bot/internal/exec"
)

const (
	sessionCookie    = "gravity"
	accountIDHeader  = "X-Grvt-Account-Id"
	defaultOrderTTL  = 5 * time.Minute
	loginPath        = "/auth/api_key/login"
	createOrderPath  = "/full/v1/create_order"
	cancelOrderPath  = "/full/v1/cancel_order"
	instrumentPath   = "/full/v1/instrument"
	defaultTradeURL  = "https://trades.grvt.io"
	defaultMarketURL = "https://market-data.grvt.io"
	defaultAuthURL   = "https://edge.grvt.io"
)

// APIError is a non-2xx GRVT response.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("grvt http %d", e.Status)
	}
	return fmt.Sprintf("grvt http %d (code %d): %s", e.Status, e.Code, e.Message)
}

func (e *APIError) StatusCode() int { return e.Status }

type ClientConfig struct {
	TradeURL      string
	MarketDataURL string
	AuthURL       string
	APIKey        string
	SubAccountID  string
	Timeout       time.Duration
	OrderTTL      time.Duration
}

// Client places and cancels signed orders on GRVT.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	signer *Signer
	log    *zap.Logger
	now    func() time.Time
	nonce  func() uint32

	mu          sync.Mutex
	session     string
	accountID   string
	instruments map[string]Instrument
}

func NewClient(cfg ClientConfig, signer *Signer, log *zap.Logger) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if strings.TrimSpace(cfg.SubAccountID) == "" {
		return nil, errors.New("sub account id is required")
	}
	if cfg.TradeURL == "" {
		cfg.TradeURL = defaultTradeURL
	}
	if cfg.MarketDataURL == "" {
		cfg.MarketDataURL = defaultMarketURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = defaultOrderTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.Timeout},
		signer:      signer,
		log:         log,
		now:         time.Now,
		nonce:       randomNonce,
		instruments: make(map[string]Instrument),
	}, nil
}

// NewClientOrderID returns a numeric client order id, the form GRVT accepts.
func NewClientOrderID() string {
	id := uuid.New()
	return fmt.Sprintf("%d", binary.BigEndian.Uint64(id[:8])>>1)
}

func randomNonce() uint32 {
	return uuid.New().ID()
}

// Login exchanges the API key for a session cookie.
func (c *Client) Login(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return errors.New("api key is required")
	}
	body, err := json.Marshal(map[string]string{"api_key": c.cfg.APIKey})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", "rm=true;")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	var session string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookie {
			session = cookie.Value
		}
	}
	if session == "" {
		return errors.New("login response missing session cookie")
	}
	c.mu.Lock()
	c.session = session
	c.accountID = resp.Header.Get(accountIDHeader)
	c.mu.Unlock()
	c.log.Info("grvt session established", zap.String("account_id", resp.Header.Get(accountIDHeader)))
	return nil
}

// SessionHeader returns the headers authenticated requests and streams carry.
func (c *Client) SessionHeader(ctx context.Context) (http.Header, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == "" {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	header := http.Header{}
	header.Set("Cookie", sessionCookie+"="+c.session)
	if c.accountID != "" {
		header.Set(accountIDHeader, c.accountID)
	}
	return header, nil
}

// Instrument returns the instrument metadata needed for signing. Results are
// cached for the life of the client.
func (c *Client) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	c.mu.Lock()
	inst, ok := c.instruments[symbol]
	c.mu.Unlock()
	if ok {
		return inst, nil
	}
	var resp struct {
		Result Instrument `json:"result"`
	}
	if err := c.post(ctx, c.cfg.MarketDataURL+instrumentPath, instrumentRequest{Instrument: symbol}, false, &resp); err != nil {
		return Instrument{}, err
	}
	if resp.Result.Hash == "" {
		return Instrument{}, fmt.Errorf("instrument %s not found", symbol)
	}
	c.mu.Lock()
	c.instruments[symbol] = resp.Result
	c.mu.Unlock()
	return resp.Result, nil
}

// SubmitOrder signs and places req, returning the venue order id.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	inst, err := c.Instrument(ctx, req.Symbol)
	if err != nil {
		return "", fmt.Errorf("instrument: %w", err)
	}
	// Nothing has been sent before this point.
	order, legs, err := buildOrder(req, inst, c.cfg.SubAccountID, c.nonce(), c.now().Add(c.cfg.OrderTTL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", exec.ErrRejected, err)
	}
	if err := c.signer.SignOrder(&order, legs); err != nil {
		return "", fmt.Errorf("%w: sign order: %v", exec.ErrRejected, err)
	}
	var resp struct {
		Result struct {
			OrderID string `json:"order_id"`
		} `json:"result"`
	}
	if err := c.post(ctx, c.cfg.TradeURL+createOrderPath, createOrderRequest{Order: order}, true, &resp); err != nil {
		return "", err
	}
	orderID := resp.Result.OrderID
	if orderID == "" || orderID == "0x00" {
		// Order ids are assigned asynchronously; the stream reports them.
		return "", nil
	}
	return orderID, nil
}

// CancelOrder cancels by venue order id, or by client order id when the venue
// id is not yet known.
func (c *Client) CancelOrder(ctx context.Context, orderID, clientOrderID string) error {
	if orderID == "" && clientOrderID == "" {
		return errors.New("order id or client order id is required")
	}
	req := cancelOrderRequest{SubAccountID: c.cfg.SubAccountID, OrderID: orderID}
	if orderID == "" {
		req.ClientOrderID = clientOrderID
	}
	return c.post(ctx, c.cfg.TradeURL+cancelOrderPath, req, true, nil)
}

func (c *Client) post(ctx context.Context, url string, payload any, authed bool, out any) error {
	err := c.doPost(ctx, url, payload, authed, out)
	var apiErr *APIError
	if authed && errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		// Sessions expire; log in again once.
		c.mu.Lock()
		c.session = ""
		c.mu.Unlock()
		return c.doPost(ctx, url, payload, authed, out)
	}
	return err
}

func (c *Client) doPost(ctx context.Context, url string, payload any, authed bool, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if authed {
		header, err := c.SessionHeader(ctx)
		if err != nil {
			return fmt.Errorf("grvt login: %w", err)
		}
		for key, values := range header {
			for _, v := range values {
				httpReq.Header.Add(key, v)
			}
		}
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
