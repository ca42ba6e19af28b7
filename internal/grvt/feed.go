package grvt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spread-hedge-bot/internal/grvt/ws"
	"spread-hedge-bot/internal/market"
	"spread-hedge-bot/internal/strategy"
)

const (
	streamMiniTicker = "v1.mini.s"
	streamOrder      = "v1.order"
)

type FeedConfig struct {
	Symbol       string
	SubAccountID string
	// TickerRateMS is the mini ticker snapshot rate requested from the venue.
	TickerRateMS int
	EventBuffer  int
}

// Feed turns the GRVT public ticker and private order streams into one
// ordered market.Event channel.
type Feed struct {
	cfg    FeedConfig
	public *ws.Client
	orders *ws.Client
	log    *zap.Logger
	events chan market.Event
	reqID  atomic.Int64
}

// NewFeed wires the ticker stream and, when orders is not nil, the
// authenticated order stream.
func NewFeed(cfg FeedConfig, public, orders *ws.Client, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.TickerRateMS <= 0 {
		cfg.TickerRateMS = 100
	}
	return &Feed{
		cfg:    cfg,
		public: public,
		orders: orders,
		log:    log,
		events: make(chan market.Event, cfg.EventBuffer),
	}
}

func (f *Feed) Events() <-chan market.Event {
	return f.events
}

// Run subscribes and pumps both streams until ctx is done. The events
// channel is closed on return.
func (f *Feed) Run(ctx context.Context) error {
	defer close(f.events)
	g, ctx := errgroup.WithContext(ctx)
	if f.public != nil {
		selector := fmt.Sprintf("%s@%d", f.cfg.Symbol, f.cfg.TickerRateMS)
		if err := f.public.Subscribe(ctx, f.subscribeRequest(streamMiniTicker, selector)); err != nil {
			return fmt.Errorf("subscribe ticker: %w", err)
		}
		g.Go(func() error {
			return f.public.Run(ctx, func(data []byte) { f.dispatch(ctx, data) })
		})
	}
	if f.orders != nil {
		selector := f.cfg.SubAccountID + "-" + f.cfg.Symbol
		if err := f.orders.Subscribe(ctx, f.subscribeRequest(streamOrder, selector)); err != nil {
			return fmt.Errorf("subscribe orders: %w", err)
		}
		g.Go(func() error {
			return f.orders.Run(ctx, func(data []byte) { f.dispatch(ctx, data) })
		})
	}
	return g.Wait()
}

func (f *Feed) subscribeRequest(stream, selector string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  "subscribe",
		"params": map[string]any{
			"stream":    stream,
			"selectors": []string{selector},
		},
		"id": f.reqID.Add(1),
	}
}

func (f *Feed) dispatch(ctx context.Context, data []byte) {
	ev, ok := ParseMessage(data)
	if !ok {
		f.log.Debug("ignoring grvt message", zap.ByteString("payload", truncate(data, 256)))
		return
	}
	select {
	case f.events <- ev:
	case <-ctx.Done():
	}
}

// ParseMessage decodes one stream message. Subscription acks and unknown
// streams report false.
func ParseMessage(data []byte) (market.Event, bool) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return market.Event{}, false
	}
	feed, ok := toMap(payload["feed"])
	if !ok {
		return market.Event{}, false
	}
	stream := stringFromMap(payload, "stream")
	switch {
	case strings.HasSuffix(stream, "mini.s"), strings.HasSuffix(stream, "mini.d"):
		return parseTicker(feed)
	case strings.HasSuffix(stream, ".order"), stream == "order":
		return parseOrder(feed)
	}
	return market.Event{}, false
}

func parseTicker(feed map[string]any) (market.Event, bool) {
	symbol := stringFromMap(feed, "instrument")
	bid := floatFromMap(feed, "best_bid_price")
	ask := floatFromMap(feed, "best_ask_price")
	if symbol == "" || (bid == 0 && ask == 0) {
		return market.Event{}, false
	}
	return market.BookEvent(symbol, bid, ask, timeFromNanos(feed["event_time"])), true
}

func parseOrder(feed map[string]any) (market.Event, bool) {
	orderID := stringFromMap(feed, "order_id")
	var clientOrderID string
	if meta, ok := toMap(feed["metadata"]); ok {
		clientOrderID = stringFromMap(meta, "client_order_id")
	}
	if orderID == "" && clientOrderID == "" {
		return market.Event{}, false
	}
	var symbol string
	if legs, ok := toSlice(feed["legs"]); ok && len(legs) > 0 {
		if leg, ok := toMap(legs[0]); ok {
			symbol = stringFromMap(leg, "instrument")
		}
	}
	st, _ := toMap(feed["state"])
	filled := floatFromMap(st, "traded_size")
	update := strategy.OrderUpdate{
		OrderID:       orderID,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Status:        mapStatus(stringFromMap(st, "status"), filled),
		FilledQty:     filled,
		AvgPrice:      floatFromMap(st, "avg_fill_price"),
		Timestamp:     timeFromNanos(st["update_time"]),
	}
	return market.OrderEvent(update), true
}

func mapStatus(status string, filled float64) strategy.OrderStatus {
	switch strings.ToUpper(status) {
	case "FILLED":
		return strategy.OrderFilled
	case "CANCELLED":
		return strategy.OrderCancelled
	case "REJECTED":
		return strategy.OrderRejected
	}
	if filled > 0 {
		return strategy.OrderPartiallyFilled
	}
	return strategy.OrderNew
}

func truncate(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	return data[:n]
}
