package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"spread-hedge-bot/internal/config"
	"spread-hedge-bot/internal/grvt"
	"spread-hedge-bot/internal/market"
	"spread-hedge-bot/internal/metrics"
	"spread-hedge-bot/internal/state"
	"spread-hedge-bot/internal/strategy"
	"spread-hedge-bot/internal/variational"
)

const testSymbol = "BTC_USDT_Perp"

type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

type fakeEntryVenue struct {
	mu            sync.Mutex
	orders        []grvt.OrderRequest
	cancels       []string
	clientCancels []string
	err           error
	cancelErr     error
}

func (f *fakeEntryVenue) SubmitOrder(ctx context.Context, req grvt.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("grvt-%d", len(f.orders)), nil
}

func (f *fakeEntryVenue) CancelOrder(ctx context.Context, orderID, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	f.clientCancels = append(f.clientCancels, clientOrderID)
	return f.cancelErr
}

func (f *fakeEntryVenue) submitted() []grvt.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]grvt.OrderRequest(nil), f.orders...)
}

// fakeHedgeVenue serves quotes in order, repeating the last one, and fails
// market orders with orderErrs before succeeding. A non-zero fillQty replaces
// the requested quantity in fills.
type fakeHedgeVenue struct {
	mu         sync.Mutex
	quotes     []strategy.Quote
	quoteCalls int
	orderErrs  []error
	orderCalls int
	orders     []variational.MarketOrderRequest
	avgPrice   float64
	fillQty    float64
}

func (f *fakeHedgeVenue) IndicativeQuote(ctx context.Context, instrument strategy.Instrument, qty float64) (strategy.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.quoteCalls
	if idx >= len(f.quotes) {
		idx = len(f.quotes) - 1
	}
	f.quoteCalls++
	q := f.quotes[idx]
	q.Qty = qty
	q.Timestamp = time.Now()
	return q, nil
}

func (f *fakeHedgeVenue) PlaceMarketOrder(ctx context.Context, req variational.MarketOrderRequest) (variational.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls++
	if len(f.orderErrs) > 0 {
		err := f.orderErrs[0]
		f.orderErrs = f.orderErrs[1:]
		return variational.OrderResult{}, err
	}
	f.orders = append(f.orders, req)
	filled := req.Qty
	if f.fillQty > 0 {
		filled = f.fillQty
	}
	return variational.OrderResult{
		OrderID:   fmt.Sprintf("var-%d", len(f.orders)),
		Status:    "filled",
		FilledQty: filled,
		AvgPrice:  f.avgPrice,
	}, nil
}

func (f *fakeHedgeVenue) calls() (quotes, orders int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quoteCalls, f.orderCalls
}

func (f *fakeHedgeVenue) placed() []variational.MarketOrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]variational.MarketOrderRequest(nil), f.orders...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Send(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeNotifier) contains(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type testHarness struct {
	app   *App
	store *memoryStore
	entry *fakeEntryVenue
	hedge *fakeHedgeVenue
	alert *fakeNotifier
	prom  *metrics.Prometheus
}

func testConfig() *config.Config {
	jitter := 0.0
	return &config.Config{
		Strategy: config.StrategyConfig{
			Symbol:               testSymbol,
			Instrument:           strategy.Instrument{Underlying: "BTC", SettlementAsset: "USDC", InstrumentType: "perpetual_future", FundingIntervalS: 3600},
			OrderQty:             1.0,
			EntryThreshold:       0.005,
			ExitThreshold:        -0.001,
			PriceChangeTolerance: 0.01,
			MaxSlippage:          0.005,
			StalenessTimeout:     2 * time.Second,
			RecheckInterval:      10 * time.Millisecond,
			ReconcileInterval:    10 * time.Millisecond,
			OrderTimeout:         60 * time.Second,
			QtyEpsilon:           1e-9,
		},
		Retry: config.RetryConfig{
			BackoffBase: time.Millisecond,
			BackoffCap:  2 * time.Millisecond,
			Jitter:      &jitter,
			CallTimeout: time.Second,
		},
	}
}

func newHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()
	h := &testHarness{
		store: newMemoryStore(),
		entry: &fakeEntryVenue{},
		hedge: &fakeHedgeVenue{
			quotes:   []strategy.Quote{{QuoteID: "q-1", Bid: 99.95, Ask: 100.05}},
			avgPrice: 100.05,
		},
		alert: &fakeNotifier{},
		prom:  metrics.NewPrometheus(),
	}
	h.app = NewWithDeps(cfg, nil, Deps{
		Store:   h.store,
		Entry:   h.entry,
		Hedge:   h.hedge,
		Alerts:  h.alert,
		Metrics: h.prom.Metrics,
	})
	return h
}

func (h *testHarness) setPrices(aBid, aAsk, bBid, bAsk float64, ts time.Time) {
	h.app.shared.UpdatePrice(strategy.NewPriceSnapshot(strategy.VenueGRVT, testSymbol, aBid, aAsk, ts))
	h.app.shared.UpdatePrice(strategy.NewPriceSnapshot(strategy.VenueVariational, testSymbol, bBid, bAsk, ts))
}

func counterValue(t *testing.T, c metrics.Counter) float64 {
	t.Helper()
	pc, ok := c.(prometheus.Counter)
	if !ok {
		t.Fatalf("counter is %T, not a prometheus counter", c)
	}
	return testutil.ToFloat64(pc)
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// fillEntry submits an entry at the scenario A prices and reports it filled.
func (h *testHarness) fillEntry(t *testing.T, qty, avg float64) grvt.OrderRequest {
	t.Helper()
	ctx := context.Background()
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	if err := h.app.evaluateEntry(ctx); err != nil {
		t.Fatalf("evaluate entry: %v", err)
	}
	orders := h.entry.submitted()
	if len(orders) == 0 {
		t.Fatalf("expected an entry order")
	}
	req := orders[len(orders)-1]
	h.app.HandleOrderUpdate(ctx, strategy.OrderUpdate{
		OrderID:       fmt.Sprintf("grvt-%d", len(orders)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        testSymbol,
		Status:        strategy.OrderFilled,
		FilledQty:     qty,
		AvgPrice:      avg,
	})
	return req
}

func TestBelowThresholdSubmitsNothing(t *testing.T) {
	h := newHarness(t, testConfig())
	// (100.40 - 100.00) / 100.00 = 0.4% < 0.5%
	h.setPrices(100.40, 100.50, 99.90, 100.00, time.Now())
	if err := h.app.evaluateEntry(context.Background()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := len(h.entry.submitted()); got != 0 {
		t.Fatalf("expected no entry orders, got %d", got)
	}
	if _, ok := h.app.shared.OpenEntry(testSymbol); ok {
		t.Fatalf("expected no open entry")
	}
}

func TestEntrySubmitsSellAtGRVTBid(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	if err := h.app.evaluateEntry(context.Background()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	orders := h.entry.submitted()
	if len(orders) != 1 {
		t.Fatalf("expected 1 entry order, got %d", len(orders))
	}
	req := orders[0]
	if req.Side != strategy.SideSell || req.Price != 101.00 || req.Qty != cfg.Strategy.OrderQty {
		t.Fatalf("unexpected entry order: %+v", req)
	}
	if req.TimeInForce != grvt.TifImmediateOrCancel || req.ReduceOnly {
		t.Fatalf("expected non reduce-only IOC entry, got %+v", req)
	}
	if req.ClientOrderID == "" {
		t.Fatalf("expected client order id")
	}
	rec, ok := h.app.shared.OpenEntry(testSymbol)
	if !ok {
		t.Fatalf("expected open entry")
	}
	if rec.ID != "grvt-1" || rec.ReferencePrice != 100.00 {
		t.Fatalf("unexpected entry record: %+v", rec)
	}
	if got := h.app.machine.Current(); got != strategy.StatePending {
		t.Fatalf("expected pending, got %s", got)
	}
	if got := counterValue(t, h.prom.Metrics.EntriesSubmitted); got != 1 {
		t.Fatalf("expected 1 submitted, got %v", got)
	}
}

func TestSingleOpenEntryPerSymbol(t *testing.T) {
	h := newHarness(t, testConfig())
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := h.app.evaluateEntry(ctx); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}
	if got := len(h.entry.submitted()); got != 1 {
		t.Fatalf("expected 1 entry order while one is working, got %d", got)
	}
}

func TestStalePricesSuppressEntry(t *testing.T) {
	h := newHarness(t, testConfig())
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now().Add(-10*time.Second))
	if err := h.app.evaluateEntry(context.Background()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := len(h.entry.submitted()); got != 0 {
		t.Fatalf("expected stale data to suppress entry, got %d orders", got)
	}
	if got := counterValue(t, h.prom.Metrics.StaleSkips); got != 1 {
		t.Fatalf("expected 1 stale skip, got %v", got)
	}
}

func TestPausedSuppressesEntry(t *testing.T) {
	h := newHarness(t, testConfig())
	h.app.setPaused(true)
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	if err := h.app.evaluateEntry(context.Background()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := len(h.entry.submitted()); got != 0 {
		t.Fatalf("expected no orders while paused, got %d", got)
	}
}

func TestEntrySubmitFailureReleasesSymbol(t *testing.T) {
	h := newHarness(t, testConfig())
	h.entry.err = &grvt.APIError{Status: 400, Code: 2000, Message: "order price out of band"}
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	if err := h.app.evaluateEntry(context.Background()); err == nil {
		t.Fatalf("expected submit error")
	}
	if _, ok := h.app.shared.OpenEntry(testSymbol); ok {
		t.Fatalf("expected no open entry after failed submit")
	}
	if got := h.app.machine.Current(); got != strategy.StateIdle {
		t.Fatalf("expected idle after reject, got %s", got)
	}
	if got := counterValue(t, h.prom.Metrics.EntriesRejected); got != 1 {
		t.Fatalf("expected 1 rejected, got %v", got)
	}
	h.entry.err = nil
	if err := h.app.evaluateEntry(context.Background()); err != nil {
		t.Fatalf("evaluate retry: %v", err)
	}
	if got := len(h.entry.submitted()); got != 2 {
		t.Fatalf("expected a new entry after reject, got %d orders", got)
	}
}

func TestEntrySubmitTimeoutKeepsEntryOpen(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.entry.err = fmt.Errorf("post create_order: %w", context.DeadlineExceeded)
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	if err := h.app.evaluateEntry(ctx); err == nil {
		t.Fatalf("expected submit error")
	}
	first := h.entry.submitted()[0]
	rec, ok := h.app.shared.OpenEntry(testSymbol)
	if !ok || rec.ClientOrderID != first.ClientOrderID {
		t.Fatalf("expected entry with unknown outcome to stay open, got %+v %t", rec, ok)
	}
	if got := h.app.machine.Current(); got != strategy.StatePending {
		t.Fatalf("expected pending, got %s", got)
	}
	if got := counterValue(t, h.prom.Metrics.EntriesRejected); got != 0 {
		t.Fatalf("expected no rejection counted, got %v", got)
	}

	h.entry.err = nil
	if err := h.app.evaluateEntry(ctx); err != nil {
		t.Fatalf("evaluate again: %v", err)
	}
	if got := len(h.entry.submitted()); got != 1 {
		t.Fatalf("expected no second entry while the first is unresolved, got %d", got)
	}

	// The order did reach the venue; its fill arrives on the stream.
	h.app.HandleOrderUpdate(ctx, strategy.OrderUpdate{
		OrderID:       "grvt-late",
		ClientOrderID: first.ClientOrderID,
		Symbol:        testSymbol,
		Status:        strategy.OrderFilled,
		FilledQty:     1.0,
		AvgPrice:      101.00,
	})
	if got := h.app.shared.Position(strategy.VenueGRVT, testSymbol); !approx(got, -1.0) {
		t.Fatalf("expected grvt position -1, got %v", got)
	}
	h.app.coverOutstanding(ctx)
	if placed := h.hedge.placed(); len(placed) != 1 || !approx(placed[0].Qty, 1.0) {
		t.Fatalf("expected one 1.0 cover, got %+v", placed)
	}
	if got := h.app.shared.Position(strategy.VenueVariational, testSymbol); !approx(got, 1.0) {
		t.Fatalf("expected variational position +1, got %v", got)
	}
}

func TestUnresolvedEntryCancelledByClientOrderID(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.entry.err = io.ErrUnexpectedEOF
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	if err := h.app.evaluateEntry(ctx); err == nil {
		t.Fatalf("expected submit error")
	}
	first := h.entry.submitted()[0]

	// The venue never saw the order and refuses the cancel.
	h.entry.cancelErr = &grvt.APIError{Status: 404, Message: "order not found"}
	h.app.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := h.app.evaluateEntry(ctx); err != nil {
		t.Fatalf("evaluate stale: %v", err)
	}
	h.entry.mu.Lock()
	cancels := append([]string(nil), h.entry.cancels...)
	clientCancels := append([]string(nil), h.entry.clientCancels...)
	h.entry.mu.Unlock()
	if len(cancels) != 1 || cancels[0] != "" || clientCancels[0] != first.ClientOrderID {
		t.Fatalf("expected cancel by client order id %s, got %v %v", first.ClientOrderID, cancels, clientCancels)
	}
	if _, ok := h.app.shared.OpenEntry(testSymbol); ok {
		t.Fatalf("expected entry closed once the venue reports it unknown")
	}
}

func TestFailedCancelKeepsStaleEntryOpen(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	if err := h.app.evaluateEntry(ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	h.entry.cancelErr = &grvt.APIError{Status: 503, Message: "unavailable"}
	h.app.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := h.app.evaluateEntry(ctx); err != nil {
		t.Fatalf("evaluate stale: %v", err)
	}
	if _, ok := h.app.shared.OpenEntry(testSymbol); !ok {
		t.Fatalf("expected entry to stay open after a failed cancel")
	}
	if got := len(h.entry.submitted()); got != 1 {
		t.Fatalf("expected no new entry, got %d orders", got)
	}
}

func TestLateFillAfterStaleCancelIsCovered(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	if err := h.app.evaluateEntry(ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	first := h.entry.submitted()[0]
	later := time.Now().Add(2 * time.Minute)
	h.app.now = func() time.Time { return later }
	if err := h.app.evaluateEntry(ctx); err != nil {
		t.Fatalf("evaluate stale: %v", err)
	}
	if _, ok := h.app.shared.OpenEntry(testSymbol); ok {
		t.Fatalf("expected entry closed after cancel")
	}

	// A new entry replaces the cancelled one before its fill is reported.
	h.setPrices(101.00, 101.10, 99.90, 100.00, later)
	if err := h.app.evaluateEntry(ctx); err != nil {
		t.Fatalf("evaluate new entry: %v", err)
	}
	if got := len(h.entry.submitted()); got != 2 {
		t.Fatalf("expected a second entry, got %d orders", got)
	}
	h.app.HandleOrderUpdate(ctx, strategy.OrderUpdate{
		OrderID:       "grvt-1",
		ClientOrderID: first.ClientOrderID,
		Symbol:        testSymbol,
		Status:        strategy.OrderCancelled,
		FilledQty:     0.4,
		AvgPrice:      101.00,
	})
	progress, ok := h.app.shared.Progress(first.ClientOrderID)
	if !ok || !approx(progress.FilledQtySeen, 0.4) {
		t.Fatalf("expected late fill recorded, got %+v %t", progress, ok)
	}
	h.app.coverOutstanding(ctx)
	if placed := h.hedge.placed(); len(placed) != 1 || !approx(placed[0].Qty, 0.4) {
		t.Fatalf("expected a 0.4 cover of the late fill, got %+v", placed)
	}
}

func TestStaleEntryIsCancelled(t *testing.T) {
	h := newHarness(t, testConfig())
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	ctx := context.Background()
	if err := h.app.evaluateEntry(ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	h.app.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := h.app.evaluateEntry(ctx); err != nil {
		t.Fatalf("evaluate stale: %v", err)
	}
	h.entry.mu.Lock()
	cancels := append([]string(nil), h.entry.cancels...)
	h.entry.mu.Unlock()
	if len(cancels) != 1 || cancels[0] != "grvt-1" {
		t.Fatalf("expected cancel of grvt-1, got %v", cancels)
	}
	if _, ok := h.app.shared.OpenEntry(testSymbol); ok {
		t.Fatalf("expected entry closed after cancel")
	}
	if got := h.app.machine.Current(); got != strategy.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
}

func TestScenarioBFillIsCovered(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.fillEntry(t, 1.0, 100.90)

	progress, ok := h.app.shared.Progress(req.ClientOrderID)
	if !ok || !approx(progress.FilledQtySeen, 1.0) {
		t.Fatalf("expected filled_qty_seen 1.0, got %+v", progress)
	}
	if keys := h.store.keys(""); len(keys) != 1 {
		t.Fatalf("expected persisted progress, got %v", keys)
	}

	h.app.coverOutstanding(context.Background())

	placed := h.hedge.placed()
	if len(placed) != 1 {
		t.Fatalf("expected 1 cover order, got %d", len(placed))
	}
	cover := placed[0]
	if cover.Side != strategy.SideBuy || !approx(cover.Qty, 1.0) || cover.QuoteID != "q-1" || cover.ReduceOnly {
		t.Fatalf("unexpected cover order: %+v", cover)
	}
	if cover.MaxSlippage != 0.005 {
		t.Fatalf("expected max slippage 0.005, got %v", cover.MaxSlippage)
	}
	if got := h.app.shared.Position(strategy.VenueGRVT, testSymbol); !approx(got, -1.0) {
		t.Fatalf("expected grvt position -1, got %v", got)
	}
	if got := h.app.shared.Position(strategy.VenueVariational, testSymbol); !approx(got, 1.0) {
		t.Fatalf("expected variational position +1, got %v", got)
	}
	if _, ok := h.app.shared.Progress(req.ClientOrderID); ok {
		t.Fatalf("expected fully covered progress to be dropped")
	}
	if keys := h.store.keys(""); len(keys) != 0 {
		t.Fatalf("expected persisted progress removed, got %v", keys)
	}
	if got := h.app.machine.Current(); got != strategy.StateFilled {
		t.Fatalf("expected filled, got %s", got)
	}
	if got := counterValue(t, h.prom.Metrics.CoversPlaced); got != 1 {
		t.Fatalf("expected 1 cover placed, got %v", got)
	}
}

func TestReplayedFillIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.fillEntry(t, 1.0, 100.90)
	update := strategy.OrderUpdate{
		OrderID:       "grvt-1",
		ClientOrderID: req.ClientOrderID,
		Symbol:        testSymbol,
		Status:        strategy.OrderFilled,
		FilledQty:     1.0,
		AvgPrice:      100.90,
	}
	h.app.HandleOrderUpdate(context.Background(), update)
	h.app.HandleOrderUpdate(context.Background(), update)

	if got := h.app.shared.Position(strategy.VenueGRVT, testSymbol); !approx(got, -1.0) {
		t.Fatalf("expected replay to leave position at -1, got %v", got)
	}
	progress, _ := h.app.shared.Progress(req.ClientOrderID)
	if !approx(progress.FilledQtySeen, 1.0) {
		t.Fatalf("expected filled_qty_seen 1.0, got %v", progress.FilledQtySeen)
	}
	h.app.coverOutstanding(context.Background())
	h.app.coverOutstanding(context.Background())
	if got := len(h.hedge.placed()); got != 1 {
		t.Fatalf("expected 1 cover order, got %d", got)
	}
}

func TestPartialFillsCoverIncrementally(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	if err := h.app.evaluateEntry(ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	req := h.entry.submitted()[0]
	h.app.HandleOrderUpdate(ctx, strategy.OrderUpdate{
		OrderID: "grvt-1", ClientOrderID: req.ClientOrderID, Status: strategy.OrderPartiallyFilled, FilledQty: 0.4, AvgPrice: 101,
	})
	h.app.coverOutstanding(ctx)
	progress, ok := h.app.shared.Progress(req.ClientOrderID)
	if !ok || !approx(progress.CoveredQty, 0.4) {
		t.Fatalf("expected 0.4 covered while entry is working, got %+v", progress)
	}
	if progress.CoveredQty > progress.FilledQtySeen {
		t.Fatalf("covered exceeds filled: %+v", progress)
	}
	h.app.HandleOrderUpdate(ctx, strategy.OrderUpdate{
		OrderID: "grvt-1", ClientOrderID: req.ClientOrderID, Status: strategy.OrderFilled, FilledQty: 1.0, AvgPrice: 101,
	})
	h.app.coverOutstanding(ctx)

	placed := h.hedge.placed()
	if len(placed) != 2 || !approx(placed[0].Qty, 0.4) || !approx(placed[1].Qty, 0.6) {
		t.Fatalf("unexpected cover orders: %+v", placed)
	}
	if got := h.app.shared.Position(strategy.VenueVariational, testSymbol); !approx(got, 1.0) {
		t.Fatalf("expected variational position 1.0, got %v", got)
	}
	if _, ok := h.app.shared.Progress(req.ClientOrderID); ok {
		t.Fatalf("expected progress dropped once covered")
	}
}

func TestScenarioCRateLimitedCoverRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	limited := &variational.APIError{Status: 429, Body: "slow down"}
	h.hedge.orderErrs = []error{limited, limited, limited}
	req := h.fillEntry(t, 1.0, 100.90)

	h.app.coverOutstanding(context.Background())

	_, orderCalls := h.hedge.calls()
	if orderCalls != 4 {
		t.Fatalf("expected 4 market order attempts, got %d", orderCalls)
	}
	if got := len(h.hedge.placed()); got != 1 {
		t.Fatalf("expected exactly one executed cover, got %d", got)
	}
	if _, ok := h.app.shared.Progress(req.ClientOrderID); ok {
		t.Fatalf("expected progress covered and dropped")
	}
	if got := h.app.shared.Position(strategy.VenueVariational, testSymbol); !approx(got, 1.0) {
		t.Fatalf("expected variational position 1.0, got %v", got)
	}
	if got := counterValue(t, h.prom.Metrics.CoversFailed); got != 0 {
		t.Fatalf("expected no failed covers, got %v", got)
	}
}

func TestScenarioDAuthErrorHaltsSymbol(t *testing.T) {
	h := newHarness(t, testConfig())
	h.hedge.orderErrs = []error{&variational.APIError{Status: 403, Body: "forbidden"}}
	req := h.fillEntry(t, 1.0, 100.90)

	h.app.coverOutstanding(context.Background())

	_, orderCalls := h.hedge.calls()
	if orderCalls != 1 {
		t.Fatalf("expected a single attempt on 403, got %d", orderCalls)
	}
	progress, ok := h.app.shared.Progress(req.ClientOrderID)
	if !ok || progress.CoveredQty != 0 {
		t.Fatalf("expected covered_qty unchanged, got %+v", progress)
	}
	if _, halted := h.app.shared.Halted(testSymbol); !halted {
		t.Fatalf("expected symbol halted")
	}
	if !h.alert.contains("HALTED") {
		t.Fatalf("expected halt alert, got %v", h.alert.messages)
	}
	if got := counterValue(t, h.prom.Metrics.Halts); got != 1 {
		t.Fatalf("expected 1 halt, got %v", got)
	}

	// Halted symbols are neither covered nor entered until the operator resumes.
	h.app.coverOutstanding(context.Background())
	if _, orderCalls := h.hedge.calls(); orderCalls != 1 {
		t.Fatalf("expected no cover while halted, got %d calls", orderCalls)
	}
	h.setPrices(101.00, 101.10, 99.90, 100.00, time.Now())
	if err := h.app.evaluateEntry(context.Background()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := len(h.entry.submitted()); got != 1 {
		t.Fatalf("expected no new entry while halted, got %d orders", got)
	}

	resp := h.app.handleOperatorCommand(context.Background(), "resume", nil, operatorMeta{Raw: "/resume"})
	if !strings.Contains(resp, "cleared halt") {
		t.Fatalf("unexpected resume response: %q", resp)
	}
	h.app.coverOutstanding(context.Background())
	if got := len(h.hedge.placed()); got != 1 {
		t.Fatalf("expected cover after resume, got %d", got)
	}
}

func TestCoverRequotesOnceWhenPriceMoved(t *testing.T) {
	h := newHarness(t, testConfig())
	h.hedge.quotes = []strategy.Quote{
		{QuoteID: "q-moved", Bid: 101.9, Ask: 102.0},
		{QuoteID: "q-fresh", Bid: 99.95, Ask: 100.05},
	}
	h.fillEntry(t, 1.0, 100.90)
	h.app.coverOutstanding(context.Background())

	quoteCalls, _ := h.hedge.calls()
	if quoteCalls != 2 {
		t.Fatalf("expected 2 quotes, got %d", quoteCalls)
	}
	placed := h.hedge.placed()
	if len(placed) != 1 || placed[0].QuoteID != "q-fresh" {
		t.Fatalf("expected cover on refreshed quote, got %+v", placed)
	}
	if got := counterValue(t, h.prom.Metrics.Requotes); got != 1 {
		t.Fatalf("expected 1 requote, got %v", got)
	}
}

func TestOvercoveredProgressHalts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.app.shared.RestoreProgress([]strategy.CoverProgress{{
		EntryOrderID:  "entry-1",
		Symbol:        testSymbol,
		EntrySide:     strategy.SideSell,
		Direction:     strategy.DirectionOpen,
		FilledQtySeen: 0.5,
		CoveredQty:    0.7,
	}})
	h.app.coverOutstanding(context.Background())

	if _, halted := h.app.shared.Halted(testSymbol); !halted {
		t.Fatalf("expected reconciliation halt")
	}
	if quotes, orders := h.hedge.calls(); quotes != 0 || orders != 0 {
		t.Fatalf("expected no venue calls, got %d quotes %d orders", quotes, orders)
	}
}

func TestCoverOverfillHaltsSymbol(t *testing.T) {
	h := newHarness(t, testConfig())
	h.hedge.fillQty = 1.5
	req := h.fillEntry(t, 1.0, 100.90)

	h.app.coverOutstanding(context.Background())

	if got := h.app.shared.Position(strategy.VenueVariational, testSymbol); !approx(got, 1.5) {
		t.Fatalf("expected variational position 1.5, got %v", got)
	}
	if reason, halted := h.app.shared.Halted(testSymbol); !halted || !strings.Contains(reason, "reconciliation violation") {
		t.Fatalf("expected reconciliation halt, got %q %t", reason, halted)
	}
	if !h.alert.contains("HALTED") {
		t.Fatalf("expected halt alert, got %v", h.alert.messages)
	}
	if got := counterValue(t, h.prom.Metrics.Halts); got != 1 {
		t.Fatalf("expected 1 halt, got %v", got)
	}
	progress, ok := h.app.shared.Progress(req.ClientOrderID)
	if !ok || !approx(progress.CoveredQty, 1.5) {
		t.Fatalf("expected covered_qty 1.5 kept, got %+v", progress)
	}
	if keys := h.store.keys(""); len(keys) != 1 {
		t.Fatalf("expected overcovered progress persisted, got %v", keys)
	}
}

func TestCloseDirectionIsReduceOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.ExitEnabled = true
	h := newHarness(t, cfg)
	h.fillEntry(t, 1.0, 100.90)
	h.app.coverOutstanding(context.Background())

	// (100.00 - 100.05) / 100.05 is about -0.05%, above the -0.1% exit threshold.
	h.setPrices(100.00, 100.05, 100.00, 100.10, time.Now())
	if err := h.app.evaluateEntry(context.Background()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	orders := h.entry.submitted()
	if len(orders) != 2 {
		t.Fatalf("expected a close entry, got %d orders", len(orders))
	}
	closeReq := orders[1]
	if closeReq.Side != strategy.SideBuy || !closeReq.ReduceOnly || closeReq.Price != 100.05 {
		t.Fatalf("unexpected close entry: %+v", closeReq)
	}
	if !approx(closeReq.Qty, 1.0) {
		t.Fatalf("expected close qty 1.0, got %v", closeReq.Qty)
	}
}

func TestRestoreCoversPersistedProgress(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	if err := state.SaveCoverProgress(ctx, h.store, strategy.CoverProgress{
		EntryOrderID:   "entry-restored",
		Symbol:         testSymbol,
		EntrySide:      strategy.SideSell,
		Direction:      strategy.DirectionOpen,
		ReferencePrice: 100.00,
		FilledQtySeen:  0.3,
		CoveredQty:     0.1,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := h.app.restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	h.app.coverOutstanding(ctx)

	placed := h.hedge.placed()
	if len(placed) != 1 || !approx(placed[0].Qty, 0.2) {
		t.Fatalf("expected a 0.2 cover, got %+v", placed)
	}
	if keys := h.store.keys(""); len(keys) != 0 {
		t.Fatalf("expected restored progress removed once covered, got %v", keys)
	}
}

type chanFeed struct {
	events chan market.Event
}

func (f *chanFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *chanFeed) Events() <-chan market.Event { return f.events }

func TestRunEntryThroughCover(t *testing.T) {
	cfg := testConfig()
	store := newMemoryStore()
	entry := &fakeEntryVenue{}
	hedge := &fakeHedgeVenue{quotes: []strategy.Quote{{QuoteID: "q-1", Bid: 99.90, Ask: 100.00}}, avgPrice: 100.00}
	feed := &chanFeed{events: make(chan market.Event, 8)}
	a := NewWithDeps(cfg, nil, Deps{Store: store, Entry: entry, Hedge: hedge, Feed: feed, Alerts: &fakeNotifier{}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	feed.events <- market.BookEvent(testSymbol, 101.00, 101.10, time.Time{})
	waitFor(t, func() bool { return len(entry.submitted()) == 1 })
	req := entry.submitted()[0]
	feed.events <- market.OrderEvent(strategy.OrderUpdate{
		OrderID:       "grvt-1",
		ClientOrderID: req.ClientOrderID,
		Symbol:        testSymbol,
		Status:        strategy.OrderFilled,
		FilledQty:     1.0,
		AvgPrice:      101.00,
	})
	waitFor(t, func() bool { return len(hedge.placed()) == 1 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected run error: %v", err)
	}
	if got := a.shared.Position(strategy.VenueVariational, testSymbol); !approx(got, 1.0) {
		t.Fatalf("expected variational position 1.0, got %v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
