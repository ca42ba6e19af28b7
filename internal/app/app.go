package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spread-hedge-bot/internal/alerts"
	"spread-hedge-bot/internal/config"
	"spread-hedge-bot/internal/exec"
	"spread-hedge-bot/internal/grvt"
	"spread-hedge-bot/internal/grvt/ws"
	"spread-hedge-bot/internal/market"
	"spread-hedge-bot/internal/metrics"
	"spread-hedge-bot/internal/state"
	"spread-hedge-bot/internal/state/sqlite"
	"spread-hedge-bot/internal/strategy"
	"spread-hedge-bot/internal/timescale"
	"spread-hedge-bot/internal/variational"
)

// EntryVenue places and cancels entry orders on GRVT.
type EntryVenue interface {
	SubmitOrder(ctx context.Context, req grvt.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID, clientOrderID string) error
}

// HedgeVenue quotes and executes cover orders on Variational.
type HedgeVenue interface {
	market.QuoteSource
	PlaceMarketOrder(ctx context.Context, req variational.MarketOrderRequest) (variational.OrderResult, error)
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

// EventSource is the GRVT push feed.
type EventSource interface {
	Run(ctx context.Context) error
	Events() <-chan market.Event
}

// Deps are the collaborators New builds from config. Tests supply fakes.
type Deps struct {
	Store   state.Store
	Entry   EntryVenue
	Hedge   HedgeVenue
	Feed    EventSource
	Alerts  Notifier
	Metrics *metrics.Metrics
	Journal *timescale.Writer
}

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	shared     *state.Shared
	thresholds strategy.Thresholds
	entry      EntryVenue
	hedge      HedgeVenue
	feed       EventSource
	executor   *exec.Executor
	joiner     *market.Joiner
	ingestor   *market.Ingestor
	poller     *market.QuotePoller
	machine    *strategy.StateMachine
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	alerts     Notifier
	telegram   *alerts.Telegram
	timescale  *timescale.Writer

	newClientOrderID func() string
	now              func() time.Time

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool

	sampleMu   sync.Mutex
	lastSample time.Time
}

// New builds the production wiring: sqlite state, GRVT signer, REST client
// and websocket feed, the Variational client, metrics and alerts.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	signer, err := grvt.NewSigner(cfg.GRVT.PrivateKey, cfg.GRVT.ChainID)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("GRVT_PRIVATE_KEY: %w", err)
	}
	grvtClient, err := grvt.NewClient(grvt.ClientConfig{
		TradeURL:      cfg.GRVT.TradeURL,
		MarketDataURL: cfg.GRVT.MarketDataURL,
		AuthURL:       cfg.GRVT.AuthURL,
		APIKey:        cfg.GRVT.APIKey,
		SubAccountID:  cfg.GRVT.SubAccountID,
		Timeout:       cfg.GRVT.Timeout,
		OrderTTL:      cfg.GRVT.OrderTTL,
	}, signer, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	varClient, err := variational.New(cfg.Variational.BaseURL, cfg.Variational.Cookie, cfg.Variational.Timeout, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("VARIATIONAL_COOKIE: %w", err)
	}

	publicWS := ws.New(cfg.GRVT.MarketWSURL, cfg.GRVT.ReconnectDelay, cfg.GRVT.PingInterval, log)
	orderWS := ws.New(cfg.GRVT.TradeWSURL, cfg.GRVT.ReconnectDelay, cfg.GRVT.PingInterval, log)
	orderWS.SetHeaderFunc(grvtClient.SessionHeader)
	feed := grvt.NewFeed(grvt.FeedConfig{
		Symbol:       cfg.Strategy.Symbol,
		SubAccountID: cfg.GRVT.SubAccountID,
		TickerRateMS: cfg.GRVT.TickerRateMS,
		EventBuffer:  cfg.GRVT.EventBuffer,
	}, publicWS, orderWS, log)

	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	telegram := alerts.NewTelegram(cfg.Telegram, log)
	journal, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}

	a := NewWithDeps(cfg, log, Deps{
		Store:   store,
		Entry:   grvtClient,
		Hedge:   varClient,
		Feed:    feed,
		Alerts:  telegram,
		Metrics: m,
		Journal: journal,
	})
	a.prom = prom
	a.telegram = telegram
	return a, nil
}

// NewWithDeps wires the trading core around the given collaborators.
func NewWithDeps(cfg *config.Config, log *zap.Logger, deps Deps) *App {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	thresholds := cfg.Strategy.Thresholds()
	a := &App{
		cfg:              cfg,
		log:              log,
		store:            deps.Store,
		shared:           state.NewShared(thresholds.QtyEpsilon),
		thresholds:       thresholds,
		entry:            deps.Entry,
		hedge:            deps.Hedge,
		feed:             deps.Feed,
		machine:          strategy.NewStateMachine(),
		metrics:          deps.Metrics,
		alerts:           deps.Alerts,
		timescale:        deps.Journal,
		newClientOrderID: grvt.NewClientOrderID,
		now:              time.Now,
	}
	a.executor = exec.New(retryPolicy(cfg.Retry), log)
	a.executor.SetRecorder(a.metrics)
	a.joiner = market.NewJoiner(a.shared, thresholds, a)
	a.ingestor = market.NewIngestor(a.shared, a.joiner, a, log)
	a.poller = market.NewQuotePoller(market.PollerConfig{
		Symbol:     cfg.Strategy.Symbol,
		Instrument: cfg.Strategy.Instrument,
		Qty:        cfg.Strategy.OrderQty,
		Interval:   cfg.Strategy.PollInterval,
	}, deps.Hedge, a.executor, a.shared, a.joiner, log)
	return a
}

func retryPolicy(cfg config.RetryConfig) exec.Policy {
	policy := exec.DefaultPolicy()
	if cfg.NetworkRetries != nil {
		policy.NetworkRetries = *cfg.NetworkRetries
	}
	if cfg.ServerRetries != nil {
		policy.ServerRetries = *cfg.ServerRetries
	}
	if cfg.RateLimitRetries != nil {
		policy.RateLimitRetries = *cfg.RateLimitRetries
	}
	if cfg.BackoffBase > 0 {
		policy.BackoffBase = cfg.BackoffBase
	}
	if cfg.BackoffCap > 0 {
		policy.BackoffCap = cfg.BackoffCap
	}
	if cfg.Jitter != nil {
		policy.Jitter = *cfg.Jitter
	}
	if cfg.CallTimeout > 0 {
		policy.CallTimeout = cfg.CallTimeout
	}
	return policy
}

// Run restores cover progress and runs every loop until ctx is cancelled or
// one of them fails. Orders already submitted are left as they are.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.restore(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	if a.feed != nil {
		g.Go(func() error { return a.feed.Run(ctx) })
		g.Go(func() error { return a.ingestor.Run(ctx, a.feed.Events()) })
	}
	if a.hedge != nil {
		g.Go(func() error { return a.poller.Run(ctx) })
	}
	g.Go(func() error { return a.entryLoop(ctx) })
	g.Go(func() error { return a.coverLoop(ctx) })
	if a.prom != nil {
		g.Go(func() error { return a.serveMetrics(ctx) })
	}
	if a.timescale != nil {
		g.Go(func() error { return a.timescale.Run(ctx) })
	}
	if a.telegram != nil && a.cfg.Telegram.OperatorEnabled {
		g.Go(func() error { return a.runOperator(ctx) })
	}
	a.log.Info("spread hedge bot running",
		zap.String("symbol", a.cfg.Strategy.Symbol),
		zap.Float64("order_qty", a.thresholds.OrderQty),
		zap.Float64("entry_threshold", a.thresholds.Entry),
		zap.Bool("exit_enabled", a.thresholds.ExitEnabled),
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}

func (a *App) restore(ctx context.Context) error {
	progress, err := state.LoadCoverProgress(ctx, a.store)
	if err != nil {
		return fmt.Errorf("load cover progress: %w", err)
	}
	if len(progress) == 0 {
		return nil
	}
	a.shared.RestoreProgress(progress)
	for _, p := range progress {
		a.log.Warn("restored uncovered entry",
			zap.String("entry_order_id", p.EntryOrderID),
			zap.String("symbol", p.Symbol),
			zap.Float64("filled_qty_seen", p.FilledQtySeen),
			zap.Float64("covered_qty", p.CoveredQty),
		)
	}
	a.shared.Signal(state.SignalEntryFilled)
	return nil
}

func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.ListenAddr), zap.String("path", a.cfg.Metrics.Path))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// ObserveSpread feeds gauges and the spread journal on every fresh join.
func (a *App) ObserveSpread(av, bv strategy.PriceSnapshot, open, close float64) {
	a.metrics.ObserveSpread(av, bv, open, close)
	if a.timescale == nil {
		return
	}
	now := a.now()
	a.sampleMu.Lock()
	if now.Sub(a.lastSample) < a.cfg.Timescale.SpreadSampleInterval {
		a.sampleMu.Unlock()
		return
	}
	a.lastSample = now
	a.sampleMu.Unlock()
	a.timescale.EnqueueSpread(timescale.SpreadSample{
		Time:           now.UTC(),
		Symbol:         av.Symbol,
		GRVTBid:        av.Bid,
		GRVTAsk:        av.Ask,
		VariationalBid: bv.Bid,
		VariationalAsk: bv.Ask,
		OpenSpread:     open,
		CloseSpread:    close,
	})
}

func (a *App) observePositions(symbol string) {
	a.metrics.ObservePositions(
		a.shared.Position(strategy.VenueGRVT, symbol),
		a.shared.Position(strategy.VenueVariational, symbol),
	)
}

func (a *App) notify(ctx context.Context, message string) {
	if a.alerts == nil {
		return
	}
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func newCoverID() string {
	return "cover-" + uuid.NewString()
}
