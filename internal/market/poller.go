package market

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"spread-hedge-bot/internal/exec"
	"spread-hedge-bot/internal/state"
	"spread-hedge-bot/internal/strategy"
)

// QuoteSource requests Variational indicative quotes.
type QuoteSource interface {
	IndicativeQuote(ctx context.Context, instrument strategy.Instrument, qty float64) (strategy.Quote, error)
}

type PollerConfig struct {
	Symbol     string
	Instrument strategy.Instrument
	Qty        float64
	Interval   time.Duration
}

// QuotePoller keeps the Variational price snapshot current.
type QuotePoller struct {
	cfg      PollerConfig
	source   QuoteSource
	executor *exec.Executor
	store    *state.Shared
	joiner   *Joiner
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastQuote strategy.Quote
}

func NewQuotePoller(cfg PollerConfig, source QuoteSource, executor *exec.Executor, store *state.Shared, joiner *Joiner, log *zap.Logger) *QuotePoller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &QuotePoller{
		cfg:      cfg,
		source:   source,
		executor: executor,
		store:    store,
		joiner:   joiner,
		log:      log,
		now:      time.Now,
	}
}

func (p *QuotePoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("variational quote failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches one quote and publishes it.
func (p *QuotePoller) Poll(ctx context.Context) error {
	quote, err := exec.Call(ctx, p.executor, "variational.indicative_quote", func(ctx context.Context) (strategy.Quote, error) {
		return p.source.IndicativeQuote(ctx, p.cfg.Instrument, p.cfg.Qty)
	})
	if err != nil {
		return err
	}
	if quote.Bid <= 0 || quote.Ask <= 0 {
		p.log.Debug("dropping quote with non-positive price",
			zap.String("quote_id", quote.QuoteID),
			zap.Float64("bid", quote.Bid),
			zap.Float64("ask", quote.Ask),
		)
		return nil
	}
	ts := quote.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	p.mu.Lock()
	p.lastQuote = quote
	p.mu.Unlock()
	p.store.UpdatePrice(strategy.NewPriceSnapshot(strategy.VenueVariational, p.cfg.Symbol, quote.Bid, quote.Ask, ts))
	if p.joiner != nil {
		p.joiner.Join(p.cfg.Symbol)
	}
	return nil
}

func (p *QuotePoller) LastQuote() strategy.Quote {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastQuote
}
