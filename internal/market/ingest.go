package market

import (
	"context"
	"time"

	"go.uber.org/zap"

	"spread-hedge-bot/internal/state"
	"spread-hedge-bot/internal/strategy"
)

// FillHandler consumes GRVT order updates in delivery order.
type FillHandler interface {
	HandleOrderUpdate(ctx context.Context, update strategy.OrderUpdate)
}

// Ingestor is the single consumer of the GRVT event channel.
type Ingestor struct {
	store  *state.Shared
	joiner *Joiner
	fills  FillHandler
	log    *zap.Logger
	now    func() time.Time
}

func NewIngestor(store *state.Shared, joiner *Joiner, fills FillHandler, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{store: store, joiner: joiner, fills: fills, log: log, now: time.Now}
}

// Run drains events until ctx is done or the channel is closed.
func (i *Ingestor) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			i.Handle(ctx, ev)
		}
	}
}

func (i *Ingestor) Handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventBook:
		i.handleBook(ev.Book)
	case EventOrder:
		if i.fills != nil {
			i.fills.HandleOrderUpdate(ctx, ev.Order)
		}
	default:
		i.log.Debug("dropping feed event", zap.Stringer("kind", ev.Kind))
	}
}

func (i *Ingestor) handleBook(book BookUpdate) {
	if book.Bid <= 0 || book.Ask <= 0 {
		i.log.Debug("dropping book update with non-positive price",
			zap.String("symbol", book.Symbol),
			zap.Float64("bid", book.Bid),
			zap.Float64("ask", book.Ask),
		)
		return
	}
	ts := book.Timestamp
	if ts.IsZero() {
		ts = i.now()
	}
	snap := strategy.NewPriceSnapshot(strategy.VenueGRVT, book.Symbol, book.Bid, book.Ask, ts)
	bidChanged, askChanged := i.store.UpdatePrice(snap)
	if bidChanged {
		i.store.Signal(state.SignalBidChanged)
	}
	if askChanged {
		i.store.Signal(state.SignalAskChanged)
	}
	if i.joiner != nil && (bidChanged || askChanged) {
		i.joiner.Join(book.Symbol)
	}
}
