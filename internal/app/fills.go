package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"spread-hedge-bot/internal/state"
	"spread-hedge-bot/internal/strategy"
	"spread-hedge-bot/internal/timescale"
)

// HandleOrderUpdate applies one GRVT order report. It runs on the ingestion
// goroutine, so updates are seen in delivery order.
func (a *App) HandleOrderUpdate(ctx context.Context, update strategy.OrderUpdate) {
	res, err := a.shared.ApplyOrderUpdate(update)
	if err != nil {
		if errors.Is(err, state.ErrUnknownOrder) {
			a.log.Warn("ignoring update for unknown order",
				zap.String("order_id", update.OrderID),
				zap.String("client_order_id", update.ClientOrderID),
				zap.String("status", string(update.Status)),
			)
			return
		}
		a.log.Error("apply order update failed", zap.Error(err))
		return
	}
	rec := res.Order
	if res.Filled {
		if err := state.SaveCoverProgress(ctx, a.store, res.Progress); err != nil {
			a.log.Warn("persist cover progress failed", zap.String("entry_order_id", res.Progress.EntryOrderID), zap.Error(err))
		}
		a.shared.Signal(state.SignalEntryFilled)
		a.observePositions(rec.Symbol)
		a.log.Info("entry filled",
			zap.String("symbol", rec.Symbol),
			zap.String("order_id", rec.ID),
			zap.String("client_order_id", rec.ClientOrderID),
			zap.Float64("delta", res.Delta),
			zap.Float64("filled_qty", rec.FilledQty),
			zap.Float64("avg_price", rec.AvgPrice),
			zap.Float64("uncovered", res.Progress.Uncovered()),
		)
		a.timescale.EnqueueExecution(timescale.Execution{
			Time:           a.now().UTC(),
			Symbol:         rec.Symbol,
			Venue:          string(strategy.VenueGRVT),
			Leg:            "entry",
			Direction:      string(rec.Direction),
			Side:           string(rec.Side),
			OrderID:        rec.ID,
			EntryOrderID:   rec.Key(),
			Qty:            res.Delta,
			Price:          rec.AvgPrice,
			ReferencePrice: rec.ReferencePrice,
		})
		a.notify(ctx, fmt.Sprintf("GRVT %s %s %.6f @ %.4f (%s)", rec.Side, rec.Symbol, res.Delta, rec.AvgPrice, rec.Direction))
	}
	if res.Finished {
		switch rec.Status {
		case strategy.OrderFilled:
			a.machine.Apply(strategy.EventFilled)
		case strategy.OrderCancelled:
			a.machine.Apply(strategy.EventCancel)
		case strategy.OrderRejected:
			a.machine.Apply(strategy.EventReject)
			a.metrics.EntriesRejected.Inc()
			a.log.Warn("entry rejected by venue", zap.String("client_order_id", rec.ClientOrderID))
		}
	}
	if res.Settled {
		if err := state.DeleteCoverProgress(ctx, a.store, rec.Key()); err != nil {
			a.log.Warn("delete cover progress failed", zap.String("entry_order_id", rec.Key()), zap.Error(err))
		}
	}
}
