package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"spread-hedge-bot/internal/exec"
	"spread-hedge-bot/internal/grvt"
	"spread-hedge-bot/internal/state"
	"spread-hedge-bot/internal/strategy"
)

// entryLoop wakes on spread_crossed or every recheck interval and submits at
// most one GRVT entry order per symbol at a time.
func (a *App) entryLoop(ctx context.Context) error {
	for {
		a.shared.Wait(ctx, state.SignalSpreadCrossed, a.cfg.Strategy.RecheckInterval)
		if ctx.Err() != nil {
			return nil
		}
		if err := a.evaluateEntry(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("entry evaluation failed", zap.Error(err))
		}
	}
}

func (a *App) evaluateEntry(ctx context.Context) error {
	symbol := a.cfg.Strategy.Symbol
	if a.isPaused() {
		return nil
	}
	if _, halted := a.shared.Halted(symbol); halted {
		return nil
	}
	if open, ok := a.shared.OpenEntry(symbol); ok {
		a.cancelIfStale(ctx, open)
		return nil
	}
	av, bv := a.shared.ReadSnapshot(symbol)
	if err := strategy.CheckFreshness(a.thresholds.Staleness, a.now(), av, bv); err != nil {
		a.metrics.StaleSkips.Inc()
		a.log.Debug("entry skipped", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	position := a.shared.Position(strategy.VenueGRVT, symbol)
	decision, ok := strategy.Decide(a.thresholds, av, bv, position)
	if !ok {
		return nil
	}
	return a.submitEntry(ctx, symbol, decision)
}

func (a *App) submitEntry(ctx context.Context, symbol string, decision strategy.Decision) error {
	if ctx.Err() != nil {
		return nil
	}
	rec, err := a.shared.BeginEntry(strategy.OrderRecord{
		ClientOrderID:  a.newClientOrderID(),
		Symbol:         symbol,
		Side:           decision.Side,
		Direction:      decision.Direction,
		RequestedQty:   decision.Qty,
		LimitPrice:     decision.Price,
		ReferencePrice: decision.ReferencePrice,
	})
	if err != nil {
		if errors.Is(err, state.ErrEntryOpen) || errors.Is(err, state.ErrHalted) {
			return nil
		}
		return err
	}
	a.machine.Apply(strategy.EventSubmit)
	a.log.Info("submitting entry",
		zap.String("symbol", symbol),
		zap.String("client_order_id", rec.ClientOrderID),
		zap.String("direction", string(decision.Direction)),
		zap.String("side", string(decision.Side)),
		zap.Float64("qty", decision.Qty),
		zap.Float64("price", decision.Price),
		zap.Float64("spread", decision.Spread),
		zap.Float64("reference_price", decision.ReferencePrice),
	)
	orderID, err := a.entry.SubmitOrder(ctx, grvt.OrderRequest{
		Symbol:        symbol,
		Side:          decision.Side,
		Qty:           decision.Qty,
		Price:         decision.Price,
		ReduceOnly:    decision.Direction == strategy.DirectionClose,
		TimeInForce:   grvt.TifImmediateOrCancel,
		ClientOrderID: rec.ClientOrderID,
	})
	if err != nil {
		if !venueRefused(err) {
			// The order may be live. It stays pending until the order stream
			// reports it or the stale check cancels it by client order id.
			a.log.Warn("entry outcome unknown",
				zap.String("symbol", symbol),
				zap.String("client_order_id", rec.ClientOrderID),
				zap.Error(err),
			)
			return fmt.Errorf("submit entry %s: outcome unknown: %w", rec.ClientOrderID, err)
		}
		a.shared.MarkRejected(rec.Key())
		a.machine.Apply(strategy.EventReject)
		a.metrics.EntriesRejected.Inc()
		return fmt.Errorf("submit entry %s: %w", rec.ClientOrderID, err)
	}
	if err := a.shared.BindOrderID(rec.Key(), orderID); err != nil {
		a.log.Warn("bind entry order id failed", zap.String("order_id", orderID), zap.Error(err))
	}
	a.metrics.EntriesSubmitted.Inc()
	return nil
}

// venueRefused reports whether err proves the venue did not accept the
// request. Timeouts, transport failures and 5xx leave the outcome unknown.
func venueRefused(err error) bool {
	switch exec.Classify(err) {
	case exec.ClassValidation, exec.ClassAuth:
		return true
	}
	return false
}

// cancelIfStale cancels a working entry older than the order timeout. A cancel
// the venue refuses as invalid means the order is no longer working there; the
// entry is closed and any fill it had is still reported by the order stream.
func (a *App) cancelIfStale(ctx context.Context, rec strategy.OrderRecord) {
	timeout := a.cfg.Strategy.OrderTimeout
	if timeout <= 0 || a.now().Sub(rec.CreatedAt) < timeout {
		return
	}
	if err := a.entry.CancelOrder(ctx, rec.ID, rec.ClientOrderID); err != nil {
		if exec.Classify(err) != exec.ClassValidation {
			a.log.Warn("failed to cancel stale entry",
				zap.String("order_id", rec.ID),
				zap.String("client_order_id", rec.ClientOrderID),
				zap.Error(err),
			)
			return
		}
		a.log.Info("stale entry not working at venue",
			zap.String("client_order_id", rec.ClientOrderID),
			zap.Error(err),
		)
	}
	a.shared.MarkCancelled(rec.Key())
	if cur, ok := a.shared.Order(rec.Key()); ok && cur.Status == strategy.OrderFilled {
		a.machine.Apply(strategy.EventFilled)
	} else {
		a.machine.Apply(strategy.EventCancel)
	}
	a.metrics.EntriesCancelled.Inc()
	a.log.Info("cancelled stale entry",
		zap.String("order_id", rec.ID),
		zap.String("client_order_id", rec.ClientOrderID),
		zap.Duration("age", a.now().Sub(rec.CreatedAt)),
	)
}
