package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"spread-hedge-bot/internal/exec"
	"spread-hedge-bot/internal/state"
	"spread-hedge-bot/internal/strategy"
	"spread-hedge-bot/internal/timescale"
	"spread-hedge-bot/internal/variational"
)

// coverLoop hedges filled GRVT quantity on Variational. It wakes on
// entry_filled and on the reconcile timer so partial covers are retried.
func (a *App) coverLoop(ctx context.Context) error {
	for {
		a.shared.Wait(ctx, state.SignalEntryFilled, a.cfg.Strategy.ReconcileInterval)
		if ctx.Err() != nil {
			return nil
		}
		a.coverOutstanding(ctx)
	}
}

func (a *App) coverOutstanding(ctx context.Context) {
	for _, progress := range a.shared.Outstanding() {
		if ctx.Err() != nil {
			return
		}
		if _, halted := a.shared.Halted(progress.Symbol); halted {
			continue
		}
		if err := a.cover(ctx, progress); err != nil && ctx.Err() == nil {
			a.log.Warn("cover attempt failed",
				zap.String("entry_order_id", progress.EntryOrderID),
				zap.String("symbol", progress.Symbol),
				zap.Error(err),
			)
		}
	}
}

func (a *App) cover(ctx context.Context, progress strategy.CoverProgress) error {
	if err := a.shared.CheckProgress(progress.EntryOrderID); err != nil {
		a.haltSymbol(ctx, progress.Symbol, err)
		return err
	}
	qty := progress.Uncovered()
	if qty <= a.thresholds.QtyEpsilon {
		return nil
	}
	if a.hedge == nil {
		return errors.New("no hedge venue configured")
	}
	side := progress.CoverSide()
	quote, err := a.coverQuote(ctx, qty)
	if err != nil {
		return a.coverFailed(ctx, progress, err)
	}
	if strategy.PriceMoved(progress.ReferencePrice, quote.Price(side), a.thresholds.PriceChangeTolerance) {
		a.metrics.Requotes.Inc()
		a.log.Info("cover price moved, requoting",
			zap.String("entry_order_id", progress.EntryOrderID),
			zap.Float64("reference_price", progress.ReferencePrice),
			zap.Float64("quote_price", quote.Price(side)),
		)
		quote, err = a.coverQuote(ctx, qty)
		if err != nil {
			return a.coverFailed(ctx, progress, err)
		}
	}

	req := variational.MarketOrderRequest{
		QuoteID:     quote.QuoteID,
		Side:        side,
		ReduceOnly:  progress.Direction == strategy.DirectionClose,
		MaxSlippage: a.thresholds.MaxSlippage,
		Qty:         qty,
	}
	result, err := exec.Call(ctx, a.executor, "variational.market_order", func(ctx context.Context) (variational.OrderResult, error) {
		return a.hedge.PlaceMarketOrder(ctx, req)
	})
	if err != nil {
		return a.coverFailed(ctx, progress, err)
	}

	// Reported as is: a venue overfill must reach reconciliation.
	filled := result.FilledQty
	price := result.AvgPrice
	if price <= 0 {
		price = quote.Price(side)
	}
	status := strategy.OrderFilled
	if filled <= a.thresholds.QtyEpsilon {
		status = strategy.OrderCancelled
	}
	now := a.now()
	res, err := a.shared.ApplyCover(progress.EntryOrderID, strategy.OrderRecord{
		ID:            result.OrderID,
		ClientOrderID: newCoverID(),
		Symbol:        progress.Symbol,
		Side:          side,
		Direction:     progress.Direction,
		RequestedQty:  qty,
		FilledQty:     filled,
		AvgPrice:      price,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, filled)
	if err != nil {
		if errors.Is(err, state.ErrReconciliation) {
			if perr := state.SaveCoverProgress(ctx, a.store, res.Progress); perr != nil {
				a.log.Warn("persist cover progress failed", zap.String("entry_order_id", progress.EntryOrderID), zap.Error(perr))
			}
			a.observePositions(progress.Symbol)
			a.haltSymbol(ctx, progress.Symbol, err)
		}
		return err
	}
	if res.Done {
		err = state.DeleteCoverProgress(ctx, a.store, progress.EntryOrderID)
	} else {
		err = state.SaveCoverProgress(ctx, a.store, res.Progress)
	}
	if err != nil {
		a.log.Warn("persist cover progress failed", zap.String("entry_order_id", progress.EntryOrderID), zap.Error(err))
	}
	if filled <= a.thresholds.QtyEpsilon {
		return nil
	}

	a.metrics.CoversPlaced.Inc()
	a.observePositions(progress.Symbol)
	a.log.Info("cover filled",
		zap.String("entry_order_id", progress.EntryOrderID),
		zap.String("order_id", result.OrderID),
		zap.String("quote_id", quote.QuoteID),
		zap.String("side", string(side)),
		zap.Float64("qty", filled),
		zap.Float64("avg_price", price),
		zap.Float64("uncovered", res.Progress.Uncovered()),
		zap.Bool("done", res.Done),
	)
	a.timescale.EnqueueExecution(timescale.Execution{
		Time:           now.UTC(),
		Symbol:         progress.Symbol,
		Venue:          string(strategy.VenueVariational),
		Leg:            "cover",
		Direction:      string(progress.Direction),
		Side:           string(side),
		OrderID:        result.OrderID,
		EntryOrderID:   progress.EntryOrderID,
		Qty:            filled,
		Price:          price,
		ReferencePrice: progress.ReferencePrice,
	})
	a.notify(ctx, fmt.Sprintf("Variational %s %s %.6f @ %.4f (cover of %s)", side, progress.Symbol, filled, price, progress.EntryOrderID))
	return nil
}

func (a *App) coverQuote(ctx context.Context, qty float64) (strategy.Quote, error) {
	return exec.Call(ctx, a.executor, "variational.indicative_quote", func(ctx context.Context) (strategy.Quote, error) {
		return a.hedge.IndicativeQuote(ctx, a.cfg.Strategy.Instrument, qty)
	})
}

// coverFailed counts the failure and halts the symbol on authentication
// errors. Anything else is left for the next cycle.
func (a *App) coverFailed(ctx context.Context, progress strategy.CoverProgress, err error) error {
	if ctx.Err() != nil {
		return err
	}
	a.metrics.CoversFailed.Inc()
	if errors.Is(err, exec.ErrAuthentication) {
		a.haltSymbol(ctx, progress.Symbol, err)
	}
	return err
}

func (a *App) haltSymbol(ctx context.Context, symbol string, cause error) {
	reason := cause.Error()
	a.shared.Halt(symbol, reason)
	a.metrics.Halts.Inc()
	a.log.Error("symbol halted", zap.String("symbol", symbol), zap.Error(cause))
	a.notify(ctx, fmt.Sprintf("HALTED %s: %s (send /resume after fixing)", symbol, reason))
}
