package market

import (
	"time"

	"spread-hedge-bot/internal/state"
	"spread-hedge-bot/internal/strategy"
)

// SpreadObserver receives every spread computed from two fresh snapshots.
type SpreadObserver interface {
	ObserveSpread(a, b strategy.PriceSnapshot, open, close float64)
}

// Joiner recomputes the cross-venue spread after a price update and raises
// spread_crossed when a threshold is met.
type Joiner struct {
	store      *state.Shared
	thresholds strategy.Thresholds
	observer   SpreadObserver
	now        func() time.Time
}

func NewJoiner(store *state.Shared, thresholds strategy.Thresholds, observer SpreadObserver) *Joiner {
	return &Joiner{store: store, thresholds: thresholds, observer: observer, now: time.Now}
}

// Join reports whether spread_crossed was raised for symbol.
func (j *Joiner) Join(symbol string) bool {
	a, b := j.store.ReadSnapshot(symbol)
	if err := strategy.CheckFreshness(j.thresholds.Staleness, j.now(), a, b); err != nil {
		return false
	}
	open := strategy.OpenSpread(a, b)
	close := strategy.CloseSpread(a, b)
	if j.observer != nil {
		j.observer.ObserveSpread(a, b, open, close)
	}
	if !strategy.Crossed(j.thresholds, a, b) {
		return false
	}
	j.store.Signal(state.SignalSpreadCrossed)
	return true
}
