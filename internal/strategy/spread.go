package strategy

import "math"

// OpenSpread is the relative edge of selling on GRVT at its bid and buying
// the hedge on Variational at its ask.
func OpenSpread(a, b PriceSnapshot) float64 {
	if a.Bid <= 0 || b.Ask <= 0 {
		return 0
	}
	return (a.Bid - b.Ask) / b.Ask
}

// CloseSpread is the relative edge of buying back on GRVT at its ask and
// selling the hedge on Variational at its bid.
func CloseSpread(a, b PriceSnapshot) float64 {
	if a.Ask <= 0 || b.Bid <= 0 {
		return 0
	}
	return (b.Bid - a.Ask) / a.Ask
}

// Decision is what the entry loop should do for one evaluation.
type Decision struct {
	Direction Direction
	Side      Side
	Qty       float64
	Price     float64
	Spread    float64
	// ReferencePrice is the Variational price the hedge is expected to trade at.
	ReferencePrice float64
}

// Decide evaluates both snapshots against the thresholds. position is the
// signed GRVT position; a short position enables the close direction.
func Decide(t Thresholds, a, b PriceSnapshot, position float64) (Decision, bool) {
	if position > -t.QtyEpsilon {
		spread := OpenSpread(a, b)
		if t.Entry > 0 && spread >= t.Entry && t.OrderQty > 0 {
			return Decision{
				Direction:      DirectionOpen,
				Side:           SideSell,
				Qty:            t.OrderQty,
				Price:          a.Bid,
				Spread:         spread,
				ReferencePrice: b.Ask,
			}, true
		}
		return Decision{}, false
	}
	if !t.ExitEnabled {
		return Decision{}, false
	}
	spread := CloseSpread(a, b)
	if spread < t.Exit {
		return Decision{}, false
	}
	qty := math.Abs(position)
	if t.OrderQty > 0 && qty > t.OrderQty {
		qty = t.OrderQty
	}
	return Decision{
		Direction:      DirectionClose,
		Side:           SideBuy,
		Qty:            qty,
		Price:          a.Ask,
		Spread:         spread,
		ReferencePrice: b.Bid,
	}, true
}

// Crossed reports whether either direction is currently actionable, ignoring
// position. Ingestion uses it to decide whether to raise spread_crossed.
func Crossed(t Thresholds, a, b PriceSnapshot) bool {
	if t.Entry > 0 && OpenSpread(a, b) >= t.Entry {
		return true
	}
	return t.ExitEnabled && CloseSpread(a, b) >= t.Exit
}

// PriceMoved reports whether current deviates from reference by more than
// tolerance, relative to reference.
func PriceMoved(reference, current, tolerance float64) bool {
	if reference <= 0 || current <= 0 {
		return false
	}
	return math.Abs(current-reference)/reference > tolerance
}
