package state

import (
	"context"
	"time"
)

// Signal names a wake condition. Raised signals stay set until a waiter
// consumes them; repeated raises coalesce.
type Signal string

const (
	SignalBidChanged    Signal = "bid_changed"
	SignalAskChanged    Signal = "ask_changed"
	SignalSpreadCrossed Signal = "spread_crossed"
	SignalEntryFilled   Signal = "entry_filled"
)

type latch chan struct{}

func newLatch() latch {
	return make(latch, 1)
}

func (l latch) raise() {
	select {
	case l <- struct{}{}:
	default:
	}
}

func (l latch) wait(ctx context.Context, timeout time.Duration) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		select {
		case <-l:
			return true
		case <-ctx.Done():
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
