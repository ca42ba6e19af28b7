package strategy

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMarketStale   = errors.New("market data stale")
	ErrMarketMissing = errors.New("market data missing")
)

// CheckFreshness rejects snapshots that are missing or older than maxAge.
func CheckFreshness(maxAge time.Duration, now time.Time, snaps ...PriceSnapshot) error {
	for _, snap := range snaps {
		if !snap.Valid() {
			return fmt.Errorf("%s snapshot: %w", snap.Venue, ErrMarketMissing)
		}
		age := snap.Age(now)
		if maxAge > 0 && age > maxAge {
			return fmt.Errorf("%s data age %s exceeds %s: %w", snap.Venue, age, maxAge, ErrMarketStale)
		}
	}
	return nil
}
