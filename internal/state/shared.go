package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"spread-hedge-bot/internal/strategy"
)

var (
	ErrReconciliation = errors.New("reconciliation violation")
	ErrEntryOpen      = errors.New("entry order already open")
	ErrHalted         = errors.New("symbol halted")
	ErrUnknownOrder   = errors.New("unknown order")
)

// DefaultEntryRetention is how long a replaced terminal entry stays
// resolvable for late order reports.
const DefaultEntryRetention = 10 * time.Minute

type venueSymbol struct {
	venue  strategy.Venue
	symbol string
}

// Shared is the single mutable owner of prices, orders, positions and cover
// progress. Every exported method is one critical section and returns copies.
type Shared struct {
	mu        sync.Mutex
	epsilon   float64
	retention time.Duration
	now       func() time.Time
	prices    map[venueSymbol]strategy.PriceSnapshot
	positions map[venueSymbol]float64
	orders    map[string]strategy.OrderRecord
	venueIDs  map[string]string
	entries   map[string]string
	retired   []string
	progress  map[string]strategy.CoverProgress
	covers    map[string][]string
	halted    map[string]string
	signals   map[Signal]latch
}

func NewShared(qtyEpsilon float64) *Shared {
	if qtyEpsilon <= 0 {
		qtyEpsilon = 1e-9
	}
	return &Shared{
		epsilon:   qtyEpsilon,
		retention: DefaultEntryRetention,
		now:       time.Now,
		prices:    make(map[venueSymbol]strategy.PriceSnapshot),
		positions: make(map[venueSymbol]float64),
		orders:    make(map[string]strategy.OrderRecord),
		venueIDs:  make(map[string]string),
		entries:   make(map[string]string),
		progress:  make(map[string]strategy.CoverProgress),
		covers:    make(map[string][]string),
		halted:    make(map[string]string),
		signals:   make(map[Signal]latch),
	}
}

// ReadSnapshot returns the latest GRVT and Variational prices for symbol.
func (s *Shared) ReadSnapshot(symbol string) (strategy.PriceSnapshot, strategy.PriceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prices[venueSymbol{strategy.VenueGRVT, symbol}], s.prices[venueSymbol{strategy.VenueVariational, symbol}]
}

// UpdatePrice overwrites the venue snapshot and reports which sides moved.
func (s *Shared) UpdatePrice(snap strategy.PriceSnapshot) (bidChanged, askChanged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := venueSymbol{snap.Venue, snap.Symbol}
	prev := s.prices[key]
	s.prices[key] = snap
	return prev.Bid != snap.Bid, prev.Ask != snap.Ask
}

func (s *Shared) UpsertPosition(venue strategy.Venue, symbol string, delta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := venueSymbol{venue, symbol}
	s.positions[key] += delta
	return s.positions[key]
}

func (s *Shared) Position(venue strategy.Venue, symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[venueSymbol{venue, symbol}]
}

// UpsertOrder stores record. A terminal status is never replaced by a
// non-terminal one.
func (s *Shared) UpsertOrder(record strategy.OrderRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertOrderLocked(record)
}

func (s *Shared) upsertOrderLocked(record strategy.OrderRecord) {
	key := record.Key()
	if prev, ok := s.orders[key]; ok {
		if prev.Status.Terminal() && !record.Status.Terminal() {
			record.Status = prev.Status
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = prev.CreatedAt
		}
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	record.UpdatedAt = s.now()
	s.orders[key] = record
	if record.ID != "" {
		s.venueIDs[record.ID] = key
	}
}

func (s *Shared) Order(key string) (strategy.OrderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.orders[key]
	return rec, ok
}

// Signal raises name. Waiters that are not currently waiting see it on their
// next Wait.
func (s *Shared) Signal(name Signal) {
	s.latchFor(name).raise()
}

// Wait blocks until name is raised, timeout elapses or ctx is done. It
// reports whether the signal was consumed.
func (s *Shared) Wait(ctx context.Context, name Signal, timeout time.Duration) bool {
	return s.latchFor(name).wait(ctx, timeout)
}

func (s *Shared) latchFor(name Signal) latch {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.signals[name]
	if !ok {
		l = newLatch()
		s.signals[name] = l
	}
	return l
}

// BeginEntry registers a new GRVT entry order for its symbol unless another
// entry for the symbol is still working or the symbol is halted.
func (s *Shared) BeginEntry(record strategy.OrderRecord) (strategy.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason, ok := s.halted[record.Symbol]; ok {
		return strategy.OrderRecord{}, fmt.Errorf("%s: %s: %w", record.Symbol, reason, ErrHalted)
	}
	if key, ok := s.entries[record.Symbol]; ok {
		if prev, ok := s.orders[key]; ok && !prev.Status.Terminal() {
			return prev, fmt.Errorf("%s has %s: %w", record.Symbol, key, ErrEntryOpen)
		}
		s.retired = append(s.retired, key)
	}
	s.pruneLocked()
	record.Venue = strategy.VenueGRVT
	record.Status = strategy.OrderNew
	record.FilledQty = 0
	record.AvgPrice = 0
	record.CreatedAt = time.Time{}
	s.upsertOrderLocked(record)
	s.entries[record.Symbol] = record.Key()
	return s.orders[record.Key()], nil
}

// pruneLocked drops replaced entry orders that back no cover work and have
// been quiet for the retention window. Until then a late fill for one of them
// still resolves and creates cover progress.
func (s *Shared) pruneLocked() {
	now := s.now()
	kept := s.retired[:0]
	for _, key := range s.retired {
		rec, ok := s.orders[key]
		if !ok {
			continue
		}
		if _, busy := s.progress[key]; busy || now.Sub(rec.UpdatedAt) < s.retention {
			kept = append(kept, key)
			continue
		}
		delete(s.orders, key)
		if rec.ID != "" {
			delete(s.venueIDs, rec.ID)
		}
	}
	s.retired = kept
}

// OpenEntry returns the working entry order for symbol, if any.
func (s *Shared) OpenEntry(symbol string) (strategy.OrderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.entries[symbol]
	if !ok {
		return strategy.OrderRecord{}, false
	}
	rec, ok := s.orders[key]
	if !ok || rec.Status.Terminal() {
		return strategy.OrderRecord{}, false
	}
	return rec, true
}

// LastEntry returns the most recent entry order for symbol, terminal or not.
func (s *Shared) LastEntry(symbol string) (strategy.OrderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.entries[symbol]
	if !ok {
		return strategy.OrderRecord{}, false
	}
	rec, ok := s.orders[key]
	return rec, ok
}

func (s *Shared) BindOrderID(key, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.orders[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrUnknownOrder)
	}
	if orderID == "" || rec.ID == orderID {
		return nil
	}
	rec.ID = orderID
	rec.UpdatedAt = s.now()
	s.orders[key] = rec
	s.venueIDs[orderID] = key
	return nil
}

// MarkRejected finalizes an order the venue never accepted.
func (s *Shared) MarkRejected(key string) {
	s.finalize(key, strategy.OrderRejected)
}

// MarkCancelled finalizes an order after a successful cancel request. Fills
// reported later are still applied.
func (s *Shared) MarkCancelled(key string) {
	s.finalize(key, strategy.OrderCancelled)
}

func (s *Shared) finalize(key string, status strategy.OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.orders[key]
	if !ok || rec.Status.Terminal() {
		return
	}
	if status == strategy.OrderCancelled && rec.FilledQty >= rec.RequestedQty-s.epsilon && rec.FilledQty > 0 {
		status = strategy.OrderFilled
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	s.orders[key] = rec
}

// FillResult describes the effect of one order update.
type FillResult struct {
	Order    strategy.OrderRecord
	Progress strategy.CoverProgress
	Delta    float64
	// Filled is true when cumulative filled quantity increased.
	Filled bool
	// Finished is true when this update moved the order to a terminal status.
	Finished bool
	// Settled is true when the order finished with nothing left to cover and
	// its progress entry has been dropped.
	Settled bool
}

// ApplyOrderUpdate folds a cumulative venue order report into the order
// record, the GRVT position and the entry's cover progress. Replaying an
// update whose filled quantity was already seen changes nothing.
func (s *Shared) ApplyOrderUpdate(update strategy.OrderUpdate) (FillResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := update.ClientOrderID
	if _, ok := s.orders[key]; !ok || key == "" {
		key = s.venueIDs[update.OrderID]
	}
	rec, ok := s.orders[key]
	if !ok {
		return FillResult{}, fmt.Errorf("order %s/%s: %w", update.OrderID, update.ClientOrderID, ErrUnknownOrder)
	}
	if rec.ID == "" && update.OrderID != "" {
		rec.ID = update.OrderID
		s.venueIDs[update.OrderID] = key
	}

	result := FillResult{}
	if delta := update.FilledQty - rec.FilledQty; delta > s.epsilon {
		rec.FilledQty = update.FilledQty
		if update.AvgPrice > 0 {
			rec.AvgPrice = update.AvgPrice
		}
		pos := venueSymbol{rec.Venue, rec.Symbol}
		s.positions[pos] += rec.Side.Sign() * delta
		progress, ok := s.progress[key]
		if !ok {
			progress = strategy.CoverProgress{
				EntryOrderID:   key,
				Symbol:         rec.Symbol,
				EntrySide:      rec.Side,
				Direction:      rec.Direction,
				ReferencePrice: rec.ReferencePrice,
			}
		}
		progress.FilledQtySeen = rec.FilledQty
		progress.UpdatedAtMS = s.now().UnixMilli()
		s.progress[key] = progress
		result.Delta = delta
		result.Filled = true
	}

	if !rec.Status.Terminal() {
		status := update.Status
		if status == "" || status == strategy.OrderNew {
			if rec.FilledQty > 0 {
				status = strategy.OrderPartiallyFilled
			} else {
				status = rec.Status
			}
		}
		if status == strategy.OrderCancelled && rec.FilledQty >= rec.RequestedQty-s.epsilon && rec.FilledQty > 0 {
			status = strategy.OrderFilled
		}
		rec.Status = status
		result.Finished = status.Terminal()
	}
	rec.UpdatedAt = s.now()
	s.orders[key] = rec
	result.Order = rec
	result.Progress = s.progress[key]
	if progress, ok := s.progress[key]; ok && result.Finished && !result.Filled && progress.Uncovered() <= s.epsilon && progress.Uncovered() >= -s.epsilon {
		s.dropProgressLocked(key)
		result.Settled = true
	}
	return result, nil
}

func (s *Shared) dropProgressLocked(entryOrderID string) {
	delete(s.progress, entryOrderID)
	for _, key := range s.covers[entryOrderID] {
		if rec, ok := s.orders[key]; ok && rec.ID != "" {
			delete(s.venueIDs, rec.ID)
		}
		delete(s.orders, key)
	}
	delete(s.covers, entryOrderID)
}

// CoverResult describes the effect of one Variational fill.
type CoverResult struct {
	Progress strategy.CoverProgress
	// Done is true when the entry is terminal and fully covered; the progress
	// entry has been dropped.
	Done bool
}

// ApplyCover records filled quantity of a Variational hedge for the given
// entry. Covering more than the entry filled halts the symbol.
func (s *Shared) ApplyCover(entryOrderID string, cover strategy.OrderRecord, filled float64) (CoverResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	progress, ok := s.progress[entryOrderID]
	if !ok {
		return CoverResult{}, fmt.Errorf("cover progress %s: %w", entryOrderID, ErrUnknownOrder)
	}
	cover.Venue = strategy.VenueVariational
	if cover.Symbol == "" {
		cover.Symbol = progress.Symbol
	}
	s.upsertOrderLocked(cover)
	s.covers[entryOrderID] = append(s.covers[entryOrderID], cover.Key())
	if filled > 0 {
		progress.CoveredQty += filled
		s.positions[venueSymbol{strategy.VenueVariational, progress.Symbol}] += cover.Side.Sign() * filled
	}
	progress.UpdatedAtMS = s.now().UnixMilli()
	s.progress[entryOrderID] = progress
	if progress.CoveredQty > progress.FilledQtySeen+s.epsilon {
		s.halted[progress.Symbol] = "covered exceeds filled"
		return CoverResult{Progress: progress}, fmt.Errorf("%s covered %.8f > filled %.8f: %w",
			entryOrderID, progress.CoveredQty, progress.FilledQtySeen, ErrReconciliation)
	}
	result := CoverResult{Progress: progress}
	if progress.Uncovered() <= s.epsilon {
		if rec, ok := s.orders[entryOrderID]; !ok || rec.Status.Terminal() {
			s.dropProgressLocked(entryOrderID)
			result.Done = true
		}
	}
	return result, nil
}

// CheckProgress reports a reconciliation violation for an entry without
// touching quantities.
func (s *Shared) CheckProgress(entryOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	progress, ok := s.progress[entryOrderID]
	if !ok {
		return nil
	}
	if progress.CoveredQty > progress.FilledQtySeen+s.epsilon {
		s.halted[progress.Symbol] = "covered exceeds filled"
		return fmt.Errorf("%s covered %.8f > filled %.8f: %w",
			entryOrderID, progress.CoveredQty, progress.FilledQtySeen, ErrReconciliation)
	}
	return nil
}

// Outstanding lists cover progress entries with uncovered quantity.
func (s *Shared) Outstanding() []strategy.CoverProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]strategy.CoverProgress, 0, len(s.progress))
	for _, p := range s.progress {
		if p.Uncovered() > s.epsilon || p.Uncovered() < -s.epsilon {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryOrderID < out[j].EntryOrderID })
	return out
}

func (s *Shared) Progress(entryOrderID string) (strategy.CoverProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[entryOrderID]
	return p, ok
}

// RestoreProgress loads persisted progress at startup. Existing entries win.
func (s *Shared) RestoreProgress(list []strategy.CoverProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range list {
		if p.EntryOrderID == "" {
			continue
		}
		if _, ok := s.progress[p.EntryOrderID]; ok {
			continue
		}
		s.progress[p.EntryOrderID] = p
	}
}

func (s *Shared) Halt(symbol, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted[symbol] = reason
}

func (s *Shared) Resume(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.halted[symbol]
	delete(s.halted, symbol)
	return ok
}

func (s *Shared) Halted(symbol string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.halted[symbol]
	return reason, ok
}

// View is a point-in-time copy of everything known about one symbol.
type View struct {
	Symbol      string
	GRVT        strategy.PriceSnapshot
	Variational strategy.PriceSnapshot
	PositionA   float64
	PositionB   float64
	Entry       *strategy.OrderRecord
	Progress    []strategy.CoverProgress
	HaltReason  string
}

func (s *Shared) View(symbol string) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := View{
		Symbol:      symbol,
		GRVT:        s.prices[venueSymbol{strategy.VenueGRVT, symbol}],
		Variational: s.prices[venueSymbol{strategy.VenueVariational, symbol}],
		PositionA:   s.positions[venueSymbol{strategy.VenueGRVT, symbol}],
		PositionB:   s.positions[venueSymbol{strategy.VenueVariational, symbol}],
		HaltReason:  s.halted[symbol],
	}
	if key, ok := s.entries[symbol]; ok {
		if rec, ok := s.orders[key]; ok {
			entry := rec
			view.Entry = &entry
		}
	}
	for _, p := range s.progress {
		if p.Symbol == symbol {
			view.Progress = append(view.Progress, p)
		}
	}
	sort.Slice(view.Progress, func(i, j int) bool { return view.Progress[i].EntryOrderID < view.Progress[j].EntryOrderID })
	return view
}
