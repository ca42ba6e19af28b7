package strategy

import (
	"math"
	"time"
)

type State string

type Event string

const (
	StateIdle      State = "IDLE"
	StatePending   State = "PENDING"
	StateFilled    State = "FILLED"
	StateCancelled State = "CANCELLED"
)

const (
	EventSubmit Event = "SUBMIT"
	EventFilled Event = "FILLED"
	EventCancel Event = "CANCEL"
	EventReject Event = "REJECT"
)

type Venue string

const (
	VenueGRVT        Venue = "grvt"
	VenueVariational Venue = "variational"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// Direction tells whether an entry order opens a new spread position or
// unwinds an existing one.
type Direction string

const (
	DirectionOpen  Direction = "open"
	DirectionClose Direction = "close"
)

type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// Instrument identifies a Variational product.
type Instrument struct {
	Underlying       string `yaml:"underlying" json:"underlying"`
	SettlementAsset  string `yaml:"settlement_asset" json:"settlement_asset"`
	InstrumentType   string `yaml:"instrument_type" json:"instrument_type"`
	FundingIntervalS int    `yaml:"funding_interval_s" json:"funding_interval_s"`
}

type PriceSnapshot struct {
	Venue     Venue
	Symbol    string
	Bid       float64
	Ask       float64
	Mid       float64
	Spread    float64
	Timestamp time.Time
}

func NewPriceSnapshot(venue Venue, symbol string, bid, ask float64, ts time.Time) PriceSnapshot {
	return PriceSnapshot{
		Venue:     venue,
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Mid:       (bid + ask) / 2,
		Spread:    ask - bid,
		Timestamp: ts,
	}
}

func (p PriceSnapshot) Valid() bool {
	return !p.Timestamp.IsZero() && p.Bid > 0 && p.Ask > 0
}

func (p PriceSnapshot) Age(now time.Time) time.Duration {
	if p.Timestamp.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(p.Timestamp)
}

type OrderRecord struct {
	ID             string
	ClientOrderID  string
	Venue          Venue
	Symbol         string
	Side           Side
	Direction      Direction
	RequestedQty   float64
	FilledQty      float64
	AvgPrice       float64
	LimitPrice     float64
	ReferencePrice float64
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Key is the identifier the shared store indexes orders by. Client order ids
// are assigned before submission, so they are known before the venue id.
func (o OrderRecord) Key() string {
	if o.ClientOrderID != "" {
		return o.ClientOrderID
	}
	return o.ID
}

type CoverProgress struct {
	EntryOrderID   string    `msgpack:"entry_order_id"`
	Symbol         string    `msgpack:"symbol"`
	EntrySide      Side      `msgpack:"entry_side"`
	Direction      Direction `msgpack:"direction"`
	ReferencePrice float64   `msgpack:"reference_price"`
	FilledQtySeen  float64   `msgpack:"filled_qty_seen"`
	CoveredQty     float64   `msgpack:"covered_qty"`
	UpdatedAtMS    int64     `msgpack:"updated_at_ms"`
}

func (c CoverProgress) Uncovered() float64 {
	return c.FilledQtySeen - c.CoveredQty
}

// CoverSide is the Variational side that neutralizes the entry leg.
func (c CoverProgress) CoverSide() Side {
	return c.EntrySide.Opposite()
}

type Thresholds struct {
	Entry                float64
	Exit                 float64
	ExitEnabled          bool
	PriceChangeTolerance float64
	MaxSlippage          float64
	Staleness            time.Duration
	OrderQty             float64
	QtyEpsilon           float64
}

// OrderUpdate is a venue report of an order's cumulative state.
type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        OrderStatus
	FilledQty     float64
	AvgPrice      float64
	Timestamp     time.Time
}

// Quote is a Variational indicative quote for a given quantity.
type Quote struct {
	QuoteID    string
	Bid        float64
	Ask        float64
	MarkPrice  float64
	IndexPrice float64
	Qty        float64
	Timestamp  time.Time
}

// Price returns the side of the quote a taker trades against.
func (q Quote) Price(side Side) float64 {
	if side == SideBuy {
		return q.Ask
	}
	return q.Bid
}
