package market

import (
	"time"

	"spread-hedge-bot/internal/strategy"
)

type EventKind int

const (
	EventUnknown EventKind = iota
	EventBook
	EventOrder
)

func (k EventKind) String() string {
	switch k {
	case EventBook:
		return "orderbook_update"
	case EventOrder:
		return "order_update"
	}
	return "unknown"
}

// BookUpdate carries top of book for one GRVT instrument.
type BookUpdate struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Event is one message from the GRVT push feed. Exactly one of Book or Order
// is set, according to Kind.
type Event struct {
	Kind  EventKind
	Book  BookUpdate
	Order strategy.OrderUpdate
}

func BookEvent(symbol string, bid, ask float64, ts time.Time) Event {
	return Event{Kind: EventBook, Book: BookUpdate{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: ts}}
}

func OrderEvent(update strategy.OrderUpdate) Event {
	return Event{Kind: EventOrder, Order: update}
}
