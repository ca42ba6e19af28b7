package metrics

import (
	"spread-hedge-bot/internal/exec"
	"spread-hedge-bot/internal/strategy"
)

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	EntriesSubmitted Counter
	EntriesRejected  Counter
	EntriesCancelled Counter
	CoversPlaced     Counter
	CoversFailed     Counter
	Requotes         Counter
	StaleSkips       Counter
	Halts            Counter

	OpenSpread          Gauge
	CloseSpread         Gauge
	PositionGRVT        Gauge
	PositionVariational Gauge

	retry func(op string, class exec.Class)
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		EntriesSubmitted:    c,
		EntriesRejected:     c,
		EntriesCancelled:    c,
		CoversPlaced:        c,
		CoversFailed:        c,
		Requotes:            c,
		StaleSkips:          c,
		Halts:               c,
		OpenSpread:          g,
		CloseSpread:         g,
		PositionGRVT:        g,
		PositionVariational: g,
	}
}

// IncRetry counts a scheduled retry of op.
func (m *Metrics) IncRetry(op string, class exec.Class) {
	if m.retry != nil {
		m.retry(op, class)
	}
}

func (m *Metrics) ObserveSpread(_, _ strategy.PriceSnapshot, open, close float64) {
	m.OpenSpread.Set(open)
	m.CloseSpread.Set(close)
}

func (m *Metrics) ObservePositions(grvt, variational float64) {
	m.PositionGRVT.Set(grvt)
	m.PositionVariational.Set(variational)
}
