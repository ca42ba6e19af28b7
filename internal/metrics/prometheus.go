package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spread-hedge-bot/internal/exec"
)

const promNamespace = "spread_hedge_bot"

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	retries  *prometheus.CounterVec
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	p.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "retries_total",
		Help:      "Retries scheduled by the executor, by operation and error class.",
	}, []string{"op", "class"})
	p.registry.MustRegister(p.retries)

	p.Metrics = &Metrics{
		EntriesSubmitted:    p.counter("entries_submitted_total", "Entry orders submitted to GRVT."),
		EntriesRejected:     p.counter("entries_rejected_total", "Entry orders rejected by GRVT or failed to submit."),
		EntriesCancelled:    p.counter("entries_cancelled_total", "Stale entry orders cancelled."),
		CoversPlaced:        p.counter("covers_placed_total", "Variational hedge orders executed."),
		CoversFailed:        p.counter("covers_failed_total", "Variational hedge attempts that failed."),
		Requotes:            p.counter("requotes_total", "Hedge quotes refreshed after the price moved."),
		StaleSkips:          p.counter("stale_skips_total", "Entry evaluations skipped on stale or missing prices."),
		Halts:               p.counter("halts_total", "Symbols halted for authentication or reconciliation failures."),
		OpenSpread:          p.gauge("open_spread", "Latest open spread (grvt bid - variational ask) / variational ask."),
		CloseSpread:         p.gauge("close_spread", "Latest close spread (variational bid - grvt ask) / grvt ask."),
		PositionGRVT:        p.gauge("position_grvt", "Signed GRVT position."),
		PositionVariational: p.gauge("position_variational", "Signed Variational position."),
		retry: func(op string, class exec.Class) {
			p.retries.WithLabelValues(op, string(class)).Inc()
		},
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) gauge(name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(g)
	p.gauges[name] = g
	return g
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
