package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"spread-hedge-bot/internal/config"
)

const writeTimeout = 3 * time.Second

// SpreadSample is one join of both venues' top of book.
type SpreadSample struct {
	Time           time.Time
	Symbol         string
	GRVTBid        float64
	GRVTAsk        float64
	VariationalBid float64
	VariationalAsk float64
	OpenSpread     float64
	CloseSpread    float64
}

// Execution is one filled leg: a GRVT entry fill or a Variational cover.
type Execution struct {
	Time           time.Time
	Symbol         string
	Venue          string
	Leg            string
	Direction      string
	Side           string
	OrderID        string
	EntryOrderID   string
	Qty            float64
	Price          float64
	ReferencePrice float64
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	spreads     chan SpreadSample
	executions  chan Execution
	started     atomic.Bool
	dropSpread  atomic.Uint64
	dropExecute atomic.Uint64
}

// New opens the journal. It returns nil, nil when the journal is disabled;
// every method is safe on a nil *Writer.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	writer := &Writer{
		db:         db,
		log:        log,
		schema:     schema,
		spreads:    make(chan SpreadSample, queueSize),
		executions: make(chan Execution, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

// Run drains both queues until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("timescale writer already running")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case sample := <-w.spreads:
			w.writeSpread(ctx, sample)
		case exe := <-w.executions:
			w.writeExecution(ctx, exe)
		}
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// EnqueueSpread never blocks; samples are dropped when the queue is full.
func (w *Writer) EnqueueSpread(sample SpreadSample) {
	if w == nil {
		return
	}
	select {
	case w.spreads <- sample:
	default:
		if w.dropSpread.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale spread queue full")
		}
	}
}

func (w *Writer) EnqueueExecution(exe Execution) {
	if w == nil {
		return
	}
	select {
	case w.executions <- exe:
	default:
		if w.dropExecute.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale execution queue full")
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		grvt_bid DOUBLE PRECISION NOT NULL,
		grvt_ask DOUBLE PRECISION NOT NULL,
		variational_bid DOUBLE PRECISION NOT NULL,
		variational_ask DOUBLE PRECISION NOT NULL,
		open_spread DOUBLE PRECISION NOT NULL,
		close_spread DOUBLE PRECISION NOT NULL
	)`, w.table("spread_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		venue TEXT NOT NULL,
		leg TEXT NOT NULL,
		direction TEXT NOT NULL,
		side TEXT NOT NULL,
		order_id TEXT NOT NULL,
		entry_order_id TEXT NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		reference_price DOUBLE PRECISION NOT NULL
	)`, w.table("executions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, name := range []string{"spread_samples", "executions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSpread(ctx context.Context, s SpreadSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, grvt_bid, grvt_ask, variational_bid, variational_ask, open_spread, close_spread
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("spread_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		s.Time, s.Symbol, s.GRVTBid, s.GRVTAsk, s.VariationalBid, s.VariationalAsk, s.OpenSpread, s.CloseSpread,
	); err != nil && w.log != nil {
		w.log.Warn("timescale spread insert failed", zap.Error(err))
	}
}

func (w *Writer) writeExecution(ctx context.Context, e Execution) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, venue, leg, direction, side, order_id, entry_order_id, qty, price, reference_price
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, w.table("executions"))
	if _, err := w.db.ExecContext(ctx, query,
		e.Time, e.Symbol, e.Venue, e.Leg, e.Direction, e.Side, e.OrderID, e.EntryOrderID, e.Qty, e.Price, e.ReferencePrice,
	); err != nil && w.log != nil {
		w.log.Warn("timescale execution insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
