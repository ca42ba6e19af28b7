package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"spread-hedge-bot/internal/strategy"
)

const (
	ChainIDMainnet int64 = 325
	ChainIDTestnet int64 = 326
)

type Config struct {
	Log         LoggingConfig     `yaml:"log"`
	GRVT        GRVTConfig        `yaml:"grvt"`
	Variational VariationalConfig `yaml:"variational"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Retry       RetryConfig       `yaml:"retry"`
	State       StateConfig       `yaml:"state"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Timescale   TimescaleConfig   `yaml:"timescale"`
	Telegram    TelegramConfig    `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type GRVTConfig struct {
	// Env selects default endpoints and chain id: "prod" or "testnet".
	Env            string        `yaml:"env"`
	TradeURL       string        `yaml:"trade_url"`
	MarketDataURL  string        `yaml:"market_data_url"`
	AuthURL        string        `yaml:"auth_url"`
	MarketWSURL    string        `yaml:"market_ws_url"`
	TradeWSURL     string        `yaml:"trade_ws_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	Timeout        time.Duration `yaml:"timeout"`
	OrderTTL       time.Duration `yaml:"order_ttl"`
	ChainID        int64         `yaml:"chain_id"`
	EventBuffer    int           `yaml:"event_buffer"`
	TickerRateMS   int           `yaml:"ticker_rate_ms"`

	APIKey       string `yaml:"-"`
	PrivateKey   string `yaml:"-"`
	SubAccountID string `yaml:"-"`
}

type VariationalConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	Cookie string `yaml:"-"`
}

type StrategyConfig struct {
	Symbol               string              `yaml:"symbol"`
	Instrument           strategy.Instrument `yaml:"instrument"`
	OrderQty             float64             `yaml:"order_qty"`
	EntryThreshold       float64             `yaml:"entry_threshold"`
	ExitThreshold        float64             `yaml:"exit_threshold"`
	ExitEnabled          bool                `yaml:"exit_enabled"`
	PriceChangeTolerance float64             `yaml:"price_change_tolerance"`
	MaxSlippage          float64             `yaml:"max_slippage"`
	StalenessTimeout     time.Duration       `yaml:"staleness_timeout"`
	PollInterval         time.Duration       `yaml:"poll_interval"`
	RecheckInterval      time.Duration       `yaml:"recheck_interval"`
	ReconcileInterval    time.Duration       `yaml:"reconcile_interval"`
	OrderTimeout         time.Duration       `yaml:"order_timeout"`
	QtyEpsilon           float64             `yaml:"qty_epsilon"`
}

// Thresholds returns the immutable decision parameters.
func (s StrategyConfig) Thresholds() strategy.Thresholds {
	return strategy.Thresholds{
		Entry:                s.EntryThreshold,
		Exit:                 s.ExitThreshold,
		ExitEnabled:          s.ExitEnabled,
		PriceChangeTolerance: s.PriceChangeTolerance,
		MaxSlippage:          s.MaxSlippage,
		Staleness:            s.StalenessTimeout,
		OrderQty:             s.OrderQty,
		QtyEpsilon:           s.QtyEpsilon,
	}
}

type RetryConfig struct {
	NetworkRetries   *int          `yaml:"network_retries"`
	ServerRetries    *int          `yaml:"server_retries"`
	RateLimitRetries *int          `yaml:"rate_limit_retries"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	Jitter           *float64      `yaml:"jitter"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled    *bool  `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// SpreadSampleInterval throttles the spread journal.
	SpreadSampleInterval time.Duration `yaml:"spread_sample_interval"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	applyGRVTDefaults(&cfg.GRVT)
	if cfg.Variational.BaseURL == "" {
		cfg.Variational.BaseURL = "https://omni.variational.io"
	}
	if cfg.Variational.Timeout == 0 {
		cfg.Variational.Timeout = 5 * time.Second
	}

	s := &cfg.Strategy
	if s.Instrument.Underlying == "" && s.Symbol != "" {
		base, _, _ := strings.Cut(s.Symbol, "_")
		s.Instrument.Underlying = base
	}
	if s.Instrument.SettlementAsset == "" {
		s.Instrument.SettlementAsset = "USDC"
	}
	if s.Instrument.InstrumentType == "" {
		s.Instrument.InstrumentType = "perpetual_future"
	}
	if s.Instrument.FundingIntervalS == 0 {
		s.Instrument.FundingIntervalS = 3600
	}
	if s.OrderQty == 0 {
		s.OrderQty = 0.001
	}
	if s.EntryThreshold == 0 {
		s.EntryThreshold = 0.00075
	}
	if s.PriceChangeTolerance == 0 {
		s.PriceChangeTolerance = 0.01
	}
	if s.MaxSlippage == 0 {
		s.MaxSlippage = 0.005
	}
	if s.StalenessTimeout == 0 {
		s.StalenessTimeout = 2 * time.Second
	}
	if s.PollInterval == 0 {
		s.PollInterval = 100 * time.Millisecond
	}
	if s.RecheckInterval == 0 {
		s.RecheckInterval = 500 * time.Millisecond
	}
	if s.ReconcileInterval == 0 {
		s.ReconcileInterval = 2 * time.Second
	}
	if s.OrderTimeout == 0 {
		s.OrderTimeout = 60 * time.Second
	}
	if s.QtyEpsilon == 0 {
		s.QtyEpsilon = 1e-9
	}

	r := &cfg.Retry
	if r.NetworkRetries == nil {
		r.NetworkRetries = intPtr(3)
	}
	if r.ServerRetries == nil {
		r.ServerRetries = intPtr(2)
	}
	if r.RateLimitRetries == nil {
		r.RateLimitRetries = intPtr(5)
	}
	if r.BackoffBase == 0 {
		r.BackoffBase = time.Second
	}
	if r.BackoffCap == 0 {
		r.BackoffCap = 60 * time.Second
	}
	if r.Jitter == nil {
		jitter := 0.1
		r.Jitter = &jitter
	}
	if r.CallTimeout == 0 {
		r.CallTimeout = 5 * time.Second
	}

	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/spread-hedge-bot.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = "127.0.0.1:9102"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 1024
	}
	if cfg.Timescale.SpreadSampleInterval == 0 {
		cfg.Timescale.SpreadSampleInterval = time.Second
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyGRVTDefaults(g *GRVTConfig) {
	if g.Env == "" {
		g.Env = "prod"
	}
	host := "grvt.io"
	chainID := ChainIDMainnet
	if strings.EqualFold(g.Env, "testnet") {
		host = "testnet.grvt.io"
		chainID = ChainIDTestnet
	}
	if g.TradeURL == "" {
		g.TradeURL = "https://trades." + host
	}
	if g.MarketDataURL == "" {
		g.MarketDataURL = "https://market-data." + host
	}
	if g.AuthURL == "" {
		g.AuthURL = "https://edge." + host
	}
	if g.MarketWSURL == "" {
		g.MarketWSURL = "wss://market-data." + host + "/ws/full"
	}
	if g.TradeWSURL == "" {
		g.TradeWSURL = "wss://trades." + host + "/ws/full"
	}
	if g.ChainID == 0 {
		g.ChainID = chainID
	}
	if g.ReconnectDelay == 0 {
		g.ReconnectDelay = 3 * time.Second
	}
	if g.PingInterval == 0 {
		g.PingInterval = 20 * time.Second
	}
	if g.Timeout == 0 {
		g.Timeout = 10 * time.Second
	}
	if g.OrderTTL == 0 {
		g.OrderTTL = 5 * time.Minute
	}
	if g.EventBuffer == 0 {
		g.EventBuffer = 1024
	}
	if g.TickerRateMS == 0 {
		g.TickerRateMS = 100
	}
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	if s.Symbol == "" {
		return errors.New("strategy.symbol is required")
	}
	if s.Instrument.Underlying == "" {
		return errors.New("strategy.instrument.underlying is required")
	}
	if s.OrderQty <= 0 {
		return errors.New("strategy.order_qty must be > 0")
	}
	if s.EntryThreshold <= 0 {
		return errors.New("strategy.entry_threshold must be > 0")
	}
	if math.IsNaN(s.ExitThreshold) || math.IsInf(s.ExitThreshold, 0) {
		return errors.New("strategy.exit_threshold must be finite")
	}
	if s.PriceChangeTolerance < 0 {
		return errors.New("strategy.price_change_tolerance must be >= 0")
	}
	if s.MaxSlippage <= 0 || s.MaxSlippage >= 1 {
		return errors.New("strategy.max_slippage must be in (0, 1)")
	}
	if s.StalenessTimeout < 0 || s.PollInterval < 0 || s.RecheckInterval < 0 ||
		s.ReconcileInterval < 0 || s.OrderTimeout < 0 {
		return errors.New("strategy intervals must be >= 0")
	}
	if s.QtyEpsilon < 0 || s.QtyEpsilon >= s.OrderQty {
		return errors.New("strategy.qty_epsilon must be >= 0 and below order_qty")
	}
	r := cfg.Retry
	if *r.NetworkRetries < 0 || *r.ServerRetries < 0 || *r.RateLimitRetries < 0 {
		return errors.New("retry counts must be >= 0")
	}
	if r.BackoffBase < 0 || r.BackoffCap < r.BackoffBase {
		return errors.New("retry.backoff_cap must be >= retry.backoff_base >= 0")
	}
	if *r.Jitter < 0 || *r.Jitter > 1 {
		return errors.New("retry.jitter must be in [0, 1]")
	}
	if cfg.GRVT.ChainID != ChainIDMainnet && cfg.GRVT.ChainID != ChainIDTestnet {
		return fmt.Errorf("grvt.chain_id %d is not a GRVT chain", cfg.GRVT.ChainID)
	}
	if cfg.GRVT.EventBuffer < 0 {
		return errors.New("grvt.event_buffer must be >= 0")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	return nil
}

func intPtr(v int) *int {
	return &v
}
