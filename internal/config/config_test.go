package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{Strategy: StrategyConfig{Symbol: "BTC_USDT_Perp"}}
}

func TestStrategyDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	s := cfg.Strategy
	if s.Instrument.Underlying != "BTC" {
		t.Fatalf("expected underlying derived from symbol, got %q", s.Instrument.Underlying)
	}
	if s.Instrument.SettlementAsset != "USDC" || s.Instrument.InstrumentType != "perpetual_future" || s.Instrument.FundingIntervalS != 3600 {
		t.Fatalf("unexpected instrument defaults: %+v", s.Instrument)
	}
	if s.OrderQty != 0.001 {
		t.Fatalf("expected order qty default, got %v", s.OrderQty)
	}
	if s.EntryThreshold != 0.00075 {
		t.Fatalf("expected entry threshold default, got %v", s.EntryThreshold)
	}
	if s.MaxSlippage != 0.005 {
		t.Fatalf("expected max slippage default, got %v", s.MaxSlippage)
	}
	if s.PriceChangeTolerance != 0.01 {
		t.Fatalf("expected price change tolerance default, got %v", s.PriceChangeTolerance)
	}
	if s.StalenessTimeout <= 0 || s.PollInterval <= 0 || s.RecheckInterval <= 0 || s.ReconcileInterval <= 0 || s.OrderTimeout <= 0 {
		t.Fatalf("expected interval defaults, got %+v", s)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected defaults to validate: %v", err)
	}
}

func TestRetryDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	r := cfg.Retry
	if *r.NetworkRetries != 3 || *r.ServerRetries != 2 || *r.RateLimitRetries != 5 {
		t.Fatalf("unexpected retry counts: %d %d %d", *r.NetworkRetries, *r.ServerRetries, *r.RateLimitRetries)
	}
	if r.BackoffBase != time.Second || r.BackoffCap != 60*time.Second {
		t.Fatalf("unexpected backoff bounds: %v %v", r.BackoffBase, r.BackoffCap)
	}
	if *r.Jitter != 0.1 {
		t.Fatalf("unexpected jitter %v", *r.Jitter)
	}
}

func TestRetryExplicitZeroKept(t *testing.T) {
	cfg := baseConfig()
	cfg.Retry.ServerRetries = intPtr(0)
	applyDefaults(cfg)
	if *cfg.Retry.ServerRetries != 0 {
		t.Fatalf("expected explicit zero retries to survive defaults")
	}
}

func TestGRVTDefaultsByEnv(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	if cfg.GRVT.ChainID != ChainIDMainnet {
		t.Fatalf("expected mainnet chain id, got %d", cfg.GRVT.ChainID)
	}
	if cfg.GRVT.TradeURL != "https://trades.grvt.io" {
		t.Fatalf("unexpected trade url %q", cfg.GRVT.TradeURL)
	}

	testnet := baseConfig()
	testnet.GRVT.Env = "testnet"
	applyDefaults(testnet)
	if testnet.GRVT.ChainID != ChainIDTestnet {
		t.Fatalf("expected testnet chain id, got %d", testnet.GRVT.ChainID)
	}
	if testnet.GRVT.MarketWSURL != "wss://market-data.testnet.grvt.io/ws/full" {
		t.Fatalf("unexpected testnet ws url %q", testnet.GRVT.MarketWSURL)
	}
}

func TestMetricsDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	if !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled default")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestValidateRequiresSymbol(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing symbol")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"negative tolerance":  func(c *Config) { c.Strategy.PriceChangeTolerance = -0.1 },
		"slippage above one":  func(c *Config) { c.Strategy.MaxSlippage = 1.5 },
		"negative order qty":  func(c *Config) { c.Strategy.OrderQty = -1 },
		"negative interval":   func(c *Config) { c.Strategy.OrderTimeout = -time.Second },
		"negative retries":    func(c *Config) { c.Retry.NetworkRetries = intPtr(-1) },
		"cap below base":      func(c *Config) { c.Retry.BackoffCap = time.Millisecond },
		"unknown chain":       func(c *Config) { c.GRVT.ChainID = 1 },
		"metrics path":        func(c *Config) { c.Metrics.Path = "metrics" },
		"timescale no dsn":    func(c *Config) { c.Timescale.Enabled = true },
		"operator no alerts":  func(c *Config) { c.Telegram.OperatorEnabled = true },
		"epsilon above order": func(c *Config) { c.Strategy.QtyEpsilon = 1 },
	}
	for name, mutate := range cases {
		cfg := baseConfig()
		applyDefaults(cfg)
		mutate(cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestThresholds(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy.ExitEnabled = true
	cfg.Strategy.ExitThreshold = -0.00068
	applyDefaults(cfg)
	th := cfg.Strategy.Thresholds()
	if th.Entry != 0.00075 || th.Exit != -0.00068 || !th.ExitEnabled {
		t.Fatalf("unexpected thresholds %+v", th)
	}
	if th.Staleness != cfg.Strategy.StalenessTimeout || th.OrderQty != cfg.Strategy.OrderQty {
		t.Fatalf("thresholds not copied from strategy config: %+v", th)
	}
}

func TestLoadReadsYAMLAndSecrets(t *testing.T) {
	t.Setenv("GRVT_API_KEY", "key")
	t.Setenv("GRVT_PRIVATE_KEY", "0xabc")
	t.Setenv("GRVT_TRADING_ACCOUNT_ID", "123")
	t.Setenv("VARIATIONAL_COOKIE", "cookie")
	t.Setenv("TELEGRAM_TOKEN", "tg")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log:
  level: debug
grvt:
  env: testnet
strategy:
  symbol: ETH_USDT_Perp
  order_qty: 0.01
  entry_threshold: 0.001
  exit_enabled: true
  exit_threshold: -0.0005
  staleness_timeout: 1500ms
retry:
  network_retries: 1
telegram:
  enabled: true
  chat_id: "42"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Log.Level)
	}
	if cfg.Strategy.Instrument.Underlying != "ETH" || cfg.Strategy.OrderQty != 0.01 {
		t.Fatalf("unexpected strategy %+v", cfg.Strategy)
	}
	if cfg.Strategy.StalenessTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected staleness %v", cfg.Strategy.StalenessTimeout)
	}
	if *cfg.Retry.NetworkRetries != 1 || *cfg.Retry.ServerRetries != 2 {
		t.Fatalf("unexpected retry config")
	}
	if cfg.GRVT.APIKey != "key" || cfg.GRVT.SubAccountID != "123" || cfg.GRVT.ChainID != ChainIDTestnet {
		t.Fatalf("unexpected grvt config %+v", cfg.GRVT)
	}
	if cfg.Variational.Cookie != "cookie" || cfg.Telegram.Token != "tg" {
		t.Fatalf("expected secrets from env")
	}
}
