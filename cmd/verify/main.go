package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"spread-hedge-bot/internal/config"
	"spread-hedge-bot/internal/exec"
	"spread-hedge-bot/internal/grvt"
	"spread-hedge-bot/internal/logging"
	"spread-hedge-bot/internal/strategy"
	"spread-hedge-bot/internal/variational"
)

const defaultVerifyEnvFile = ".env"

// verify checks credentials and connectivity against both venues without
// trading: it resolves the GRVT instrument used for signing and requests one
// Variational indicative quote for the configured order size.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	skipGRVT := flag.Bool("skip-grvt", false, "skip the GRVT instrument lookup")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	qty := cfg.Strategy.OrderQty
	if envVal, ok, err := floatEnv("VERIFY_QTY"); err != nil {
		fatal(err)
	} else if ok {
		qty = envVal
	}
	if qty <= 0 {
		fatal(errors.New("quote qty must be > 0"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if !*skipGRVT {
		signer, err := grvt.NewSigner(cfg.GRVT.PrivateKey, cfg.GRVT.ChainID)
		if err != nil {
			fatal(fmt.Errorf("GRVT_PRIVATE_KEY: %w", err))
		}
		client, err := grvt.NewClient(grvt.ClientConfig{
			TradeURL:      cfg.GRVT.TradeURL,
			MarketDataURL: cfg.GRVT.MarketDataURL,
			AuthURL:       cfg.GRVT.AuthURL,
			APIKey:        cfg.GRVT.APIKey,
			SubAccountID:  cfg.GRVT.SubAccountID,
			Timeout:       cfg.GRVT.Timeout,
			OrderTTL:      cfg.GRVT.OrderTTL,
		}, signer, log)
		if err != nil {
			fatal(err)
		}
		inst, err := client.Instrument(ctx, cfg.Strategy.Symbol)
		if err != nil {
			fatal(fmt.Errorf("grvt instrument: %w", err))
		}
		fmt.Printf("grvt instrument: %s hash=%s base_decimals=%d tick=%s min_size=%s signer=%s\n",
			inst.Symbol, inst.Hash, inst.BaseDecimals, inst.TickSize, inst.MinSize, signer.Address().Hex())
		if _, err := client.SessionHeader(ctx); err != nil {
			fatal(fmt.Errorf("grvt login: %w", err))
		}
		fmt.Println("grvt login: ok")
	}

	varClient, err := variational.New(cfg.Variational.BaseURL, cfg.Variational.Cookie, cfg.Variational.Timeout, log)
	if err != nil {
		fatal(fmt.Errorf("VARIATIONAL_COOKIE: %w", err))
	}
	executor := exec.New(exec.DefaultPolicy(), log)
	quote, err := exec.Call(ctx, executor, "variational.indicative_quote", func(ctx context.Context) (strategy.Quote, error) {
		return varClient.IndicativeQuote(ctx, cfg.Strategy.Instrument, qty)
	})
	if err != nil {
		if errors.Is(err, exec.ErrAuthentication) {
			fatal(fmt.Errorf("variational rejected the session cookie: %w", err))
		}
		fatal(err)
	}
	log.Info("variational quote",
		zap.String("quote_id", quote.QuoteID),
		zap.Float64("bid", quote.Bid),
		zap.Float64("ask", quote.Ask),
	)
	fmt.Printf("variational quote: %s qty=%s bid=%.4f ask=%.4f mark=%.4f index=%.4f\n",
		quote.QuoteID, strconv.FormatFloat(qty, 'f', -1, 64), quote.Bid, quote.Ask, quote.MarkPrice, quote.IndexPrice)
	fmt.Printf("entry triggers when grvt bid >= %.4f (threshold %.5f%%)\n",
		quote.Ask*(1+cfg.Strategy.EntryThreshold), cfg.Strategy.EntryThreshold*100)
}

func floatEnv(key string) (float64, bool, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return 0, false, nil
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, true, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
