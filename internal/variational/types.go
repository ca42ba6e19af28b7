package variational

import (
	"time"

	"github.com/shopspring/decimal"

	"spread-hedge-bot/internal/strategy"
)

type quoteRequest struct {
	Instrument instrumentWire `json:"instrument"`
	Qty        string         `json:"qty"`
}

type instrumentWire struct {
	Underlying       string `json:"underlying"`
	FundingIntervalS int    `json:"funding_interval_s"`
	SettlementAsset  string `json:"settlement_asset"`
	InstrumentType   string `json:"instrument_type"`
}

func toInstrumentWire(inst strategy.Instrument) instrumentWire {
	wire := instrumentWire{
		Underlying:       inst.Underlying,
		FundingIntervalS: inst.FundingIntervalS,
		SettlementAsset:  inst.SettlementAsset,
		InstrumentType:   inst.InstrumentType,
	}
	if wire.FundingIntervalS <= 0 {
		wire.FundingIntervalS = 3600
	}
	if wire.SettlementAsset == "" {
		wire.SettlementAsset = "USDC"
	}
	if wire.InstrumentType == "" {
		wire.InstrumentType = "perpetual_future"
	}
	return wire
}

type quoteResponse struct {
	Bid        decimal.Decimal     `json:"bid"`
	Ask        decimal.Decimal     `json:"ask"`
	QuoteID    string              `json:"quote_id"`
	MarkPrice  decimal.NullDecimal `json:"mark_price"`
	IndexPrice decimal.NullDecimal `json:"index_price"`
}

// MarketOrderRequest executes against a previously fetched quote. Qty is the
// quoted quantity and is not sent; it backs OrderResult.FilledQty when the
// venue omits the executed size.
type MarketOrderRequest struct {
	QuoteID     string
	Side        strategy.Side
	ReduceOnly  bool
	MaxSlippage float64
	Qty         float64
}

type marketOrderWire struct {
	QuoteID      string  `json:"quote_id"`
	Side         string  `json:"side"`
	IsReduceOnly bool    `json:"is_reduce_only"`
	MaxSlippage  float64 `json:"max_slippage"`
}

type OrderResult struct {
	OrderID   string
	Status    string
	FilledQty float64
	AvgPrice  float64
	Timestamp time.Time
}
