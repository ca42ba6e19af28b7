package grvt

import "spread-hedge-bot/internal/strategy"

type TimeInForce string

const (
	TifGoodTillTime      TimeInForce = "GOOD_TILL_TIME"
	TifAllOrNone         TimeInForce = "ALL_OR_NONE"
	TifImmediateOrCancel TimeInForce = "IMMEDIATE_OR_CANCEL"
	TifFillOrKill        TimeInForce = "FILL_OR_KILL"
)

func (t TimeInForce) code() int {
	switch t {
	case TifGoodTillTime:
		return 1
	case TifAllOrNone:
		return 2
	case TifImmediateOrCancel:
		return 3
	case TifFillOrKill:
		return 4
	}
	return 0
}

// OrderRequest is a limit order on a single GRVT instrument.
type OrderRequest struct {
	Symbol        string
	Side          strategy.Side
	Qty           float64
	Price         float64
	ReduceOnly    bool
	TimeInForce   TimeInForce
	ClientOrderID string
}

type Instrument struct {
	Symbol       string `json:"instrument"`
	Hash         string `json:"instrument_hash"`
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	BaseDecimals int    `json:"base_decimals"`
	TickSize     string `json:"tick_size"`
	MinSize      string `json:"min_size"`
}

type legWire struct {
	Instrument    string `json:"instrument"`
	Size          string `json:"size"`
	LimitPrice    string `json:"limit_price,omitempty"`
	IsBuyingAsset bool   `json:"is_buying_asset"`
}

type signatureWire struct {
	Signer     string `json:"signer"`
	R          string `json:"r"`
	S          string `json:"s"`
	V          int    `json:"v"`
	Expiration string `json:"expiration"`
	Nonce      uint32 `json:"nonce"`
}

type orderMetadata struct {
	ClientOrderID string `json:"client_order_id"`
}

type orderWire struct {
	SubAccountID string        `json:"sub_account_id"`
	IsMarket     bool          `json:"is_market"`
	TimeInForce  TimeInForce   `json:"time_in_force"`
	PostOnly     bool          `json:"post_only"`
	ReduceOnly   bool          `json:"reduce_only"`
	Legs         []legWire     `json:"legs"`
	Signature    signatureWire `json:"signature"`
	Metadata     orderMetadata `json:"metadata"`
}

type createOrderRequest struct {
	Order orderWire `json:"order"`
}

type cancelOrderRequest struct {
	SubAccountID  string `json:"sub_account_id"`
	OrderID       string `json:"order_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type instrumentRequest struct {
	Instrument string `json:"instrument"`
}
