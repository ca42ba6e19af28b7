package grvt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"spread-hedge-bot/internal/strategy"
)

const priceDecimals = 9

// buildOrder converts req into its wire form plus the integer legs that get
// signed. Quantities that do not fit the instrument precision are rejected.
func buildOrder(req OrderRequest, inst Instrument, subAccountID string, nonce uint32, expiration time.Time) (orderWire, []signedLeg, error) {
	if req.Qty <= 0 {
		return orderWire{}, nil, errors.New("order qty must be positive")
	}
	if req.Price <= 0 {
		return orderWire{}, nil, errors.New("limit price must be positive")
	}
	if inst.Hash == "" {
		return orderWire{}, nil, fmt.Errorf("instrument %s has no hash", inst.Symbol)
	}
	if req.TimeInForce == "" {
		req.TimeInForce = TifGoodTillTime
	}
	size := decimal.NewFromFloat(req.Qty)
	price := decimal.NewFromFloat(req.Price)
	contractSize, err := scaled(size, inst.BaseDecimals)
	if err != nil {
		return orderWire{}, nil, fmt.Errorf("size: %w", err)
	}
	limitPrice, err := scaled(price, priceDecimals)
	if err != nil {
		return orderWire{}, nil, fmt.Errorf("limit price: %w", err)
	}
	isBuy := req.Side == strategy.SideBuy
	order := orderWire{
		SubAccountID: subAccountID,
		TimeInForce:  req.TimeInForce,
		ReduceOnly:   req.ReduceOnly,
		Legs: []legWire{{
			Instrument:    req.Symbol,
			Size:          size.String(),
			LimitPrice:    price.String(),
			IsBuyingAsset: isBuy,
		}},
		Signature: signatureWire{
			Expiration: strconv.FormatInt(expiration.UnixNano(), 10),
			Nonce:      nonce,
		},
		Metadata: orderMetadata{ClientOrderID: req.ClientOrderID},
	}
	legs := []signedLeg{{
		AssetID:          inst.Hash,
		ContractSize:     contractSize,
		LimitPrice:       limitPrice,
		IsBuyingContract: isBuy,
	}}
	return order, legs, nil
}

func scaled(v decimal.Decimal, places int) (string, error) {
	shifted := v.Shift(int32(places))
	if !shifted.Equal(shifted.Truncate(0)) {
		return "", fmt.Errorf("%s exceeds %d decimals", v.String(), places)
	}
	return shifted.Truncate(0).String(), nil
}
