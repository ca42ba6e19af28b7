package grvt

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	ChainIDMainnet int64 = 325
	ChainIDTestnet int64 = 326
)

type Signer struct {
	privKey *ecdsa.PrivateKey
	address common.Address
	chainID int64
}

func NewSigner(hexKey string, chainID int64) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	if chainID == 0 {
		chainID = ChainIDMainnet
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &Signer{privKey: key, address: addr, chainID: chainID}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignOrder signs the order message and fills in order.Signature.
func (s *Signer) SignOrder(order *orderWire, legs []signedLeg) error {
	if order == nil {
		return errors.New("order is required")
	}
	digest, err := orderTypedDataHash(order, legs, s.chainID)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return err
	}
	if len(sig) != 65 {
		return fmt.Errorf("unexpected signature length %d", len(sig))
	}
	order.Signature.Signer = strings.ToLower(s.address.Hex())
	order.Signature.R = hexutil.Encode(sig[:32])
	order.Signature.S = hexutil.Encode(sig[32:64])
	order.Signature.V = int(sig[64]) + 27
	return nil
}

// signedLeg is a leg in the integer units the typed message expects.
type signedLeg struct {
	AssetID          string
	ContractSize     string
	LimitPrice       string
	IsBuyingContract bool
}

func orderTypedData(order *orderWire, legs []signedLeg, chainID int64) apitypes.TypedData {
	legValues := make([]interface{}, 0, len(legs))
	for _, leg := range legs {
		legValues = append(legValues, map[string]interface{}{
			"assetID":          leg.AssetID,
			"contractSize":     leg.ContractSize,
			"limitPrice":       leg.LimitPrice,
			"isBuyingContract": leg.IsBuyingContract,
		})
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Order": {
				{Name: "subAccountID", Type: "uint64"},
				{Name: "isMarket", Type: "bool"},
				{Name: "timeInForce", Type: "uint8"},
				{Name: "postOnly", Type: "bool"},
				{Name: "reduceOnly", Type: "bool"},
				{Name: "legs", Type: "OrderLeg[]"},
				{Name: "nonce", Type: "uint32"},
				{Name: "expiration", Type: "int64"},
			},
			"OrderLeg": {
				{Name: "assetID", Type: "uint256"},
				{Name: "contractSize", Type: "uint64"},
				{Name: "limitPrice", Type: "uint64"},
				{Name: "isBuyingContract", Type: "bool"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:    "GRVT Exchange",
			Version: "0",
			ChainId: math.NewHexOrDecimal256(chainID),
		},
		Message: apitypes.TypedDataMessage{
			"subAccountID": order.SubAccountID,
			"isMarket":     order.IsMarket,
			"timeInForce":  strconv.Itoa(order.TimeInForce.code()),
			"postOnly":     order.PostOnly,
			"reduceOnly":   order.ReduceOnly,
			"legs":         legValues,
			"nonce":        strconv.FormatUint(uint64(order.Signature.Nonce), 10),
			"expiration":   order.Signature.Expiration,
		},
	}
}

func orderTypedDataHash(order *orderWire, legs []signedLeg, chainID int64) ([]byte, error) {
	typedData := orderTypedData(order, legs, chainID)
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}
