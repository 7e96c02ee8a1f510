package polymarket

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"pmfeed/internal/model"
)

// CTF Exchange on Polygon.
var ExchangeAddress = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")

// OrderFilledTopic is the topic0 of the exchange's fill event.
var OrderFilledTopic = crypto.Keccak256Hash(
	[]byte("OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"),
)

const (
	// USDC and outcome tokens both carry 6 decimals.
	tokenDecimals = 6
	priceScale    = 6

	dataWords = 5
	wordSize  = 32
)

// DecodeOrderFilled converts an OrderFilled log into a canonical trade.
//
// The event carries three indexed topics (orderHash, maker, taker) and five
// data words: makerAssetId, takerAssetId, makerAmountFilled,
// takerAmountFilled, fee. Asset id 0 is the USDC collateral; the non-zero
// asset id identifies the outcome token and becomes the market id. A maker
// giving collateral is buying the outcome.
//
// The caller supplies the block timestamp; logs do not carry one.
func DecodeOrderFilled(lg types.Log) (model.Trade, error) {
	if len(lg.Topics) != 4 || lg.Topics[0] != OrderFilledTopic {
		return model.Trade{}, fmt.Errorf("polymarket: log is not OrderFilled (topics=%d)", len(lg.Topics))
	}
	if len(lg.Data) != dataWords*wordSize {
		return model.Trade{}, fmt.Errorf("polymarket: OrderFilled data is %d bytes, want %d", len(lg.Data), dataWords*wordSize)
	}

	word := func(i int) *big.Int {
		return new(big.Int).SetBytes(lg.Data[i*wordSize : (i+1)*wordSize])
	}
	makerAssetID := word(0)
	takerAssetID := word(1)
	makerAmount := word(2)
	takerAmount := word(3)

	var (
		marketID   *big.Int
		collateral *big.Int
		outcome    *big.Int
		side       model.Side
	)
	switch {
	case makerAssetID.Sign() == 0 && takerAssetID.Sign() != 0:
		marketID = takerAssetID
		collateral = makerAmount
		outcome = takerAmount
		side = model.SideBuy
	case takerAssetID.Sign() == 0 && makerAssetID.Sign() != 0:
		marketID = makerAssetID
		collateral = takerAmount
		outcome = makerAmount
		side = model.SideSell
	default:
		return model.Trade{}, fmt.Errorf("polymarket: fill without collateral leg (maker=%s taker=%s)", makerAssetID, takerAssetID)
	}

	if outcome.Sign() == 0 {
		return model.Trade{}, fmt.Errorf("polymarket: zero outcome amount in %s", lg.TxHash)
	}

	price := decimal.NewFromBigInt(collateral, 0).
		DivRound(decimal.NewFromBigInt(outcome, 0), priceScale)

	return model.Trade{
		Exchange:  model.ExchangePolymarket,
		MarketID:  marketID.String(),
		Price:     price,
		Quantity:  decimal.NewFromBigInt(outcome, -tokenDecimals),
		Side:      side,
		TxHash:    lg.TxHash.Hex(),
		DedupeKey: lg.TxHash.Hex() + ":" + strconv.FormatUint(uint64(lg.Index), 10),
	}, nil
}
