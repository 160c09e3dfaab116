package execution

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hedgeflow/logger"
	"hedgeflow/models"
)

// Paper satisfies every collaborator interface without touching a chain or
// exchange. Each call logs the request and returns a random keccak hash.
type Paper struct {
	Venue string
	log   *logger.Log
}

func NewPaper(venue string) *Paper {
	return &Paper{Venue: venue, log: logger.GetLogger()}
}

func (p *Paper) entry(operation string) *logger.Entry {
	return p.log.WithComponent("paper_execution").WithFields(logger.Fields{
		"venue":     p.Venue,
		"operation": operation,
	})
}

func paperHash() common.Hash {
	id := uuid.New()
	return crypto.Keccak256Hash(id[:])
}

func (p *Paper) SignAndSendTransaction(_ context.Context, calldata []byte, value *big.Int, to common.Address) (common.Hash, error) {
	hash := paperHash()
	p.entry("send_transaction").WithFields(logger.Fields{
		"to":       to.Hex(),
		"value":    value.String(),
		"calldata": len(calldata),
		"tx_hash":  hash.Hex(),
	}).Info("paper transaction")
	return hash, nil
}

func (p *Paper) ExecuteSwap(_ context.Context, req SwapRequest) (common.Hash, error) {
	hash := paperHash()
	p.entry("swap").WithFields(logger.Fields{
		"token_in":  req.TokenIn,
		"token_out": req.TokenOut,
		"amount_in": req.AmountIn.String(),
		"tx_hash":   hash.Hex(),
	}).Info("paper swap")
	return hash, nil
}

func (p *Paper) OpenPerpPosition(_ context.Context, symbol string, size decimal.Decimal, side models.Side, leverage float64) (common.Hash, error) {
	hash := paperHash()
	p.entry("open_perp").WithFields(logger.Fields{
		"symbol":   symbol,
		"size":     size.String(),
		"side":     string(side),
		"leverage": leverage,
		"tx_hash":  hash.Hex(),
	}).Info("paper perp open")
	return hash, nil
}

func (p *Paper) ClosePerpPosition(_ context.Context, symbol string, size *decimal.Decimal) (common.Hash, error) {
	hash := paperHash()
	fields := logger.Fields{"symbol": symbol, "tx_hash": hash.Hex()}
	if size != nil {
		fields["size"] = size.String()
	}
	p.entry("close_perp").WithFields(fields).Info("paper perp close")
	return hash, nil
}

func (p *Paper) PlaceRangeOrder(_ context.Context, symbol string, min, max, amount decimal.Decimal) (string, error) {
	id := uuid.NewString()
	p.entry("place_range").WithFields(logger.Fields{
		"symbol":   symbol,
		"min":      min.String(),
		"max":      max.String(),
		"amount":   amount.String(),
		"order_id": id,
	}).Info("paper range order")
	return id, nil
}

var (
	_ TransactionSender = (*Paper)(nil)
	_ SwapExecutor      = (*Paper)(nil)
	_ PerpExecutor      = (*Paper)(nil)
	_ RangeOrderPlacer  = (*Paper)(nil)
	_ SwapExecutor      = (*RouterSwapExecutor)(nil)
)
