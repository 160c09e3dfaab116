// Package execution declares the collaborators that move funds or place
// orders. The decision core only consumes these interfaces; signing and
// calldata encoding live behind them.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"hedgeflow/models"
)

// ErrNoTransaction is returned when a collaborator reports success without a
// transaction hash.
var ErrNoTransaction = errors.New("collaborator returned no transaction hash")

// Error is an execution failure reported by an external collaborator.
type Error struct {
	Collaborator string
	Operation    string
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Collaborator, e.Operation, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Confirm turns a collaborator result into a hash or an *Error. A zero hash
// counts as no transaction.
func Confirm(collaborator, operation string, hash common.Hash, err error) (common.Hash, error) {
	if err != nil {
		return common.Hash{}, &Error{Collaborator: collaborator, Operation: operation, Err: err}
	}
	if hash == (common.Hash{}) {
		return common.Hash{}, &Error{Collaborator: collaborator, Operation: operation, Err: ErrNoTransaction}
	}
	return hash, nil
}

type TransactionSender interface {
	SignAndSendTransaction(ctx context.Context, calldata []byte, value *big.Int, to common.Address) (common.Hash, error)
}

type SwapCalldataBuilder interface {
	BuildSwapCalldata(ctx context.Context, tokenIn, tokenOut string, amountIn, minAmountOut decimal.Decimal) ([]byte, error)
}

type SwapRequest struct {
	TokenIn      string
	TokenOut     string
	AmountIn     decimal.Decimal
	MinAmountOut decimal.Decimal
}

type SwapExecutor interface {
	ExecuteSwap(ctx context.Context, req SwapRequest) (common.Hash, error)
}

// PerpExecutor is shared by the on-chain perpetuals protocol and the
// regulated venue. A nil size on close unwinds the whole position.
type PerpExecutor interface {
	OpenPerpPosition(ctx context.Context, symbol string, size decimal.Decimal, side models.Side, leverage float64) (common.Hash, error)
	ClosePerpPosition(ctx context.Context, symbol string, size *decimal.Decimal) (common.Hash, error)
}

type RangeOrderPlacer interface {
	PlaceRangeOrder(ctx context.Context, symbol string, min, max, amount decimal.Decimal) (string, error)
}
