package execution

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RouterSwapExecutor executes swaps by asking a builder for router calldata
// and handing it to the transaction sender. It is the SwapExecutor for
// deployments that supply a real calldata builder and signer; the CLI runs
// with Paper, which needs neither.
type RouterSwapExecutor struct {
	Builder SwapCalldataBuilder
	Sender  TransactionSender
	Router  common.Address
}

func NewRouterSwapExecutor(builder SwapCalldataBuilder, sender TransactionSender, router string) (*RouterSwapExecutor, error) {
	if builder == nil || sender == nil {
		return nil, fmt.Errorf("swap executor needs a calldata builder and a transaction sender")
	}
	if !common.IsHexAddress(router) {
		return nil, fmt.Errorf("invalid router address %q", router)
	}
	return &RouterSwapExecutor{Builder: builder, Sender: sender, Router: common.HexToAddress(router)}, nil
}

func (r *RouterSwapExecutor) ExecuteSwap(ctx context.Context, req SwapRequest) (common.Hash, error) {
	if !req.AmountIn.IsPositive() {
		return common.Hash{}, fmt.Errorf("swap amount must be positive, got %s", req.AmountIn)
	}
	calldata, err := r.Builder.BuildSwapCalldata(ctx, req.TokenIn, req.TokenOut, req.AmountIn, req.MinAmountOut)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build swap calldata: %w", err)
	}
	if len(calldata) == 0 {
		return common.Hash{}, fmt.Errorf("empty swap calldata for %s->%s", req.TokenIn, req.TokenOut)
	}
	return r.Sender.SignAndSendTransaction(ctx, calldata, big.NewInt(0), r.Router)
}
