package eip1559

import (
	"context"
	"math/big"
)

// FeeReader is the slice of a chain client needed for fee suggestion.
type FeeReader interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	BaseFee(ctx context.Context) (*big.Int, error)
}

var (
	// 2 gwei minimum tip keeps relaying profitable on quiet networks
	minTip = big.NewInt(2_000_000_000)
	// 20 gwei floor for maxFeePerGas handles high-basefee chains like Base
	minMaxFee = big.NewInt(20_000_000_000)
)

// SuggestFee returns (maxFeePerGas, maxPriorityFeePerGas) for the next block.
func SuggestFee(ctx context.Context, client FeeReader) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	baseFee, err := client.BaseFee(ctx)
	if err != nil {
		return nil, nil, err
	}

	// Add 13% buffer to tip for safety
	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer = new(big.Int).Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)

	if maxPriorityFeePerGas.Cmp(minTip) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(minTip)
	}

	var maxFeePerGas *big.Int
	if baseFee != nil {
		// maxFeePerGas must cover baseFee + tip. Use 2x baseFee for headroom so
		// the transaction stays includable even if baseFee doubles between blocks.
		maxFeePerGas = new(big.Int).Add(
			new(big.Int).Mul(baseFee, big.NewInt(2)),
			maxPriorityFeePerGas,
		)

		if maxFeePerGas.Cmp(minMaxFee) < 0 {
			maxFeePerGas = new(big.Int).Set(minMaxFee)
		}
	} else {
		// Legacy (pre-EIP-1559) chain
		maxFeePerGas = new(big.Int).Set(maxPriorityFeePerGas)
	}

	return maxFeePerGas, maxPriorityFeePerGas, nil
}
