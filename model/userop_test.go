package model

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveGasPrice(t *testing.T) {
	gwei := func(n int64) *big.Int { return big.NewInt(n * 1_000_000_000) }

	t.Run("nil base fee collapses to max fee", func(t *testing.T) {
		op := &UserOperation{MaxFeePerGas: gwei(12), MaxPriorityFeePerGas: gwei(2)}
		assert.Equal(t, gwei(12), op.EffectiveGasPrice(nil))
	})

	t.Run("tip plus base below cap wins", func(t *testing.T) {
		op := &UserOperation{MaxFeePerGas: gwei(20), MaxPriorityFeePerGas: gwei(2)}
		assert.Equal(t, gwei(12), op.EffectiveGasPrice(gwei(10)))
	})

	t.Run("cap clamps when tip plus base exceeds it", func(t *testing.T) {
		op := &UserOperation{MaxFeePerGas: gwei(11), MaxPriorityFeePerGas: gwei(2)}
		assert.Equal(t, gwei(11), op.EffectiveGasPrice(gwei(10)))
	})

	t.Run("equal fee fields yield exactly that price at any base fee", func(t *testing.T) {
		op := &UserOperation{MaxFeePerGas: gwei(7), MaxPriorityFeePerGas: gwei(7)}
		for _, baseFee := range []*big.Int{nil, big.NewInt(0), gwei(1), gwei(100)} {
			assert.Equal(t, gwei(7), op.EffectiveGasPrice(baseFee))
		}
	})
}
