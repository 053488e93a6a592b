package gasprice

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBumpedUpGasPrice(t *testing.T) {
	t.Run("configured bump above the floor is used as-is", func(t *testing.T) {
		past := big.NewInt(1000)
		got := GetBumpedUpGasPrice(past, 50)
		assert.Equal(t, big.NewInt(1500), got)
	})

	t.Run("bump below 10 percent is raised to the hard floor", func(t *testing.T) {
		past := big.NewInt(1000)
		got := GetBumpedUpGasPrice(past, 5)
		assert.Equal(t, big.NewInt(1100), got)
	})

	t.Run("zero percent still bumps by 10 percent", func(t *testing.T) {
		past := big.NewInt(2000)
		got := GetBumpedUpGasPrice(past, 0)
		assert.Equal(t, big.NewInt(2200), got)
	})

	t.Run("exact 10 percent matches the floor", func(t *testing.T) {
		past := big.NewInt(1000)
		got := GetBumpedUpGasPrice(past, 10)
		assert.Equal(t, big.NewInt(1100), got)
	})

	t.Run("result never falls below past times 1.1", func(t *testing.T) {
		for _, pct := range []uint64{0, 1, 9, 10, 11, 25, 100} {
			past := big.NewInt(1_000_000_000)
			got := GetBumpedUpGasPrice(past, pct)

			floor := new(big.Int).Mul(past, big.NewInt(110))
			floor.Div(floor, big.NewInt(100))
			assert.True(t, got.Cmp(floor) >= 0, "pct=%d got=%s floor=%s", pct, got, floor)
		}
	})

	t.Run("successive bumps are strictly increasing", func(t *testing.T) {
		price := big.NewInt(3_000_000_000)
		for i := 0; i < 5; i++ {
			next := GetBumpedUpGasPrice(price, 15)
			assert.True(t, next.Cmp(price) > 0)
			price = next
		}
	})
}
