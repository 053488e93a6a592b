package gasprice

import "math/big"

var (
	oneHundred = big.NewInt(100)
	oneTen     = big.NewInt(110)
)

// GetBumpedUpGasPrice computes the resubmission price for a stalled
// transaction: floor(past * (100 + bumpPercent) / 100), with a hard floor of
// past * 110 / 100. The floor guarantees every resubmission exceeds the prior
// price by at least 10% regardless of configuration, which is what the
// network requires before it accepts a replacement at the same nonce.
func GetBumpedUpGasPrice(past *big.Int, bumpPercent uint64) *big.Int {
	bumped := new(big.Int).Mul(past, big.NewInt(int64(100+bumpPercent)))
	bumped.Div(bumped, oneHundred)

	hardFloor := new(big.Int).Mul(past, oneTen)
	hardFloor.Div(hardFloor, oneHundred)

	if bumped.Cmp(hardFloor) < 0 {
		return hardFloor
	}
	return bumped
}
