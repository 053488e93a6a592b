package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UserOperation is an EIP-4337 style intent to execute on behalf of a smart
// account. It is immutable once admitted to the mempool; the userOpHash that
// identifies it is computed by the entrypoint collaborator and carried on the
// MempoolEntry, not here.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

// EffectiveGasPrice is the price a bundler actually collects per gas unit:
// min(maxFeePerGas, maxPriorityFeePerGas + baseFee). When the network has no
// base fee (legacy), or when both fee fields are equal, this collapses to the
// flat maxFeePerGas.
func (op *UserOperation) EffectiveGasPrice(baseFee *big.Int) *big.Int {
	if baseFee == nil {
		return new(big.Int).Set(op.MaxFeePerGas)
	}

	tipPlusBase := new(big.Int).Add(op.MaxPriorityFeePerGas, baseFee)
	if op.MaxFeePerGas.Cmp(tipPlusBase) < 0 {
		return new(big.Int).Set(op.MaxFeePerGas)
	}
	return tipPlusBase
}

// MempoolEntry wraps one admitted UserOperation with its hash and the
// in-flight marker. MarkedForBundling excludes the entry from re-selection
// without removing it, so a failed bundle attempt can unmark and retry.
type MempoolEntry struct {
	UserOp            *UserOperation `json:"userOp"`
	UserOpHash        string         `json:"userOpHash"`
	MarkedForBundling bool           `json:"markedForBundling"`
}
