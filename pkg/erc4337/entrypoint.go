package erc4337

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-relayer/model"
)

// handleOps fragment of the v0.6 entrypoint. The relayer only ever calls this
// one method, so we carry the fragment instead of a full generated binding.
const entryPointHandleOpsABI = `[{
  "inputs": [
    {
      "components": [
        {"internalType": "address", "name": "sender", "type": "address"},
        {"internalType": "uint256", "name": "nonce", "type": "uint256"},
        {"internalType": "bytes", "name": "initCode", "type": "bytes"},
        {"internalType": "bytes", "name": "callData", "type": "bytes"},
        {"internalType": "uint256", "name": "callGasLimit", "type": "uint256"},
        {"internalType": "uint256", "name": "verificationGasLimit", "type": "uint256"},
        {"internalType": "uint256", "name": "preVerificationGas", "type": "uint256"},
        {"internalType": "uint256", "name": "maxFeePerGas", "type": "uint256"},
        {"internalType": "uint256", "name": "maxPriorityFeePerGas", "type": "uint256"},
        {"internalType": "bytes", "name": "paymasterAndData", "type": "bytes"},
        {"internalType": "bytes", "name": "signature", "type": "bytes"}
      ],
      "internalType": "struct UserOperation[]",
      "name": "ops",
      "type": "tuple[]"
    },
    {"internalType": "address payable", "name": "beneficiary", "type": "address"}
  ],
  "name": "handleOps",
  "outputs": [],
  "stateMutability": "nonpayable",
  "type": "function"
}]`

var entryPointABI abi.ABI

func init() {
	var err error
	entryPointABI, err = abi.JSON(strings.NewReader(entryPointHandleOpsABI))
	if err != nil {
		panic(fmt.Errorf("invalid entrypoint ABI: %w", err))
	}
}

// packedUserOperation mirrors the ABI tuple layout; field names must line up
// with the component names above for go-ethereum's packer.
type packedUserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func toPacked(op *model.UserOperation) packedUserOperation {
	return packedUserOperation{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

// PackHandleOps builds the calldata for entrypoint.handleOps(ops, beneficiary).
func PackHandleOps(ops []*model.UserOperation, beneficiary common.Address) ([]byte, error) {
	packed := make([]packedUserOperation, 0, len(ops))
	for _, op := range ops {
		packed = append(packed, toPacked(op))
	}

	return entryPointABI.Pack("handleOps", packed, beneficiary)
}

type gasEstimator interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// EstimateBundleGas asks the network for the total gas of a candidate bundle
// as a single handleOps call.
func EstimateBundleGas(
	ctx context.Context,
	client gasEstimator,
	entrypoint common.Address,
	beneficiary common.Address,
	ops []*model.UserOperation,
) (uint64, error) {
	calldata, err := PackHandleOps(ops, beneficiary)
	if err != nil {
		return 0, fmt.Errorf("cannot pack handleOps: %w", err)
	}

	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: beneficiary,
		To:   &entrypoint,
		Data: calldata,
	})
	if err != nil {
		return 0, fmt.Errorf("bundle gas estimation failed: %w", err)
	}

	return gas, nil
}
