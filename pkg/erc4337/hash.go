package erc4337

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-relayer/model"
)

var (
	addressTy, _ = abi.NewType("address", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)

	// v0.6 hash layout: dynamic byte fields enter as their keccak hash.
	userOpHashArgs = abi.Arguments{
		{Type: addressTy}, // sender
		{Type: uint256Ty}, // nonce
		{Type: bytes32Ty}, // keccak(initCode)
		{Type: bytes32Ty}, // keccak(callData)
		{Type: uint256Ty}, // callGasLimit
		{Type: uint256Ty}, // verificationGasLimit
		{Type: uint256Ty}, // preVerificationGas
		{Type: uint256Ty}, // maxFeePerGas
		{Type: uint256Ty}, // maxPriorityFeePerGas
		{Type: bytes32Ty}, // keccak(paymasterAndData)
	}

	envelopeArgs = abi.Arguments{
		{Type: bytes32Ty}, // inner hash
		{Type: addressTy}, // entrypoint
		{Type: uint256Ty}, // chainID
	}
)

// UserOpHash computes the entrypoint's getUserOpHash locally:
// keccak256(abi.encode(keccak256(packedOp), entrypoint, chainID)).
func UserOpHash(op *model.UserOperation, entrypoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := userOpHashArgs.Pack(
		op.Sender,
		op.Nonce,
		common.Hash(crypto.Keccak256Hash(op.InitCode)),
		common.Hash(crypto.Keccak256Hash(op.CallData)),
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		common.Hash(crypto.Keccak256Hash(op.PaymasterAndData)),
	)
	if err != nil {
		return common.Hash{}, err
	}

	envelope, err := envelopeArgs.Pack(crypto.Keccak256Hash(packed), entrypoint, chainID)
	if err != nil {
		return common.Hash{}, err
	}

	return crypto.Keccak256Hash(envelope), nil
}
