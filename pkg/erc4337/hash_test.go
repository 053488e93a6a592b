package erc4337

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relayer/model"
)

var entrypointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func sampleOp() *model.UserOperation {
	return &model.UserOperation{
		Sender:               common.HexToAddress("0xcfb898f79b79dd6a49e2af1b9e1b1a871e31dcd9"),
		Nonce:                big.NewInt(3),
		InitCode:             []byte{},
		CallData:             common.FromHex("0xb61d27f6"),
		CallGasLimit:         big.NewInt(90_000),
		VerificationGasLimit: big.NewInt(110_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(10_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		PaymasterAndData:     []byte{},
		Signature:            common.FromHex("0xdeadbeef"),
	}
}

func TestUserOpHash(t *testing.T) {
	op := sampleOp()

	hash, err := UserOpHash(op, entrypointV06, big.NewInt(11155111))
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)

	t.Run("deterministic", func(t *testing.T) {
		again, err := UserOpHash(sampleOp(), entrypointV06, big.NewInt(11155111))
		require.NoError(t, err)
		assert.Equal(t, hash, again)
	})

	t.Run("bound to chain", func(t *testing.T) {
		other, err := UserOpHash(op, entrypointV06, big.NewInt(1))
		require.NoError(t, err)
		assert.NotEqual(t, hash, other)
	})

	t.Run("bound to entrypoint", func(t *testing.T) {
		other, err := UserOpHash(op, common.HexToAddress("0x01"), big.NewInt(11155111))
		require.NoError(t, err)
		assert.NotEqual(t, hash, other)
	})

	t.Run("signature does not change the hash", func(t *testing.T) {
		resigned := sampleOp()
		resigned.Signature = common.FromHex("0xffff")
		other, err := UserOpHash(resigned, entrypointV06, big.NewInt(11155111))
		require.NoError(t, err)
		assert.Equal(t, hash, other)
	})

	t.Run("nonce changes the hash", func(t *testing.T) {
		bumped := sampleOp()
		bumped.Nonce = big.NewInt(4)
		other, err := UserOpHash(bumped, entrypointV06, big.NewInt(11155111))
		require.NoError(t, err)
		assert.NotEqual(t, hash, other)
	})
}

func TestPackHandleOps(t *testing.T) {
	calldata, err := PackHandleOps([]*model.UserOperation{sampleOp(), sampleOp()}, entrypointV06)
	require.NoError(t, err)

	// 4-byte selector for handleOps((...)[],address) followed by the encoded args.
	require.Greater(t, len(calldata), 4)
	assert.Equal(t, entryPointABI.Methods["handleOps"].ID, calldata[:4])
}
