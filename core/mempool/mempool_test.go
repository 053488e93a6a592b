package mempool

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

func newTestPool(maxLength int) *Pool {
	return NewPool(Config{
		MaxLength:        maxLength,
		PerSenderCap:     4,
		PriceBumpPercent: 10,
	}, logger.NewNoOpLogger())
}

func makeOp(sender byte, nonce int64, maxFee, maxPriority int64) *model.UserOperation {
	return &model.UserOperation{
		Sender:               common.BytesToAddress([]byte{sender}),
		Nonce:                big.NewInt(nonce),
		CallGasLimit:         big.NewInt(200_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(maxFee),
		MaxPriorityFeePerGas: big.NewInt(maxPriority),
	}
}

func TestAddUserOpBasicAdmission(t *testing.T) {
	p := newTestPool(10)

	require.NoError(t, p.AddUserOp(makeOp(1, 0, 100, 10), "0xaaa"))
	require.NoError(t, p.AddUserOp(makeOp(2, 0, 100, 10), "0xbbb"))

	assert.Equal(t, 2, p.CountEntries())
}

func TestAddUserOpMempoolFull(t *testing.T) {
	p := newTestPool(2)

	require.NoError(t, p.AddUserOp(makeOp(1, 0, 100, 10), "0xaaa"))
	require.NoError(t, p.AddUserOp(makeOp(2, 0, 100, 10), "0xbbb"))

	err := p.AddUserOp(makeOp(3, 0, 100, 10), "0xccc")
	assert.ErrorIs(t, err, ErrMempoolFull)
}

func TestAddUserOpPerSenderCap(t *testing.T) {
	p := newTestPool(100)

	for nonce := int64(0); nonce < 4; nonce++ {
		require.NoError(t, p.AddUserOp(makeOp(1, nonce, 100, 10), fmt.Sprintf("0xaaa%d", nonce)))
	}

	err := p.AddUserOp(makeOp(1, 4, 100, 10), "0xaaa4")
	assert.ErrorIs(t, err, ErrSenderLimit)
}

func TestReplacementRequiresBothFeesToClearBump(t *testing.T) {
	t.Run("both fees bumped enough replaces", func(t *testing.T) {
		p := newTestPool(10)
		require.NoError(t, p.AddUserOp(makeOp(1, 0, 100, 10), "0xold"))

		require.NoError(t, p.AddUserOp(makeOp(1, 0, 110, 11), "0xnew"))

		assert.Equal(t, 1, p.CountEntries())
		entries := p.GetEntries()
		assert.Equal(t, "0xnew", entries[0].UserOpHash)
		assert.Equal(t, big.NewInt(110), entries[0].UserOp.MaxFeePerGas)
	})

	t.Run("only max fee bumped is rejected entirely", func(t *testing.T) {
		p := newTestPool(10)
		require.NoError(t, p.AddUserOp(makeOp(1, 0, 100, 10), "0xold"))

		err := p.AddUserOp(makeOp(1, 0, 200, 10), "0xnew")
		assert.ErrorIs(t, err, ErrReplacementUnderpriced)

		entries := p.GetEntries()
		assert.Equal(t, "0xold", entries[0].UserOpHash)
	})

	t.Run("only priority fee bumped is rejected entirely", func(t *testing.T) {
		p := newTestPool(10)
		require.NoError(t, p.AddUserOp(makeOp(1, 0, 100, 10), "0xold"))

		err := p.AddUserOp(makeOp(1, 0, 100, 20), "0xnew")
		assert.ErrorIs(t, err, ErrReplacementUnderpriced)
	})

	t.Run("fees below threshold keep the original", func(t *testing.T) {
		p := newTestPool(10)
		require.NoError(t, p.AddUserOp(makeOp(1, 0, 100, 10), "0xold"))

		err := p.AddUserOp(makeOp(1, 0, 105, 10), "0xnew")
		assert.ErrorIs(t, err, ErrReplacementUnderpriced)

		entries := p.GetEntries()
		assert.Equal(t, big.NewInt(100), entries[0].UserOp.MaxFeePerGas)
	})
}

func TestStrictlyIncreasingReplacementsKeepOnlyNewest(t *testing.T) {
	p := newTestPool(10)

	fee := int64(100)
	tip := int64(10)
	for i := 0; i < 5; i++ {
		hash := fmt.Sprintf("0xh%d", i)
		require.NoError(t, p.AddUserOp(makeOp(1, 0, fee, tip), hash))
		// next iteration bumps both fields by the full bump percentage
		fee = fee * 110 / 100
		tip = tip * 110 / 100
	}

	require.Equal(t, 1, p.CountEntries())
	assert.Equal(t, "0xh4", p.GetEntries()[0].UserOpHash)
}

func TestMarkUnmarkRoundTripIsNoOp(t *testing.T) {
	p := newTestPool(10)
	require.NoError(t, p.AddUserOp(makeOp(1, 0, 100, 10), "0xaaa"))

	before := p.GetEntries()

	assert.True(t, p.MarkForBundling("0xaaa"))
	assert.True(t, p.UnmarkForBundling("0xaaa"))

	after := p.GetEntries()
	require.Len(t, after, len(before))
	assert.Equal(t, before[0].UserOpHash, after[0].UserOpHash)
	assert.False(t, after[0].MarkedForBundling)
}

func TestMarkUnknownHashReportsNotFound(t *testing.T) {
	p := newTestPool(10)
	assert.False(t, p.MarkForBundling("0xmissing"))
	assert.False(t, p.UnmarkForBundling("0xmissing"))
}

func TestGetEntriesReturnsCopies(t *testing.T) {
	p := newTestPool(10)
	require.NoError(t, p.AddUserOp(makeOp(1, 0, 100, 10), "0xaaa"))

	snapshot := p.GetEntries()
	snapshot[0].MarkedForBundling = true

	fresh := p.GetEntries()
	assert.False(t, fresh[0].MarkedForBundling, "mutating a snapshot must not touch pool state")
}

func TestRemoveByHash(t *testing.T) {
	p := newTestPool(10)
	require.NoError(t, p.AddUserOp(makeOp(1, 0, 100, 10), "0xaaa"))
	require.NoError(t, p.AddUserOp(makeOp(2, 0, 100, 10), "0xbbb"))

	require.NoError(t, p.RemoveByHash("0xaaa"))
	assert.Equal(t, 1, p.CountEntries())

	assert.ErrorIs(t, p.RemoveByHash("0xaaa"), ErrNotFound)

	p.RemoveByHashes([]string{"0xbbb", "0xmissing"})
	assert.Equal(t, 0, p.CountEntries())
}

func TestFullHandlerFiresAtMaxLength(t *testing.T) {
	r := NewRegistry(logger.NewNoOpLogger())
	key := Key{ChainID: 1, Entrypoint: common.BytesToAddress([]byte{0xee})}
	p := r.Register(key, Config{MaxLength: 2, PerSenderCap: 4, PriceBumpPercent: 10})

	require.NoError(t, p.AddUserOp(makeOp(1, 0, 100, 10), "0xaaa"))
	select {
	case <-r.FullSignal():
		t.Fatal("full signal fired before max length")
	default:
	}

	require.NoError(t, p.AddUserOp(makeOp(2, 0, 100, 10), "0xbbb"))
	select {
	case got := <-r.FullSignal():
		assert.Equal(t, key, got)
	default:
		t.Fatal("full signal did not fire at max length")
	}
}
