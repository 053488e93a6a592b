package chainio

import (
	"context"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

type stubProvider struct {
	gasPrice    *big.Int
	gasPriceErr error

	receipt    *types.Receipt
	receiptErr error

	gasPriceCalls int
	receiptCalls  int
	closed        bool
}

func (s *stubProvider) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (s *stubProvider) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (s *stubProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	s.gasPriceCalls++
	return s.gasPrice, s.gasPriceErr
}

func (s *stubProvider) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (s *stubProvider) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{}, nil
}

func (s *stubProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (s *stubProvider) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

func (s *stubProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	s.receiptCalls++
	return s.receipt, s.receiptErr
}

func (s *stubProvider) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubProvider) Close() { s.closed = true }

func newStubFailover(providers ...*stubProvider) *FailoverClient {
	clients := make([]rpcClient, 0, len(providers))
	for _, p := range providers {
		clients = append(clients, p)
	}
	return &FailoverClient{clients: clients, logger: logger.NewNoOpLogger()}
}

func TestFailoverRotatesOnTransientError(t *testing.T) {
	bad := &stubProvider{gasPriceErr: assert.AnError}
	good := &stubProvider{gasPrice: big.NewInt(7)}
	f := newStubFailover(bad, good)

	price, err := f.SuggestGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), price)

	// The provider that answered stays preferred.
	_, err = f.SuggestGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, bad.gasPriceCalls)
	assert.Equal(t, 2, good.gasPriceCalls)
}

func TestFailoverReturnsLastErrorWhenAllFail(t *testing.T) {
	a := &stubProvider{gasPriceErr: assert.AnError}
	b := &stubProvider{gasPriceErr: assert.AnError}
	f := newStubFailover(a, b)

	_, err := f.SuggestGasPrice(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, a.gasPriceCalls)
	assert.Equal(t, 1, b.gasPriceCalls)
}

func TestTransactionReceiptNotFoundDoesNotRotate(t *testing.T) {
	first := &stubProvider{receiptErr: ethereum.NotFound}
	second := &stubProvider{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}
	f := newStubFailover(first, second)

	receipt, err := f.TransactionReceipt(context.Background(), common.HexToHash("0xbeef"))
	assert.Nil(t, receipt)
	assert.ErrorIs(t, err, ethereum.NotFound, "callers match on the sentinel")
	assert.Equal(t, 1, first.receiptCalls)
	assert.Equal(t, 0, second.receiptCalls, "an unmined hash is an answer, not a provider failure")
}

func TestTransactionReceiptRotatesOnRPCError(t *testing.T) {
	first := &stubProvider{receiptErr: assert.AnError}
	second := &stubProvider{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}
	f := newStubFailover(first, second)

	receipt, err := f.TransactionReceipt(context.Background(), common.HexToHash("0xbeef"))
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, 1, second.receiptCalls)
}

func TestCloseClosesEveryProvider(t *testing.T) {
	a := &stubProvider{}
	b := &stubProvider{}
	f := newStubFailover(a, b)

	f.Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
