package chainio

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

// ChainClient is the outbound surface the relayer needs from a network. The
// pipeline never touches a concrete chain client directly, so tests can swap
// in fakes and production can rotate providers behind this interface.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	BaseFee(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// rpcClient is the slice of ethclient.Client the failover wrapper calls.
type rpcClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// FailoverClient fans every call out to an ordered list of RPC endpoints.
// A failed call advances to the next endpoint until one succeeds or all are
// exhausted; the endpoint that served the last success stays preferred.
type FailoverClient struct {
	clients []rpcClient
	current atomic.Int32
	logger  logger.Logger
}

func NewFailoverClient(lg logger.Logger, rpcURLs ...string) (*FailoverClient, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("at least one rpc url is required")
	}

	clients := make([]rpcClient, 0, len(rpcURLs))
	for _, url := range rpcURLs {
		c, err := ethclient.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("cannot dial rpc %s: %w", url, err)
		}
		clients = append(clients, c)
	}

	return &FailoverClient{
		clients: clients,
		logger:  logger.EnsureLogger(lg),
	}, nil
}

// do tries each provider starting from the preferred one. Only transient RPC
// failures rotate providers; the last error is returned when every provider
// fails.
func (f *FailoverClient) do(call func(c rpcClient) error) error {
	start := int(f.current.Load())
	var lastErr error

	for i := 0; i < len(f.clients); i++ {
		idx := (start + i) % len(f.clients)
		if err := call(f.clients[idx]); err != nil {
			lastErr = err
			f.logger.Warn("rpc call failed, rotating provider", "provider_index", idx, "error", err)
			continue
		}

		f.current.Store(int32(idx))
		return nil
	}

	return fmt.Errorf("all rpc providers failed: %w", lastErr)
}

func (f *FailoverClient) ChainID(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := f.do(func(c rpcClient) error {
		var e error
		out, e = c.ChainID(ctx)
		return e
	})
	return out, err
}

func (f *FailoverClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out uint64
	err := f.do(func(c rpcClient) error {
		var e error
		out, e = c.PendingNonceAt(ctx, account)
		return e
	})
	return out, err
}

func (f *FailoverClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := f.do(func(c rpcClient) error {
		var e error
		out, e = c.SuggestGasPrice(ctx)
		return e
	})
	return out, err
}

func (f *FailoverClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := f.do(func(c rpcClient) error {
		var e error
		out, e = c.SuggestGasTipCap(ctx)
		return e
	})
	return out, err
}

// BaseFee returns the base fee of the latest header, or nil on legacy chains.
func (f *FailoverClient) BaseFee(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := f.do(func(c rpcClient) error {
		header, e := c.HeaderByNumber(ctx, nil)
		if e != nil {
			return e
		}
		out = header.BaseFee
		return nil
	})
	return out, err
}

func (f *FailoverClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := f.do(func(c rpcClient) error {
		var e error
		out, e = c.EstimateGas(ctx, msg)
		return e
	})
	return out, err
}

func (f *FailoverClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return f.do(func(c rpcClient) error {
		return c.SendTransaction(ctx, tx)
	})
}

// TransactionReceipt treats ethereum.NotFound as an answer, not a provider
// failure: an unmined hash would otherwise sweep every provider on each
// receipt poll.
func (f *FailoverClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	var notFound bool
	err := f.do(func(c rpcClient) error {
		r, e := c.TransactionReceipt(ctx, txHash)
		if errors.Is(e, ethereum.NotFound) {
			notFound = true
			return nil
		}
		if e != nil {
			return e
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ethereum.NotFound
	}
	return out, nil
}

func (f *FailoverClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	var out *big.Int
	err := f.do(func(c rpcClient) error {
		var e error
		out, e = c.BalanceAt(ctx, account, nil)
		return e
	})
	return out, err
}

func (f *FailoverClient) Close() {
	for _, c := range f.clients {
		c.Close()
	}
}
