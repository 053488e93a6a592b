package noncemanager

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

type stubChain struct {
	mu    sync.Mutex
	nonce uint64
	err   error
	calls int
}

func (s *stubChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.nonce, nil
}

var addr = common.HexToAddress("0x1000000000000000000000000000000000000001")

func TestGetNonceFetchesOnMissThenServesFromCache(t *testing.T) {
	chain := &stubChain{nonce: 7}
	nm := New(chain, logger.NewNoOpLogger())

	n, err := nm.GetNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)

	n, err = nm.GetNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)
	assert.Equal(t, 1, chain.calls, "second read must come from cache")
}

func TestGetNonceRefreshesWhenCachedValueConsumed(t *testing.T) {
	chain := &stubChain{nonce: 7}
	nm := New(chain, logger.NewNoOpLogger())

	n, err := nm.GetNonce(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, uint64(7), n)

	nm.MarkUsed(addr, 7)
	chain.nonce = 8

	n, err = nm.GetNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)
	assert.Equal(t, 2, chain.calls, "consumed cache entry must force a network refresh")
}

func TestGetNonceNeverReissuesConsumedNonce(t *testing.T) {
	// Network still reports the consumed nonce (receipt not yet indexed)
	chain := &stubChain{nonce: 5}
	nm := New(chain, logger.NewNoOpLogger())

	n, err := nm.GetNonce(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)

	nm.MarkUsed(addr, 5)

	n, err = nm.GetNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), n)
}

func TestGetNoncePropagatesNetworkError(t *testing.T) {
	chain := &stubChain{err: fmt.Errorf("rpc down")}
	nm := New(chain, logger.NewNoOpLogger())

	_, err := nm.GetNonce(context.Background(), addr)
	assert.Error(t, err)
}

func TestConcurrentIncrementNeverDuplicates(t *testing.T) {
	chain := &stubChain{nonce: 0}
	nm := New(chain, logger.NewNoOpLogger())

	_, err := nm.GetNonce(context.Background(), addr)
	require.NoError(t, err)

	const workers = 64
	results := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- nm.IncrementNonce(addr)
		}()
	}
	wg.Wait()
	close(results)

	seen := map[uint64]bool{}
	for n := range results {
		assert.False(t, seen[n], "two callers observed nonce %d", n)
		seen[n] = true
	}
	assert.Len(t, seen, workers)
}

func TestResetForcesNetworkFetch(t *testing.T) {
	chain := &stubChain{nonce: 3}
	nm := New(chain, logger.NewNoOpLogger())

	_, err := nm.GetNonce(context.Background(), addr)
	require.NoError(t, err)

	nm.Reset(addr)
	chain.nonce = 12

	n, err := nm.GetNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), n)
}
