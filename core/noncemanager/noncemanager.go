package noncemanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

// ChainNonceReader is the slice of the chain client the manager needs.
type ChainNonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager allocates transaction nonces per relayer address. The cached
// counter is the fast path; the network is the authority whenever the cache
// is stale or contested. All mutation happens under one mutex, which is the
// serialization point that keeps concurrent submissions for the same address
// from observing the same nonce.
type NonceManager struct {
	mu   sync.Mutex
	next map[common.Address]uint64
	used map[string]bool

	client ChainNonceReader
	logger logger.Logger
}

func New(client ChainNonceReader, lg logger.Logger) *NonceManager {
	return &NonceManager{
		next:   make(map[common.Address]uint64),
		used:   make(map[string]bool),
		client: client,
		logger: logger.EnsureLogger(lg),
	}
}

func usedKey(addr common.Address, nonce uint64) string {
	return fmt.Sprintf("%s:%d", addr.Hex(), nonce)
}

// GetNonce returns the next usable nonce for an address. A cached value that
// was already consumed forces a refresh from the network; a cache miss fetches
// and caches. Network errors propagate only when there is no usable state at
// all.
func (nm *NonceManager) GetNonce(ctx context.Context, addr common.Address) (uint64, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nonce, hasCached := nm.next[addr]
	if hasCached && !nm.used[usedKey(addr, nonce)] {
		return nonce, nil
	}

	// Stale or missing: the network is authoritative.
	chainNonce, err := nm.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("cannot resolve nonce for %s: %w", addr.Hex(), err)
	}

	// Never step backwards past a nonce we know is consumed.
	if hasCached && chainNonce <= nonce {
		chainNonce = nonce + 1
	}

	nm.next[addr] = chainNonce

	nm.logger.Debug("refreshed nonce from network", "address", addr.Hex(), "nonce", chainNonce)
	return chainNonce, nil
}

// MarkUsed records that a nonce has been consumed and must not be reissued.
func (nm *NonceManager) MarkUsed(addr common.Address, nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.used[usedKey(addr, nonce)] = true
}

// IncrementNonce atomically advances the cached counter and returns the new
// value. Callers that just submitted at nonce N call this so the next caller
// sees N+1 without a network round trip.
func (nm *NonceManager) IncrementNonce(addr common.Address) uint64 {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.next[addr]++
	return nm.next[addr]
}

// Reset clears cached state for an address, forcing the next GetNonce to hit
// the network. Used after a nonce-conflict error.
func (nm *NonceManager) Reset(addr common.Address) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.next, addr)
}
