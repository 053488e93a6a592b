package mempool

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

// Key identifies one staging area: user intents for different entrypoints on
// the same network never mix.
type Key struct {
	ChainID    int64
	Entrypoint common.Address
}

// Registry owns every pool in the node and fans fullness events out to the
// bundling engine over a single channel.
type Registry struct {
	mu     sync.RWMutex
	pools  map[Key]*Pool
	fullCh chan Key
	logger logger.Logger
}

func NewRegistry(lg logger.Logger) *Registry {
	return &Registry{
		pools:  make(map[Key]*Pool),
		fullCh: make(chan Key, 64),
		logger: logger.EnsureLogger(lg),
	}
}

// Register creates (or returns) the pool for a key.
func (r *Registry) Register(key Key, cfg Config) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[key]; ok {
		return p
	}

	p := NewPool(cfg, r.logger)
	p.SetFullHandler(func() {
		// Non-blocking: a slow engine just coalesces fullness events.
		select {
		case r.fullCh <- key:
		default:
		}
	})

	r.pools[key] = p
	return p
}

func (r *Registry) Get(key Key) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[key]
	return p, ok
}

func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.pools))
	for k := range r.pools {
		keys = append(keys, k)
	}
	return keys
}

// RemoveByHashes drops entries from every pool on a chain. Used once a bundle
// resolves on-chain and its operations no longer belong in staging.
func (r *Registry) RemoveByHashes(chainID int64, hashes []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for key, p := range r.pools {
		if key.ChainID == chainID {
			p.RemoveByHashes(hashes)
		}
	}
}

// FullSignal delivers the key of any pool that just hit max length.
func (r *Registry) FullSignal() <-chan Key {
	return r.fullCh
}
