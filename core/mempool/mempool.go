package mempool

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

var (
	// ErrMempoolFull and ErrSenderLimit are backpressure: the admission path
	// surfaces them to the caller instead of dropping silently.
	ErrMempoolFull = errors.New("mempool has reached max length")
	ErrSenderLimit = errors.New("sender has too many outstanding operations")

	// ErrReplacementUnderpriced means an op for an existing (sender, nonce)
	// did not clear the fee bump threshold on both fee fields.
	ErrReplacementUnderpriced = errors.New("replacement operation underpriced")

	ErrNotFound = errors.New("no entry with that hash")
)

type Config struct {
	MaxLength        int
	PerSenderCap     int
	PriceBumpPercent uint64
}

// Pool is the staging area for one (network, entrypoint) pair. A single mutex
// guards every mutation; callers only ever receive copies of entries, never
// the internal slice.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	entries []*model.MempoolEntry
	logger  logger.Logger

	// onFull fires (once per admission) when the pool reaches MaxLength,
	// letting the bundling engine react without polling.
	onFull func()
}

func NewPool(cfg Config, lg logger.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		logger: logger.EnsureLogger(lg),
	}
}

// SetFullHandler installs the fullness trigger. Must be called before
// admission traffic starts.
func (p *Pool) SetFullHandler(fn func()) {
	p.onFull = fn
}

// MaxLength is the fullness trigger size for this pool.
func (p *Pool) MaxLength() int {
	return p.cfg.MaxLength
}

// AddUserOp admits an operation. A second admission for the same
// (sender, nonce) either replaces the first (both fee fields cleared the bump
// threshold) or is rejected with ErrReplacementUnderpriced.
func (p *Pool) AddUserOp(op *model.UserOperation, hash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx := p.findBySenderAndNonce(op.Sender, op.Nonce); idx >= 0 {
		keep := p.checkAndReplace(p.entries[idx].UserOp, op)
		if keep != op {
			return ErrReplacementUnderpriced
		}

		p.entries[idx] = &model.MempoolEntry{UserOp: op, UserOpHash: hash}
		p.logger.Info("replaced mempool entry", "sender", op.Sender.Hex(), "nonce", op.Nonce.String(), "hash", hash)
		return nil
	}

	if len(p.entries) >= p.cfg.MaxLength {
		return ErrMempoolFull
	}

	senderCount := lo.CountBy(p.entries, func(e *model.MempoolEntry) bool {
		return e.UserOp.Sender == op.Sender
	})
	if p.cfg.PerSenderCap > 0 && senderCount >= p.cfg.PerSenderCap {
		return ErrSenderLimit
	}

	p.entries = append(p.entries, &model.MempoolEntry{UserOp: op, UserOpHash: hash})

	if len(p.entries) >= p.cfg.MaxLength && p.onFull != nil {
		p.onFull()
	}

	return nil
}

// FindBySenderAndNonce returns the index of a conflicting entry, or -1.
func (p *Pool) FindBySenderAndNonce(sender common.Address, nonce *big.Int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findBySenderAndNonce(sender, nonce)
}

func (p *Pool) findBySenderAndNonce(sender common.Address, nonce *big.Int) int {
	for i, e := range p.entries {
		if e.UserOp.Sender == sender && e.UserOp.Nonce.Cmp(nonce) == 0 {
			return i
		}
	}
	return -1
}

// CheckAndReplace applies the replacement rule and returns whichever
// operation remains authoritative. The new op wins only when BOTH its
// max-priority-fee and max-fee exceed the old values by at least the
// configured bump percentage; improving a single field is rejected outright.
func (p *Pool) CheckAndReplace(oldOp, newOp *model.UserOperation) *model.UserOperation {
	return p.checkAndReplace(oldOp, newOp)
}

func (p *Pool) checkAndReplace(oldOp, newOp *model.UserOperation) *model.UserOperation {
	if clearsBump(oldOp.MaxPriorityFeePerGas, newOp.MaxPriorityFeePerGas, p.cfg.PriceBumpPercent) &&
		clearsBump(oldOp.MaxFeePerGas, newOp.MaxFeePerGas, p.cfg.PriceBumpPercent) {
		return newOp
	}
	return oldOp
}

func clearsBump(oldFee, newFee *big.Int, bumpPercent uint64) bool {
	threshold := new(big.Int).Mul(oldFee, big.NewInt(int64(100+bumpPercent)))
	threshold.Div(threshold, big.NewInt(100))
	return newFee.Cmp(threshold) >= 0
}

// MarkForBundling excludes an entry from re-selection without removing it.
// Returns false when no entry has that hash.
func (p *Pool) MarkForBundling(hash string) bool {
	return p.setMark(hash, true)
}

// UnmarkForBundling makes an entry selectable again after a failed bundle
// attempt.
func (p *Pool) UnmarkForBundling(hash string) bool {
	return p.setMark(hash, false)
}

// UnmarkByHashes releases a whole failed selection in one lock acquisition.
func (p *Pool) UnmarkByHashes(hashes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	release := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		release[h] = true
	}
	for _, e := range p.entries {
		if release[e.UserOpHash] {
			e.MarkedForBundling = false
		}
	}
}

func (p *Pool) setMark(hash string, marked bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.UserOpHash == hash {
			e.MarkedForBundling = marked
			return true
		}
	}
	return false
}

func (p *Pool) CountEntries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// GetEntries returns a snapshot. Entries are copied so callers can't mutate
// pool state; concurrent admissions after the snapshot simply wait for the
// next bundling attempt.
func (p *Pool) GetEntries() []*model.MempoolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	return lo.Map(p.entries, func(e *model.MempoolEntry, _ int) *model.MempoolEntry {
		copied := *e
		return &copied
	})
}

// RemoveByHash deletes an entry after confirmation, cancellation or
// replacement. Returns ErrNotFound for an unknown hash.
func (p *Pool) RemoveByHash(hash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		if e.UserOpHash == hash {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// RemoveByHashes removes every listed hash, ignoring ones already gone.
func (p *Pool) RemoveByHashes(hashes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	drop := lo.SliceToMap(hashes, func(h string) (string, bool) { return h, true })
	p.entries = lo.Filter(p.entries, func(e *model.MempoolEntry, _ int) bool {
		return !drop[e.UserOpHash]
	})
}
