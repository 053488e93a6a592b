package txlistener

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-relayer/core/relayqueue"
	"github.com/AvaProtocol/ap-relayer/core/txstore"
	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

// JobTypeRetry names the delayed-queue job kind carrying a RetryMessage.
const JobTypeRetry = "retry_transaction"

// RetryMessage is the payload scheduled on the delayed queue when a
// submission goes missing from the network.
type RetryMessage struct {
	TransactionID  string         `json:"transactionId"`
	RelayerAddress common.Address `json:"relayerAddress"`
	Attempt        int            `json:"attempt"`
}

func EncodeRetryMessage(m *RetryMessage) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeRetryMessage(b []byte) (*RetryMessage, error) {
	m := &RetryMessage{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}

type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type NonceMarker interface {
	MarkUsed(addr common.Address, nonce uint64)
}

type PendingReleaser interface {
	DecrementPending(addr common.Address)
}

// OpRemover clears bundled user operations out of staging once their carrier
// transaction resolves. Satisfied by mempool.Registry.
type OpRemover interface {
	RemoveByHashes(chainID int64, hashes []string)
}

type Config struct {
	// PollInterval is how often watched hashes are checked for receipts.
	PollInterval time.Duration

	// SubmissionTimeout is how long a submitted transaction may stay
	// receipt-less before it is declared dropped and scheduled for retry.
	SubmissionTimeout time.Duration

	// RetryBackoff delays the scheduled resubmission.
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.SubmissionTimeout <= 0 {
		c.SubmissionTimeout = 2 * time.Minute
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 15 * time.Second
	}
}

type watchedTx struct {
	tx          *model.Transaction
	submittedAt time.Time
}

// Listener drives the post-submission state machine for one network. Every
// submitted transaction is watched until its receipt arrives or the
// submission times out; a timed-out transaction goes to the delayed retry
// queue as DROPPED, never to a terminal state.
type Listener struct {
	chainID  int64
	client   ReceiptReader
	nonces   NonceMarker
	relayers PendingReleaser
	ops      OpRemover
	store    *txstore.Store
	queue    *relayqueue.Queue
	cfg      Config
	logger   logger.Logger

	mu      sync.Mutex
	watched map[string]*watchedTx

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(
	chainID int64,
	client ReceiptReader,
	nonces NonceMarker,
	relayers PendingReleaser,
	ops OpRemover,
	store *txstore.Store,
	queue *relayqueue.Queue,
	cfg Config,
	lg logger.Logger,
) *Listener {
	cfg.applyDefaults()
	return &Listener{
		chainID:  chainID,
		client:   client,
		nonces:   nonces,
		relayers: relayers,
		ops:      ops,
		store:    store,
		queue:    queue,
		cfg:      cfg,
		logger:   logger.EnsureLogger(lg),
		watched:  make(map[string]*watchedTx),
		stopCh:   make(chan struct{}),
	}
}

// Watch starts tracking a submitted transaction.
func (l *Listener) Watch(tx *model.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watched[tx.ID] = &watchedTx{tx: tx, submittedAt: time.Now()}
}

func (l *Listener) WatchedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watched)
}

func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.Poll(ctx)
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *Listener) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// Poll checks every watched transaction once. Exported so the retry processor
// and tests can drive the state machine without the ticker.
func (l *Listener) Poll(ctx context.Context) {
	l.mu.Lock()
	snapshot := make([]*watchedTx, 0, len(l.watched))
	for _, w := range l.watched {
		snapshot = append(snapshot, w)
	}
	l.mu.Unlock()

	for _, w := range snapshot {
		receipt, err := l.client.TransactionReceipt(ctx, w.tx.Hash)
		switch {
		case err == nil && receipt != nil:
			l.finalizeMined(w.tx, receipt)
		case errors.Is(err, ethereum.NotFound):
			if time.Since(w.submittedAt) > l.cfg.SubmissionTimeout {
				l.markDropped(w.tx)
			}
		case err != nil:
			l.logger.Warn("receipt lookup failed", "chain_id", l.chainID, "hash", w.tx.Hash.Hex(), "error", err)
		}
	}
}

// finalizeMined closes out a confirmed transaction: the nonce is consumed,
// the relayer slot frees up and the carried operations leave staging.
func (l *Listener) finalizeMined(tx *model.Transaction, receipt *types.Receipt) {
	status := model.TxStatusMinedOK
	if receipt.Status != types.ReceiptStatusSuccessful {
		status = model.TxStatusMinedFailed
	}

	l.nonces.MarkUsed(tx.RelayerAddress, tx.Nonce)
	l.relayers.DecrementPending(tx.RelayerAddress)
	if len(tx.UserOpHashes) > 0 {
		l.ops.RemoveByHashes(l.chainID, tx.UserOpHashes)
	}

	tx.Status = status
	if err := l.store.UpdateByIDAndHash(l.chainID, tx.ID, tx.Hash, func(stored *model.Transaction) {
		stored.Status = status
	}); err != nil {
		l.logger.Error("cannot persist mined status", "tx_id", tx.ID, "error", err)
	}

	l.forget(tx.ID)
	l.logger.Info("transaction mined",
		"chain_id", l.chainID,
		"tx_id", tx.ID,
		"hash", tx.Hash.Hex(),
		"status", string(status),
		"block", receipt.BlockNumber,
	)
}

// markDropped routes a vanished submission into the retry path. The relayer
// slot is released here and re-taken by the resubmission; the nonce stays
// unconsumed so the replacement lands in the same slot.
func (l *Listener) markDropped(tx *model.Transaction) {
	tx.Status = model.TxStatusDropped

	if err := l.store.UpdateByIDAndHash(l.chainID, tx.ID, tx.Hash, func(stored *model.Transaction) {
		stored.Status = model.TxStatusDropped
	}); err != nil {
		l.logger.Error("cannot persist dropped status", "tx_id", tx.ID, "error", err)
	}

	msg, err := EncodeRetryMessage(&RetryMessage{
		TransactionID:  tx.ID,
		RelayerAddress: tx.RelayerAddress,
		Attempt:        tx.RetryCount + 1,
	})
	if err != nil {
		l.logger.Error("cannot encode retry message", "tx_id", tx.ID, "error", err)
		return
	}

	if _, err := l.queue.EnqueueDelayed(JobTypeRetry, tx.ID, msg, l.cfg.RetryBackoff); err != nil {
		// Keep the entry watched and the slot held; the next poll retries
		// the whole handoff, so the slot is never released more than once.
		l.logger.Error("cannot schedule retry", "tx_id", tx.ID, "error", err)
		return
	}

	l.relayers.DecrementPending(tx.RelayerAddress)
	l.forget(tx.ID)
	l.logger.Warn("transaction dropped, retry scheduled",
		"chain_id", l.chainID,
		"tx_id", tx.ID,
		"hash", tx.Hash.Hex(),
		"attempt", tx.RetryCount+1,
		"backoff", l.cfg.RetryBackoff,
	)
}

func (l *Listener) forget(txID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.watched, txID)
}
