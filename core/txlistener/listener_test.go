package txlistener

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relayer/core/relayqueue"
	"github.com/AvaProtocol/ap-relayer/core/txservice"
	"github.com/AvaProtocol/ap-relayer/core/txstore"
	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
	"github.com/AvaProtocol/ap-relayer/storage"
)

type stubReceipts struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
}

func (s *stubReceipts) put(hash common.Hash, r *types.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receipts == nil {
		s.receipts = map[common.Hash]*types.Receipt{}
	}
	s.receipts[hash] = r
}

func (s *stubReceipts) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

type stubNonceMarker struct {
	mu   sync.Mutex
	used []uint64
}

func (s *stubNonceMarker) MarkUsed(addr common.Address, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = append(s.used, nonce)
}

type stubReleaser struct {
	mu       sync.Mutex
	released []common.Address
}

func (s *stubReleaser) DecrementPending(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, addr)
}

type stubRemover struct {
	mu      sync.Mutex
	removed []string
}

func (s *stubRemover) RemoveByHashes(chainID int64, hashes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, hashes...)
}

type listenerFixture struct {
	listener *Listener
	receipts *stubReceipts
	nonces   *stubNonceMarker
	releaser *stubReleaser
	remover  *stubRemover
	store    *txstore.Store
	queue    *relayqueue.Queue
	db       storage.Storage
}

func newListenerFixture(t *testing.T, cfg Config) *listenerFixture {
	t.Helper()

	db, err := storage.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	queue := relayqueue.New(db, logger.NewNoOpLogger(), &relayqueue.QueueOption{Prefix: "retry"})
	queue.MustStart()
	t.Cleanup(func() { _ = queue.Stop() })

	f := &listenerFixture{
		receipts: &stubReceipts{},
		nonces:   &stubNonceMarker{},
		releaser: &stubReleaser{},
		remover:  &stubRemover{},
		store:    txstore.New(db, logger.NewNoOpLogger()),
		queue:    queue,
		db:       db,
	}
	f.listener = New(1, f.receipts, f.nonces, f.releaser, f.remover, f.store, queue, cfg, logger.NewNoOpLogger())
	return f
}

func submittedTx(t *testing.T, f *listenerFixture) *model.Transaction {
	t.Helper()

	tx := &model.Transaction{
		ID:             model.NewTransactionID(),
		ChainID:        1,
		RelayerAddress: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		To:             common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
		GasLimit:       500_000,
		MaxFeePerGas:   big.NewInt(10_000_000_000),
		MaxPriorityFee: big.NewInt(1_000_000_000),
		Nonce:          4,
		Hash:           common.HexToHash("0xbeef"),
		Status:         model.TxStatusSubmitted,
		UserOpHashes:   []string{"0xop1", "0xop2"},
	}
	require.NoError(t, f.store.Save(tx))
	return tx
}

func TestPollFinalizesMinedTransaction(t *testing.T) {
	t.Run("successful receipt", func(t *testing.T) {
		f := newListenerFixture(t, Config{})
		tx := submittedTx(t, f)

		f.listener.Watch(tx)
		f.receipts.put(tx.Hash, &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)})

		f.listener.Poll(context.Background())

		saved, err := f.store.FindByTransactionID(1, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TxStatusMinedOK, saved.Status)
		assert.Equal(t, []uint64{4}, f.nonces.used, "mined transaction consumes its nonce")
		assert.Equal(t, []common.Address{tx.RelayerAddress}, f.releaser.released)
		assert.Equal(t, []string{"0xop1", "0xop2"}, f.remover.removed)
		assert.Equal(t, 0, f.listener.WatchedCount())
	})

	t.Run("reverted receipt is terminal too", func(t *testing.T) {
		f := newListenerFixture(t, Config{})
		tx := submittedTx(t, f)

		f.listener.Watch(tx)
		f.receipts.put(tx.Hash, &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(100)})

		f.listener.Poll(context.Background())

		saved, err := f.store.FindByTransactionID(1, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TxStatusMinedFailed, saved.Status)
		assert.Equal(t, []uint64{4}, f.nonces.used, "failed-on-chain still consumes the nonce")
	})
}

func TestPollSchedulesRetryOnSubmissionTimeout(t *testing.T) {
	f := newListenerFixture(t, Config{SubmissionTimeout: time.Millisecond, RetryBackoff: time.Millisecond})
	tx := submittedTx(t, f)

	f.listener.Watch(tx)
	time.Sleep(5 * time.Millisecond)
	f.listener.Poll(context.Background())

	saved, err := f.store.FindByTransactionID(1, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusDropped, saved.Status)
	assert.False(t, saved.Status.Terminal(), "dropped must stay retryable")
	assert.Empty(t, f.nonces.used, "a vanished transaction keeps its nonce unconsumed")
	assert.Equal(t, []common.Address{tx.RelayerAddress}, f.releaser.released)
	assert.Equal(t, 0, f.listener.WatchedCount())

	time.Sleep(5 * time.Millisecond)
	job, err := f.queue.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, job, "retry job must be on the queue")
	assert.Equal(t, JobTypeRetry, job.Type)

	msg, err := DecodeRetryMessage(job.Data)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, msg.TransactionID)
	assert.Equal(t, 1, msg.Attempt)
}

func TestDroppedSlotReleasedOnlyWithScheduledRetry(t *testing.T) {
	f := newListenerFixture(t, Config{SubmissionTimeout: time.Millisecond, RetryBackoff: time.Millisecond})
	tx := submittedTx(t, f)

	f.listener.Watch(tx)
	time.Sleep(5 * time.Millisecond)

	// Storage goes down: the retry can no longer be durably queued.
	require.NoError(t, f.db.Close())

	f.listener.Poll(context.Background())
	f.listener.Poll(context.Background())

	assert.Empty(t, f.releaser.released, "slot stays held until the retry is on the queue")
	assert.Equal(t, 1, f.listener.WatchedCount(), "undeliverable drop stays watched for the next poll")
}

func TestPollKeepsWatchingBeforeTimeout(t *testing.T) {
	f := newListenerFixture(t, Config{SubmissionTimeout: time.Hour})
	tx := submittedTx(t, f)

	f.listener.Watch(tx)
	f.listener.Poll(context.Background())

	assert.Equal(t, 1, f.listener.WatchedCount())
	saved, err := f.store.FindByTransactionID(1, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusSubmitted, saved.Status)
}

type recordingExecutor struct {
	mu   sync.Mutex
	reqs []*txservice.ExecuteRequest
	err  error
}

func (r *recordingExecutor) ExecuteTransaction(ctx context.Context, req *txservice.ExecuteRequest) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return common.Hash{}, r.err
	}
	r.reqs = append(r.reqs, req)
	req.Tx.Hash = common.HexToHash("0xfeed")
	req.Tx.Status = model.TxStatusSubmitted
	return req.Tx.Hash, nil
}

type stubRelayerSource struct {
	relayer *model.Relayer
}

func (s *stubRelayerSource) GetRelayer(addr common.Address) (*model.Relayer, bool) {
	if s.relayer != nil && s.relayer.Address == addr {
		return s.relayer, true
	}
	return nil, false
}

type fixedBump uint64

func (b fixedBump) BumpPercent(chainID int64) uint64 { return uint64(b) }

type countingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *countingAlerter) Alert(event string, fields map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func retryFixture(t *testing.T, maxRetries int) (*listenerFixture, *RetryProcessor, *recordingExecutor, *countingAlerter) {
	t.Helper()

	f := newListenerFixture(t, Config{SubmissionTimeout: time.Millisecond, RetryBackoff: time.Millisecond})
	executor := &recordingExecutor{}
	alerter := &countingAlerter{}
	relayers := &stubRelayerSource{relayer: &model.Relayer{
		Address: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Active:  true,
		Funded:  true,
	}}

	p := NewRetryProcessor(f.listener, executor, relayers, fixedBump(15), alerter, maxRetries, logger.NewNoOpLogger())
	return f, p, executor, alerter
}

func retryJob(t *testing.T, tx *model.Transaction, attempt int) *relayqueue.Job {
	t.Helper()
	data, err := EncodeRetryMessage(&RetryMessage{
		TransactionID:  tx.ID,
		RelayerAddress: tx.RelayerAddress,
		Attempt:        attempt,
	})
	require.NoError(t, err)
	return &relayqueue.Job{Type: JobTypeRetry, Name: tx.ID, Data: data, ID: 1}
}

func TestRetryResubmitsWithBumpedFeeAtSameNonce(t *testing.T) {
	f, p, executor, _ := retryFixture(t, 3)
	tx := submittedTx(t, f)
	require.NoError(t, f.store.UpdateByIDAndHash(1, tx.ID, tx.Hash, func(stored *model.Transaction) {
		stored.Status = model.TxStatusDropped
	}))

	require.NoError(t, p.Perform(retryJob(t, tx, 1)))

	require.Len(t, executor.reqs, 1)
	req := executor.reqs[0]
	assert.True(t, req.ReuseNonce, "replacement must occupy the original nonce slot")
	assert.Equal(t, uint64(4), req.Tx.Nonce)
	assert.Equal(t, 1, req.Tx.RetryCount)
	// 15% over 10 gwei
	assert.Equal(t, big.NewInt(11_500_000_000), req.Tx.MaxFeePerGas)
	assert.Equal(t, big.NewInt(1_150_000_000), req.Tx.MaxPriorityFee)
	assert.Equal(t, 1, f.listener.WatchedCount(), "resubmission goes back under watch")
}

func TestRetryIsIdempotent(t *testing.T) {
	t.Run("terminal record is left alone", func(t *testing.T) {
		f, p, executor, _ := retryFixture(t, 3)
		tx := submittedTx(t, f)
		require.NoError(t, f.store.UpdateByIDAndHash(1, tx.ID, tx.Hash, func(stored *model.Transaction) {
			stored.Status = model.TxStatusMinedOK
		}))

		require.NoError(t, p.Perform(retryJob(t, tx, 1)))
		assert.Empty(t, executor.reqs)
	})

	t.Run("late confirmation finalizes instead of re-broadcasting", func(t *testing.T) {
		f, p, executor, _ := retryFixture(t, 3)
		tx := submittedTx(t, f)
		require.NoError(t, f.store.UpdateByIDAndHash(1, tx.ID, tx.Hash, func(stored *model.Transaction) {
			stored.Status = model.TxStatusDropped
		}))
		f.receipts.put(tx.Hash, &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(101)})

		require.NoError(t, p.Perform(retryJob(t, tx, 1)))

		assert.Empty(t, executor.reqs)
		assert.Equal(t, []uint64{4}, f.nonces.used)
		saved, err := f.store.FindByTransactionID(1, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TxStatusMinedOK, saved.Status)
	})
}

func TestRetryExhaustionAlertsOnce(t *testing.T) {
	f, p, executor, alerter := retryFixture(t, 2)
	tx := submittedTx(t, f)
	require.NoError(t, f.store.UpdateByIDAndHash(1, tx.ID, tx.Hash, func(stored *model.Transaction) {
		stored.Status = model.TxStatusDropped
	}))

	require.NoError(t, p.Perform(retryJob(t, tx, 3)))

	assert.Empty(t, executor.reqs, "no broadcast past the retry cap")
	assert.Equal(t, []string{"transaction_retry_exhausted"}, alerter.events)

	saved, err := f.store.FindByTransactionID(1, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusDropped, saved.Status, "exhausted records stay dropped, never terminal")
}

func TestRetryReschedulesOnResubmissionFailure(t *testing.T) {
	f, p, executor, _ := retryFixture(t, 3)
	executor.err = assert.AnError
	tx := submittedTx(t, f)
	require.NoError(t, f.store.UpdateByIDAndHash(1, tx.ID, tx.Hash, func(stored *model.Transaction) {
		stored.Status = model.TxStatusDropped
	}))

	require.NoError(t, p.Perform(retryJob(t, tx, 1)))

	time.Sleep(5 * time.Millisecond)
	job, err := f.queue.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, job)

	msg, err := DecodeRetryMessage(job.Data)
	require.NoError(t, err)
	assert.Equal(t, 2, msg.Attempt, "next attempt carries an incremented counter")
}
