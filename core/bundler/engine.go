package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gocron "github.com/go-co-op/gocron/v2"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-relayer/core/mempool"
	"github.com/AvaProtocol/ap-relayer/core/txservice"
	"github.com/AvaProtocol/ap-relayer/metrics"
	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/pkg/erc4337"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

// ErrNothingToBundle means the cycle found no unmarked candidates.
var ErrNothingToBundle = errors.New("no operations eligible for bundling")

type RelayerSelector interface {
	SelectRelayer(ctx context.Context) (*model.Relayer, error)
}

type TransactionExecutor interface {
	ExecuteTransaction(ctx context.Context, req *txservice.ExecuteRequest) (common.Hash, error)
}

type GasEstimator interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// BaseFeeSource supplies the current base fee for effective-price sorting.
// Satisfied by gasprice.Service.
type BaseFeeSource interface {
	GetBaseFee(ctx context.Context, chainID int64) (*big.Int, error)
}

// Watcher picks up submitted bundle transactions. Satisfied by
// txlistener.Listener.
type Watcher interface {
	Watch(tx *model.Transaction)
}

type Config struct {
	// Interval is the periodic bundling cadence per pool.
	Interval time.Duration

	// Beneficiary receives the bundler's fee payout from handleOps.
	Beneficiary common.Address

	// MaxBundleSize caps operations per bundle; 0 means everything eligible.
	MaxBundleSize int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
}

// Engine turns staged user operations into handleOps transactions. Each pool
// has an exclusive bundling region: the interval timer and the fullness
// signal both funnel into the same per-pool mutex, and a cycle that finds the
// mutex held simply yields to the one in flight.
type Engine struct {
	registry *mempool.Registry
	selector RelayerSelector
	executor TransactionExecutor
	chain    GasEstimator
	basefees BaseFeeSource
	watcher  Watcher
	mx       *metrics.Metrics
	cfg      Config
	logger   logger.Logger

	lockMu sync.Mutex
	locks  map[mempool.Key]*sync.Mutex

	scheduler gocron.Scheduler
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewEngine(
	registry *mempool.Registry,
	selector RelayerSelector,
	executor TransactionExecutor,
	chain GasEstimator,
	basefees BaseFeeSource,
	watcher Watcher,
	mx *metrics.Metrics,
	cfg Config,
	lg logger.Logger,
) (*Engine, error) {
	cfg.applyDefaults()

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}

	return &Engine{
		registry:  registry,
		selector:  selector,
		executor:  executor,
		chain:     chain,
		basefees:  basefees,
		watcher:   watcher,
		mx:        mx,
		cfg:       cfg,
		logger:    logger.EnsureLogger(lg),
		locks:     make(map[mempool.Key]*sync.Mutex),
		scheduler: scheduler,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start wires the two triggers: the interval timer sweeps every pool, the
// fullness channel targets the pool that just hit max length.
func (e *Engine) Start(ctx context.Context) error {
	_, err := e.scheduler.NewJob(
		gocron.DurationJob(e.cfg.Interval),
		gocron.NewTask(func() {
			for _, key := range e.registry.Keys() {
				e.attempt(ctx, key, false)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("cannot schedule bundling job: %w", err)
	}
	e.scheduler.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case key := <-e.registry.FullSignal():
				e.attempt(ctx, key, true)
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (e *Engine) Stop() error {
	close(e.stopCh)
	e.wg.Wait()
	return e.scheduler.Shutdown()
}

func (e *Engine) attempt(ctx context.Context, key mempool.Key, force bool) {
	if err := e.AttemptBundle(ctx, key, force); err != nil && !errors.Is(err, ErrNothingToBundle) {
		e.logger.Warn("bundle cycle abandoned", "chain_id", key.ChainID, "entrypoint", key.Entrypoint.Hex(), "error", err)
	}
}

// AttemptBundle runs one bundling cycle for a pool. When force is false the
// cycle only proceeds once the pool holds a full batch.
func (e *Engine) AttemptBundle(ctx context.Context, key mempool.Key, force bool) error {
	lock := e.poolLock(key)
	if !lock.TryLock() {
		// A cycle for this pool is already in flight; the marked set it owns
		// must not be raced.
		return nil
	}
	defer lock.Unlock()

	pool, ok := e.registry.Get(key)
	if !ok {
		return fmt.Errorf("no pool registered for chain %d", key.ChainID)
	}

	if !force && pool.CountEntries() < pool.MaxLength() {
		return nil
	}

	candidates := lo.Filter(pool.GetEntries(), func(entry *model.MempoolEntry, _ int) bool {
		return !entry.MarkedForBundling
	})
	if len(candidates) == 0 {
		e.logger.Debug("nothing to bundle", "chain_id", key.ChainID, "entrypoint", key.Entrypoint.Hex())
		return ErrNothingToBundle
	}

	baseFee, err := e.basefees.GetBaseFee(ctx, key.ChainID)
	if err != nil {
		// Legacy comparison still yields a correct total order.
		baseFee = nil
	}
	sortByEffectivePrice(candidates, baseFee)

	if e.cfg.MaxBundleSize > 0 && len(candidates) > e.cfg.MaxBundleSize {
		candidates = candidates[:e.cfg.MaxBundleSize]
	}

	hashes := make([]string, len(candidates))
	ops := make([]*model.UserOperation, len(candidates))
	for i, entry := range candidates {
		pool.MarkForBundling(entry.UserOpHash)
		hashes[i] = entry.UserOpHash
		ops[i] = entry.UserOp
	}

	if e.mx != nil {
		e.mx.BundlesAttempted.WithLabelValues(metrics.ChainLabel(key.ChainID)).Inc()
	}

	gas, err := erc4337.EstimateBundleGas(ctx, e.chain, key.Entrypoint, e.cfg.Beneficiary, ops)
	if err != nil {
		pool.UnmarkByHashes(hashes)
		return fmt.Errorf("bundle estimation failed, operations released: %w", err)
	}

	relayer, err := e.selector.SelectRelayer(ctx)
	if err != nil {
		pool.UnmarkByHashes(hashes)
		return fmt.Errorf("no relayer available: %w", err)
	}

	calldata, err := erc4337.PackHandleOps(ops, e.cfg.Beneficiary)
	if err != nil {
		pool.UnmarkByHashes(hashes)
		return err
	}

	tx := &model.Transaction{
		ID:             model.NewTransactionID(),
		ChainID:        key.ChainID,
		RelayerAddress: relayer.Address,
		To:             key.Entrypoint,
		Data:           calldata,
		GasLimit:       gas + gas/5,
		Status:         model.TxStatusPending,
		UserOpHashes:   hashes,
	}

	if _, err := e.executor.ExecuteTransaction(ctx, &txservice.ExecuteRequest{Tx: tx, Relayer: relayer}); err != nil {
		pool.UnmarkByHashes(hashes)
		return fmt.Errorf("bundle submission failed, operations released: %w", err)
	}

	e.watcher.Watch(tx)
	if e.mx != nil {
		label := metrics.ChainLabel(key.ChainID)
		e.mx.BundlesSubmitted.WithLabelValues(label).Inc()
		e.mx.BundleSize.WithLabelValues(label).Observe(float64(len(ops)))
	}

	e.logger.Info("bundle submitted",
		"chain_id", key.ChainID,
		"entrypoint", key.Entrypoint.Hex(),
		"ops", len(ops),
		"gas_limit", tx.GasLimit,
		"relayer", relayer.Address.Hex(),
		"tx_id", tx.ID,
	)
	return nil
}

func (e *Engine) poolLock(key mempool.Key) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()

	if l, ok := e.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[key] = l
	return l
}

// sortByEffectivePrice orders candidates by descending effective gas price,
// breaking ties by ascending PreVerificationGas. The stable sort plus the
// two-level comparison gives a deterministic total order.
func sortByEffectivePrice(entries []*model.MempoolEntry, baseFee *big.Int) {
	sort.SliceStable(entries, func(i, j int) bool {
		pi := entries[i].UserOp.EffectiveGasPrice(baseFee)
		pj := entries[j].UserOp.EffectiveGasPrice(baseFee)

		switch pi.Cmp(pj) {
		case 1:
			return true
		case -1:
			return false
		}
		return entries[i].UserOp.PreVerificationGas.Cmp(entries[j].UserOp.PreVerificationGas) < 0
	})
}
