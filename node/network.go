package node

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/AvaProtocol/ap-relayer/core/bundler"
	"github.com/AvaProtocol/ap-relayer/core/chainio"
	"github.com/AvaProtocol/ap-relayer/core/config"
	"github.com/AvaProtocol/ap-relayer/core/gasprice"
	"github.com/AvaProtocol/ap-relayer/core/mempool"
	"github.com/AvaProtocol/ap-relayer/core/noncemanager"
	"github.com/AvaProtocol/ap-relayer/core/notification"
	"github.com/AvaProtocol/ap-relayer/core/relayermanager"
	"github.com/AvaProtocol/ap-relayer/core/relayqueue"
	"github.com/AvaProtocol/ap-relayer/core/txlistener"
	"github.com/AvaProtocol/ap-relayer/core/txservice"
	"github.com/AvaProtocol/ap-relayer/core/txstore"
	"github.com/AvaProtocol/ap-relayer/metrics"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
	"github.com/AvaProtocol/ap-relayer/storage"
)

const healthCycleInterval = 30 * time.Second

// networkPipeline is one network's full stack: chain client, mempools,
// relayer pool, submission/confirmation machinery and the retry channel.
// Pipelines never share state; only the gas price service and the badger
// store are process-wide.
type networkPipeline struct {
	cfg      *config.NetworkConfig
	client   *chainio.FailoverClient
	registry *mempool.Registry
	nonces   *noncemanager.NonceManager
	relayers *relayermanager.Manager
	store    *txstore.Store
	txs      *txservice.Service
	queue    *relayqueue.Queue
	worker   *relayqueue.Worker
	listener *txlistener.Listener
	engine   *bundler.Engine
	logger   logger.Logger

	stopHealth chan struct{}
}

func buildPipeline(
	cfg *config.NetworkConfig,
	client *chainio.FailoverClient,
	db storage.Storage,
	gas *gasprice.Service,
	notifier *notification.Client,
	mx *metrics.Metrics,
	lg logger.Logger,
) (*networkPipeline, error) {
	registry := mempool.NewRegistry(lg)
	for _, entrypoint := range cfg.Entrypoints {
		registry.Register(mempool.Key{ChainID: cfg.ChainID, Entrypoint: entrypoint}, cfg.Mempool)
	}

	store := txstore.New(db, lg)
	nonces := noncemanager.New(client, lg)

	relayers := relayermanager.New(
		cfg.ChainID, cfg.Name, cfg.Relayer,
		cfg.OwnerKey, client, nil, db, notifier, lg,
	)

	txs := txservice.New(cfg.ChainID, client, nonces, relayers, gas, store, lg)
	relayers.SetFunder(txs)

	queue := relayqueue.New(db, lg, &relayqueue.QueueOption{
		Prefix: fmt.Sprintf("retry:%d", cfg.ChainID),
	})

	listener := txlistener.New(
		cfg.ChainID, client, nonces, relayers, registry,
		store, queue, cfg.Listener, lg,
	)

	retries := txlistener.NewRetryProcessor(listener, txs, relayers, gas, notifier, cfg.MaxRetries, lg)
	worker := relayqueue.NewWorker(queue, lg)
	worker.RegisterProcessor(txlistener.JobTypeRetry, retries)

	engine, err := bundler.NewEngine(
		registry, relayers, txs, client, gas, listener, mx,
		bundler.Config{
			Interval:      cfg.BundleInterval,
			Beneficiary:   cfg.Beneficiary,
			MaxBundleSize: cfg.MaxBundleSize,
		},
		lg,
	)
	if err != nil {
		return nil, fmt.Errorf("network %d: cannot build bundling engine: %w", cfg.ChainID, err)
	}

	return &networkPipeline{
		cfg:        cfg,
		client:     client,
		registry:   registry,
		nonces:     nonces,
		relayers:   relayers,
		store:      store,
		txs:        txs,
		queue:      queue,
		worker:     worker,
		listener:   listener,
		engine:     engine,
		logger:     logger.EnsureLogger(lg),
		stopHealth: make(chan struct{}),
	}, nil
}

// gasNetworkConfig finishes the gas price wiring for one network: sources get
// their chain client, the configured default becomes a full quote.
func gasNetworkConfig(cfg *config.NetworkConfig, client chainio.ChainClient) (*gasprice.NetworkConfig, error) {
	n := &gasprice.NetworkConfig{
		ChainID:           cfg.ChainID,
		EIP1559:           cfg.EIP1559,
		Client:            client,
		RefreshInterval:   cfg.Gas.RefreshInterval,
		BumpPercent:       cfg.Gas.BumpPercent,
		MinPrice:          cfg.Gas.MinPrice,
		MaxPrice:          cfg.Gas.MaxPrice,
		BaseFeeMultiplier: cfg.Gas.BaseFeeMultiplier,
		MediumMultiplier:  cfg.Gas.MediumMultiplier,
		FastMultiplier:    cfg.Gas.FastMultiplier,
	}

	if cfg.Gas.DefaultGasPrice != nil {
		n.DefaultQuote = defaultQuote(cfg.Gas.DefaultGasPrice, cfg.EIP1559)
	}

	for _, src := range cfg.Gas.Sources {
		source, err := buildSource(src, client, cfg.EIP1559)
		if err != nil {
			return nil, fmt.Errorf("network %d: %w", cfg.ChainID, err)
		}
		n.Sources = append(n.Sources, source)
	}

	// The node itself always closes the source chain.
	if len(n.Sources) == 0 {
		n.Sources = append(n.Sources, gasprice.NewNodeSource(client, cfg.EIP1559))
	}

	return n, nil
}

func buildSource(src config.SourceConfig, client chainio.ChainClient, eip1559 bool) (gasprice.Source, error) {
	switch src.Type {
	case "oracle":
		return gasprice.NewOracleSource(src.Options)
	case "explorer":
		return gasprice.NewExplorerSource(src.Options)
	case "node":
		return gasprice.NewNodeSource(client, eip1559), nil
	default:
		return nil, fmt.Errorf("unknown gas source type %q", src.Type)
	}
}

func defaultQuote(price *big.Int, eip1559 bool) *gasprice.Quote {
	if !eip1559 {
		return &gasprice.Quote{GasPrice: price}
	}
	return &gasprice.Quote{
		EIP1559:              true,
		MaxFeePerGas:         price,
		MaxPriorityFeePerGas: new(big.Int).Div(price, big.NewInt(10)),
	}
}

func (p *networkPipeline) start(ctx context.Context) error {
	created, err := p.relayers.CreateRelayers()
	if err != nil {
		return fmt.Errorf("network %d: cannot provision relayers: %w", p.cfg.ChainID, err)
	}
	if err := p.relayers.FundRelayers(ctx, created); err != nil {
		// Funding failures keep their relayers excluded; the pool can still
		// start as long as selection has somewhere to grow.
		p.logger.Error("relayer funding incomplete at boot", "chain_id", p.cfg.ChainID, "error", err)
	}

	p.queue.MustStart()
	if reclaimed, err := p.queue.Recover(); err != nil {
		p.logger.Error("retry queue recovery failed", "chain_id", p.cfg.ChainID, "error", err)
	} else if reclaimed > 0 {
		p.logger.Info("reclaimed in-progress retry jobs", "chain_id", p.cfg.ChainID, "count", reclaimed)
	}
	if dropped, err := p.queue.CleanupOrphaned(p.keepRetryJob); err != nil {
		p.logger.Error("retry queue cleanup failed", "chain_id", p.cfg.ChainID, "error", err)
	} else if dropped > 0 {
		p.logger.Info("dropped orphaned retry jobs", "chain_id", p.cfg.ChainID, "count", dropped)
	}

	p.worker.MustStart()
	p.listener.Start(ctx)
	if err := p.engine.Start(ctx); err != nil {
		return err
	}

	go p.healthLoop()

	p.logger.Info("network pipeline started",
		"chain_id", p.cfg.ChainID,
		"name", p.cfg.Name,
		"entrypoints", len(p.cfg.Entrypoints),
		"relayers", p.relayers.PoolSize(),
	)
	return nil
}

// keepRetryJob keeps a queued retry only while its transaction record exists
// and is still non-terminal.
func (p *networkPipeline) keepRetryJob(job *relayqueue.Job) bool {
	msg, err := txlistener.DecodeRetryMessage(job.Data)
	if err != nil {
		return false
	}
	tx, err := p.store.FindByTransactionID(p.cfg.ChainID, msg.TransactionID)
	if err != nil {
		return false
	}
	return !tx.Status.Terminal()
}

func (p *networkPipeline) healthLoop() {
	ticker := time.NewTicker(healthCycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.relayers.HealthCycle()
		case <-p.stopHealth:
			return
		}
	}
}

func (p *networkPipeline) stop() {
	close(p.stopHealth)
	if err := p.engine.Stop(); err != nil {
		p.logger.Warn("bundling engine shutdown", "chain_id", p.cfg.ChainID, "error", err)
	}
	p.listener.Stop()
	p.worker.Stop()
	if err := p.queue.Stop(); err != nil {
		p.logger.Warn("retry queue shutdown", "chain_id", p.cfg.ChainID, "error", err)
	}
	p.client.Close()
}

// poolCount sums staged entries across the network's entrypoints.
func (p *networkPipeline) poolCount() int {
	total := 0
	for _, key := range p.registry.Keys() {
		if pool, ok := p.registry.Get(key); ok {
			total += pool.CountEntries()
		}
	}
	return total
}
