package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AvaProtocol/ap-relayer/core/backup"
	"github.com/AvaProtocol/ap-relayer/core/chainio"
	"github.com/AvaProtocol/ap-relayer/core/config"
	"github.com/AvaProtocol/ap-relayer/core/gasprice"
	"github.com/AvaProtocol/ap-relayer/core/notification"
	"github.com/AvaProtocol/ap-relayer/metrics"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
	"github.com/AvaProtocol/ap-relayer/storage"
	"github.com/AvaProtocol/ap-relayer/version"
)

type NodeStatus string

const (
	initStatus     NodeStatus = "init"
	runningStatus  NodeStatus = "running"
	shutdownStatus NodeStatus = "shutdown"
)

// Node is the process root: one badger store, one gas price service, one
// metrics registry, and an independent pipeline per configured network.
type Node struct {
	config *config.Config
	logger logger.Logger

	db         storage.Storage
	gas        *gasprice.Service
	notifier   *notification.Client
	backup     *backup.Service
	mx         *metrics.Metrics
	promReg    *prometheus.Registry
	pipelines  map[int64]*networkPipeline
	httpServer *echo.Echo

	status    NodeStatus
	startedAt time.Time
	stopCh    chan struct{}
}

// RunWithConfig is the cmd entrypoint: parse config, build the node, run
// until a termination signal.
func RunWithConfig(configPath string) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		panic(fmt.Errorf("failed to parse config file %s: %w", configPath, err))
	}

	n, err := NewNode(cfg)
	if err != nil {
		panic(fmt.Errorf("cannot initialize relayer node from config: %w", err))
	}

	return n.Start(context.Background())
}

func NewNode(cfg *config.Config) (*Node, error) {
	lg := cfg.Logger

	db, err := storage.NewWithPath(cfg.DbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open store at %s: %w", cfg.DbPath, err)
	}
	if err := db.Setup(); err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	mx := metrics.New(promReg)

	notifier := notification.NewClient(cfg.WebhookURL, lg)

	n := &Node{
		config:    cfg,
		logger:    logger.EnsureLogger(lg),
		db:        db,
		notifier:  notifier,
		mx:        mx,
		promReg:   promReg,
		pipelines: make(map[int64]*networkPipeline),
		status:    initStatus,
		stopCh:    make(chan struct{}),
	}

	if cfg.BackupDir != "" {
		n.backup = backup.NewService(lg, db, cfg.BackupDir)
	}

	// The shared gas price service needs every network's chain client, so
	// clients come first, pipelines after the service exists.
	clients := make(map[int64]*chainio.FailoverClient, len(cfg.Networks))
	gasConfigs := make([]*gasprice.NetworkConfig, 0, len(cfg.Networks))

	for _, netCfg := range cfg.Networks {
		client, err := chainio.NewFailoverClient(lg, netCfg.RPCURLs...)
		if err != nil {
			return nil, fmt.Errorf("network %d: cannot build chain client: %w", netCfg.ChainID, err)
		}
		clients[netCfg.ChainID] = client

		gasCfg, err := gasNetworkConfig(netCfg, client)
		if err != nil {
			return nil, err
		}
		gasConfigs = append(gasConfigs, gasCfg)
	}

	gas, err := gasprice.NewService(lg, gasConfigs)
	if err != nil {
		return nil, err
	}
	n.gas = gas

	for _, netCfg := range cfg.Networks {
		p, err := buildPipeline(netCfg, clients[netCfg.ChainID], db, gas, notifier, mx, lg)
		if err != nil {
			return nil, err
		}
		n.pipelines[netCfg.ChainID] = p
	}

	return n, nil
}

func (n *Node) Start(ctx context.Context) error {
	n.logger.Info("starting relayer node", "version", version.Get(), "revision", version.Commit())
	n.startedAt = time.Now()

	if err := n.gas.Start(ctx); err != nil {
		return err
	}

	for chainID, p := range n.pipelines {
		if err := p.start(ctx); err != nil {
			return fmt.Errorf("cannot start pipeline for chain %d: %w", chainID, err)
		}
	}

	if n.backup != nil && n.config.BackupInterval > 0 {
		if err := n.backup.StartPeriodicBackup(n.config.BackupInterval); err != nil {
			n.logger.Error("cannot start backup service", "error", err)
		}
	}

	n.startHTTPServer(ctx)
	go n.statsLoop()
	n.status = runningStatus

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan bool, 1)
	go func() {
		<-sigs
		done <- true
	}()

	<-done
	n.logger.Info("shutting down...")
	n.Shutdown()
	return nil
}

// Shutdown drains the node in dependency order: no new intake, stop bundling
// and retries, then release storage.
func (n *Node) Shutdown() {
	n.status = shutdownStatus
	close(n.stopCh)

	n.stopHTTPServer()

	for _, p := range n.pipelines {
		p.stop()
	}

	if err := n.gas.Stop(); err != nil {
		n.logger.Warn("gas price service shutdown", "error", err)
	}
	if n.backup != nil {
		n.backup.StopPeriodicBackup()
	}
	if err := n.db.Close(); err != nil {
		n.logger.Warn("store shutdown", "error", err)
	}
}

// statsLoop samples the gauges the pipelines don't push themselves.
func (n *Node) statsLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.mx.Uptime.Set(time.Since(n.startedAt).Seconds())

			for chainID, p := range n.pipelines {
				label := metrics.ChainLabel(chainID)

				for _, key := range p.registry.Keys() {
					if pool, ok := p.registry.Get(key); ok {
						n.mx.MempoolSize.WithLabelValues(label, key.Entrypoint.Hex()).Set(float64(pool.CountEntries()))
					}
				}

				n.mx.RelayerPoolSize.WithLabelValues(label).Set(float64(p.relayers.PoolSize()))
				n.mx.ActiveRelayers.WithLabelValues(label).Set(float64(p.relayers.ActiveCount()))

				if pending, err := p.queue.CountPending(); err == nil {
					n.mx.RetriesPending.WithLabelValues(label).Set(float64(pending))
				}
			}
		case <-n.stopCh:
			return
		}
	}
}
