package gasprice

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/allegro/bigcache/v3"
	gocron "github.com/go-co-op/gocron/v2"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-relayer/core/chainio"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

type Speed string

const (
	SpeedDefault Speed = "default"
	SpeedMedium  Speed = "medium"
	SpeedFast    Speed = "fast"
)

// NetworkConfig is the per-network fee policy: the ordered source chain, the
// clamp band, tier multipliers and the refresh cadence.
type NetworkConfig struct {
	ChainID         int64
	EIP1559         bool
	Client          chainio.ChainClient
	RefreshInterval time.Duration
	BumpPercent     uint64

	// Clamp band for every computed price. Nil disables that side.
	MinPrice *big.Int
	MaxPrice *big.Int

	// BaseFeeMultiplier scales the observed base fee when deriving per-tier
	// maxFeePerGas on 1559 networks.
	BaseFeeMultiplier decimal.Decimal
	MediumMultiplier  decimal.Decimal
	FastMultiplier    decimal.Decimal

	// DefaultQuote is used when every source in the chain fails.
	DefaultQuote *Quote

	Sources []Source
}

// Service keeps fresh fee estimates per network and speed tier in a shared
// cache. Readers (bundler, transaction service, retry service) only ever see
// the cache; the scheduled refresh is the single writer per network.
type Service struct {
	cache     *bigcache.BigCache
	networks  map[int64]*NetworkConfig
	scheduler gocron.Scheduler
	logger    logger.Logger
}

func NewService(lg logger.Logger, networks []*NetworkConfig) (*Service, error) {
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(10*time.Minute))
	if err != nil {
		return nil, fmt.Errorf("cannot create gas price cache: %w", err)
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("cannot create gas price scheduler: %w", err)
	}

	s := &Service{
		cache:     cache,
		networks:  make(map[int64]*NetworkConfig),
		scheduler: scheduler,
		logger:    logger.EnsureLogger(lg),
	}

	for _, n := range networks {
		s.networks[n.ChainID] = n
	}

	return s, nil
}

// Start schedules the periodic refresh for every network and primes the cache
// once so readers don't race an empty cache at boot.
func (s *Service) Start(ctx context.Context) error {
	for chainID, cfg := range s.networks {
		chainID := chainID
		_, err := s.scheduler.NewJob(
			gocron.DurationJob(cfg.RefreshInterval),
			gocron.NewTask(func() {
				if err := s.Refresh(ctx, chainID); err != nil {
					s.logger.Error("gas price refresh failed", "chain_id", chainID, "error", err)
				}
			}),
		)
		if err != nil {
			return fmt.Errorf("cannot schedule gas refresh for chain %d: %w", chainID, err)
		}
	}

	s.scheduler.Start()

	for chainID := range s.networks {
		if err := s.Refresh(ctx, chainID); err != nil {
			s.logger.Warn("initial gas price refresh failed", "chain_id", chainID, "error", err)
		}
	}

	return nil
}

func (s *Service) Stop() error {
	return s.scheduler.Shutdown()
}

// Refresh walks the network's source chain, takes the first quote that
// succeeds (or the configured default when all fail) and writes per-tier
// prices into the cache.
func (s *Service) Refresh(ctx context.Context, chainID int64) error {
	cfg, ok := s.networks[chainID]
	if !ok {
		return fmt.Errorf("unknown chain id %d", chainID)
	}

	var quote *Quote
	for _, src := range cfg.Sources {
		q, err := src.Fetch(ctx)
		if err != nil {
			s.logger.Warn("fee source failed, trying next", "chain_id", chainID, "source", src.Name(), "error", err)
			continue
		}
		quote = q
		break
	}

	if quote == nil {
		if cfg.DefaultQuote == nil {
			return fmt.Errorf("all fee sources failed for chain %d and no default is configured", chainID)
		}
		s.logger.Error("all fee sources failed, using configured default", "chain_id", chainID)
		quote = cfg.DefaultQuote
	}

	return s.writeTiers(cfg, quote)
}

func (s *Service) writeTiers(cfg *NetworkConfig, quote *Quote) error {
	multipliers := map[Speed]decimal.Decimal{
		SpeedDefault: decimal.NewFromInt(1),
		SpeedMedium:  cfg.MediumMultiplier,
		SpeedFast:    cfg.FastMultiplier,
	}

	for speed, mult := range multipliers {
		tier := &Quote{EIP1559: quote.EIP1559, BaseFee: quote.BaseFee}

		if quote.EIP1559 {
			tip := s.clamp(cfg, scale(quote.MaxPriorityFeePerGas, mult))
			var maxFee *big.Int
			if quote.BaseFee != nil {
				maxFee = new(big.Int).Add(scale(quote.BaseFee, cfg.BaseFeeMultiplier), tip)
			} else {
				maxFee = scale(quote.MaxFeePerGas, mult)
			}
			tier.MaxPriorityFeePerGas = tip
			tier.MaxFeePerGas = s.clamp(cfg, maxFee)
		} else {
			tier.GasPrice = s.clamp(cfg, scale(quote.GasPrice, mult))
		}

		b, err := json.Marshal(tier)
		if err != nil {
			return err
		}
		if err := s.cache.Set(gasKey(cfg.ChainID, speed), b); err != nil {
			return err
		}
	}

	if quote.BaseFee != nil {
		if err := s.cache.Set(baseFeeKey(cfg.ChainID), []byte(quote.BaseFee.String())); err != nil {
			return err
		}
	}

	return nil
}

// GetGasPrice returns the cached quote for a speed tier, refreshing once on a
// cache miss.
func (s *Service) GetGasPrice(ctx context.Context, chainID int64, speed Speed) (*Quote, error) {
	if b, err := s.cache.Get(gasKey(chainID, speed)); err == nil {
		return decodeQuote(b)
	}

	if err := s.Refresh(ctx, chainID); err != nil {
		return nil, err
	}

	b, err := s.cache.Get(gasKey(chainID, speed))
	if err != nil {
		return nil, fmt.Errorf("no gas price available for chain %d tier %s", chainID, speed)
	}
	return decodeQuote(b)
}

// GetBaseFee returns the last observed base fee for a network, falling back
// to the node when the cache has nothing. Returns nil for legacy networks.
func (s *Service) GetBaseFee(ctx context.Context, chainID int64) (*big.Int, error) {
	if b, err := s.cache.Get(baseFeeKey(chainID)); err == nil {
		baseFee, ok := new(big.Int).SetString(string(b), 10)
		if ok {
			return baseFee, nil
		}
	}

	cfg, ok := s.networks[chainID]
	if !ok {
		return nil, fmt.Errorf("unknown chain id %d", chainID)
	}
	if !cfg.EIP1559 || cfg.Client == nil {
		return nil, nil
	}

	return cfg.Client.BaseFee(ctx)
}

// BumpPercent exposes the configured resubmission bump for a network.
func (s *Service) BumpPercent(chainID int64) uint64 {
	if cfg, ok := s.networks[chainID]; ok {
		return cfg.BumpPercent
	}
	return 0
}

func (s *Service) clamp(cfg *NetworkConfig, v *big.Int) *big.Int {
	if cfg.MinPrice != nil && v.Cmp(cfg.MinPrice) < 0 {
		return new(big.Int).Set(cfg.MinPrice)
	}
	if cfg.MaxPrice != nil && v.Cmp(cfg.MaxPrice) > 0 {
		return new(big.Int).Set(cfg.MaxPrice)
	}
	return v
}

func scale(v *big.Int, mult decimal.Decimal) *big.Int {
	if v == nil {
		return nil
	}
	return decimal.NewFromBigInt(v, 0).Mul(mult).BigInt()
}

func decodeQuote(b []byte) (*Quote, error) {
	q := &Quote{}
	if err := json.Unmarshal(b, q); err != nil {
		return nil, err
	}
	return q, nil
}

func gasKey(chainID int64, speed Speed) string {
	return fmt.Sprintf("gas:%d:%s", chainID, speed)
}

func baseFeeKey(chainID int64) string {
	return fmt.Sprintf("basefee:%d", chainID)
}
