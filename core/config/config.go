package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-relayer/core/mempool"
	"github.com/AvaProtocol/ap-relayer/core/relayermanager"
	"github.com/AvaProtocol/ap-relayer/core/txlistener"
)

// Config is the validated runtime configuration for one node process.
type Config struct {
	Logger sdklogging.Logger

	DbPath         string
	BackupDir      string
	BackupInterval time.Duration

	HTTPBindAddress string
	WebhookURL      string

	Networks []*NetworkConfig
}

// NetworkConfig holds everything one network's pipeline needs, parsed and
// typed. Chain clients are built by the node, not here.
type NetworkConfig struct {
	ChainID     int64
	Name        string
	RPCURLs     []string
	EIP1559     bool
	Entrypoints []common.Address
	Beneficiary common.Address
	OwnerKey    *ecdsa.PrivateKey

	Mempool mempool.Config
	Relayer relayermanager.Config

	BundleInterval time.Duration
	MaxBundleSize  int

	Listener   txlistener.Config
	MaxRetries int

	Gas GasConfig
}

// GasConfig stays partly raw: sources need a live chain client, so the node
// finishes the wiring.
type GasConfig struct {
	RefreshInterval   time.Duration
	BumpPercent       uint64
	MinPrice          *big.Int
	MaxPrice          *big.Int
	BaseFeeMultiplier decimal.Decimal
	MediumMultiplier  decimal.Decimal
	FastMultiplier    decimal.Decimal
	DefaultGasPrice   *big.Int
	Sources           []SourceConfig
}

type SourceConfig struct {
	Type    string
	Options map[string]interface{}
}

// These are read from configPath.
type ConfigRaw struct {
	Environment     sdklogging.LogLevel `yaml:"environment"`
	DbPath          string              `yaml:"db_path"`
	BackupDir       string              `yaml:"backup_dir"`
	BackupMinutes   int                 `yaml:"backup_interval_minutes"`
	HTTPBindAddress string              `yaml:"http_bind_address"`
	WebhookURL      string              `yaml:"webhook_url"`
	Networks        []NetworkRaw        `yaml:"networks"`
}

type NetworkRaw struct {
	ChainID         int64    `yaml:"chain_id"`
	Name            string   `yaml:"name"`
	RPCURLs         []string `yaml:"rpc_urls"`
	EIP1559         bool     `yaml:"eip1559"`
	Entrypoints     []string `yaml:"entrypoints"`
	Beneficiary     string   `yaml:"beneficiary"`
	OwnerPrivateKey string   `yaml:"owner_private_key"`

	Mempool struct {
		MaxLength        int    `yaml:"max_length"`
		PerSenderCap     int    `yaml:"per_sender_cap"`
		PriceBumpPercent uint64 `yaml:"price_bump_percent"`
	} `yaml:"mempool"`

	Bundler struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		MaxBundleSize   int `yaml:"max_bundle_size"`
	} `yaml:"bundler"`

	Relayer struct {
		MinCount                int    `yaml:"min_count"`
		MaxCount                int    `yaml:"max_count"`
		NewInstanceCount        int    `yaml:"new_instance_count"`
		PendingTxThreshold      int    `yaml:"pending_tx_threshold"`
		InactiveCyclesThreshold int    `yaml:"inactive_cycles_threshold"`
		FundingBalanceWei       string `yaml:"funding_balance_threshold_wei"`
		FundingAmountWei        string `yaml:"funding_amount_wei"`
	} `yaml:"relayer"`

	Listener struct {
		PollSeconds              int `yaml:"poll_seconds"`
		SubmissionTimeoutSeconds int `yaml:"submission_timeout_seconds"`
		RetryBackoffSeconds      int `yaml:"retry_backoff_seconds"`
		MaxRetries               int `yaml:"max_retries"`
	} `yaml:"listener"`

	Gas struct {
		RefreshSeconds    int     `yaml:"refresh_seconds"`
		BumpPercent       uint64  `yaml:"bump_percent"`
		MinPriceWei       string  `yaml:"min_price_wei"`
		MaxPriceWei       string  `yaml:"max_price_wei"`
		BaseFeeMultiplier float64 `yaml:"base_fee_multiplier"`
		MediumMultiplier  float64 `yaml:"medium_multiplier"`
		FastMultiplier    float64 `yaml:"fast_multiplier"`
		DefaultPriceWei   string  `yaml:"default_price_wei"`
		Sources           []struct {
			Type    string                 `yaml:"type"`
			Options map[string]interface{} `yaml:"options"`
		} `yaml:"sources"`
	} `yaml:"gas"`
}

// NewConfig parses and validates the config file.
func NewConfig(configFilePath string) (*Config, error) {
	raw, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
	}

	var configRaw ConfigRaw
	if err := yaml.Unmarshal(raw, &configRaw); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", configFilePath, err)
	}

	logger, err := sdklogging.NewZapLogger(configRaw.Environment)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Logger:          logger,
		DbPath:          configRaw.DbPath,
		BackupDir:       configRaw.BackupDir,
		BackupInterval:  time.Duration(configRaw.BackupMinutes) * time.Minute,
		HTTPBindAddress: configRaw.HTTPBindAddress,
		WebhookURL:      configRaw.WebhookURL,
	}

	for i := range configRaw.Networks {
		network, err := parseNetwork(&configRaw.Networks[i])
		if err != nil {
			return nil, err
		}
		cfg.Networks = append(cfg.Networks, network)
	}

	cfg.validate()
	return cfg, nil
}

func parseNetwork(raw *NetworkRaw) (*NetworkConfig, error) {
	ownerKey, err := crypto.HexToECDSA(raw.OwnerPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("network %d: cannot parse owner private key: %w", raw.ChainID, err)
	}

	n := &NetworkConfig{
		ChainID:     raw.ChainID,
		Name:        raw.Name,
		RPCURLs:     raw.RPCURLs,
		EIP1559:     raw.EIP1559,
		Entrypoints: convertToAddressSlice(raw.Entrypoints),
		Beneficiary: common.HexToAddress(raw.Beneficiary),
		OwnerKey:    ownerKey,

		Mempool: mempool.Config{
			MaxLength:        raw.Mempool.MaxLength,
			PerSenderCap:     raw.Mempool.PerSenderCap,
			PriceBumpPercent: raw.Mempool.PriceBumpPercent,
		},

		Relayer: relayermanager.Config{
			MinRelayerCount:                  raw.Relayer.MinCount,
			MaxRelayerCount:                  raw.Relayer.MaxCount,
			NewRelayerInstanceCount:          raw.Relayer.NewInstanceCount,
			PendingTransactionCountThreshold: raw.Relayer.PendingTxThreshold,
			InactiveRelayerCountThreshold:    raw.Relayer.InactiveCyclesThreshold,
			FundingBalanceThreshold:          mustParseWei(raw.Relayer.FundingBalanceWei),
			FundingAmount:                    mustParseWei(raw.Relayer.FundingAmountWei),
		},

		BundleInterval: time.Duration(raw.Bundler.IntervalSeconds) * time.Second,
		MaxBundleSize:  raw.Bundler.MaxBundleSize,

		Listener: txlistener.Config{
			PollInterval:      time.Duration(raw.Listener.PollSeconds) * time.Second,
			SubmissionTimeout: time.Duration(raw.Listener.SubmissionTimeoutSeconds) * time.Second,
			RetryBackoff:      time.Duration(raw.Listener.RetryBackoffSeconds) * time.Second,
		},
		MaxRetries: raw.Listener.MaxRetries,

		Gas: GasConfig{
			RefreshInterval:   time.Duration(raw.Gas.RefreshSeconds) * time.Second,
			BumpPercent:       raw.Gas.BumpPercent,
			MinPrice:          parseWei(raw.Gas.MinPriceWei),
			MaxPrice:          parseWei(raw.Gas.MaxPriceWei),
			BaseFeeMultiplier: decimal.NewFromFloat(defaultFloat(raw.Gas.BaseFeeMultiplier, 2)),
			MediumMultiplier:  decimal.NewFromFloat(defaultFloat(raw.Gas.MediumMultiplier, 1.2)),
			FastMultiplier:    decimal.NewFromFloat(defaultFloat(raw.Gas.FastMultiplier, 1.5)),
			DefaultGasPrice:   parseWei(raw.Gas.DefaultPriceWei),
		},
	}

	for _, src := range raw.Gas.Sources {
		n.Gas.Sources = append(n.Gas.Sources, SourceConfig{Type: src.Type, Options: src.Options})
	}

	return n, nil
}

func (c *Config) validate() {
	if c.DbPath == "" {
		panic("Config: db_path is required")
	}
	if len(c.Networks) == 0 {
		panic("Config: at least one network is required")
	}
	for _, n := range c.Networks {
		if len(n.RPCURLs) == 0 {
			panic(fmt.Sprintf("Config: network %d needs at least one rpc url", n.ChainID))
		}
		if len(n.Entrypoints) == 0 {
			panic(fmt.Sprintf("Config: network %d needs at least one entrypoint", n.ChainID))
		}
	}
}

func defaultFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

// parseWei reads a decimal wei amount; empty means unset.
func parseWei(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(fmt.Sprintf("Config: invalid wei amount %q", s))
	}
	return v
}

func mustParseWei(s string) *big.Int {
	v := parseWei(s)
	if v == nil {
		panic("Config: missing wei amount")
	}
	return v
}
