package gasprice

import (
	"context"
	"fmt"
	"math/big"

	"github.com/go-resty/resty/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-relayer/core/chainio"
	"github.com/AvaProtocol/ap-relayer/pkg/eip1559"
)

// Quote is one fee reading for a network. Either GasPrice (legacy) or the
// 1559 pair is populated, never both.
type Quote struct {
	GasPrice             *big.Int `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`
	EIP1559              bool     `json:"eip1559"`
	BaseFee              *big.Int `json:"baseFee,omitempty"`
}

// Source is one provider in a network's ordered fee-source chain. Sources are
// tried in order on every refresh; the first success wins.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (*Quote, error)
}

var gweiFactor = decimal.NewFromInt(1_000_000_000)

func gweiToWei(gwei decimal.Decimal) *big.Int {
	return gwei.Mul(gweiFactor).BigInt()
}

// OracleOptions configures an external fee quote service returning wei values.
type OracleOptions struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type oracleResponse struct {
	GasPrice             string `json:"gasPrice"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

// OracleSource pulls quotes from a fast external oracle over HTTP.
type OracleSource struct {
	opts   OracleOptions
	client *resty.Client
}

func NewOracleSource(options map[string]interface{}) (*OracleSource, error) {
	var opts OracleOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("invalid oracle source options: %w", err)
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("oracle source requires a url")
	}

	return &OracleSource{
		opts:   opts,
		client: resty.New(),
	}, nil
}

func (s *OracleSource) Name() string { return "oracle" }

func (s *OracleSource) Fetch(ctx context.Context) (*Quote, error) {
	var body oracleResponse

	req := s.client.R().SetContext(ctx).SetResult(&body)
	if s.opts.APIKey != "" {
		req.SetHeader("X-Api-Key", s.opts.APIKey)
	}

	resp, err := req.Get(s.opts.URL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("oracle returned status %d", resp.StatusCode())
	}

	if body.MaxFeePerGas != "" && body.MaxPriorityFeePerGas != "" {
		maxFee, ok1 := new(big.Int).SetString(body.MaxFeePerGas, 10)
		maxPriority, ok2 := new(big.Int).SetString(body.MaxPriorityFeePerGas, 10)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("oracle returned malformed 1559 quote")
		}
		return &Quote{
			EIP1559:              true,
			MaxFeePerGas:         maxFee,
			MaxPriorityFeePerGas: maxPriority,
		}, nil
	}

	price, ok := new(big.Int).SetString(body.GasPrice, 10)
	if !ok {
		return nil, fmt.Errorf("oracle returned malformed gas price")
	}
	return &Quote{GasPrice: price}, nil
}

// ExplorerOptions configures a block-explorer style gas oracle
// (gwei decimal strings in an etherscan-shaped envelope).
type ExplorerOptions struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type explorerResponse struct {
	Status string `json:"status"`
	Result struct {
		SafeGasPrice    string `json:"SafeGasPrice"`
		ProposeGasPrice string `json:"ProposeGasPrice"`
		FastGasPrice    string `json:"FastGasPrice"`
		SuggestBaseFee  string `json:"suggestBaseFee"`
	} `json:"result"`
}

type ExplorerSource struct {
	opts   ExplorerOptions
	client *resty.Client
}

func NewExplorerSource(options map[string]interface{}) (*ExplorerSource, error) {
	var opts ExplorerOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("invalid explorer source options: %w", err)
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("explorer source requires a url")
	}

	return &ExplorerSource{
		opts:   opts,
		client: resty.New(),
	}, nil
}

func (s *ExplorerSource) Name() string { return "explorer" }

func (s *ExplorerSource) Fetch(ctx context.Context) (*Quote, error) {
	var body explorerResponse

	req := s.client.R().SetContext(ctx).SetResult(&body)
	if s.opts.APIKey != "" {
		req.SetQueryParam("apikey", s.opts.APIKey)
	}

	resp, err := req.Get(s.opts.URL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() || body.Status != "1" {
		return nil, fmt.Errorf("explorer oracle unavailable (status %d)", resp.StatusCode())
	}

	propose, err := decimal.NewFromString(body.Result.ProposeGasPrice)
	if err != nil {
		return nil, fmt.Errorf("explorer returned malformed gas price: %w", err)
	}

	quote := &Quote{GasPrice: gweiToWei(propose)}

	if body.Result.SuggestBaseFee != "" {
		baseFee, err := decimal.NewFromString(body.Result.SuggestBaseFee)
		if err == nil {
			quote.EIP1559 = true
			quote.BaseFee = gweiToWei(baseFee)
			quote.MaxFeePerGas = quote.GasPrice
			tip := new(big.Int).Sub(quote.GasPrice, quote.BaseFee)
			if tip.Sign() <= 0 {
				tip = big.NewInt(1_000_000_000)
			}
			quote.MaxPriorityFeePerGas = tip
			quote.GasPrice = nil
		}
	}

	return quote, nil
}

// NodeSource falls back to the network node itself. It is always the last
// entry in the source chain.
type NodeSource struct {
	client  chainio.ChainClient
	eip1559 bool
}

func NewNodeSource(client chainio.ChainClient, isEIP1559 bool) *NodeSource {
	return &NodeSource{client: client, eip1559: isEIP1559}
}

func (s *NodeSource) Name() string { return "node" }

func (s *NodeSource) Fetch(ctx context.Context) (*Quote, error) {
	if !s.eip1559 {
		price, err := s.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		return &Quote{GasPrice: price}, nil
	}

	maxFee, maxPriority, err := eip1559.SuggestFee(ctx, s.client)
	if err != nil {
		return nil, err
	}

	baseFee, err := s.client.BaseFee(ctx)
	if err != nil {
		return nil, err
	}

	return &Quote{
		EIP1559:              true,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
		BaseFee:              baseFee,
	}, nil
}
