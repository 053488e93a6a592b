package gasprice

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

type stubSource struct {
	name  string
	quote *Quote
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context) (*Quote, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.quote, nil
}

func newTestConfig(chainID int64, sources ...Source) *NetworkConfig {
	return &NetworkConfig{
		ChainID:           chainID,
		RefreshInterval:   1000000, // not started in tests
		BumpPercent:       15,
		BaseFeeMultiplier: decimal.NewFromFloat(2),
		MediumMultiplier:  decimal.NewFromFloat(1.2),
		FastMultiplier:    decimal.NewFromFloat(1.5),
		Sources:           sources,
	}
}

func TestRefreshUsesFirstHealthySource(t *testing.T) {
	broken := &stubSource{name: "oracle", err: fmt.Errorf("timeout")}
	healthy := &stubSource{name: "node", quote: &Quote{GasPrice: big.NewInt(10_000_000_000)}}
	never := &stubSource{name: "unused", quote: &Quote{GasPrice: big.NewInt(1)}}

	cfg := newTestConfig(1, broken, healthy, never)
	svc, err := NewService(logger.NewNoOpLogger(), []*NetworkConfig{cfg})
	require.NoError(t, err)

	require.NoError(t, svc.Refresh(context.Background(), 1))

	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, healthy.calls)
	assert.Equal(t, 0, never.calls, "chain must stop at the first healthy source")

	quote, err := svc.GetGasPrice(context.Background(), 1, SpeedDefault)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10_000_000_000), quote.GasPrice)
}

func TestRefreshFallsBackToDefaultQuote(t *testing.T) {
	broken := &stubSource{name: "oracle", err: fmt.Errorf("unavailable")}

	cfg := newTestConfig(1, broken)
	cfg.DefaultQuote = &Quote{GasPrice: big.NewInt(5_000_000_000)}

	svc, err := NewService(logger.NewNoOpLogger(), []*NetworkConfig{cfg})
	require.NoError(t, err)

	require.NoError(t, svc.Refresh(context.Background(), 1))

	quote, err := svc.GetGasPrice(context.Background(), 1, SpeedDefault)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5_000_000_000), quote.GasPrice)
}

func TestRefreshErrorsWhenAllSourcesFailWithoutDefault(t *testing.T) {
	broken := &stubSource{name: "oracle", err: fmt.Errorf("unavailable")}
	cfg := newTestConfig(1, broken)

	svc, err := NewService(logger.NewNoOpLogger(), []*NetworkConfig{cfg})
	require.NoError(t, err)

	assert.Error(t, svc.Refresh(context.Background(), 1))
}

func TestSpeedTiersScaleAndClamp(t *testing.T) {
	src := &stubSource{name: "node", quote: &Quote{GasPrice: big.NewInt(10_000)}}

	cfg := newTestConfig(1, src)
	cfg.MaxPrice = big.NewInt(13_000)

	svc, err := NewService(logger.NewNoOpLogger(), []*NetworkConfig{cfg})
	require.NoError(t, err)
	require.NoError(t, svc.Refresh(context.Background(), 1))

	def, err := svc.GetGasPrice(context.Background(), 1, SpeedDefault)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10_000), def.GasPrice)

	medium, err := svc.GetGasPrice(context.Background(), 1, SpeedMedium)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(12_000), medium.GasPrice)

	fast, err := svc.GetGasPrice(context.Background(), 1, SpeedFast)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(13_000), fast.GasPrice, "fast tier must clamp to the configured max")
}

func TestEIP1559TiersDeriveMaxFeeFromBaseFee(t *testing.T) {
	src := &stubSource{name: "node", quote: &Quote{
		EIP1559:              true,
		MaxFeePerGas:         big.NewInt(40_000),
		MaxPriorityFeePerGas: big.NewInt(2_000),
		BaseFee:              big.NewInt(10_000),
	}}

	cfg := newTestConfig(1, src)
	cfg.EIP1559 = true

	svc, err := NewService(logger.NewNoOpLogger(), []*NetworkConfig{cfg})
	require.NoError(t, err)
	require.NoError(t, svc.Refresh(context.Background(), 1))

	def, err := svc.GetGasPrice(context.Background(), 1, SpeedDefault)
	require.NoError(t, err)
	assert.True(t, def.EIP1559)
	assert.Equal(t, big.NewInt(2_000), def.MaxPriorityFeePerGas)
	// baseFee * 2 + tip
	assert.Equal(t, big.NewInt(22_000), def.MaxFeePerGas)

	baseFee, err := svc.GetBaseFee(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10_000), baseFee)
}
