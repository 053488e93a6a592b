package relayermanager

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
	"github.com/AvaProtocol/ap-relayer/storage"
	"github.com/AvaProtocol/ap-relayer/storage/schema"
)

var (
	// ErrPoolSaturated tells the caller to queue/backpressure: every relayer
	// is busy and the pool is at max size.
	ErrPoolSaturated = errors.New("relayer pool saturated")

	ErrRelayerNotFound = errors.New("relayer not found")
)

type Config struct {
	MinRelayerCount         int
	MaxRelayerCount         int
	NewRelayerInstanceCount int

	// PendingTransactionCountThreshold is the busy line: a relayer at or above
	// it is skipped by selection.
	PendingTransactionCountThreshold int

	// InactiveRelayerCountThreshold is the number of consecutive health cycles
	// a relayer may stay above the busy line before being rotated out.
	InactiveRelayerCountThreshold int

	FundingBalanceThreshold *big.Int
	FundingAmount           *big.Int
}

type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// FundingSender transfers native currency from the owner account. Implemented
// by the transaction service; injected to avoid a package cycle.
type FundingSender interface {
	SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error)
}

// Alerter is the fire-and-forget notification sink.
type Alerter interface {
	Alert(event string, fields map[string]interface{})
}

// KeyProvider supplies fresh signing keys. Production wires a keystore; the
// default generates in-memory keys.
type KeyProvider func() (*ecdsa.PrivateKey, error)

// Manager owns one network's relayer pool exclusively, identified by
// (chainID, name). Nothing else mutates pending counts or active flags.
type Manager struct {
	mu sync.Mutex

	chainID int64
	name    string
	cfg     Config

	relayers map[common.Address]*model.Relayer
	order    []common.Address

	ownerKey *ecdsa.PrivateKey
	client   BalanceReader
	funder   FundingSender
	newKey   KeyProvider

	db      storage.Storage
	alerter Alerter
	logger  logger.Logger
}

func New(
	chainID int64,
	name string,
	cfg Config,
	ownerKey *ecdsa.PrivateKey,
	client BalanceReader,
	funder FundingSender,
	db storage.Storage,
	alerter Alerter,
	lg logger.Logger,
) *Manager {
	return &Manager{
		chainID:  chainID,
		name:     name,
		cfg:      cfg,
		relayers: make(map[common.Address]*model.Relayer),
		ownerKey: ownerKey,
		client:   client,
		funder:   funder,
		newKey:   crypto.GenerateKey,
		db:       db,
		alerter:  alerter,
		logger:   logger.EnsureLogger(lg),
	}
}

// SetKeyProvider overrides key generation (keystore integration, tests).
func (m *Manager) SetKeyProvider(p KeyProvider) {
	m.newKey = p
}

// SetFunder installs the funding transfer implementation. The transaction
// service is constructed after the manager, so the funder arrives late.
func (m *Manager) SetFunder(f FundingSender) {
	m.funder = f
}

// CreateRelayers provisions signing accounts until the pool reaches
// MinRelayerCount. New relayers start inactive; FundRelayers activates them.
func (m *Manager) CreateRelayers() ([]common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	missing := m.cfg.MinRelayerCount - len(m.relayers)
	if missing <= 0 {
		return nil, nil
	}

	return m.provisionLocked(missing)
}

func (m *Manager) provisionLocked(count int) ([]common.Address, error) {
	created := make([]common.Address, 0, count)

	for i := 0; i < count; i++ {
		if len(m.relayers) >= m.cfg.MaxRelayerCount {
			break
		}

		key, err := m.newKey()
		if err != nil {
			return created, fmt.Errorf("cannot generate relayer key: %w", err)
		}

		addr := crypto.PubkeyToAddress(key.PublicKey)
		r := &model.Relayer{
			Address:    addr,
			PrivateKey: key,
			Active:     false,
		}

		m.relayers[addr] = r
		m.order = append(m.order, addr)
		m.persistLocked(r)
		created = append(created, addr)

		m.logger.Info("provisioned relayer", "chain_id", m.chainID, "manager", m.name, "address", addr.Hex())
	}

	return created, nil
}

// FundRelayers tops up every listed relayer whose balance sits below the
// funding threshold, transferring from the owner account. A relayer whose
// funding transfer fails stays inactive and excluded from selection.
func (m *Manager) FundRelayers(ctx context.Context, addrs []common.Address) error {
	var errs []error

	for _, addr := range addrs {
		_, ok := m.GetRelayer(addr)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrRelayerNotFound, addr.Hex()))
			continue
		}

		balance, err := m.client.BalanceAt(ctx, addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("cannot read balance of %s: %w", addr.Hex(), err))
			continue
		}

		if balance.Cmp(m.cfg.FundingBalanceThreshold) >= 0 {
			m.markFunded(addr)
			continue
		}

		txHash, err := m.funder.SendNative(ctx, m.ownerKey, addr, m.cfg.FundingAmount)
		if err != nil {
			errs = append(errs, fmt.Errorf("funding transfer to %s failed: %w", addr.Hex(), err))
			if m.alerter != nil {
				m.alerter.Alert("relayer_funding_failed", map[string]interface{}{
					"chain_id": m.chainID,
					"address":  addr.Hex(),
					"error":    err.Error(),
				})
			}
			continue
		}

		m.logger.Info("funded relayer", "chain_id", m.chainID, "address", addr.Hex(), "amount", m.cfg.FundingAmount.String(), "tx", txHash.Hex())
		m.markFunded(addr)
	}

	return errors.Join(errs...)
}

// GetRelayer returns the handle for an address.
func (m *Manager) GetRelayer(addr common.Address) (*model.Relayer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relayers[addr]
	return r, ok
}

// SelectRelayer hands out a relayer for the next bundle: an active one under
// the busy line if any exists, otherwise the pool grows by
// NewRelayerInstanceCount (funded inline) while below MaxRelayerCount.
// At max size with everyone busy, the pool is saturated.
func (m *Manager) SelectRelayer(ctx context.Context) (*model.Relayer, error) {
	m.mu.Lock()
	for _, addr := range m.order {
		r := m.relayers[addr]
		if r.Active && r.PendingCount < m.cfg.PendingTransactionCountThreshold {
			m.mu.Unlock()
			return r, nil
		}
	}

	if len(m.relayers) >= m.cfg.MaxRelayerCount {
		m.mu.Unlock()
		return nil, ErrPoolSaturated
	}

	created, err := m.provisionLocked(m.cfg.NewRelayerInstanceCount)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, ErrPoolSaturated
	}

	if err := m.FundRelayers(ctx, created); err != nil {
		m.logger.Error("funding newly provisioned relayers failed", "chain_id", m.chainID, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range created {
		r := m.relayers[addr]
		if r.Active {
			return r, nil
		}
	}

	return nil, ErrPoolSaturated
}

// IncrementPending attributes one submitted transaction to a relayer.
func (m *Manager) IncrementPending(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.relayers[addr]; ok {
		r.PendingCount++
		m.persistLocked(r)
	}
}

// DecrementPending releases a pending slot after a transaction resolves.
func (m *Manager) DecrementPending(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.relayers[addr]; ok && r.PendingCount > 0 {
		r.PendingCount--
		m.persistLocked(r)
	}
}

// HealthCycle runs the rotation bookkeeping. A relayer stuck above the busy
// line for InactiveRelayerCountThreshold consecutive cycles goes inactive; it
// returns once its pending count drains.
func (m *Manager) HealthCycle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, addr := range m.order {
		r := m.relayers[addr]

		if r.PendingCount >= m.cfg.PendingTransactionCountThreshold {
			r.OverThresholdCycles++
			if r.Active && r.OverThresholdCycles > m.cfg.InactiveRelayerCountThreshold {
				r.Active = false
				m.logger.Warn("rotating out stuck relayer", "chain_id", m.chainID, "address", addr.Hex(), "pending", r.PendingCount)
			}
		} else {
			r.OverThresholdCycles = 0
			// Only funded relayers come back; a funding failure keeps its
			// relayer excluded until FundRelayers succeeds.
			if !r.Active && r.Funded {
				r.Active = true
			}
		}
		m.persistLocked(r)
	}
}

func (m *Manager) PoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.relayers)
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, r := range m.relayers {
		if r.Active {
			active++
		}
	}
	return active
}

func (m *Manager) markFunded(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.relayers[addr]; ok {
		r.Funded = true
		r.Active = true
		m.persistLocked(r)
	}
}

// persistLocked writes pending-state for audit/observability; pool
// correctness never depends on the stored copy.
func (m *Manager) persistLocked(r *model.Relayer) {
	if m.db == nil {
		return
	}

	b, err := json.Marshal(map[string]interface{}{
		"address":      r.Address.Hex(),
		"pendingCount": r.PendingCount,
		"active":       r.Active,
	})
	if err != nil {
		return
	}

	if err := m.db.Set(schema.RelayerKey(m.chainID, r.Address.Hex()), b); err != nil {
		m.logger.Warn("cannot persist relayer state", "address", r.Address.Hex(), "error", err)
	}
}
