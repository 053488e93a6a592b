package txservice

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-relayer/core/gasprice"
	"github.com/AvaProtocol/ap-relayer/core/txstore"
	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

// cancelBumpPercent is applied on top of the stuck transaction's fees when a
// replacement cancel is fired. It must clear any node's replacement floor.
const cancelBumpPercent = 50

// TransactionSender is the chain surface this service needs. Satisfied by
// chainio.FailoverClient.
type TransactionSender interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// NonceSource hands out and advances relayer nonces. Satisfied by
// noncemanager.NonceManager.
type NonceSource interface {
	GetNonce(ctx context.Context, addr common.Address) (uint64, error)
	IncrementNonce(addr common.Address) uint64
}

// PendingTracker attributes in-flight transactions to their relayer.
type PendingTracker interface {
	IncrementPending(addr common.Address)
}

// GasQuoter supplies current fee quotes. Satisfied by gasprice.Service.
type GasQuoter interface {
	GetGasPrice(ctx context.Context, chainID int64, speed gasprice.Speed) (*gasprice.Quote, error)
}

// ExecuteRequest carries one transaction to sign and broadcast. ReuseNonce is
// set on the retry path, where the replacement must occupy the same slot as
// the original submission.
type ExecuteRequest struct {
	Tx         *model.Transaction
	Relayer    *model.Relayer
	ReuseNonce bool
}

// Service signs and broadcasts transactions on one network. Nonce advancement
// and pending attribution happen only after the node accepted the broadcast;
// a failed send leaves the record pending and the nonce unconsumed, so the
// next attempt reuses the slot.
type Service struct {
	chainID *big.Int
	client  TransactionSender
	nonces  NonceSource
	pending PendingTracker
	gas     GasQuoter
	store   *txstore.Store
	logger  logger.Logger
}

func New(
	chainID int64,
	client TransactionSender,
	nonces NonceSource,
	pending PendingTracker,
	gas GasQuoter,
	store *txstore.Store,
	lg logger.Logger,
) *Service {
	return &Service{
		chainID: big.NewInt(chainID),
		client:  client,
		nonces:  nonces,
		pending: pending,
		gas:     gas,
		store:   store,
		logger:  logger.EnsureLogger(lg),
	}
}

// ExecuteTransaction signs req.Tx with the relayer key and broadcasts it.
func (s *Service) ExecuteTransaction(ctx context.Context, req *ExecuteRequest) (common.Hash, error) {
	tx := req.Tx

	if !req.ReuseNonce {
		nonce, err := s.nonces.GetNonce(ctx, req.Relayer.Address)
		if err != nil {
			return common.Hash{}, fmt.Errorf("cannot allocate nonce for %s: %w", req.Relayer.Address.Hex(), err)
		}
		tx.Nonce = nonce
	}

	if err := s.fillFees(ctx, tx); err != nil {
		return common.Hash{}, err
	}

	signed, err := s.sign(tx, req.Relayer.PrivateKey)
	if err != nil {
		return common.Hash{}, err
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		tx.Status = model.TxStatusPending
		if saveErr := s.store.Save(tx); saveErr != nil {
			s.logger.Error("cannot persist failed submission", "tx_id", tx.ID, "error", saveErr)
		}
		return common.Hash{}, fmt.Errorf("broadcast of %s failed: %w", tx.ID, err)
	}

	tx.Hash = signed.Hash()
	tx.Status = model.TxStatusSubmitted
	if err := s.store.Save(tx); err != nil {
		s.logger.Error("cannot persist submitted transaction", "tx_id", tx.ID, "error", err)
	}

	s.pending.IncrementPending(req.Relayer.Address)
	if !req.ReuseNonce {
		s.nonces.IncrementNonce(req.Relayer.Address)
	}

	s.logger.Info("transaction submitted",
		"chain_id", s.chainID.Int64(),
		"tx_id", tx.ID,
		"hash", tx.Hash.Hex(),
		"relayer", req.Relayer.Address.Hex(),
		"nonce", tx.Nonce,
	)
	return tx.Hash, nil
}

// CancelTransaction replaces a stuck submission with a zero-value self-send at
// the same nonce, carrying aggressively bumped fees.
func (s *Service) CancelTransaction(ctx context.Context, relayer *model.Relayer, stuck *model.Transaction) (common.Hash, error) {
	cancel := &model.Transaction{
		ID:             model.NewTransactionID(),
		ChainID:        stuck.ChainID,
		RelayerAddress: relayer.Address,
		To:             relayer.Address,
		Value:          big.NewInt(0),
		GasLimit:       21000,
		Nonce:          stuck.Nonce,
		Status:         model.TxStatusPending,
	}

	if stuck.GasPrice != nil {
		cancel.GasPrice = gasprice.GetBumpedUpGasPrice(stuck.GasPrice, cancelBumpPercent)
	} else {
		cancel.MaxFeePerGas = gasprice.GetBumpedUpGasPrice(stuck.MaxFeePerGas, cancelBumpPercent)
		cancel.MaxPriorityFee = gasprice.GetBumpedUpGasPrice(stuck.MaxPriorityFee, cancelBumpPercent)
	}

	signed, err := s.sign(cancel, relayer.PrivateKey)
	if err != nil {
		return common.Hash{}, err
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("cancel broadcast for nonce %d failed: %w", stuck.Nonce, err)
	}

	cancel.Hash = signed.Hash()
	cancel.Status = model.TxStatusSubmitted
	if err := s.store.Save(cancel); err != nil {
		s.logger.Error("cannot persist cancel transaction", "tx_id", cancel.ID, "error", err)
	}

	s.logger.Warn("cancel transaction submitted", "chain_id", s.chainID.Int64(), "nonce", stuck.Nonce, "hash", cancel.Hash.Hex())
	return cancel.Hash, nil
}

// SendNative transfers native currency from an arbitrary key. Used by the
// relayer manager for funding transfers; the sender's nonce comes straight
// from the node since funding keys are outside nonce management.
func (s *Service) SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("cannot read nonce of %s: %w", from.Hex(), err)
	}

	tx := &model.Transaction{
		ChainID:  s.chainID.Int64(),
		To:       to,
		Value:    amount,
		GasLimit: 21000,
		Nonce:    nonce,
	}
	if err := s.fillFees(ctx, tx); err != nil {
		return common.Hash{}, err
	}

	signed, err := s.sign(tx, key)
	if err != nil {
		return common.Hash{}, err
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("native transfer to %s failed: %w", to.Hex(), err)
	}

	return signed.Hash(), nil
}

// fillFees populates missing fee fields from the current quote. Records
// arriving from the retry path keep their pre-bumped fees.
func (s *Service) fillFees(ctx context.Context, tx *model.Transaction) error {
	if tx.GasPrice != nil || tx.MaxFeePerGas != nil {
		return nil
	}

	if s.gas != nil {
		quote, err := s.gas.GetGasPrice(ctx, s.chainID.Int64(), gasprice.SpeedDefault)
		if err == nil {
			if quote.EIP1559 {
				tx.MaxFeePerGas = quote.MaxFeePerGas
				tx.MaxPriorityFee = quote.MaxPriorityFeePerGas
			} else {
				tx.GasPrice = quote.GasPrice
			}
			return nil
		}
		s.logger.Warn("gas quote unavailable, falling back to node suggestion", "error", err)
	}

	price, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("no fee source available: %w", err)
	}
	tx.GasPrice = price
	return nil
}

func (s *Service) sign(tx *model.Transaction, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	to := tx.To
	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}

	var raw *types.Transaction
	if tx.GasPrice != nil {
		raw = types.NewTx(&types.LegacyTx{
			Nonce:    tx.Nonce,
			GasPrice: tx.GasPrice,
			Gas:      tx.GasLimit,
			To:       &to,
			Value:    value,
			Data:     tx.Data,
		})
	} else {
		raw = types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     tx.Nonce,
			GasTipCap: tx.MaxPriorityFee,
			GasFeeCap: tx.MaxFeePerGas,
			Gas:       tx.GasLimit,
			To:        &to,
			Value:     value,
			Data:      tx.Data,
		})
	}

	signed, err := types.SignTx(raw, types.LatestSignerForChainID(s.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("cannot sign transaction: %w", err)
	}
	return signed, nil
}
