package txlistener

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-relayer/core/gasprice"
	"github.com/AvaProtocol/ap-relayer/core/relayqueue"
	"github.com/AvaProtocol/ap-relayer/core/txservice"
	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

// TransactionExecutor resubmits a transaction. Satisfied by
// txservice.Service.
type TransactionExecutor interface {
	ExecuteTransaction(ctx context.Context, req *txservice.ExecuteRequest) (common.Hash, error)
}

// RelayerSource looks up the signing identity a retry belongs to.
type RelayerSource interface {
	GetRelayer(addr common.Address) (*model.Relayer, bool)
}

// BumpSource supplies the per-network replacement bump percentage. Satisfied
// by gasprice.Service.
type BumpSource interface {
	BumpPercent(chainID int64) uint64
}

// Alerter receives the single exhaustion notification.
type Alerter interface {
	Alert(event string, fields map[string]interface{})
}

// RetryProcessor consumes RetryMessage jobs off the delayed queue and
// resubmits dropped transactions with bumped fees at the original nonce.
// Processing is idempotent: a transaction that confirmed between the drop
// and the retry is finalized, never re-broadcast.
type RetryProcessor struct {
	chainID  int64
	listener *Listener
	executor TransactionExecutor
	relayers RelayerSource
	bumps    BumpSource
	alerter  Alerter
	logger   logger.Logger

	// MaxRetries bounds resubmission attempts; crossing it produces exactly
	// one exhaustion alert and the record stays DROPPED.
	maxRetries int
}

func NewRetryProcessor(
	listener *Listener,
	executor TransactionExecutor,
	relayers RelayerSource,
	bumps BumpSource,
	alerter Alerter,
	maxRetries int,
	lg logger.Logger,
) *RetryProcessor {
	return &RetryProcessor{
		chainID:    listener.chainID,
		listener:   listener,
		executor:   executor,
		relayers:   relayers,
		bumps:      bumps,
		alerter:    alerter,
		maxRetries: maxRetries,
		logger:     logger.EnsureLogger(lg),
	}
}

func (p *RetryProcessor) Perform(job *relayqueue.Job) error {
	ctx := context.Background()

	msg, err := DecodeRetryMessage(job.Data)
	if err != nil {
		return err
	}

	tx, err := p.listener.store.FindByTransactionID(p.chainID, msg.TransactionID)
	if err != nil {
		p.logger.Warn("retry for unknown transaction", "tx_id", msg.TransactionID, "error", err)
		return nil
	}

	if tx.Status.Terminal() {
		return nil
	}

	// The original broadcast may have made it into a block after the drop
	// verdict. Confirm before replacing.
	if receipt, err := p.listener.client.TransactionReceipt(ctx, tx.Hash); err == nil && receipt != nil {
		p.finalizeLateConfirmation(tx, receipt)
		return nil
	} else if err != nil && !errors.Is(err, ethereum.NotFound) {
		return err
	}

	if msg.Attempt > p.maxRetries {
		p.logger.Error("retries exhausted", "chain_id", p.chainID, "tx_id", tx.ID, "attempts", p.maxRetries)
		if p.alerter != nil {
			p.alerter.Alert("transaction_retry_exhausted", map[string]interface{}{
				"chain_id": p.chainID,
				"tx_id":    tx.ID,
				"hash":     tx.Hash.Hex(),
				"attempts": p.maxRetries,
			})
		}
		return nil
	}

	relayer, ok := p.relayers.GetRelayer(msg.RelayerAddress)
	if !ok {
		p.logger.Error("retry references unknown relayer", "tx_id", tx.ID, "relayer", msg.RelayerAddress.Hex())
		return nil
	}

	p.bumpFees(tx)
	tx.RetryCount = msg.Attempt
	tx.Status = model.TxStatusPending
	tx.Hash = common.Hash{}

	if _, err := p.executor.ExecuteTransaction(ctx, &txservice.ExecuteRequest{
		Tx:         tx,
		Relayer:    relayer,
		ReuseNonce: true,
	}); err != nil {
		p.logger.Warn("resubmission failed, rescheduling", "tx_id", tx.ID, "attempt", msg.Attempt, "error", err)
		return p.reschedule(tx, msg)
	}

	p.listener.Watch(tx)
	p.logger.Info("transaction resubmitted", "chain_id", p.chainID, "tx_id", tx.ID, "attempt", msg.Attempt, "hash", tx.Hash.Hex())
	return nil
}

// finalizeLateConfirmation closes out a transaction whose receipt appeared
// after markDropped already released its pending slot.
func (p *RetryProcessor) finalizeLateConfirmation(tx *model.Transaction, receipt *types.Receipt) {
	status := model.TxStatusMinedOK
	if receipt.Status != types.ReceiptStatusSuccessful {
		status = model.TxStatusMinedFailed
	}

	p.listener.nonces.MarkUsed(tx.RelayerAddress, tx.Nonce)
	if len(tx.UserOpHashes) > 0 {
		p.listener.ops.RemoveByHashes(p.chainID, tx.UserOpHashes)
	}

	if err := p.listener.store.UpdateByIDAndHash(p.chainID, tx.ID, tx.Hash, func(stored *model.Transaction) {
		stored.Status = status
	}); err != nil {
		p.logger.Error("cannot persist late confirmation", "tx_id", tx.ID, "error", err)
	}

	p.logger.Info("dropped transaction confirmed before retry", "chain_id", p.chainID, "tx_id", tx.ID, "status", string(status))
}

func (p *RetryProcessor) bumpFees(tx *model.Transaction) {
	pct := p.bumps.BumpPercent(p.chainID)

	if tx.GasPrice != nil {
		tx.GasPrice = gasprice.GetBumpedUpGasPrice(tx.GasPrice, pct)
		return
	}
	tx.MaxFeePerGas = gasprice.GetBumpedUpGasPrice(tx.MaxFeePerGas, pct)
	tx.MaxPriorityFee = gasprice.GetBumpedUpGasPrice(tx.MaxPriorityFee, pct)
}

func (p *RetryProcessor) reschedule(tx *model.Transaction, msg *RetryMessage) error {
	next, err := EncodeRetryMessage(&RetryMessage{
		TransactionID:  msg.TransactionID,
		RelayerAddress: msg.RelayerAddress,
		Attempt:        msg.Attempt + 1,
	})
	if err != nil {
		return err
	}

	_, err = p.listener.queue.EnqueueDelayed(JobTypeRetry, tx.ID, next, p.listener.cfg.RetryBackoff)
	return err
}
