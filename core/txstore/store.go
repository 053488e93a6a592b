package txstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
	"github.com/AvaProtocol/ap-relayer/storage"
	"github.com/AvaProtocol/ap-relayer/storage/schema"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// Store is the transaction record log. It exists for resubmission and audit;
// the pipeline never reads it to decide nonce or mempool state.
type Store struct {
	db     storage.Storage
	logger logger.Logger

	// apiKeyWindow is the bucketing granularity for admission-rate counters.
	apiKeyWindow time.Duration
}

func New(db storage.Storage, lg logger.Logger) *Store {
	return &Store{
		db:           db,
		logger:       logger.EnsureLogger(lg),
		apiKeyWindow: time.Minute,
	}
}

func (s *Store) Save(tx *model.Transaction) error {
	tx.Touch()
	b, err := tx.ToJSON()
	if err != nil {
		return err
	}

	updates := map[string][]byte{
		string(schema.TransactionKey(tx.ChainID, tx.ID)): b,
	}
	for _, h := range tx.UserOpHashes {
		updates[string(schema.UserOpHashIndexKey(tx.ChainID, h))] = []byte(tx.ID)
	}

	return s.db.BatchWrite(updates)
}

// UpdateByIDAndHash loads a record, verifies the on-chain hash it refers to,
// applies the mutation and writes it back.
func (s *Store) UpdateByIDAndHash(chainID int64, id string, hash common.Hash, apply func(*model.Transaction)) error {
	tx, err := s.FindByTransactionID(chainID, id)
	if err != nil {
		return err
	}

	if tx.Hash != (common.Hash{}) && hash != (common.Hash{}) && tx.Hash != hash {
		return fmt.Errorf("hash mismatch for transaction %s: have %s, want %s", id, tx.Hash.Hex(), hash.Hex())
	}

	apply(tx)
	return s.Save(tx)
}

func (s *Store) FindByTransactionID(chainID int64, id string) (*model.Transaction, error) {
	b, err := s.db.GetKey(schema.TransactionKey(chainID, id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return model.TransactionFromJSON(b)
}

// IncApiKeyCounter records one admission for rate accounting.
func (s *Store) IncApiKeyCounter(apiKey string) {
	if apiKey == "" {
		return
	}
	if _, err := s.db.IncCounter(schema.ApiKeyWindowKey(apiKey, time.Now(), s.apiKeyWindow), 0); err != nil {
		s.logger.Warn("cannot bump api key counter", "error", err)
	}
}

// CountByApiKeyInWindow sums admission counters over the trailing window.
func (s *Store) CountByApiKeyInWindow(apiKey string, window time.Duration) (uint64, error) {
	total := uint64(0)
	now := time.Now()

	for at := now.Add(-window); !at.After(now); at = at.Add(s.apiKeyWindow) {
		count, err := s.db.GetCounter(schema.ApiKeyWindowKey(apiKey, at, s.apiKeyWindow), 0)
		if err != nil {
			continue
		}
		total += count
	}

	return total, nil
}
