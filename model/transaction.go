package model

import (
	"encoding/json"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
)

type TransactionStatus string

const (
	TxStatusPending     TransactionStatus = "pending"
	TxStatusSubmitted   TransactionStatus = "submitted"
	TxStatusMinedOK     TransactionStatus = "mined_success"
	TxStatusMinedFailed TransactionStatus = "mined_failed"
	TxStatusDropped     TransactionStatus = "dropped"
)

// Terminal reports whether no further state transition can happen. DROPPED is
// deliberately non-terminal: it always routes into the retry path.
func (s TransactionStatus) Terminal() bool {
	return s == TxStatusMinedOK || s == TxStatusMinedFailed
}

// Transaction is one concrete on-chain submission made by a relayer. It is
// persisted for resubmission and audit; mempool and nonce correctness never
// depend on this record.
type Transaction struct {
	ID             string            `json:"id"`
	ChainID        int64             `json:"chainId"`
	RelayerAddress common.Address    `json:"relayerAddress"`
	To             common.Address    `json:"to"`
	Value          *big.Int          `json:"value"`
	Data           []byte            `json:"data"`
	GasLimit       uint64            `json:"gasLimit"`
	MaxFeePerGas   *big.Int          `json:"maxFeePerGas"`
	MaxPriorityFee *big.Int          `json:"maxPriorityFeePerGas"`
	GasPrice       *big.Int          `json:"gasPrice,omitempty"`
	Nonce          uint64            `json:"nonce"`
	Hash           common.Hash       `json:"hash"`
	Status         TransactionStatus `json:"status"`
	RetryCount     int               `json:"retryCount"`
	UserOpHashes   []string          `json:"userOpHashes,omitempty"`
	ApiKey         string            `json:"apiKey,omitempty"`
	CreatedAt      int64             `json:"createdAt"`
	UpdatedAt      int64             `json:"updatedAt"`
}

func NewTransactionID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

func (t *Transaction) Touch() {
	t.UpdatedAt = time.Now().UnixMilli()
}

func (t *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

func TransactionFromJSON(b []byte) (*Transaction, error) {
	tx := &Transaction{}
	if err := json.Unmarshal(b, tx); err != nil {
		return nil, err
	}
	return tx, nil
}
