package testutil

import (
	"math/big"
	"os"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/storage"
)

func TestMustDB() storage.Storage {
	dir, err := os.MkdirTemp("", "aptest")
	if err != nil {
		panic(err)
	}

	db, err := storage.NewWithPath(dir)
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

// SubmittedTransaction is a fixture: a broadcast record waiting on a receipt.
func SubmittedTransaction(chainID int64, nonce uint64) *model.Transaction {
	return &model.Transaction{
		ID:             model.NewTransactionID(),
		ChainID:        chainID,
		RelayerAddress: common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e"),
		To:             common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
		Value:          big.NewInt(0),
		GasLimit:       1_000_000,
		MaxFeePerGas:   big.NewInt(10_000_000_000),
		MaxPriorityFee: big.NewInt(1_000_000_000),
		Nonce:          nonce,
		Hash:           common.HexToHash("0xbeef"),
		Status:         model.TxStatusSubmitted,
	}
}
