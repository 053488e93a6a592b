package schema

import (
	"fmt"
	"time"
)

// Key layout for the relayer store. Everything is prefix-scannable per chain:
//
//	tx:<chainID>:<txID>            -> Transaction JSON
//	txhash:<chainID>:<userOpHash>  -> txID (lookup index)
//	apikey:<key>:<windowBucket>    -> counter
//	relayer:<chainID>:<address>    -> relayer pending-state JSON

func TransactionKey(chainID int64, txID string) []byte {
	return []byte(fmt.Sprintf("tx:%d:%s", chainID, txID))
}

func TransactionPrefix(chainID int64) []byte {
	return []byte(fmt.Sprintf("tx:%d:", chainID))
}

func UserOpHashIndexKey(chainID int64, userOpHash string) []byte {
	return []byte(fmt.Sprintf("txhash:%d:%s", chainID, userOpHash))
}

// ApiKeyWindowKey buckets admission counters into fixed windows so rate
// queries only need a handful of counter reads.
func ApiKeyWindowKey(apiKey string, at time.Time, window time.Duration) []byte {
	bucket := at.UnixMilli() / window.Milliseconds()
	return []byte(fmt.Sprintf("apikey:%s:%d", apiKey, bucket))
}

func RelayerKey(chainID int64, address string) []byte {
	return []byte(fmt.Sprintf("relayer:%d:%s", chainID, address))
}
