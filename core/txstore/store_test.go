package txstore

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relayer/core/testutil"
	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/storage/schema"
)

func TestSaveAndFindTransaction(t *testing.T) {
	db := testutil.TestMustDB()
	defer db.Close()

	store := New(db, testutil.GetLogger())

	tx := testutil.SubmittedTransaction(1, 7)
	tx.UserOpHashes = []string{"0xaaa", "0xbbb"}
	require.NoError(t, store.Save(tx))

	got, err := store.FindByTransactionID(1, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, model.TxStatusSubmitted, got.Status)
	assert.Equal(t, uint64(7), got.Nonce)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, got.UserOpHashes)

	// Each bundled operation indexes back to the submission record.
	for _, h := range tx.UserOpHashes {
		id, err := db.GetKey(schema.UserOpHashIndexKey(1, h))
		require.NoError(t, err)
		assert.Equal(t, tx.ID, string(id))
	}

	_, err = store.FindByTransactionID(1, "01J000000000000000000000NO")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestUpdateByIDAndHash(t *testing.T) {
	db := testutil.TestMustDB()
	defer db.Close()

	store := New(db, testutil.GetLogger())

	tx := testutil.SubmittedTransaction(1, 7)
	require.NoError(t, store.Save(tx))

	t.Run("matching hash applies the mutation", func(t *testing.T) {
		err := store.UpdateByIDAndHash(1, tx.ID, tx.Hash, func(rec *model.Transaction) {
			rec.Status = model.TxStatusMinedOK
		})
		require.NoError(t, err)

		got, err := store.FindByTransactionID(1, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TxStatusMinedOK, got.Status)
	})

	t.Run("mismatched hash is rejected", func(t *testing.T) {
		err := store.UpdateByIDAndHash(1, tx.ID, common.HexToHash("0xdead"), func(rec *model.Transaction) {
			rec.Status = model.TxStatusDropped
		})
		require.Error(t, err)

		got, err := store.FindByTransactionID(1, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TxStatusMinedOK, got.Status)
	})

	t.Run("zero hash skips the guard", func(t *testing.T) {
		err := store.UpdateByIDAndHash(1, tx.ID, common.Hash{}, func(rec *model.Transaction) {
			rec.RetryCount = 2
		})
		require.NoError(t, err)

		got, err := store.FindByTransactionID(1, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.RetryCount)
	})
}

func TestApiKeyCounters(t *testing.T) {
	db := testutil.TestMustDB()
	defer db.Close()

	store := New(db, testutil.GetLogger())

	store.IncApiKeyCounter("key-a")
	store.IncApiKeyCounter("key-a")
	store.IncApiKeyCounter("key-a")
	store.IncApiKeyCounter("key-b")
	store.IncApiKeyCounter("")

	countA, err := store.CountByApiKeyInWindow("key-a", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), countA)

	countB, err := store.CountByApiKeyInWindow("key-b", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), countB)

	countEmpty, err := store.CountByApiKeyInWindow("", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), countEmpty)
}
