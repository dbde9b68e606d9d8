package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"marketchain/core/types"
	"marketchain/storage"
)

type record struct {
	Name  string
	Value *big.Int
}

func TestTxIsolation(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	tx := manager.Begin()
	require.NoError(t, tx.KVPut([]byte("rec/1"), &record{Name: "one", Value: big.NewInt(1)}))

	var staged record
	ok, err := tx.KVGet([]byte("rec/1"), &staged)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", staged.Name)

	ok, err = manager.KVGet([]byte("rec/1"), nil)
	require.NoError(t, err)
	require.False(t, ok, "uncommitted writes must not be visible")

	require.NoError(t, tx.Commit())
	var committed record
	ok, err = manager.KVGet([]byte("rec/1"), &committed)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), committed.Value.Int64())

	require.ErrorIs(t, tx.Commit(), errTxClosed)
}

func TestTxDiscard(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	addr := [20]byte{0x01}

	tx := manager.Begin()
	require.NoError(t, tx.Mint(addr, big.NewInt(50)))
	require.Equal(t, 1, tx.Pending())
	tx.Discard()

	acc, err := manager.GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, acc.Balance.Sign())
}

func TestAccountsRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	addr := [20]byte{0x02}

	tx := manager.Begin()
	require.NoError(t, tx.Mint(addr, big.NewInt(75)))
	acc, err := tx.GetAccount(addr)
	require.NoError(t, err)
	acc.Balance.Sub(acc.Balance, big.NewInt(25))
	require.NoError(t, tx.PutAccount(addr, acc))
	require.Error(t, tx.PutAccount(addr, &types.Account{Balance: big.NewInt(-1)}))
	require.Error(t, tx.Mint(addr, big.NewInt(0)))
	require.NoError(t, tx.Commit())

	require.NoError(t, manager.View(func(r Reader) error {
		got, err := r.GetAccount(addr)
		require.NoError(t, err)
		require.Equal(t, int64(50), got.Balance.Int64())
		return nil
	}))
}

func TestEnsureStateVersion(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	_, ok, err := manager.StateVersion()
	require.NoError(t, err)
	require.False(t, ok)

	tx := manager.Begin()
	require.NoError(t, EnsureStateVersion(tx))
	require.NoError(t, tx.Commit())
	version, ok, err := manager.StateVersion()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateVersion, version)

	tx = manager.Begin()
	require.NoError(t, EnsureStateVersion(tx))
	require.NoError(t, tx.KVPut(stateVersionKey, uint64(StateVersion+1)))
	require.NoError(t, tx.Commit())

	tx = manager.Begin()
	defer tx.Discard()
	require.ErrorIs(t, EnsureStateVersion(tx), ErrStateVersionMismatch)
}
