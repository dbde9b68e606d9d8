package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"marketchain/core/types"
	"marketchain/storage"
)

var (
	accountPrefix = []byte("account/")

	errTxClosed = errors.New("state: transaction already closed")
)

func accountKey(addr [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr[:])
	return buf
}

// Reader is the read-only view shared by committed state and open
// transactions.
type Reader interface {
	KVGet(key []byte, out interface{}) (bool, error)
	GetAccount(addr [20]byte) (*types.Account, error)
}

// Manager owns the committed ledger state. Reads go straight to the backing
// database; writes are staged in a Tx and land through one atomic batch.
type Manager struct {
	db storage.Database
	mu sync.RWMutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Database exposes the underlying store for read-only helpers such as the
// event log iterator.
func (m *Manager) Database() storage.Database { return m.db }

// KVGet retrieves the committed value stored under key and decodes it into
// out. The boolean return value indicates whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return kvGet(m.db, key, out)
}

// GetAccount returns the committed account for addr. Unknown accounts are
// reported with a zero balance.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	var acc types.Account
	ok, err := m.KVGet(accountKey(addr), &acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (&types.Account{}).Clone(), nil
	}
	return acc.Clone(), nil
}

// View runs fn while holding the read lock so a multi-key read observes a
// single committed snapshot.
func (m *Manager) View(fn func(r Reader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(snapshotReader{db: m.db})
}

// Begin opens a write transaction layered over committed state.
func (m *Manager) Begin() *Tx {
	return &Tx{manager: m, writes: make(map[string][]byte)}
}

func kvGet(db storage.Database, key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

type snapshotReader struct {
	db storage.Database
}

func (s snapshotReader) KVGet(key []byte, out interface{}) (bool, error) {
	return kvGet(s.db, key, out)
}

func (s snapshotReader) GetAccount(addr [20]byte) (*types.Account, error) {
	var acc types.Account
	ok, err := kvGet(s.db, accountKey(addr), &acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (&types.Account{}).Clone(), nil
	}
	return acc.Clone(), nil
}

// Tx stages writes in memory until Commit. Reads observe the staged writes
// first and fall back to committed state. A discarded Tx leaves no trace.
type Tx struct {
	manager *Manager
	writes  map[string][]byte
	closed  bool
}

// KVGet reads key, preferring values staged in this transaction.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if tx.closed {
		return false, errTxClosed
	}
	if data, ok := tx.writes[string(key)]; ok {
		if out == nil {
			return true, nil
		}
		if err := rlp.DecodeBytes(data, out); err != nil {
			return false, err
		}
		return true, nil
	}
	return tx.manager.KVGet(key, out)
}

// KVPut RLP-encodes value and stages it under key.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.closed {
		return errTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	tx.writes[string(key)] = encoded
	return nil
}

// GetAccount returns a copy of the account as seen by this transaction.
func (tx *Tx) GetAccount(addr [20]byte) (*types.Account, error) {
	var acc types.Account
	ok, err := tx.KVGet(accountKey(addr), &acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (&types.Account{}).Clone(), nil
	}
	return acc.Clone(), nil
}

// PutAccount stages the account record.
func (tx *Tx) PutAccount(addr [20]byte, acc *types.Account) error {
	if acc == nil {
		return fmt.Errorf("state: nil account")
	}
	clone := acc.Clone()
	if clone.Balance.Sign() < 0 {
		return fmt.Errorf("state: negative balance")
	}
	return tx.KVPut(accountKey(addr), clone)
}

// Mint credits amount to addr out of thin air. Only genesis allocation may
// call it; every other balance change is a transfer.
func (tx *Tx) Mint(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: mint amount must be positive")
	}
	acc, err := tx.GetAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance.Add(acc.Balance, amount)
	return tx.PutAccount(addr, acc)
}

// Pending reports how many keys the transaction would write.
func (tx *Tx) Pending() int { return len(tx.writes) }

// Commit writes every staged key through a single atomic batch.
func (tx *Tx) Commit() error {
	if tx.closed {
		return errTxClosed
	}
	tx.closed = true
	keys := make([]string, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := storage.NewBatch()
	for _, k := range keys {
		batch.Put([]byte(k), tx.writes[k])
	}
	tx.manager.mu.Lock()
	defer tx.manager.mu.Unlock()
	return tx.manager.db.Write(batch)
}

// Discard drops every staged write.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.writes = nil
}
