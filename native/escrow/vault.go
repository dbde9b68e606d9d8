package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	marketerrors "marketchain/core/errors"
	"marketchain/core/events"
	"marketchain/core/types"
)

var (
	errNilState = errors.New("escrow vault: state not configured")

	balancePrefix = []byte("escrow/balance/")
)

// DefaultVaultAddress is the module account holding escrowed value when no
// address is configured.
var DefaultVaultAddress = func() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("marketchain/escrow-vault"))[12:])
	return addr
}()

func balanceKey(listingID uint64) []byte {
	buf := make([]byte, len(balancePrefix)+8)
	copy(buf, balancePrefix)
	binary.BigEndian.PutUint64(buf[len(balancePrefix):], listingID)
	return buf
}

type reader interface {
	KVGet(key []byte, out interface{}) (bool, error)
}

type vaultState interface {
	reader
	KVPut(key []byte, value interface{}) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

type balanceRecord struct {
	Amount *big.Int
}

// Vault holds value deposited against listings and moves it out only through
// release or refund. Every movement is a transfer between a ledger account
// and the vault account paired with a matching change of the listing balance.
type Vault struct {
	state   vaultState
	emitter events.Emitter
	address [20]byte
}

// NewVault creates a vault backed by the given module account.
func NewVault(address [20]byte) *Vault {
	if address == ([20]byte{}) {
		address = DefaultVaultAddress
	}
	return &Vault{address: address, emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the vault.
func (v *Vault) SetState(state vaultState) { v.state = state }

// SetEmitter configures the event emitter used by the vault. Passing nil resets
// the emitter to a no-op implementation.
func (v *Vault) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		v.emitter = events.NoopEmitter{}
		return
	}
	v.emitter = emitter
}

// Address returns the module account holding escrowed funds.
func (v *Vault) Address() [20]byte { return v.address }

func (v *Vault) emit(evt events.Event) {
	if v == nil || v.emitter == nil {
		return
	}
	v.emitter.Emit(evt)
}

// Balance returns the value currently held for listingID.
func (v *Vault) Balance(listingID uint64) (*big.Int, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	return Held(v.state, listingID)
}

// Held reads the balance escrowed for listingID from any state reader.
func Held(r reader, listingID uint64) (*big.Int, error) {
	var rec balanceRecord
	ok, err := r.KVGet(balanceKey(listingID), &rec)
	if err != nil {
		return nil, err
	}
	if !ok || rec.Amount == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(rec.Amount), nil
}

// Total returns the vault account balance, which equals the sum of every
// listing balance.
func (v *Vault) Total() (*big.Int, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	acc, err := v.state.GetAccount(v.address)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Balance), nil
}

// Deposit moves amount from payer into the vault and credits listingID.
func (v *Vault) Deposit(listingID uint64, payer [20]byte, amount *big.Int) error {
	const op = "escrow.deposit"
	if v == nil || v.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return marketerrors.New(marketerrors.KindInvalidPayment, op, "deposit must be positive")
	}
	if payer == v.address {
		return marketerrors.New(marketerrors.KindInvalidArgument, op, "vault cannot deposit into itself")
	}
	balance, err := v.Balance(listingID)
	if err != nil {
		return err
	}
	if err := v.transfer(op, payer, v.address, amount); err != nil {
		return err
	}
	balance.Add(balance, amount)
	if err := v.state.KVPut(balanceKey(listingID), &balanceRecord{Amount: balance}); err != nil {
		return err
	}
	v.emit(Deposited{ListingID: listingID, Account: payer, Amount: new(big.Int).Set(amount), Balance: new(big.Int).Set(balance)})
	return nil
}

// Release pays amount out of listingID's balance to the seller.
func (v *Vault) Release(listingID uint64, payee [20]byte, amount *big.Int) error {
	balance, err := v.withdraw("escrow.release", listingID, payee, amount)
	if err != nil {
		return err
	}
	v.emit(Released{ListingID: listingID, Account: payee, Amount: new(big.Int).Set(amount), Balance: balance})
	return nil
}

// Refund returns amount out of listingID's balance to the depositor.
func (v *Vault) Refund(listingID uint64, payee [20]byte, amount *big.Int) error {
	balance, err := v.withdraw("escrow.refund", listingID, payee, amount)
	if err != nil {
		return err
	}
	v.emit(Refunded{ListingID: listingID, Account: payee, Amount: new(big.Int).Set(amount), Balance: balance})
	return nil
}

func (v *Vault) withdraw(op string, listingID uint64, payee [20]byte, amount *big.Int) (*big.Int, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "amount must be positive")
	}
	balance, err := v.Balance(listingID)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(balance) > 0 {
		return nil, marketerrors.New(marketerrors.KindOverdraft, op, "amount %s exceeds listing %d balance %s", amount, listingID, balance)
	}
	if err := v.transfer(op, v.address, payee, amount); err != nil {
		return nil, err
	}
	balance.Sub(balance, amount)
	if err := v.state.KVPut(balanceKey(listingID), &balanceRecord{Amount: balance}); err != nil {
		return nil, err
	}
	return new(big.Int).Set(balance), nil
}

func (v *Vault) transfer(op string, from, to [20]byte, amount *big.Int) error {
	fromAcc, err := v.state.GetAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return marketerrors.New(marketerrors.KindInsufficientFunds, op, "available %s, required %s", fromAcc.Balance, amount)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	if err := v.state.PutAccount(from, fromAcc); err != nil {
		return fmt.Errorf("%s: debit: %w", op, err)
	}
	toAcc, err := v.state.GetAccount(to)
	if err != nil {
		return err
	}
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := v.state.PutAccount(to, toAcc); err != nil {
		return fmt.Errorf("%s: credit: %w", op, err)
	}
	return nil
}
