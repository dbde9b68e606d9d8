package marketplace

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	marketerrors "marketchain/core/errors"
	"marketchain/core/events"
	"marketchain/core/state"
	"marketchain/native/delivery"
	"marketchain/native/escrow"
	"marketchain/native/listing"
	"marketchain/storage"
)

var (
	seller = [20]byte{0x51}
	buyer  = [20]byte{0xb1}
	other  = [20]byte{0xc1}
)

type fixture struct {
	ledger *Ledger
	vault  *escrow.Vault
	tx     *state.Tx
	buf    *events.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tx := state.NewManager(storage.NewMemDB()).Begin()
	require.NoError(t, tx.Mint(buyer, big.NewInt(1_000)))
	require.NoError(t, tx.Mint(other, big.NewInt(1_000)))
	buf := &events.Buffer{}
	vault := escrow.NewVault([20]byte{})
	vault.SetState(tx)
	vault.SetEmitter(buf)
	ledger := NewLedger()
	ledger.SetState(tx)
	ledger.SetVault(vault)
	ledger.SetEmitter(buf)
	ledger.SetNowFunc(func() int64 { return 42 })
	return &fixture{ledger: ledger, vault: vault, tx: tx, buf: buf}
}

func (f *fixture) balance(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	acc, err := f.tx.GetAccount(addr)
	require.NoError(t, err)
	return acc.Balance.Int64()
}

func TestDirectSaleLifecycle(t *testing.T) {
	f := newFixture(t)
	key, err := delivery.GenerateKey()
	require.NoError(t, err)

	item, err := f.ledger.CreateListing(seller, big.NewInt(250), "  vintage lamp ", "brass")
	require.NoError(t, err)
	require.Equal(t, uint64(0), item.ID)
	require.Equal(t, "vintage lamp", item.Name)
	require.Equal(t, listing.StateUnsold, item.State)

	_, err = f.ledger.BuyListing(item.ID, buyer, big.NewInt(249), key.PubKey().Bytes())
	require.ErrorIs(t, err, marketerrors.ErrInvalidPayment)
	_, err = f.ledger.BuyListing(item.ID, seller, big.NewInt(250), key.PubKey().Bytes())
	require.ErrorIs(t, err, marketerrors.ErrUnauthorized)

	item, err = f.ledger.BuyListing(item.ID, buyer, big.NewInt(250), key.PubKey().Bytes())
	require.NoError(t, err)
	require.Equal(t, listing.StateSold, item.State)
	require.Equal(t, buyer, item.Buyer)
	require.Equal(t, int64(750), f.balance(t, buyer))

	_, err = f.ledger.BuyListing(item.ID, other, big.NewInt(250), key.PubKey().Bytes())
	require.ErrorIs(t, err, marketerrors.ErrPhaseViolation)

	payload, err := delivery.Seal(item.BuyerKey, []byte("locker 12, code 4471"), delivery.ListingContext(item.ID))
	require.NoError(t, err)
	_, err = f.ledger.DeliverListing(item.ID, buyer, payload)
	require.ErrorIs(t, err, marketerrors.ErrUnauthorized)
	item, err = f.ledger.DeliverListing(item.ID, seller, payload)
	require.NoError(t, err)
	require.Equal(t, listing.StateDelivered, item.State)

	secret, err := delivery.Open(key, item.Payload, delivery.ListingContext(item.ID))
	require.NoError(t, err)
	require.Equal(t, "locker 12, code 4471", string(secret))

	_, err = f.ledger.ConfirmListing(item.ID, other)
	require.ErrorIs(t, err, marketerrors.ErrUnauthorized)
	item, err = f.ledger.ConfirmListing(item.ID, buyer)
	require.NoError(t, err)
	require.Equal(t, listing.StateConfirmed, item.State)
	require.Equal(t, int64(250), f.balance(t, seller))

	_, err = f.ledger.ConfirmListing(item.ID, buyer)
	require.ErrorIs(t, err, marketerrors.ErrPhaseViolation)
	require.Equal(t, int64(250), f.balance(t, seller))

	held, err := f.vault.Balance(item.ID)
	require.NoError(t, err)
	require.Zero(t, held.Sign())
}

func TestRelistRefundsBuyer(t *testing.T) {
	f := newFixture(t)
	key, err := delivery.GenerateKey()
	require.NoError(t, err)

	item, err := f.ledger.CreateListing(seller, big.NewInt(100), "bike", "")
	require.NoError(t, err)

	_, err = f.ledger.RelistListing(item.ID, seller)
	require.ErrorIs(t, err, marketerrors.ErrPhaseViolation)

	_, err = f.ledger.BuyListing(item.ID, buyer, big.NewInt(100), key.PubKey().Bytes())
	require.NoError(t, err)
	_, err = f.ledger.RelistListing(item.ID, buyer)
	require.ErrorIs(t, err, marketerrors.ErrUnauthorized)

	f.buf.Reset()
	item, err = f.ledger.RelistListing(item.ID, seller)
	require.NoError(t, err)
	require.Equal(t, listing.StateUnsold, item.State)
	require.False(t, item.HasBuyer())
	require.Empty(t, item.BuyerKey)
	require.Equal(t, int64(1_000), f.balance(t, buyer))

	evts := f.buf.Events()
	require.Len(t, evts, 2)
	require.Equal(t, escrow.EventTypeRefunded, evts[0].Type)
	require.Equal(t, listing.EventTypeRelisted, evts[1].Type)

	item, err = f.ledger.BuyListing(item.ID, other, big.NewInt(100), key.PubKey().Bytes())
	require.NoError(t, err)
	require.Equal(t, other, item.Buyer)
}

func TestCreateListingValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.CreateListing(seller, big.NewInt(0), "free", "")
	require.ErrorIs(t, err, marketerrors.ErrInvalidArgument)
	_, err = f.ledger.CreateListing(seller, big.NewInt(5), "   ", "")
	require.ErrorIs(t, err, marketerrors.ErrInvalidArgument)
	_, err = f.ledger.BuyListing(9, buyer, big.NewInt(5), nil)
	require.ErrorIs(t, err, marketerrors.ErrNotFound)
}

func TestBuyWithoutFundsFails(t *testing.T) {
	f := newFixture(t)
	key, err := delivery.GenerateKey()
	require.NoError(t, err)
	item, err := f.ledger.CreateListing(seller, big.NewInt(5_000), "car", "")
	require.NoError(t, err)
	_, err = f.ledger.BuyListing(item.ID, buyer, big.NewInt(5_000), key.PubKey().Bytes())
	require.ErrorIs(t, err, marketerrors.ErrInsufficientFunds)
}
