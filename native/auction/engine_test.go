package auction

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	marketerrors "marketchain/core/errors"
	"marketchain/core/events"
	"marketchain/core/state"
	"marketchain/native/bids"
	"marketchain/native/delivery"
	"marketchain/native/escrow"
	"marketchain/native/listing"
	"marketchain/storage"
)

var (
	seller = [20]byte{0x5e}
	alice  = [20]byte{0xa1}
	bob    = [20]byte{0xb0}
	carol  = [20]byte{0xc0}
)

type fixture struct {
	engine *Engine
	vault  *escrow.Vault
	tx     *state.Tx
	buf    *events.Buffer
	keys   map[[20]byte][]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tx := state.NewManager(storage.NewMemDB()).Begin()
	buf := &events.Buffer{}
	keys := make(map[[20]byte][]byte)
	for _, addr := range [][20]byte{alice, bob, carol} {
		require.NoError(t, tx.Mint(addr, big.NewInt(10_000)))
		key, err := delivery.GenerateKey()
		require.NoError(t, err)
		keys[addr] = key.PubKey().Bytes()
	}
	vault := escrow.NewVault([20]byte{})
	vault.SetState(tx)
	vault.SetEmitter(buf)
	engine := NewEngine()
	engine.SetState(tx)
	engine.SetVault(vault)
	engine.SetEmitter(buf)
	engine.SetNowFunc(func() int64 { return 1_000 })
	return &fixture{engine: engine, vault: vault, tx: tx, buf: buf, keys: keys}
}

func (f *fixture) balance(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	acc, err := f.tx.GetAccount(addr)
	require.NoError(t, err)
	return acc.Balance.Int64()
}

func (f *fixture) held(t *testing.T, id uint64) int64 {
	t.Helper()
	bal, err := f.vault.Balance(id)
	require.NoError(t, err)
	return bal.Int64()
}

type sealedBid struct {
	bidder  [20]byte
	value   int64
	deposit int64
}

// run drives an auction through bidding and reveal. Bids are revealed in the
// order given.
func (f *fixture) run(t *testing.T, rule PricingRule, entries []sealedBid) (*listing.Listing, *Outcome) {
	t.Helper()
	item, err := f.engine.CreateAuction(seller, rule, "painting", "oil on canvas")
	require.NoError(t, err)
	for _, e := range entries {
		_, err := f.engine.Bid(item.ID, e.bidder, bids.MustDigest(big.NewInt(e.value)), big.NewInt(e.deposit), f.keys[e.bidder])
		require.NoError(t, err)
	}
	_, err = f.engine.EndBiddingPhase(item.ID, seller)
	require.NoError(t, err)
	for _, e := range entries {
		_, err := f.engine.RevealListing(item.ID, e.bidder, big.NewInt(e.value))
		require.NoError(t, err)
	}
	settled, outcome, err := f.engine.EndRevealPhase(item.ID, seller)
	require.NoError(t, err)
	return settled, outcome
}

func TestFirstPriceSettlement(t *testing.T) {
	f := newFixture(t)
	item, outcome := f.run(t, FirstPrice, []sealedBid{
		{bidder: alice, value: 100, deposit: 100},
		{bidder: bob, value: 200, deposit: 250},
	})
	require.Equal(t, listing.StatePending, item.State)
	require.Equal(t, bob, item.Buyer)
	require.Equal(t, f.keys[bob], item.BuyerKey)
	require.Equal(t, int64(200), outcome.Price.Int64())
	require.Equal(t, int64(200), item.ClearingPrice.Int64())

	require.Equal(t, int64(10_000), f.balance(t, alice))
	require.Equal(t, int64(9_800), f.balance(t, bob))
	require.Equal(t, int64(200), f.held(t, item.ID))
}

func TestSecondPriceSettlement(t *testing.T) {
	f := newFixture(t)
	item, outcome := f.run(t, SecondPrice, []sealedBid{
		{bidder: alice, value: 800, deposit: 800},
		{bidder: bob, value: 200, deposit: 200},
		{bidder: carol, value: 400, deposit: 400},
	})
	require.Equal(t, alice, item.Buyer)
	require.Equal(t, int64(400), outcome.Price.Int64())
	require.Equal(t, int64(400), f.held(t, item.ID))
	require.Equal(t, int64(9_600), f.balance(t, alice))
	require.Equal(t, int64(10_000), f.balance(t, bob))
	require.Equal(t, int64(10_000), f.balance(t, carol))

	bid, err := f.engine.bidStore().Get(item.ID, alice)
	require.NoError(t, err)
	require.Equal(t, int64(400), bid.Refunded.Int64())
}

func TestAveragePriceSettlement(t *testing.T) {
	f := newFixture(t)
	item, outcome := f.run(t, AveragePrice, []sealedBid{
		{bidder: alice, value: 100, deposit: 100},
		{bidder: bob, value: 200, deposit: 200},
		{bidder: carol, value: 300, deposit: 300},
	})
	require.Equal(t, bob, item.Buyer)
	require.Equal(t, int64(200), outcome.Price.Int64())
	require.Equal(t, int64(200), f.held(t, item.ID))
}

func TestAveragePriceChargesMeanFromDeposit(t *testing.T) {
	f := newFixture(t)
	item, outcome := f.run(t, AveragePrice, []sealedBid{
		{bidder: alice, value: 10, deposit: 1_000},
		{bidder: bob, value: 100, deposit: 1_000},
		{bidder: carol, value: 40, deposit: 1_000},
	})
	require.Equal(t, carol, item.Buyer)
	require.Equal(t, int64(50), outcome.Price.Int64())
	require.Equal(t, int64(50), item.ClearingPrice.Int64())
	require.Equal(t, int64(50), f.held(t, item.ID))
	require.Equal(t, int64(9_950), f.balance(t, carol))
	require.Equal(t, int64(10_000), f.balance(t, alice))
	require.Equal(t, int64(10_000), f.balance(t, bob))
}

func TestAveragePriceShortDepositIsTakenWhole(t *testing.T) {
	f := newFixture(t)
	item, outcome := f.run(t, AveragePrice, []sealedBid{
		{bidder: alice, value: 10, deposit: 10},
		{bidder: bob, value: 100, deposit: 100},
		{bidder: carol, value: 40, deposit: 40},
	})
	require.Equal(t, carol, item.Buyer)
	require.Equal(t, int64(40), outcome.Price.Int64())
	require.Equal(t, int64(40), f.held(t, item.ID))
	require.Equal(t, int64(9_960), f.balance(t, carol))

	bid, err := f.engine.bidStore().Get(item.ID, carol)
	require.NoError(t, err)
	require.True(t, bid.Refunded == nil || bid.Refunded.Sign() == 0)
}

func TestZeroValidRevealsLeavesListingUnsold(t *testing.T) {
	f := newFixture(t)
	item, err := f.engine.CreateAuction(seller, SecondPrice, "clock", "")
	require.NoError(t, err)
	_, err = f.engine.Bid(item.ID, alice, bids.MustDigest(big.NewInt(50)), big.NewInt(60), f.keys[alice])
	require.NoError(t, err)
	_, err = f.engine.Bid(item.ID, bob, bids.MustDigest(big.NewInt(90)), big.NewInt(10), f.keys[bob])
	require.NoError(t, err)
	_, err = f.engine.Bid(item.ID, carol, bids.MustDigest(big.NewInt(70)), big.NewInt(70), f.keys[carol])
	require.NoError(t, err)
	_, err = f.engine.EndBiddingPhase(item.ID, seller)
	require.NoError(t, err)

	// alice lies, bob under-deposits, carol never reveals
	bid, err := f.engine.RevealListing(item.ID, alice, big.NewInt(51))
	require.NoError(t, err)
	require.False(t, bid.Correct)
	bid, err = f.engine.RevealListing(item.ID, bob, big.NewInt(90))
	require.NoError(t, err)
	require.True(t, bid.Correct)
	require.False(t, bid.Covered)

	f.buf.Reset()
	item, outcome, err := f.engine.EndRevealPhase(item.ID, seller)
	require.NoError(t, err)
	require.Nil(t, outcome.Winner)
	require.Equal(t, listing.StateUnsold, item.State)
	require.False(t, item.HasBuyer())
	require.Zero(t, f.held(t, item.ID))
	for _, addr := range [][20]byte{alice, bob, carol} {
		require.Equal(t, int64(10_000), f.balance(t, addr))
	}

	evts := f.buf.Events()
	last := evts[len(evts)-1]
	require.Equal(t, EventTypeAuctionEnded, last.Type)
	require.Equal(t, "false", last.Attributes["hasWinner"])
	require.Equal(t, "0", last.Attributes["finalPrice"])
}

func TestDeliverAndConfirmOnce(t *testing.T) {
	f := newFixture(t)
	item, _ := f.run(t, FirstPrice, []sealedBid{
		{bidder: alice, value: 300, deposit: 500},
	})

	payload, err := delivery.Seal(item.BuyerKey, []byte("serial 99-XK"), delivery.ListingContext(item.ID))
	require.NoError(t, err)

	_, err = f.engine.ConfirmListing(item.ID, alice)
	require.ErrorIs(t, err, marketerrors.ErrPhaseViolation)
	_, err = f.engine.DeliverListing(item.ID, alice, payload)
	require.ErrorIs(t, err, marketerrors.ErrUnauthorized)
	_, err = f.engine.DeliverListing(item.ID, seller, delivery.Payload{})
	require.ErrorIs(t, err, marketerrors.ErrInvalidArgument)

	item, err = f.engine.DeliverListing(item.ID, seller, payload)
	require.NoError(t, err)
	require.Equal(t, listing.StateDelivered, item.State)

	_, err = f.engine.ConfirmListing(item.ID, bob)
	require.ErrorIs(t, err, marketerrors.ErrUnauthorized)
	item, err = f.engine.ConfirmListing(item.ID, alice)
	require.NoError(t, err)
	require.Equal(t, listing.StateConfirmed, item.State)
	require.Equal(t, int64(300), f.balance(t, seller))
	require.Equal(t, int64(9_700), f.balance(t, alice))

	_, err = f.engine.ConfirmListing(item.ID, alice)
	require.ErrorIs(t, err, marketerrors.ErrPhaseViolation)
	require.Equal(t, int64(300), f.balance(t, seller))
	require.Zero(t, f.held(t, item.ID))
}

func TestPhaseGuards(t *testing.T) {
	f := newFixture(t)
	item, err := f.engine.CreateAuction(seller, FirstPrice, "vase", "")
	require.NoError(t, err)
	require.Equal(t, listing.StateBidding, item.State)

	_, err = f.engine.RevealListing(item.ID, alice, big.NewInt(1))
	require.ErrorIs(t, err, marketerrors.ErrPhaseViolation)
	_, _, err = f.engine.EndRevealPhase(item.ID, seller)
	require.ErrorIs(t, err, marketerrors.ErrPhaseViolation)
	_, err = f.engine.EndBiddingPhase(item.ID, alice)
	require.ErrorIs(t, err, marketerrors.ErrUnauthorized)
	_, err = f.engine.Bid(item.ID, seller, bids.MustDigest(big.NewInt(1)), big.NewInt(1), f.keys[alice])
	require.ErrorIs(t, err, marketerrors.ErrUnauthorized)

	_, err = f.engine.EndBiddingPhase(item.ID, seller)
	require.NoError(t, err)
	_, err = f.engine.Bid(item.ID, alice, bids.MustDigest(big.NewInt(1)), big.NewInt(1), f.keys[alice])
	require.ErrorIs(t, err, marketerrors.ErrPhaseViolation)
	_, err = f.engine.EndBiddingPhase(item.ID, seller)
	require.ErrorIs(t, err, marketerrors.ErrPhaseViolation)

	_, err = f.engine.CreateAuction(seller, listing.RuleNone, "x", "")
	require.ErrorIs(t, err, marketerrors.ErrInvalidArgument)
}

func TestVaultConservationAcrossAuctions(t *testing.T) {
	f := newFixture(t)
	f.run(t, FirstPrice, []sealedBid{{bidder: alice, value: 10, deposit: 40}, {bidder: bob, value: 20, deposit: 20}})
	f.run(t, SecondPrice, []sealedBid{{bidder: carol, value: 30, deposit: 90}, {bidder: alice, value: 25, deposit: 25}})

	total, err := f.vault.Total()
	require.NoError(t, err)
	sum := f.held(t, 0) + f.held(t, 1)
	require.Equal(t, total.Int64(), sum)
	require.Equal(t, int64(20+25), sum)
	require.Equal(t, int64(30_000), f.balance(t, alice)+f.balance(t, bob)+f.balance(t, carol)+sum)
}
