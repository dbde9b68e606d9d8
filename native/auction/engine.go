package auction

import (
	"errors"
	"math/big"
	"time"

	marketerrors "marketchain/core/errors"
	"marketchain/core/events"
	"marketchain/native/bids"
	"marketchain/native/delivery"
	"marketchain/native/listing"
)

var (
	errNilState = errors.New("auction engine: state not configured")
	errNilVault = errors.New("auction engine: escrow vault not configured")
)

func errUnknownRule(rule PricingRule) error {
	return marketerrors.New(marketerrors.KindInvalidArgument, "auction.settle", "unsupported pricing rule %s", rule)
}

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type escrowVault interface {
	Deposit(listingID uint64, payer [20]byte, amount *big.Int) error
	Release(listingID uint64, payee [20]byte, amount *big.Int) error
	Refund(listingID uint64, payee [20]byte, amount *big.Int) error
}

// Engine runs sealed-bid auctions of every pricing rule through one
// lifecycle: Bidding → Reveal → (Unsold | Pending) → Delivered → Confirmed.
type Engine struct {
	state   engineState
	vault   escrowVault
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine constructs an auction engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVault configures the escrow vault holding bid deposits.
func (e *Engine) SetVault(vault escrowVault) { e.vault = vault }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() uint64 {
	if e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return uint64(e.nowFn())
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.vault == nil {
		return errNilVault
	}
	return nil
}

func (e *Engine) bidStore() *bids.Store {
	store := bids.NewStore()
	store.SetState(e.state)
	store.SetVault(e.vault)
	store.SetEmitter(e.emitter)
	store.SetNowFunc(e.nowFn)
	return store
}

func (e *Engine) load(op string, id uint64) (*listing.Listing, *listing.Store, error) {
	store := listing.NewStore(e.state)
	item, err := store.Get(op, id)
	if err != nil {
		return nil, nil, err
	}
	if err := item.RequireKind(op, listing.KindAuction); err != nil {
		return nil, nil, err
	}
	return item, store, nil
}

func (e *Engine) save(store *listing.Store, item *listing.Listing) error {
	item.UpdatedAt = e.now()
	return store.Put(item)
}

// CreateAuction registers a sealed-bid listing open for commitments.
func (e *Engine) CreateAuction(seller [20]byte, rule PricingRule, name, desc string) (*listing.Listing, error) {
	const op = "auction.create"
	if err := e.ready(); err != nil {
		return nil, err
	}
	if seller == ([20]byte{}) {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "seller required")
	}
	switch rule {
	case FirstPrice, SecondPrice, AveragePrice:
	default:
		return nil, errUnknownRule(rule)
	}
	name, desc, err := listing.ValidateMetadata(op, name, desc)
	if err != nil {
		return nil, err
	}
	store := listing.NewStore(e.state)
	id, err := store.Allocate()
	if err != nil {
		return nil, err
	}
	now := e.now()
	item := &listing.Listing{
		ID:            id,
		Kind:          listing.KindAuction,
		Rule:          rule,
		Seller:        seller,
		Name:          name,
		Description:   desc,
		AskingPrice:   big.NewInt(0),
		State:         listing.StateBidding,
		ClearingPrice: big.NewInt(0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.bidStore().Open(id, seller); err != nil {
		return nil, err
	}
	if err := store.Put(item); err != nil {
		return nil, err
	}
	e.emit(listing.Created{Listing: item.Clone()})
	return item, nil
}

// Bid commits a blinded bid with its deposit.
func (e *Engine) Bid(id uint64, bidder [20]byte, commitment [32]byte, deposit *big.Int, deliveryKey []byte) (*bids.Bid, error) {
	const op = "auction.bid"
	if err := e.ready(); err != nil {
		return nil, err
	}
	item, _, err := e.load(op, id)
	if err != nil {
		return nil, err
	}
	if err := item.RequireState(op, listing.StateBidding); err != nil {
		return nil, err
	}
	if bidder == ([20]byte{}) {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "bidder required")
	}
	return e.bidStore().Commit(id, bidder, commitment, deposit, deliveryKey)
}

// EndBiddingPhase closes commitments and opens the reveal phase.
func (e *Engine) EndBiddingPhase(id uint64, caller [20]byte) (*listing.Listing, error) {
	const op = "auction.end_bidding"
	if err := e.ready(); err != nil {
		return nil, err
	}
	item, store, err := e.load(op, id)
	if err != nil {
		return nil, err
	}
	if err := item.RequireSeller(op, caller); err != nil {
		return nil, err
	}
	if err := item.RequireState(op, listing.StateBidding); err != nil {
		return nil, err
	}
	bidStore := e.bidStore()
	if err := bidStore.AdvanceToReveal(id, caller); err != nil {
		return nil, err
	}
	round, _, err := bids.LoadRound(e.state, id)
	if err != nil {
		return nil, err
	}
	item.State = listing.StateReveal
	if err := e.save(store, item); err != nil {
		return nil, err
	}
	commits := 0
	if round != nil {
		commits = len(round.Bidders)
	}
	e.emit(BiddingEnded{Listing: item.Clone(), Commits: commits})
	return item, nil
}

// RevealListing discloses bidder's value. A value that does not match the
// commitment is recorded and excluded from settlement.
func (e *Engine) RevealListing(id uint64, bidder [20]byte, value *big.Int) (*bids.Bid, error) {
	const op = "auction.reveal"
	if err := e.ready(); err != nil {
		return nil, err
	}
	item, _, err := e.load(op, id)
	if err != nil {
		return nil, err
	}
	if err := item.RequireState(op, listing.StateReveal); err != nil {
		return nil, err
	}
	return e.bidStore().Reveal(id, bidder, value)
}

// EndRevealPhase settles the auction under its pricing rule. Losers are
// refunded in full, the winner gets back the deposit minus the clearing price
// and the clearing price stays locked until confirmation.
func (e *Engine) EndRevealPhase(id uint64, caller [20]byte) (*listing.Listing, *Outcome, error) {
	const op = "auction.end_reveal"
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	item, store, err := e.load(op, id)
	if err != nil {
		return nil, nil, err
	}
	if err := item.RequireSeller(op, caller); err != nil {
		return nil, nil, err
	}
	if err := item.RequireState(op, listing.StateReveal); err != nil {
		return nil, nil, err
	}
	bidStore := e.bidStore()
	valid, err := bidStore.CloseReveal(id, caller)
	if err != nil {
		return nil, nil, err
	}
	outcome, err := Settle(item.Rule, valid)
	if err != nil {
		return nil, nil, err
	}
	all, err := bids.List(e.state, id)
	if err != nil {
		return nil, nil, err
	}
	for _, bid := range all {
		refund := new(big.Int).Set(bid.Deposit)
		if outcome.Winner != nil && bid.Bidder == outcome.Winner.Bidder {
			refund.Sub(refund, outcome.Price)
		}
		if refund.Sign() <= 0 {
			continue
		}
		if err := e.vault.Refund(id, bid.Bidder, refund); err != nil {
			return nil, nil, err
		}
		if err := bidStore.RecordRefund(id, bid.Bidder, refund); err != nil {
			return nil, nil, err
		}
	}

	var winner [20]byte
	if outcome.Winner == nil {
		item.State = listing.StateUnsold
	} else {
		winner = outcome.Winner.Bidder
		item.State = listing.StatePending
		item.Buyer = winner
		item.BuyerKey = append([]byte(nil), outcome.Winner.DeliveryKey...)
		item.ClearingPrice = new(big.Int).Set(outcome.Price)
	}
	if err := e.save(store, item); err != nil {
		return nil, nil, err
	}
	e.emit(AuctionEnded{Listing: item.Clone(), Winner: winner, Price: outcome.Price, Valid: len(valid)})
	return item, &outcome, nil
}

// DeliverListing attaches the sealed secret for the winner.
func (e *Engine) DeliverListing(id uint64, caller [20]byte, payload delivery.Payload) (*listing.Listing, error) {
	const op = "auction.deliver"
	if err := e.ready(); err != nil {
		return nil, err
	}
	item, store, err := e.load(op, id)
	if err != nil {
		return nil, err
	}
	if err := item.RequireSeller(op, caller); err != nil {
		return nil, err
	}
	if err := item.RequireState(op, listing.StatePending); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "%v", err)
	}
	item.Payload = payload.Clone()
	item.State = listing.StateDelivered
	if err := e.save(store, item); err != nil {
		return nil, err
	}
	e.emit(listing.Delivered{Listing: item.Clone()})
	return item, nil
}

// ConfirmListing records receipt by the winner and releases the clearing
// price to the seller. It succeeds at most once.
func (e *Engine) ConfirmListing(id uint64, caller [20]byte) (*listing.Listing, error) {
	const op = "auction.confirm"
	if err := e.ready(); err != nil {
		return nil, err
	}
	item, store, err := e.load(op, id)
	if err != nil {
		return nil, err
	}
	if err := item.RequireBuyer(op, caller); err != nil {
		return nil, err
	}
	if err := item.RequireState(op, listing.StateDelivered); err != nil {
		return nil, err
	}
	price := item.Price()
	if price.Sign() > 0 {
		if err := e.vault.Release(id, item.Seller, price); err != nil {
			return nil, err
		}
	}
	item.State = listing.StateConfirmed
	if err := e.save(store, item); err != nil {
		return nil, err
	}
	e.emit(listing.Confirmed{Listing: item.Clone(), Released: price})
	return item, nil
}
