package marketplace

import (
	"errors"
	"math/big"
	"time"

	marketerrors "marketchain/core/errors"
	"marketchain/core/events"
	"marketchain/native/delivery"
	"marketchain/native/listing"
)

var (
	errNilState = errors.New("marketplace: state not configured")
	errNilVault = errors.New("marketplace: escrow vault not configured")
)

type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type escrowVault interface {
	Deposit(listingID uint64, payer [20]byte, amount *big.Int) error
	Release(listingID uint64, payee [20]byte, amount *big.Int) error
	Refund(listingID uint64, payee [20]byte, amount *big.Int) error
}

// Ledger runs the fixed-price sale of a listing:
// Unsold → Sold → Delivered → Confirmed, with Sold → Unsold on relist.
type Ledger struct {
	state   ledgerState
	vault   escrowVault
	emitter events.Emitter
	nowFn   func() int64
}

// NewLedger constructs a ledger with a no-op emitter.
func NewLedger() *Ledger {
	return &Ledger{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the ledger.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetVault configures the escrow vault holding buyer payments.
func (l *Ledger) SetVault(vault escrowVault) { l.vault = vault }

// SetEmitter configures the event emitter used by the ledger. Passing nil
// resets the emitter to a no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() uint64 {
	if l.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return uint64(l.nowFn())
}

func (l *Ledger) emit(evt events.Event) {
	if l.emitter != nil {
		l.emitter.Emit(evt)
	}
}

func (l *Ledger) ready() error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if l.vault == nil {
		return errNilVault
	}
	return nil
}

func (l *Ledger) load(op string, id uint64) (*listing.Listing, *listing.Store, error) {
	store := listing.NewStore(l.state)
	item, err := store.Get(op, id)
	if err != nil {
		return nil, nil, err
	}
	if err := item.RequireKind(op, listing.KindDirect); err != nil {
		return nil, nil, err
	}
	return item, store, nil
}

func (l *Ledger) save(store *listing.Store, item *listing.Listing) error {
	item.UpdatedAt = l.now()
	return store.Put(item)
}

// CreateListing registers a fixed-price listing owned by seller.
func (l *Ledger) CreateListing(seller [20]byte, price *big.Int, name, desc string) (*listing.Listing, error) {
	const op = "marketplace.create_listing"
	if err := l.ready(); err != nil {
		return nil, err
	}
	if seller == ([20]byte{}) {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "seller required")
	}
	if price == nil || price.Sign() <= 0 {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "asking price must be positive")
	}
	name, desc, err := listing.ValidateMetadata(op, name, desc)
	if err != nil {
		return nil, err
	}
	store := listing.NewStore(l.state)
	id, err := store.Allocate()
	if err != nil {
		return nil, err
	}
	now := l.now()
	item := &listing.Listing{
		ID:            id,
		Kind:          listing.KindDirect,
		Seller:        seller,
		Name:          name,
		Description:   desc,
		AskingPrice:   new(big.Int).Set(price),
		State:         listing.StateUnsold,
		ClearingPrice: big.NewInt(0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.Put(item); err != nil {
		return nil, err
	}
	l.emit(listing.Created{Listing: item.Clone()})
	return item, nil
}

// BuyListing pays the asking price into escrow and assigns buyer. The amount
// must match the price exactly.
func (l *Ledger) BuyListing(id uint64, buyer [20]byte, amount *big.Int, buyerKey []byte) (*listing.Listing, error) {
	const op = "marketplace.buy_listing"
	if err := l.ready(); err != nil {
		return nil, err
	}
	item, store, err := l.load(op, id)
	if err != nil {
		return nil, err
	}
	if err := item.RequireState(op, listing.StateUnsold); err != nil {
		return nil, err
	}
	if buyer == item.Seller {
		return nil, marketerrors.New(marketerrors.KindUnauthorized, op, "seller cannot buy own listing %d", id)
	}
	if buyer == ([20]byte{}) {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "buyer required")
	}
	if amount == nil || amount.Cmp(item.AskingPrice) != 0 {
		return nil, marketerrors.New(marketerrors.KindInvalidPayment, op, "payment must equal asking price %s", item.AskingPrice)
	}
	if err := delivery.ValidatePublicKey(buyerKey); err != nil {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "%v", err)
	}
	if err := l.vault.Deposit(id, buyer, amount); err != nil {
		return nil, err
	}
	item.State = listing.StateSold
	item.Buyer = buyer
	item.BuyerKey = append([]byte(nil), buyerKey...)
	if err := l.save(store, item); err != nil {
		return nil, err
	}
	l.emit(listing.Sold{Listing: item.Clone()})
	return item, nil
}

// DeliverListing attaches the sealed secret for the buyer.
func (l *Ledger) DeliverListing(id uint64, caller [20]byte, payload delivery.Payload) (*listing.Listing, error) {
	const op = "marketplace.deliver_listing"
	if err := l.ready(); err != nil {
		return nil, err
	}
	item, store, err := l.load(op, id)
	if err != nil {
		return nil, err
	}
	if err := item.RequireSeller(op, caller); err != nil {
		return nil, err
	}
	if err := item.RequireState(op, listing.StateSold); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "%v", err)
	}
	item.Payload = payload.Clone()
	item.State = listing.StateDelivered
	if err := l.save(store, item); err != nil {
		return nil, err
	}
	l.emit(listing.Delivered{Listing: item.Clone()})
	return item, nil
}

// ConfirmListing records receipt by the buyer and releases the price to the
// seller.
func (l *Ledger) ConfirmListing(id uint64, caller [20]byte) (*listing.Listing, error) {
	const op = "marketplace.confirm_listing"
	if err := l.ready(); err != nil {
		return nil, err
	}
	item, store, err := l.load(op, id)
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
	if err := l.vault.Release(id, item.Seller, price); err != nil {
		return nil, err
	}
	item.State = listing.StateConfirmed
	if err := l.save(store, item); err != nil {
		return nil, err
	}
	l.emit(listing.Confirmed{Listing: item.Clone(), Released: price})
	return item, nil
}

// RelistListing returns a sold but undelivered listing to the market and
// refunds the buyer in full.
func (l *Ledger) RelistListing(id uint64, caller [20]byte) (*listing.Listing, error) {
	const op = "marketplace.relist_listing"
	if err := l.ready(); err != nil {
		return nil, err
	}
	item, store, err := l.load(op, id)
	if err != nil {
		return nil, err
	}
	if err := item.RequireSeller(op, caller); err != nil {
		return nil, err
	}
	if err := item.RequireState(op, listing.StateSold); err != nil {
		return nil, err
	}
	buyer := item.Buyer
	refund := item.Price()
	if err := l.vault.Refund(id, buyer, refund); err != nil {
		return nil, err
	}
	item.State = listing.StateUnsold
	item.Buyer = [20]byte{}
	item.BuyerKey = nil
	if err := l.save(store, item); err != nil {
		return nil, err
	}
	l.emit(listing.Relisted{Listing: item.Clone(), RefundedBuyer: buyer, Refund: refund})
	return item, nil
}
