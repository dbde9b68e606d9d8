package bids

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sort"
	"time"

	marketerrors "marketchain/core/errors"
	"marketchain/core/events"
	"marketchain/native/delivery"
)

var (
	errNilState = errors.New("bids store: state not configured")
	errNilVault = errors.New("bids store: escrow vault not configured")

	roundPrefix = []byte("bids/round/")
	bidPrefix   = []byte("bids/r/")
)

func roundKey(listingID uint64) []byte {
	buf := make([]byte, len(roundPrefix)+8)
	copy(buf, roundPrefix)
	binary.BigEndian.PutUint64(buf[len(roundPrefix):], listingID)
	return buf
}

func bidKey(listingID uint64, bidder [20]byte) []byte {
	buf := make([]byte, len(bidPrefix)+8+20)
	copy(buf, bidPrefix)
	binary.BigEndian.PutUint64(buf[len(bidPrefix):], listingID)
	copy(buf[len(bidPrefix)+8:], bidder[:])
	return buf
}

type reader interface {
	KVGet(key []byte, out interface{}) (bool, error)
}

type storeState interface {
	reader
	KVPut(key []byte, value interface{}) error
}

type depositor interface {
	Deposit(listingID uint64, payer [20]byte, amount *big.Int) error
}

// Store keeps commitments, deposits and reveals per listing and drives the
// Bidding → Reveal → Closed protocol.
type Store struct {
	state   storeState
	vault   depositor
	emitter events.Emitter
	nowFn   func() int64
}

// NewStore creates a bid store with a no-op emitter.
func NewStore() *Store {
	return &Store{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the store.
func (s *Store) SetState(state storeState) { s.state = state }

// SetVault configures the escrow vault that receives commit deposits.
func (s *Store) SetVault(vault depositor) { s.vault = vault }

// SetEmitter configures the event emitter. Passing nil resets the emitter to
// a no-op implementation.
func (s *Store) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		s.emitter = events.NoopEmitter{}
		return
	}
	s.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (s *Store) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

func (s *Store) now() uint64 {
	if s == nil || s.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return uint64(s.nowFn())
}

func (s *Store) emit(evt events.Event) {
	if s.emitter != nil {
		s.emitter.Emit(evt)
	}
}

func (s *Store) ready() error {
	if s == nil || s.state == nil {
		return errNilState
	}
	return nil
}

func (s *Store) loadRound(op string, listingID uint64) (*Round, error) {
	var round Round
	ok, err := s.state.KVGet(roundKey(listingID), &round)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, marketerrors.New(marketerrors.KindNotFound, op, "no bidding round for listing %d", listingID)
	}
	return &round, nil
}

func (s *Store) loadBid(listingID uint64, bidder [20]byte) (*Bid, bool, error) {
	var bid Bid
	ok, err := s.state.KVGet(bidKey(listingID, bidder), &bid)
	if err != nil || !ok {
		return nil, false, err
	}
	return &bid, true, nil
}

// Open starts the bidding round of listingID on behalf of seller.
func (s *Store) Open(listingID uint64, seller [20]byte) error {
	const op = "bids.open"
	if err := s.ready(); err != nil {
		return err
	}
	ok, err := s.state.KVGet(roundKey(listingID), nil)
	if err != nil {
		return err
	}
	if ok {
		return marketerrors.New(marketerrors.KindPhaseViolation, op, "listing %d already has a bidding round", listingID)
	}
	round := &Round{ListingID: listingID, Seller: seller, Phase: PhaseBidding, OpenedAt: s.now()}
	return s.state.KVPut(roundKey(listingID), round)
}

// Phase returns the protocol position of listingID.
func (s *Store) Phase(listingID uint64) (Phase, error) {
	if err := s.ready(); err != nil {
		return PhaseNone, err
	}
	round, err := s.loadRound("bids.phase", listingID)
	if err != nil {
		return PhaseNone, err
	}
	return round.Phase, nil
}

// Commit records bidder's blinded bid and forwards deposit to escrow. A bidder
// holds at most one commitment per listing; a second commit is rejected.
func (s *Store) Commit(listingID uint64, bidder [20]byte, commitment [32]byte, deposit *big.Int, deliveryKey []byte) (*Bid, error) {
	const op = "bids.commit"
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.vault == nil {
		return nil, errNilVault
	}
	round, err := s.loadRound(op, listingID)
	if err != nil {
		return nil, err
	}
	if round.Phase != PhaseBidding {
		return nil, marketerrors.New(marketerrors.KindPhaseViolation, op, "listing %d is in %s phase", listingID, round.Phase)
	}
	if bidder == round.Seller {
		return nil, marketerrors.New(marketerrors.KindUnauthorized, op, "seller cannot bid on own listing %d", listingID)
	}
	if commitment == ([32]byte{}) {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "commitment required")
	}
	if err := delivery.ValidatePublicKey(deliveryKey); err != nil {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "%v", err)
	}
	if _, exists, err := s.loadBid(listingID, bidder); err != nil {
		return nil, err
	} else if exists {
		return nil, marketerrors.New(marketerrors.KindDuplicateCommit, op, "bidder already committed on listing %d", listingID)
	}
	if deposit == nil || deposit.Sign() <= 0 {
		return nil, marketerrors.New(marketerrors.KindInvalidPayment, op, "deposit must be positive")
	}
	if err := s.vault.Deposit(listingID, bidder, deposit); err != nil {
		return nil, err
	}
	bid := &Bid{
		ListingID:   listingID,
		Bidder:      bidder,
		Commitment:  commitment,
		Deposit:     new(big.Int).Set(deposit),
		DeliveryKey: append([]byte(nil), deliveryKey...),
		Value:       big.NewInt(0),
		Refunded:    big.NewInt(0),
		CommittedAt: s.now(),
	}
	if err := s.state.KVPut(bidKey(listingID, bidder), bid); err != nil {
		return nil, err
	}
	round.Bidders = append(round.Bidders, bidder)
	if err := s.state.KVPut(roundKey(listingID), round); err != nil {
		return nil, err
	}
	s.emit(BidMade{Bid: bid.Clone()})
	return bid.Clone(), nil
}

// AdvanceToReveal ends the bidding phase. Only the seller may call it.
func (s *Store) AdvanceToReveal(listingID uint64, caller [20]byte) error {
	const op = "bids.advance_to_reveal"
	if err := s.ready(); err != nil {
		return err
	}
	round, err := s.loadRound(op, listingID)
	if err != nil {
		return err
	}
	if caller != round.Seller {
		return marketerrors.New(marketerrors.KindUnauthorized, op, "only the seller may end bidding on listing %d", listingID)
	}
	if round.Phase != PhaseBidding {
		return marketerrors.New(marketerrors.KindPhaseViolation, op, "listing %d is in %s phase", listingID, round.Phase)
	}
	round.Phase = PhaseReveal
	round.RevealAt = s.now()
	return s.state.KVPut(roundKey(listingID), round)
}

// Reveal discloses bidder's true value. A value that does not match the
// commitment is recorded as incorrect and excluded from settlement; that is
// an outcome, not an error.
func (s *Store) Reveal(listingID uint64, bidder [20]byte, value *big.Int) (*Bid, error) {
	const op = "bids.reveal"
	if err := s.ready(); err != nil {
		return nil, err
	}
	if value == nil {
		return nil, marketerrors.New(marketerrors.KindInvalidArgument, op, "value required")
	}
	round, err := s.loadRound(op, listingID)
	if err != nil {
		return nil, err
	}
	if round.Phase != PhaseReveal {
		return nil, marketerrors.New(marketerrors.KindPhaseViolation, op, "listing %d is in %s phase", listingID, round.Phase)
	}
	bid, ok, err := s.loadBid(listingID, bidder)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, marketerrors.New(marketerrors.KindNotFound, op, "no commitment from bidder on listing %d", listingID)
	}
	if bid.Revealed {
		return nil, marketerrors.New(marketerrors.KindPhaseViolation, op, "bid on listing %d already revealed", listingID)
	}
	digest, digestErr := Digest(value)
	bid.Revealed = true
	bid.Correct = digestErr == nil && digest == bid.Commitment
	bid.Covered = value.Sign() >= 0 && value.Cmp(bid.Deposit) <= 0
	// Negative values cannot be stored and never match a commitment.
	if value.Sign() >= 0 {
		bid.Value = new(big.Int).Set(value)
	}
	bid.RevealSeq = round.Reveals
	bid.RevealedAt = s.now()
	round.Reveals++
	if err := s.state.KVPut(bidKey(listingID, bidder), bid); err != nil {
		return nil, err
	}
	if err := s.state.KVPut(roundKey(listingID), round); err != nil {
		return nil, err
	}
	s.emit(RevealMade{Bid: bid.Clone()})
	return bid.Clone(), nil
}

// CloseReveal ends the reveal phase and returns the frozen set of valid bids
// ordered by reveal sequence. Only the seller may call it.
func (s *Store) CloseReveal(listingID uint64, caller [20]byte) ([]*Bid, error) {
	const op = "bids.close_reveal"
	if err := s.ready(); err != nil {
		return nil, err
	}
	round, err := s.loadRound(op, listingID)
	if err != nil {
		return nil, err
	}
	if caller != round.Seller {
		return nil, marketerrors.New(marketerrors.KindUnauthorized, op, "only the seller may end the reveal on listing %d", listingID)
	}
	if round.Phase != PhaseReveal {
		return nil, marketerrors.New(marketerrors.KindPhaseViolation, op, "listing %d is in %s phase", listingID, round.Phase)
	}
	round.Phase = PhaseClosed
	round.ClosedAt = s.now()
	if err := s.state.KVPut(roundKey(listingID), round); err != nil {
		return nil, err
	}
	all, err := List(s.state, listingID)
	if err != nil {
		return nil, err
	}
	valid := make([]*Bid, 0, len(all))
	for _, bid := range all {
		if bid.Valid() {
			valid = append(valid, bid)
		}
	}
	sortByReveal(valid)
	return valid, nil
}

// Get returns bidder's record on listingID.
func (s *Store) Get(listingID uint64, bidder [20]byte) (*Bid, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	bid, ok, err := s.loadBid(listingID, bidder)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, marketerrors.New(marketerrors.KindNotFound, "bids.get", "no commitment from bidder on listing %d", listingID)
	}
	return bid, nil
}

// RecordRefund adds amount to the refunded tally of bidder's record. Records
// are kept after settlement for audit.
func (s *Store) RecordRefund(listingID uint64, bidder [20]byte, amount *big.Int) error {
	bid, err := s.Get(listingID, bidder)
	if err != nil {
		return err
	}
	refunded := new(big.Int).Add(bid.Refunded, amount)
	if refunded.Cmp(bid.Deposit) > 0 {
		return marketerrors.New(marketerrors.KindOverdraft, "bids.record_refund", "refund exceeds deposit on listing %d", listingID)
	}
	bid.Refunded = refunded
	return s.state.KVPut(bidKey(listingID, bidder), bid)
}

// List returns every bid on listingID in commit order.
func List(r reader, listingID uint64) ([]*Bid, error) {
	var round Round
	ok, err := r.KVGet(roundKey(listingID), &round)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, marketerrors.New(marketerrors.KindNotFound, "bids.list", "no bidding round for listing %d", listingID)
	}
	out := make([]*Bid, 0, len(round.Bidders))
	for _, bidder := range round.Bidders {
		var bid Bid
		found, err := r.KVGet(bidKey(listingID, bidder), &bid)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.New("bids store: round index references missing bid")
		}
		out = append(out, &bid)
	}
	return out, nil
}

// LoadRound returns the round record of listingID from any reader.
func LoadRound(r reader, listingID uint64) (*Round, bool, error) {
	var round Round
	ok, err := r.KVGet(roundKey(listingID), &round)
	if err != nil || !ok {
		return nil, false, err
	}
	return &round, true, nil
}

func sortByReveal(bids []*Bid) {
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].RevealSeq < bids[j].RevealSeq })
}
