package bids

import (
	"fmt"
	"math/big"
)

// Phase is the per-listing position of the commit-reveal protocol.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseBidding
	PhaseReveal
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "None"
	case PhaseBidding:
		return "Bidding"
	case PhaseReveal:
		return "Reveal"
	case PhaseClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Round tracks the protocol position of one listing and the order in which
// bidders committed.
type Round struct {
	ListingID uint64
	Seller    [20]byte
	Phase     Phase
	Bidders   [][20]byte
	Reveals   uint64
	OpenedAt  uint64
	RevealAt  uint64
	ClosedAt  uint64
}

// Bid is one bidder's commitment on one listing. It is created at commit,
// updated once at reveal and once more when settlement refunds it. Covered is
// set when the revealed value does not exceed the deposit.
type Bid struct {
	ListingID   uint64
	Bidder      [20]byte
	Commitment  [32]byte
	Deposit     *big.Int
	DeliveryKey []byte
	Revealed    bool
	Value       *big.Int
	Correct     bool
	Covered     bool
	RevealSeq   uint64
	Refunded    *big.Int
	CommittedAt uint64
	RevealedAt  uint64
}

// Valid reports whether the bid takes part in settlement.
func (b *Bid) Valid() bool {
	return b != nil && b.Revealed && b.Correct && b.Covered
}

// Clone returns a deep copy of the bid.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Deposit = cloneAmount(b.Deposit)
	clone.Value = cloneAmount(b.Value)
	clone.Refunded = cloneAmount(b.Refunded)
	clone.DeliveryKey = append([]byte(nil), b.DeliveryKey...)
	return &clone
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
