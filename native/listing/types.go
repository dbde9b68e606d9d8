package listing

import (
	"fmt"
	"math/big"
	"strings"

	marketerrors "marketchain/core/errors"
	"marketchain/native/delivery"
)

// State represents the lifecycle position of a listing. The first five values
// keep the numbering storefront clients already display.
type State uint8

const (
	StateUnsold State = iota
	StateSold
	StateDelivered
	StateBidding
	StateReveal
	StatePending
	StateConfirmed
)

var stateNames = map[State]string{
	StateUnsold:    "Unsold",
	StateSold:      "Sold",
	StateDelivered: "Delivered",
	StateBidding:   "Bidding",
	StateReveal:    "Reveal",
	StatePending:   "Pending",
	StateConfirmed: "Confirmed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Kind selects the sale mechanism of a listing.
type Kind uint8

const (
	KindDirect Kind = iota
	KindAuction
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindAuction:
		return "auction"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Rule is the pricing rule of a sealed-bid auction.
type Rule uint8

const (
	RuleNone Rule = iota
	RuleFirstPrice
	RuleSecondPrice
	RuleAveragePrice
)

func (r Rule) String() string {
	switch r {
	case RuleNone:
		return "none"
	case RuleFirstPrice:
		return "first-price"
	case RuleSecondPrice:
		return "second-price"
	case RuleAveragePrice:
		return "average-price"
	default:
		return fmt.Sprintf("Rule(%d)", uint8(r))
	}
}

// ParseRule maps the names accepted on the wire to a Rule.
func ParseRule(s string) (Rule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "first", "first-price", "firstprice":
		return RuleFirstPrice, nil
	case "second", "second-price", "secondprice", "vickrey":
		return RuleSecondPrice, nil
	case "average", "average-price", "averageprice":
		return RuleAveragePrice, nil
	default:
		return RuleNone, fmt.Errorf("unknown pricing rule %q", s)
	}
}

// Listing is a single item offered under exactly one sale mechanism. State
// and Buyer are always written together in one record update.
type Listing struct {
	ID            uint64
	Kind          Kind
	Rule          Rule
	Seller        [20]byte
	Name          string
	Description   string
	AskingPrice   *big.Int
	State         State
	Buyer         [20]byte
	BuyerKey      []byte
	Payload       delivery.Payload
	ClearingPrice *big.Int
	CreatedAt     uint64
	UpdatedAt     uint64
}

// Clone returns a deep copy of the listing so callers can mutate the copy
// without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.AskingPrice = cloneAmount(l.AskingPrice)
	clone.ClearingPrice = cloneAmount(l.ClearingPrice)
	clone.BuyerKey = append([]byte(nil), l.BuyerKey...)
	clone.Payload = l.Payload.Clone()
	return &clone
}

// HasBuyer reports whether a buyer or winner is assigned.
func (l *Listing) HasBuyer() bool { return l.Buyer != ([20]byte{}) }

// Price is the amount locked in escrow for the buyer: the asking price for
// direct sales and the clearing price for settled auctions.
func (l *Listing) Price() *big.Int {
	if l.Kind == KindAuction {
		return cloneAmount(l.ClearingPrice)
	}
	return cloneAmount(l.AskingPrice)
}

// RequireSeller fails with Unauthorized unless caller is the seller.
func (l *Listing) RequireSeller(op string, caller [20]byte) error {
	if caller != l.Seller {
		return marketerrors.New(marketerrors.KindUnauthorized, op, "caller is not the seller of listing %d", l.ID)
	}
	return nil
}

// RequireBuyer fails with Unauthorized unless caller is the assigned buyer.
func (l *Listing) RequireBuyer(op string, caller [20]byte) error {
	if !l.HasBuyer() || caller != l.Buyer {
		return marketerrors.New(marketerrors.KindUnauthorized, op, "caller is not the buyer of listing %d", l.ID)
	}
	return nil
}

// RequireState fails with PhaseViolation unless the listing is in one of want.
func (l *Listing) RequireState(op string, want ...State) error {
	for _, s := range want {
		if l.State == s {
			return nil
		}
	}
	return marketerrors.New(marketerrors.KindPhaseViolation, op, "listing %d is %s", l.ID, l.State)
}

// RequireKind fails with NotFound when the listing belongs to another engine.
func (l *Listing) RequireKind(op string, kind Kind) error {
	if l.Kind != kind {
		return marketerrors.New(marketerrors.KindNotFound, op, "listing %d is not a %s listing", l.ID, kind)
	}
	return nil
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// ValidateMetadata normalises item metadata supplied at creation.
func ValidateMetadata(op, name, desc string) (string, string, error) {
	name = strings.TrimSpace(name)
	desc = strings.TrimSpace(desc)
	if name == "" {
		return "", "", marketerrors.New(marketerrors.KindInvalidArgument, op, "item name required")
	}
	return name, desc, nil
}
