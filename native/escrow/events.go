package escrow

import (
	"math/big"
	"strconv"

	"marketchain/core/types"
	"marketchain/crypto"
)

const (
	EventTypeDeposited = "escrow.deposited"
	EventTypeReleased  = "escrow.released"
	EventTypeRefunded  = "escrow.refunded"
)

// Deposited is emitted when value enters the vault for a listing.
type Deposited struct {
	ListingID uint64
	Account   [20]byte
	Amount    *big.Int
	Balance   *big.Int
}

func (Deposited) EventType() string { return EventTypeDeposited }

func (e Deposited) Event() *types.Event {
	return newMovementEvent(EventTypeDeposited, e.ListingID, e.Account, e.Amount, e.Balance)
}

// Released is emitted when escrowed value is paid to a seller.
type Released struct {
	ListingID uint64
	Account   [20]byte
	Amount    *big.Int
	Balance   *big.Int
}

func (Released) EventType() string { return EventTypeReleased }

func (e Released) Event() *types.Event {
	return newMovementEvent(EventTypeReleased, e.ListingID, e.Account, e.Amount, e.Balance)
}

// Refunded is emitted when escrowed value returns to its depositor.
type Refunded struct {
	ListingID uint64
	Account   [20]byte
	Amount    *big.Int
	Balance   *big.Int
}

func (Refunded) EventType() string { return EventTypeRefunded }

func (e Refunded) Event() *types.Event {
	return newMovementEvent(EventTypeRefunded, e.ListingID, e.Account, e.Amount, e.Balance)
}

func newMovementEvent(eventType string, listingID uint64, account [20]byte, amount, balance *big.Int) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"listingId": strconv.FormatUint(listingID, 10),
			"account":   crypto.MarketAddress(account).String(),
			"amount":    formatAmount(amount),
			"balance":   formatAmount(balance),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
