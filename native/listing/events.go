package listing

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"marketchain/core/types"
	"marketchain/crypto"
)

const (
	EventTypeCreated   = "market.listing.created"
	EventTypeSold      = "market.listing.sold"
	EventTypeRelisted  = "market.listing.relisted"
	EventTypeDelivered = "market.listing.delivered"
	EventTypeConfirmed = "market.listing.confirmed"
)

// Created is emitted when a seller registers a listing.
type Created struct{ Listing *Listing }

func (Created) EventType() string { return EventTypeCreated }

func (e Created) Event() *types.Event { return newListingEvent(EventTypeCreated, e.Listing, nil) }

// Sold is emitted when a buyer pays the asking price of a direct listing.
type Sold struct{ Listing *Listing }

func (Sold) EventType() string { return EventTypeSold }

func (e Sold) Event() *types.Event { return newListingEvent(EventTypeSold, e.Listing, nil) }

// Relisted is emitted when a seller returns an unfulfilled sale to the market.
type Relisted struct {
	Listing       *Listing
	RefundedBuyer [20]byte
	Refund        *big.Int
}

func (Relisted) EventType() string { return EventTypeRelisted }

func (e Relisted) Event() *types.Event {
	return newListingEvent(EventTypeRelisted, e.Listing, map[string]string{
		"refundedBuyer": crypto.MarketAddress(e.RefundedBuyer).String(),
		"refund":        amountString(e.Refund),
	})
}

// Delivered is emitted once the seller attaches the sealed secret.
type Delivered struct{ Listing *Listing }

func (Delivered) EventType() string { return EventTypeDelivered }

func (e Delivered) Event() *types.Event {
	extra := map[string]string{}
	if e.Listing != nil {
		extra["ephemPublicKey"] = hex.EncodeToString(e.Listing.Payload.EphemeralPublicKey)
	}
	return newListingEvent(EventTypeDelivered, e.Listing, extra)
}

// Confirmed is emitted when the buyer confirms receipt and escrow is released.
type Confirmed struct {
	Listing  *Listing
	Released *big.Int
}

func (Confirmed) EventType() string { return EventTypeConfirmed }

func (e Confirmed) Event() *types.Event {
	return newListingEvent(EventTypeConfirmed, e.Listing, map[string]string{
		"released": amountString(e.Released),
	})
}

func newListingEvent(eventType string, l *Listing, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["listingId"] = strconv.FormatUint(l.ID, 10)
	attrs["kind"] = l.Kind.String()
	attrs["itemName"] = l.Name
	attrs["seller"] = crypto.MarketAddress(l.Seller).String()
	attrs["state"] = l.State.String()
	if l.Kind == KindDirect {
		attrs["askingPrice"] = amountString(l.AskingPrice)
	} else {
		attrs["rule"] = l.Rule.String()
	}
	if l.HasBuyer() {
		attrs["buyer"] = crypto.MarketAddress(l.Buyer).String()
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
