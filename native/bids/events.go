package bids

import (
	"encoding/hex"
	"strconv"

	"marketchain/core/types"
	"marketchain/crypto"
)

const (
	EventTypeBidMade    = "market.bid.made"
	EventTypeRevealMade = "market.reveal.made"
)

// BidMade is emitted when a bidder commits a blinded bid and deposit.
type BidMade struct{ Bid *Bid }

func (BidMade) EventType() string { return EventTypeBidMade }

func (e BidMade) Event() *types.Event {
	if e.Bid == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeBidMade,
		Attributes: map[string]string{
			"listingId":  strconv.FormatUint(e.Bid.ListingID, 10),
			"bidder":     crypto.MarketAddress(e.Bid.Bidder).String(),
			"blindedBid": "0x" + hex.EncodeToString(e.Bid.Commitment[:]),
			"deposit":    e.Bid.Deposit.String(),
		},
	}
}

// RevealMade is emitted for every reveal, matching or not.
type RevealMade struct{ Bid *Bid }

func (RevealMade) EventType() string { return EventTypeRevealMade }

func (e RevealMade) Event() *types.Event {
	if e.Bid == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeRevealMade,
		Attributes: map[string]string{
			"listingId": strconv.FormatUint(e.Bid.ListingID, 10),
			"bidder":    crypto.MarketAddress(e.Bid.Bidder).String(),
			"value":     e.Bid.Value.String(),
			"isCorrect": strconv.FormatBool(e.Bid.Correct),
			"covered":   strconv.FormatBool(e.Bid.Covered),
		},
	}
}
