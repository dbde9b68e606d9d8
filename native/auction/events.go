package auction

import (
	"math/big"
	"strconv"

	"marketchain/core/types"
	"marketchain/crypto"
	"marketchain/native/listing"
)

const (
	EventTypeBiddingEnded = "market.bidding.ended"
	EventTypeAuctionEnded = "market.auction.ended"
)

// BiddingEnded is emitted when the seller closes the commit phase.
type BiddingEnded struct {
	Listing *listing.Listing
	Commits int
}

func (BiddingEnded) EventType() string { return EventTypeBiddingEnded }

func (e BiddingEnded) Event() *types.Event {
	attrs := map[string]string{"commits": strconv.Itoa(e.Commits)}
	if e.Listing != nil {
		attrs["listingId"] = strconv.FormatUint(e.Listing.ID, 10)
		attrs["seller"] = crypto.MarketAddress(e.Listing.Seller).String()
		attrs["rule"] = e.Listing.Rule.String()
	}
	return &types.Event{Type: EventTypeBiddingEnded, Attributes: attrs}
}

// AuctionEnded reports the settlement. Winner is the zero identity when no
// valid bid was revealed.
type AuctionEnded struct {
	Listing *listing.Listing
	Winner  [20]byte
	Price   *big.Int
	Valid   int
}

func (AuctionEnded) EventType() string { return EventTypeAuctionEnded }

func (e AuctionEnded) Event() *types.Event {
	price := "0"
	if e.Price != nil {
		price = e.Price.String()
	}
	attrs := map[string]string{
		"winner":     crypto.MarketAddress(e.Winner).String(),
		"finalPrice": price,
		"validBids":  strconv.Itoa(e.Valid),
		"hasWinner":  strconv.FormatBool(e.Winner != ([20]byte{})),
	}
	if e.Listing != nil {
		attrs["listingId"] = strconv.FormatUint(e.Listing.ID, 10)
		attrs["rule"] = e.Listing.Rule.String()
		attrs["state"] = e.Listing.State.String()
	}
	return &types.Event{Type: EventTypeAuctionEnded, Attributes: attrs}
}
