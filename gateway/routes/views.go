package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"marketchain/core/events"
	"marketchain/crypto"
	"marketchain/native/auction"
	"marketchain/native/bids"
	"marketchain/native/delivery"
	"marketchain/native/listing"
)

const requestLimit = 1 << 20 // 1 MiB

type payloadView struct {
	IV                 hexutil.Bytes `json:"iv"`
	EphemeralPublicKey hexutil.Bytes `json:"ephemPublicKey"`
	Ciphertext         hexutil.Bytes `json:"ciphertext"`
	MAC                hexutil.Bytes `json:"mac"`
}

func (p payloadView) payload() delivery.Payload {
	return delivery.Payload{
		IV:                 p.IV,
		EphemeralPublicKey: p.EphemeralPublicKey,
		Ciphertext:         p.Ciphertext,
		MAC:                p.MAC,
	}
}

type listingView struct {
	ID            uint64        `json:"id"`
	Kind          string        `json:"kind"`
	Rule          string        `json:"rule,omitempty"`
	Seller        string        `json:"seller"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	AskingPrice   string        `json:"askingPrice"`
	State         string        `json:"state"`
	Buyer         string        `json:"buyer,omitempty"`
	BuyerKey      hexutil.Bytes `json:"buyerKey,omitempty"`
	Payload       *payloadView  `json:"payload,omitempty"`
	ClearingPrice string        `json:"clearingPrice"`
	CreatedAt     uint64        `json:"createdAt"`
	UpdatedAt     uint64        `json:"updatedAt"`
}

func newListingView(l *listing.Listing) listingView {
	view := listingView{
		ID:            l.ID,
		Kind:          l.Kind.String(),
		Seller:        crypto.MarketAddress(l.Seller).String(),
		Name:          l.Name,
		Description:   l.Description,
		AskingPrice:   amountString(l.AskingPrice),
		State:         l.State.String(),
		ClearingPrice: amountString(l.ClearingPrice),
		CreatedAt:     l.CreatedAt,
		UpdatedAt:     l.UpdatedAt,
	}
	if l.Kind == listing.KindAuction {
		view.Rule = l.Rule.String()
	}
	if l.HasBuyer() {
		view.Buyer = crypto.MarketAddress(l.Buyer).String()
		view.BuyerKey = l.BuyerKey
	}
	if !l.Payload.Empty() {
		view.Payload = &payloadView{
			IV:                 l.Payload.IV,
			EphemeralPublicKey: l.Payload.EphemeralPublicKey,
			Ciphertext:         l.Payload.Ciphertext,
			MAC:                l.Payload.MAC,
		}
	}
	return view
}

func newListingViews(items []*listing.Listing) []listingView {
	out := make([]listingView, 0, len(items))
	for _, item := range items {
		out = append(out, newListingView(item))
	}
	return out
}

type bidView struct {
	ListingID  uint64        `json:"listingId"`
	Bidder     string        `json:"bidder"`
	Commitment hexutil.Bytes `json:"blindedBid"`
	Deposit    string        `json:"deposit"`
	Revealed   bool          `json:"revealed"`
	Value      string        `json:"value,omitempty"`
	Correct    bool          `json:"isCorrect"`
	Covered    bool          `json:"covered"`
	Refunded   string        `json:"refunded"`
}

func newBidView(b *bids.Bid) bidView {
	view := bidView{
		ListingID:  b.ListingID,
		Bidder:     crypto.MarketAddress(b.Bidder).String(),
		Commitment: b.Commitment[:],
		Deposit:    amountString(b.Deposit),
		Revealed:   b.Revealed,
		Correct:    b.Correct,
		Covered:    b.Covered,
		Refunded:   amountString(b.Refunded),
	}
	if b.Revealed {
		view.Value = amountString(b.Value)
	}
	return view
}

type outcomeView struct {
	HasWinner bool   `json:"hasWinner"`
	Winner    string `json:"winner,omitempty"`
	Price     string `json:"finalPrice"`
}

func newOutcomeView(o *auction.Outcome) outcomeView {
	if o == nil || o.Winner == nil {
		return outcomeView{Price: "0"}
	}
	return outcomeView{
		HasWinner: true,
		Winner:    crypto.MarketAddress(o.Winner.Bidder).String(),
		Price:     amountString(o.Price),
	}
}

type eventView struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  uint64            `json:"timestamp"`
	Hash       hexutil.Bytes     `json:"hash"`
	PrevHash   hexutil.Bytes     `json:"prevHash"`
}

func newEventView(e events.Entry) eventView {
	return eventView{
		Seq:        e.Seq,
		Type:       e.Type,
		Attributes: e.Event().Attributes,
		Timestamp:  e.Timestamp,
		Hash:       e.Hash[:],
		PrevHash:   e.PrevHash[:],
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseAmount accepts a base-10 or 0x-prefixed unsigned integer that fits in
// 256 bits.
func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	var (
		value *uint256.Int
		err   error
	)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		value, err = uint256.FromHex(trimmed)
	} else {
		value, err = uint256.FromDecimal(trimmed)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return value.ToBig(), nil
}

func parseCommitment(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return out, fmt.Errorf("blindedBid: %w", err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("blindedBid must be 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func listingIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid listing id %q", raw)
	}
	return id, nil
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
