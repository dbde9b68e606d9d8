package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"marketchain/core"
	"marketchain/crypto"
	"marketchain/gateway/middleware"
	"marketchain/native/auction"
	"marketchain/native/listing"
)

const maxEventPage = 500

// marketRoutes exposes the Market operations as JSON endpoints. Mutating
// routes act on behalf of the authenticated caller.
type marketRoutes struct {
	market    *core.Market
	scheduler *auction.Scheduler
	nowFn     func() time.Time
}

type createListingRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

type buyRequest struct {
	Amount   string        `json:"amount"`
	BuyerKey hexutil.Bytes `json:"buyerKey"`
}

type deliverRequest struct {
	Payload payloadView `json:"payload"`
}

type createAuctionRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Rule           string `json:"rule"`
	BiddingSeconds uint64 `json:"biddingSeconds,omitempty"`
	RevealSeconds  uint64 `json:"revealSeconds,omitempty"`
}

type bidRequest struct {
	BlindedBid  string        `json:"blindedBid"`
	Deposit     string        `json:"deposit"`
	DeliveryKey hexutil.Bytes `json:"deliveryKey"`
}

type revealRequest struct {
	Value string `json:"value"`
}

func (mr *marketRoutes) mountPublic(r chi.Router) {
	r.Get("/listings", mr.listMarketItems)
	r.Get("/listings/{id}", mr.getListing)
	r.Get("/listings/{id}/bids", mr.listBids)
	r.Get("/listings/{id}/escrow", mr.getEscrow)
	r.Get("/accounts/{addr}/balance", mr.getBalance)
	r.Get("/events", mr.listEvents)
}

func (mr *marketRoutes) mountCaller(r chi.Router) {
	r.Get("/me/sold", mr.listSold)
	r.Get("/me/bought", mr.listBought)
	r.Get("/me/items", mr.listUserItems)

	r.Post("/listings", mr.createListing)
	r.Post("/listings/{id}/buy", mr.buyListing)
	r.Post("/listings/{id}/relist", mr.relistListing)
	r.Post("/listings/{id}/deliver", mr.deliverListing)
	r.Post("/listings/{id}/confirm", mr.confirmListing)

	r.Post("/auctions", mr.createAuction)
	r.Post("/auctions/{id}/bids", mr.placeBid)
	r.Post("/auctions/{id}/end-bidding", mr.endBidding)
	r.Post("/auctions/{id}/reveal", mr.reveal)
	r.Post("/auctions/{id}/end-reveal", mr.endReveal)
}

// caller reads the identity attached by the auth middleware. Anonymous
// requests get the zero identity, which owns nothing.
func caller(r *http.Request) ([20]byte, bool) {
	return middleware.CallerFromContext(r.Context())
}

func (mr *marketRoutes) listMarketItems(w http.ResponseWriter, r *http.Request) {
	who, _ := caller(r)
	items, err := mr.market.FetchMarketItems(who)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingViews(items))
}

func (mr *marketRoutes) getListing(w http.ResponseWriter, r *http.Request) {
	id, err := listingIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	item, err := mr.market.Listing(id)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingView(item))
}

func (mr *marketRoutes) listBids(w http.ResponseWriter, r *http.Request) {
	id, err := listingIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	list, err := mr.market.Bids(id)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	out := make([]bidView, 0, len(list))
	for _, b := range list {
		out = append(out, newBidView(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (mr *marketRoutes) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := listingIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	held, err := mr.market.EscrowBalance(id)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listingId": id, "held": amountString(held)})
}

func (mr *marketRoutes) getBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseIdentity(chi.URLParam(r, "addr"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	balance, err := mr.market.Balance(addr)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": crypto.MarketAddress(addr).String(),
		"balance": amountString(balance),
	})
}

func (mr *marketRoutes) listEvents(w http.ResponseWriter, r *http.Request) {
	from, err := queryUint(r, "from", 0)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	limit, err := queryUint(r, "limit", 100)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if limit == 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	entries, err := mr.market.Events(from, limit)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	out := make([]eventView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, newEventView(entry))
	}
	writeJSON(w, http.StatusOK, out)
}

func (mr *marketRoutes) listSold(w http.ResponseWriter, r *http.Request) {
	mr.listForCaller(w, r, mr.market.FetchSoldItems)
}

func (mr *marketRoutes) listBought(w http.ResponseWriter, r *http.Request) {
	mr.listForCaller(w, r, mr.market.FetchBoughtItems)
}

func (mr *marketRoutes) listUserItems(w http.ResponseWriter, r *http.Request) {
	mr.listForCaller(w, r, mr.market.FetchUserItems)
}

func (mr *marketRoutes) listForCaller(w http.ResponseWriter, r *http.Request, fetch func([20]byte) ([]*listing.Listing, error)) {
	who, ok := caller(r)
	if !ok {
		writeUnauthenticated(w)
		return
	}
	items, err := fetch(who)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingViews(items))
}

func (mr *marketRoutes) createListing(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(r)
	if !ok {
		writeUnauthenticated(w)
		return
	}
	var req createListingRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	item, err := mr.market.CreateListing(r.Context(), who, price, req.Name, req.Description)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newListingView(item))
}

func (mr *marketRoutes) buyListing(w http.ResponseWriter, r *http.Request) {
	who, id, ok := mr.target(w, r)
	if !ok {
		return
	}
	var req buyRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	item, err := mr.market.BuyListing(r.Context(), id, who, amount, req.BuyerKey)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingView(item))
}

func (mr *marketRoutes) relistListing(w http.ResponseWriter, r *http.Request) {
	mr.transition(w, r, mr.market.RelistListing)
}

func (mr *marketRoutes) deliverListing(w http.ResponseWriter, r *http.Request) {
	who, id, ok := mr.target(w, r)
	if !ok {
		return
	}
	var req deliverRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	item, err := mr.market.DeliverListing(r.Context(), id, who, req.Payload.payload())
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingView(item))
}

func (mr *marketRoutes) confirmListing(w http.ResponseWriter, r *http.Request) {
	mr.transition(w, r, mr.market.ConfirmListing)
}

func (mr *marketRoutes) createAuction(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(r)
	if !ok {
		writeUnauthenticated(w)
		return
	}
	var req createAuctionRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	rule, err := listing.ParseRule(req.Rule)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.RevealSeconds > 0 && req.BiddingSeconds == 0 {
		writeBadRequest(w, errors.New("revealSeconds requires biddingSeconds"))
		return
	}
	scheduled := req.BiddingSeconds > 0
	if scheduled && mr.scheduler == nil {
		writeBadRequest(w, errors.New("phase deadlines are not enabled on this node"))
		return
	}
	var deadline auction.Deadline
	if scheduled {
		bidding, err := phaseDuration("biddingSeconds", req.BiddingSeconds)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		reveal, err := phaseDuration("revealSeconds", req.RevealSeconds)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		deadline = auction.Deadline{Seller: who, BiddingEnds: mr.nowFn().Add(bidding)}
		if reveal > 0 {
			deadline.RevealEnds = deadline.BiddingEnds.Add(reveal)
		}
		if err := mr.scheduler.Validate(deadline); err != nil {
			writeMarketError(w, err)
			return
		}
	}
	item, err := mr.market.CreateAuction(r.Context(), who, rule, req.Name, req.Description)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	if scheduled {
		deadline.ListingID = item.ID
		if err := mr.scheduler.Add(deadline); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "Internal", fmt.Errorf("schedule auction %d: %w", item.ID, err))
			return
		}
	}
	writeJSON(w, http.StatusCreated, newListingView(item))
}

// phaseDuration converts a phase length in seconds, capped at
// auction.MaxPhaseDuration.
func phaseDuration(field string, seconds uint64) (time.Duration, error) {
	if seconds > uint64(auction.MaxPhaseDuration/time.Second) {
		return 0, fmt.Errorf("%s exceeds %d", field, uint64(auction.MaxPhaseDuration/time.Second))
	}
	return time.Duration(seconds) * time.Second, nil
}

func (mr *marketRoutes) placeBid(w http.ResponseWriter, r *http.Request) {
	who, id, ok := mr.target(w, r)
	if !ok {
		return
	}
	var req bidRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	commitment, err := parseCommitment(req.BlindedBid)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	deposit, err := parseAmount("deposit", req.Deposit)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	bid, err := mr.market.Bid(r.Context(), id, who, commitment, deposit, req.DeliveryKey)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBidView(bid))
}

func (mr *marketRoutes) endBidding(w http.ResponseWriter, r *http.Request) {
	mr.transition(w, r, mr.market.EndBiddingPhase)
}

func (mr *marketRoutes) reveal(w http.ResponseWriter, r *http.Request) {
	who, id, ok := mr.target(w, r)
	if !ok {
		return
	}
	var req revealRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	value, err := parseAmount("value", req.Value)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	bid, err := mr.market.RevealListing(r.Context(), id, who, value)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBidView(bid))
}

func (mr *marketRoutes) endReveal(w http.ResponseWriter, r *http.Request) {
	who, id, ok := mr.target(w, r)
	if !ok {
		return
	}
	item, outcome, err := mr.market.EndRevealPhase(r.Context(), id, who)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"listing": newListingView(item),
		"outcome": newOutcomeView(outcome),
	})
}

// transition runs a body-less state change on the addressed listing.
func (mr *marketRoutes) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, uint64, [20]byte) (*listing.Listing, error)) {
	who, id, ok := mr.target(w, r)
	if !ok {
		return
	}
	item, err := op(r.Context(), id, who)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingView(item))
}

// target resolves the caller and the listing id of a mutating request,
// writing the error response itself when either is missing.
func (mr *marketRoutes) target(w http.ResponseWriter, r *http.Request) ([20]byte, uint64, bool) {
	who, ok := caller(r)
	if !ok {
		writeUnauthenticated(w)
		return [20]byte{}, 0, false
	}
	id, err := listingIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return [20]byte{}, 0, false
	}
	return who, id, true
}

func queryUint(r *http.Request, name string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}
