package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"marketchain/core"
	"marketchain/crypto"
	"marketchain/gateway/middleware"
	"marketchain/native/auction"
	"marketchain/native/bids"
	"marketchain/native/delivery"
	"marketchain/native/listing"
	"marketchain/storage"
)

var (
	seller = [20]byte{0x5e, 0x11}
	alice  = [20]byte{0xa1, 0x1c}
	bob    = [20]byte{0xb0, 0x0b}
)

type testServer struct {
	handler http.Handler
	market  *core.Market
}

func newTestServer(t *testing.T, scheduler *auction.Scheduler, market *core.Market) *testServer {
	t.Helper()
	if market == nil {
		market = newFundedMarket(t)
	}
	handler, err := New(Config{
		Market:        market,
		Scheduler:     scheduler,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true}, nil),
		NowFunc:       func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	require.NoError(t, err)
	return &testServer{handler: handler, market: market}
}

func newFundedMarket(t *testing.T) *core.Market {
	t.Helper()
	market := core.NewMarket(storage.NewMemDB())
	require.NoError(t, market.ApplyGenesis(context.Background(), []core.GenesisAlloc{
		{Address: alice, Balance: big.NewInt(1_000)},
		{Address: bob, Balance: big.NewInt(1_000)},
	}))
	return market
}

func (s *testServer) do(t *testing.T, method, path string, as *[20]byte, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set(middleware.HeaderCaller, crypto.MarketAddress(*as).String())
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]errorBody](t, rec)["error"].Kind
}

func TestDirectSaleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	key, err := delivery.GenerateKey()
	require.NoError(t, err)

	rec := srv.do(t, http.MethodPost, "/v1/listings", &seller, map[string]string{
		"name": "camera", "description": "35mm", "price": "300",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[listingView](t, rec)
	require.Equal(t, "Unsold", created.State)
	require.Equal(t, "300", created.AskingPrice)

	rec = srv.do(t, http.MethodGet, "/v1/listings", &alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]listingView](t, rec), 1)

	path := fmt.Sprintf("/v1/listings/%d", created.ID)
	rec = srv.do(t, http.MethodPost, path+"/buy", &alice, map[string]string{
		"amount": "300", "buyerKey": hexutil.Encode(key.PubKey().Bytes()),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sold := decode[listingView](t, rec)
	require.Equal(t, "Sold", sold.State)
	require.Equal(t, crypto.MarketAddress(alice).String(), sold.Buyer)

	rec = srv.do(t, http.MethodGet, path+"/escrow", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "300", decode[map[string]any](t, rec)["held"])

	sealed, err := delivery.Seal(sold.BuyerKey, []byte("locker 12"), delivery.ListingContext(created.ID))
	require.NoError(t, err)
	rec = srv.do(t, http.MethodPost, path+"/deliver", &seller, map[string]any{
		"payload": payloadView{
			IV:                 sealed.IV,
			EphemeralPublicKey: sealed.EphemeralPublicKey,
			Ciphertext:         sealed.Ciphertext,
			MAC:                sealed.MAC,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	delivered := decode[listingView](t, rec)
	require.NotNil(t, delivered.Payload)
	secret, err := delivery.Open(key, delivered.Payload.payload(), delivery.ListingContext(created.ID))
	require.NoError(t, err)
	require.Equal(t, "locker 12", string(secret))

	rec = srv.do(t, http.MethodPost, path+"/confirm", &alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "Confirmed", decode[listingView](t, rec).State)

	rec = srv.do(t, http.MethodGet, "/v1/accounts/"+crypto.MarketAddress(seller).String()+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "300", decode[map[string]string](t, rec)["balance"])

	rec = srv.do(t, http.MethodGet, "/v1/me/bought", &alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]listingView](t, rec), 1)

	rec = srv.do(t, http.MethodGet, "/v1/events?from=0&limit=3", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]eventView](t, rec)
	require.Len(t, entries, 3)
	require.Equal(t, "market.listing.created", entries[0].Type)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := srv.do(t, http.MethodPost, "/v1/listings", &seller, map[string]string{"name": "lamp", "price": "50"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[listingView](t, rec).ID
	path := fmt.Sprintf("/v1/listings/%d", id)

	cases := []struct {
		name   string
		method string
		path   string
		as     *[20]byte
		body   any
		status int
		kind   string
	}{
		{"wrong amount", http.MethodPost, path + "/buy", &alice, map[string]string{"amount": "49"}, http.StatusPaymentRequired, "InvalidPayment"},
		{"own listing", http.MethodPost, path + "/buy", &seller, map[string]string{"amount": "50"}, http.StatusForbidden, "Unauthorized"},
		{"unknown listing", http.MethodGet, "/v1/listings/999", nil, nil, http.StatusNotFound, "NotFound"},
		{"bad id", http.MethodGet, "/v1/listings/abc", nil, nil, http.StatusBadRequest, "InvalidArgument"},
		{"bad amount", http.MethodPost, path + "/buy", &alice, map[string]string{"amount": "-1"}, http.StatusBadRequest, "InvalidArgument"},
		{"unknown field", http.MethodPost, "/v1/listings", &seller, map[string]string{"price": "5", "colour": "red"}, http.StatusBadRequest, "InvalidArgument"},
		{"relist unsold", http.MethodPost, path + "/relist", &seller, nil, http.StatusConflict, "PhaseViolation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := srv.do(t, tc.method, tc.path, tc.as, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.kind, errorKind(t, rec))
		})
	}

	rec = srv.do(t, http.MethodPost, path+"/buy", nil, map[string]string{"amount": "50"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSealedBidAuctionOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	aliceKey, err := delivery.GenerateKey()
	require.NoError(t, err)
	bobKey, err := delivery.GenerateKey()
	require.NoError(t, err)

	rec := srv.do(t, http.MethodPost, "/v1/auctions", &seller, map[string]string{"name": "vase", "rule": "second-price"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[listingView](t, rec)
	require.Equal(t, "Bidding", created.State)
	require.Equal(t, "second-price", created.Rule)
	path := fmt.Sprintf("/v1/auctions/%d", created.ID)

	commit := func(who *[20]byte, value, deposit int64, key []byte) {
		digest := bids.MustDigest(big.NewInt(value))
		rec := srv.do(t, http.MethodPost, path+"/bids", who, map[string]string{
			"blindedBid":  hexutil.Encode(digest[:]),
			"deposit":     fmt.Sprint(deposit),
			"deliveryKey": hexutil.Encode(key),
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	commit(&alice, 400, 500, aliceKey.PubKey().Bytes())
	commit(&bob, 250, 300, bobKey.PubKey().Bytes())

	digest := bids.MustDigest(big.NewInt(1))
	rec = srv.do(t, http.MethodPost, path+"/bids", &alice, map[string]string{
		"blindedBid": hexutil.Encode(digest[:]), "deposit": "1", "deliveryKey": hexutil.Encode(aliceKey.PubKey().Bytes()),
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "DuplicateCommit", errorKind(t, rec))

	rec = srv.do(t, http.MethodPost, path+"/end-bidding", &alice, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = srv.do(t, http.MethodPost, path+"/end-bidding", &seller, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "Reveal", decode[listingView](t, rec).State)

	rec = srv.do(t, http.MethodPost, path+"/reveal", &alice, map[string]string{"value": "400"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	revealed := decode[bidView](t, rec)
	require.True(t, revealed.Correct)
	require.True(t, revealed.Covered)
	rec = srv.do(t, http.MethodPost, path+"/reveal", &bob, map[string]string{"value": "250"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodPost, path+"/end-reveal", &seller, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[struct {
		Listing listingView `json:"listing"`
		Outcome outcomeView `json:"outcome"`
	}](t, rec)
	require.Equal(t, "Pending", result.Listing.State)
	require.True(t, result.Outcome.HasWinner)
	require.Equal(t, crypto.MarketAddress(alice).String(), result.Outcome.Winner)
	require.Equal(t, "250", result.Outcome.Price)

	rec = srv.do(t, http.MethodGet, fmt.Sprintf("/v1/listings/%d/bids", created.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]bidView](t, rec), 2)

	rec = srv.do(t, http.MethodGet, fmt.Sprintf("/v1/listings/%d/escrow", created.ID), nil, nil)
	require.Equal(t, "250", decode[map[string]any](t, rec)["held"])
}

func TestCreateAuctionRegistersDeadlines(t *testing.T) {
	market := newFundedMarket(t)
	scheduler := auction.NewScheduler(market, time.Second, nil)
	srv := newTestServer(t, scheduler, market)

	rec := srv.do(t, http.MethodPost, "/v1/auctions", &seller, map[string]any{
		"name": "clock", "rule": "first", "biddingSeconds": 60, "revealSeconds": 60,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[listingView](t, rec).ID
	require.Equal(t, []uint64{id}, scheduler.Pending())

	noScheduler := newTestServer(t, nil, nil)
	rec = noScheduler.do(t, http.MethodPost, "/v1/auctions", &seller, map[string]any{
		"name": "clock", "rule": "first", "biddingSeconds": 60,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAuctionRejectsOversizedDeadlines(t *testing.T) {
	market := newFundedMarket(t)
	scheduler := auction.NewScheduler(market, time.Second, nil)
	scheduler.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	srv := newTestServer(t, scheduler, market)

	for _, body := range []map[string]any{
		{"name": "clock", "rule": "first", "biddingSeconds": uint64(9_300_000_000)},
		{"name": "clock", "rule": "first", "biddingSeconds": 60, "revealSeconds": uint64(9_300_000_000)},
	} {
		rec := srv.do(t, http.MethodPost, "/v1/auctions", &seller, body)
		require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		require.Equal(t, "InvalidArgument", errorKind(t, rec))
	}
	sold, err := market.FetchSoldItems(seller)
	require.NoError(t, err)
	require.Empty(t, sold)
	require.Empty(t, scheduler.Pending())

	rec := srv.do(t, http.MethodPost, "/v1/auctions", &seller, map[string]any{
		"name": "clock", "rule": "first", "biddingSeconds": uint64(auction.MaxPhaseDuration / time.Second),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[listingView](t, rec).ID

	scheduler.Tick(context.Background())
	item, err := market.Listing(id)
	require.NoError(t, err)
	require.Equal(t, listing.StateBidding, item.State)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := srv.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))

	rec = srv.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
