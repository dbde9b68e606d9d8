package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	marketerrors "marketchain/core/errors"
	"marketchain/core/events"
	"marketchain/core/state"
	"marketchain/native/auction"
	"marketchain/native/bids"
	"marketchain/native/delivery"
	"marketchain/native/escrow"
	"marketchain/native/listing"
	"marketchain/native/marketplace"
	"marketchain/observability"
	"marketchain/observability/metrics"
	"marketchain/storage"
)

var genesisKey = []byte("market/genesis")

// Market is the transaction boundary of the ledger. Every mutating operation
// holds the writer lock, runs against a fresh state.Tx and commits its balance
// changes, records and event log entries in one storage batch. A failed
// operation discards the Tx and leaves no trace.
type Market struct {
	mu      sync.Mutex
	state   *state.Manager
	vault   [20]byte
	logger  *slog.Logger
	metrics *metrics.MarketMetrics
	tracer  trace.Tracer
	nowFn   func() time.Time
}

// Option customises a Market.
type Option func(*Market)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Market) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithVaultAddress overrides the module account that holds escrow.
func WithVaultAddress(addr [20]byte) Option {
	return func(m *Market) { m.vault = addr }
}

// WithMetrics attaches a Prometheus registry. Nil disables metrics.
func WithMetrics(reg *metrics.MarketMetrics) Option {
	return func(m *Market) { m.metrics = reg }
}

// WithNowFunc overrides the clock used for record and log timestamps.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Market) {
		if now != nil {
			m.nowFn = now
		}
	}
}

// NewMarket opens a market over db.
func NewMarket(db storage.Database, opts ...Option) *Market {
	m := &Market{
		state:  state.NewManager(db),
		vault:  escrow.DefaultVaultAddress,
		logger: slog.Default(),
		tracer: otel.Tracer("marketchain/core"),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.vault == ([20]byte{}) {
		m.vault = escrow.DefaultVaultAddress
	}
	return m
}

// VaultAddress returns the module account holding escrowed value.
func (m *Market) VaultAddress() [20]byte { return m.vault }

// session binds the engines of one operation to its transaction and event
// buffer.
type session struct {
	tx       *state.Tx
	buffer   *events.Buffer
	vault    *escrow.Vault
	ledger   *marketplace.Ledger
	auctions *auction.Engine
}

func (m *Market) newSession(tx *state.Tx) *session {
	buf := &events.Buffer{}
	now := func() int64 { return m.nowFn().Unix() }

	vault := escrow.NewVault(m.vault)
	vault.SetState(tx)
	vault.SetEmitter(buf)

	ledger := marketplace.NewLedger()
	ledger.SetState(tx)
	ledger.SetVault(vault)
	ledger.SetEmitter(buf)
	ledger.SetNowFunc(now)

	engine := auction.NewEngine()
	engine.SetState(tx)
	engine.SetVault(vault)
	engine.SetEmitter(buf)
	engine.SetNowFunc(now)

	return &session{tx: tx, buffer: buf, vault: vault, ledger: ledger, auctions: engine}
}

// apply runs fn inside a fresh transaction and commits it together with the
// events fn emitted.
func (m *Market) apply(ctx context.Context, op string, listingID *uint64, fn func(s *session) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := m.tracer.Start(ctx, op)
	defer span.End()
	if listingID != nil {
		span.SetAttributes(attribute.Int64("market.listing", int64(*listingID)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	started := time.Now()
	tx := m.state.Begin()
	defer func() {
		kind := ""
		if err != nil {
			tx.Discard()
			kind = marketerrors.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
			attrs := []any{slog.String("op", op), slog.String("kind", kind), slog.Any("error", err)}
			if listingID != nil {
				attrs = append(attrs, slog.Uint64("listing", *listingID))
			}
			m.logger.Warn("market operation rejected", attrs...)
		}
		m.metrics.ObserveOperation(op, kind, time.Since(started))
	}()

	s := m.newSession(tx)
	if err := fn(s); err != nil {
		return err
	}
	emitted := s.buffer.Events()
	entries, err := events.Append(tx, emitted, uint64(m.nowFn().Unix()))
	if err != nil {
		return fmt.Errorf("market: append events: %w", err)
	}
	total, err := s.vault.Total()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("market: commit: %w", err)
	}

	for _, evt := range emitted {
		observability.Events().RecordEvent(evt.Type)
	}
	m.metrics.SetEscrowHeld(total)
	if n := len(entries); n > 0 {
		m.metrics.SetLogLength(entries[n-1].Seq + 1)
	}
	attrs := []any{slog.String("op", op), slog.Int("events", len(emitted))}
	if listingID != nil {
		attrs = append(attrs, slog.Uint64("listing", *listingID))
	}
	m.logger.Debug("market operation committed", attrs...)
	return nil
}

// GenesisAlloc credits an account once when the market is first opened.
type GenesisAlloc struct {
	Address [20]byte
	Balance *big.Int
}

// ApplyGenesis mints the initial balances. It runs at most once per
// database; later calls only check the stored schema version.
func (m *Market) ApplyGenesis(ctx context.Context, allocs []GenesisAlloc) error {
	return m.apply(ctx, "market.genesis", nil, func(s *session) error {
		if err := state.EnsureStateVersion(s.tx); err != nil {
			return err
		}
		applied, err := s.tx.KVGet(genesisKey, nil)
		if err != nil || applied {
			return err
		}
		for _, alloc := range allocs {
			if alloc.Address == m.vault {
				return marketerrors.New(marketerrors.KindInvalidArgument, "market.genesis", "cannot allocate to the escrow vault")
			}
			if err := s.tx.Mint(alloc.Address, alloc.Balance); err != nil {
				return err
			}
		}
		return s.tx.KVPut(genesisKey, uint64(len(allocs)))
	})
}

// CreateListing offers an item at a fixed price.
func (m *Market) CreateListing(ctx context.Context, seller [20]byte, price *big.Int, name, desc string) (*listing.Listing, error) {
	var out *listing.Listing
	err := m.apply(ctx, "market.create_listing", nil, func(s *session) error {
		item, err := s.ledger.CreateListing(seller, price, name, desc)
		out = item
		return err
	})
	if err != nil {
		return nil, err
	}
	m.refreshListings()
	return out, nil
}

// BuyListing pays the asking price into escrow.
func (m *Market) BuyListing(ctx context.Context, id uint64, buyer [20]byte, amount *big.Int, buyerKey []byte) (*listing.Listing, error) {
	var out *listing.Listing
	err := m.apply(ctx, "market.buy_listing", &id, func(s *session) error {
		item, err := s.ledger.BuyListing(id, buyer, amount, buyerKey)
		out = item
		return err
	})
	return out, err
}

// RelistListing returns an undelivered sale to the market and refunds the
// buyer.
func (m *Market) RelistListing(ctx context.Context, id uint64, caller [20]byte) (*listing.Listing, error) {
	var out *listing.Listing
	err := m.apply(ctx, "market.relist_listing", &id, func(s *session) error {
		item, err := s.ledger.RelistListing(id, caller)
		out = item
		return err
	})
	return out, err
}

// CreateAuction opens a sealed-bid auction under rule.
func (m *Market) CreateAuction(ctx context.Context, seller [20]byte, rule auction.PricingRule, name, desc string) (*listing.Listing, error) {
	var out *listing.Listing
	err := m.apply(ctx, "market.create_auction", nil, func(s *session) error {
		item, err := s.auctions.CreateAuction(seller, rule, name, desc)
		out = item
		return err
	})
	if err != nil {
		return nil, err
	}
	m.refreshListings()
	return out, nil
}

// Bid commits a blinded bid with its deposit.
func (m *Market) Bid(ctx context.Context, id uint64, bidder [20]byte, commitment [32]byte, deposit *big.Int, deliveryKey []byte) (*bids.Bid, error) {
	var out *bids.Bid
	err := m.apply(ctx, "market.bid", &id, func(s *session) error {
		bid, err := s.auctions.Bid(id, bidder, commitment, deposit, deliveryKey)
		out = bid
		return err
	})
	return out, err
}

// EndBiddingPhase moves an auction to its reveal phase.
func (m *Market) EndBiddingPhase(ctx context.Context, id uint64, caller [20]byte) (*listing.Listing, error) {
	var out *listing.Listing
	err := m.apply(ctx, "market.end_bidding", &id, func(s *session) error {
		item, err := s.auctions.EndBiddingPhase(id, caller)
		out = item
		return err
	})
	return out, err
}

// RevealListing discloses a bid. A reveal that does not match its commitment
// or exceeds its deposit commits normally and is logged as an outcome.
func (m *Market) RevealListing(ctx context.Context, id uint64, bidder [20]byte, value *big.Int) (*bids.Bid, error) {
	var out *bids.Bid
	err := m.apply(ctx, "market.reveal", &id, func(s *session) error {
		bid, err := s.auctions.RevealListing(id, bidder, value)
		out = bid
		return err
	})
	if err != nil {
		return nil, err
	}
	if !out.Valid() {
		m.metrics.IncInvalidReveal()
		m.logger.Info("reveal excluded from settlement",
			slog.Uint64("listing", id),
			slog.Bool("correct", out.Correct),
			slog.Bool("covered", out.Covered))
	}
	return out, nil
}

// EndRevealPhase settles an auction under its pricing rule.
func (m *Market) EndRevealPhase(ctx context.Context, id uint64, caller [20]byte) (*listing.Listing, *auction.Outcome, error) {
	var (
		out     *listing.Listing
		outcome *auction.Outcome
	)
	err := m.apply(ctx, "market.end_reveal", &id, func(s *session) error {
		item, result, err := s.auctions.EndRevealPhase(id, caller)
		out, outcome = item, result
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	m.metrics.ObserveSettlement(out.Rule.String(), outcome.Winner != nil)
	return out, outcome, nil
}

// DeliverListing attaches the sealed secret for the buyer or winner.
func (m *Market) DeliverListing(ctx context.Context, id uint64, caller [20]byte, payload delivery.Payload) (*listing.Listing, error) {
	var out *listing.Listing
	err := m.apply(ctx, "market.deliver", &id, func(s *session) error {
		item, err := listing.Get(s.tx, "market.deliver", id)
		if err != nil {
			return err
		}
		if item.Kind == listing.KindAuction {
			out, err = s.auctions.DeliverListing(id, caller, payload)
		} else {
			out, err = s.ledger.DeliverListing(id, caller, payload)
		}
		return err
	})
	return out, err
}

// ConfirmListing records receipt and releases escrow to the seller. It
// succeeds at most once per listing.
func (m *Market) ConfirmListing(ctx context.Context, id uint64, caller [20]byte) (*listing.Listing, error) {
	var out *listing.Listing
	err := m.apply(ctx, "market.confirm", &id, func(s *session) error {
		item, err := listing.Get(s.tx, "market.confirm", id)
		if err != nil {
			return err
		}
		if item.Kind == listing.KindAuction {
			out, err = s.auctions.ConfirmListing(id, caller)
		} else {
			out, err = s.ledger.ConfirmListing(id, caller)
		}
		return err
	})
	return out, err
}

func (m *Market) refreshListings() {
	if m.metrics == nil {
		return
	}
	_ = m.state.View(func(r state.Reader) error {
		count, err := listing.Count(r)
		if err == nil {
			m.metrics.SetListings(count)
		}
		return err
	})
}

// VerifyLog walks the persisted event log and checks its hash chain.
func (m *Market) VerifyLog() error {
	return m.state.View(func(state.Reader) error {
		if err := events.Verify(m.state.Database()); err != nil {
			return fmt.Errorf("market: event log: %w", err)
		}
		return nil
	})
}
