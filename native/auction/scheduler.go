package auction

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	marketerrors "marketchain/core/errors"
	"marketchain/native/listing"
)

// PhaseCloser is the seller-side surface the scheduler drives. It is
// satisfied by the market itself so deadlines follow the same code path as a
// seller closing a phase by hand.
type PhaseCloser interface {
	EndBiddingPhase(ctx context.Context, id uint64, caller [20]byte) (*listing.Listing, error)
	EndRevealPhase(ctx context.Context, id uint64, caller [20]byte) (*listing.Listing, *Outcome, error)
}

// MaxPhaseDuration bounds how far ahead a single phase deadline may be set.
const MaxPhaseDuration = 365 * 24 * time.Hour

// Deadline pairs an auction with the wall-clock instants at which its phases
// close. A zero instant leaves that phase to the seller.
type Deadline struct {
	ListingID   uint64
	Seller      [20]byte
	BiddingEnds time.Time
	RevealEnds  time.Time
}

// Scheduler closes auction phases on behalf of sellers once their deadlines
// pass. Deadlines live in memory only.
type Scheduler struct {
	target   PhaseCloser
	logger   *slog.Logger
	interval time.Duration
	nowFn    func() time.Time

	mu        sync.Mutex
	deadlines map[uint64]*scheduled
}

type scheduled struct {
	Deadline
	biddingClosed bool
}

// NewScheduler constructs a scheduler polling at interval.
func NewScheduler(target PhaseCloser, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		target:    target,
		logger:    logger,
		interval:  interval,
		nowFn:     time.Now,
		deadlines: make(map[uint64]*scheduled),
	}
}

// SetNowFunc overrides the clock. Primarily intended for tests.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Validate reports whether d could be registered. A reveal deadline needs an
// earlier bidding deadline.
func (s *Scheduler) Validate(d Deadline) error {
	if d.BiddingEnds.IsZero() {
		return marketerrors.New(marketerrors.KindInvalidArgument, "auction.schedule", "bidding deadline required")
	}
	if !d.RevealEnds.IsZero() && !d.RevealEnds.After(d.BiddingEnds) {
		return marketerrors.New(marketerrors.KindInvalidArgument, "auction.schedule", "reveal deadline must follow bidding deadline")
	}
	return nil
}

// Add registers or replaces the deadlines of an auction.
func (s *Scheduler) Add(d Deadline) error {
	if err := s.Validate(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines[d.ListingID] = &scheduled{Deadline: d}
	return nil
}

// Pending returns the listing IDs that still have a deadline.
func (s *Scheduler) Pending() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.deadlines))
	for id := range s.deadlines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.target == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick closes every phase whose deadline has passed.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.nowFn()
	s.mu.Lock()
	pending := make([]*scheduled, 0, len(s.deadlines))
	for _, d := range s.deadlines {
		pending = append(pending, d)
	}
	s.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].ListingID < pending[j].ListingID })

	for _, d := range pending {
		if !d.biddingClosed && !now.Before(d.BiddingEnds) {
			if _, err := s.target.EndBiddingPhase(ctx, d.ListingID, d.Seller); err != nil && !skippable(err) {
				s.logger.Warn("scheduled end of bidding failed", "listing", d.ListingID, "error", err)
				continue
			}
			d.biddingClosed = true
		}
		if d.RevealEnds.IsZero() || now.Before(d.RevealEnds) {
			if d.biddingClosed && d.RevealEnds.IsZero() {
				s.remove(d.ListingID)
			}
			continue
		}
		if !d.biddingClosed {
			continue
		}
		if _, _, err := s.target.EndRevealPhase(ctx, d.ListingID, d.Seller); err != nil && !skippable(err) {
			s.logger.Warn("scheduled end of reveal failed", "listing", d.ListingID, "error", err)
			continue
		}
		s.remove(d.ListingID)
	}
}

func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	delete(s.deadlines, id)
	s.mu.Unlock()
}

// skippable reports errors meaning the seller already moved the auction on.
func skippable(err error) bool {
	return errors.Is(err, marketerrors.ErrPhaseViolation) || errors.Is(err, marketerrors.ErrNotFound)
}
