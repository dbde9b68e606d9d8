package core

import (
	"math/big"

	"marketchain/core/events"
	"marketchain/core/state"
	"marketchain/native/bids"
	"marketchain/native/escrow"
	"marketchain/native/listing"
)

// Listing returns the record of listing id.
func (m *Market) Listing(id uint64) (*listing.Listing, error) {
	var out *listing.Listing
	err := m.state.View(func(r state.Reader) error {
		item, err := listing.Get(r, "market.listing", id)
		out = item
		return err
	})
	return out, err
}

// FetchMarketItems lists what caller can buy or bid on right now: unsold
// direct listings and auctions still taking bids, excluding caller's own.
func (m *Market) FetchMarketItems(caller [20]byte) ([]*listing.Listing, error) {
	return m.scan(func(_ state.Reader, l *listing.Listing) (bool, error) {
		if l.Seller == caller {
			return false, nil
		}
		switch l.Kind {
		case listing.KindDirect:
			return l.State == listing.StateUnsold, nil
		case listing.KindAuction:
			return l.State == listing.StateBidding, nil
		}
		return false, nil
	})
}

// FetchSoldItems lists every listing created by caller.
func (m *Market) FetchSoldItems(caller [20]byte) ([]*listing.Listing, error) {
	return m.scan(func(_ state.Reader, l *listing.Listing) (bool, error) {
		return l.Seller == caller, nil
	})
}

// FetchBoughtItems lists listings caller bought or won, plus auctions in which
// caller holds a bid that has not been settled yet.
func (m *Market) FetchBoughtItems(caller [20]byte) ([]*listing.Listing, error) {
	return m.scan(func(r state.Reader, l *listing.Listing) (bool, error) {
		return boughtBy(r, l, caller)
	})
}

// FetchUserItems is the union of FetchSoldItems and FetchBoughtItems in ID
// order.
func (m *Market) FetchUserItems(caller [20]byte) ([]*listing.Listing, error) {
	return m.scan(func(r state.Reader, l *listing.Listing) (bool, error) {
		if l.Seller == caller {
			return true, nil
		}
		return boughtBy(r, l, caller)
	})
}

func boughtBy(r state.Reader, l *listing.Listing, caller [20]byte) (bool, error) {
	if l.HasBuyer() && l.Buyer == caller {
		return true, nil
	}
	if l.Kind != listing.KindAuction {
		return false, nil
	}
	if l.State != listing.StateBidding && l.State != listing.StateReveal {
		return false, nil
	}
	round, ok, err := bids.LoadRound(r, l.ID)
	if err != nil || !ok {
		return false, err
	}
	for _, bidder := range round.Bidders {
		if bidder == caller {
			return true, nil
		}
	}
	return false, nil
}

func (m *Market) scan(keep func(r state.Reader, l *listing.Listing) (bool, error)) ([]*listing.Listing, error) {
	var out []*listing.Listing
	err := m.state.View(func(r state.Reader) error {
		var keepErr error
		items, err := listing.Scan(r, func(l *listing.Listing) bool {
			if keepErr != nil {
				return false
			}
			ok, err := keep(r, l)
			if err != nil {
				keepErr = err
				return false
			}
			return ok
		})
		if err != nil {
			return err
		}
		out = items
		return keepErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Bids returns every bid on an auction in commit order.
func (m *Market) Bids(id uint64) ([]*bids.Bid, error) {
	var out []*bids.Bid
	err := m.state.View(func(r state.Reader) error {
		if _, err := listing.Get(r, "market.bids", id); err != nil {
			return err
		}
		list, err := bids.List(r, id)
		out = list
		return err
	})
	return out, err
}

// EscrowBalance returns the value held for listing id.
func (m *Market) EscrowBalance(id uint64) (*big.Int, error) {
	var out *big.Int
	err := m.state.View(func(r state.Reader) error {
		held, err := escrow.Held(r, id)
		out = held
		return err
	})
	return out, err
}

// EscrowTotal returns the vault account balance.
func (m *Market) EscrowTotal() (*big.Int, error) {
	return m.Balance(m.vault)
}

// Balance returns the spendable balance of addr.
func (m *Market) Balance(addr [20]byte) (*big.Int, error) {
	acc, err := m.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

// Events returns up to limit log entries starting at sequence from. A zero
// limit reads to the end of the log.
func (m *Market) Events(from, limit uint64) ([]events.Entry, error) {
	var out []events.Entry
	err := m.state.View(func(r state.Reader) error {
		entries, err := events.Read(r, from, limit)
		out = entries
		return err
	})
	return out, err
}
