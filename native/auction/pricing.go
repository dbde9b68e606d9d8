package auction

import (
	"math/big"

	"marketchain/native/bids"
	"marketchain/native/listing"
)

// PricingRule selects how the winner and clearing price are derived from the
// valid reveals.
type PricingRule = listing.Rule

const (
	FirstPrice   = listing.RuleFirstPrice
	SecondPrice  = listing.RuleSecondPrice
	AveragePrice = listing.RuleAveragePrice
)

// Outcome is the result of applying a pricing rule. Winner is nil when no
// valid bid exists.
type Outcome struct {
	Winner *bids.Bid
	Price  *big.Int
}

// Settle applies rule to the valid bids, which must be ordered by reveal
// sequence. Every rule breaks ties in favour of the earliest reveal.
func Settle(rule PricingRule, valid []*bids.Bid) (Outcome, error) {
	if len(valid) == 0 {
		return Outcome{Price: big.NewInt(0)}, nil
	}
	switch rule {
	case FirstPrice:
		winner := highest(valid, nil)
		return Outcome{Winner: winner, Price: new(big.Int).Set(winner.Value)}, nil
	case SecondPrice:
		winner := highest(valid, nil)
		runnerUp := highest(valid, winner)
		if runnerUp == nil {
			return Outcome{Winner: winner, Price: new(big.Int).Set(winner.Value)}, nil
		}
		return Outcome{Winner: winner, Price: new(big.Int).Set(runnerUp.Value)}, nil
	case AveragePrice:
		return settleAverage(valid), nil
	default:
		return Outcome{}, errUnknownRule(rule)
	}
}

// highest returns the earliest revealed bid with the maximum value, ignoring
// skip.
func highest(valid []*bids.Bid, skip *bids.Bid) *bids.Bid {
	var best *bids.Bid
	for _, bid := range valid {
		if bid == skip {
			continue
		}
		if best == nil || bid.Value.Cmp(best.Value) > 0 {
			best = bid
		}
	}
	return best
}

func settleAverage(valid []*bids.Bid) Outcome {
	sum := new(big.Int)
	for _, bid := range valid {
		sum.Add(sum, bid.Value)
	}
	mean := new(big.Int).Quo(sum, big.NewInt(int64(len(valid))))

	var (
		winner   *bids.Bid
		distance *big.Int
	)
	for _, bid := range valid {
		d := new(big.Int).Sub(bid.Value, mean)
		d.Abs(d)
		if winner == nil || d.Cmp(distance) < 0 {
			winner, distance = bid, d
		}
	}
	// The winner pays the mean. A deposit short of the mean is taken whole.
	price := mean
	if winner.Deposit != nil && winner.Deposit.Cmp(mean) < 0 {
		price = new(big.Int).Set(winner.Deposit)
	}
	return Outcome{Winner: winner, Price: price}
}
