package book

import (
	"github.com/shopspring/decimal"
)

// Fill records one maker leg of a match: qty executed against the maker
// order, at the maker's price (price-time priority always prints at the
// resting side's price).
type Fill struct {
	MakerID  string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// ladder abstracts the storage of one side's price levels so the matching
// algorithm in this file is shared, byte-for-byte, between the coarse and
// fine-grained OrderBook implementations. Iteration order is always best
// price first: ascending price for asks, descending price for bids — the
// ladder implementation is responsible for that ordering, not this file.
type ladder interface {
	// first returns the best (first-priority) level, or nil if empty.
	first() *PriceLevel
	// levelAt returns the level at price if one exists.
	levelAt(price decimal.Decimal) (*PriceLevel, bool)
	// upsertLevel inserts level if price has no level yet, returning the
	// (possibly pre-existing) level to add the order to.
	upsertLevel(price decimal.Decimal) *PriceLevel
	// removeLevel drops the level at price. Called once it is empty.
	removeLevel(price decimal.Decimal)
	// forEach walks up to depth levels in priority order.
	forEach(depth int, fn func(l *PriceLevel))
}

// priceAcceptable reports whether taker may trade against a resting order
// at restingPrice: a BUY taker accepts asks at or below its limit, a SELL
// taker accepts bids at or above its limit. Market takers accept any
// price — this function is only consulted for LIMIT takers by the caller.
func priceAcceptable(taker *Order, restingPrice decimal.Decimal) bool {
	if taker.Side == Buy {
		return taker.Price.GreaterThanOrEqual(restingPrice)
	}
	return taker.Price.LessThanOrEqual(restingPrice)
}

// matchLimit sweeps opp in priority order against taker until taker is
// exhausted, opp is empty, or the next level's price is no longer
// acceptable. Exhausted maker orders are evicted from their level; levels
// left empty are removed from the ladder. Returns the fills generated, in
// the order they occurred.
func matchLimit(taker *Order, opp ladder, nowNano int64) []Fill {
	var fills []Fill
	for taker.IsActive() && taker.RemainingQuantity().IsPositive() {
		level := opp.first()
		if level == nil {
			break
		}
		if !priceAcceptable(taker, level.Price) {
			break
		}
		fills = append(fills, sweepLevel(taker, level, nowNano)...)
		if level.Empty() {
			opp.removeLevel(level.Price)
		}
	}
	return fills
}

// matchMarket sweeps opp against taker with no price limit at all,
// consuming liquidity until taker is exhausted or opp runs dry.
func matchMarket(taker *Order, opp ladder, nowNano int64) []Fill {
	var fills []Fill
	for taker.RemainingQuantity().IsPositive() {
		level := opp.first()
		if level == nil {
			break
		}
		fills = append(fills, sweepLevel(taker, level, nowNano)...)
		if level.Empty() {
			opp.removeLevel(level.Price)
		}
	}
	return fills
}

// sweepLevel matches taker against resting orders at level, in time
// order, until either is exhausted. Trade price is always level.Price
// (the maker's price).
func sweepLevel(taker *Order, level *PriceLevel, nowNano int64) []Fill {
	var fills []Fill
	level.forEachMatchable(func(maker *Order) (filled bool, stop bool) {
		takerRemaining := taker.RemainingQuantity()
		if takerRemaining.IsZero() {
			return false, true
		}
		makerRemaining := maker.RemainingQuantity()
		qty := decimal.Min(takerRemaining, makerRemaining)

		taker.applyFill(qty, nowNano)
		maker.applyFill(qty, nowNano)
		level.totalQuantity = level.totalQuantity.Sub(qty)

		fills = append(fills, Fill{MakerID: maker.ID, Price: level.Price, Quantity: qty})

		makerFilled := maker.RemainingQuantity().IsZero()
		return makerFilled, taker.RemainingQuantity().IsZero()
	})
	return fills
}
