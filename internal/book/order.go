// Package book implements the price-time-priority limit order book: the
// Order and PriceLevel value types, the matching algorithm, and the two
// OrderBook implementations (coarse reader/writer lock and fine-grained
// lock-free) that share its external contract.
package book

import (
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side int

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Type distinguishes resting limit orders from liquidity-consuming market
// orders.
type Type int

const (
	Limit Type = iota + 1
	Market
)

func (t Type) String() string {
	if t == Limit {
		return "LIMIT"
	}
	return "MARKET"
}

// Status is the order lifecycle state. Once a Status is terminal
// (Filled, Canceled, Rejected, Expired) no further mutation is permitted.
type Status int

const (
	New Status = iota + 1
	PartiallyFilled
	Filled
	Canceled
	Rejected
	Expired
)

func (s Status) String() string {
	switch s {
	case New:
		return "NEW"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Canceled:
		return "CANCELED"
	case Rejected:
		return "REJECTED"
	case Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) Terminal() bool {
	switch s {
	case Filled, Canceled, Rejected, Expired:
		return true
	default:
		return false
	}
}

// Order is a resting or in-flight order, exclusively owned by the
// OrderBook's id index while it is active; a PriceLevel holds only a
// reference into that index, never a second copy.
//
// Prices and quantities are decimal.Decimal throughout: the matching
// algorithm compares them exactly, never after rounding or float
// conversion.
type Order struct {
	ID             string
	Symbol         string
	Side           Side
	Type           Type
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         Status
	CreatedAt      int64 // ns, monotonic
	LastUpdatedAt  int64 // ns, monotonic
}

// RemainingQuantity is Quantity - FilledQuantity.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsActive reports whether the order can still participate in matching.
func (o *Order) IsActive() bool {
	return o.Status == New || o.Status == PartiallyFilled
}

// applyFill records a fill of qty against the order. It does not validate
// qty against RemainingQuantity; callers (execute, the matching loop) are
// responsible for clamping.
func (o *Order) applyFill(qty decimal.Decimal, nowNano int64) {
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if o.RemainingQuantity().IsZero() {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
	o.LastUpdatedAt = nowNano
}

// cancel transitions an active order to Canceled.
func (o *Order) cancel(nowNano int64) {
	o.Status = Canceled
	o.LastUpdatedAt = nowNano
}

// clone returns a deep copy safe to hand to callers outside the book's
// write discipline (getOrder, getSnapshot, subscriber views).
func (o *Order) clone() *Order {
	c := *o
	return &c
}
