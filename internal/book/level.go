package book

import (
	"container/list"

	"github.com/shopspring/decimal"
)

// PriceLevel is a FIFO bucket of resting orders at a single price,
// exclusively owned by one ladder. Insertion order is preserved for
// time priority; an auxiliary id->element index gives O(1) cancel
// alongside the O(1) insertion container/list already gives.
type PriceLevel struct {
	Price         decimal.Decimal
	orders        *list.List
	byID          map[string]*list.Element
	totalQuantity decimal.Decimal
}

// NewPriceLevel creates an empty level at price.
func NewPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{
		Price:  price,
		orders: list.New(),
		byID:   make(map[string]*list.Element),
	}
}

// TotalQuantity is the sum of RemainingQuantity over all resting orders.
func (l *PriceLevel) TotalQuantity() decimal.Decimal {
	return l.totalQuantity
}

// Len reports the number of resting orders.
func (l *PriceLevel) Len() int {
	return l.orders.Len()
}

// Empty reports whether the level has no resting orders. Empty levels
// must never remain in a ladder past the mutation that emptied them.
func (l *PriceLevel) Empty() bool {
	return l.orders.Len() == 0
}

// AddOrder appends o to the tail (time priority) and adds its remaining
// quantity to the level total.
func (l *PriceLevel) AddOrder(o *Order) {
	el := l.orders.PushBack(o)
	l.byID[o.ID] = el
	l.totalQuantity = l.totalQuantity.Add(o.RemainingQuantity())
}

// RemoveOrder drops the order with the given id from the level, if
// present, subtracting its remaining quantity from the total.
func (l *PriceLevel) RemoveOrder(id string) (*Order, bool) {
	el, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	o := el.Value.(*Order)
	l.orders.Remove(el)
	delete(l.byID, id)
	l.totalQuantity = l.totalQuantity.Sub(o.RemainingQuantity())
	return o, true
}

// RecomputeTotal rebuilds totalQuantity from the order list. Called after
// a partial fill to reconcile against float-free decimal drift; cheap
// relative to the append/cancel path since levels stay shallow.
func (l *PriceLevel) RecomputeTotal() {
	sum := decimal.Zero
	for el := l.orders.Front(); el != nil; el = el.Next() {
		sum = sum.Add(el.Value.(*Order).RemainingQuantity())
	}
	l.totalQuantity = sum
}

// Front returns the oldest (highest time priority) order at this level,
// or nil if empty.
func (l *PriceLevel) Front() *Order {
	if el := l.orders.Front(); el != nil {
		return el.Value.(*Order)
	}
	return nil
}

// Orders returns the resting orders in time-priority order. The returned
// slice is a copy; callers must not mutate the orders in place outside
// the book's write discipline.
func (l *PriceLevel) Orders() []*Order {
	out := make([]*Order, 0, l.orders.Len())
	for el := l.orders.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Order))
	}
	return out
}

// forEachMatchable walks resting orders in time order, invoking fn for
// each. If fn reports the order is now empty (fully filled), it is
// removed from the level before the walk continues. Walking stops early
// if fn returns stop=true.
func (l *PriceLevel) forEachMatchable(fn func(o *Order) (filled bool, stop bool)) {
	for el := l.orders.Front(); el != nil; {
		next := el.Next()
		o := el.Value.(*Order)
		filled, stop := fn(o)
		if filled {
			l.orders.Remove(el)
			delete(l.byID, o.ID)
		}
		if stop {
			return
		}
		el = next
	}
}
