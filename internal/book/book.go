package book

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/quantmesh/lobcore/internal/clock"
)

// PosInfinity is the sentinel BestAskPrice returns in place of a real
// price when the ask ladder is empty: there
// is no ceiling on what a taker would have to pay, unlike an empty bid
// side's sentinel zero floor.
var PosInfinity = decimal.NewFromInt(math.MaxInt64)

// Journaler is the passive collaborator an OrderBook appends mutations
// to. It is injected at construction rather than the book reaching out to
// a global persistence manager, and it is nil during recovery replay so
// that replayed mutations are never re-logged (see recovery.Coordinator).
type Journaler interface {
	// AppendAdd logs o's final post-matching state together with the
	// fills it generated against the opposite ladder. Recording the
	// fills (not just recomputing them) is what lets replay reconstruct
	// maker-side state deterministically without re-running matching.
	AppendAdd(o *Order, fills []Fill, nowNano int64) error
	AppendCancel(id string, nowNano int64) error
	AppendExecute(id string, qty decimal.Decimal, nowNano int64) error
	AppendMarket(side Side, qty decimal.Decimal, fills []Fill, nowNano int64) error
	Healthy() bool
}

// UpdateKind classifies a book mutation for subscribers.
type UpdateKind int

const (
	UpdateAdd UpdateKind = iota + 1
	UpdateCancel
	UpdateExecute
	UpdateMarketExecute
	UpdateClear
)

// Update is delivered to subscribers after a successful mutation and
// after the book's write discipline has been released. Callbacks MUST
// NOT mutate the book; they run on the mutating goroutine, so they must
// be cheap or hand work off elsewhere (e.g. internal/fanout).
type Update struct {
	Symbol   string
	Sequence uint64
	Kind     UpdateKind
	OrderID  string
	Fills    []Fill
}

// Subscriber receives book updates in registration order.
type Subscriber func(Update)

// LevelView is a read-only projection of one price level, returned by
// BidLevels/AskLevels and safe to retain after the call returns.
type LevelView struct {
	Price         decimal.Decimal
	TotalQuantity decimal.Decimal
	OrderCount    int
}

// OrderSnapshot is the serializable, per-order view stored in a
// full-book Snapshot.
type OrderSnapshot struct {
	ID             string
	Side           Side
	Type           Type
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         Status
	CreatedAt      int64
}

// LevelSnapshot is one price level's serializable state.
type LevelSnapshot struct {
	Price         decimal.Decimal
	TotalQuantity decimal.Decimal
	Orders        []OrderSnapshot
}

// BookSnapshot is a consistent deep copy of the entire book state, the
// payload both GetSnapshot() and the snapshot store deal in.
type BookSnapshot struct {
	Symbol string
	Bids   []LevelSnapshot
	Asks   []LevelSnapshot
}

// OrderBook is the external contract shared by the coarse
// (reader/writer lock) and fine-grained (lock-free) implementations.
// Both give identical observable semantics; they differ only in latency
// under contention and in the strength of their cross-side consistency
// guarantee (see the concrete types' docs).
type OrderBook interface {
	Symbol() string

	// Add inserts order, matching it against the opposite ladder first
	// if it crosses. Returns false (no mutation) if order.Symbol does
	// not match the book or order.ID is already present.
	Add(o *Order) bool
	// Cancel removes an active order by id. Returns false if the id is
	// unknown or already terminal.
	Cancel(id string) bool
	// Execute fills an order directly by qty, outside of matching
	// (e.g. from an external execution report). Requires
	// 0 < qty <= remaining.
	Execute(id string, qty decimal.Decimal) bool
	// ExecuteMarket sweeps the given side's opposite ladder for up to
	// qty, with no price limit, and returns the total executed quantity
	// plus the list of maker fills.
	ExecuteMarket(side Side, qty decimal.Decimal) (decimal.Decimal, []Fill)

	GetOrder(id string) (*Order, bool)
	OrderCount() int
	UpdateSequence() uint64

	BestBidPrice() decimal.Decimal
	BestAskPrice() decimal.Decimal
	MidPrice() decimal.Decimal
	Spread() decimal.Decimal
	BidLevels(depth int) []LevelView
	AskLevels(depth int) []LevelView
	VolumeAtPrice(side Side, price decimal.Decimal) decimal.Decimal
	MarketImpact(side Side, qty decimal.Decimal) decimal.Decimal
	Imbalance(depth int) decimal.Decimal

	GetSnapshot() BookSnapshot
	Clear()

	SubscribeUpdates(fn Subscriber)

	// Health reflects the injected Journaler's health, or true if no
	// journal is attached (e.g. a book under replay).
	Health() bool

	// RestoreOrder places o directly into the ladder and index without
	// running matching or journaling. Used by snapshot load to
	// reconstruct resting orders with no further replay needed.
	RestoreOrder(o *Order)

	// SetClock swaps the book's time source. Used only by recovery
	// replay, to pin each replayed operation's timestamp to the value
	// recorded in the journal rather than wall-clock time.
	SetClock(src clock.Source)

	// ReplayAdd reconstructs the effect of a prior Add: it applies the
	// recorded fills directly against already-resident maker orders
	// (restored from snapshot or earlier replay) and, if o is still
	// active, rests it — all without re-running matching or
	// journaling. fills must be in the order they originally occurred.
	ReplayAdd(o *Order, fills []Fill, nowNano int64)
	// ReplayCancel reconstructs a prior Cancel.
	ReplayCancel(id string, nowNano int64)
	// ReplayExecute reconstructs a prior direct Execute.
	ReplayExecute(id string, qty decimal.Decimal, nowNano int64)
	// ReplayMarket reconstructs a prior ExecuteMarket from its recorded
	// fills.
	ReplayMarket(fills []Fill, nowNano int64)
}
