package book

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/quantmesh/lobcore/internal/clock"
	"github.com/shopspring/decimal"
)

// sliceLadder keeps price levels in a sorted slice, best price first.
// Lookup, insertion and removal all locate the price with sort.Search
// (a binary search); insertion and removal then shift the slice, which
// stays cheap because levels per symbol are typically in the tens to
// low hundreds.
type sliceLadder struct {
	levels []*PriceLevel
	less   func(a, b decimal.Decimal) bool // true if a has better priority than b
}

func newSliceLadder(side Side) *sliceLadder {
	if side == Buy {
		return &sliceLadder{less: func(a, b decimal.Decimal) bool { return a.GreaterThan(b) }}
	}
	return &sliceLadder{less: func(a, b decimal.Decimal) bool { return a.LessThan(b) }}
}

func (s *sliceLadder) first() *PriceLevel {
	if len(s.levels) == 0 {
		return nil
	}
	return s.levels[0]
}

func (s *sliceLadder) find(price decimal.Decimal) int {
	return sort.Search(len(s.levels), func(i int) bool {
		return !s.less(s.levels[i].Price, price) // first index whose price is not strictly better than target
	})
}

func (s *sliceLadder) levelAt(price decimal.Decimal) (*PriceLevel, bool) {
	i := s.find(price)
	if i < len(s.levels) && s.levels[i].Price.Equal(price) {
		return s.levels[i], true
	}
	return nil, false
}

func (s *sliceLadder) upsertLevel(price decimal.Decimal) *PriceLevel {
	i := s.find(price)
	if i < len(s.levels) && s.levels[i].Price.Equal(price) {
		return s.levels[i]
	}
	level := NewPriceLevel(price)
	s.levels = append(s.levels, nil)
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = level
	return level
}

func (s *sliceLadder) removeLevel(price decimal.Decimal) {
	i := s.find(price)
	if i >= len(s.levels) || !s.levels[i].Price.Equal(price) {
		return
	}
	copy(s.levels[i:], s.levels[i+1:])
	s.levels[len(s.levels)-1] = nil
	s.levels = s.levels[:len(s.levels)-1]
}

func (s *sliceLadder) forEach(depth int, fn func(l *PriceLevel)) {
	n := len(s.levels)
	if depth > 0 && depth < n {
		n = depth
	}
	for i := 0; i < n; i++ {
		fn(s.levels[i])
	}
}

// CoarseBook is the reader/writer-lock OrderBook implementation: a
// single sync.RWMutex serializes all mutation and is held (as a read
// lock) across read operations too, so every observation is fully
// linearizable with every mutation. Favor this implementation unless
// profiling shows lock contention dominates.
type CoarseBook struct {
	symbol string
	clock  clock.Source
	mu     sync.RWMutex

	bids *sliceLadder
	asks *sliceLadder
	byID map[string]*Order

	orderCount     int64
	updateSequence uint64

	journal     Journaler
	subscribers []Subscriber
}

// NewCoarseBook creates an empty book for symbol. journal may be nil,
// in which case mutations are not persisted (used for replay).
func NewCoarseBook(symbol string, journal Journaler, src clock.Source) *CoarseBook {
	if src == nil {
		src = clock.System{}
	}
	return &CoarseBook{
		symbol:  symbol,
		clock:   src,
		bids:    newSliceLadder(Buy),
		asks:    newSliceLadder(Sell),
		byID:    make(map[string]*Order),
		journal: journal,
	}
}

func (b *CoarseBook) Symbol() string { return b.symbol }

func (b *CoarseBook) ladderFor(side Side) *sliceLadder {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

func (b *CoarseBook) oppositeLadder(side Side) *sliceLadder {
	if side == Buy {
		return b.asks
	}
	return b.bids
}

func (b *CoarseBook) Add(o *Order) bool {
	if o == nil || o.Symbol != b.symbol || o.Quantity.Sign() <= 0 {
		return false
	}
	if o.Type == Limit && o.Price.Sign() <= 0 {
		return false
	}
	b.mu.Lock()

	if _, exists := b.byID[o.ID]; exists {
		b.mu.Unlock()
		return false
	}
	now := b.clock.NowNano()
	o.CreatedAt = now
	o.LastUpdatedAt = now
	o.Status = New

	var fills []Fill
	opp := b.oppositeLadder(o.Side)
	switch o.Type {
	case Market:
		fills = matchMarket(o, opp, now)
	default:
		fills = matchLimit(o, opp, now)
	}

	for _, f := range fills {
		if maker, ok := b.byID[f.MakerID]; ok && maker.Status == Filled {
			delete(b.byID, f.MakerID)
			atomic.AddInt64(&b.orderCount, -1)
		}
	}

	// Market residual never rests and never enters the index.
	if o.Type == Limit && o.IsActive() {
		level := b.ladderFor(o.Side).upsertLevel(o.Price)
		level.AddOrder(o)
		b.byID[o.ID] = o
		atomic.AddInt64(&b.orderCount, 1)
	}

	if b.journal != nil {
		_ = b.journal.AppendAdd(o, fills, now)
	}
	u := Update{Symbol: b.symbol, Sequence: b.nextSequence(), Kind: UpdateAdd, OrderID: o.ID, Fills: fills}
	subs := b.subscribers
	b.mu.Unlock()

	publish(subs, u)
	return true
}

func (b *CoarseBook) Cancel(id string) bool {
	b.mu.Lock()

	o, ok := b.byID[id]
	if !ok || !o.IsActive() {
		b.mu.Unlock()
		return false
	}
	now := b.clock.NowNano()
	level, ok := b.ladderFor(o.Side).levelAt(o.Price)
	if ok {
		level.RemoveOrder(id)
		if level.Empty() {
			b.ladderFor(o.Side).removeLevel(o.Price)
		}
	}
	o.cancel(now)
	delete(b.byID, id)
	atomic.AddInt64(&b.orderCount, -1)

	if b.journal != nil {
		_ = b.journal.AppendCancel(id, now)
	}
	u := Update{Symbol: b.symbol, Sequence: b.nextSequence(), Kind: UpdateCancel, OrderID: id}
	subs := b.subscribers
	b.mu.Unlock()

	publish(subs, u)
	return true
}

func (b *CoarseBook) Execute(id string, qty decimal.Decimal) bool {
	if qty.Sign() <= 0 {
		return false
	}
	b.mu.Lock()

	o, ok := b.byID[id]
	if !ok || !o.IsActive() || qty.GreaterThan(o.RemainingQuantity()) {
		b.mu.Unlock()
		return false
	}
	now := b.clock.NowNano()
	o.applyFill(qty, now)
	level, ok := b.ladderFor(o.Side).levelAt(o.Price)
	if ok {
		level.RecomputeTotal()
	}
	if o.Status == Filled {
		if ok {
			level.RemoveOrder(id)
			if level.Empty() {
				b.ladderFor(o.Side).removeLevel(o.Price)
			}
		}
		delete(b.byID, id)
		atomic.AddInt64(&b.orderCount, -1)
	}

	if b.journal != nil {
		_ = b.journal.AppendExecute(id, qty, now)
	}
	u := Update{Symbol: b.symbol, Sequence: b.nextSequence(), Kind: UpdateExecute, OrderID: id}
	subs := b.subscribers
	b.mu.Unlock()

	publish(subs, u)
	return true
}

func (b *CoarseBook) ExecuteMarket(side Side, qty decimal.Decimal) (decimal.Decimal, []Fill) {
	if qty.Sign() <= 0 {
		return decimal.Zero, nil
	}
	b.mu.Lock()

	now := b.clock.NowNano()
	taker := &Order{Side: side, Type: Market, Quantity: qty, Status: New, CreatedAt: now, LastUpdatedAt: now}
	opp := b.oppositeLadder(side)
	fills := matchMarket(taker, opp, now)

	for _, f := range fills {
		if maker, ok := b.byID[f.MakerID]; ok && maker.Status == Filled {
			delete(b.byID, f.MakerID)
			atomic.AddInt64(&b.orderCount, -1)
		}
	}

	if b.journal != nil {
		_ = b.journal.AppendMarket(side, qty, fills, now)
	}
	u := Update{Symbol: b.symbol, Sequence: b.nextSequence(), Kind: UpdateMarketExecute, Fills: fills}
	subs := b.subscribers
	b.mu.Unlock()

	publish(subs, u)
	return taker.FilledQuantity, fills
}

func (b *CoarseBook) GetOrder(id string) (*Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	return o.clone(), true
}

func (b *CoarseBook) OrderCount() int {
	return int(atomic.LoadInt64(&b.orderCount))
}

func (b *CoarseBook) UpdateSequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updateSequence
}

func (b *CoarseBook) nextSequence() uint64 {
	b.updateSequence++
	return b.updateSequence
}

func (b *CoarseBook) BestBidPrice() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if l := b.bids.first(); l != nil {
		return l.Price
	}
	return decimal.Zero
}

func (b *CoarseBook) BestAskPrice() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if l := b.asks.first(); l != nil {
		return l.Price
	}
	return PosInfinity
}

// MidPrice falls back to whichever side has resting liquidity when the
// other is empty, and to zero only when both sides are empty.
func (b *CoarseBook) MidPrice() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, ask := b.bids.first(), b.asks.first()
	switch {
	case bid == nil && ask == nil:
		return decimal.Zero
	case bid == nil:
		return ask.Price
	case ask == nil:
		return bid.Price
	default:
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	}
}

func (b *CoarseBook) Spread() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, ask := b.bids.first(), b.asks.first()
	if bid == nil || ask == nil {
		return decimal.Zero
	}
	return ask.Price.Sub(bid.Price)
}

func levelViews(l *sliceLadder, depth int) []LevelView {
	out := make([]LevelView, 0, len(l.levels))
	l.forEach(depth, func(lvl *PriceLevel) {
		out = append(out, LevelView{Price: lvl.Price, TotalQuantity: lvl.TotalQuantity(), OrderCount: lvl.Len()})
	})
	return out
}

func (b *CoarseBook) BidLevels(depth int) []LevelView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return levelViews(b.bids, depth)
}

func (b *CoarseBook) AskLevels(depth int) []LevelView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return levelViews(b.asks, depth)
}

func (b *CoarseBook) VolumeAtPrice(side Side, price decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if l, ok := b.ladderFor(side).levelAt(price); ok {
		return l.TotalQuantity()
	}
	return decimal.Zero
}

// MarketImpact reports the volume-weighted average price a market order
// of qty would receive against the opposite side, without mutating the
// book. Returns zero if the opposite side cannot fill qty in full.
func (b *CoarseBook) MarketImpact(side Side, qty decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	opp := b.oppositeLadder(side)
	remaining := qty
	notional := decimal.Zero
	opp.forEach(0, func(l *PriceLevel) {
		if remaining.Sign() <= 0 {
			return
		}
		take := decimal.Min(remaining, l.TotalQuantity())
		notional = notional.Add(take.Mul(l.Price))
		remaining = remaining.Sub(take)
	})
	if remaining.Sign() > 0 {
		return decimal.Zero
	}
	return notional.Div(qty)
}

// Imbalance returns (bidVol - askVol) / (bidVol + askVol) over the top
// depth levels of each side, in [-1, 1]. Zero if both sides are empty.
func (b *CoarseBook) Imbalance(depth int) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sum := func(l *sliceLadder) decimal.Decimal {
		total := decimal.Zero
		l.forEach(depth, func(lvl *PriceLevel) { total = total.Add(lvl.TotalQuantity()) })
		return total
	}
	bidVol, askVol := sum(b.bids), sum(b.asks)
	denom := bidVol.Add(askVol)
	if denom.IsZero() {
		return decimal.Zero
	}
	return bidVol.Sub(askVol).Div(denom)
}

func snapshotSide(l *sliceLadder) []LevelSnapshot {
	out := make([]LevelSnapshot, 0, len(l.levels))
	for _, lvl := range l.levels {
		orders := lvl.Orders()
		snaps := make([]OrderSnapshot, len(orders))
		for i, o := range orders {
			snaps[i] = OrderSnapshot{
				ID: o.ID, Side: o.Side, Type: o.Type, Price: o.Price,
				Quantity: o.Quantity, FilledQuantity: o.FilledQuantity,
				Status: o.Status, CreatedAt: o.CreatedAt,
			}
		}
		out = append(out, LevelSnapshot{Price: lvl.Price, TotalQuantity: lvl.TotalQuantity(), Orders: snaps})
	}
	return out
}

func (b *CoarseBook) GetSnapshot() BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BookSnapshot{
		Symbol: b.symbol,
		Bids:   snapshotSide(b.bids),
		Asks:   snapshotSide(b.asks),
	}
}

func (b *CoarseBook) Clear() {
	b.mu.Lock()
	b.bids = newSliceLadder(Buy)
	b.asks = newSliceLadder(Sell)
	b.byID = make(map[string]*Order)
	atomic.StoreInt64(&b.orderCount, 0)
	u := Update{Symbol: b.symbol, Sequence: b.nextSequence(), Kind: UpdateClear}
	subs := b.subscribers
	b.mu.Unlock()

	publish(subs, u)
}

func (b *CoarseBook) SubscribeUpdates(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// publish invokes a locally snapshotted subscriber list on the mutating
// goroutine, strictly after the write lock has been released, so a
// callback reading the book never deadlocks and never observes the
// mutation half-applied.
func publish(subs []Subscriber, u Update) {
	for _, fn := range subs {
		fn(u)
	}
}

func (b *CoarseBook) Health() bool {
	if b.journal == nil {
		return true
	}
	return b.journal.Healthy()
}

// RestoreOrder places o directly without matching or journaling.
func (b *CoarseBook) RestoreOrder(o *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o.IsActive() {
		level := b.ladderFor(o.Side).upsertLevel(o.Price)
		level.AddOrder(o)
		b.byID[o.ID] = o
		atomic.AddInt64(&b.orderCount, 1)
	}
}

func (b *CoarseBook) SetClock(src clock.Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = src
}

// AttachJournal wires a live Journaler in after recovery replay has
// populated the book from a nil-journal construction.
func (b *CoarseBook) AttachJournal(j Journaler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journal = j
}

func (b *CoarseBook) ReplayAdd(o *Order, fills []Fill, nowNano int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o.CreatedAt = nowNano
	o.LastUpdatedAt = nowNano
	o.Status = New
	for _, f := range fills {
		b.applyReplayFillLocked(f, nowNano)
		o.applyFill(f.Quantity, nowNano)
	}
	if o.Type == Limit && o.IsActive() {
		level := b.ladderFor(o.Side).upsertLevel(o.Price)
		level.AddOrder(o)
		b.byID[o.ID] = o
		atomic.AddInt64(&b.orderCount, 1)
	}
}

func (b *CoarseBook) ReplayCancel(id string, nowNano int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[id]
	if !ok || !o.IsActive() {
		return
	}
	if level, ok := b.ladderFor(o.Side).levelAt(o.Price); ok {
		level.RemoveOrder(id)
		if level.Empty() {
			b.ladderFor(o.Side).removeLevel(o.Price)
		}
	}
	o.cancel(nowNano)
	delete(b.byID, id)
	atomic.AddInt64(&b.orderCount, -1)
}

func (b *CoarseBook) ReplayExecute(id string, qty decimal.Decimal, nowNano int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[id]
	if !ok || !o.IsActive() {
		return
	}
	o.applyFill(qty, nowNano)
	level, ok := b.ladderFor(o.Side).levelAt(o.Price)
	if ok {
		level.RecomputeTotal()
	}
	if o.Status == Filled {
		if ok {
			level.RemoveOrder(id)
			if level.Empty() {
				b.ladderFor(o.Side).removeLevel(o.Price)
			}
		}
		delete(b.byID, id)
		atomic.AddInt64(&b.orderCount, -1)
	}
}

func (b *CoarseBook) ReplayMarket(fills []Fill, nowNano int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range fills {
		b.applyReplayFillLocked(f, nowNano)
	}
}

// applyReplayFillLocked applies one recorded fill against its maker
// order, which must already be resident (from snapshot load or an
// earlier replayed entry). Callers must hold b.mu.
func (b *CoarseBook) applyReplayFillLocked(f Fill, nowNano int64) {
	maker, ok := b.byID[f.MakerID]
	if !ok {
		return // RecoveryMismatch: tolerated, replay continues
	}
	maker.applyFill(f.Quantity, nowNano)
	if level, ok := b.ladderFor(maker.Side).levelAt(maker.Price); ok {
		level.RecomputeTotal()
		if maker.Status == Filled {
			level.RemoveOrder(maker.ID)
			if level.Empty() {
				b.ladderFor(maker.Side).removeLevel(maker.Price)
			}
			delete(b.byID, maker.ID)
			atomic.AddInt64(&b.orderCount, -1)
		}
	}
}

var _ OrderBook = (*CoarseBook)(nil)
