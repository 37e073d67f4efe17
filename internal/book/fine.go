package book

import (
	"sync"
	"sync/atomic"

	"github.com/quantmesh/lobcore/internal/clock"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/algorithm"
)

// skipLadder stores price levels in a lock-free skip list keyed by a
// float64 derived from the level's decimal price. The skip list itself
// gives wait-free reads concurrent with writes; actual price comparison
// for matching acceptability is always done on the PriceLevel.Price
// decimal.Decimal field, never on the float key, so the float conversion
// only affects ordering/bucketing inside the skip list, not matching
// correctness. Ascending key order is always priority order: for bids
// the key is the negated price so the best (highest) bid sorts first.
type skipLadder struct {
	list *algorithm.SkipList[float64, *PriceLevel]
	key  func(decimal.Decimal) float64
}

func newSkipLadder(side Side) *skipLadder {
	key := func(p decimal.Decimal) float64 { return p.InexactFloat64() }
	if side == Buy {
		key = func(p decimal.Decimal) float64 { return -p.InexactFloat64() }
	}
	return &skipLadder{list: algorithm.NewSkipList[float64, *PriceLevel](), key: key}
}

func (s *skipLadder) first() *PriceLevel {
	it := s.list.Iterator()
	_, v, ok := it.Next()
	if !ok {
		return nil
	}
	return v
}

func (s *skipLadder) levelAt(price decimal.Decimal) (*PriceLevel, bool) {
	v, ok := s.list.Search(s.key(price))
	if !ok || !v.Price.Equal(price) {
		return nil, false
	}
	return v, true
}

func (s *skipLadder) upsertLevel(price decimal.Decimal) *PriceLevel {
	k := s.key(price)
	if v, ok := s.list.Search(k); ok && v.Price.Equal(price) {
		return v
	}
	level := NewPriceLevel(price)
	s.list.Insert(k, level)
	return level
}

func (s *skipLadder) removeLevel(price decimal.Decimal) {
	s.list.Delete(s.key(price))
}

func (s *skipLadder) forEach(depth int, fn func(l *PriceLevel)) {
	it := s.list.Iterator()
	n := 0
	for {
		_, v, ok := it.Next()
		if !ok {
			return
		}
		fn(v)
		n++
		if depth > 0 && n >= depth {
			return
		}
	}
}

// FineBook is the lock-free-ladder OrderBook implementation: each side's
// price levels live in a skip list that supports concurrent reads
// without blocking writers, traded off against a narrower consistency
// guarantee than CoarseBook. Per-side mutexes still serialize the
// compound "find level, mutate FIFO, maybe remove level" sequences
// (the skip list guarantees a consistent view of the level set, not of
// a level's order queue), acquired in a fixed bid-then-ask order to
// prevent deadlock. Each side is independently monotonic — readers
// never observe a side go backward — but a reader can observe the bid
// and ask sides at two different logical instants, unlike CoarseBook.
type FineBook struct {
	symbol string
	clock  clock.Source

	bidMu sync.Mutex
	askMu sync.Mutex
	bids  *skipLadder
	asks  *skipLadder

	idMu sync.Mutex
	byID map[string]*Order

	orderCount     int64
	updateSequence uint64
	seqMu          sync.Mutex

	journal Journaler

	subMu       sync.Mutex
	subscribers []Subscriber
}

// NewFineBook creates an empty book for symbol. journal may be nil for
// replay, as with NewCoarseBook.
func NewFineBook(symbol string, journal Journaler, src clock.Source) *FineBook {
	if src == nil {
		src = clock.System{}
	}
	return &FineBook{
		symbol:  symbol,
		clock:   src,
		bids:    newSkipLadder(Buy),
		asks:    newSkipLadder(Sell),
		byID:    make(map[string]*Order),
		journal: journal,
	}
}

func (b *FineBook) Symbol() string { return b.symbol }

func (b *FineBook) ladderFor(side Side) (*skipLadder, *sync.Mutex) {
	if side == Buy {
		return b.bids, &b.bidMu
	}
	return b.asks, &b.askMu
}

func (b *FineBook) oppositeLadder(side Side) (*skipLadder, *sync.Mutex) {
	if side == Buy {
		return b.asks, &b.askMu
	}
	return b.bids, &b.bidMu
}

func (b *FineBook) lockBoth() func() {
	b.bidMu.Lock()
	b.askMu.Lock()
	return func() {
		b.askMu.Unlock()
		b.bidMu.Unlock()
	}
}

func (b *FineBook) nextSequence() uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.updateSequence++
	return b.updateSequence
}

func (b *FineBook) Add(o *Order) bool {
	if o == nil || o.Symbol != b.symbol || o.Quantity.Sign() <= 0 {
		return false
	}
	if o.Type == Limit && o.Price.Sign() <= 0 {
		return false
	}
	// idMu is held across the whole add so the duplicate check and the
	// index insertion are one atomic step; two concurrent adds of the
	// same id must not both pass the check. The side locks nest inside
	// idMu here, and no other path acquires idMu while holding a side
	// lock, so the ordering is acyclic.
	b.idMu.Lock()
	if _, exists := b.byID[o.ID]; exists {
		b.idMu.Unlock()
		return false
	}

	unlock := b.lockBoth()
	now := b.clock.NowNano()
	o.CreatedAt = now
	o.LastUpdatedAt = now
	o.Status = New

	opp, _ := b.oppositeLadder(o.Side)
	var fills []Fill
	if o.Type == Market {
		fills = matchMarket(o, opp, now)
	} else {
		fills = matchLimit(o, opp, now)
	}

	// Market residual never rests and never enters the index.
	rested := o.Type == Limit && o.IsActive()
	if rested {
		own, _ := b.ladderFor(o.Side)
		level := own.upsertLevel(o.Price)
		level.AddOrder(o)
	}
	unlock()

	for _, f := range fills {
		if maker, ok := b.byID[f.MakerID]; ok && maker.Status == Filled {
			delete(b.byID, f.MakerID)
			atomic.AddInt64(&b.orderCount, -1)
		}
	}
	if rested {
		b.byID[o.ID] = o
		atomic.AddInt64(&b.orderCount, 1)
	}
	b.idMu.Unlock()

	if b.journal != nil {
		_ = b.journal.AppendAdd(o, fills, now)
	}
	b.publish(Update{Symbol: b.symbol, Sequence: b.nextSequence(), Kind: UpdateAdd, OrderID: o.ID, Fills: fills})
	return true
}

func (b *FineBook) Cancel(id string) bool {
	b.idMu.Lock()
	o, ok := b.byID[id]
	if !ok || !o.IsActive() {
		b.idMu.Unlock()
		return false
	}
	delete(b.byID, id)
	b.idMu.Unlock()

	own, mu := b.ladderFor(o.Side)
	mu.Lock()
	if level, ok := own.levelAt(o.Price); ok {
		level.RemoveOrder(id)
		if level.Empty() {
			own.removeLevel(o.Price)
		}
	}
	mu.Unlock()

	now := b.clock.NowNano()
	o.cancel(now)
	atomic.AddInt64(&b.orderCount, -1)

	if b.journal != nil {
		_ = b.journal.AppendCancel(id, now)
	}
	b.publish(Update{Symbol: b.symbol, Sequence: b.nextSequence(), Kind: UpdateCancel, OrderID: id})
	return true
}

func (b *FineBook) Execute(id string, qty decimal.Decimal) bool {
	if qty.Sign() <= 0 {
		return false
	}
	b.idMu.Lock()
	o, ok := b.byID[id]
	if !ok || !o.IsActive() || qty.GreaterThan(o.RemainingQuantity()) {
		b.idMu.Unlock()
		return false
	}
	b.idMu.Unlock()

	own, mu := b.ladderFor(o.Side)
	mu.Lock()
	now := b.clock.NowNano()
	o.applyFill(qty, now)
	if level, ok := own.levelAt(o.Price); ok {
		level.RecomputeTotal()
		if o.Status == Filled {
			level.RemoveOrder(id)
			if level.Empty() {
				own.removeLevel(o.Price)
			}
		}
	}
	mu.Unlock()

	if o.Status == Filled {
		b.idMu.Lock()
		delete(b.byID, id)
		b.idMu.Unlock()
		atomic.AddInt64(&b.orderCount, -1)
	}

	if b.journal != nil {
		_ = b.journal.AppendExecute(id, qty, now)
	}
	b.publish(Update{Symbol: b.symbol, Sequence: b.nextSequence(), Kind: UpdateExecute, OrderID: id})
	return true
}

func (b *FineBook) ExecuteMarket(side Side, qty decimal.Decimal) (decimal.Decimal, []Fill) {
	if qty.Sign() <= 0 {
		return decimal.Zero, nil
	}
	opp, mu := b.oppositeLadder(side)
	mu.Lock()
	now := b.clock.NowNano()
	taker := &Order{Side: side, Type: Market, Quantity: qty, Status: New, CreatedAt: now, LastUpdatedAt: now}
	fills := matchMarket(taker, opp, now)
	mu.Unlock()

	if len(fills) > 0 {
		b.idMu.Lock()
		for _, f := range fills {
			if maker, ok := b.byID[f.MakerID]; ok && maker.Status == Filled {
				delete(b.byID, f.MakerID)
				atomic.AddInt64(&b.orderCount, -1)
			}
		}
		b.idMu.Unlock()
	}

	if b.journal != nil {
		_ = b.journal.AppendMarket(side, qty, fills, now)
	}
	b.publish(Update{Symbol: b.symbol, Sequence: b.nextSequence(), Kind: UpdateMarketExecute, Fills: fills})
	return taker.FilledQuantity, fills
}

func (b *FineBook) GetOrder(id string) (*Order, bool) {
	b.idMu.Lock()
	defer b.idMu.Unlock()
	o, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	return o.clone(), true
}

func (b *FineBook) OrderCount() int { return int(atomic.LoadInt64(&b.orderCount)) }

func (b *FineBook) UpdateSequence() uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	return b.updateSequence
}

func (b *FineBook) BestBidPrice() decimal.Decimal {
	b.bidMu.Lock()
	defer b.bidMu.Unlock()
	if l := b.bids.first(); l != nil {
		return l.Price
	}
	return decimal.Zero
}

func (b *FineBook) BestAskPrice() decimal.Decimal {
	b.askMu.Lock()
	defer b.askMu.Unlock()
	if l := b.asks.first(); l != nil {
		return l.Price
	}
	return PosInfinity
}

// MidPrice falls back to whichever side has resting liquidity when the
// other is empty, and to zero only when both sides are empty. Reads
// each side under its own lock (per-side monotonicity, not a single
// linearization point across both sides — see FineBook's docs).
func (b *FineBook) MidPrice() decimal.Decimal {
	bid, ask := b.BestBidPrice(), b.BestAskPrice()
	bidEmpty, askEmpty := bid.IsZero(), ask.Equal(PosInfinity)
	switch {
	case bidEmpty && askEmpty:
		return decimal.Zero
	case bidEmpty:
		return ask
	case askEmpty:
		return bid
	default:
		return bid.Add(ask).Div(decimal.NewFromInt(2))
	}
}

func (b *FineBook) Spread() decimal.Decimal {
	bid, ask := b.BestBidPrice(), b.BestAskPrice()
	if bid.IsZero() || ask.Equal(PosInfinity) {
		return decimal.Zero
	}
	return ask.Sub(bid)
}

func (b *FineBook) BidLevels(depth int) []LevelView {
	b.bidMu.Lock()
	defer b.bidMu.Unlock()
	var out []LevelView
	b.bids.forEach(depth, func(l *PriceLevel) {
		out = append(out, LevelView{Price: l.Price, TotalQuantity: l.TotalQuantity(), OrderCount: l.Len()})
	})
	return out
}

func (b *FineBook) AskLevels(depth int) []LevelView {
	b.askMu.Lock()
	defer b.askMu.Unlock()
	var out []LevelView
	b.asks.forEach(depth, func(l *PriceLevel) {
		out = append(out, LevelView{Price: l.Price, TotalQuantity: l.TotalQuantity(), OrderCount: l.Len()})
	})
	return out
}

func (b *FineBook) VolumeAtPrice(side Side, price decimal.Decimal) decimal.Decimal {
	own, mu := b.ladderFor(side)
	mu.Lock()
	defer mu.Unlock()
	if l, ok := own.levelAt(price); ok {
		return l.TotalQuantity()
	}
	return decimal.Zero
}

func (b *FineBook) MarketImpact(side Side, qty decimal.Decimal) decimal.Decimal {
	opp, mu := b.oppositeLadder(side)
	mu.Lock()
	defer mu.Unlock()
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

func (b *FineBook) Imbalance(depth int) decimal.Decimal {
	sumSide := func(own *skipLadder, mu *sync.Mutex) decimal.Decimal {
		mu.Lock()
		defer mu.Unlock()
		total := decimal.Zero
		own.forEach(depth, func(l *PriceLevel) { total = total.Add(l.TotalQuantity()) })
		return total
	}
	bidVol := sumSide(b.bids, &b.bidMu)
	askVol := sumSide(b.asks, &b.askMu)
	denom := bidVol.Add(askVol)
	if denom.IsZero() {
		return decimal.Zero
	}
	return bidVol.Sub(askVol).Div(denom)
}

func snapshotSkipSide(own *skipLadder, mu *sync.Mutex) []LevelSnapshot {
	mu.Lock()
	defer mu.Unlock()
	var out []LevelSnapshot
	own.forEach(0, func(lvl *PriceLevel) {
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
	})
	return out
}

func (b *FineBook) GetSnapshot() BookSnapshot {
	return BookSnapshot{
		Symbol: b.symbol,
		Bids:   snapshotSkipSide(b.bids, &b.bidMu),
		Asks:   snapshotSkipSide(b.asks, &b.askMu),
	}
}

func (b *FineBook) Clear() {
	unlock := b.lockBoth()
	b.bids = newSkipLadder(Buy)
	b.asks = newSkipLadder(Sell)
	unlock()

	b.idMu.Lock()
	b.byID = make(map[string]*Order)
	b.idMu.Unlock()
	atomic.StoreInt64(&b.orderCount, 0)
	b.publish(Update{Symbol: b.symbol, Sequence: b.nextSequence(), Kind: UpdateClear})
}

func (b *FineBook) SubscribeUpdates(fn Subscriber) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

func (b *FineBook) publish(u Update) {
	b.subMu.Lock()
	subs := b.subscribers
	b.subMu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

func (b *FineBook) Health() bool {
	if b.journal == nil {
		return true
	}
	return b.journal.Healthy()
}

func (b *FineBook) RestoreOrder(o *Order) {
	if !o.IsActive() {
		return
	}
	own, mu := b.ladderFor(o.Side)
	mu.Lock()
	level := own.upsertLevel(o.Price)
	level.AddOrder(o)
	mu.Unlock()

	b.idMu.Lock()
	b.byID[o.ID] = o
	b.idMu.Unlock()
	atomic.AddInt64(&b.orderCount, 1)
}

func (b *FineBook) SetClock(src clock.Source) {
	unlock := b.lockBoth()
	defer unlock()
	b.clock = src
}

// AttachJournal wires a live Journaler in after recovery replay has
// populated the book from a nil-journal construction.
func (b *FineBook) AttachJournal(j Journaler) {
	unlock := b.lockBoth()
	defer unlock()
	b.journal = j
}

// applyReplayFill applies one recorded fill against its maker order,
// which must already be resident. Acquires the maker's own side lock.
func (b *FineBook) applyReplayFill(f Fill, nowNano int64) {
	b.idMu.Lock()
	maker, ok := b.byID[f.MakerID]
	b.idMu.Unlock()
	if !ok {
		return // RecoveryMismatch: tolerated, replay continues
	}
	own, mu := b.ladderFor(maker.Side)
	mu.Lock()
	maker.applyFill(f.Quantity, nowNano)
	if level, ok := own.levelAt(maker.Price); ok {
		level.RecomputeTotal()
		if maker.Status == Filled {
			level.RemoveOrder(maker.ID)
			if level.Empty() {
				own.removeLevel(maker.Price)
			}
		}
	}
	mu.Unlock()
	if maker.Status == Filled {
		b.idMu.Lock()
		delete(b.byID, maker.ID)
		b.idMu.Unlock()
		atomic.AddInt64(&b.orderCount, -1)
	}
}

func (b *FineBook) ReplayAdd(o *Order, fills []Fill, nowNano int64) {
	o.CreatedAt = nowNano
	o.LastUpdatedAt = nowNano
	o.Status = New
	for _, f := range fills {
		b.applyReplayFill(f, nowNano)
		o.applyFill(f.Quantity, nowNano)
	}
	if o.Type == Limit && o.IsActive() {
		own, mu := b.ladderFor(o.Side)
		mu.Lock()
		level := own.upsertLevel(o.Price)
		level.AddOrder(o)
		mu.Unlock()

		b.idMu.Lock()
		b.byID[o.ID] = o
		b.idMu.Unlock()
		atomic.AddInt64(&b.orderCount, 1)
	}
}

func (b *FineBook) ReplayCancel(id string, nowNano int64) {
	b.idMu.Lock()
	o, ok := b.byID[id]
	if !ok || !o.IsActive() {
		b.idMu.Unlock()
		return
	}
	delete(b.byID, id)
	b.idMu.Unlock()

	own, mu := b.ladderFor(o.Side)
	mu.Lock()
	if level, ok := own.levelAt(o.Price); ok {
		level.RemoveOrder(id)
		if level.Empty() {
			own.removeLevel(o.Price)
		}
	}
	mu.Unlock()
	o.cancel(nowNano)
	atomic.AddInt64(&b.orderCount, -1)
}

func (b *FineBook) ReplayExecute(id string, qty decimal.Decimal, nowNano int64) {
	b.idMu.Lock()
	o, ok := b.byID[id]
	if !ok || !o.IsActive() {
		b.idMu.Unlock()
		return
	}
	b.idMu.Unlock()

	own, mu := b.ladderFor(o.Side)
	mu.Lock()
	o.applyFill(qty, nowNano)
	if level, ok := own.levelAt(o.Price); ok {
		level.RecomputeTotal()
		if o.Status == Filled {
			level.RemoveOrder(id)
			if level.Empty() {
				own.removeLevel(o.Price)
			}
		}
	}
	mu.Unlock()

	if o.Status == Filled {
		b.idMu.Lock()
		delete(b.byID, id)
		b.idMu.Unlock()
		atomic.AddInt64(&b.orderCount, -1)
	}
}

func (b *FineBook) ReplayMarket(fills []Fill, nowNano int64) {
	for _, f := range fills {
		b.applyReplayFill(f, nowNano)
	}
}

var _ OrderBook = (*FineBook)(nil)
