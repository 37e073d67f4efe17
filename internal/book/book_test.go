package book

import (
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantmesh/lobcore/internal/clock"
)

// implementations lists every OrderBook constructor under test so every
// case below runs against both the coarse and fine-grained books.
var implementations = map[string]func(symbol string, j Journaler, src clock.Source) OrderBook{
	"coarse": func(symbol string, j Journaler, src clock.Source) OrderBook { return NewCoarseBook(symbol, j, src) },
	"fine":   func(symbol string, j Journaler, src clock.Source) OrderBook { return NewFineBook(symbol, j, src) },
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func forEachImpl(t *testing.T, fn func(t *testing.T, newBook func(j Journaler, src clock.Source) OrderBook)) {
	t.Helper()
	for name, ctor := range implementations {
		ctor := ctor
		t.Run(name, func(t *testing.T) {
			fn(t, func(j Journaler, src clock.Source) OrderBook { return ctor("BTC-USD", j, src) })
		})
	}
}

func TestAddRestsWhenNoCross(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		o := &Order{ID: "o1", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: d("100"), Quantity: d("1")}
		if !bk.Add(o) {
			t.Fatal("Add returned false")
		}
		if bk.OrderCount() != 1 {
			t.Fatalf("OrderCount = %d, want 1", bk.OrderCount())
		}
		if !bk.BestBidPrice().Equal(d("100")) {
			t.Fatalf("BestBidPrice = %s, want 100", bk.BestBidPrice())
		}
	})
}

func TestAddRejectsDuplicateID(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		o := &Order{ID: "o1", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: d("100"), Quantity: d("1")}
		if !bk.Add(o) {
			t.Fatal("first Add returned false")
		}
		dup := &Order{ID: "o1", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("101"), Quantity: d("1")}
		if bk.Add(dup) {
			t.Fatal("Add accepted a duplicate order id")
		}
	})
}

func TestAddRejectsWrongSymbol(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		o := &Order{ID: "o1", Symbol: "ETH-USD", Side: Buy, Type: Limit, Price: d("100"), Quantity: d("1")}
		if bk.Add(o) {
			t.Fatal("Add accepted an order for the wrong symbol")
		}
	})
}

func TestCrossingOrderFillsFIFO(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		first := &Order{ID: "maker1", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("100"), Quantity: d("1")}
		second := &Order{ID: "maker2", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("100"), Quantity: d("1")}
		if !bk.Add(first) || !bk.Add(second) {
			t.Fatal("resting Add failed")
		}

		taker := &Order{ID: "taker", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: d("100"), Quantity: d("1.5")}
		if !bk.Add(taker) {
			t.Fatal("taker Add failed")
		}

		if _, ok := bk.GetOrder("maker1"); ok {
			t.Fatal("maker1 should leave the book once fully filled (price-time priority fills it first)")
		}
		m2, _ := bk.GetOrder("maker2")
		if m2.Status != PartiallyFilled || !m2.RemainingQuantity().Equal(d("0.5")) {
			t.Fatalf("maker2 = %+v, want PartiallyFilled with 0.5 remaining", m2)
		}
		if taker.Status != Filled {
			t.Fatalf("taker status = %v, want Filled", taker.Status)
		}
		if bk.OrderCount() != 1 {
			t.Fatalf("OrderCount = %d, want 1 (only maker2 still resting)", bk.OrderCount())
		}
	})
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		o := &Order{ID: "o1", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: d("100"), Quantity: d("1")}
		bk.Add(o)
		if !bk.Cancel("o1") {
			t.Fatal("Cancel returned false for a resting order")
		}
		if bk.OrderCount() != 0 {
			t.Fatalf("OrderCount = %d, want 0 after cancel", bk.OrderCount())
		}
		if bk.Cancel("o1") {
			t.Fatal("Cancel succeeded twice for the same order")
		}
	})
}

func TestCancelUnknownOrderFails(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		if bk.Cancel("missing") {
			t.Fatal("Cancel succeeded for an unknown order id")
		}
	})
}

func TestExecuteMarketSweepsOppositeLadder(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		bk.Add(&Order{ID: "maker1", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("100"), Quantity: d("1")})
		bk.Add(&Order{ID: "maker2", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("101"), Quantity: d("1")})

		executed, fills := bk.ExecuteMarket(Buy, d("1.5"))
		if !executed.Equal(d("1.5")) {
			t.Fatalf("executed = %s, want 1.5", executed)
		}
		if len(fills) != 2 {
			t.Fatalf("fills = %d legs, want 2", len(fills))
		}
		if fills[0].MakerID != "maker1" {
			t.Fatalf("first fill maker = %s, want maker1 (best price first)", fills[0].MakerID)
		}
	})
}

func TestGetSnapshotRoundTripsViaRestoreOrder(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		src := newBook(nil, clock.NewFixed(1))
		src.Add(&Order{ID: "o1", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: d("100"), Quantity: d("2")})
		src.Add(&Order{ID: "o2", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("105"), Quantity: d("3")})

		snap := src.GetSnapshot()
		if snap.Symbol != "BTC-USD" {
			t.Fatalf("snapshot symbol = %s, want BTC-USD", snap.Symbol)
		}

		dst := newBook(nil, clock.NewFixed(1))
		for _, lvl := range snap.Bids {
			for _, os := range lvl.Orders {
				dst.RestoreOrder(&Order{
					ID: os.ID, Symbol: snap.Symbol, Side: os.Side, Type: os.Type,
					Price: os.Price, Quantity: os.Quantity, FilledQuantity: os.FilledQuantity,
					Status: os.Status, CreatedAt: os.CreatedAt,
				})
			}
		}
		for _, lvl := range snap.Asks {
			for _, os := range lvl.Orders {
				dst.RestoreOrder(&Order{
					ID: os.ID, Symbol: snap.Symbol, Side: os.Side, Type: os.Type,
					Price: os.Price, Quantity: os.Quantity, FilledQuantity: os.FilledQuantity,
					Status: os.Status, CreatedAt: os.CreatedAt,
				})
			}
		}

		if dst.OrderCount() != src.OrderCount() {
			t.Fatalf("restored OrderCount = %d, want %d", dst.OrderCount(), src.OrderCount())
		}
		if !dst.BestBidPrice().Equal(src.BestBidPrice()) {
			t.Fatalf("restored BestBidPrice = %s, want %s", dst.BestBidPrice(), src.BestBidPrice())
		}
		if !dst.BestAskPrice().Equal(src.BestAskPrice()) {
			t.Fatalf("restored BestAskPrice = %s, want %s", dst.BestAskPrice(), src.BestAskPrice())
		}
	})
}

func TestClearEmptiesBook(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		bk.Add(&Order{ID: "o1", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: d("100"), Quantity: d("1")})
		bk.Clear()
		if bk.OrderCount() != 0 {
			t.Fatalf("OrderCount after Clear = %d, want 0", bk.OrderCount())
		}
		if _, ok := bk.GetOrder("o1"); ok {
			t.Fatal("GetOrder found an order after Clear")
		}
	})
}

func TestSubscribeUpdatesReceivesFills(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		var updates []Update
		bk.SubscribeUpdates(func(u Update) { updates = append(updates, u) })

		bk.Add(&Order{ID: "maker", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("100"), Quantity: d("1")})
		bk.Add(&Order{ID: "taker", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: d("100"), Quantity: d("1")})

		if len(updates) != 2 {
			t.Fatalf("got %d updates, want 2", len(updates))
		}
		last := updates[len(updates)-1]
		if len(last.Fills) != 1 || last.Fills[0].MakerID != "maker" {
			t.Fatalf("last update fills = %+v, want one fill against maker", last.Fills)
		}
	})
}

func TestHealthReflectsJournaler(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		if !bk.Health() {
			t.Fatal("Health() = false with no journal attached, want true")
		}
		bk2 := newBook(fakeJournaler{healthy: false}, clock.NewFixed(1))
		if bk2.Health() {
			t.Fatal("Health() = true with an unhealthy journal, want false")
		}
	})
}

func TestEmptyBookSentinels(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		if !bk.BestBidPrice().IsZero() {
			t.Fatalf("BestBidPrice on empty book = %s, want 0", bk.BestBidPrice())
		}
		if !bk.BestAskPrice().Equal(PosInfinity) {
			t.Fatalf("BestAskPrice on empty book = %s, want +inf sentinel", bk.BestAskPrice())
		}
		if !bk.MidPrice().IsZero() {
			t.Fatalf("MidPrice on empty book = %s, want 0", bk.MidPrice())
		}
		if !bk.Spread().IsZero() {
			t.Fatalf("Spread on empty book = %s, want 0", bk.Spread())
		}
	})
}

func TestMidPriceFallsBackToAvailableSide(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		bk.Add(&Order{ID: "o1", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: d("100"), Quantity: d("1")})
		if !bk.MidPrice().Equal(d("100")) {
			t.Fatalf("MidPrice with only a bid = %s, want 100", bk.MidPrice())
		}
	})
}

func TestImbalance(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		for i, qty := range []string{"4", "3", "1", "1", "1"} {
			bk.Add(&Order{ID: fmt.Sprintf("b%d", i), Symbol: "BTC-USD", Side: Buy, Type: Limit,
				Price: d("100").Sub(decimal.NewFromInt(int64(i))), Quantity: d(qty)})
		}
		for i, qty := range []string{"2", "1", "1", "0.5", "0.5"} {
			bk.Add(&Order{ID: fmt.Sprintf("s%d", i), Symbol: "BTC-USD", Side: Sell, Type: Limit,
				Price: d("101").Add(decimal.NewFromInt(int64(i))), Quantity: d(qty)})
		}
		got := bk.Imbalance(5)
		want := d("1").Div(d("3"))
		if diff := got.Sub(want).Abs(); diff.GreaterThan(d("0.0001")) {
			t.Fatalf("Imbalance(5) = %s, want ~%s", got, want)
		}
	})
}

func TestMarketImpact(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		bk.Add(&Order{ID: "s1", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("100"), Quantity: d("1")})
		bk.Add(&Order{ID: "s2", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("102"), Quantity: d("1")})

		impact := bk.MarketImpact(Buy, d("2"))
		want := d("101") // (1*100 + 1*102) / 2
		if !impact.Equal(want) {
			t.Fatalf("MarketImpact = %s, want %s", impact, want)
		}

		if !bk.MarketImpact(Buy, d("10")).IsZero() {
			t.Fatal("MarketImpact with insufficient liquidity should be zero")
		}
	})
}

func TestSubscriberMayReadBook(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		var observed decimal.Decimal
		bk.SubscribeUpdates(func(u Update) {
			// Callbacks run after the write discipline is released, so
			// reading the book from one must not deadlock.
			observed = bk.BestBidPrice()
		})
		bk.Add(&Order{ID: "o1", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: d("100"), Quantity: d("1")})
		if !observed.Equal(d("100")) {
			t.Fatalf("subscriber observed BestBidPrice = %s, want 100", observed)
		}
	})
}

func TestMarketOrderResidualDoesNotRest(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		bk.Add(&Order{ID: "maker", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("100"), Quantity: d("1")})

		taker := &Order{ID: "taker", Symbol: "BTC-USD", Side: Buy, Type: Market, Quantity: d("3")}
		if !bk.Add(taker) {
			t.Fatal("market Add returned false")
		}
		if !taker.FilledQuantity.Equal(d("1")) {
			t.Fatalf("taker filled = %s, want 1 (all available liquidity)", taker.FilledQuantity)
		}
		if _, ok := bk.GetOrder("taker"); ok {
			t.Fatal("market order residual must not rest in the book")
		}
		if bk.OrderCount() != 0 {
			t.Fatalf("OrderCount = %d, want 0 (maker swept, taker discarded)", bk.OrderCount())
		}
	})
}

func TestMarketableLimitRestsResidualAtItsOwnPrice(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		bk.Add(&Order{ID: "s1", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("100"), Quantity: d("1")})
		bk.Add(&Order{ID: "s2", Symbol: "BTC-USD", Side: Sell, Type: Limit, Price: d("101"), Quantity: d("1")})

		// 100.5 crosses the 100 ask but not the 101 ask: 1.0 fills, the
		// remaining 0.5 rests as the new best bid.
		b1 := &Order{ID: "b1", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: d("100.5"), Quantity: d("1.5")}
		if !bk.Add(b1) {
			t.Fatal("crossing Add returned false")
		}
		if !bk.BestBidPrice().Equal(d("100.5")) {
			t.Fatalf("BestBidPrice = %s, want 100.5", bk.BestBidPrice())
		}
		if !bk.BestAskPrice().Equal(d("101")) {
			t.Fatalf("BestAskPrice = %s, want 101", bk.BestAskPrice())
		}
		if bk.OrderCount() != 2 {
			t.Fatalf("OrderCount = %d, want 2 (b1 residual + s2)", bk.OrderCount())
		}
		if _, ok := bk.GetOrder("s1"); ok {
			t.Fatal("s1 should be gone after being fully filled")
		}
		if !bk.Spread().Equal(d("0.5")) {
			t.Fatalf("Spread = %s, want 0.5", bk.Spread())
		}
	})
}

func TestLimitOrderRejectsNonPositivePrice(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		o := &Order{ID: "o1", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: decimal.Zero, Quantity: d("1")}
		if bk.Add(o) {
			t.Fatal("Add accepted a limit order with zero price")
		}
	})
}

func TestExecutePartialFillKeepsLevelTotalConsistent(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, clock.NewFixed(1))
		bk.Add(&Order{ID: "o1", Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: d("100"), Quantity: d("3")})

		if !bk.Execute("o1", d("1")) {
			t.Fatal("Execute returned false")
		}
		if !bk.VolumeAtPrice(Buy, d("100")).Equal(d("2")) {
			t.Fatalf("VolumeAtPrice = %s, want 2 after a 1-lot fill", bk.VolumeAtPrice(Buy, d("100")))
		}
		if bk.Execute("o1", d("5")) {
			t.Fatal("Execute succeeded with qty greater than remaining")
		}
		if !bk.Execute("o1", d("2")) {
			t.Fatal("final Execute returned false")
		}
		if bk.OrderCount() != 0 {
			t.Fatalf("OrderCount = %d, want 0 after full fill", bk.OrderCount())
		}
	})
}

func TestConcurrentAddCancelKeepsCountsConsistent(t *testing.T) {
	forEachImpl(t, func(t *testing.T, newBook func(Journaler, clock.Source) OrderBook) {
		bk := newBook(nil, nil)

		const workers = 8
		const perWorker = 50
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				// Each worker rests bids at its own price level so no
				// matching occurs; half of its orders are canceled again.
				price := d("100").Sub(decimal.NewFromInt(int64(w)))
				for i := 0; i < perWorker; i++ {
					id := fmt.Sprintf("o-%d-%d", w, i)
					if !bk.Add(&Order{ID: id, Symbol: "BTC-USD", Side: Buy, Type: Limit, Price: price, Quantity: d("1")}) {
						t.Errorf("Add(%s) returned false", id)
						return
					}
					if i%2 == 0 {
						if !bk.Cancel(id) {
							t.Errorf("Cancel(%s) returned false", id)
							return
						}
					}
				}
			}(w)
		}
		wg.Wait()

		want := workers * perWorker / 2
		if bk.OrderCount() != want {
			t.Fatalf("OrderCount = %d, want %d", bk.OrderCount(), want)
		}
		resting := 0
		for _, lvl := range bk.BidLevels(0) {
			resting += lvl.OrderCount
		}
		if resting != want {
			t.Fatalf("sum of level order counts = %d, want %d (must equal the id index)", resting, want)
		}
	})
}

type fakeJournaler struct{ healthy bool }

func (fakeJournaler) AppendAdd(*Order, []Fill, int64) error                 { return nil }
func (fakeJournaler) AppendCancel(string, int64) error                      { return nil }
func (fakeJournaler) AppendExecute(string, decimal.Decimal, int64) error    { return nil }
func (fakeJournaler) AppendMarket(Side, decimal.Decimal, []Fill, int64) error { return nil }
func (f fakeJournaler) Healthy() bool                                       { return f.healthy }
