package journal

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantmesh/lobcore/internal/book"
)

// SymbolJournal adapts a Journal to book.Journaler for one symbol,
// translating book mutations into the wire payloads codec.go defines.
// It is the only internal/book collaborator that knows the on-disk
// format; book itself stays storage-agnostic.
type SymbolJournal struct {
	j       *Journal
	observe func(seconds float64)
}

// NewSymbolJournal wraps an already-open Journal.
func NewSymbolJournal(j *Journal) *SymbolJournal {
	return &SymbolJournal{j: j}
}

// WithWriteObserver installs fn as the append-latency hook (e.g.
// metrics.ObserveJournalWrite) and returns the receiver. fn runs on the
// mutating goroutine after every append, successful or not.
func (s *SymbolJournal) WithWriteObserver(fn func(seconds float64)) *SymbolJournal {
	s.observe = fn
	return s
}

func (s *SymbolJournal) Underlying() *Journal { return s.j }

func (s *SymbolJournal) append(op OpTag, nowNano int64, payload []byte) error {
	if s.observe == nil {
		return s.j.append(op, nowNano, payload)
	}
	start := time.Now()
	err := s.j.append(op, nowNano, payload)
	s.observe(time.Since(start).Seconds())
	return err
}

func (s *SymbolJournal) AppendAdd(o *book.Order, fills []book.Fill, nowNano int64) error {
	mf := make([]MarketFill, len(fills))
	for i, f := range fills {
		mf[i] = MarketFill{MakerID: f.MakerID, Price: f.Price, Qty: f.Quantity}
	}
	payload := encodeAdd(AddPayload{
		ID: o.ID, Symbol: o.Symbol, Side: o.Side, Type: o.Type,
		Price: o.Price, Quantity: o.Quantity, FilledQuantity: o.FilledQuantity,
		Status: o.Status, CreatedAt: o.CreatedAt, Fills: mf,
	})
	return s.append(OpAdd, nowNano, payload)
}

func (s *SymbolJournal) AppendCancel(id string, nowNano int64) error {
	return s.append(OpCancel, nowNano, encodeCancel(CancelPayload{ID: id}))
}

func (s *SymbolJournal) AppendExecute(id string, qty decimal.Decimal, nowNano int64) error {
	return s.append(OpExecute, nowNano, encodeExecute(ExecutePayload{ID: id, Qty: qty}))
}

func (s *SymbolJournal) AppendMarket(side book.Side, qty decimal.Decimal, fills []book.Fill, nowNano int64) error {
	mf := make([]MarketFill, len(fills))
	for i, f := range fills {
		mf[i] = MarketFill{MakerID: f.MakerID, Price: f.Price, Qty: f.Quantity}
	}
	return s.append(OpMarket, nowNano, encodeMarket(MarketPayload{Side: side, Qty: qty, Fills: mf}))
}

func (s *SymbolJournal) Healthy() bool { return s.j.Healthy() }

var _ book.Journaler = (*SymbolJournal)(nil)

// Apply decodes e and replays it against bk using the book's
// non-journaling Replay* methods, converting codec-level MarketFill
// records back into book.Fill. Unknown op tags are skipped; a
// malformed payload is reported but does not stop replay of the
// remaining entries (RecoveryMismatch tolerance).
func Apply(bk book.OrderBook, e Entry) error {
	switch e.Op {
	case OpAdd:
		p, err := decodeAdd(e.Payload)
		if err != nil {
			return fmt.Errorf("journal: decode add seq=%d: %w", e.Sequence, err)
		}
		o := &book.Order{
			ID: p.ID, Symbol: p.Symbol, Side: p.Side, Type: p.Type,
			Price: p.Price, Quantity: p.Quantity, FilledQuantity: decimal.Zero,
		}
		bk.ReplayAdd(o, toBookFills(p.Fills), e.Timestamp)
	case OpCancel:
		p, err := decodeCancel(e.Payload)
		if err != nil {
			return fmt.Errorf("journal: decode cancel seq=%d: %w", e.Sequence, err)
		}
		bk.ReplayCancel(p.ID, e.Timestamp)
	case OpExecute:
		p, err := decodeExecute(e.Payload)
		if err != nil {
			return fmt.Errorf("journal: decode execute seq=%d: %w", e.Sequence, err)
		}
		bk.ReplayExecute(p.ID, p.Qty, e.Timestamp)
	case OpMarket:
		p, err := decodeMarket(e.Payload)
		if err != nil {
			return fmt.Errorf("journal: decode market seq=%d: %w", e.Sequence, err)
		}
		bk.ReplayMarket(toBookFills(p.Fills), e.Timestamp)
	default:
		return fmt.Errorf("journal: unknown op %d at seq=%d", e.Op, e.Sequence)
	}
	return nil
}

func toBookFills(fills []MarketFill) []book.Fill {
	out := make([]book.Fill, len(fills))
	for i, f := range fills {
		out[i] = book.Fill{MakerID: f.MakerID, Price: f.Price, Quantity: f.Qty}
	}
	return out
}
