// Package recovery reconstructs order books on startup from the
// snapshot store and journal files: load the latest snapshot (if any),
// replay journal entries after its checkpoint sequence, then hand the
// book a live journal to continue appending to.
package recovery

import (
	"fmt"
	"sort"

	"github.com/quantmesh/lobcore/internal/book"
	"github.com/quantmesh/lobcore/internal/bookerr"
	"github.com/quantmesh/lobcore/internal/clock"
	"github.com/quantmesh/lobcore/internal/journal"
	"github.com/quantmesh/lobcore/internal/snapshot"
)

// Status summarizes the outcome of a recovery pass across all symbols.
type Status int

const (
	// CleanStart: no symbols had any persisted state.
	CleanStart Status = iota + 1
	// Success: at least one symbol recovered without error.
	Success
	// Failed: at least one symbol errored during recovery.
	Failed
)

func (s Status) String() string {
	switch s {
	case CleanStart:
		return "CleanStart"
	case Success:
		return "Success"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Factory constructs an empty OrderBook for symbol. The Coordinator
// calls it with journal nil and attaches the live journal once replay
// completes; cmd/lobcore also calls it with a live journal for symbols
// that start clean. Bind this to book.NewCoarseBook or
// book.NewFineBook depending on the configured implementation.
type Factory func(symbol string, journal book.Journaler, src clock.Source) book.OrderBook

// Coordinator enumerates symbols from the snapshot store and journals
// directory and recovers each into a live OrderBook.
type Coordinator struct {
	Snapshots   *snapshot.Store
	JournalsDir string
	JournalCfg  journal.Config
	NewBook     Factory
	// WriteObserver, if non-nil, is installed on each recovered symbol's
	// live journal adapter to record append latency (see
	// metrics.ObserveJournalWrite).
	WriteObserver func(seconds float64)
}

// Result is one symbol's recovery outcome.
type Result struct {
	Symbol         string
	Book           book.OrderBook
	Journal        *journal.Journal
	CheckpointSeq  uint64
	ReplayedCount  int
	Err            error
}

// Recover reconstructs every symbol with persisted state and returns
// the per-symbol results plus the overall status.
func (c *Coordinator) Recover() (map[string]*Result, Status, error) {
	symbols, err := c.enumerateSymbols()
	if err != nil {
		return nil, Failed, fmt.Errorf("recovery: enumerate symbols: %w", err)
	}
	if len(symbols) == 0 {
		return nil, CleanStart, nil
	}

	results := make(map[string]*Result, len(symbols))
	anyErr := false
	for _, symbol := range symbols {
		r := c.recoverSymbol(symbol)
		results[symbol] = r
		if r.Err != nil {
			anyErr = true
		}
	}
	if anyErr {
		return results, Failed, nil
	}
	return results, Success, nil
}

func (c *Coordinator) enumerateSymbols() ([]string, error) {
	set := make(map[string]struct{})
	fromSnapshots, err := c.Snapshots.Symbols()
	if err != nil {
		return nil, err
	}
	for _, s := range fromSnapshots {
		set[s] = struct{}{}
	}
	fromJournals, err := journal.ListSymbols(c.JournalsDir)
	if err != nil {
		return nil, err
	}
	for _, s := range fromJournals {
		set[s] = struct{}{}
	}
	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (c *Coordinator) recoverSymbol(symbol string) *Result {
	r := &Result{Symbol: symbol}

	checkpoint, err := c.Snapshots.LatestID(symbol)
	if err != nil {
		r.Err = fmt.Errorf("%w: latest snapshot id for %s: %v", bookerr.ErrSnapshotIO, symbol, err)
		return r
	}
	bk := c.NewBook(symbol, nil, clock.System{})
	// replayFrom is the id of the snapshot actually loaded: LoadLatest
	// skips corrupt snapshots, so it may be older than checkpoint, or
	// zero when none parses and the book starts empty.
	var replayFrom uint64
	if checkpoint > 0 {
		snap, loadedID, ok, err := c.Snapshots.LoadLatest(symbol)
		if err != nil {
			r.Err = fmt.Errorf("%w: load snapshot for %s: %v", bookerr.ErrSnapshotIO, symbol, err)
			return r
		}
		if ok {
			restoreSnapshot(bk, snap)
			replayFrom = loadedID
		}
	}
	r.CheckpointSeq = replayFrom

	jPath := journal.Path(c.JournalsDir, symbol)
	jrnl, err := journal.Open(jPath, c.JournalCfg)
	if err != nil {
		r.Err = fmt.Errorf("%w: open journal for %s: %v", bookerr.ErrJournalIO, symbol, err)
		return r
	}
	// A fully-compacted journal scans to sequence zero; new appends must
	// still land strictly after the snapshot checkpoint.
	jrnl.EnsureSequenceAtLeast(checkpoint)

	entries := jrnl.ReadEntriesAfter(replayFrom)
	for _, e := range entries {
		if err := journal.Apply(bk, e); err != nil {
			// RecoveryMismatch: skip the offending entry, replay continues.
			continue
		}
		r.ReplayedCount++
	}

	bk.SetClock(clock.System{})
	sj := journal.NewSymbolJournal(jrnl)
	if c.WriteObserver != nil {
		sj.WithWriteObserver(c.WriteObserver)
	}
	attachJournal(bk, sj)

	r.Book = bk
	r.Journal = jrnl
	return r
}

// restoreSnapshot reconstructs a book's resting orders from a
// snapshot. It does not apply fills: a snapshot's orders are already
// in their fully-reconciled resting state (a maker order recorded at
// snapshot time has its real FilledQuantity), so RestoreOrder alone is
// correct here — unlike journal replay, which must reconstruct fills
// from scratch.
func restoreSnapshot(bk book.OrderBook, snap book.BookSnapshot) {
	for _, levels := range [][]book.LevelSnapshot{snap.Bids, snap.Asks} {
		for _, lvl := range levels {
			for _, snapOrder := range lvl.Orders {
				o := &book.Order{
					ID: snapOrder.ID, Symbol: snap.Symbol, Side: snapOrder.Side, Type: snapOrder.Type,
					Price: snapOrder.Price, Quantity: snapOrder.Quantity, FilledQuantity: snapOrder.FilledQuantity,
					Status: snapOrder.Status, CreatedAt: snapOrder.CreatedAt, LastUpdatedAt: snapOrder.CreatedAt,
				}
				bk.RestoreOrder(o)
			}
		}
	}
}

// journaled is satisfied by the concrete book types' AttachJournal
// method, which is deliberately left out of the OrderBook interface so
// the coordinator can wire up the live journal after replay without
// widening the public contract with a setter every caller would see.
type journaled interface {
	AttachJournal(j book.Journaler)
}

func attachJournal(bk book.OrderBook, j book.Journaler) {
	if jb, ok := bk.(journaled); ok {
		jb.AttachJournal(j)
	}
}
