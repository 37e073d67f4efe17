package recovery

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantmesh/lobcore/internal/book"
	"github.com/quantmesh/lobcore/internal/clock"
	"github.com/quantmesh/lobcore/internal/journal"
	"github.com/quantmesh/lobcore/internal/snapshot"
)

func newCoordinator(t *testing.T) (*Coordinator, string) {
	t.Helper()
	dir := t.TempDir()
	journalsDir := filepath.Join(dir, "journals")
	store := snapshot.NewStore(filepath.Join(dir, "snapshots"))
	return &Coordinator{
		Snapshots:   store,
		JournalsDir: journalsDir,
		JournalCfg:  journal.Config{InitialSize: 4096, SizeIncrement: 4096, MaxSize: 1 << 20},
		NewBook: func(symbol string, j book.Journaler, src clock.Source) book.OrderBook {
			return book.NewCoarseBook(symbol, j, src)
		},
	}, journalsDir
}

func TestRecoverCleanStartWithNoPersistedState(t *testing.T) {
	c, _ := newCoordinator(t)
	results, status, err := c.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if status != CleanStart {
		t.Fatalf("status = %v, want CleanStart", status)
	}
	if len(results) != 0 {
		t.Fatalf("results = %v, want empty", results)
	}
}

func TestRecoverReplaysJournalWithNoSnapshot(t *testing.T) {
	c, journalsDir := newCoordinator(t)

	jrnl, err := journal.Open(journal.Path(journalsDir, "BTC-USD"), c.JournalCfg)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	sj := journal.NewSymbolJournal(jrnl)
	o := &book.Order{ID: "o1", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2)}
	if err := sj.AppendAdd(o, nil, 1); err != nil {
		t.Fatalf("append add: %v", err)
	}
	if err := sj.AppendExecute("o1", decimal.NewFromInt(1), 2); err != nil {
		t.Fatalf("append execute: %v", err)
	}
	if err := jrnl.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	results, status, err := c.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if status != Success {
		t.Fatalf("status = %v, want Success", status)
	}
	r, ok := results["BTC-USD"]
	if !ok || r.Err != nil {
		t.Fatalf("results[BTC-USD] = %+v, want a clean result", r)
	}
	if r.ReplayedCount != 2 {
		t.Fatalf("ReplayedCount = %d, want 2", r.ReplayedCount)
	}
	if r.CheckpointSeq != 0 {
		t.Fatalf("CheckpointSeq = %d, want 0 (no snapshot present)", r.CheckpointSeq)
	}
	restored, ok := r.Book.GetOrder("o1")
	if !ok {
		t.Fatal("recovered book is missing order o1")
	}
	if !restored.FilledQuantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("restored FilledQuantity = %s, want 1", restored.FilledQuantity)
	}
	if err := r.Journal.Close(); err != nil {
		t.Fatalf("close recovered journal: %v", err)
	}
}

func TestRecoverLoadsSnapshotThenReplaysOnlyLaterEntries(t *testing.T) {
	c, journalsDir := newCoordinator(t)

	jrnl, err := journal.Open(journal.Path(journalsDir, "BTC-USD"), c.JournalCfg)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	sj := journal.NewSymbolJournal(jrnl)

	resting := &book.Order{ID: "resting", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(5)}
	if err := sj.AppendAdd(resting, nil, 1); err != nil {
		t.Fatalf("append resting: %v", err)
	}
	checkpoint := jrnl.LatestSequence()

	snap := book.BookSnapshot{
		Symbol: "BTC-USD",
		Bids: []book.LevelSnapshot{{
			Price: decimal.NewFromInt(100), TotalQuantity: decimal.NewFromInt(5),
			Orders: []book.OrderSnapshot{{
				ID: "resting", Side: book.Buy, Type: book.Limit,
				Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(5),
				FilledQuantity: decimal.Zero, Status: book.New, CreatedAt: 1,
			}},
		}},
	}
	if _, err := c.Snapshots.Create(snap, checkpoint, 1000); err != nil {
		t.Fatalf("Create snapshot: %v", err)
	}

	later := &book.Order{ID: "later", Symbol: "BTC-USD", Side: book.Sell, Type: book.Limit, Price: decimal.NewFromInt(200), Quantity: decimal.NewFromInt(1)}
	if err := sj.AppendAdd(later, nil, 2); err != nil {
		t.Fatalf("append later: %v", err)
	}
	if err := jrnl.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	results, status, err := c.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if status != Success {
		t.Fatalf("status = %v, want Success", status)
	}
	r := results["BTC-USD"]
	if r.Err != nil {
		t.Fatalf("recovery error: %v", r.Err)
	}
	if r.CheckpointSeq != checkpoint {
		t.Fatalf("CheckpointSeq = %d, want %d", r.CheckpointSeq, checkpoint)
	}
	if r.ReplayedCount != 1 {
		t.Fatalf("ReplayedCount = %d, want 1 (only the post-checkpoint add)", r.ReplayedCount)
	}
	if r.Book.OrderCount() != 2 {
		t.Fatalf("recovered OrderCount = %d, want 2 (resting from snapshot + later from replay)", r.Book.OrderCount())
	}
	if _, ok := r.Book.GetOrder("resting"); !ok {
		t.Fatal("snapshot-restored order missing from recovered book")
	}
	if _, ok := r.Book.GetOrder("later"); !ok {
		t.Fatal("replayed order missing from recovered book")
	}
	if err := r.Journal.Close(); err != nil {
		t.Fatalf("close recovered journal: %v", err)
	}
}
