package journal

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantmesh/lobcore/internal/book"
)

func testConfig() Config {
	return Config{InitialSize: 4096, SizeIncrement: 4096, MaxSize: 1 << 20}
}

func openTestJournal(t *testing.T, name string) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".journal")
	j, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAssignsIncrementingSequences(t *testing.T) {
	j := openTestJournal(t, "seq")
	sj := NewSymbolJournal(j)
	o := &book.Order{ID: "o1", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}

	for i := 1; i <= 3; i++ {
		if err := sj.AppendAdd(o, nil, int64(i)); err != nil {
			t.Fatalf("AppendAdd #%d: %v", i, err)
		}
		if j.LatestSequence() != uint64(i) {
			t.Fatalf("LatestSequence after append #%d = %d, want %d", i, j.LatestSequence(), i)
		}
	}
}

func TestReadEntriesAfterFiltersBySequence(t *testing.T) {
	j := openTestJournal(t, "filter")
	sj := NewSymbolJournal(j)
	o := &book.Order{ID: "o1", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	for i := 1; i <= 5; i++ {
		if err := sj.AppendAdd(o, nil, int64(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries := j.ReadEntriesAfter(3)
	if len(entries) != 2 {
		t.Fatalf("got %d entries after seq 3, want 2", len(entries))
	}
	if entries[0].Sequence != 4 || entries[1].Sequence != 5 {
		t.Fatalf("entries = %+v, want sequences 4 and 5", entries)
	}

	if len(j.ReadAll()) != 5 {
		t.Fatalf("ReadAll returned %d entries, want 5", len(j.ReadAll()))
	}
}

func TestCompactDropsEntriesUpToCheckpoint(t *testing.T) {
	j := openTestJournal(t, "compact")
	sj := NewSymbolJournal(j)
	o := &book.Order{ID: "o1", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	for i := 1; i <= 5; i++ {
		if err := sj.AppendAdd(o, nil, int64(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := j.Compact(3); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	remaining := j.ReadAll()
	if len(remaining) != 2 {
		t.Fatalf("got %d entries after compacting at 3, want 2", len(remaining))
	}
	for _, e := range remaining {
		if e.Sequence <= 3 {
			t.Fatalf("compacted journal still has seq %d <= checkpoint 3", e.Sequence)
		}
	}
	if j.LatestSequence() != 5 {
		t.Fatalf("LatestSequence after compact = %d, want unchanged at 5", j.LatestSequence())
	}
}

func TestCompactAllEntriesKeepsSequenceCounter(t *testing.T) {
	j := openTestJournal(t, "compact-all")
	sj := NewSymbolJournal(j)
	o := &book.Order{ID: "o1", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	for i := 1; i <= 3; i++ {
		if err := sj.AppendAdd(o, nil, int64(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := j.Compact(3); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if got := len(j.ReadAll()); got != 0 {
		t.Fatalf("journal has %d entries after compacting everything, want 0", got)
	}
	if j.LatestSequence() != 3 {
		t.Fatalf("LatestSequence after full compaction = %d, want 3 (must not restart below the checkpoint)", j.LatestSequence())
	}

	if err := sj.AppendAdd(o, nil, 4); err != nil {
		t.Fatalf("append after compaction: %v", err)
	}
	if j.LatestSequence() != 4 {
		t.Fatalf("LatestSequence after post-compaction append = %d, want 4", j.LatestSequence())
	}
	if entries := j.ReadEntriesAfter(3); len(entries) != 1 || entries[0].Sequence != 4 {
		t.Fatalf("ReadEntriesAfter(3) = %+v, want exactly the seq-4 entry", entries)
	}
}

func TestReopenRecoversWatermarkAndSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.journal")
	j1, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sj := NewSymbolJournal(j1)
	o := &book.Order{ID: "o1", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	for i := 1; i <= 4; i++ {
		if err := sj.AppendAdd(o, nil, int64(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	if j2.LatestSequence() != 4 {
		t.Fatalf("reopened LatestSequence = %d, want 4", j2.LatestSequence())
	}
	if len(j2.ReadAll()) != 4 {
		t.Fatalf("reopened journal has %d entries, want 4", len(j2.ReadAll()))
	}
}

func TestGrowsPastInitialSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grow.journal")
	j, err := Open(path, Config{InitialSize: 64, SizeIncrement: 64, MaxSize: 1 << 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	sj := NewSymbolJournal(j)
	o := &book.Order{ID: "o1", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	for i := 1; i <= 50; i++ {
		if err := sj.AppendAdd(o, nil, int64(i)); err != nil {
			t.Fatalf("append #%d (should trigger remap growth): %v", i, err)
		}
	}
	if j.LatestSequence() != 50 {
		t.Fatalf("LatestSequence = %d, want 50", j.LatestSequence())
	}
}

func TestAppendPastMaxSizeMarksUnhealthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacity.journal")
	j, err := Open(path, Config{InitialSize: 64, SizeIncrement: 64, MaxSize: 128})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	sj := NewSymbolJournal(j)
	o := &book.Order{ID: "o1", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	var lastErr error
	for i := 0; i < 20; i++ {
		if err := sj.AppendAdd(o, nil, int64(i)); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected an append to fail once MaxSize is exceeded")
	}
	if j.Healthy() {
		t.Fatal("journal should be unhealthy after a capacity failure")
	}
}

func TestWriteObserverFiresPerAppend(t *testing.T) {
	j := openTestJournal(t, "observer")
	var calls int
	sj := NewSymbolJournal(j).WithWriteObserver(func(seconds float64) {
		if seconds < 0 {
			t.Errorf("observed negative append latency %f", seconds)
		}
		calls++
	})

	o := &book.Order{ID: "o1", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	if err := sj.AppendAdd(o, nil, 1); err != nil {
		t.Fatalf("append add: %v", err)
	}
	if err := sj.AppendCancel("o1", 2); err != nil {
		t.Fatalf("append cancel: %v", err)
	}
	if calls != 2 {
		t.Fatalf("observer fired %d times, want 2 (once per append)", calls)
	}
}

func TestApplyReplaysAddExecuteCancel(t *testing.T) {
	j := openTestJournal(t, "apply")
	sj := NewSymbolJournal(j)

	o := &book.Order{ID: "o1", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2)}
	if err := sj.AppendAdd(o, nil, 1); err != nil {
		t.Fatalf("append add: %v", err)
	}
	if err := sj.AppendExecute("o1", decimal.NewFromInt(1), 2); err != nil {
		t.Fatalf("append execute: %v", err)
	}
	if err := sj.AppendCancel("o1", 3); err != nil {
		t.Fatalf("append cancel: %v", err)
	}

	bk := book.NewCoarseBook("BTC-USD", nil, nil)
	for _, e := range j.ReadAll() {
		if err := Apply(bk, e); err != nil {
			t.Fatalf("Apply seq=%d: %v", e.Sequence, err)
		}
	}

	// ReplayCancel removes the order from the book entirely, same as a
	// live Cancel; the journal is the durable record of its final state,
	// not the in-memory book.
	if _, ok := bk.GetOrder("o1"); ok {
		t.Fatal("order o1 should be gone from the book after replaying its cancel")
	}
	if bk.OrderCount() != 0 {
		t.Fatalf("OrderCount after replay = %d, want 0", bk.OrderCount())
	}
}
