package maintenance

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantmesh/lobcore/internal/book"
	"github.com/quantmesh/lobcore/internal/journal"
	"github.com/quantmesh/lobcore/internal/snapshot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func emptySnapshot(symbol string) book.BookSnapshot {
	return book.BookSnapshot{Symbol: symbol}
}

func TestSchedulerCompactsPastThreshold(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := snapshot.NewStore(filepath.Join(dir, "snapshots"))

	jrnl, err := journal.Open(filepath.Join(dir, "journals", "BTC-USD.journal"), journal.Config{
		InitialSize: 4096, SizeIncrement: 4096, MaxSize: 1 << 20,
	})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer jrnl.Close()

	for i := 0; i < 5; i++ {
		o := &book.Order{ID: "o1", Symbol: "BTC-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
		sj := journal.NewSymbolJournal(jrnl)
		if err := sj.AppendAdd(o, nil, int64(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sched := NewScheduler(store, testLogger(), nil, time.Hour, 3, 2)
	var snapshotCalls int
	sched.Register("BTC-USD", jrnl, func(nowNano uint64) (uint64, error) {
		snapshotCalls++
		seq := jrnl.LatestSequence()
		return store.Create(emptySnapshot("BTC-USD"), seq, nowNano)
	})

	sched.maintainSymbol("BTC-USD", sched.symbols["BTC-USD"])

	if snapshotCalls != 1 {
		t.Fatalf("snapshotCalls = %d, want 1 (journal at seq 5 exceeds threshold 3 over snapshot seq 0)", snapshotCalls)
	}
	latest, err := store.LatestID("BTC-USD")
	if err != nil {
		t.Fatalf("LatestID: %v", err)
	}
	if latest != 5 {
		t.Fatalf("latest snapshot checkpoint = %d, want 5", latest)
	}
}

func TestSchedulerSkipsCompactionBelowThreshold(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := snapshot.NewStore(filepath.Join(dir, "snapshots"))

	jrnl, err := journal.Open(filepath.Join(dir, "journals", "ETH-USD.journal"), journal.Config{
		InitialSize: 4096, SizeIncrement: 4096, MaxSize: 1 << 20,
	})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer jrnl.Close()

	o := &book.Order{ID: "o1", Symbol: "ETH-USD", Side: book.Buy, Type: book.Limit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	sj := journal.NewSymbolJournal(jrnl)
	if err := sj.AppendAdd(o, nil, 1); err != nil {
		t.Fatalf("append: %v", err)
	}

	sched := NewScheduler(store, testLogger(), nil, time.Hour, 100, 2)
	var snapshotCalls int
	sched.Register("ETH-USD", jrnl, func(nowNano uint64) (uint64, error) {
		snapshotCalls++
		return store.Create(emptySnapshot("ETH-USD"), jrnl.LatestSequence(), nowNano)
	})

	sched.maintainSymbol("ETH-USD", sched.symbols["ETH-USD"])

	if snapshotCalls != 0 {
		t.Fatalf("snapshotCalls = %d, want 0 (1 entry does not exceed threshold 100)", snapshotCalls)
	}
}

func TestSchedulerStartStopsOnCancel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := snapshot.NewStore(filepath.Join(dir, "snapshots"))
	sched := NewScheduler(store, testLogger(), nil, 10*time.Millisecond, 100, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
