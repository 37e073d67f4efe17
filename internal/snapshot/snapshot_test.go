package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantmesh/lobcore/internal/book"
)

func sampleSnapshot(symbol string) book.BookSnapshot {
	return book.BookSnapshot{
		Symbol: symbol,
		Bids: []book.LevelSnapshot{{
			Price:         decimal.NewFromInt(100),
			TotalQuantity: decimal.NewFromInt(2),
			Orders: []book.OrderSnapshot{{
				ID: "o1", Side: book.Buy, Type: book.Limit,
				Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2),
				FilledQuantity: decimal.Zero, Status: book.New, CreatedAt: 42,
			}},
		}},
		Asks: []book.LevelSnapshot{{
			Price:         decimal.NewFromInt(105),
			TotalQuantity: decimal.NewFromInt(1),
			Orders: []book.OrderSnapshot{{
				ID: "o2", Side: book.Sell, Type: book.Limit,
				Price: decimal.NewFromInt(105), Quantity: decimal.NewFromInt(1),
				FilledQuantity: decimal.Zero, Status: book.New, CreatedAt: 43,
			}},
		}},
	}
}

func TestCreateAndLoadLatestRoundTrip(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots"))

	id, err := st.Create(sampleSnapshot("BTC-USD"), 7, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != 7 {
		t.Fatalf("Create returned id = %d, want checkpointSeq 7", id)
	}

	loaded, checkpoint, ok, err := st.LoadLatest("BTC-USD")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if !ok {
		t.Fatal("LoadLatest reported no snapshot found")
	}
	if checkpoint != 7 {
		t.Fatalf("LoadLatest checkpoint = %d, want 7", checkpoint)
	}
	if loaded.Symbol != "BTC-USD" || len(loaded.Bids) != 1 || len(loaded.Asks) != 1 {
		t.Fatalf("loaded snapshot = %+v, want 1 bid level and 1 ask level", loaded)
	}
	if loaded.Bids[0].Orders[0].ID != "o1" || !loaded.Bids[0].Orders[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("loaded bid order = %+v", loaded.Bids[0].Orders[0])
	}
}

func TestLatestIDOrdersByCheckpointNotCreationOrder(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots"))

	if _, err := st.Create(sampleSnapshot("BTC-USD"), 5, 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.Create(sampleSnapshot("BTC-USD"), 20, 2); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.Create(sampleSnapshot("BTC-USD"), 10, 3); err != nil {
		t.Fatalf("Create: %v", err)
	}

	latest, err := st.LatestID("BTC-USD")
	if err != nil {
		t.Fatalf("LatestID: %v", err)
	}
	if latest != 20 {
		t.Fatalf("LatestID = %d, want 20 (highest checkpoint, not most recently created)", latest)
	}
}

func TestLatestIDWithNoSnapshotsIsZero(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots"))
	id, err := st.LatestID("BTC-USD")
	if err != nil {
		t.Fatalf("LatestID: %v", err)
	}
	if id != 0 {
		t.Fatalf("LatestID for an unknown symbol = %d, want 0", id)
	}
	if _, _, ok, err := st.LoadLatest("BTC-USD"); err != nil || ok {
		t.Fatalf("LoadLatest for unknown symbol = ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestCleanupOldKeepsOnlyMostRecent(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots"))

	for _, seq := range []uint64{1, 2, 3, 4, 5} {
		if _, err := st.Create(sampleSnapshot("BTC-USD"), seq, seq); err != nil {
			t.Fatalf("Create(%d): %v", seq, err)
		}
	}

	if err := st.CleanupOld("BTC-USD", 2); err != nil {
		t.Fatalf("CleanupOld: %v", err)
	}

	ids, err := st.listIDs("BTC-USD")
	if err != nil {
		t.Fatalf("listIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d remaining snapshots, want 2", len(ids))
	}
	if ids[0] != 4 || ids[1] != 5 {
		t.Fatalf("remaining ids = %v, want [4 5]", ids)
	}
}

func TestSymbolsEnumeratesDirectories(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots"))
	if _, err := st.Create(sampleSnapshot("BTC-USD"), 1, 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.Create(sampleSnapshot("ETH-USD"), 1, 1); err != nil {
		t.Fatalf("Create: %v", err)
	}

	symbols, err := st.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	found := map[string]bool{}
	for _, s := range symbols {
		found[s] = true
	}
	if !found["BTC-USD"] || !found["ETH-USD"] {
		t.Fatalf("Symbols() = %v, want both BTC-USD and ETH-USD", symbols)
	}
}
