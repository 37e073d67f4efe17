// Package snapshot implements the per-symbol snapshot store: creating
// a length-prefixed binary dump of an order book's full state, loading
// the latest one back, and pruning old ones by a retention count.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quantmesh/lobcore/internal/book"
	"github.com/quantmesh/lobcore/internal/bookerr"
)

// Store roots a per-symbol snapshot directory tree under dir/<symbol>/.
type Store struct {
	dir string
}

// NewStore roots the store at dir (the "snapshots/" directory under
// the configured data_directory).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (st *Store) symbolDir(symbol string) string {
	return filepath.Join(st.dir, symbol)
}

// fileName builds "<symbol>-<snapshotId>.snapshot".
func fileName(symbol string, id uint64) string {
	return fmt.Sprintf("%s-%d.snapshot", symbol, id)
}

// Create writes snap to a temp file under the symbol's directory and
// atomically renames it into place. checkpointSeq is the journal
// sequence number this snapshot fully reflects (recovery replays only
// journal entries after it); it also names and orders the file, since
// it only ever increases for a given symbol. nowNano is the wall-clock
// time recorded in the blob for diagnostics.
func (st *Store) Create(snap book.BookSnapshot, checkpointSeq, nowNano uint64) (uint64, error) {
	dir := st.symbolDir(snap.Symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("snapshot: mkdir: %w", err)
	}
	finalPath := filepath.Join(dir, fileName(snap.Symbol, checkpointSeq))
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: open tmp: %v", bookerr.ErrSnapshotIO, err)
	}
	if err := writeSnapshot(f, snap, nowNano); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %v", bookerr.ErrSnapshotIO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: close tmp: %v", bookerr.ErrSnapshotIO, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: rename: %v", bookerr.ErrSnapshotIO, err)
	}
	return checkpointSeq, nil
}

// writeSnapshot serializes symbol, timestamp, then bids[] and asks[],
// each level as price/totalQuantity/order-count followed by per-order
// id/side/type/price/quantity/filledQuantity/status/createdAt. Every variable
// length field is a uint32 byte-length prefix followed by its bytes.
func writeSnapshot(f *os.File, snap book.BookSnapshot, timestamp uint64) error {
	w := &blobWriter{}
	w.putString(snap.Symbol)
	w.putUint64(timestamp)
	w.putLevels(snap.Bids)
	w.putLevels(snap.Asks)
	_, err := f.Write(w.buf)
	return err
}

type blobWriter struct{ buf []byte }

func (w *blobWriter) putUint32(n uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	w.buf = append(w.buf, b[:]...)
}

func (w *blobWriter) putUint64(n uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	w.buf = append(w.buf, b[:]...)
}

func (w *blobWriter) putString(s string) {
	w.putUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *blobWriter) putDecimal(d decimal.Decimal) {
	w.putString(d.String())
}

func (w *blobWriter) putLevels(levels []book.LevelSnapshot) {
	w.putUint32(uint32(len(levels)))
	for _, lvl := range levels {
		w.putDecimal(lvl.Price)
		w.putDecimal(lvl.TotalQuantity)
		w.putUint32(uint32(len(lvl.Orders)))
		for _, o := range lvl.Orders {
			w.putString(o.ID)
			w.buf = append(w.buf, byte(o.Side), byte(o.Type))
			w.putDecimal(o.Price)
			w.putDecimal(o.Quantity)
			w.putDecimal(o.FilledQuantity)
			w.buf = append(w.buf, byte(o.Status))
			w.putUint64(uint64(o.CreatedAt))
		}
	}
}

type blobReader struct {
	buf []byte
	pos int
}

func (r *blobReader) getUint32() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, fmt.Errorf("snapshot: short uint32")
	}
	n := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return n, nil
}

func (r *blobReader) getUint64() (uint64, error) {
	if len(r.buf)-r.pos < 8 {
		return 0, fmt.Errorf("snapshot: short uint64")
	}
	n := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return n, nil
}

func (r *blobReader) getString() (string, error) {
	n, err := r.getUint32()
	if err != nil {
		return "", err
	}
	if len(r.buf)-r.pos < int(n) {
		return "", fmt.Errorf("snapshot: short string body")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *blobReader) getDecimal() (decimal.Decimal, error) {
	s, err := r.getString()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(s)
}

func (r *blobReader) getByte() (byte, error) {
	if len(r.buf)-r.pos < 1 {
		return 0, fmt.Errorf("snapshot: short byte")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *blobReader) getLevels() ([]book.LevelSnapshot, error) {
	count, err := r.getUint32()
	if err != nil {
		return nil, err
	}
	levels := make([]book.LevelSnapshot, 0, count)
	for i := uint32(0); i < count; i++ {
		var lvl book.LevelSnapshot
		if lvl.Price, err = r.getDecimal(); err != nil {
			return nil, err
		}
		if lvl.TotalQuantity, err = r.getDecimal(); err != nil {
			return nil, err
		}
		orderCount, err := r.getUint32()
		if err != nil {
			return nil, err
		}
		lvl.Orders = make([]book.OrderSnapshot, 0, orderCount)
		for j := uint32(0); j < orderCount; j++ {
			var o book.OrderSnapshot
			if o.ID, err = r.getString(); err != nil {
				return nil, err
			}
			side, err := r.getByte()
			if err != nil {
				return nil, err
			}
			typ, err := r.getByte()
			if err != nil {
				return nil, err
			}
			o.Side, o.Type = book.Side(side), book.Type(typ)
			if o.Price, err = r.getDecimal(); err != nil {
				return nil, err
			}
			if o.Quantity, err = r.getDecimal(); err != nil {
				return nil, err
			}
			if o.FilledQuantity, err = r.getDecimal(); err != nil {
				return nil, err
			}
			status, err := r.getByte()
			if err != nil {
				return nil, err
			}
			o.Status = book.Status(status)
			ts, err := r.getUint64()
			if err != nil {
				return nil, err
			}
			o.CreatedAt = int64(ts)
			lvl.Orders = append(lvl.Orders, o)
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

func readSnapshot(path string) (book.BookSnapshot, uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return book.BookSnapshot{}, 0, err
	}
	r := &blobReader{buf: data}
	symbol, err := r.getString()
	if err != nil {
		return book.BookSnapshot{}, 0, err
	}
	timestamp, err := r.getUint64()
	if err != nil {
		return book.BookSnapshot{}, 0, err
	}
	bids, err := r.getLevels()
	if err != nil {
		return book.BookSnapshot{}, 0, err
	}
	asks, err := r.getLevels()
	if err != nil {
		return book.BookSnapshot{}, 0, err
	}
	return book.BookSnapshot{Symbol: symbol, Bids: bids, Asks: asks}, timestamp, nil
}

// listIDs returns the snapshot ids present for symbol, ascending.
func (st *Store) listIDs(symbol string) ([]uint64, error) {
	entries, err := os.ReadDir(st.symbolDir(symbol))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	prefix := symbol + "-"
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".snapshot") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".snapshot")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue // ignore malformed names rather than fail enumeration
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// LatestID returns the highest snapshot id for symbol, or 0 if none
// exist.
func (st *Store) LatestID(symbol string) (uint64, error) {
	ids, err := st.listIDs(symbol)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[len(ids)-1], nil
}

// LoadLatest reads the highest-numbered snapshot for symbol. A corrupt
// snapshot is treated as absent: this walks ids from newest to oldest
// until one parses cleanly, so the caller falls back to an older
// snapshot or a clean start instead of failing recovery outright.
func (st *Store) LoadLatest(symbol string) (book.BookSnapshot, uint64, bool, error) {
	ids, err := st.listIDs(symbol)
	if err != nil {
		return book.BookSnapshot{}, 0, false, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		path := filepath.Join(st.symbolDir(symbol), fileName(symbol, id))
		snap, _, err := readSnapshot(path)
		if err != nil {
			continue
		}
		return snap, id, true, nil
	}
	return book.BookSnapshot{}, 0, false, nil
}

// CleanupOld deletes all but the K most recent snapshot files for
// symbol.
func (st *Store) CleanupOld(symbol string, keep int) error {
	ids, err := st.listIDs(symbol)
	if err != nil {
		return err
	}
	if len(ids) <= keep {
		return nil
	}
	for _, id := range ids[:len(ids)-keep] {
		path := filepath.Join(st.symbolDir(symbol), fileName(symbol, id))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove %s: %v", bookerr.ErrSnapshotIO, path, err)
		}
	}
	return nil
}

// Symbols enumerates the per-symbol subdirectories of the store. A
// directory counts even if it holds no snapshot file.
func (st *Store) Symbols() ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	return symbols, nil
}
