package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/quantmesh/lobcore/internal/bookerr"
)

// Path returns the on-disk path for symbol's journal file under the
// journals/ directory: "<journalsDir>/<symbol>.journal".
func Path(journalsDir, symbol string) string {
	return filepath.Join(journalsDir, symbol+".journal")
}

// ListSymbols enumerates symbols with an existing journal file under
// journalsDir.
func ListSymbols(journalsDir string) ([]string, error) {
	entries, err := os.ReadDir(journalsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var symbols []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".journal"); ok {
			symbols = append(symbols, name)
		}
	}
	return symbols, nil
}

// Config bounds a Journal's on-disk footprint, sourced from
// pkg/config.BookConfig.
type Config struct {
	InitialSize  int64
	SizeIncrement int64
	MaxSize      int64
}

// Journal is an append-only, memory-mapped operation log for one
// symbol. Appends, reads (ReadEntriesAfter), flushes and compaction are
// all serialized by mu, since a growing append unmaps and remaps the
// region; reads scan the mapping only up to the write watermark, so
// they never observe a torn write.
type Journal struct {
	path string
	cfg  Config

	mu       sync.Mutex
	file     *os.File
	mapped   []byte
	writePos int64 // bytes currently used; authoritative watermark for readers

	latestSeq uint64 // atomic
	healthy   int32  // atomic, 1 = healthy

	entryPool sync.Pool
}

// Open maps path into memory, creating it (at cfg.InitialSize) if
// absent, and scans any existing content to recover the write
// watermark and latest sequence number.
func Open(path string, cfg Config) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}
	j := &Journal{path: path, cfg: cfg, healthy: 1}
	j.entryPool.New = func() any { return make([]byte, 0, 256) }
	if err := j.mapFile(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) mapFile() error {
	existed := true
	st, err := os.Stat(j.path)
	if os.IsNotExist(err) {
		existed = false
	} else if err != nil {
		return fmt.Errorf("journal: stat: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}

	size := j.cfg.InitialSize
	if existed && st.Size() > 0 {
		size = st.Size()
	} else if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("journal: truncate: %w", err)
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("journal: mmap: %w", err)
	}

	j.file = f
	j.mapped = mapped

	if existed {
		j.scanExisting()
	} else {
		atomic.StoreInt64(&j.writePos, 0)
		atomic.StoreUint64(&j.latestSeq, 0)
	}
	return nil
}

// scanExisting walks the mapping from the start, stopping at the first
// header that is incomplete or whose declared entrySize would run past
// the mapped region — the torn-write tolerance required on recovery.
func (j *Journal) scanExisting() {
	var pos int64
	var maxSeq uint64
	n := int64(len(j.mapped))
	for pos+headerSize <= n {
		seq, _, _, entrySize := decodeHeader(j.mapped[pos : pos+headerSize])
		if int64(entrySize) > j.cfg.MaxSize {
			break
		}
		end := pos + headerSize + int64(entrySize)
		if end > n {
			break
		}
		if seq == 0 {
			break // unwritten tail
		}
		pos = end
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	atomic.StoreInt64(&j.writePos, pos)
	atomic.StoreUint64(&j.latestSeq, maxSeq)
}

// Healthy reports whether the journal is still accepting writes
// without divergence from the in-memory book. Journaling is
// best-effort: a write failure latches this false, LatestSequence
// stops advancing, and the maintenance layer surfaces the flag.
func (j *Journal) Healthy() bool {
	return atomic.LoadInt32(&j.healthy) == 1
}

func (j *Journal) markUnhealthy() {
	atomic.StoreInt32(&j.healthy, 0)
}

// LatestSequence returns the highest sequence number appended. An append
// is only durable once a later Flush or Close has msynced it.
func (j *Journal) LatestSequence() uint64 {
	return atomic.LoadUint64(&j.latestSeq)
}

// EnsureSequenceAtLeast raises the sequence counter to floor if the
// scan recovered a lower value. A journal reopened after a compaction
// that dropped every entry scans to zero; recovery pins the counter to
// the snapshot checkpoint so new appends stay strictly above it.
func (j *Journal) EnsureSequenceAtLeast(floor uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if atomic.LoadUint64(&j.latestSeq) < floor {
		atomic.StoreUint64(&j.latestSeq, floor)
	}
}

func (j *Journal) append(op OpTag, timestamp int64, payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.Healthy() {
		return bookerr.ErrJournalIO
	}

	entryLen := int64(headerSize + len(payload))
	if err := j.ensureCapacityLocked(entryLen); err != nil {
		j.markUnhealthy()
		return err
	}

	seq := j.latestSeq + 1
	buf := j.entryPool.Get().([]byte)
	if cap(buf) < int(entryLen) {
		buf = make([]byte, entryLen)
	} else {
		buf = buf[:entryLen]
	}
	encodeInto(buf, seq, timestamp, op, payload)
	defer j.entryPool.Put(buf[:0])

	pos := atomic.LoadInt64(&j.writePos)
	copy(j.mapped[pos:], buf)

	atomic.StoreInt64(&j.writePos, pos+entryLen)
	atomic.StoreUint64(&j.latestSeq, seq)
	return nil
}

// ensureCapacityLocked grows the mapping by cfg.SizeIncrement (rounded
// up) if the next append would not fit, failing if that would exceed
// cfg.MaxSize. Callers must hold j.mu; no other journal operation is
// permitted while the remap is in flight.
func (j *Journal) ensureCapacityLocked(additional int64) error {
	required := atomic.LoadInt64(&j.writePos) + additional
	if required <= int64(len(j.mapped)) {
		return nil
	}
	if required > j.cfg.MaxSize {
		return bookerr.ErrCapacity
	}
	increments := (required / j.cfg.SizeIncrement) + 1
	newSize := increments * j.cfg.SizeIncrement
	if newSize > j.cfg.MaxSize {
		newSize = j.cfg.MaxSize
	}

	if err := unix.Munmap(j.mapped); err != nil {
		return fmt.Errorf("journal: munmap: %w", err)
	}
	if err := j.file.Truncate(newSize); err != nil {
		return fmt.Errorf("journal: truncate: %w", err)
	}
	mapped, err := unix.Mmap(int(j.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("journal: remap: %w", err)
	}
	j.mapped = mapped
	return nil
}

// Flush msyncs the written region to disk. Callers control cadence;
// not every append needs to force a flush.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	pos := atomic.LoadInt64(&j.writePos)
	if pos == 0 {
		return nil
	}
	if err := unix.Msync(j.mapped[:pos], unix.MS_SYNC); err != nil {
		j.markUnhealthy()
		return fmt.Errorf("journal: msync: %w", err)
	}
	return nil
}

// ReadEntriesAfter scans from the start of the journal and returns
// every entry with Sequence > seq, in order. It stops at the first
// header that is incomplete or whose declared size exceeds the current
// write watermark, tolerating a torn trailing write. The scan holds the
// append mutex: a concurrent append that grows the file unmaps the
// region being read, so reads and writes must not interleave with a
// remap in flight.
func (j *Journal) ReadEntriesAfter(seq uint64) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readEntriesAfterLocked(seq)
}

// ReadAll is ReadEntriesAfter(0).
func (j *Journal) ReadAll() []Entry { return j.ReadEntriesAfter(0) }

// Compact rewrites the journal to a temporary file containing only
// entries with sequence > checkpoint, then atomically renames it over
// the original. The original mapping stays valid and untouched until
// the rename succeeds, so a failure at any step leaves the existing
// journal intact.
func (j *Journal) Compact(checkpoint uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	survivors := j.readEntriesAfterLocked(checkpoint)

	tmpPath := j.path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open tmp: %w", err)
	}
	defer os.Remove(tmpPath) // no-op once renamed

	size := j.cfg.InitialSize
	if err := tmpFile.Truncate(size); err != nil {
		tmpFile.Close()
		return fmt.Errorf("journal: truncate tmp: %w", err)
	}
	tmpMapped, err := unix.Mmap(int(tmpFile.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("journal: mmap tmp: %w", err)
	}

	var pos int64
	for _, e := range survivors {
		buf := encode(e.Sequence, e.Timestamp, e.Op, e.Payload)
		if pos+int64(len(buf)) > int64(len(tmpMapped)) {
			newSize := ((pos + int64(len(buf))) / j.cfg.SizeIncrement + 1) * j.cfg.SizeIncrement
			if err := unix.Munmap(tmpMapped); err != nil {
				tmpFile.Close()
				return fmt.Errorf("journal: munmap tmp: %w", err)
			}
			if err := tmpFile.Truncate(newSize); err != nil {
				tmpFile.Close()
				return fmt.Errorf("journal: grow tmp: %w", err)
			}
			tmpMapped, err = unix.Mmap(int(tmpFile.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				tmpFile.Close()
				return fmt.Errorf("journal: remap tmp: %w", err)
			}
		}
		copy(tmpMapped[pos:], buf)
		pos += int64(len(buf))
	}

	if pos > 0 {
		if err := unix.Msync(tmpMapped[:pos], unix.MS_SYNC); err != nil {
			unix.Munmap(tmpMapped)
			tmpFile.Close()
			return fmt.Errorf("journal: msync tmp: %w", err)
		}
	}
	if err := unix.Munmap(tmpMapped); err != nil {
		tmpFile.Close()
		return fmt.Errorf("journal: munmap tmp: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("journal: close tmp: %w", err)
	}

	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("journal: rename: %w", err)
	}

	// Sequences must keep counting from where they were even when
	// compaction dropped every entry; a restart below the snapshot
	// checkpoint would make recovery skip all future appends.
	prevSeq := atomic.LoadUint64(&j.latestSeq)

	if err := unix.Munmap(j.mapped); err != nil {
		return fmt.Errorf("journal: munmap old: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("journal: close old: %w", err)
	}
	if err := j.mapFile(); err != nil {
		return fmt.Errorf("journal: remap after compact: %w", err)
	}
	atomic.StoreInt64(&j.writePos, pos)
	atomic.StoreUint64(&j.latestSeq, prevSeq)
	return nil
}

func (j *Journal) readEntriesAfterLocked(seq uint64) []Entry {
	var entries []Entry
	pos := atomic.LoadInt64(&j.writePos)
	var p int64
	for p+headerSize <= pos {
		s, ts, op, entrySize := decodeHeader(j.mapped[p : p+headerSize])
		end := p + headerSize + int64(entrySize)
		if end > pos {
			break
		}
		if s > seq {
			payload := make([]byte, entrySize)
			copy(payload, j.mapped[p+headerSize:end])
			entries = append(entries, Entry{Sequence: s, Timestamp: ts, Op: op, Payload: payload})
		}
		p = end
	}
	return entries
}

// Close flushes, unmaps and closes the underlying file. Safe to call
// during graceful shutdown after writers have drained.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if pos := atomic.LoadInt64(&j.writePos); pos > 0 {
		if err := unix.Msync(j.mapped[:pos], unix.MS_SYNC); err != nil {
			return err
		}
	}
	if err := unix.Munmap(j.mapped); err != nil {
		return err
	}
	return j.file.Close()
}
