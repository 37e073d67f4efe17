// Package maintenance runs the periodic background upkeep a live order
// book needs: journal compaction once it has grown past its last
// snapshot by more than a configured threshold, and pruning old
// snapshot generations. It follows the same ticker-driven job shape as
// the account package's interest accrual job.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quantmesh/lobcore/internal/journal"
	"github.com/quantmesh/lobcore/internal/snapshot"
	"github.com/quantmesh/lobcore/pkg/metrics"
)

// SnapshotFunc writes a fresh snapshot of a symbol's book at the
// current moment and returns the sequence number it was checkpointed
// at. Callers bind it to a closure over the live OrderBook and the
// shared *snapshot.Store.
type SnapshotFunc func(nowNano uint64) (checkpoint uint64, err error)

type registeredSymbol struct {
	journal  *journal.Journal
	snapshot SnapshotFunc
}

// Scheduler periodically checks every registered symbol and compacts
// its journal and prunes old snapshots when the configured thresholds
// are crossed.
type Scheduler struct {
	store               *snapshot.Store
	logger              *slog.Logger
	metrics             *metrics.Metrics
	period              time.Duration
	compactionThreshold int64
	retentionCount      int

	mu      sync.Mutex
	symbols map[string]*registeredSymbol
}

// NewScheduler builds a Scheduler that persists snapshots through
// store and polls every period. m may be nil, in which case recording
// is a no-op.
func NewScheduler(store *snapshot.Store, logger *slog.Logger, m *metrics.Metrics, period time.Duration, compactionThreshold int64, retentionCount int) *Scheduler {
	return &Scheduler{
		store:               store,
		logger:              logger,
		metrics:             m,
		period:              period,
		compactionThreshold: compactionThreshold,
		retentionCount:      retentionCount,
		symbols:             make(map[string]*registeredSymbol),
	}
}

// Register adds (or replaces) the symbol's journal and snapshot
// function consulted on each maintenance pass.
func (s *Scheduler) Register(symbol string, j *journal.Journal, snap SnapshotFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[symbol] = &registeredSymbol{journal: j, snapshot: snap}
}

// Unregister removes a symbol from future maintenance passes, e.g. when
// a book is being torn down.
func (s *Scheduler) Unregister(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.symbols, symbol)
}

// Start runs maintenance passes on the configured period until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.logger.Info("maintenance scheduler started", "period", s.period, "compaction_threshold", s.compactionThreshold, "retention", s.retentionCount)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	s.mu.Lock()
	symbols := make(map[string]*registeredSymbol, len(s.symbols))
	for k, v := range s.symbols {
		symbols[k] = v
	}
	s.mu.Unlock()

	for symbol, rs := range symbols {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.maintainSymbol(symbol, rs)
	}
}

func (s *Scheduler) maintainSymbol(symbol string, rs *registeredSymbol) {
	if s.metrics != nil {
		s.metrics.SetJournalHealthy(rs.journal.Healthy())
	}
	if !rs.journal.Healthy() {
		// The in-memory book has diverged from the log; a snapshot taken
		// now would be checkpointed at a stale sequence. Surface the flag
		// and leave the journal alone.
		s.logger.Warn("maintenance: journal unhealthy, skipping compaction", "symbol", symbol)
		return
	}

	if err := rs.journal.Flush(); err != nil {
		s.logger.Error("maintenance: journal flush failed", "symbol", symbol, "error", err)
		return
	}

	latestSnapshotSeq, err := s.store.LatestID(symbol)
	if err != nil {
		s.logger.Error("maintenance: read latest snapshot id failed", "symbol", symbol, "error", err)
		return
	}
	latestJournalSeq := rs.journal.LatestSequence()

	if int64(latestJournalSeq-latestSnapshotSeq) > s.compactionThreshold {
		checkpoint, err := rs.snapshot(uint64(time.Now().UnixNano()))
		if err != nil {
			s.logger.Error("maintenance: snapshot before compaction failed", "symbol", symbol, "error", err)
			return
		}
		if s.metrics != nil {
			s.metrics.RecordSnapshot()
		}
		if err := rs.journal.Compact(checkpoint); err != nil {
			s.logger.Error("maintenance: journal compaction failed", "symbol", symbol, "checkpoint", checkpoint, "error", err)
		} else {
			s.logger.Info("maintenance: journal compacted", "symbol", symbol, "checkpoint", checkpoint)
			if s.metrics != nil {
				s.metrics.RecordCompaction()
			}
		}
	}

	if err := s.store.CleanupOld(symbol, s.retentionCount); err != nil {
		s.logger.Error("maintenance: snapshot cleanup failed", "symbol", symbol, "error", err)
	}
}
