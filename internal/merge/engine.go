// Package merge turns feed snapshots plus locally pending sends into one
// deduplicated, time-ordered message sequence. The ordered output is a pure
// function of the current snapshot and pending set; nothing else may mutate
// the displayed sequence.
package merge

import (
	"log/slog"
	"sort"
	"time"

	"whatschat/internal/domain"
	"whatschat/internal/metrics"
)

// DefaultTolerance is the timestamp slack used to reconcile a pending local
// message with its committed remote counterpart. Pending entries carry no
// server id yet, so sender+content+timestamp-within-tolerance is the only
// identity available.
const DefaultTolerance = 2 * time.Second

// Engine owns the pending set and the current remote snapshot. Mutators are
// only ever called from the client event loop (single writer).
type Engine struct {
	tolerance int64 // milliseconds
	logger    *slog.Logger

	snapshot domain.FeedSnapshot
	pending  []domain.Message // submission order
}

func New(tolerance time.Duration, logger *slog.Logger) *Engine {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		tolerance: tolerance.Milliseconds(),
		logger:    logger,
	}
}

// SetSnapshot replaces the remote snapshot. The feed delivers whole-path
// snapshots, so there is nothing to patch.
func (e *Engine) SetSnapshot(snap domain.FeedSnapshot) {
	e.snapshot = snap
}

// AddPending registers a locally initiated send as an optimistic echo.
func (e *Engine) AddPending(msg domain.Message) {
	msg.State = domain.StatePending
	e.pending = append(e.pending, msg)
	metrics.PendingMessages.Set(int64(len(e.pending)))
}

// MarkCommitted records append success for the send with localID. The entry
// stays in the pending set until the dedup rule sees the authoritative copy
// in a snapshot; dropping it on controller success alone would open a
// visible gap between echo removal and snapshot arrival.
func (e *Engine) MarkCommitted(localID, feedID string) {
	for i := range e.pending {
		if e.pending[i].LocalID == localID {
			e.pending[i].State = domain.StateCommitted
			e.pending[i].ID = feedID
			return
		}
	}
}

// MarkFailed flips the send with localID to Failed, content intact.
func (e *Engine) MarkFailed(localID string) {
	for i := range e.pending {
		if e.pending[i].LocalID == localID {
			e.pending[i].State = domain.StateFailed
			return
		}
	}
}

// Reactivate re-enters Pending for a failed send, with a fresh timestamp.
// It reports whether localID named a failed entry.
func (e *Engine) Reactivate(localID string, timestamp int64) bool {
	for i := range e.pending {
		if e.pending[i].LocalID == localID && e.pending[i].State == domain.StateFailed {
			e.pending[i].State = domain.StatePending
			e.pending[i].Timestamp = timestamp
			return true
		}
	}
	return false
}

// Remove discards the send with localID.
func (e *Engine) Remove(localID string) {
	for i := range e.pending {
		if e.pending[i].LocalID == localID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			metrics.PendingMessages.Set(int64(len(e.pending)))
			return
		}
	}
}

// Clear drops the entire pending set. A logged-out session owns no pending
// sends.
func (e *Engine) Clear() {
	e.pending = nil
	metrics.PendingMessages.Set(0)
}

// PendingByID returns the tracked send with localID.
func (e *Engine) PendingByID(localID string) (domain.Message, bool) {
	for _, m := range e.pending {
		if m.LocalID == localID {
			return m, true
		}
	}
	return domain.Message{}, false
}

// Output recomputes the ordered sequence from the current snapshot and
// pending set, pruning echoes that are now visible remotely. Calling it
// twice without input changes yields identical results.
func (e *Engine) Output() []domain.Message {
	committed := collect(e.snapshot, e.logger)
	e.pending = prune(committed, e.pending, e.tolerance)
	metrics.PendingMessages.Set(int64(len(e.pending)))

	out := make([]domain.Message, 0, len(committed)+len(e.pending))
	out = append(out, committed...)
	out = append(out, e.pending...)
	// Stable: equal timestamps keep arrival order. The feed does not
	// guarantee monotonically unique timestamps under rapid sends.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// collect validates the snapshot into committed messages. Malformed records
// are logged and skipped, never fatal, and a nil snapshot is simply an
// empty channel. Feed ids are push ids and sort in append order, which
// fixes the arrival order for equal timestamps.
func collect(snap domain.FeedSnapshot, logger *slog.Logger) []domain.Message {
	if len(snap) == 0 {
		return nil
	}
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		rec := snap[id]
		if !rec.Valid() {
			anomaly := &domain.IntegrityAnomaly{Path: id, Detail: "missing sender, content, or timestamp"}
			logger.Warn("skipping malformed feed record", "id", id, "err", anomaly)
			metrics.SnapshotAnomalies.Inc()
			continue
		}
		out = append(out, domain.Message{
			ID:        id,
			SenderID:  rec.SenderID,
			Content:   rec.Content,
			Timestamp: rec.Timestamp,
			State:     domain.StateCommitted,
		})
	}
	return out
}

// prune drops local entries whose authoritative copy has arrived: same
// sender, same content, timestamp within tolerance. One remote record
// consumes at most one local entry, so two identical rapid sends survive as
// two entries until both are visible remotely. Failed entries are pruned
// too: a committed copy proves the append landed after all.
func prune(committed []domain.Message, pending []domain.Message, tolerance int64) []domain.Message {
	if len(pending) == 0 || len(committed) == 0 {
		return pending
	}
	used := make(map[string]bool, len(committed))
	// Entries that already know their feed id match on it directly.
	for _, p := range pending {
		if p.ID == "" {
			continue
		}
		for _, c := range committed {
			if c.ID == p.ID {
				used[c.ID] = true
				break
			}
		}
	}
	kept := pending[:0:0]
	for _, p := range pending {
		matched := false
		for _, c := range committed {
			if used[c.ID] && c.ID != p.ID {
				continue
			}
			if c.ID == p.ID && p.ID != "" {
				matched = true
				break
			}
			if c.SenderID == p.SenderID && c.Content == p.Content && abs(c.Timestamp-p.Timestamp) <= tolerance {
				used[c.ID] = true
				matched = true
				break
			}
		}
		if !matched {
			kept = append(kept, p)
		}
	}
	return kept
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
