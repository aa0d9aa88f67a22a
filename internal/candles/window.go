// Package candles provides the bounded, time-ordered candle window that
// reconciles live websocket updates with backfilled REST history into one
// consistent, deduplicated series.
//
// Thread safety:
//   - Merge and BackfillPrepend serialize through a mutex, so the ordering
//     and capacity invariants hold under any interleaving of the live and
//     backfill loops.
//   - Snapshot copies under a read lock: readers observe either a pre- or
//     post-mutation state, never a partial one.
package candles

import (
	"sync"

	"candlefeed/internal/model"

	"github.com/rs/zerolog/log"
)

// MergeResult describes what a Merge call did with the incoming record.
type MergeResult int

const (
	// MergeFirst means the window was empty and the record became its first
	// entry. The caller uses this as the backfill trigger.
	MergeFirst MergeResult = iota

	// MergeAppended means a new period started and the record was appended,
	// evicting the oldest record if the window was at capacity.
	MergeAppended

	// MergeReplaced means the record updated the in-progress newest period.
	MergeReplaced

	// MergeStale means the record was older than the newest period and was
	// discarded.
	MergeStale
)

// Window is a fixed-capacity deque of candle records ordered by strictly
// ascending timestamp. It is grown left (older entries) by the backfill loop
// and grown or rewritten right (newest entry) by the live stream, and lives
// for the lifetime of its feed.
type Window struct {
	mu       sync.RWMutex
	records  []model.CandleRecord
	capacity int
}

// NewWindow creates an empty window retaining at most capacity records.
// Capacity values below one are clamped to one.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		records:  make([]model.CandleRecord, 0, capacity),
		capacity: capacity,
	}
}

// Merge applies one live record to the right edge of the window, comparing
// its timestamp t against the newest known timestamp tLast:
//
//	empty window -> append, report MergeFirst
//	t >  tLast   -> append (evict oldest at capacity)
//	t == tLast   -> replace the newest record in place
//	t <  tLast   -> discard as stale (logged, never an error)
func (w *Window) Merge(record model.CandleRecord) MergeResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.records) == 0 {
		w.records = append(w.records, record)
		return MergeFirst
	}

	last := w.records[len(w.records)-1].Timestamp
	switch {
	case record.Timestamp > last:
		w.records = append(w.records, record)
		if len(w.records) > w.capacity {
			w.records = w.records[1:]
		}
		return MergeAppended

	case record.Timestamp == last:
		w.records[len(w.records)-1] = record
		return MergeReplaced

	default:
		log.Debug().
			Int64("timestamp", record.Timestamp).
			Int64("newest", last).
			Msg("discarding stale candle update")
		return MergeStale
	}
}

// BackfillPrepend inserts a batch of older records at the left end of the
// window and returns how many were inserted.
//
// Only records strictly older than the current oldest timestamp are taken:
// venue history pages overlap at the boundary, so the edge record adjacent to
// already-known data is excluded here rather than trusted from the caller.
// Records must arrive in ascending order. The newest of the eligible records
// win when the batch is larger than the remaining capacity.
func (w *Window) BackfillPrepend(records []model.CandleRecord) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	room := w.capacity - len(w.records)
	if room <= 0 || len(records) == 0 {
		return 0
	}

	var oldest int64
	if len(w.records) > 0 {
		oldest = w.records[0].Timestamp
	}

	eligible := make([]model.CandleRecord, 0, len(records))
	var prev int64
	for _, record := range records {
		if record.Timestamp <= prev {
			// Out-of-order or duplicate within the batch; skip.
			continue
		}
		prev = record.Timestamp
		if len(w.records) > 0 && record.Timestamp >= oldest {
			continue
		}
		eligible = append(eligible, record)
	}

	if len(eligible) > room {
		eligible = eligible[len(eligible)-room:]
	}
	if len(eligible) == 0 {
		return 0
	}

	merged := make([]model.CandleRecord, 0, w.capacity)
	merged = append(merged, eligible...)
	merged = append(merged, w.records...)
	w.records = merged
	return len(eligible)
}

// Snapshot returns a copy of the window contents in ascending timestamp
// order. The copy is detached: callers may retain or mutate it freely.
func (w *Window) Snapshot() []model.CandleRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]model.CandleRecord, len(w.records))
	copy(out, w.records)
	return out
}

// Ready reports whether the window has been filled to capacity.
func (w *Window) Ready() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.records) == w.capacity
}

// Len returns the current number of records.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.records)
}

// Capacity returns the fixed maximum number of records retained.
func (w *Window) Capacity() int {
	return w.capacity
}

// OldestTimestamp returns the timestamp of the oldest record, and false if
// the window is empty.
func (w *Window) OldestTimestamp() (int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.records) == 0 {
		return 0, false
	}
	return w.records[0].Timestamp, true
}
