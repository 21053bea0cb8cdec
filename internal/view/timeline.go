package view

import (
	"slices"
	"sync"

	"livetail/internal/record"
	"livetail/internal/tail"
)

// SnapshotFunc returns a stream's records with the buffer version they
// reflect. tail.Handle.View has this shape.
type SnapshotFunc func() ([]record.Record, uint64)

// Timeline is an incrementally maintained row model for one stream. It is
// safe for concurrent use.
type Timeline struct {
	mu        sync.Mutex
	projector Projector
	matcher   *Matcher
	rows      []Row
	version   uint64
	state     tail.State
	draining  bool
	err       error
}

// NewTimeline returns an empty timeline.
func NewTimeline(p Projector, f Filter) *Timeline {
	return &Timeline{projector: p, matcher: f.Compile()}
}

// SetFilter replaces the active filter.
func (t *Timeline) SetFilter(f Filter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.matcher = f.Compile()
}

// Sync rebuilds the rows from snapshot. Updates at or below the snapshot's
// version are ignored afterwards.
func (t *Timeline) Sync(snapshot SnapshotFunc) {
	if snapshot == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked(snapshot)
}

func (t *Timeline) syncLocked(snapshot SnapshotFunc) {
	records, version := snapshot()
	rows := make([]Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, t.projector.Project(r))
	}
	t.rows = rows
	t.version = version
}

// Apply folds one update into the model. A resync re-reads snapshot; deltas
// the model already reflects are skipped.
func (t *Timeline) Apply(u tail.Update, snapshot SnapshotFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = u.State
	t.draining = u.Draining
	t.err = u.Err

	if u.Resync {
		if snapshot != nil {
			t.syncLocked(snapshot)
		}
		return
	}
	if u.Delta.Version <= t.version {
		return
	}
	t.version = u.Delta.Version
	if u.Delta.Cleared {
		t.rows = nil
	}
	for _, r := range u.Delta.Evicted {
		if i, ok := t.search(r.Key()); ok {
			t.rows = slices.Delete(t.rows, i, i+1)
		}
	}
	for _, r := range u.Delta.Added {
		i, found := t.search(r.Key())
		if found {
			continue
		}
		t.rows = slices.Insert(t.rows, i, t.projector.Project(r))
	}
}

func (t *Timeline) search(key record.Key) (int, bool) {
	return slices.BinarySearchFunc(t.rows, key, func(row Row, k record.Key) int {
		return record.CompareKeys(row.Key, k)
	})
}

// Rows returns the rows passing the filter in key order.
func (t *Timeline) Rows() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Row, 0, len(t.rows))
	for _, row := range t.rows {
		if t.matcher.Match(row) {
			out = append(out, row)
		}
	}
	return out
}

// Count returns the number of rows held, ignoring the filter.
func (t *Timeline) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Version returns the buffer version the model reflects.
func (t *Timeline) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// State returns the stream state, gap indicator and last error carried by the
// most recent update.
func (t *Timeline) State() (tail.State, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.draining, t.err
}
