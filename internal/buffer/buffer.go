package buffer

import (
	"errors"
	"slices"
	"sort"
	"sync"

	"livetail/internal/record"
)

// DefaultMaxSize matches the console's live tail retention.
const DefaultMaxSize = 500

// ErrCapacityExceeded marks ingests that had to evict records. It is never
// returned to callers; it exists so logs and metrics share one name for the
// condition.
var ErrCapacityExceeded = errors.New("buffer capacity exceeded")

// Options configures a Buffer.
type Options struct {
	// MaxSize bounds the number of retained records.
	MaxSize int
	// DedupWindow is how many of the newest records (by key) are checked for
	// ID collisions. Zero checks the whole buffer.
	DedupWindow int
}

// Delta describes exactly what one mutation changed.
type Delta struct {
	Version uint64
	// Added holds newly retained records in key order.
	Added []record.Record
	// Evicted holds previously retained records that were dropped, in key order.
	Evicted []record.Record
	// Duplicates counts incoming records dropped because their ID was present.
	Duplicates int
	// Stale counts incoming records older than everything retained while full;
	// they were inserted and evicted in the same ingest and are never visible.
	Stale int
	// Cleared is set when the whole buffer was dropped.
	Cleared bool
}

// Empty reports whether the delta changed nothing visible.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Evicted) == 0 && !d.Cleared
}

// CapacityExceeded reports whether the mutation hit the size bound.
func (d Delta) CapacityExceeded() bool {
	return !d.Cleared && (len(d.Evicted) > 0 || d.Stale > 0)
}

// Buffer is an ordered, deduplicated, capacity-bounded timeline. Ingest is the
// only mutating path besides Clear and SetMaxSize; readers take immutable
// snapshots.
type Buffer struct {
	mu      sync.RWMutex
	maxSize int
	window  int
	records []record.Record
	// index maps an ID to the key of its newest retained occurrence.
	index   map[string]record.Key
	version uint64
}

// New constructs an empty buffer.
func New(opts Options) *Buffer {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	window := opts.DedupWindow
	if window < 0 {
		window = 0
	}
	return &Buffer{
		maxSize: maxSize,
		window:  window,
		records: make([]record.Record, 0, min(maxSize, 1024)),
		index:   make(map[string]record.Key),
	}
}

// Ingest merges a batch into the timeline and reports what changed.
func (b *Buffer) Ingest(batch record.Batch) Delta {
	if b == nil {
		return Delta{}
	}
	if len(batch.Records) == 0 {
		return Delta{Version: b.Version()}
	}

	incoming := slices.Clone(batch.Records)
	slices.SortStableFunc(incoming, record.Compare)

	b.mu.Lock()
	defer b.mu.Unlock()

	var delta Delta
	fresh := make([]record.Record, 0, len(incoming))
	seen := make(map[string]struct{}, len(incoming))
	for _, rec := range incoming {
		if _, ok := seen[rec.ID]; ok {
			delta.Duplicates++
			continue
		}
		seen[rec.ID] = struct{}{}
		if b.duplicateLocked(rec.ID) {
			delta.Duplicates++
			continue
		}
		fresh = append(fresh, rec)
	}
	if len(fresh) == 0 {
		delta.Version = b.version
		return delta
	}

	merged, isFresh, dups := mergeSorted(b.records, fresh)
	delta.Duplicates += dups

	overflow := len(merged) - b.maxSize
	if overflow < 0 {
		overflow = 0
	}
	for i := 0; i < overflow; i++ {
		if isFresh[i] {
			delta.Stale++
			continue
		}
		delta.Evicted = append(delta.Evicted, merged[i])
	}
	for i := overflow; i < len(merged); i++ {
		if isFresh[i] {
			delta.Added = append(delta.Added, merged[i])
		}
	}

	for _, rec := range delta.Evicted {
		if key, ok := b.index[rec.ID]; ok && record.CompareKeys(key, rec.Key()) == 0 {
			delete(b.index, rec.ID)
		}
	}
	for _, rec := range delta.Added {
		key := rec.Key()
		if existing, ok := b.index[rec.ID]; !ok || record.CompareKeys(key, existing) > 0 {
			b.index[rec.ID] = key
		}
	}

	b.records = merged[overflow:]
	if !delta.Empty() {
		b.version++
	}
	delta.Version = b.version
	return delta
}

// duplicateLocked reports whether id is present within the dedup window.
func (b *Buffer) duplicateLocked(id string) bool {
	key, ok := b.index[id]
	if !ok {
		return false
	}
	if b.window == 0 || b.window >= len(b.records) {
		return true
	}
	idx := sort.Search(len(b.records), func(i int) bool {
		return record.CompareKeys(b.records[i].Key(), key) >= 0
	})
	return len(b.records)-idx <= b.window
}

// mergeSorted merges two key-ordered slices. Records in fresh whose key is
// identical to a retained record are dropped and counted.
func mergeSorted(existing, fresh []record.Record) ([]record.Record, []bool, int) {
	merged := make([]record.Record, 0, len(existing)+len(fresh))
	isFresh := make([]bool, 0, len(existing)+len(fresh))
	dups := 0

	i, j := 0, 0
	for i < len(existing) && j < len(fresh) {
		switch c := record.Compare(existing[i], fresh[j]); {
		case c < 0:
			merged = append(merged, existing[i])
			isFresh = append(isFresh, false)
			i++
		case c > 0:
			merged = append(merged, fresh[j])
			isFresh = append(isFresh, true)
			j++
		default:
			dups++
			j++
		}
	}
	for ; i < len(existing); i++ {
		merged = append(merged, existing[i])
		isFresh = append(isFresh, false)
	}
	for ; j < len(fresh); j++ {
		merged = append(merged, fresh[j])
		isFresh = append(isFresh, true)
	}
	return merged, isFresh, dups
}

// SetMaxSize changes the eviction bound. Shrinking evicts immediately.
func (b *Buffer) SetMaxSize(maxSize int) Delta {
	if b == nil {
		return Delta{}
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maxSize = maxSize
	var delta Delta
	if overflow := len(b.records) - maxSize; overflow > 0 {
		delta.Evicted = slices.Clone(b.records[:overflow])
		for _, rec := range delta.Evicted {
			if key, ok := b.index[rec.ID]; ok && record.CompareKeys(key, rec.Key()) == 0 {
				delete(b.index, rec.ID)
			}
		}
		b.records = slices.Clone(b.records[overflow:])
		b.version++
	}
	delta.Version = b.version
	return delta
}

// Clear drops every record.
func (b *Buffer) Clear() Delta {
	if b == nil {
		return Delta{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	delta := Delta{Evicted: b.records, Cleared: true}
	b.records = make([]record.Record, 0, min(b.maxSize, 1024))
	b.index = make(map[string]record.Key)
	b.version++
	delta.Version = b.version
	return delta
}

// Snapshot returns a copy of the retained records in key order.
func (b *Buffer) Snapshot() []record.Record {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.records)
}

// View returns a snapshot together with the version it reflects. Deltas with
// a Version at or below it are already contained in the snapshot.
func (b *Buffer) View() ([]record.Record, uint64) {
	if b == nil {
		return nil, 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.records), b.version
}

// Len returns the number of retained records.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// MaxSize returns the current eviction bound.
func (b *Buffer) MaxSize() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxSize
}

// Version increments on every visible change.
func (b *Buffer) Version() uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// Bounds returns the oldest and newest retained keys.
func (b *Buffer) Bounds() (oldest, newest record.Key, ok bool) {
	if b == nil {
		return record.Key{}, record.Key{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.records) == 0 {
		return record.Key{}, record.Key{}, false
	}
	return b.records[0].Key(), b.records[len(b.records)-1].Key(), true
}
