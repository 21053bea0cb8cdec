package cursor

import (
	"fmt"
	"strings"
	"sync"

	"livetail/internal/clock"
	"livetail/internal/record"
)

// Start selects where a stream begins, and where Reset returns it.
type Start int

const (
	// StartBeginning leaves the position absent so the backend decides
	// (usually the oldest or most recent page, per product).
	StartBeginning Start = iota
	// StartNow pins the position to the current time, skipping history.
	StartNow
)

func (s Start) String() string {
	switch s {
	case StartNow:
		return "now"
	default:
		return "beginning"
	}
}

// ParseStart converts a configuration value into a Start.
func ParseStart(value string) (Start, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "beginning":
		return StartBeginning, nil
	case "now":
		return StartNow, nil
	default:
		return StartBeginning, fmt.Errorf("unknown start %q (want \"beginning\" or \"now\")", value)
	}
}

// Store tracks the last-seen position per stream. Implementations never fail;
// persistence problems are their own concern.
type Store interface {
	// Open creates the cursor at the stream's start unless one already exists.
	Open(streamID string, start Start)
	Get(streamID string) (record.Cursor, bool)
	Set(streamID string, pos record.Position)
	// Reset returns the cursor to the stream's start.
	Reset(streamID string)
	// Release drops the cursor when its stream closes.
	Release(streamID string)
}

type entry struct {
	start    Start
	position record.Position
}

// MemoryStore keeps cursors in process memory only.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]entry
}

// NewMemoryStore constructs an empty in-memory store. A nil clock uses the
// real clock.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{clock: c, entries: make(map[string]entry)}
}

func (s *MemoryStore) Open(streamID string, start Start) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[streamID]; ok {
		return
	}
	s.entries[streamID] = entry{start: start, position: s.startPosition(start)}
}

func (s *MemoryStore) Get(streamID string) (record.Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[streamID]
	if !ok {
		return record.Cursor{}, false
	}
	return record.Cursor{StreamID: streamID, Position: e.position}, true
}

func (s *MemoryStore) Set(streamID string, pos record.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[streamID]
	e.position = pos
	s.entries[streamID] = e
}

func (s *MemoryStore) Reset(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[streamID]
	e.position = s.startPosition(e.start)
	s.entries[streamID] = e
}

func (s *MemoryStore) Release(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, streamID)
}

// Len returns the number of open cursors.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// seed installs a position without overwriting the start mode. Used by the
// persistent store when resuming from disk.
func (s *MemoryStore) seed(streamID string, start Start, pos record.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[streamID] = entry{start: start, position: pos}
}

func (s *MemoryStore) startPosition(start Start) record.Position {
	if start == StartNow {
		return record.Position{Timestamp: s.clock.Now().UTC()}
	}
	return record.Position{}
}
