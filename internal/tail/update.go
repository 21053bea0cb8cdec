package tail

import (
	"time"

	"livetail/internal/buffer"
	"livetail/internal/record"
)

// Update is one notification published to subscribers.
type Update struct {
	StreamID string
	Delta    buffer.Delta
	State    State
	// Err is the most recent fetch failure, cleared by the next success.
	Err error
	// Draining is set while the backend reports more data than the last page
	// carried; the UI shows it as a gap.
	Draining bool
	// Resync tells the subscriber that updates were dropped and the snapshot
	// must be re-read. Delta carries only the version the resync reflects.
	Resync bool
}

// Status summarizes a controller for diagnostics.
type Status struct {
	StreamID     string          `json:"stream_id"`
	State        State           `json:"state"`
	LastError    string          `json:"last_error,omitempty"`
	Failures     int             `json:"failures"`
	Draining     bool            `json:"draining"`
	Records      int             `json:"records"`
	MaxSize      int             `json:"max_size"`
	Version      uint64          `json:"version"`
	Fetches      int64           `json:"fetches"`
	LastFetch    time.Time       `json:"last_fetch,omitzero"`
	LastSuccess  time.Time       `json:"last_success,omitzero"`
	Cursor       record.Position `json:"cursor"`
	Subscribers  int             `json:"subscribers"`
	PollInterval time.Duration   `json:"poll_interval"`
}
