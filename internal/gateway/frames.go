package gateway

import (
	"encoding/json"

	"livetail/internal/record"
	"livetail/internal/tail"
	"livetail/internal/view"
)

// Frame types sent to WebSocket clients.
const (
	FrameSnapshot = "snapshot"
	FrameDelta    = "delta"
	FrameResync   = "resync"
	FrameError    = "error"
)

// Row is a display row with its raw payload.
type Row struct {
	view.Row
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is one server-to-client message. Snapshot and resync frames carry
// the full row set in Rows; delta frames carry Added rows and Evicted IDs.
type Frame struct {
	Type     string     `json:"type"`
	StreamID string     `json:"stream_id"`
	Version  uint64     `json:"version"`
	State    tail.State `json:"state"`
	Draining bool       `json:"draining"`
	Error    string     `json:"error,omitempty"`
	Rows     []Row      `json:"rows,omitempty"`
	Added    []Row      `json:"added,omitempty"`
	Evicted  []string   `json:"evicted,omitempty"`
	Cleared  bool       `json:"cleared,omitempty"`
}

// Command is one client-to-server message.
type Command struct {
	Action string `json:"action"`
}

// SnapshotResponse is the body of GET /api/streams/{id}/snapshot.
type SnapshotResponse struct {
	StreamID string     `json:"stream_id"`
	Version  uint64     `json:"version"`
	State    tail.State `json:"state"`
	Total    int        `json:"total"`
	Rows     []Row      `json:"rows"`
}

// StreamsResponse is the body of GET /api/streams.
type StreamsResponse struct {
	Streams []tail.Status `json:"streams"`
}

func toRows(p view.Projector, records []record.Record, m *view.Matcher) []Row {
	rows := make([]Row, 0, len(records))
	for _, r := range records {
		row := p.Project(r)
		if m != nil && !m.Match(row) {
			continue
		}
		rows = append(rows, Row{Row: row, Payload: r.Payload})
	}
	return rows
}

func snapshotFrame(kind string, h *tail.Handle, p view.Projector) Frame {
	records, version := h.View()
	st := h.Status()
	return Frame{
		Type:     kind,
		StreamID: h.StreamID(),
		Version:  version,
		State:    st.State,
		Draining: st.Draining,
		Error:    st.LastError,
		Rows:     toRows(p, records, nil),
	}
}

func deltaFrame(u tail.Update, p view.Projector) Frame {
	f := Frame{
		Type:     FrameDelta,
		StreamID: u.StreamID,
		Version:  u.Delta.Version,
		State:    u.State,
		Draining: u.Draining,
		Cleared:  u.Delta.Cleared,
		Added:    toRows(p, u.Delta.Added, nil),
	}
	if u.Err != nil {
		f.Error = u.Err.Error()
	}
	if !u.Delta.Cleared {
		for _, r := range u.Delta.Evicted {
			f.Evicted = append(f.Evicted, r.ID)
		}
	}
	return f
}

// carriesRecords reports whether a delta frame changes the row set.
func (f Frame) carriesRecords() bool {
	return len(f.Added) > 0 || len(f.Evicted) > 0 || f.Cleared
}
