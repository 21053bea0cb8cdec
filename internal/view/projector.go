package view

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"livetail/internal/config"
	"livetail/internal/record"
)

// Level classes used by the console's log view.
const (
	ClassError = "log-error"
	ClassWarn  = "log-warn"
	ClassInfo  = "log-info"
	ClassDebug = "log-debug"
)

// Row is one display line.
type Row struct {
	ID      string     `json:"id"`
	Time    time.Time  `json:"time"`
	Level   string     `json:"level"`
	Class   string     `json:"class"`
	Message string     `json:"message"`
	Key     record.Key `json:"-"`
}

// Projector maps payload fields to rows. Paths use gjson syntax.
type Projector struct {
	MessagePath string
	LevelPath   string
}

// NewProjector reads the field paths of a configured stream.
func NewProjector(stream config.Stream) Projector {
	return Projector{MessagePath: stream.MessagePath, LevelPath: stream.LevelPath}
}

// Project builds the row for r. A missing message falls back to the compact
// payload; a missing level reads as info.
func (p Projector) Project(r record.Record) Row {
	row := Row{ID: r.ID, Time: r.Timestamp, Key: r.Key()}

	if p.MessagePath != "" {
		if v := gjson.GetBytes(r.Payload, p.MessagePath); v.Exists() {
			row.Message = v.String()
		}
	}
	if row.Message == "" && len(r.Payload) > 0 {
		row.Message = compact(r.Payload)
	}

	level := ""
	if p.LevelPath != "" {
		level = gjson.GetBytes(r.Payload, p.LevelPath).String()
	}
	row.Level = strings.ToLower(strings.TrimSpace(level))
	if row.Level == "" {
		row.Level = "info"
	}
	row.Class = ClassFor(row.Level)
	return row
}

// ClassFor returns the CSS class for a level name.
func ClassFor(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		return ClassError
	case "warn", "warning":
		return ClassWarn
	case "debug":
		return ClassDebug
	default:
		return ClassInfo
	}
}

func compact(payload []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return string(payload)
	}
	return buf.String()
}
