package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"livetail/internal/record"
	"livetail/internal/view"
)

// recordLine is the --json output of one record.
type recordLine struct {
	StreamID string          `json:"stream_id"`
	ID       string          `json:"id"`
	Time     time.Time       `json:"ts"`
	Sequence int64           `json:"seq,omitempty"`
	Level    string          `json:"level"`
	Message  string          `json:"message"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// linePrinter writes tailed records, one per line. Subscribers of different
// streams call it concurrently.
type linePrinter struct {
	mu         sync.Mutex
	out        io.Writer
	matcher    *view.Matcher
	jsonOutput bool
	colorize   bool
	showStream bool
}

var levelColors = map[string]text.Colors{
	"error": {text.FgRed, text.Bold},
	"warn":  {text.FgYellow},
	"debug": {text.FgHiBlack},
}

func (p *linePrinter) print(streamID string, projector view.Projector, records []record.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range records {
		row := projector.Project(r)
		if p.matcher != nil && !p.matcher.Match(row) {
			continue
		}
		var err error
		if p.jsonOutput {
			err = p.writeJSON(streamID, r, row)
		} else {
			_, err = fmt.Fprintln(p.out, p.formatRow(streamID, row))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *linePrinter) writeJSON(streamID string, r record.Record, row view.Row) error {
	data, err := json.Marshal(recordLine{
		StreamID: streamID,
		ID:       r.ID,
		Time:     r.Timestamp,
		Sequence: r.Sequence,
		Level:    row.Level,
		Message:  row.Message,
		Payload:  r.Payload,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(p.out, "%s\n", data)
	return err
}

func (p *linePrinter) formatRow(streamID string, row view.Row) string {
	level := fmt.Sprintf("%-5s", strings.ToUpper(row.Level))
	if p.colorize {
		if colors, ok := levelColors[row.Level]; ok {
			level = colors.Sprint(level)
		}
	}
	var b strings.Builder
	b.WriteString(row.Time.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(level)
	if p.showStream {
		b.WriteString(" [")
		b.WriteString(streamID)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(row.Message)
	return b.String()
}

// note writes a status line, such as a state change, in the text format.
func (p *linePrinter) note(streamID, message string) {
	if p.jsonOutput {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	line := fmt.Sprintf("-- %s: %s", streamID, message)
	if p.colorize {
		line = text.FgCyan.Sprint(line)
	}
	fmt.Fprintln(p.out, line)
}

func levelFilter(filter string, levels []string) view.Filter {
	f := view.Filter{Text: filter}
	for _, value := range levels {
		for _, level := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(level); trimmed != "" {
				f.Levels = append(f.Levels, trimmed)
			}
		}
	}
	return f
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
