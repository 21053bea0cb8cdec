package main

import (
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"livetail/internal/view"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// renderRows lays out projected records as a time, level, message table.
func renderRows(rows []view.Row, colorize bool) string {
	cells := make([][]string, 0, len(rows))
	for _, row := range rows {
		level := strings.ToUpper(row.Level)
		if colorize {
			if colors, ok := levelColors[row.Level]; ok {
				level = colors.Sprint(level)
			}
		}
		cells = append(cells, []string{
			row.Time.UTC().Format(time.RFC3339),
			level,
			row.ID,
			row.Message,
		})
	}
	return renderTable([]string{"Time", "Level", "ID", "Message"}, cells, nil)
}
