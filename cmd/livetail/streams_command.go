package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"livetail/internal/config"
)

type streamRow struct {
	ID           string `json:"id"`
	Shape        string `json:"shape"`
	Path         string `json:"path"`
	PageSize     int    `json:"page_size"`
	PollInterval string `json:"poll_interval"`
	BufferSize   int    `json:"max_buffer_size"`
	Start        string `json:"start"`
}

func newStreamsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "streams [stream-glob...]",
		Short: "List configured streams and their effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			rows := streamRows(cfg, cfg.StreamsMatching(args...))
			if jsonOutput {
				return writeJSON(cmd, rows)
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No streams configured")
				return nil
			}
			cells := make([][]string, 0, len(rows))
			for _, r := range rows {
				cells = append(cells, []string{
					r.ID, r.Shape, r.Path,
					strconv.Itoa(r.PageSize), r.PollInterval, strconv.Itoa(r.BufferSize), r.Start,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Stream", "Shape", "Path", "Page", "Poll", "Buffer", "Start"},
				cells,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print streams as JSON")
	return cmd
}

func streamRows(cfg *config.Config, streams []config.Stream) []streamRow {
	rows := make([]streamRow, 0, len(streams))
	for _, s := range streams {
		settings := cfg.StreamSettings(s)
		rows = append(rows, streamRow{
			ID:           s.ID,
			Shape:        s.Shape,
			Path:         s.Path,
			PageSize:     settings.PageSize,
			PollInterval: settings.PollInterval().Round(time.Millisecond).String(),
			BufferSize:   settings.MaxBufferSize,
			Start:        settings.Start,
		})
	}
	return rows
}
