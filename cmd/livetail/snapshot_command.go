package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"livetail/internal/fetch"
	"livetail/internal/tail"
	"livetail/internal/view"
)

func newSnapshotCommand(ctx *commandContext) *cobra.Command {
	var filter string
	var levels []string
	var jsonOutput bool
	var limit int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "snapshot <stream>",
		Short: "Drain a stream once and print its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stream, ok := cfg.Stream(strings.TrimSpace(args[0]))
			if !ok {
				return fmt.Errorf("stream %q is not configured", args[0])
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if timeout > 0 {
				var stop context.CancelFunc
				runCtx, stop = context.WithTimeout(runCtx, timeout)
				defer stop()
			}

			a, err := newApp(cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			settings := cfg.StreamSettings(stream)
			if limit > settings.MaxBufferSize {
				settings.MaxBufferSize = limit
			}
			tcfg, err := tail.ConfigFromSettings(settings)
			if err != nil {
				return err
			}
			h, err := a.manager.Open(stream.ID, tcfg)
			if err != nil {
				return err
			}
			if err := waitDrained(runCtx, h); err != nil {
				return err
			}
			_ = h.Pause()

			projector := view.NewProjector(stream)
			matcher := levelFilter(filter, levels).Compile()
			records := h.Snapshot()
			var rows []view.Row
			for _, r := range records {
				row := projector.Project(r)
				if matcher.Match(row) {
					rows = append(rows, row)
				}
			}
			if limit > 0 && len(rows) > limit {
				rows = rows[len(rows)-limit:]
			}

			if jsonOutput {
				return writeJSON(cmd, snapshotOutput{
					StreamID: stream.ID,
					Total:    len(records),
					Rows:     rows,
				})
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No records")
				return nil
			}
			fmt.Fprintln(out, renderRows(rows, shouldColorize(out)))
			fmt.Fprintf(out, "%d of %d records\n", len(rows), len(records))
			return nil
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", "", "Only show records whose message contains this text (case-insensitive)")
	cmd.Flags().StringSliceVarP(&levels, "level", "l", nil, "Only show records at these levels (comma-separated)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the snapshot as JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most this many of the newest records")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up if the stream has not drained within this long")
	return cmd
}

type snapshotOutput struct {
	StreamID string     `json:"stream_id"`
	Total    int        `json:"total"`
	Rows     []view.Row `json:"rows"`
}

var errStreamStopped = errors.New("stream stopped before it drained")

// waitDrained blocks until the stream has applied a fetch and caught up with
// the backend.
func waitDrained(ctx context.Context, h *tail.Handle) error {
	wake := make(chan struct{}, 1)
	unsubscribe := h.Subscribe(func(tail.Update) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := h.Status()
		switch {
		case st.State == tail.StateFailed:
			if err := h.Err(); err != nil {
				if fetch.IsAuth(err) {
					return fmt.Errorf("%s: authentication rejected: %w", h.StreamID(), err)
				}
				return fmt.Errorf("%s: %w", h.StreamID(), err)
			}
			return errStreamStopped
		case st.State == tail.StateClosed:
			return errStreamStopped
		case !st.LastSuccess.IsZero() && !st.Draining:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}
