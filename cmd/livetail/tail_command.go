package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"livetail/internal/config"
	"livetail/internal/cursor"
	"livetail/internal/record"
	"livetail/internal/tail"
	"livetail/internal/view"
)

func newTailCommand(ctx *commandContext) *cobra.Command {
	var filter string
	var levels []string
	var jsonOutput bool
	var start string

	cmd := &cobra.Command{
		Use:   "tail [stream-glob...]",
		Short: "Follow configured streams until interrupted",
		Long: "Follow every configured stream whose ID matches one of the glob patterns " +
			"('*' and '?'). Without patterns every configured stream is followed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if start != "" {
				if _, err := cursor.ParseStart(start); err != nil {
					return err
				}
				cfg.Tail.Start = start
				for i := range cfg.Streams {
					cfg.Streams[i].Start = ""
				}
			}
			streams, err := selectStreams(cfg, args)
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			printer := &linePrinter{
				out:        out,
				matcher:    levelFilter(filter, levels).Compile(),
				jsonOutput: jsonOutput,
				colorize:   shouldColorize(out),
				showStream: len(streams) > 1,
			}
			handles, err := a.open(streams)
			if err != nil {
				return err
			}
			return follow(runCtx, handles, projectorsFor(streams), printer)
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", "", "Only print records whose message contains this text (case-insensitive)")
	cmd.Flags().StringSliceVarP(&levels, "level", "l", nil, "Only print records at these levels (comma-separated)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print one JSON object per record")
	cmd.Flags().StringVar(&start, "start", "", "Override where new cursors begin: beginning or now")
	return cmd
}

// follower prints one stream. The mutex is held while the initial snapshot
// is printed so deltas already covered by it are recognised and skipped.
type follower struct {
	mu        sync.Mutex
	handle    *tail.Handle
	projector view.Projector
	printer   *linePrinter
	version   uint64
	last      record.Key
	hasLast   bool
	state     tail.State
	failed    chan<- string
}

// follow prints every handle's records until ctx ends or every stream has
// failed or closed.
func follow(ctx context.Context, handles []*tail.Handle, projector func(string) view.Projector, printer *linePrinter) error {
	failed := make(chan string, 2*len(handles))
	var unsubscribes []func()
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	for _, h := range handles {
		f := &follower{
			handle:    h,
			projector: projector(h.StreamID()),
			printer:   printer,
			failed:    failed,
		}
		f.mu.Lock()
		unsubscribes = append(unsubscribes, h.Subscribe(f.apply))
		records, version := h.View()
		f.version = version
		f.state = h.State()
		f.emit(records)
		f.mu.Unlock()
		if f.state == tail.StateFailed || f.state == tail.StateClosed {
			f.stopped()
		}
	}

	stopped := make(map[string]struct{}, len(handles))
	for {
		select {
		case <-ctx.Done():
			return nil
		case streamID := <-failed:
			stopped[streamID] = struct{}{}
			if len(stopped) == len(handles) {
				return errors.New("every followed stream stopped")
			}
		}
	}
}

func (f *follower) apply(u tail.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if u.Resync {
		records, version := f.handle.View()
		f.version = version
		f.emitAfterLast(records)
	} else if u.Delta.Version > f.version {
		f.version = u.Delta.Version
		f.emit(u.Delta.Added)
	}

	if u.State == f.state {
		return
	}
	f.state = u.State
	switch u.State {
	case tail.StateFailed:
		msg := "failed"
		if u.Err != nil {
			msg = "failed: " + u.Err.Error()
		}
		f.printer.note(f.handle.StreamID(), msg)
		f.stopped()
	case tail.StateClosed:
		f.stopped()
	default:
		f.printer.note(f.handle.StreamID(), u.State.String())
	}
}

func (f *follower) stopped() {
	select {
	case f.failed <- f.handle.StreamID():
	default:
	}
}

func (f *follower) emit(records []record.Record) {
	if len(records) == 0 {
		return
	}
	_ = f.printer.print(f.handle.StreamID(), f.projector, records)
	f.track(records)
}

// emitAfterLast prints the records that sort after the newest one printed.
func (f *follower) emitAfterLast(records []record.Record) {
	if !f.hasLast {
		f.emit(records)
		return
	}
	var fresh []record.Record
	for _, r := range records {
		if record.CompareKeys(r.Key(), f.last) > 0 {
			fresh = append(fresh, r)
		}
	}
	f.emit(fresh)
}

func (f *follower) track(records []record.Record) {
	for _, r := range records {
		if !f.hasLast || record.CompareKeys(r.Key(), f.last) > 0 {
			f.last = r.Key()
			f.hasLast = true
		}
	}
}

func projectorsFor(streams []config.Stream) func(string) view.Projector {
	projectors := make(map[string]view.Projector, len(streams))
	for _, s := range streams {
		projectors[s.ID] = view.NewProjector(s)
	}
	return func(streamID string) view.Projector { return projectors[streamID] }
}
