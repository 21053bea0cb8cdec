package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"livetail/internal/clock"
	"livetail/internal/config"
	"livetail/internal/cursor"
	"livetail/internal/fetch"
	"livetail/internal/logging"
	"livetail/internal/metrics"
	"livetail/internal/tail"
)

// app is the wired tailing stack shared by the tail, snapshot and serve
// commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	pool     *fetch.Pool
	manager  *tail.Manager
	sqlite   *cursor.SQLiteStore
}

type appOptions struct {
	// Client overrides the shared HTTP client.
	Client *http.Client
	// ProcessMetrics adds the Go and process collectors to the registry.
	ProcessMetrics bool
}

func newApp(cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	listers, err := fetch.NewRegistryFromConfig(cfg, opts.Client)
	if err != nil {
		return nil, fmt.Errorf("build stream listers: %w", err)
	}
	pageFetcher := fetch.NewPageFetcher(listers, fetch.Options{
		MaxPageSize:     cfg.API.MaxPageSize,
		DefaultPageSize: cfg.Tail.PageSize,
	})
	pool := fetch.NewPool(pageFetcher, cfg.API.PoolSize)

	registry := prometheus.NewRegistry()
	if opts.ProcessMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	collector, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if err := collector.RegisterPool(pool); err != nil {
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}

	rt := &app{cfg: cfg, logger: logger, registry: registry, pool: pool}

	var store cursor.Store = cursor.NewMemoryStore(clock.Real())
	if cfg.Cursors.Persist {
		sqlite, err := cursor.OpenSQLite(cfg.CursorDBPath(), clock.Real(), logger)
		if err != nil {
			return nil, fmt.Errorf("open cursor store: %w", err)
		}
		rt.sqlite = sqlite
		store = sqlite
	}

	rt.manager = tail.NewManager(tail.ManagerOptions{
		Fetcher:     pool,
		Cursors:     store,
		Logger:      logger,
		Observer:    collector,
		MaxPageSize: pageFetcher.MaxPageSize(),
	})
	return rt, nil
}

// open starts tailing every stream in streams with its merged settings.
func (rt *app) open(streams []config.Stream) ([]*tail.Handle, error) {
	handles := make([]*tail.Handle, 0, len(streams))
	for _, stream := range streams {
		cfg, err := tail.ConfigFromSettings(rt.cfg.StreamSettings(stream))
		if err != nil {
			return handles, fmt.Errorf("stream %s: %w", stream.ID, err)
		}
		h, err := rt.manager.Open(stream.ID, cfg)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (rt *app) Close() error {
	err := rt.manager.Close()
	if rt.sqlite != nil {
		err = errors.Join(err, rt.sqlite.Close())
	}
	return err
}

func selectStreams(cfg *config.Config, patterns []string) ([]config.Stream, error) {
	streams := cfg.StreamsMatching(patterns...)
	if len(streams) == 0 {
		if len(cfg.Streams) == 0 {
			return nil, errors.New("no streams configured; add [[streams]] entries to the config file")
		}
		return nil, fmt.Errorf("no configured stream matches %v", patterns)
	}
	return streams, nil
}
