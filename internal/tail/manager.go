package tail

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"livetail/internal/clock"
	"livetail/internal/cursor"
	"livetail/internal/fetch"
	"livetail/internal/logging"
	"livetail/internal/record"
)

// ManagerOptions configures the collaborators shared by every stream.
type ManagerOptions struct {
	Fetcher fetch.Fetcher
	Cursors cursor.Store
	Clock   clock.Clock
	Logger  *slog.Logger
	// Observer may be nil.
	Observer Observer
	// MaxPageSize bounds Config.PageSize. Zero uses fetch.DefaultMaxPageSize.
	MaxPageSize     int
	SubscriberQueue int
}

// Manager owns the open streams of a process.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// NewManager constructs a manager with no open streams.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Cursors == nil {
		opts.Cursors = cursor.NewMemoryStore(opts.Clock)
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = fetch.DefaultMaxPageSize
	}
	return &Manager{
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "manager"),
		handles: make(map[string]*Handle),
	}
}

// Open validates cfg, opens the stream's cursor and buffer and starts
// polling. An invalid configuration returns a *ConfigError and nothing is
// started.
func (m *Manager) Open(streamID string, cfg Config) (*Handle, error) {
	if err := cfg.Validate(m.opts.MaxPageSize); err != nil {
		return nil, err
	}
	if m.opts.Fetcher == nil {
		return nil, &ConfigError{Field: "fetcher", Reason: "is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.handles[streamID]; ok {
		return nil, fmt.Errorf("open %s: %w", streamID, ErrStreamOpen)
	}

	ctrl, err := NewController(Options{
		StreamID:        streamID,
		Config:          cfg,
		Fetcher:         m.opts.Fetcher,
		Cursors:         m.opts.Cursors,
		Clock:           m.opts.Clock,
		Logger:          m.opts.Logger,
		Observer:        m.opts.Observer,
		SubscriberQueue: m.opts.SubscriberQueue,
	})
	if err != nil {
		return nil, err
	}
	h := &Handle{ctrl: ctrl, manager: m}
	m.handles[streamID] = h
	if err := ctrl.Start(); err != nil {
		delete(m.handles, streamID)
		_ = ctrl.Close()
		return nil, fmt.Errorf("start %s: %w", streamID, err)
	}
	m.logger.Info("stream opened",
		logging.String(logging.FieldStreamID, streamID),
		logging.Int("page_size", cfg.PageSize),
		logging.Duration("poll_interval", cfg.PollInterval),
		logging.Int("max_buffer_size", cfg.MaxBufferSize),
		logging.String("start", cfg.Start.String()),
	)
	return h, nil
}

// Get returns the handle of an open stream.
func (m *Manager) Get(streamID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[streamID]
	return h, ok
}

// List returns the open handles ordered by stream ID.
func (m *Manager) List() []*Handle {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].StreamID() < handles[j].StreamID()
	})
	return handles
}

// Statuses reports every open stream.
func (m *Manager) Statuses() []Status {
	handles := m.List()
	out := make([]Status, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Status())
	}
	return out
}

// Close closes every open stream and refuses further opens.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, h := range handles {
		g.Go(h.Close)
	}
	return g.Wait()
}

func (m *Manager) remove(streamID string, h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handles[streamID] == h {
		delete(m.handles, streamID)
	}
}

// Handle is the caller's view of one open stream.
type Handle struct {
	ctrl    *Controller
	manager *Manager
	once    sync.Once
}

func (h *Handle) StreamID() string { return h.ctrl.StreamID() }

func (h *Handle) Config() Config { return h.ctrl.Config() }

// Subscribe registers fn for subsequent updates and returns its unsubscribe.
func (h *Handle) Subscribe(fn func(Update)) func() { return h.ctrl.Subscribe(fn) }

func (h *Handle) Snapshot() []record.Record { return h.ctrl.Snapshot() }

// View returns a snapshot and the buffer version it reflects.
func (h *Handle) View() ([]record.Record, uint64) { return h.ctrl.View() }

func (h *Handle) Start() error { return h.ctrl.Start() }

func (h *Handle) Pause() error { return h.ctrl.Pause() }

func (h *Handle) Resume() error { return h.ctrl.Resume() }

func (h *Handle) Refresh() error { return h.ctrl.Refresh() }

func (h *Handle) Reset() error { return h.ctrl.Reset() }

func (h *Handle) Clear() error { return h.ctrl.Clear() }

func (h *Handle) State() State { return h.ctrl.State() }

func (h *Handle) Err() error { return h.ctrl.Err() }

func (h *Handle) Status() Status { return h.ctrl.Status() }

// Done is closed once the stream has shut down.
func (h *Handle) Done() <-chan struct{} { return h.ctrl.Done() }

// Close stops the stream and removes it from its manager.
func (h *Handle) Close() error {
	err := h.ctrl.Close()
	h.once.Do(func() {
		if h.manager != nil {
			h.manager.remove(h.StreamID(), h)
		}
	})
	return err
}
