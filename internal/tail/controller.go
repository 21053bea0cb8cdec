package tail

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"livetail/internal/buffer"
	"livetail/internal/clock"
	"livetail/internal/cursor"
	"livetail/internal/fetch"
	"livetail/internal/logging"
	"livetail/internal/record"
)

// Options wires a Controller to its collaborators.
type Options struct {
	StreamID string
	Config   Config
	Fetcher  fetch.Fetcher
	// Cursors defaults to an in-memory store.
	Cursors cursor.Store
	Clock   clock.Clock
	Logger  *slog.Logger
	// Observer may be nil.
	Observer Observer
	// SubscriberQueue bounds each subscriber's pending updates.
	SubscriberQueue int
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdRefresh
	cmdReset
	cmdClear
)

type command struct {
	kind  commandKind
	reply chan error
}

type fetchResult struct {
	gen     uint64
	batch   record.Batch
	err     error
	started time.Time
}

// Controller polls one stream. All state transitions happen on its loop
// goroutine; exported methods send commands and wait for them to apply.
type Controller struct {
	streamID string
	cfg      Config
	fetcher  fetch.Fetcher
	cursors  cursor.Store
	buf      *buffer.Buffer
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer
	subs     *subscriberSet

	ctx       context.Context
	cancel    context.CancelFunc
	cmds      chan command
	results   chan fetchResult
	done      chan struct{}
	closeOnce sync.Once

	// Loop-owned.
	gen         uint64
	inFlight    bool
	fetchCancel context.CancelFunc
	refetch     bool
	timer       *clock.Timer
	timerC      <-chan time.Time
	evicting    bool
	// clearedTo is the newest key dropped by Clear; records at or before it
	// stay hidden.
	clearedTo record.Key
	cleared   bool

	// Written by the loop under mu, read by anyone.
	mu          sync.RWMutex
	state       State
	lastErr     error
	failures    int
	draining    bool
	fetches     int64
	lastFetch   time.Time
	lastSuccess time.Time
}

// NewController validates the configuration, opens the stream's cursor and
// starts the loop in StateIdle. Call Start to begin polling.
func NewController(opts Options) (*Controller, error) {
	if opts.StreamID == "" {
		return nil, &ConfigError{Field: "stream_id", Reason: "is required"}
	}
	if opts.Fetcher == nil {
		return nil, &ConfigError{Field: "fetcher", Reason: "is required"}
	}
	if err := opts.Config.Validate(0); err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	cursors := opts.Cursors
	if cursors == nil {
		cursors = cursor.NewMemoryStore(clk)
	}
	var observer Observer = nopObserver{}
	if opts.Observer != nil {
		observer = opts.Observer
	}
	logger := logging.WithStream(logging.NewComponentLogger(opts.Logger, "tail"), opts.StreamID)

	cursors.Open(opts.StreamID, opts.Config.Start)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		streamID: opts.StreamID,
		cfg:      opts.Config,
		fetcher:  opts.Fetcher,
		cursors:  cursors,
		buf:      buffer.New(buffer.Options{MaxSize: opts.Config.MaxBufferSize, DedupWindow: opts.Config.DedupWindow}),
		clock:    clk,
		logger:   logger,
		observer: observer,
		subs:     newSubscriberSet(opts.SubscriberQueue),
		ctx:      ctx,
		cancel:   cancel,
		cmds:     make(chan command),
		results:  make(chan fetchResult),
		done:     make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// StreamID returns the stream this controller polls.
func (c *Controller) StreamID() string { return c.streamID }

// Config returns the controller's configuration.
func (c *Controller) Config() Config { return c.cfg }

// Start begins polling from Idle or Failed, fetching immediately. From Paused
// it behaves like Resume.
func (c *Controller) Start() error { return c.send(cmdStart) }

// Pause stops scheduling fetches. A fetch already in flight completes and is
// applied.
func (c *Controller) Pause() error { return c.send(cmdPause) }

// Resume continues a paused stream from its stored cursor.
func (c *Controller) Resume() error { return c.send(cmdResume) }

// Refresh polls now instead of waiting for the interval. It does nothing
// unless the stream is polling with no fetch in flight.
func (c *Controller) Refresh() error { return c.send(cmdRefresh) }

// Reset clears the buffer, rewinds the cursor to the stream start and fetches
// immediately. An in-flight fetch is abandoned.
func (c *Controller) Reset() error { return c.send(cmdReset) }

// Clear empties the buffer and keeps polling from the stored cursor, so only
// records fetched afterwards are shown.
func (c *Controller) Clear() error { return c.send(cmdClear) }

// Close stops the loop, cancels any in-flight fetch, releases the cursor and
// buffer and stops subscribers. It is safe to call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(c.cancel)
	<-c.done
	return nil
}

// Done is closed once the controller has shut down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the most recent fetch failure, or nil after a success.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Snapshot returns the retained records in key order.
func (c *Controller) Snapshot() []record.Record {
	return c.buf.Snapshot()
}

// View returns the retained records and the buffer version they reflect.
func (c *Controller) View() ([]record.Record, uint64) {
	return c.buf.View()
}

// Subscribe registers fn for every subsequent Update. Updates are delivered
// on a dedicated goroutine in publication order. The returned function
// unsubscribes; it is safe to call more than once.
func (c *Controller) Subscribe(fn func(Update)) func() {
	return c.subs.add(fn)
}

// Status reports diagnostics.
func (c *Controller) Status() Status {
	cur, _ := c.cursors.Get(c.streamID)
	records, version := c.buf.View()

	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		StreamID:     c.streamID,
		State:        c.state,
		Failures:     c.failures,
		Draining:     c.draining,
		Records:      len(records),
		MaxSize:      c.buf.MaxSize(),
		Version:      version,
		Fetches:      c.fetches,
		LastFetch:    c.lastFetch,
		LastSuccess:  c.lastSuccess,
		Cursor:       cur.Position,
		Subscribers:  c.subs.len(),
		PollInterval: c.cfg.PollInterval,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Controller) send(kind commandKind) error {
	reply := make(chan error, 1)
	select {
	case c.cmds <- command{kind: kind, reply: reply}:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case cmd := <-c.cmds:
			cmd.reply <- c.handle(cmd.kind)
		case res := <-c.results:
			c.handleResult(res)
		case <-c.timerC:
			c.timer, c.timerC = nil, nil
			if c.state == StatePolling {
				c.fetchNow()
			}
		}
	}
}

func (c *Controller) handle(kind commandKind) error {
	switch kind {
	case cmdStart:
		switch c.state {
		case StatePolling:
			return nil
		case StatePaused:
			return c.handle(cmdResume)
		}
		c.clearFailures()
		c.transition(StatePolling)
		c.fetchNow()
	case cmdPause:
		if c.state != StatePolling {
			return nil
		}
		c.stopTimer()
		c.refetch = false
		c.transition(StatePaused)
	case cmdResume:
		if c.state != StatePaused {
			return nil
		}
		c.clearFailures()
		c.transition(StatePolling)
		c.fetchNow()
	case cmdRefresh:
		if c.state != StatePolling || c.inFlight {
			return nil
		}
		c.fetchNow()
	case cmdReset:
		c.abandonFetch()
		c.stopTimer()
		delta := c.buf.Clear()
		c.cursors.Reset(c.streamID)
		c.evicting = false
		c.cleared = false
		c.mu.Lock()
		c.draining = false
		c.failures = 0
		c.lastErr = nil
		c.mu.Unlock()
		c.observer.BufferChanged(c.streamID, delta, 0)
		c.logger.Info("stream reset", logging.Int("cleared", len(delta.Evicted)))
		if c.state != StatePaused && c.state != StatePolling {
			c.transition(StatePolling)
		}
		c.publish(delta)
		c.fetchNow()
	case cmdClear:
		delta := c.buf.Clear()
		c.evicting = false
		if n := len(delta.Evicted); n > 0 {
			c.clearedTo, c.cleared = delta.Evicted[n-1].Key(), true
		}
		c.observer.BufferChanged(c.streamID, delta, 0)
		c.logger.Info("stream cleared", logging.Int("cleared", len(delta.Evicted)))
		c.publish(delta)
	}
	return nil
}

// fetchNow launches a fetch from the stored cursor. When one is already in
// flight the request is remembered and honoured once it completes.
func (c *Controller) fetchNow() {
	c.stopTimer()
	if c.inFlight {
		c.refetch = true
		return
	}
	cur, _ := c.cursors.Get(c.streamID)
	ctx, cancel := context.WithCancel(c.ctx)
	c.inFlight = true
	c.fetchCancel = cancel
	gen := c.gen
	started := c.clock.Now()

	c.mu.Lock()
	c.fetches++
	c.lastFetch = started
	c.mu.Unlock()

	go func() {
		defer cancel()
		batch, err := c.fetcher.Fetch(ctx, c.streamID, cur.Position, c.cfg.PageSize)
		select {
		case c.results <- fetchResult{gen: gen, batch: batch, err: err, started: started}:
		case <-c.ctx.Done():
		}
	}()
}

// abandonFetch cancels the in-flight fetch and discards its eventual result.
func (c *Controller) abandonFetch() {
	c.gen++
	if c.fetchCancel != nil {
		c.fetchCancel()
	}
	c.inFlight = false
	c.fetchCancel = nil
	c.refetch = false
}

func (c *Controller) handleResult(res fetchResult) {
	if res.gen != c.gen {
		return
	}
	c.inFlight = false
	c.fetchCancel = nil
	refetch := c.refetch
	c.refetch = false

	c.observer.FetchCompleted(c.streamID, c.clock.Now().Sub(res.started), res.err)
	if res.err != nil {
		c.handleFailure(res.err)
		return
	}
	c.handleBatch(res.batch, refetch)
}

func (c *Controller) handleBatch(batch record.Batch, refetch bool) {
	delta := c.buf.Ingest(c.afterClear(batch))
	moved := false
	if !batch.Next.IsZero() {
		if cur, ok := c.cursors.Get(c.streamID); !ok || !samePosition(cur.Position, batch.Next) {
			c.cursors.Set(c.streamID, batch.Next)
			moved = true
		}
	}
	c.noteCapacity(delta)
	c.observer.BufferChanged(c.streamID, delta, c.buf.Len())

	// An incomplete page that neither returned records nor moved the cursor
	// would otherwise spin.
	draining := !batch.Complete && (len(batch.Records) > 0 || moved)

	c.mu.Lock()
	hadErr := c.lastErr != nil
	wasDraining := c.draining
	c.failures = 0
	c.lastErr = nil
	c.draining = draining
	c.lastSuccess = c.clock.Now()
	c.mu.Unlock()

	if hadErr {
		c.logger.Info("stream recovered")
	}
	if !delta.Empty() || draining != wasDraining || hadErr {
		c.publish(delta)
	}
	c.logger.Debug("fetch applied",
		logging.Int("records", len(batch.Records)),
		logging.Int("added", len(delta.Added)),
		logging.Int("duplicates", delta.Duplicates),
		logging.Bool("complete", batch.Complete),
	)

	if c.state != StatePolling {
		return
	}
	if draining || refetch {
		c.fetchNow()
		return
	}
	c.arm(c.cfg.PollInterval)
}

// afterClear drops records a Clear already hid. The batch's cursor is kept.
func (c *Controller) afterClear(batch record.Batch) record.Batch {
	if !c.cleared {
		return batch
	}
	kept := make([]record.Record, 0, len(batch.Records))
	for _, r := range batch.Records {
		if record.CompareKeys(r.Key(), c.clearedTo) > 0 {
			kept = append(kept, r)
		}
	}
	batch.Records = kept
	return batch
}

func (c *Controller) handleFailure(err error) {
	c.mu.Lock()
	c.failures++
	attempt := c.failures
	c.lastErr = err
	c.mu.Unlock()

	if fetch.IsAuth(err) {
		c.fail(err, "authentication rejected; restart the stream after re-authenticating")
		return
	}
	if attempt >= c.cfg.Backoff.MaxRetries {
		c.fail(err, "retry budget exhausted")
		return
	}

	delay := c.cfg.Backoff.Delay(attempt)
	logging.WarnWithContext(c.logger, "fetch failed; retrying", "fetch_retry",
		logging.Error(err),
		logging.String("kind", fetch.KindName(err)),
		logging.Int(logging.FieldAttempt, attempt),
		logging.Duration("retry_in", delay),
		logging.String(logging.FieldImpact, "new records are delayed until the retry succeeds"),
	)
	c.publish(buffer.Delta{Version: c.buf.Version()})
	if c.state == StatePolling {
		c.arm(delay)
	}
}

func (c *Controller) fail(err error, reason string) {
	c.stopTimer()
	c.logger.Error("stream failed",
		logging.Error(err),
		logging.String("kind", fetch.KindName(err)),
		logging.String("reason", reason),
		logging.Int(logging.FieldAttempt, c.failures),
	)
	c.transition(StateFailed)
}

func (c *Controller) noteCapacity(delta buffer.Delta) {
	if !delta.CapacityExceeded() {
		c.evicting = false
		return
	}
	attrs := []logging.Attr{
		logging.Int("evicted", len(delta.Evicted)),
		logging.Int("stale", delta.Stale),
		logging.Int("max_size", c.buf.MaxSize()),
	}
	if c.evicting {
		c.logger.Debug("buffer evicted records", logging.Args(attrs...)...)
		return
	}
	c.evicting = true
	attrs = append(attrs,
		logging.Error(buffer.ErrCapacityExceeded),
		logging.String(logging.FieldImpact, "oldest records dropped from the timeline"),
	)
	logging.WarnWithContext(c.logger, "buffer capacity exceeded", "buffer_capacity_exceeded", attrs...)
}

// transition changes state and publishes it. It reports whether the state
// changed.
func (c *Controller) transition(to State) bool {
	from := c.state
	if from == to {
		return false
	}
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()
	c.observer.StateChanged(c.streamID, from, to)
	c.logger.Info("stream state changed",
		logging.String("from", from.String()),
		logging.String(logging.FieldState, to.String()),
	)
	c.publish(buffer.Delta{Version: c.buf.Version()})
	return true
}

func (c *Controller) publish(delta buffer.Delta) {
	c.mu.RLock()
	u := Update{
		StreamID: c.streamID,
		Delta:    delta,
		State:    c.state,
		Err:      c.lastErr,
		Draining: c.draining,
	}
	c.mu.RUnlock()
	c.subs.publish(u)
}

func (c *Controller) clearFailures() {
	c.mu.Lock()
	c.failures = 0
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Controller) arm(d time.Duration) {
	c.stopTimer()
	c.timer = c.clock.NewTimer(d)
	c.timerC = c.timer.C
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer, c.timerC = nil, nil
}

func (c *Controller) shutdown() {
	c.stopTimer()
	if c.fetchCancel != nil {
		c.fetchCancel()
	}
	c.inFlight = false
	c.cursors.Release(c.streamID)
	delta := c.buf.Clear()
	c.observer.BufferChanged(c.streamID, delta, 0)

	from := c.state
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.observer.StateChanged(c.streamID, from, StateClosed)
	c.logger.Info("stream closed", logging.String("from", from.String()))
	c.publish(delta)
	c.subs.close()
}

func samePosition(a, b record.Position) bool {
	return a.Token == b.Token && a.Sequence == b.Sequence && a.Timestamp.Equal(b.Timestamp)
}
