package tail_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"livetail/internal/clock"
	"livetail/internal/cursor"
	"livetail/internal/fetch"
	"livetail/internal/logging"
	"livetail/internal/record"
	"livetail/internal/tail"
	"livetail/internal/testsupport"
)

var epoch = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func testConfig() tail.Config {
	return tail.Config{
		PageSize:      50,
		PollInterval:  5 * time.Second,
		MaxBufferSize: 500,
		Start:         cursor.StartBeginning,
		Backoff:       tail.Backoff{Base: time.Second, Max: 4 * time.Second, MaxRetries: 3},
	}
}

type harness struct {
	clock   *clock.FakeClock
	fetcher *testsupport.ScriptedFetcher
	cursors *cursor.MemoryStore
	ctrl    *tail.Controller
	updates *updateLog
}

func newHarness(t *testing.T, cfg tail.Config, steps ...testsupport.Step) *harness {
	t.Helper()
	fake := clock.Fake(epoch)
	h := &harness{
		clock:   fake,
		fetcher: testsupport.NewScriptedFetcher(steps...),
		cursors: cursor.NewMemoryStore(fake),
		updates: &updateLog{},
	}
	ctrl, err := tail.NewController(tail.Options{
		StreamID: "iam/logs",
		Config:   cfg,
		Fetcher:  h.fetcher,
		Cursors:  h.cursors,
		Clock:    fake,
		Logger:   logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	ctrl.Subscribe(h.updates.add)
	h.ctrl = ctrl
	return h
}

func (h *harness) waitState(t *testing.T, want tail.State) {
	t.Helper()
	testsupport.WaitFor(t, "state "+want.String(), func() bool { return h.ctrl.State() == want })
}

type updateLog struct {
	mu      sync.Mutex
	updates []tail.Update
}

func (l *updateLog) add(u tail.Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func (l *updateLog) all() []tail.Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]tail.Update(nil), l.updates...)
}

func (l *updateLog) added() int {
	total := 0
	for _, u := range l.all() {
		total += len(u.Delta.Added)
	}
	return total
}

func TestFastDrainThenPollInterval(t *testing.T) {
	first := testsupport.Records("evt", 0, 50, epoch)
	second := testsupport.Records("evt", 50, 10, epoch)
	firstNext := record.Position{Token: "page-2"}
	h := newHarness(t, testConfig(),
		testsupport.Step{Batch: record.Batch{Records: first, Next: firstNext, Complete: false}},
		testsupport.Step{Batch: record.Batch{Records: second, Next: record.Position{Token: "page-3"}, Complete: true}},
	)

	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.WaitForTimers(1)

	calls := h.fetcher.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected exactly 2 fetches before the poll timer, got %d", len(calls))
	}
	if calls[1].Position != firstNext {
		t.Fatalf("second fetch position = %+v, want %+v", calls[1].Position, firstNext)
	}
	if calls[0].PageSize != 50 {
		t.Fatalf("page size = %d", calls[0].PageSize)
	}
	if got := len(h.ctrl.Snapshot()); got != 60 {
		t.Fatalf("buffer holds %d records, want 60", got)
	}
	if d, ok := h.clock.NextDeadline(); !ok || d != 5*time.Second {
		t.Fatalf("next poll in %v (pending=%v), want the poll interval", d, ok)
	}
	cur, _ := h.cursors.Get("iam/logs")
	if cur.Position.Token != "page-3" {
		t.Fatalf("cursor = %+v, want page-3", cur.Position)
	}

	testsupport.WaitFor(t, "60 records published", func() bool { return h.updates.added() == 60 })
	var sawDraining bool
	for _, u := range h.updates.all() {
		sawDraining = sawDraining || u.Draining
	}
	if !sawDraining {
		t.Fatal("expected a draining update for the incomplete page")
	}
	last := h.updates.all()
	if last[len(last)-1].Draining {
		t.Fatal("draining should clear once the backend reports completion")
	}

	h.clock.Advance(5*time.Second - time.Millisecond)
	if h.fetcher.CallCount() != 2 {
		t.Fatal("polled before the interval elapsed")
	}
	h.clock.Advance(time.Millisecond)
	h.fetcher.WaitForCalls(t, 3)
}

func TestEmptyIncompleteBatchWaitsForInterval(t *testing.T) {
	h := newHarness(t, testConfig(), testsupport.Step{Batch: record.Batch{Complete: false}})
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.WaitForTimers(1)
	if got := h.fetcher.CallCount(); got != 1 {
		t.Fatalf("expected no fast-drain for an empty page, got %d fetches", got)
	}
	if d, _ := h.clock.NextDeadline(); d != 5*time.Second {
		t.Fatalf("next poll in %v", d)
	}
}

func TestEmptyIncompletePageWithNewTokenDrainsImmediately(t *testing.T) {
	h := newHarness(t, testConfig(),
		testsupport.Step{Batch: record.Batch{Next: record.Position{Token: "p2"}, Complete: false}},
		testsupport.Step{Batch: record.Batch{Records: testsupport.Records("evt", 0, 2, epoch), Next: record.Position{Token: "p3"}, Complete: true}},
	)
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.WaitForTimers(1)

	calls := h.fetcher.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected the advanced token to be fetched without waiting, got %d fetches", len(calls))
	}
	if calls[1].Position != (record.Position{Token: "p2"}) {
		t.Fatalf("second fetch position = %+v", calls[1].Position)
	}
	if got := len(h.ctrl.Snapshot()); got != 2 {
		t.Fatalf("buffer holds %d records, want 2", got)
	}
}

func TestStartNowSkipsHistoryAcrossTokenPages(t *testing.T) {
	past := epoch.Add(-time.Hour)
	pages := map[string]fetch.Listing{
		"":   {Records: testsupport.Records("older", 0, 3, past), NextToken: "p2"},
		"p2": {Records: testsupport.Records("older", 10, 3, past), NextToken: "p3"},
		"p3": {Records: append(testsupport.Records("older", 20, 1, past), testsupport.Records("fresh", 1, 2, epoch)...), NextToken: "p4", Complete: true},
		"p4": {Complete: true, NextToken: "p4"},
	}
	var mu sync.Mutex
	var tokens []string
	lister := fetch.ListerFunc(func(_ context.Context, _ string, token string, _ int) (fetch.Listing, error) {
		mu.Lock()
		defer mu.Unlock()
		tokens = append(tokens, token)
		return pages[token], nil
	})

	fake := clock.Fake(epoch)
	cfg := testConfig()
	cfg.Start = cursor.StartNow
	ctrl, err := tail.NewController(tail.Options{
		StreamID: "iam/logs",
		Config:   cfg,
		Fetcher:  fetch.NewPageFetcher(lister, fetch.Options{}),
		Clock:    fake,
		Logger:   logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })

	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fake.WaitForTimers(1)

	mu.Lock()
	got := strings.Join(tokens, ",")
	mu.Unlock()
	if got != ",p2,p3" {
		t.Fatalf("listed tokens %q, want the three pages back to back", got)
	}
	snap := ctrl.Snapshot()
	if len(snap) != 2 || snap[0].ID != "fresh-001" || snap[1].ID != "fresh-002" {
		t.Fatalf("snapshot = %v, want only records after the start time", snap)
	}
}

func TestBoundaryOverlapKeepsOneCopy(t *testing.T) {
	page := testsupport.Records("evt", 0, 3, epoch)
	boundary := page[2]
	overlap := append([]record.Record{boundary}, testsupport.Records("evt", 3, 2, epoch)...)
	h := newHarness(t, testConfig(),
		testsupport.Step{Batch: record.Batch{Records: page, Next: record.PositionOf(boundary), Complete: false}},
		testsupport.Step{Batch: record.Batch{Records: overlap, Next: record.PositionOf(overlap[2]), Complete: true}},
	)
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.WaitForTimers(1)

	snap := h.ctrl.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("expected 5 records, got %d", len(snap))
	}
	copies := 0
	for _, r := range snap {
		if r.ID == boundary.ID {
			copies++
		}
	}
	if copies != 1 {
		t.Fatalf("boundary record appears %d times", copies)
	}
}

func TestTransientFailuresBackOffThenFail(t *testing.T) {
	netErr := fetch.Wrap("iam/logs", errors.New("connection reset"))
	h := newHarness(t, testConfig(),
		testsupport.Step{Err: netErr},
		testsupport.Step{Err: netErr},
		testsupport.Step{Err: netErr},
	)
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i, want := range []time.Duration{time.Second, 2 * time.Second} {
		h.clock.WaitForTimers(1)
		if d, _ := h.clock.NextDeadline(); d != want {
			t.Fatalf("retry %d scheduled in %v, want %v", i+1, d, want)
		}
		if h.ctrl.State() != tail.StatePolling {
			t.Fatalf("state after %d failures = %v", i+1, h.ctrl.State())
		}
		h.clock.Advance(want)
	}

	h.waitState(t, tail.StateFailed)
	if !errors.Is(h.ctrl.Err(), fetch.ErrNetwork) {
		t.Fatalf("Err = %v, want network error", h.ctrl.Err())
	}
	if n := h.clock.PendingCount(); n != 0 {
		t.Fatalf("failed stream still has %d timers", n)
	}
	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if got := h.fetcher.CallCount(); got != 3 {
		t.Fatalf("fetches after failing = %d, want 3", got)
	}
	if st := h.ctrl.Status(); st.Failures != 3 || st.LastError == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	netErr := fetch.Wrap("iam/logs", errors.New("timeout"))
	h := newHarness(t, testConfig(),
		testsupport.Step{Err: netErr},
		testsupport.Step{Batch: record.Batch{Records: testsupport.Records("evt", 0, 1, epoch), Complete: true}},
	)
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.WaitForTimers(1)
	if h.ctrl.Err() == nil {
		t.Fatal("expected last error to be recorded")
	}
	h.clock.Advance(time.Second)
	h.fetcher.WaitForCalls(t, 2)
	h.clock.WaitForTimers(1)
	if h.ctrl.Err() != nil || h.ctrl.Status().Failures != 0 {
		t.Fatalf("success should clear failures, status %+v", h.ctrl.Status())
	}
	if d, _ := h.clock.NextDeadline(); d != 5*time.Second {
		t.Fatalf("after recovery next poll in %v, want poll interval", d)
	}
}

func TestAuthErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, testConfig(), testsupport.Step{Err: fetch.Wrap("iam/logs", fetch.ErrAuth)})
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, tail.StateFailed)
	if !fetch.IsAuth(h.ctrl.Err()) {
		t.Fatalf("Err = %v, want auth", h.ctrl.Err())
	}
	if h.clock.PendingCount() != 0 {
		t.Fatal("auth failure must not schedule a retry")
	}

	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.fetcher.WaitForCalls(t, 2)
	h.clock.WaitForTimers(1)
	if h.ctrl.State() != tail.StatePolling || h.ctrl.Err() != nil {
		t.Fatalf("restart left state %v err %v", h.ctrl.State(), h.ctrl.Err())
	}
}

func TestPauseResumeContinuesFromCursor(t *testing.T) {
	next := record.Position{Token: "p2", Timestamp: epoch.Add(2 * time.Second)}
	h := newHarness(t, testConfig(),
		testsupport.Step{Batch: record.Batch{Records: testsupport.Records("evt", 0, 3, epoch), Next: next, Complete: true}},
	)
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.WaitForTimers(1)

	if err := h.ctrl.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if h.ctrl.State() != tail.StatePaused {
		t.Fatalf("state = %v", h.ctrl.State())
	}
	if h.clock.PendingCount() != 0 {
		t.Fatal("pause must cancel the scheduled poll")
	}
	h.clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	if h.fetcher.CallCount() != 1 {
		t.Fatal("paused stream fetched")
	}

	if err := h.ctrl.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	calls := h.fetcher.WaitForCalls(t, 2)
	if calls[1].Position != next {
		t.Fatalf("resumed at %+v, want %+v", calls[1].Position, next)
	}
	if len(h.ctrl.Snapshot()) != 3 {
		t.Fatal("pause/resume must keep the buffer")
	}
}

func TestPauseLetsInFlightFetchApply(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, testConfig(),
		testsupport.Step{Block: release, Batch: record.Batch{Records: testsupport.Records("evt", 0, 2, epoch), Complete: false}},
	)
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.fetcher.WaitForCalls(t, 1)
	if err := h.ctrl.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)

	testsupport.WaitFor(t, "in-flight result applied", func() bool { return len(h.ctrl.Snapshot()) == 2 })
	time.Sleep(10 * time.Millisecond)
	if h.fetcher.CallCount() != 1 || h.clock.PendingCount() != 0 {
		t.Fatal("paused stream scheduled a follow-up fetch")
	}
}

func TestRefreshPollsNow(t *testing.T) {
	h := newHarness(t, testConfig())
	if err := h.ctrl.Refresh(); err != nil {
		t.Fatalf("Refresh while idle: %v", err)
	}
	if h.fetcher.CallCount() != 0 {
		t.Fatal("refresh must not fetch unless polling")
	}
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.WaitForTimers(1)
	if err := h.ctrl.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	h.fetcher.WaitForCalls(t, 2)
}

func TestResetClearsBufferAndRewindsCursor(t *testing.T) {
	h := newHarness(t, testConfig(),
		testsupport.Step{Batch: record.Batch{Records: testsupport.Records("evt", 0, 4, epoch), Next: record.Position{Token: "p2"}, Complete: true}},
	)
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.WaitForTimers(1)

	if err := h.ctrl.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	calls := h.fetcher.WaitForCalls(t, 2)
	if !calls[1].Position.IsZero() {
		t.Fatalf("reset should refetch from the start, got %+v", calls[1].Position)
	}
	if len(h.ctrl.Snapshot()) != 0 {
		t.Fatal("reset must clear the buffer")
	}
	testsupport.WaitFor(t, "cleared update", func() bool {
		for _, u := range h.updates.all() {
			if u.Delta.Cleared && len(u.Delta.Evicted) == 4 {
				return true
			}
		}
		return false
	})
}

func TestClearKeepsCursorAndHidesClearedRecords(t *testing.T) {
	page := testsupport.Records("evt", 0, 3, epoch)
	last := record.PositionOf(page[2])
	h := newHarness(t, testConfig(),
		testsupport.Step{Batch: record.Batch{Records: page, Next: last, Complete: true}},
		testsupport.Step{Batch: record.Batch{Records: testsupport.Records("evt", 2, 2, epoch), Next: record.PositionOf(testsupport.Records("evt", 3, 1, epoch)[0]), Complete: true}},
	)
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.WaitForTimers(1)

	if err := h.ctrl.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(h.ctrl.Snapshot()) != 0 {
		t.Fatal("clear must empty the buffer")
	}
	if st := h.ctrl.State(); st != tail.StatePolling {
		t.Fatalf("state after clear = %v", st)
	}
	cur, _ := h.cursors.Get("iam/logs")
	if !cur.Position.Timestamp.Equal(last.Timestamp) {
		t.Fatalf("clear moved the cursor to %+v", cur.Position)
	}

	if err := h.ctrl.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	calls := h.fetcher.WaitForCalls(t, 2)
	if !calls[1].Position.Timestamp.Equal(last.Timestamp) {
		t.Fatalf("fetch after clear started at %+v", calls[1].Position)
	}
	testsupport.WaitFor(t, "record after clear", func() bool { return len(h.ctrl.Snapshot()) == 1 })
	if snap := h.ctrl.Snapshot(); snap[0].ID != "evt-003" {
		t.Fatalf("snapshot = %v, want only evt-003", snap)
	}
}

func TestCloseCancelsInFlightAndIsIdempotent(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := newHarness(t, testConfig(), testsupport.Step{Block: block})
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.fetcher.WaitForCalls(t, 1)

	done := make(chan struct{})
	go func() {
		_ = h.ctrl.Close()
		_ = h.ctrl.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while a fetch was in flight")
	}

	if h.ctrl.State() != tail.StateClosed {
		t.Fatalf("state = %v", h.ctrl.State())
	}
	if _, ok := h.cursors.Get("iam/logs"); ok {
		t.Fatal("close must release the cursor")
	}
	if err := h.ctrl.Start(); !errors.Is(err, tail.ErrClosed) {
		t.Fatalf("Start after close = %v, want ErrClosed", err)
	}
	testsupport.WaitFor(t, "closed update", func() bool {
		all := h.updates.all()
		return len(all) > 0 && all[len(all)-1].State == tail.StateClosed
	})
}

func TestUpdatesArriveInFetchOrder(t *testing.T) {
	h := newHarness(t, testConfig(),
		testsupport.Step{Batch: record.Batch{Records: testsupport.Records("a", 0, 2, epoch), Complete: false}},
		testsupport.Step{Batch: record.Batch{Records: testsupport.Records("a", 2, 2, epoch), Complete: false}},
		testsupport.Step{Batch: record.Batch{Records: testsupport.Records("a", 4, 2, epoch), Complete: true}},
	)
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	testsupport.WaitFor(t, "all records published", func() bool { return h.updates.added() == 6 })

	var last uint64
	var ids []string
	for _, u := range h.updates.all() {
		if u.Delta.Version < last {
			t.Fatalf("update versions went backwards: %d after %d", u.Delta.Version, last)
		}
		last = u.Delta.Version
		for _, r := range u.Delta.Added {
			ids = append(ids, r.ID)
		}
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] < ids[i-1] {
			t.Fatalf("records out of fetch order: %v", ids)
		}
	}
}

func TestNewControllerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 0
	_, err := tail.NewController(tail.Options{StreamID: "s", Config: cfg, Fetcher: testsupport.NewScriptedFetcher()})
	var cfgErr *tail.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "poll_interval" {
		t.Fatalf("expected poll_interval config error, got %v", err)
	}
}
