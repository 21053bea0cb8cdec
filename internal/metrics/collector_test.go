package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"livetail/internal/buffer"
	"livetail/internal/fetch"
	"livetail/internal/metrics"
	"livetail/internal/record"
	"livetail/internal/tail"
)

// value returns the sample of name whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func TestCollectorRecordsFetches(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.FetchCompleted("iam/logs", 20*time.Millisecond, nil)
	c.FetchCompleted("iam/logs", time.Second, fetch.Wrap("iam/logs", fetch.ErrAuth))
	c.FetchCompleted("iam/logs", time.Second, errors.New("reset"))

	for result, want := range map[string]float64{"ok": 1, "auth": 1, "network": 1} {
		got, ok := value(t, reg, "livetail_fetches_total", map[string]string{"stream": "iam/logs", "result": result})
		if !ok || got != want {
			t.Fatalf("fetches{result=%s} = %v (found=%v)", result, got, ok)
		}
	}
	if n, _ := value(t, reg, "livetail_fetch_duration_seconds", map[string]string{"stream": "iam/logs"}); n != 3 {
		t.Fatalf("duration samples = %v", n)
	}
}

func TestCollectorBufferAndState(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	evicted := []record.Record{{ID: "a"}, {ID: "b"}}
	c.BufferChanged("s", buffer.Delta{Evicted: evicted, Stale: 1, Duplicates: 4}, 10)
	c.BufferChanged("s", buffer.Delta{Evicted: evicted, Cleared: true}, 0)
	c.StateChanged("s", tail.StateIdle, tail.StatePaused)

	if got, _ := value(t, reg, "livetail_evictions_total", map[string]string{"stream": "s"}); got != 3 {
		t.Fatalf("evictions = %v, want 3 (clear is not eviction)", got)
	}
	if got, _ := value(t, reg, "livetail_duplicates_total", map[string]string{"stream": "s"}); got != 4 {
		t.Fatalf("duplicates = %v", got)
	}
	if got, _ := value(t, reg, "livetail_buffer_records", map[string]string{"stream": "s"}); got != 0 {
		t.Fatalf("buffer records = %v", got)
	}
	if got, _ := value(t, reg, "livetail_stream_state", map[string]string{"stream": "s"}); got != float64(tail.StatePaused) {
		t.Fatalf("state = %v", got)
	}

	c.StateChanged("s", tail.StatePaused, tail.StateClosed)
	if _, ok := value(t, reg, "livetail_buffer_records", map[string]string{"stream": "s"}); ok {
		t.Fatal("closed stream should drop its buffer gauge")
	}
}

func TestCollectorPoolGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.RegisterPool(fetch.NewPool(nil, 3)); err != nil {
		t.Fatalf("RegisterPool: %v", err)
	}
	if got, ok := value(t, reg, "livetail_fetch_pool_active", nil); !ok || got != 0 {
		t.Fatalf("pool active = %v (found=%v)", got, ok)
	}
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := metrics.New(reg); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := metrics.New(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
