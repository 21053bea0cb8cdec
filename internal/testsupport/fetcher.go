package testsupport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"livetail/internal/record"
)

// Step is one scripted fetch outcome.
type Step struct {
	Batch record.Batch
	Err   error
	// Block holds the fetch until it is closed or the context ends.
	Block <-chan struct{}
}

// Call records the arguments of one fetch.
type Call struct {
	StreamID string
	Position record.Position
	PageSize int
}

// ScriptedFetcher replays Steps in order. Once the script is exhausted every
// fetch returns an empty complete batch at the requested position.
type ScriptedFetcher struct {
	mu    sync.Mutex
	steps []Step
	calls []Call
}

func NewScriptedFetcher(steps ...Step) *ScriptedFetcher {
	return &ScriptedFetcher{steps: steps}
}

// Push appends steps to the script.
func (f *ScriptedFetcher) Push(steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

func (f *ScriptedFetcher) Fetch(ctx context.Context, streamID string, pos record.Position, pageSize int) (record.Batch, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{StreamID: streamID, Position: pos, PageSize: pageSize})
	step := Step{Batch: record.Batch{Next: pos, Complete: true}}
	if len(f.steps) > 0 {
		step = f.steps[0]
		f.steps = f.steps[1:]
	}
	f.mu.Unlock()

	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return record.Batch{}, ctx.Err()
		}
	}
	return step.Batch, step.Err
}

// Calls returns a copy of the recorded calls.
func (f *ScriptedFetcher) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *ScriptedFetcher) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// WaitForCalls blocks until at least n fetches were made.
func (f *ScriptedFetcher) WaitForCalls(t testing.TB, n int) []Call {
	t.Helper()
	WaitFor(t, fmt.Sprintf("%d fetches", n), func() bool { return f.CallCount() >= n })
	return f.Calls()
}

// WaitFor polls cond until it holds or two seconds pass.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// Records builds n records named prefix-<i> starting at index from, one
// second apart from base.
func Records(prefix string, from, n int, base time.Time) []record.Record {
	out := make([]record.Record, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, record.Record{
			ID:        fmt.Sprintf("%s-%03d", prefix, i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Payload:   []byte(fmt.Sprintf(`{"message":"event %d","level":"info"}`, i)),
		})
	}
	return out
}
