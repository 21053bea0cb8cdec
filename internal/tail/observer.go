package tail

import (
	"time"

	"livetail/internal/buffer"
)

// Observer receives controller events, typically to export metrics. Calls are
// made from the controller goroutine and must not block.
type Observer interface {
	FetchCompleted(streamID string, elapsed time.Duration, err error)
	BufferChanged(streamID string, delta buffer.Delta, size int)
	StateChanged(streamID string, from, to State)
}

type nopObserver struct{}

func (nopObserver) FetchCompleted(string, time.Duration, error) {}
func (nopObserver) BufferChanged(string, buffer.Delta, int)     {}
func (nopObserver) StateChanged(string, State, State)           {}
