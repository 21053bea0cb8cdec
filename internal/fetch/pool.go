package fetch

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"livetail/internal/record"
)

// DefaultPoolSize bounds concurrent fetches when no size is configured.
const DefaultPoolSize = 8

// Pool shares a bounded number of concurrent fetches across streams. A fetch
// that finds the pool exhausted waits for a slot or for its context.
type Pool struct {
	fetcher Fetcher
	sem     *semaphore.Weighted
	size    int
	active  atomic.Int64
	waiting atomic.Int64
}

// NewPool bounds fetcher to size concurrent calls.
func NewPool(fetcher Fetcher, size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{fetcher: fetcher, sem: semaphore.NewWeighted(int64(size)), size: size}
}

func (p *Pool) Fetch(ctx context.Context, streamID string, pos record.Position, pageSize int) (record.Batch, error) {
	p.waiting.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		return record.Batch{}, err
	}
	defer p.sem.Release(1)

	p.active.Add(1)
	defer p.active.Add(-1)
	return p.fetcher.Fetch(ctx, streamID, pos, pageSize)
}

// Size returns the concurrency bound.
func (p *Pool) Size() int { return p.size }

// Active returns the number of fetches holding a slot.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Waiting returns the number of fetches queued for a slot.
func (p *Pool) Waiting() int { return int(p.waiting.Load()) }
