package tail

import (
	"sync"
)

// DefaultSubscriberQueue bounds the updates buffered per subscriber before
// they collapse into a resync.
const DefaultSubscriberQueue = 64

type subscriber struct {
	fn    func(Update)
	limit int

	mu     sync.Mutex
	queue  []Update
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSubscriber(fn func(Update), limit int) *subscriber {
	if limit <= 0 {
		limit = DefaultSubscriberQueue
	}
	s := &subscriber{
		fn:    fn,
		limit: limit,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// push enqueues without blocking. On overflow the pending queue is replaced by
// a single resync carrying the latest state.
func (s *subscriber) push(u Update) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	n := len(s.queue)
	switch {
	case n > 0 && s.queue[n-1].Resync:
		s.queue[n-1] = resyncOf(u)
	case n >= s.limit:
		s.queue = append(s.queue[:0], resyncOf(u))
	default:
		s.queue = append(s.queue, u)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

func resyncOf(u Update) Update {
	u.Resync = true
	u.Delta.Added = nil
	u.Delta.Evicted = nil
	u.Delta.Duplicates = 0
	u.Delta.Stale = 0
	u.Delta.Cleared = false
	return u
}

// stop delivers whatever is already queued and then ends the goroutine.
func (s *subscriber) stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.wake)
	}
	s.mu.Unlock()
}

// cancel drops undelivered updates.
func (s *subscriber) cancel() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.stop()
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, u := range pending {
			s.fn(u)
		}
		if len(pending) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}

// subscriberSet fans updates out to every registered subscriber.
type subscriberSet struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
	limit  int
	closed bool
}

func newSubscriberSet(limit int) *subscriberSet {
	return &subscriberSet{subs: make(map[uint64]*subscriber), limit: limit}
}

func (set *subscriberSet) add(fn func(Update)) func() {
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.closed || fn == nil {
		return func() {}
	}
	id := set.nextID
	set.nextID++
	sub := newSubscriber(fn, set.limit)
	set.subs[id] = sub

	var once sync.Once
	return func() {
		once.Do(func() {
			set.mu.Lock()
			delete(set.subs, id)
			set.mu.Unlock()
			sub.cancel()
		})
	}
}

func (set *subscriberSet) publish(u Update) {
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, sub := range set.subs {
		sub.push(u)
	}
}

func (set *subscriberSet) len() int {
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.subs)
}

// close stops every subscriber after its queued updates are delivered.
func (set *subscriberSet) close() {
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.closed {
		return
	}
	set.closed = true
	for id, sub := range set.subs {
		sub.stop()
		delete(set.subs, id)
	}
}
