package queue

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/takbridge/internal/domain/cot"
)

// Metrics is a point-in-time copy of a queue's counters.
type Metrics struct {
	EventsQueued        uint64    `json:"events_queued"`
	EventsProcessed     uint64    `json:"events_processed"`
	EventsDropped       uint64    `json:"events_dropped"`
	BatchesSent         uint64    `json:"batches_sent"`
	OverflowEvents      uint64    `json:"overflow_events"`
	ConfigChangeFlushes uint64    `json:"config_change_flushes"`
	EventsReplaced      uint64    `json:"events_replaced"`
	StaleDiscarded      uint64    `json:"stale_discarded"`
	MaxSizeReached      int       `json:"max_size_reached"`
	AvgBatchSize        float64   `json:"avg_batch_size"`
	LastActivity        time.Time `json:"last_activity"`
}

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeRejected
	outcomeStale
	outcomeClosed
)

type admission struct {
	outcome  outcome
	evicted  int
	replaced int
}

// destinationQueue is a bounded FIFO of encoded events for one destination.
// The slice deque lets superseded events be evicted by uid.
type destinationQueue struct {
	id int64

	mu       sync.Mutex
	items    []cot.Event
	capacity int
	policy   OverflowPolicy
	metrics  Metrics
	closed   bool

	tracker *DeviceTracker
	notify  chan struct{}
	space   chan struct{}
	done    chan struct{}
}

func newDestinationQueue(id int64, capacity int, policy OverflowPolicy) *destinationQueue {
	return &destinationQueue{
		id:       id,
		mu:       sync.Mutex{},
		items:    make([]cot.Event, 0, min(capacity, 64)),
		capacity: capacity,
		policy:   policy,
		metrics:  Metrics{},
		closed:   false,
		tracker:  NewDeviceTracker(),
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// enqueue admits ev according to the overflow policy. With latest set, the
// device tracker rejects stale updates and queued events for the same uid are evicted.
func (q *destinationQueue) enqueue(ctx context.Context, ev cot.Event, latest bool) admission {
	var result admission
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			result.outcome = outcomeClosed
			return result
		}
		if latest {
			if !q.tracker.ShouldApply(ev.UID, ev.Time) {
				q.metrics.StaleDiscarded++
				q.mu.Unlock()
				result.outcome = outcomeStale
				return result
			}
			if n := q.evictUIDLocked(ev.UID); n > 0 {
				q.metrics.EventsReplaced += uint64(n)
				result.replaced += n
			}
		}

		if len(q.items) < q.capacity {
			q.pushLocked(ev, latest)
			q.mu.Unlock()
			signal(q.notify)
			result.outcome = outcomeAccepted
			return result
		}

		switch q.policy {
		case PolicyDropNewest:
			q.metrics.OverflowEvents++
			q.metrics.EventsDropped++
			q.mu.Unlock()
			result.outcome = outcomeRejected
			return result
		case PolicyBlock:
			q.metrics.OverflowEvents++
			q.mu.Unlock()
			select {
			case <-q.space:
				continue
			case <-q.done:
				result.outcome = outcomeClosed
				return result
			case <-ctx.Done():
				q.mu.Lock()
				q.metrics.EventsDropped++
				q.mu.Unlock()
				result.outcome = outcomeRejected
				return result
			}
		default:
			q.items[0] = cot.Event{}
			q.items = q.items[1:]
			q.metrics.OverflowEvents++
			q.metrics.EventsDropped++
			result.evicted++
			q.pushLocked(ev, latest)
			q.mu.Unlock()
			signal(q.notify)
			result.outcome = outcomeAccepted
			return result
		}
	}
}

func (q *destinationQueue) pushLocked(ev cot.Event, latest bool) {
	q.items = append(q.items, ev)
	q.metrics.EventsQueued++
	q.metrics.LastActivity = time.Now()
	if len(q.items) > q.metrics.MaxSizeReached {
		q.metrics.MaxSizeReached = len(q.items)
	}
	if latest {
		q.tracker.Record(ev.UID, ev.Time)
	}
	if len(q.items) < q.capacity {
		signal(q.space)
	}
}

func (q *destinationQueue) evictUIDLocked(uid string) int {
	kept := q.items[:0]
	evicted := 0
	for _, item := range q.items {
		if item.UID == uid {
			evicted++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = cot.Event{}
	}
	q.items = kept
	return evicted
}

func (q *destinationQueue) takeLocked(limit int) []cot.Event {
	n := min(limit, len(q.items))
	if n == 0 {
		return nil
	}
	out := make([]cot.Event, n)
	copy(out, q.items[:n])
	for i := 0; i < n; i++ {
		q.items[i] = cot.Event{}
	}
	q.items = q.items[n:]
	q.metrics.EventsProcessed += uint64(n)
	q.metrics.LastActivity = time.Now()
	return out
}

// getBatch accumulates up to batchSize events, returning early when full and
// otherwise once timeout elapses, the context ends or the queue is removed.
func (q *destinationQueue) getBatch(ctx context.Context, batchSize int, timeout time.Duration) []cot.Event {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	batch := make([]cot.Event, 0, batchSize)
	for {
		q.mu.Lock()
		taken := q.takeLocked(batchSize - len(batch))
		remaining := len(q.items)
		q.mu.Unlock()
		if len(taken) > 0 {
			batch = append(batch, taken...)
			signal(q.space)
		}
		if len(batch) >= batchSize {
			if remaining > 0 {
				signal(q.notify)
			}
			return batch
		}
		select {
		case <-q.notify:
		case <-timer.C:
			q.mu.Lock()
			batch = append(batch, q.takeLocked(batchSize-len(batch))...)
			q.mu.Unlock()
			return batch
		case <-ctx.Done():
			return batch
		case <-q.done:
			return batch
		}
	}
}

// drain discards every queued event and returns how many were removed.
func (q *destinationQueue) drain() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = make([]cot.Event, 0, min(q.capacity, 64))
	q.metrics.EventsDropped += uint64(n)
	q.mu.Unlock()
	if n > 0 {
		signal(q.space)
	}
	return n
}

// reconfigure swaps capacity and policy, trimming the oldest events on shrink.
func (q *destinationQueue) reconfigure(capacity int, policy OverflowPolicy, flush bool) (flushed, trimmed int) {
	q.mu.Lock()
	q.capacity = capacity
	q.policy = policy
	if flush {
		flushed = len(q.items)
		q.items = make([]cot.Event, 0, min(capacity, 64))
		q.metrics.EventsDropped += uint64(flushed)
		q.metrics.ConfigChangeFlushes++
	} else if over := len(q.items) - capacity; over > 0 {
		for i := 0; i < over; i++ {
			q.items[i] = cot.Event{}
		}
		q.items = q.items[over:]
		q.metrics.EventsDropped += uint64(over)
		trimmed = over
	}
	q.mu.Unlock()
	signal(q.space)
	return flushed, trimmed
}

func (q *destinationQueue) markSent(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.metrics.BatchesSent++
	q.metrics.AvgBatchSize += (float64(n) - q.metrics.AvgBatchSize) / float64(q.metrics.BatchesSent)
	q.metrics.LastActivity = time.Now()
	q.mu.Unlock()
}

func (q *destinationQueue) markDiscarded(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.metrics.EventsDropped += uint64(n)
	q.mu.Unlock()
}

func (q *destinationQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *destinationQueue) snapshot() (size, capacity int, policy OverflowPolicy, metrics Metrics) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.capacity, q.policy, q.metrics
}

// pending returns a copy of the queued events in delivery order.
func (q *destinationQueue) pending() []cot.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]cot.Event, len(q.items))
	copy(out, q.items)
	return out
}
