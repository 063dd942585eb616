// Package queue owns the bounded per-destination event queues and their overflow policies.
package queue

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/coachpo/takbridge/internal/domain/cot"
	"github.com/coachpo/takbridge/internal/infra/telemetry"
)

// ErrQueueNotFound indicates the destination has no active queue.
var ErrQueueNotFound = errors.New("queue not found")

// Status is the externally visible state of one destination queue.
type Status struct {
	DestinationID  int64          `json:"destination_id"`
	Exists         bool           `json:"exists"`
	Size           int            `json:"size"`
	MaxSize        int            `json:"max_size"`
	IsFull         bool           `json:"is_full"`
	IsEmpty        bool           `json:"is_empty"`
	OverflowPolicy OverflowPolicy `json:"overflow_policy,omitempty"`
	Metrics        Metrics        `json:"metrics"`
}

// Utilization returns the fill ratio in [0,1].
func (s Status) Utilization() float64 {
	if s.MaxSize <= 0 {
		return 0
	}
	return float64(s.Size) / float64(s.MaxSize)
}

// EnqueueResult summarises a multi-event enqueue with device replacement.
type EnqueueResult struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Replaced int `json:"replaced"`
	Stale    int `json:"stale"`
	Evicted  int `json:"evicted"`
}

// ApplyResult reports what a configuration change did to existing queues.
type ApplyResult struct {
	Flushed       int  `json:"flushed"`
	Trimmed       int  `json:"trimmed"`
	QueuesFlushed int  `json:"queues_flushed"`
	FlushApplied  bool `json:"flush_applied"`
}

// Manager owns one bounded queue per destination.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	queues map[int64]*destinationQueue
	logger *log.Logger
	inst   *instruments
}

// NewManager constructs a manager; invalid config values fall back to defaults.
func NewManager(cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "queue-manager ", log.LstdFlags|log.Lmicroseconds)
	}
	m := &Manager{
		mu:     sync.RWMutex{},
		cfg:    cfg.Sanitize(logger),
		queues: make(map[int64]*destinationQueue),
		logger: logger,
		inst:   nil,
	}
	m.inst = newInstruments(m)
	return m
}

// Config returns the active queue configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// CreateQueue ensures a queue exists for id and reports whether it was created.
func (m *Manager) CreateQueue(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[id]; ok {
		return false
	}
	m.queues[id] = newDestinationQueue(id, m.cfg.MaxSize, m.cfg.OverflowPolicy)
	m.logger.Printf("queue created: destination=%d max_size=%d policy=%s", id, m.cfg.MaxSize, m.cfg.OverflowPolicy)
	return true
}

// RemoveQueue discards the queue and its device tracker, waking blocked producers and consumers.
func (m *Manager) RemoveQueue(id int64) bool {
	m.mu.Lock()
	q, ok := m.queues[id]
	if ok {
		delete(m.queues, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	q.close()
	m.logger.Printf("queue removed: destination=%d", id)
	return true
}

func (m *Manager) lookup(id int64) (*destinationQueue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[id]
	return q, ok
}

// Enqueue admits a single event. It only blocks under the block policy.
func (m *Manager) Enqueue(ctx context.Context, id int64, ev cot.Event) bool {
	q, ok := m.lookup(id)
	if !ok {
		m.logger.Printf("enqueue skipped: destination=%d err=%v", id, ErrQueueNotFound)
		return false
	}
	res := q.enqueue(ctx, ev, false)
	m.inst.recordAdmission(ctx, id, res)
	return res.outcome == outcomeAccepted
}

// EnqueueLatest admits events with device-state replacement: an event whose
// timestamp is not strictly newer than the last applied one for its uid is
// discarded as stale, otherwise queued events for that uid are evicted first.
func (m *Manager) EnqueueLatest(ctx context.Context, id int64, events []cot.Event) (EnqueueResult, error) {
	q, ok := m.lookup(id)
	if !ok {
		return EnqueueResult{}, ErrQueueNotFound
	}
	var out EnqueueResult
	for _, ev := range events {
		res := q.enqueue(ctx, ev, true)
		m.inst.recordAdmission(ctx, id, res)
		out.Replaced += res.replaced
		out.Evicted += res.evicted
		switch res.outcome {
		case outcomeAccepted:
			out.Accepted++
		case outcomeStale:
			out.Stale++
		case outcomeClosed:
			return out, ErrQueueNotFound
		default:
			out.Rejected++
		}
	}
	return out, nil
}

// GetBatch waits up to the batch timeout for up to batch_size events.
func (m *Manager) GetBatch(ctx context.Context, id int64) []cot.Event {
	q, ok := m.lookup(id)
	if !ok {
		return nil
	}
	cfg := m.Config()
	return q.getBatch(ctx, cfg.BatchSize, cfg.BatchTimeout)
}

// Flush discards all queued events for id.
func (m *Manager) Flush(id int64) int {
	q, ok := m.lookup(id)
	if !ok {
		return 0
	}
	n := q.drain()
	if n > 0 {
		m.inst.recordDrop(context.Background(), id, n, telemetry.ReasonFlush)
		m.logger.Printf("queue flushed: destination=%d events=%d", id, n)
	}
	return n
}

// MarkBatchSent records a transmitted batch of n events.
func (m *Manager) MarkBatchSent(id int64, n int) {
	if q, ok := m.lookup(id); ok {
		q.markSent(n)
		m.inst.recordBatch(context.Background(), id, n)
	}
}

// MarkDiscarded records dequeued events that were lost before transmission.
func (m *Manager) MarkDiscarded(id int64, n int, reason string) {
	if q, ok := m.lookup(id); ok {
		q.markDiscarded(n)
		m.inst.recordDrop(context.Background(), id, n, reason)
	}
}

// Tracker returns the device tracker for id.
func (m *Manager) Tracker(id int64) (*DeviceTracker, bool) {
	q, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return q.tracker, true
}

// Pending returns a copy of the queued events for id in delivery order.
func (m *Manager) Pending(id int64) []cot.Event {
	q, ok := m.lookup(id)
	if !ok {
		return nil
	}
	return q.pending()
}

// Status returns the snapshot for id; Exists is false for unknown destinations.
func (m *Manager) Status(id int64) Status {
	q, ok := m.lookup(id)
	if !ok {
		return Status{DestinationID: id, Exists: false, IsEmpty: true}
	}
	return statusOf(id, q)
}

func statusOf(id int64, q *destinationQueue) Status {
	size, capacity, policy, metrics := q.snapshot()
	return Status{
		DestinationID:  id,
		Exists:         true,
		Size:           size,
		MaxSize:        capacity,
		IsFull:         size >= capacity,
		IsEmpty:        size == 0,
		OverflowPolicy: policy,
		Metrics:        metrics,
	}
}

// StatusAll returns snapshots for every queue ordered by destination id.
func (m *Manager) StatusAll() []Status {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.queues))
	queues := make(map[int64]*destinationQueue, len(m.queues))
	for id, q := range m.queues {
		ids = append(ids, id)
		queues[id] = q
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, statusOf(id, queues[id]))
	}
	return out
}

// IDs returns the destinations with active queues.
func (m *Manager) IDs() []int64 {
	statuses := m.StatusAll()
	ids := make([]int64, len(statuses))
	for i, st := range statuses {
		ids[i] = st.DestinationID
	}
	return ids
}

// ApplyConfig swaps queue limits for subsequent operations. When the active
// configuration requests it, every queue is drained first.
func (m *Manager) ApplyConfig(cfg Config) ApplyResult {
	next := cfg.Sanitize(m.logger)

	m.mu.Lock()
	prev := m.cfg
	m.cfg = next
	queues := make(map[int64]*destinationQueue, len(m.queues))
	for id, q := range m.queues {
		queues[id] = q
	}
	m.mu.Unlock()

	result := ApplyResult{FlushApplied: prev.FlushOnConfigChange}
	for id, q := range queues {
		flushed, trimmed := q.reconfigure(next.MaxSize, next.OverflowPolicy, prev.FlushOnConfigChange)
		result.Flushed += flushed
		result.Trimmed += trimmed
		if prev.FlushOnConfigChange {
			result.QueuesFlushed++
		}
		if flushed > 0 {
			m.inst.recordDrop(context.Background(), id, flushed, telemetry.ReasonFlush)
		}
		if trimmed > 0 {
			m.inst.recordDrop(context.Background(), id, trimmed, telemetry.ReasonOverflow)
		}
	}
	m.logger.Printf("queue config applied: max_size=%d batch_size=%d batch_timeout=%s policy=%s flushed=%d trimmed=%d",
		next.MaxSize, next.BatchSize, next.BatchTimeout, next.OverflowPolicy, result.Flushed, result.Trimmed)
	return result
}

// Close removes every queue.
func (m *Manager) Close() {
	for _, id := range m.IDs() {
		m.RemoveQueue(id)
	}
}
