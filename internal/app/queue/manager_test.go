package queue

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/takbridge/internal/domain/cot"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, log.New(io.Discard, "", 0))
	t.Cleanup(m.Close)
	return m
}

func event(uid string, seconds int) cot.Event {
	return cot.Event{
		UID:     uid,
		Time:    time.Unix(int64(seconds), 0).UTC(),
		Payload: []byte(fmt.Sprintf("%s@%d", uid, seconds)),
	}
}

func payloads(events []cot.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Payload)
	}
	return out
}

func smallConfig(policy OverflowPolicy) Config {
	return Config{MaxSize: 3, BatchSize: 3, BatchTimeout: 20 * time.Millisecond, OverflowPolicy: policy, FlushOnConfigChange: true}
}

func TestDropOldestKeepsNewest(t *testing.T) {
	m := newTestManager(t, smallConfig(PolicyDropOldest))
	m.CreateQueue(1)
	for i := 0; i < 4; i++ {
		require.True(t, m.Enqueue(context.Background(), 1, event(fmt.Sprintf("e%d", i), i)))
	}
	require.Equal(t, []string{"e1@1", "e2@2", "e3@3"}, payloads(m.Pending(1)))

	st := m.Status(1)
	require.True(t, st.IsFull)
	require.Equal(t, uint64(1), st.Metrics.OverflowEvents)
	require.Equal(t, uint64(1), st.Metrics.EventsDropped)
	require.Equal(t, uint64(4), st.Metrics.EventsQueued)
	require.Equal(t, 3, st.Metrics.MaxSizeReached)
}

func TestDropNewestRejectsIncoming(t *testing.T) {
	m := newTestManager(t, smallConfig(PolicyDropNewest))
	m.CreateQueue(1)
	for i := 0; i < 3; i++ {
		require.True(t, m.Enqueue(context.Background(), 1, event(fmt.Sprintf("e%d", i), i)))
	}
	require.False(t, m.Enqueue(context.Background(), 1, event("e3", 3)))
	require.Equal(t, []string{"e0@0", "e1@1", "e2@2"}, payloads(m.Pending(1)))
	require.Equal(t, uint64(1), m.Status(1).Metrics.OverflowEvents)
}

func TestSizeNeverExceedsCapacity(t *testing.T) {
	for _, policy := range []OverflowPolicy{PolicyDropOldest, PolicyDropNewest} {
		m := newTestManager(t, Config{MaxSize: 5, BatchSize: 2, BatchTimeout: time.Millisecond, OverflowPolicy: policy})
		m.CreateQueue(7)
		for i := 0; i < 50; i++ {
			m.Enqueue(context.Background(), 7, event(fmt.Sprintf("d%d", i%4), i))
			require.LessOrEqual(t, m.Status(7).Size, 5, "policy %s", policy)
		}
	}
}

func TestBlockPolicyWaitsForSpace(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 1, BatchSize: 1, BatchTimeout: 50 * time.Millisecond, OverflowPolicy: PolicyBlock})
	m.CreateQueue(1)
	require.True(t, m.Enqueue(context.Background(), 1, event("a", 1)))

	done := make(chan bool, 1)
	go func() { done <- m.Enqueue(context.Background(), 1, event("b", 2)) }()

	select {
	case <-done:
		t.Fatal("enqueue should block while the queue is full")
	case <-time.After(30 * time.Millisecond):
	}

	batch := m.GetBatch(context.Background(), 1)
	require.Equal(t, []string{"a@1"}, payloads(batch))
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue was not released")
	}
	require.Equal(t, []string{"b@2"}, payloads(m.Pending(1)))
}

func TestBlockPolicyHonoursContext(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 1, BatchSize: 1, BatchTimeout: time.Millisecond, OverflowPolicy: PolicyBlock})
	m.CreateQueue(1)
	require.True(t, m.Enqueue(context.Background(), 1, event("a", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.False(t, m.Enqueue(ctx, 1, event("b", 2)))
	require.Equal(t, uint64(1), m.Status(1).Metrics.EventsDropped)
}

func TestGetBatchBounds(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 100, BatchSize: 4, BatchTimeout: 40 * time.Millisecond, OverflowPolicy: PolicyDropOldest})
	m.CreateQueue(1)
	for i := 0; i < 10; i++ {
		m.Enqueue(context.Background(), 1, event(fmt.Sprintf("e%d", i), i))
	}
	batch := m.GetBatch(context.Background(), 1)
	require.Len(t, batch, 4)
	require.Equal(t, "e0@0", string(batch[0].Payload))

	m.GetBatch(context.Background(), 1)
	start := time.Now()
	partial := m.GetBatch(context.Background(), 1)
	require.Len(t, partial, 2)
	require.Less(t, time.Since(start), time.Second)

	start = time.Now()
	empty := m.GetBatch(context.Background(), 1)
	require.Empty(t, empty)
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 35*time.Millisecond)
	require.Less(t, elapsed, time.Second)
	require.Equal(t, uint64(10), m.Status(1).Metrics.EventsProcessed)
}

func TestGetBatchWakesOnArrival(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 10, BatchSize: 2, BatchTimeout: 2 * time.Second, OverflowPolicy: PolicyDropOldest})
	m.CreateQueue(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Enqueue(context.Background(), 1, event("a", 1))
		m.Enqueue(context.Background(), 1, event("b", 2))
	}()
	start := time.Now()
	batch := m.GetBatch(context.Background(), 1)
	require.Len(t, batch, 2)
	require.Less(t, time.Since(start), time.Second)
}

func TestRemoveQueueReleasesWaiters(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 10, BatchSize: 5, BatchTimeout: 5 * time.Second, OverflowPolicy: PolicyDropOldest})
	m.CreateQueue(1)
	result := make(chan []cot.Event, 1)
	go func() { result <- m.GetBatch(context.Background(), 1) }()
	time.Sleep(10 * time.Millisecond)
	require.True(t, m.RemoveQueue(1))
	select {
	case batch := <-result:
		require.Empty(t, batch)
	case <-time.After(time.Second):
		t.Fatal("GetBatch did not return after queue removal")
	}
	require.False(t, m.Status(1).Exists)
	require.False(t, m.Enqueue(context.Background(), 1, event("a", 1)))
	require.False(t, m.RemoveQueue(1))
}

func TestDeviceReplacement(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 10, BatchSize: 10, BatchTimeout: time.Millisecond, OverflowPolicy: PolicyDropOldest})
	m.CreateQueue(1)
	ctx := context.Background()

	res, err := m.EnqueueLatest(ctx, 1, []cot.Event{event("X", 10), event("Y", 10)})
	require.NoError(t, err)
	require.Equal(t, 2, res.Accepted)

	res, err = m.EnqueueLatest(ctx, 1, []cot.Event{event("X", 20)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Accepted)
	require.Equal(t, 1, res.Replaced)
	require.Equal(t, []string{"Y@10", "X@20"}, payloads(m.Pending(1)))

	res, err = m.EnqueueLatest(ctx, 1, []cot.Event{event("X", 5), event("X", 20)})
	require.NoError(t, err)
	require.Equal(t, 2, res.Stale)
	require.Equal(t, []string{"Y@10", "X@20"}, payloads(m.Pending(1)))

	st := m.Status(1)
	require.Equal(t, uint64(1), st.Metrics.EventsReplaced)
	require.Equal(t, uint64(2), st.Metrics.StaleDiscarded)

	tracker, ok := m.Tracker(1)
	require.True(t, ok)
	last, ok := tracker.Last("X")
	require.True(t, ok)
	require.Equal(t, time.Unix(20, 0).UTC(), last)

	_, err = m.EnqueueLatest(ctx, 99, []cot.Event{event("X", 1)})
	require.ErrorIs(t, err, ErrQueueNotFound)
}

func TestReplacementAfterDeliveryStillRejectsStale(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 10, BatchSize: 10, BatchTimeout: time.Millisecond, OverflowPolicy: PolicyDropOldest})
	m.CreateQueue(1)
	ctx := context.Background()
	_, err := m.EnqueueLatest(ctx, 1, []cot.Event{event("X", 20)})
	require.NoError(t, err)
	require.Len(t, m.GetBatch(ctx, 1), 1)

	res, err := m.EnqueueLatest(ctx, 1, []cot.Event{event("X", 5)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Stale)
	require.Zero(t, m.Status(1).Size)
}

func TestConfigChangeFlush(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 10, BatchSize: 2, BatchTimeout: time.Millisecond, OverflowPolicy: PolicyDropOldest, FlushOnConfigChange: true})
	m.CreateQueue(1)
	m.CreateQueue(2)
	for i := 0; i < 5; i++ {
		m.Enqueue(context.Background(), 1, event("a", i))
		m.Enqueue(context.Background(), 2, event("b", i))
	}

	res := m.ApplyConfig(Config{MaxSize: 20, BatchSize: 4, BatchTimeout: time.Second, OverflowPolicy: PolicyDropNewest})
	require.True(t, res.FlushApplied)
	require.Equal(t, 10, res.Flushed)
	require.Equal(t, 2, res.QueuesFlushed)
	for _, id := range []int64{1, 2} {
		st := m.Status(id)
		require.Zero(t, st.Size)
		require.Equal(t, uint64(1), st.Metrics.ConfigChangeFlushes)
		require.Equal(t, 20, st.MaxSize)
		require.Equal(t, PolicyDropNewest, st.OverflowPolicy)
	}
	require.Equal(t, 4, m.Config().BatchSize)
	require.False(t, m.Config().FlushOnConfigChange)
}

func TestConfigChangeWithoutFlushTrimsOldest(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 10, BatchSize: 2, BatchTimeout: time.Millisecond, OverflowPolicy: PolicyDropOldest})
	m.CreateQueue(1)
	for i := 0; i < 6; i++ {
		m.Enqueue(context.Background(), 1, event(fmt.Sprintf("e%d", i), i))
	}
	res := m.ApplyConfig(Config{MaxSize: 4, BatchSize: 2, BatchTimeout: time.Millisecond, OverflowPolicy: PolicyDropOldest})
	require.False(t, res.FlushApplied)
	require.Equal(t, 2, res.Trimmed)
	require.Equal(t, []string{"e2@2", "e3@3", "e4@4", "e5@5"}, payloads(m.Pending(1)))
	require.Zero(t, m.Status(1).Metrics.ConfigChangeFlushes)
}

func TestSanitizeFallsBackToDefaults(t *testing.T) {
	cfg := Config{MaxSize: -1, BatchSize: 0, BatchTimeout: -time.Second, OverflowPolicy: "explode"}.Sanitize(nil)
	require.Equal(t, DefaultMaxSize, cfg.MaxSize)
	require.Equal(t, DefaultBatchSize, cfg.BatchSize)
	require.Equal(t, DefaultBatchTimeout, cfg.BatchTimeout)
	require.Equal(t, PolicyDropOldest, cfg.OverflowPolicy)

	clamped := Config{MaxSize: 4, BatchSize: 10, BatchTimeout: time.Second, OverflowPolicy: " BLOCK "}.Sanitize(nil)
	require.Equal(t, 4, clamped.BatchSize)
	require.Equal(t, PolicyBlock, clamped.OverflowPolicy)
}

func TestFlushAndBatchAccounting(t *testing.T) {
	m := newTestManager(t, smallConfig(PolicyDropOldest))
	m.CreateQueue(1)
	require.True(t, m.CreateQueue(2))
	require.False(t, m.CreateQueue(2))
	m.Enqueue(context.Background(), 1, event("a", 1))
	m.Enqueue(context.Background(), 1, event("b", 2))
	require.Equal(t, 2, m.Flush(1))
	require.Zero(t, m.Flush(1))
	require.Zero(t, m.Flush(42))

	m.MarkBatchSent(1, 2)
	m.MarkBatchSent(1, 4)
	m.MarkDiscarded(1, 3, "breaker_open")
	st := m.Status(1)
	require.Equal(t, uint64(2), st.Metrics.BatchesSent)
	require.InDelta(t, 3.0, st.Metrics.AvgBatchSize, 1e-9)
	require.Equal(t, uint64(5), st.Metrics.EventsDropped)
	require.Equal(t, []int64{1, 2}, m.IDs())
	require.Len(t, m.StatusAll(), 2)

	unknown := m.Status(9)
	require.False(t, unknown.Exists)
	require.True(t, unknown.IsEmpty)
}

func TestDeviceTracker(t *testing.T) {
	tracker := NewDeviceTracker()
	ts := time.Unix(100, 0)
	require.True(t, tracker.ShouldApply("a", ts))
	tracker.Record("a", ts)
	require.False(t, tracker.ShouldApply("a", ts))
	require.True(t, tracker.ShouldApply("a", ts.Add(time.Nanosecond)))
	tracker.Record("a", ts.Add(-time.Hour))
	last, _ := tracker.Last("a")
	require.Equal(t, ts, last)
	require.Equal(t, 1, tracker.Len())
	tracker.Reset()
	require.Zero(t, tracker.Len())
}
