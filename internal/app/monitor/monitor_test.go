package monitor

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/takbridge/internal/app/queue"
)

type fakeSource struct {
	mu       sync.Mutex
	statuses []queue.Status
}

func (f *fakeSource) set(statuses ...queue.Status) {
	f.mu.Lock()
	f.statuses = statuses
	f.mu.Unlock()
}

func (f *fakeSource) StatusAll() []queue.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.Status(nil), f.statuses...)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func status(id int64, size, max int) queue.Status {
	return queue.Status{
		DestinationID:  id,
		Exists:         true,
		Size:           size,
		MaxSize:        max,
		IsFull:         size >= max,
		IsEmpty:        size == 0,
		OverflowPolicy: queue.PolicyDropOldest,
	}
}

func newTestService(t *testing.T, cfg Config) (*Service, *fakeSource, *clock) {
	t.Helper()
	src := &fakeSource{}
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := NewService(cfg, src, log.New(io.Discard, "", 0))
	svc.now = clk.now
	return svc, src, clk
}

func kinds(alerts []Alert) map[AlertType]Severity {
	out := make(map[AlertType]Severity, len(alerts))
	for _, a := range alerts {
		out[a.Type] = a.Severity
	}
	return out
}

func TestHighUtilizationRaisesAlerts(t *testing.T) {
	svc, src, _ := newTestService(t, DefaultConfig())
	src.set(status(1, 95, 100))

	alerts := svc.Sample(context.Background())
	got := kinds(alerts)
	require.Equal(t, SeverityCritical, got[AlertHighUtilization])
	require.Equal(t, SeverityWarning, got[AlertLowHealthScore])
	require.NotContains(t, got, AlertQueueFull)
	require.NotContains(t, got, AlertHighOverflowRate)

	for _, a := range alerts {
		require.NotEmpty(t, a.ID)
		require.EqualValues(t, 1, a.QueueID)
		require.InDelta(t, 0.95, a.Metrics["utilization"], 1e-9)
	}

	h, ok := svc.Health(1)
	require.True(t, ok)
	require.InDelta(t, 64.0, h.HealthScore, 1e-9)
	require.Equal(t, TrendStable, h.Trend)
}

func TestQueueFullAndUtilizationSeverities(t *testing.T) {
	svc, src, _ := newTestService(t, DefaultConfig())
	src.set(status(1, 100, 100), status(2, 75, 100), status(3, 55, 100), status(4, 10, 100))

	byQueue := map[int64]map[AlertType]Severity{}
	for _, a := range svc.Sample(context.Background()) {
		if byQueue[a.QueueID] == nil {
			byQueue[a.QueueID] = map[AlertType]Severity{}
		}
		byQueue[a.QueueID][a.Type] = a.Severity
	}
	require.Equal(t, SeverityCritical, byQueue[1][AlertQueueFull])
	require.NotContains(t, byQueue[1], AlertHighUtilization)
	require.Equal(t, SeverityWarning, byQueue[2][AlertHighUtilization])
	require.Equal(t, SeverityInfo, byQueue[3][AlertHighUtilization])
	require.Empty(t, byQueue[4])
}

func TestAlertsAreRateLimitedPerQueueAndType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlertCooldown = time.Minute
	svc, src, clk := newTestService(t, cfg)
	src.set(status(1, 95, 100), status(2, 95, 100))

	first := svc.Sample(context.Background())
	require.Len(t, first, 4)

	clk.advance(30 * time.Second)
	require.Empty(t, svc.Sample(context.Background()))
	require.EqualValues(t, 4, svc.Suppressed())

	clk.advance(31 * time.Second)
	require.Len(t, svc.Sample(context.Background()), 4)
	require.Len(t, svc.RecentAlerts(0), 8)
}

func TestZeroCooldownDisablesRateLimiting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlertCooldown = 0
	svc, src, _ := newTestService(t, cfg)
	src.set(status(1, 100, 100))
	require.NotEmpty(t, svc.Sample(context.Background()))
	require.NotEmpty(t, svc.Sample(context.Background()))
	require.Zero(t, svc.Suppressed())
}

func TestOverflowRateFromCounterDeltas(t *testing.T) {
	svc, src, clk := newTestService(t, DefaultConfig())

	st := status(1, 10, 100)
	st.OverflowPolicy = queue.PolicyDropNewest
	st.Metrics.EventsQueued = 50
	st.Metrics.OverflowEvents = 50
	src.set(st)
	got := kinds(svc.Sample(context.Background()))
	require.Equal(t, SeverityCritical, got[AlertHighOverflowRate])
	h, _ := svc.Health(1)
	require.InDelta(t, 0.5, h.OverflowRate, 1e-9)

	clk.advance(time.Second)
	st.Metrics.EventsQueued = 150
	st.Metrics.OverflowEvents = 55
	src.set(st)
	svc.Sample(context.Background())
	h, _ = svc.Health(1)
	require.InDelta(t, 5.0/105.0, h.OverflowRate, 1e-9)

	clk.advance(time.Second)
	svc.Sample(context.Background())
	h, _ = svc.Health(1)
	require.Zero(t, h.OverflowRate)
}

func TestOverflowRateDropOldestCountsQueuedOnly(t *testing.T) {
	cur := queue.Metrics{EventsQueued: 100, OverflowEvents: 25}
	require.InDelta(t, 0.25, overflowRate(queue.PolicyDropOldest, queue.Metrics{}, cur), 1e-9)
	require.InDelta(t, 0.2, overflowRate(queue.PolicyBlock, queue.Metrics{}, cur), 1e-9)
	require.Equal(t, 1.0, overflowRate(queue.PolicyDropOldest, queue.Metrics{}, queue.Metrics{OverflowEvents: 3}))
}

func TestRecreatedQueueRestartsCounterBaseline(t *testing.T) {
	svc, src, clk := newTestService(t, DefaultConfig())

	st := status(1, 10, 100)
	st.Metrics.EventsQueued = 500
	st.Metrics.EventsProcessed = 490
	st.Metrics.OverflowEvents = 5
	src.set(st)
	svc.Sample(context.Background())

	clk.advance(time.Second)
	restarted := status(1, 1, 100)
	restarted.Metrics.EventsQueued = 1
	src.set(restarted)
	got := kinds(svc.Sample(context.Background()))
	require.NotContains(t, got, AlertHighOverflowRate)
	require.NotContains(t, got, AlertLowHealthScore)

	h, ok := svc.Health(1)
	require.True(t, ok)
	require.Zero(t, h.OverflowRate)
	require.InDelta(t, 100.0, h.HealthScore, 1e-9)
	require.False(t, h.Stalled)

	require.Zero(t, overflowRate(queue.PolicyDropNewest, st.Metrics, restarted.Metrics))
}

func TestTrendDetection(t *testing.T) {
	svc, src, clk := newTestService(t, DefaultConfig())
	for _, size := range []int{0, 10, 20, 30, 40, 50} {
		src.set(status(1, size, 100))
		svc.Sample(context.Background())
		clk.advance(time.Second)
	}
	h, _ := svc.Health(1)
	require.Equal(t, TrendIncreasing, h.Trend)

	for _, size := range []int{40, 20, 5, 0, 0, 0} {
		src.set(status(1, size, 100))
		svc.Sample(context.Background())
		clk.advance(time.Second)
	}
	h, _ = svc.Health(1)
	require.Equal(t, TrendDecreasing, h.Trend)

	require.Equal(t, TrendStable, trend([]sample{{size: 1}, {size: 2}}, 100))
	require.Equal(t, TrendStable, trend([]sample{{size: 10}, {size: 11}, {size: 12}}, 100))
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 5
	svc, src, _ := newTestService(t, cfg)
	src.set(status(1, 1, 100))
	for i := 0; i < 20; i++ {
		svc.Sample(context.Background())
	}
	require.Len(t, svc.queues[1].history, 5)
}

func TestStalledQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StallAfter = time.Minute
	svc, src, clk := newTestService(t, cfg)

	st := status(1, 10, 100)
	st.Metrics.EventsProcessed = 7
	src.set(st)
	require.NotContains(t, kinds(svc.Sample(context.Background())), AlertQueueStalled)

	clk.advance(time.Minute)
	got := kinds(svc.Sample(context.Background()))
	require.Equal(t, SeverityWarning, got[AlertQueueStalled])
	h, _ := svc.Health(1)
	require.True(t, h.Stalled)
	require.InDelta(t, 80.0, h.HealthScore, 1e-9)

	clk.advance(time.Second)
	st.Metrics.EventsProcessed = 8
	src.set(st)
	svc.Sample(context.Background())
	h, _ = svc.Health(1)
	require.False(t, h.Stalled)
}

func TestRemovedQueuesAreForgotten(t *testing.T) {
	svc, src, _ := newTestService(t, DefaultConfig())
	src.set(status(1, 1, 10), status(2, 1, 10))
	svc.Sample(context.Background())
	require.Len(t, svc.HealthAll(), 2)

	src.set(status(2, 1, 10), queue.Status{DestinationID: 3})
	svc.Sample(context.Background())
	_, ok := svc.Health(1)
	require.False(t, ok)
	_, ok = svc.Health(3)
	require.False(t, ok)
	all := svc.HealthAll()
	require.Len(t, all, 1)
	require.EqualValues(t, 2, all[0].DestinationID)
}

func TestHandlersReceiveAlerts(t *testing.T) {
	svc, src, _ := newTestService(t, DefaultConfig())
	var got []Alert
	unregister := svc.RegisterHandler(func(a Alert) { got = append(got, a) })
	svc.RegisterHandler(func(Alert) { panic("boom") })

	src.set(status(1, 100, 100))
	raised := svc.Sample(context.Background())
	require.NotEmpty(t, raised)
	require.Equal(t, raised, got)

	unregister()
	src.set(status(2, 100, 100))
	svc.Sample(context.Background())
	require.Len(t, got, len(raised))
}

func TestRecentAlertsNewestFirstAndBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecentAlerts = 3
	cfg.AlertCooldown = 0
	svc, src, clk := newTestService(t, cfg)
	for i := int64(1); i <= 5; i++ {
		src.set(status(i, 100, 100))
		svc.Sample(context.Background())
		clk.advance(time.Second)
	}
	recent := svc.RecentAlerts(10)
	require.Len(t, recent, 3)
	require.EqualValues(t, 5, recent[0].QueueID)
	require.False(t, recent[0].Timestamp.Before(recent[2].Timestamp))
	require.Len(t, svc.RecentAlerts(1), 1)

	cfg.RecentAlerts = 2
	svc.Reconfigure(cfg)
	require.Len(t, svc.RecentAlerts(0), 2)
	require.Equal(t, recent[0], svc.RecentAlerts(1)[0])
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	src := &fakeSource{}
	src.set(status(1, 100, 100))
	svc := NewService(cfg, src, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	require.Eventually(t, func() bool { return len(svc.RecentAlerts(0)) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestConfigSanitize(t *testing.T) {
	cfg := Config{UtilizationWarning: 2, HealthWarning: 50, HealthCritical: 60, HistorySize: 1}.Sanitize(nil)
	def := DefaultConfig()
	require.Equal(t, def.UtilizationWarning, cfg.UtilizationWarning)
	require.Equal(t, def.HistorySize, cfg.HistorySize)
	require.Equal(t, 40.0, cfg.HealthCritical)
	require.Equal(t, def.Interval, cfg.Interval)
}
