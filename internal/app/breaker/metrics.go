package breaker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/takbridge/internal/infra/telemetry"
)

// Metrics is a point-in-time view of breaker activity.
type Metrics struct {
	TotalCalls          uint64        `json:"total_calls"`
	SuccessfulCalls     uint64        `json:"successful_calls"`
	FailedCalls         uint64        `json:"failed_calls"`
	TimeoutCalls        uint64        `json:"timeout_calls"`
	RejectedCalls       uint64        `json:"rejected_calls"`
	FailureRate         float64       `json:"failure_rate"`
	AvgLatency          time.Duration `json:"avg_latency"`
	OpenTransitions     uint64        `json:"open_transitions"`
	CloseTransitions    uint64        `json:"close_transitions"`
	HalfOpenTransitions uint64        `json:"half_open_transitions"`
	LastStateChange     time.Time     `json:"last_state_change"`
}

// latencyWindow keeps the most recent call durations in a ring.
type latencyWindow struct {
	samples []time.Duration
	next    int
	filled  bool
	sum     time.Duration
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 1
	}
	return &latencyWindow{samples: make([]time.Duration, size), next: 0, filled: false, sum: 0}
}

func (w *latencyWindow) add(d time.Duration) {
	w.sum -= w.samples[w.next]
	w.samples[w.next] = d
	w.sum += d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

func (w *latencyWindow) len() int {
	if w.filled {
		return len(w.samples)
	}
	return w.next
}

func (w *latencyWindow) average() time.Duration {
	n := w.len()
	if n == 0 {
		return 0
	}
	return w.sum / time.Duration(n)
}

// resize keeps the most recent samples that fit the new size.
func (w *latencyWindow) resize(size int) *latencyWindow {
	if size <= 0 || size == len(w.samples) {
		return w
	}
	out := newLatencyWindow(size)
	n := w.len()
	start := 0
	if n > size {
		start = n - size
	}
	for i := start; i < n; i++ {
		idx := i
		if w.filled {
			idx = (w.next + i) % len(w.samples)
		}
		out.add(w.samples[idx])
	}
	return out
}

type instruments struct {
	environment string
	calls       metric.Int64Counter
	rejections  metric.Int64Counter
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
}

func newInstruments() *instruments {
	meter := otel.Meter("takbridge.breaker")
	inst := &instruments{environment: telemetry.Environment(), calls: nil, rejections: nil, transitions: nil, duration: nil}
	inst.calls, _ = meter.Int64Counter("takbridge.breaker.calls",
		metric.WithDescription("Calls executed through circuit breakers"),
		metric.WithUnit("{call}"))
	inst.rejections, _ = meter.Int64Counter("takbridge.breaker.rejections",
		metric.WithDescription("Calls rejected without execution while a breaker was open"),
		metric.WithUnit("{call}"))
	inst.transitions, _ = meter.Int64Counter("takbridge.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"))
	inst.duration, _ = meter.Float64Histogram("takbridge.breaker.call.duration",
		metric.WithDescription("Latency of breaker protected calls"),
		metric.WithUnit("ms"))
	return inst
}

func (i *instruments) recordCall(ctx context.Context, name, result string, elapsed time.Duration) {
	if i == nil || i.calls == nil {
		return
	}
	attrs := append(telemetry.BreakerAttributes(i.environment, name, ""), telemetry.AttrResult.String(result))
	i.calls.Add(ctx, 1, metric.WithAttributes(attrs...))
	if i.duration != nil {
		i.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func (i *instruments) recordRejection(ctx context.Context, name string, state State) {
	if i == nil || i.rejections == nil {
		return
	}
	i.rejections.Add(ctx, 1, metric.WithAttributes(telemetry.BreakerAttributes(i.environment, name, state.String())...))
}

func (i *instruments) recordTransition(name string, to State) {
	if i == nil || i.transitions == nil {
		return
	}
	i.transitions.Add(context.Background(), 1, metric.WithAttributes(telemetry.BreakerAttributes(i.environment, name, to.String())...))
}
