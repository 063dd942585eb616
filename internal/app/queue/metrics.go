package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/takbridge/internal/infra/telemetry"
)

type instruments struct {
	manager     *Manager
	environment string

	enqueued  metric.Int64Counter
	dropped   metric.Int64Counter
	overflows metric.Int64Counter
	replaced  metric.Int64Counter
	stale     metric.Int64Counter
	batchSize metric.Int64Histogram
	depth     metric.Int64ObservableGauge
}

func newInstruments(m *Manager) *instruments {
	meter := otel.Meter("takbridge.queue")
	inst := &instruments{
		manager:     m,
		environment: telemetry.Environment(),
		enqueued:    nil,
		dropped:     nil,
		overflows:   nil,
		replaced:    nil,
		stale:       nil,
		batchSize:   nil,
		depth:       nil,
	}

	inst.enqueued, _ = meter.Int64Counter("takbridge.queue.events.enqueued",
		metric.WithDescription("Events admitted to destination queues"),
		metric.WithUnit("{event}"))
	inst.dropped, _ = meter.Int64Counter("takbridge.queue.events.dropped",
		metric.WithDescription("Events discarded by overflow policy, flushes or delivery failures"),
		metric.WithUnit("{event}"))
	inst.overflows, _ = meter.Int64Counter("takbridge.queue.overflows",
		metric.WithDescription("Enqueue attempts that found the queue at capacity"),
		metric.WithUnit("{event}"))
	inst.replaced, _ = meter.Int64Counter("takbridge.queue.events.replaced",
		metric.WithDescription("Queued events superseded by a newer update for the same device"),
		metric.WithUnit("{event}"))
	inst.stale, _ = meter.Int64Counter("takbridge.queue.events.stale",
		metric.WithDescription("Device updates discarded because a newer update was already applied"),
		metric.WithUnit("{event}"))
	inst.batchSize, _ = meter.Int64Histogram("takbridge.queue.batch.size",
		metric.WithDescription("Events per transmitted batch"),
		metric.WithUnit("{event}"))
	inst.depth, _ = meter.Int64ObservableGauge("takbridge.queue.depth",
		metric.WithDescription("Events currently queued per destination"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			for _, st := range m.StatusAll() {
				attrs := telemetry.QueueAttributes(inst.environment, st.DestinationID, string(st.OverflowPolicy))
				observer.Observe(int64(st.Size), metric.WithAttributes(attrs...))
			}
			return nil
		}))
	return inst
}

func (i *instruments) attrs(id int64) []attribute.KeyValue {
	return telemetry.QueueAttributes(i.environment, id, string(i.manager.Config().OverflowPolicy))
}

func (i *instruments) recordAdmission(ctx context.Context, id int64, res admission) {
	if i == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := i.attrs(id)
	opts := metric.WithAttributes(attrs...)
	if res.outcome == outcomeAccepted && i.enqueued != nil {
		i.enqueued.Add(ctx, 1, opts)
	}
	if res.replaced > 0 && i.replaced != nil {
		i.replaced.Add(ctx, int64(res.replaced), opts)
	}
	if res.outcome == outcomeStale && i.stale != nil {
		i.stale.Add(ctx, 1, opts)
	}
	overflowed := res.evicted > 0 || res.outcome == outcomeRejected
	if overflowed && i.overflows != nil {
		i.overflows.Add(ctx, 1, opts)
	}
	if overflowed && i.dropped != nil {
		dropAttrs := append(attrs, telemetry.AttrReason.String(telemetry.ReasonOverflow))
		i.dropped.Add(ctx, 1, metric.WithAttributes(dropAttrs...))
	}
}

func (i *instruments) recordDrop(ctx context.Context, id int64, n int, reason string) {
	if i == nil || i.dropped == nil || n <= 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := append(i.attrs(id), telemetry.AttrReason.String(reason))
	i.dropped.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}

func (i *instruments) recordBatch(ctx context.Context, id int64, n int) {
	if i == nil || i.batchSize == nil {
		return
	}
	ctx = ensureContext(ctx)
	i.batchSize.Record(ctx, int64(n), metric.WithAttributes(i.attrs(id)...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
