package delivery

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/takbridge/internal/domain/destination"
	"github.com/coachpo/takbridge/internal/infra/telemetry"
)

type instruments struct {
	environment string

	transmitDuration metric.Float64Histogram
	transmitBytes    metric.Int64Counter
	transmits        metric.Int64Counter
	connections      metric.Int64Counter
	active           metric.Int64ObservableGauge
}

func newInstruments(m *Manager) *instruments {
	meter := otel.Meter("takbridge.delivery")
	inst := &instruments{environment: telemetry.Environment()}

	inst.transmitDuration, _ = meter.Float64Histogram("takbridge.delivery.transmit.duration",
		metric.WithDescription("Time spent writing one batch to a TAK server"),
		metric.WithUnit("ms"))
	inst.transmitBytes, _ = meter.Int64Counter("takbridge.delivery.bytes",
		metric.WithDescription("Bytes written to TAK servers"),
		metric.WithUnit("By"))
	inst.transmits, _ = meter.Int64Counter("takbridge.delivery.batches",
		metric.WithDescription("Batch transmissions by result"),
		metric.WithUnit("{batch}"))
	inst.connections, _ = meter.Int64Counter("takbridge.delivery.connections",
		metric.WithDescription("Connection attempts by resulting state"),
		metric.WithUnit("{attempt}"))
	inst.active, _ = meter.Int64ObservableGauge("takbridge.delivery.workers.active",
		metric.WithDescription("Workers currently holding a connection"),
		metric.WithUnit("{worker}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			var n int64
			for _, st := range m.Statuses() {
				if st.ConnectionActive {
					n++
				}
			}
			observer.Observe(n, metric.WithAttributes(telemetry.AttrEnvironment.String(inst.environment)))
			return nil
		}))
	return inst
}

func (i *instruments) recordTransmit(ctx context.Context, dest destination.Destination, result string, bytes int, elapsed time.Duration) {
	if i == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := append(telemetry.DestinationAttributes(i.environment, dest.ID, string(dest.Transport)),
		telemetry.AttrResult.String(result))
	opts := metric.WithAttributes(attrs...)
	if i.transmits != nil {
		i.transmits.Add(ctx, 1, opts)
	}
	if i.transmitDuration != nil {
		i.transmitDuration.Record(ctx, float64(elapsed.Microseconds())/1000, opts)
	}
	if result == "success" && i.transmitBytes != nil {
		i.transmitBytes.Add(ctx, int64(bytes), opts)
	}
}

func (i *instruments) recordConnection(ctx context.Context, dest destination.Destination, state string) {
	if i == nil || i.connections == nil {
		return
	}
	attrs := append(telemetry.DestinationAttributes(i.environment, dest.ID, string(dest.Transport)),
		telemetry.AttrConnectionState.String(state))
	i.connections.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
