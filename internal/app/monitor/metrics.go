package monitor

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/takbridge/internal/infra/telemetry"
)

type instruments struct {
	environment string
	alerts      metric.Int64Counter
	health      metric.Float64ObservableGauge
}

func newInstruments(s *Service) *instruments {
	meter := otel.Meter("takbridge.monitor")
	inst := &instruments{environment: telemetry.Environment()}
	inst.alerts, _ = meter.Int64Counter("takbridge.monitor.alerts",
		metric.WithDescription("Alerts dispatched after rate limiting"),
		metric.WithUnit("{alert}"))
	inst.health, _ = meter.Float64ObservableGauge("takbridge.monitor.health_score",
		metric.WithDescription("Latest queue health score (0-100)"),
		metric.WithFloat64Callback(func(_ context.Context, observer metric.Float64Observer) error {
			for _, h := range s.HealthAll() {
				observer.Observe(h.HealthScore, metric.WithAttributes(
					telemetry.AttrEnvironment.String(inst.environment),
					telemetry.AttrDestination.String(strconv.FormatInt(h.DestinationID, 10))))
			}
			return nil
		}))
	return inst
}

func (i *instruments) recordAlert(ctx context.Context, alert Alert) {
	if i == nil || i.alerts == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := telemetry.AlertAttributes(i.environment, alert.QueueID, string(alert.Type), string(alert.Severity))
	i.alerts.Add(ctx, 1, metric.WithAttributes(attrs...))
}
