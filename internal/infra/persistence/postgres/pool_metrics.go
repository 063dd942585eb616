package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/takbridge/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"takbridge_db_pool_connections_total", "Total connections (idle + acquired + constructing)",
		func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"takbridge_db_pool_connections_idle", "Idle connections ready for checkout",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"takbridge_db_pool_connections_acquired", "Connections currently acquired by callers",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"takbridge_db_pool_connections_constructing", "Connections currently being constructed",
		func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) }},
}

// ObservePoolMetrics registers observable gauges that report pgx pool health.
// A single callback reads pool.Stat once per collection for all gauges.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", normalized),
	)

	meter := otel.Meter("takbridge.postgres.pool")
	instruments := make([]metric.Int64ObservableGauge, 0, len(poolGauges))
	observables := make([]metric.Observable, 0, len(poolGauges))
	for _, g := range poolGauges {
		gauge, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"))
		if err != nil {
			return
		}
		instruments = append(instruments, gauge)
		observables = append(observables, gauge)
	}

	_, _ = meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stat := pool.Stat()
		for i, g := range poolGauges {
			observer.ObserveInt64(instruments[i], g.read(stat), attrs)
		}
		return nil
	}, observables...)
}
