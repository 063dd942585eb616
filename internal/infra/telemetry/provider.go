// Package telemetry wires OpenTelemetry metrics for takbridge and holds the
// attribute keys shared by every instrumented package.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	instrumentationsdk "go.opentelemetry.io/otel/sdk/instrumentation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	defaultServiceName    = "takbridge"
	defaultServiceVersion = "1.0.0"
	defaultEndpoint       = "localhost:4318"
	defaultInterval       = 30 * time.Second
	defaultEnvironment    = "development"
)

var (
	envMu             sync.RWMutex
	globalEnvironment string
)

// Config describes the OTLP metric export.
type Config struct {
	Enabled          bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	EnableMetrics    bool
	MetricInterval   time.Duration
	ServiceName      string
	ServiceVersion   string
	ServiceNamespace string
	Environment      string
}

// DefaultConfig reads the standard OTEL_* variables. TAKBRIDGE_ENV names the
// environment when OTEL_RESOURCE_ENVIRONMENT is unset.
func DefaultConfig() Config {
	return Config{
		Enabled:          os.Getenv("OTEL_ENABLED") != "false",
		OTLPEndpoint:     envOr(defaultEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:     os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		EnableMetrics:    os.Getenv("OTEL_METRICS_ENABLED") != "false",
		MetricInterval:   defaultInterval,
		ServiceName:      envOr(defaultServiceName, "OTEL_SERVICE_NAME"),
		ServiceVersion:   defaultServiceVersion,
		ServiceNamespace: strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAMESPACE")),
		Environment:      envOr(defaultEnvironment, "OTEL_RESOURCE_ENVIRONMENT", "TAKBRIDGE_ENV"),
	}
}

func envOr(fallback string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return fallback
}

// Option customises provider construction.
type Option func(*providerOptions)

type providerOptions struct {
	readers []sdkmetric.Reader
}

// WithReader attaches an additional metric reader, e.g. a manual reader
// that lets tests collect what the bridge recorded.
func WithReader(reader sdkmetric.Reader) Option {
	return func(o *providerOptions) {
		if reader != nil {
			o.readers = append(o.readers, reader)
		}
	}
}

// Provider owns the SDK meter provider. The zero value and a nil *Provider
// fall back to the global no-op meter.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	config        Config
}

// NewProvider installs a meter provider as the global otel provider. The
// OTLP exporter is attached only when metrics export is enabled; extra
// readers are attached regardless.
func NewProvider(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	SetEnvironment(cfg.Environment)

	var options providerOptions
	for _, opt := range opts {
		opt(&options)
	}
	readers := options.readers

	if cfg.Enabled && cfg.EnableMetrics {
		exporter, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = defaultInterval
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)))
	}
	if len(readers) == 0 {
		return &Provider{config: cfg}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	providerOpts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithView(histogramViews()...)}
	for _, reader := range readers {
		providerOpts = append(providerOpts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(mp)
	return &Provider{meterProvider: mp, config: cfg}, nil
}

// Enabled reports whether a meter provider is installed.
func (p *Provider) Enabled() bool {
	return p != nil && p.meterProvider != nil
}

// Meter returns a named meter from the provider, or the global one when no
// provider is installed.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if !p.Enabled() {
		return otel.Meter(name, opts...)
	}
	return p.meterProvider.Meter(name, opts...)
}

// Shutdown flushes pending exports and releases the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

func newExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return otlpmetrichttp.New(ctx, opts...)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	version := cfg.ServiceVersion
	if version == "" {
		version = defaultServiceVersion
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(version),
	}
	if cfg.ServiceNamespace != "" {
		attrs = append(attrs, semconv.ServiceNamespaceKey.String(cfg.ServiceNamespace))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, AttrEnvironment.String(strings.ToLower(cfg.Environment)))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}
	return res, nil
}

// histogramBuckets maps each takbridge histogram to explicit bucket
// boundaries.
var histogramBuckets = []struct {
	name       string
	unit       string
	boundaries []float64
}{
	{"takbridge.delivery.transmit.duration", "ms", []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}},
	{"takbridge.breaker.call.duration", "ms", []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000}},
	{"takbridge.queue.batch.size", "{event}", []float64{1, 2, 4, 8, 16, 32, 64, 128, 256}},
}

func histogramViews() []sdkmetric.View {
	views := make([]sdkmetric.View, 0, len(histogramBuckets))
	for _, h := range histogramBuckets {
		views = append(views, sdkmetric.NewView(
			sdkmetric.Instrument{
				Name:  h.name,
				Kind:  sdkmetric.InstrumentKindHistogram,
				Unit:  h.unit,
				Scope: instrumentationsdk.Scope{},
			},
			sdkmetric.Stream{
				Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: h.boundaries},
			},
		))
	}
	return views
}

// stripScheme trims an http(s) scheme; the OTLP HTTP exporter wants host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

// SetEnvironment sets the environment label attached to every instrument
// created afterwards.
func SetEnvironment(env string) {
	envMu.Lock()
	globalEnvironment = strings.ToLower(strings.TrimSpace(env))
	envMu.Unlock()
}

// Environment returns the configured environment label.
func Environment() string {
	envMu.RLock()
	defer envMu.RUnlock()
	if globalEnvironment == "" {
		return defaultEnvironment
	}
	return globalEnvironment
}
