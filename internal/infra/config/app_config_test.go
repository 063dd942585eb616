package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/takbridge/internal/app/queue"
	"github.com/coachpo/takbridge/internal/domain/destination"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if loaded {
		t.Fatalf("expected defaults for missing file")
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected default environment dev, got %s", cfg.Environment)
	}
	if cfg.Runtime.Queue.MaxSize != queue.DefaultMaxSize {
		t.Fatalf("expected default queue size %d, got %d", queue.DefaultMaxSize, cfg.Runtime.Queue.MaxSize)
	}
	if cfg.Database.Enabled() {
		t.Fatalf("expected database disabled by default")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
apiServer:
  addr: ":9999"
telemetry:
  otlpEndpoint: http://localhost:4318
  serviceName: test-service
  enableMetrics: false
database:
  dsn: postgresql://localhost:5432/takbridge?sslmode=disable
  maxConns: 32
  minConns: 4
  maxConnLifetime: 45m
  runMigrations: true
destinations:
  - id: 1
    name: primary
    host: tak.example.org
    port: 8089
    transport: TLS
    verifyPeer: false
  - id: 2
    host: 10.0.0.5
    port: 8087
    enabled: false
runtime:
  queue:
    maxSize: 1000
    batchSize: 16
    batchTimeout: 250ms
    overflowPolicy: DROP_NEWEST
    flushOnConfigChange: false
  breaker:
    failureThreshold: 2
    jitter: false
  monitor:
    interval: 30s
    alertCooldown: 1m
  cot:
    staleAfter: 10m
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected environment %s, got %s", EnvStaging, cfg.Environment)
	}
	if cfg.APIServer.Addr != ":9999" {
		t.Fatalf("expected api server addr :9999, got %s", cfg.APIServer.Addr)
	}
	if cfg.Telemetry.EnableMetrics {
		t.Fatalf("expected telemetry metrics disabled")
	}

	if !cfg.Database.Enabled() || cfg.Database.MaxConns != 32 || cfg.Database.MinConns != 4 {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Database.MaxConnLifetime != 45*time.Minute {
		t.Fatalf("expected maxConnLifetime 45m, got %s", cfg.Database.MaxConnLifetime)
	}
	if cfg.Database.MaxConnIdleTime != 5*time.Minute {
		t.Fatalf("expected default maxConnIdleTime 5m, got %s", cfg.Database.MaxConnIdleTime)
	}

	dests, err := cfg.LoadDestinations(filepath.Dir(path))
	if err != nil {
		t.Fatalf("LoadDestinations failed: %v", err)
	}
	if len(dests) != 2 {
		t.Fatalf("expected 2 destinations, got %d", len(dests))
	}
	if dests[0].Transport != destination.TransportTLS || dests[0].VerifyPeer {
		t.Fatalf("unexpected first destination %+v", dests[0])
	}
	if dests[1].Transport != destination.TransportTCP || !dests[1].VerifyPeer || dests[1].Enabled {
		t.Fatalf("unexpected second destination %+v", dests[1])
	}

	q := cfg.Runtime.QueueConfig()
	if q.MaxSize != 1000 || q.BatchSize != 16 || q.BatchTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected queue config %+v", q)
	}
	if q.OverflowPolicy != queue.PolicyDropNewest {
		t.Fatalf("expected drop_newest policy, got %s", q.OverflowPolicy)
	}
	if q.FlushOnConfigChange {
		t.Fatalf("expected flushOnConfigChange false")
	}

	b := cfg.Runtime.BreakerConfig()
	if b.FailureThreshold != 2 || b.Jitter {
		t.Fatalf("unexpected breaker config %+v", b)
	}
	if b.SuccessThreshold != 3 {
		t.Fatalf("expected default success threshold 3, got %d", b.SuccessThreshold)
	}
	if m := cfg.Runtime.MonitorConfig(); m.Interval != 30*time.Second || m.AlertCooldown != time.Minute {
		t.Fatalf("unexpected monitor config %+v", m)
	}
	if c := cfg.Runtime.COTConfig(); c.StaleAfter != 10*time.Minute {
		t.Fatalf("expected stale after 10m, got %s", c.StaleAfter)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"environment": {body: "environment: qa\n", want: "environment must be one of"},
		"duplicate destination": {body: `
destinations:
  - {id: 1, host: a, port: 1}
  - {id: 1, host: b, port: 2}
`, want: "duplicate destination id 1"},
		"bad transport": {body: `
destinations:
  - {id: 1, host: a, port: 1, transport: udp}
`, want: "unknown transport"},
		"bad port": {body: `
destinations:
  - {id: 3, host: a, port: 70000}
`, want: "out of range"},
		"bad policy": {body: `
runtime:
  queue:
    overflowPolicy: random
`, want: "queue.overflow_policy"},
		"batch over max": {body: `
runtime:
  queue:
    maxSize: 4
    batchSize: 8
`, want: "queue.batch_size must be <= queue.max_size"},
		"bad duration": {body: `
runtime:
  worker:
    idleInterval: soon
`, want: "invalid duration"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDestinationCertificatesResolveRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{"client.pem": "CERT", "client.key": "KEY", "client.p12": "P12"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	t.Setenv("TAK_P12_PASSWORD", "secret")

	pem := DestinationConfig{ID: 1, Host: "h", Port: 1, Transport: "tls",
		Cert: &CertConfig{CertFile: "client.pem", KeyFile: "client.key"}}
	dest, err := pem.Destination(dir)
	if err != nil {
		t.Fatalf("Destination failed: %v", err)
	}
	if string(dest.ClientCert.Cert) != "CERT" || string(dest.ClientCert.Key) != "KEY" {
		t.Fatalf("unexpected pem bundle %+v", dest.ClientCert)
	}
	if dest.ClientCert.Format != destination.CertFormatPEM {
		t.Fatalf("expected pem format, got %s", dest.ClientCert.Format)
	}

	p12 := DestinationConfig{ID: 2, Host: "h", Port: 1, Transport: "tls",
		Cert: &CertConfig{P12File: filepath.Join(dir, "client.p12"), PasswordEnv: "TAK_P12_PASSWORD"}}
	dest, err = p12.Destination("/elsewhere")
	if err != nil {
		t.Fatalf("Destination failed: %v", err)
	}
	if dest.ClientCert.Format != destination.CertFormatP12 || dest.ClientCert.Password != "secret" {
		t.Fatalf("unexpected p12 bundle %+v", dest.ClientCert)
	}

	missing := DestinationConfig{ID: 3, Host: "h", Port: 1, Transport: "tls", Cert: &CertConfig{CertFile: "nope.pem"}}
	if _, err := missing.Destination(dir); err == nil || !strings.Contains(err.Error(), "certFile") {
		t.Fatalf("expected missing cert error, got %v", err)
	}
}

func TestSaveAppConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.yaml")
	cfg := DefaultAppConfig()
	cfg.Destinations = []DestinationConfig{{ID: 4, Host: "tak", Port: 8087}}
	cfg.Runtime.Queue.BatchTimeout = Duration(300 * time.Millisecond)
	if err := SaveAppConfig(path, cfg); err != nil {
		t.Fatalf("SaveAppConfig failed: %v", err)
	}

	loaded, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Destinations) != 1 || loaded.Destinations[0].ID != 4 {
		t.Fatalf("unexpected destinations %+v", loaded.Destinations)
	}
	if loaded.Runtime.Queue.BatchTimeout.Std() != 300*time.Millisecond {
		t.Fatalf("expected batch timeout 300ms, got %s", loaded.Runtime.Queue.BatchTimeout)
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90")); err != nil || d.Std() != 90*time.Second {
		t.Fatalf("expected bare integer as seconds, got %s (%v)", d, err)
	}
	if err := d.UnmarshalText([]byte("1m30s")); err != nil || d.Std() != 90*time.Second {
		t.Fatalf("expected 1m30s, got %s (%v)", d, err)
	}
	if err := d.UnmarshalText([]byte("x")); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
	text, _ := Duration(1500 * time.Millisecond).MarshalText()
	if string(text) != "1.5s" {
		t.Fatalf("expected 1.5s, got %s", text)
	}
}
