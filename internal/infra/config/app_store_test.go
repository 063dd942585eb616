package config

import (
	"errors"
	"testing"
)

func TestAppConfigStoreSetRuntimePersists(t *testing.T) {
	var persisted []AppConfig
	store, err := NewAppConfigStore(DefaultAppConfig(), func(cfg AppConfig) error {
		persisted = append(persisted, cfg)
		return nil
	})
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}

	runtime := store.Snapshot().Runtime
	runtime.Queue.MaxSize = 2000
	if err := store.SetRuntime(runtime); err != nil {
		t.Fatalf("SetRuntime failed: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected one persist call, got %d", len(persisted))
	}
	if persisted[0].Runtime.Queue.MaxSize != 2000 {
		t.Fatalf("expected persisted max size 2000, got %d", persisted[0].Runtime.Queue.MaxSize)
	}
	if store.Snapshot().Runtime.Queue.MaxSize != 2000 {
		t.Fatalf("expected snapshot to reflect runtime update")
	}

	if err := store.SetRuntime(runtime); err != nil {
		t.Fatalf("SetRuntime unchanged failed: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected unchanged runtime to skip persistence, got %d calls", len(persisted))
	}
}

func TestAppConfigStoreRejectsInvalidRuntime(t *testing.T) {
	store, err := NewAppConfigStore(DefaultAppConfig(), nil)
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}
	runtime := store.Snapshot().Runtime
	runtime.Queue.BatchSize = runtime.Queue.MaxSize + 1
	if err := store.SetRuntime(runtime); err == nil {
		t.Fatalf("expected validation error")
	}
	if store.Snapshot().Runtime.Queue.BatchSize == runtime.Queue.BatchSize {
		t.Fatalf("expected invalid runtime to be discarded")
	}
}

func TestAppConfigStorePersistFailureKeepsPrevious(t *testing.T) {
	boom := errors.New("disk full")
	store, err := NewAppConfigStore(DefaultAppConfig(), func(AppConfig) error { return boom })
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}
	next := store.Snapshot()
	next.Destinations = []DestinationConfig{{ID: 9, Host: "tak", Port: 8087}}
	if err := store.Replace(next); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if len(store.Snapshot().Destinations) != 0 {
		t.Fatalf("expected previous configuration to be retained")
	}
}

func TestAppConfigStoreSnapshotIsolation(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Destinations = []DestinationConfig{{ID: 1, Host: "tak", Port: 8087, Enabled: boolPtr(true)}}
	store, err := NewAppConfigStore(cfg, nil)
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}
	snap := store.Snapshot()
	*snap.Destinations[0].Enabled = false
	snap.Destinations[0].Host = "mutated"

	again := store.Snapshot()
	if !*again.Destinations[0].Enabled || again.Destinations[0].Host != "tak" {
		t.Fatalf("expected snapshot mutation not to leak into store")
	}
}

func TestAppConfigStoreUpdateNormalisesDestinations(t *testing.T) {
	calls := 0
	store, err := NewAppConfigStore(DefaultAppConfig(), func(AppConfig) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}
	err = store.Update(func(cfg *AppConfig) {
		cfg.Destinations = append(cfg.Destinations, DestinationConfig{ID: 4, Host: " tak.local ", Port: 8087, Transport: " TLS "})
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got := store.Snapshot().Destinations
	if len(got) != 1 || got[0].Host != "tak.local" || got[0].Transport != "tls" {
		t.Fatalf("expected normalised destination, got %+v", got)
	}
	if err := store.Update(func(*AppConfig) {}); err != nil {
		t.Fatalf("no-op Update failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single persist call, got %d", calls)
	}
}
