package config

import (
	"reflect"
	"sync"
)

// AppConfigStore guards the loaded application configuration. Every accepted
// change is handed to persist before it becomes visible; a persist failure
// leaves the previous configuration in place.
type AppConfigStore struct {
	mu      sync.RWMutex
	cfg     AppConfig
	persist func(AppConfig) error
}

// NewAppConfigStore validates initial and wraps it in a store.
func NewAppConfigStore(initial AppConfig, persist func(AppConfig) error) (*AppConfigStore, error) {
	cfg := initial.Clone()
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AppConfigStore{cfg: cfg, persist: persist}, nil
}

// Snapshot returns a deep copy of the current configuration.
func (s *AppConfigStore) Snapshot() AppConfig {
	if s == nil {
		return DefaultAppConfig()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// SetRuntime swaps the runtime section, keeping destinations and the
// process-level sections untouched.
func (s *AppConfigStore) SetRuntime(runtime RuntimeConfig) error {
	return s.Update(func(cfg *AppConfig) {
		cfg.Runtime = runtime.Clone()
	})
}

// Replace swaps the whole configuration.
func (s *AppConfigStore) Replace(next AppConfig) error {
	return s.Update(func(cfg *AppConfig) {
		*cfg = next.Clone()
	})
}

// Update applies mutate to a copy of the configuration and commits the
// result when it validates. Unchanged results skip persistence.
func (s *AppConfigStore) Update(mutate func(*AppConfig)) error {
	if s == nil || mutate == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.cfg.Clone()
	mutate(&updated)
	if err := updated.normalise(); err != nil {
		return err
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	if reflect.DeepEqual(s.cfg, updated) {
		return nil
	}
	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return err
		}
	}
	s.cfg = updated
	return nil
}
