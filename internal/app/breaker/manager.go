package breaker

import (
	"log"
	"os"
	"sort"
	"sync"
)

// Option customises a breaker on lookup.
type Option func(*Breaker)

// WithHealthCheck installs the probe run while the breaker is open.
func WithHealthCheck(check HealthCheck) Option {
	return func(b *Breaker) {
		b.SetHealthCheck(check)
	}
}

// Manager is a keyed registry of breakers. Its lock guards registration and
// lookup only; breaker operations use each breaker's own lock.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
	logger   *log.Logger
}

// NewManager constructs an empty registry using cfg for new breakers.
func NewManager(cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "circuit-breaker ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Manager{
		mu:       sync.Mutex{},
		cfg:      cfg.Sanitize(logger),
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// Get returns the breaker registered under name, creating it on first use.
func (m *Manager) Get(name string, opts ...Option) *Breaker {
	m.mu.Lock()
	b, ok := m.breakers[name]
	if !ok {
		b = New(name, m.cfg, m.logger)
		m.breakers[name] = b
	}
	m.mu.Unlock()
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Lookup returns an existing breaker.
func (m *Manager) Lookup(name string) (*Breaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	return b, ok
}

func (m *Manager) list() []*Breaker {
	m.mu.Lock()
	out := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Status returns the status of a registered breaker.
func (m *Manager) Status(name string) (Status, bool) {
	b, ok := m.Lookup(name)
	if !ok {
		return Status{}, false
	}
	return b.Status(), true
}

// Snapshot returns every breaker status ordered by name.
func (m *Manager) Snapshot() []Status {
	breakers := m.list()
	out := make([]Status, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Status())
	}
	return out
}

// Reset closes the named breaker.
func (m *Manager) Reset(name string) error {
	b, ok := m.Lookup(name)
	if !ok {
		return ErrBreakerNotFound
	}
	b.Reset()
	return nil
}

// ResetAll closes every registered breaker.
func (m *Manager) ResetAll() {
	for _, b := range m.list() {
		b.Reset()
	}
}

// Remove unregisters and stops a breaker. Used by ops tooling and tests.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	b, ok := m.breakers[name]
	if ok {
		delete(m.breakers, name)
	}
	m.mu.Unlock()
	if ok {
		b.Close()
	}
	return ok
}

// Reconfigure updates the template for new breakers and applies cfg to existing ones.
func (m *Manager) Reconfigure(cfg Config) {
	cfg = cfg.Sanitize(m.logger)
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	for _, b := range m.list() {
		b.Reconfigure(cfg)
	}
}

// Config returns the template used for new breakers.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Close stops all health-check loops.
func (m *Manager) Close() {
	for _, b := range m.list() {
		b.Close()
	}
}
