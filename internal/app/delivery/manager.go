package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/takbridge/internal/app/breaker"
	"github.com/coachpo/takbridge/internal/app/queue"
	"github.com/coachpo/takbridge/internal/domain/destination"
)

var (
	// ErrWorkerRunning indicates a worker for the destination is already active.
	ErrWorkerRunning = errors.New("worker already running")
	// ErrWorkerNotFound indicates no worker is registered for the destination.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrWorkerNotRunning indicates the worker was already stopped.
	ErrWorkerNotRunning = errors.New("worker not running")
)

// Manager owns the delivery workers keyed by destination id.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	workers  map[int64]*Worker
	queues   *queue.Manager
	breakers *breaker.Manager
	dialer   Dialer
	logger   *log.Logger
	inst     *instruments

	lifecycleMu  sync.RWMutex
	lifecycleCtx context.Context
}

// NewManager constructs a worker manager over shared queue and breaker registries.
func NewManager(cfg Config, queues *queue.Manager, breakers *breaker.Manager, dialer Dialer, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "delivery ", log.LstdFlags|log.Lmicroseconds)
	}
	m := &Manager{
		mu:           sync.RWMutex{},
		cfg:          cfg.Sanitize(logger),
		workers:      make(map[int64]*Worker),
		queues:       queues,
		breakers:     breakers,
		dialer:       dialer,
		logger:       logger,
		lifecycleMu:  sync.RWMutex{},
		lifecycleCtx: context.Background(),
	}
	m.inst = newInstruments(m)
	return m
}

// SetLifecycleContext configures the parent context for worker loops.
func (m *Manager) SetLifecycleContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.lifecycleMu.Lock()
	m.lifecycleCtx = ctx
	m.lifecycleMu.Unlock()
}

func (m *Manager) parentContext() context.Context {
	m.lifecycleMu.RLock()
	ctx := m.lifecycleCtx
	m.lifecycleMu.RUnlock()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// Start launches a worker for dest. The worker is only registered once connected.
func (m *Manager) Start(ctx context.Context, dest destination.Destination) error {
	if err := dest.Validate(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	m.mu.Lock()
	if _, ok := m.workers[dest.ID]; ok {
		m.mu.Unlock()
		return ErrWorkerRunning
	}
	w := newWorker(dest, m.Config(), m.queues, m.breakers, m.dialer, m.logger, m.inst)
	m.workers[dest.ID] = w
	m.mu.Unlock()

	if err := w.Start(ctx, m.parentContext()); err != nil {
		m.mu.Lock()
		if m.workers[dest.ID] == w {
			delete(m.workers, dest.ID)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Stop halts the worker for id and unregisters it.
func (m *Manager) Stop(ctx context.Context, id int64) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrWorkerNotFound
	}
	return w.Stop(ctx)
}

// Restart stops and starts the worker for id with its current descriptor.
// The queue is handed to the new worker, so pending events survive unless
// the new worker fails to connect.
func (m *Manager) Restart(ctx context.Context, id int64) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrWorkerNotFound
	}
	if err := w.stop(ctx, true); err != nil && !errors.Is(err, ErrWorkerNotRunning) {
		return err
	}
	return m.Start(ctx, w.Destination())
}

// Replace stops any worker for dest.ID and starts a new one with dest.
func (m *Manager) Replace(ctx context.Context, dest destination.Destination) error {
	if err := m.Stop(ctx, dest.ID); err != nil && !errors.Is(err, ErrWorkerNotFound) && !errors.Is(err, ErrWorkerNotRunning) {
		return err
	}
	return m.Start(ctx, dest)
}

// StopAll stops every worker concurrently.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for id, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	p := pool.New().WithMaxGoroutines(8)
	for _, w := range workers {
		p.Go(func() {
			if err := w.Stop(ctx); err != nil && !errors.Is(err, ErrWorkerNotRunning) {
				m.logger.Printf("worker stop failed: destination=%d err=%v", w.dest.ID, err)
			}
		})
	}
	p.Wait()
}

func (m *Manager) lookup(id int64) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	return w, ok
}

// Running reports whether a worker for id is active.
func (m *Manager) Running(id int64) bool {
	w, ok := m.lookup(id)
	return ok && w.Running()
}

// ConnectionActive reports whether the worker for id holds a connection.
func (m *Manager) ConnectionActive(id int64) bool {
	w, ok := m.lookup(id)
	return ok && w.ConnectionActive()
}

// Status returns the worker snapshot for id.
func (m *Manager) Status(id int64) (Status, error) {
	w, ok := m.lookup(id)
	if !ok {
		return Status{DestinationID: id, State: StateStopped}, ErrWorkerNotFound
	}
	return w.Status(), nil
}

// Statuses returns every worker snapshot ordered by destination id.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out
}

// Destinations returns the ids with registered workers.
func (m *Manager) Destinations() []int64 {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reconfigure updates worker timing. Running workers keep their settings until restarted.
func (m *Manager) Reconfigure(cfg Config) {
	cfg = cfg.Sanitize(m.logger)
	m.lifecycleMu.Lock()
	m.cfg = cfg
	m.lifecycleMu.Unlock()
}

// Config returns the timing used for new workers.
func (m *Manager) Config() Config {
	m.lifecycleMu.RLock()
	defer m.lifecycleMu.RUnlock()
	return m.cfg
}
