// Package bridge composes the encoder, queues, breakers, delivery workers and
// queue monitor into a single application object owned by main.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/takbridge/errs"
	"github.com/coachpo/takbridge/internal/app/breaker"
	"github.com/coachpo/takbridge/internal/app/delivery"
	"github.com/coachpo/takbridge/internal/app/monitor"
	"github.com/coachpo/takbridge/internal/app/queue"
	"github.com/coachpo/takbridge/internal/domain/cot"
	"github.com/coachpo/takbridge/internal/domain/destination"
	"github.com/coachpo/takbridge/internal/infra/config"
	"github.com/coachpo/takbridge/internal/infra/transport"
)

// Option customises a Bridge during construction.
type Option func(*Bridge)

// WithStore sets the destination store used for start/restart by id.
func WithStore(store destination.Store) Option {
	return func(b *Bridge) {
		if store != nil {
			b.store = store
		}
	}
}

// WithDialer overrides the transport dialer.
func WithDialer(dialer delivery.Dialer) Option {
	return func(b *Bridge) {
		if dialer != nil {
			b.dialer = dialer
		}
	}
}

// transportReconfigurer is implemented by dialers that accept hot socket settings.
type transportReconfigurer interface {
	Reconfigure(cfg transport.Config)
}

// Bridge owns every runtime component of the service.
type Bridge struct {
	logger   *log.Logger
	store    destination.Store
	dialer   delivery.Dialer
	queues   *queue.Manager
	breakers *breaker.Manager
	workers  *delivery.Manager
	monitor  *monitor.Service

	encoderMu sync.RWMutex
	encoder   *cot.Encoder

	// applyMu serialises runtime reconfiguration and monitor lifecycle changes.
	applyMu       sync.Mutex
	runtime       config.RuntimeConfig
	parent        context.Context
	monitorCancel context.CancelFunc
	lifecycle     conc.WaitGroup
	closed        bool
}

// New wires all components from the runtime configuration.
func New(cfg config.RuntimeConfig, logger *log.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = log.New(os.Stdout, "bridge ", log.LstdFlags|log.Lmicroseconds)
	}
	cfg = cfg.Clone()
	cfg.Normalise()

	b := &Bridge{
		logger:  logger,
		store:   destination.NewMemoryStore(),
		runtime: cfg,
		parent:  context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.dialer == nil {
		b.dialer = transport.NewDialer(cfg.TransportConfig(), logger)
	}
	b.encoder = cot.NewEncoder(cfg.COTConfig(), logger)
	b.queues = queue.NewManager(cfg.QueueConfig(), logger)
	b.breakers = breaker.NewManager(cfg.BreakerConfig(), logger)
	b.workers = delivery.NewManager(cfg.WorkerConfig(), b.queues, b.breakers, b.dialer, logger)
	b.monitor = monitor.NewService(cfg.MonitorConfig(), b.queues, logger)
	return b
}

// Queues exposes the queue manager for collectors.
func (b *Bridge) Queues() *queue.Manager { return b.queues }

// Breakers exposes the breaker registry.
func (b *Bridge) Breakers() *breaker.Manager { return b.breakers }

// Workers exposes the delivery worker manager.
func (b *Bridge) Workers() *delivery.Manager { return b.workers }

// Monitor exposes the queue monitoring service.
func (b *Bridge) Monitor() *monitor.Service { return b.monitor }

// Store returns the destination store.
func (b *Bridge) Store() destination.Store { return b.store }

// Encoder returns the encoder built from the active runtime configuration.
func (b *Bridge) Encoder() *cot.Encoder {
	b.encoderMu.RLock()
	defer b.encoderMu.RUnlock()
	return b.encoder
}

// RuntimeConfig returns the configuration last applied.
func (b *Bridge) RuntimeConfig() config.RuntimeConfig {
	b.applyMu.Lock()
	defer b.applyMu.Unlock()
	return b.runtime.Clone()
}

// StartReport summarises Start.
type StartReport struct {
	Started []int64          `json:"started"`
	Skipped []int64          `json:"skipped,omitempty"`
	Failed  map[int64]string `json:"failed,omitempty"`
}

// Start binds worker loops and the monitor to ctx and starts a worker for every
// enabled destination. Individual start failures are logged and reported, never fatal.
func (b *Bridge) Start(ctx context.Context, dests []destination.Destination) StartReport {
	if ctx == nil {
		ctx = context.Background()
	}
	b.applyMu.Lock()
	b.parent = ctx
	b.workers.SetLifecycleContext(ctx)
	if b.runtime.MonitorEnabled() {
		b.startMonitorLocked()
	}
	b.applyMu.Unlock()

	report := StartReport{Failed: make(map[int64]string)}
	for _, dest := range dests {
		if !dest.Enabled {
			report.Skipped = append(report.Skipped, dest.ID)
			continue
		}
		if err := b.workers.Start(ctx, dest); err != nil {
			b.logger.Printf("worker start failed: destination=%d addr=%s err=%v", dest.ID, dest.Address(), err)
			report.Failed[dest.ID] = err.Error()
			continue
		}
		report.Started = append(report.Started, dest.ID)
	}
	b.logger.Printf("bridge started: workers=%d skipped=%d failed=%d", len(report.Started), len(report.Skipped), len(report.Failed))
	return report
}

func (b *Bridge) startMonitorLocked() {
	if b.monitorCancel != nil || b.closed {
		return
	}
	ctx, cancel := context.WithCancel(b.parent)
	b.monitorCancel = cancel
	b.lifecycle.Go(func() {
		if err := b.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Printf("queue monitor stopped: err=%v", err)
		}
	})
}

func (b *Bridge) stopMonitorLocked() {
	if b.monitorCancel == nil {
		return
	}
	b.monitorCancel()
	b.monitorCancel = nil
}

// StartDestination loads id from the store and starts its worker.
func (b *Bridge) StartDestination(ctx context.Context, id int64) error {
	dest, err := b.loadDestination(ctx, id)
	if err != nil {
		return err
	}
	if err := b.workers.Start(ctx, dest); err != nil {
		if errors.Is(err, delivery.ErrWorkerRunning) {
			return errs.New("bridge/start", errs.CodeConflict, errs.WithDestination(id), errs.WithCause(err))
		}
		return err
	}
	return nil
}

// StopDestination stops the worker for id, discarding its queue.
func (b *Bridge) StopDestination(ctx context.Context, id int64) error {
	if err := b.workers.Stop(ctx, id); err != nil {
		if errors.Is(err, delivery.ErrWorkerNotFound) {
			return errs.New("bridge/stop", errs.CodeNotFound, errs.WithDestination(id), errs.WithCause(err))
		}
		return err
	}
	return nil
}

// RestartDestination reloads the descriptor for id and replaces its worker.
func (b *Bridge) RestartDestination(ctx context.Context, id int64) error {
	dest, err := b.loadDestination(ctx, id)
	if err != nil {
		return err
	}
	return b.workers.Replace(ctx, dest)
}

// Flush discards every queued event for id.
func (b *Bridge) Flush(id int64) (int, error) {
	if !b.queues.Status(id).Exists {
		return 0, errs.New("bridge/flush", errs.CodeNotFound, errs.WithDestination(id), errs.WithCause(queue.ErrQueueNotFound))
	}
	return b.queues.Flush(id), nil
}

func (b *Bridge) loadDestination(ctx context.Context, id int64) (destination.Destination, error) {
	dest, err := b.store.LoadDestination(ctx, id)
	if err != nil {
		if errors.Is(err, destination.ErrNotFound) {
			return destination.Destination{}, errs.New("bridge/destination", errs.CodeNotFound, errs.WithDestination(id), errs.WithCause(err))
		}
		return destination.Destination{}, fmt.Errorf("load destination %d: %w", id, err)
	}
	return dest, nil
}

// PublishResult reports how a batch of records was distributed.
type PublishResult struct {
	Records      int                           `json:"records"`
	Encoded      int                           `json:"encoded"`
	Skipped      int                           `json:"skipped"`
	Destinations map[int64]queue.EnqueueResult `json:"destinations"`
	Missing      []int64                       `json:"missing,omitempty"`
}

// Publish encodes records once and enqueues the events on each destination with
// device-state replacement. An empty destIDs targets every active queue.
func (b *Bridge) Publish(ctx context.Context, destIDs []int64, records []cot.LocationRecord) PublishResult {
	events := b.Encoder().EncodeBatch(records)
	result := PublishResult{
		Records:      len(records),
		Encoded:      len(events),
		Skipped:      len(records) - len(events),
		Destinations: make(map[int64]queue.EnqueueResult),
	}
	if len(events) == 0 {
		return result
	}
	if len(destIDs) == 0 {
		destIDs = b.queues.IDs()
	}
	for _, id := range destIDs {
		res, err := b.queues.EnqueueLatest(ctx, id, events)
		if err != nil {
			result.Missing = append(result.Missing, id)
			continue
		}
		result.Destinations[id] = res
	}
	return result
}

// DestinationStatus merges queue, worker, breaker and health state for one destination.
type DestinationStatus struct {
	DestinationID    int64            `json:"destination_id"`
	Name             string           `json:"name,omitempty"`
	Address          string           `json:"address,omitempty"`
	Transport        string           `json:"transport,omitempty"`
	Exists           bool             `json:"exists"`
	Size             int              `json:"size"`
	MaxSize          int              `json:"max_size"`
	IsFull           bool             `json:"is_full"`
	IsEmpty          bool             `json:"is_empty"`
	EventsQueued     uint64           `json:"events_queued"`
	EventsDropped    uint64           `json:"events_dropped"`
	BatchesSent      uint64           `json:"batches_sent"`
	OverflowEvents   uint64           `json:"overflow_events"`
	WorkerRunning    bool             `json:"worker_running"`
	ConnectionActive bool             `json:"connection_active"`
	HealthScore      float64          `json:"health_score"`
	TrendDirection   monitor.Trend    `json:"trend_direction"`
	Queue            queue.Metrics    `json:"queue_metrics"`
	Worker           *delivery.Status `json:"worker,omitempty"`
	Breakers         []breaker.Status `json:"breakers,omitempty"`
}

// Status reports the state of id. Destinations without a queue report exists=false.
func (b *Bridge) Status(id int64) DestinationStatus {
	qs := b.queues.Status(id)
	st := DestinationStatus{
		DestinationID:    id,
		Exists:           qs.Exists,
		Size:             qs.Size,
		MaxSize:          qs.MaxSize,
		IsFull:           qs.IsFull,
		IsEmpty:          qs.IsEmpty,
		EventsQueued:     qs.Metrics.EventsQueued,
		EventsDropped:    qs.Metrics.EventsDropped,
		BatchesSent:      qs.Metrics.BatchesSent,
		OverflowEvents:   qs.Metrics.OverflowEvents,
		WorkerRunning:    b.workers.Running(id),
		ConnectionActive: b.workers.ConnectionActive(id),
		HealthScore:      100,
		TrendDirection:   monitor.TrendStable,
		Queue:            qs.Metrics,
	}
	if h, ok := b.monitor.Health(id); ok {
		st.HealthScore = h.HealthScore
		st.TrendDirection = h.Trend
	}
	if ws, err := b.workers.Status(id); err == nil {
		st.Worker = &ws
		st.Name = ws.Name
		st.Address = ws.Address
		st.Transport = ws.Transport
	}
	for _, name := range []string{delivery.ConnectBreakerName(id), delivery.TransmitBreakerName(id)} {
		if bs, ok := b.breakers.Status(name); ok {
			st.Breakers = append(st.Breakers, bs)
		}
	}
	return st
}

// Destinations returns the status of every stored or running destination ordered by id.
func (b *Bridge) Destinations(ctx context.Context) ([]DestinationStatus, error) {
	stored, err := b.store.LoadDestinations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load destinations: %w", err)
	}
	descriptors := make(map[int64]destination.Destination, len(stored))
	for _, d := range stored {
		descriptors[d.ID] = d
	}
	for _, id := range b.workers.Destinations() {
		if _, ok := descriptors[id]; !ok {
			descriptors[id] = destination.Destination{ID: id}
		}
	}

	out := make([]DestinationStatus, 0, len(descriptors))
	for id, d := range descriptors {
		st := b.Status(id)
		if st.Name == "" && d.Host != "" {
			st.Name = d.DisplayName()
			st.Address = d.Address()
			st.Transport = string(d.Transport)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out, nil
}

// ApplyResult reports the effect of a runtime configuration change.
type ApplyResult struct {
	Queue            queue.ApplyResult `json:"queue"`
	WorkersRestarted []int64           `json:"workers_restarted,omitempty"`
	RestartFailed    map[int64]string  `json:"restart_failed,omitempty"`
	MonitorEnabled   bool              `json:"monitor_enabled"`
}

// ApplyRuntimeConfig pushes cfg to every component. Queues may be flushed, and
// running workers restart when worker or socket settings change.
func (b *Bridge) ApplyRuntimeConfig(ctx context.Context, cfg config.RuntimeConfig) (ApplyResult, error) {
	next := cfg.Clone()
	next.Normalise()
	if err := next.Validate(); err != nil {
		return ApplyResult{}, errs.New("bridge/apply-config", errs.CodeInvalid, errs.WithCause(err))
	}

	b.applyMu.Lock()
	defer b.applyMu.Unlock()
	prev := b.runtime

	result := ApplyResult{MonitorEnabled: next.MonitorEnabled()}
	result.Queue = b.queues.ApplyConfig(next.QueueConfig())
	b.breakers.Reconfigure(next.BreakerConfig())
	b.monitor.Reconfigure(next.MonitorConfig())

	b.encoderMu.Lock()
	b.encoder = b.encoder.WithConfig(next.COTConfig())
	b.encoderMu.Unlock()

	if r, ok := b.dialer.(transportReconfigurer); ok {
		r.Reconfigure(next.TransportConfig())
	}
	b.workers.Reconfigure(next.WorkerConfig())
	if !reflect.DeepEqual(prev.Worker, next.Worker) {
		for _, id := range b.workers.Destinations() {
			if err := b.workers.Restart(ctx, id); err != nil {
				if result.RestartFailed == nil {
					result.RestartFailed = make(map[int64]string)
				}
				result.RestartFailed[id] = err.Error()
				b.logger.Printf("worker restart after config change failed: destination=%d err=%v", id, err)
				continue
			}
			result.WorkersRestarted = append(result.WorkersRestarted, id)
		}
	}

	if next.MonitorEnabled() {
		b.startMonitorLocked()
	} else {
		b.stopMonitorLocked()
	}

	b.runtime = next
	b.logger.Printf("runtime config applied: flushed=%d trimmed=%d workers_restarted=%d monitor=%t",
		result.Queue.Flushed, result.Queue.Trimmed, len(result.WorkersRestarted), result.MonitorEnabled)
	return result, nil
}

// Shutdown stops the monitor and every worker, then releases breakers and queues.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.applyMu.Lock()
	if b.closed {
		b.applyMu.Unlock()
		return nil
	}
	b.closed = true
	b.stopMonitorLocked()
	b.applyMu.Unlock()

	b.workers.StopAll(ctx)

	done := make(chan struct{})
	go func() {
		b.lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("bridge shutdown: %w", ctx.Err())
	}

	b.breakers.Close()
	b.queues.Close()
	b.logger.Printf("bridge stopped")
	return nil
}
