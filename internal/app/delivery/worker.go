package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/takbridge/errs"
	"github.com/coachpo/takbridge/internal/app/breaker"
	"github.com/coachpo/takbridge/internal/app/queue"
	"github.com/coachpo/takbridge/internal/domain/cot"
	"github.com/coachpo/takbridge/internal/domain/destination"
	"github.com/coachpo/takbridge/internal/infra/telemetry"
)

// State is the lifecycle phase of a worker.
type State string

const (
	StateStarting     State = "starting"
	StateConnected    State = "connected"
	StateDraining     State = "draining"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

var errNotConnected = errors.New("no active connection")

// Dialer opens a connection to a destination.
type Dialer interface {
	Dial(ctx context.Context, dest destination.Destination) (net.Conn, error)
}

// Status is a snapshot of a worker.
type Status struct {
	DestinationID    int64     `json:"destination_id"`
	Name             string    `json:"name"`
	Address          string    `json:"address"`
	Transport        string    `json:"transport"`
	State            State     `json:"state"`
	Running          bool      `json:"running"`
	ConnectionActive bool      `json:"connection_active"`
	ConnectedSince   time.Time `json:"connected_since"`
	LastSent         time.Time `json:"last_sent"`
	BatchesSent      uint64    `json:"batches_sent"`
	EventsSent       uint64    `json:"events_sent"`
	TransmitFailures uint64    `json:"transmit_failures"`
	EventsDiscarded  uint64    `json:"events_discarded"`
	Reconnects       uint64    `json:"reconnects"`
	LastError        string    `json:"last_error,omitempty"`
}

// ConnectBreakerName returns the registry key guarding connection attempts to id.
func ConnectBreakerName(id int64) string {
	return fmt.Sprintf("tak-%d-connect", id)
}

// TransmitBreakerName returns the registry key guarding batch writes to id.
func TransmitBreakerName(id int64) string {
	return fmt.Sprintf("tak-%d-transmit", id)
}

// Worker drains one destination queue into a persistent connection.
type Worker struct {
	dest     destination.Destination
	cfg      Config
	queues   *queue.Manager
	breakers *breaker.Manager
	dialer   Dialer
	logger   *log.Logger
	inst     *instruments

	connectBreaker  *breaker.Breaker
	transmitBreaker *breaker.Breaker

	running atomic.Bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup

	mu             sync.Mutex
	state          State
	conn           net.Conn
	connectedSince time.Time
	lastSent       time.Time
	lastErr        string
	discarding     bool

	batchesSent      atomic.Uint64
	eventsSent       atomic.Uint64
	transmitFailures atomic.Uint64
	eventsDiscarded  atomic.Uint64
	reconnects       atomic.Uint64
}

func newWorker(dest destination.Destination, cfg Config, queues *queue.Manager, breakers *breaker.Manager, dialer Dialer, logger *log.Logger, inst *instruments) *Worker {
	return &Worker{
		dest:     dest,
		cfg:      cfg,
		queues:   queues,
		breakers: breakers,
		dialer:   dialer,
		logger:   logger,
		inst:     inst,
		state:    StateStopped,
	}
}

// Destination returns the descriptor the worker was started with.
func (w *Worker) Destination() destination.Destination {
	return w.dest
}

// Start creates the queue, connects through the connect breaker and launches
// the drain loop under parent. A connect failure aborts start and removes the queue.
func (w *Worker) Start(ctx, parent context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}
	id := w.dest.ID
	w.setState(StateStarting)
	w.queues.CreateQueue(id)
	w.connectBreaker = w.breakers.Get(ConnectBreakerName(id), breaker.WithHealthCheck(w.probe))
	w.transmitBreaker = w.breakers.Get(TransmitBreakerName(id), breaker.WithHealthCheck(w.probe))

	if err := w.connect(ctx); err != nil {
		w.logger.Printf("worker start failed: destination=%d addr=%s err=%v", id, w.dest.Address(), err)
		w.running.Store(false)
		w.queues.RemoveQueue(id)
		w.stopHealthChecks()
		w.setState(StateStopped)
		return errs.New("delivery/start", errs.CodeUnavailable,
			errs.WithDestination(id),
			errs.WithMessage("connect to "+w.dest.Address()),
			errs.WithCause(err))
	}

	runCtx, cancel := context.WithCancel(parent)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	if !w.running.Load() {
		cancel()
		w.closeConn(nil)
		return ErrWorkerNotRunning
	}
	w.wg.Go(func() { w.run(runCtx) })
	w.logger.Printf("worker started: destination=%d name=%q addr=%s transport=%s", id, w.dest.DisplayName(), w.dest.Address(), w.dest.Transport)
	return nil
}

// Stop clears the running flag, cancels the loop with a bounded wait, closes
// the connection and removes the queue with its device tracker.
func (w *Worker) Stop(ctx context.Context) error {
	return w.stop(ctx, false)
}

// stop halts the worker. With keepQueue the queue and its device tracker
// stay registered so a successor worker drains what is still pending.
func (w *Worker) stop(ctx context.Context, keepQueue bool) error {
	if !w.running.CompareAndSwap(true, false) {
		return ErrWorkerNotRunning
	}
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.closeConn(nil)

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	timer := time.NewTimer(w.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		w.logger.Printf("worker stop timed out: destination=%d timeout=%s", w.dest.ID, w.cfg.StopTimeout)
	case <-ctx.Done():
		w.logger.Printf("worker stop abandoned: destination=%d err=%v", w.dest.ID, ctx.Err())
	}

	if !keepQueue {
		w.queues.RemoveQueue(w.dest.ID)
	}
	w.stopHealthChecks()
	w.setState(StateStopped)
	w.logger.Printf("worker stopped: destination=%d queue_kept=%t", w.dest.ID, keepQueue)
	return nil
}

func (w *Worker) stopHealthChecks() {
	for _, b := range []*breaker.Breaker{w.connectBreaker, w.transmitBreaker} {
		if b != nil {
			b.StopHealthCheck()
		}
	}
}

// probe dials a throwaway connection for breaker health checks.
func (w *Worker) probe(ctx context.Context) error {
	conn, err := w.dialer.Dial(ctx, w.dest)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (w *Worker) connect(ctx context.Context) error {
	err := w.connectBreaker.Call(ctx, func(callCtx context.Context) error {
		conn, err := w.dialer.Dial(callCtx, w.dest)
		if err != nil {
			return err
		}
		if callCtx.Err() != nil {
			_ = conn.Close()
			return callCtx.Err()
		}
		w.setConn(conn)
		return nil
	})
	if err != nil {
		w.recordError(err)
		w.inst.recordConnection(ctx, w.dest, "failed")
		return err
	}
	w.inst.recordConnection(ctx, w.dest, string(StateConnected))
	return nil
}

func (w *Worker) setConn(conn net.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.connectedSince = time.Now()
	w.state = StateConnected
	w.mu.Unlock()
	w.wg.Go(func() { w.watch(conn) })
}

// watch discards inbound traffic and notices when the server hangs up.
func (w *Worker) watch(conn net.Conn) {
	_, err := io.Copy(io.Discard, conn)
	if w.closeConn(conn) && w.running.Load() {
		if err == nil {
			err = io.EOF
		}
		w.logger.Printf("connection lost: destination=%d err=%v", w.dest.ID, err)
	}
}

// closeConn closes the active connection when it matches target (or any when target is nil).
func (w *Worker) closeConn(target net.Conn) bool {
	w.mu.Lock()
	conn := w.conn
	if conn == nil || (target != nil && conn != target) {
		w.mu.Unlock()
		return false
	}
	w.conn = nil
	w.connectedSince = time.Time{}
	w.mu.Unlock()
	_ = conn.Close()
	return true
}

func (w *Worker) currentConn() net.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *Worker) run(ctx context.Context) {
	idle := time.NewTimer(0)
	<-idle.C
	defer idle.Stop()

	for w.running.Load() {
		if ctx.Err() != nil {
			return
		}
		if w.currentConn() == nil {
			if !w.reconnect(ctx) {
				return
			}
			continue
		}

		w.setState(StateDraining)
		batch := w.queues.GetBatch(ctx, w.dest.ID)
		if ctx.Err() != nil || !w.running.Load() {
			w.discard(len(batch), "cancelled")
			return
		}
		if len(batch) == 0 {
			idle.Reset(w.cfg.IdleInterval)
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}
		w.transmit(ctx, batch)
	}
}

// reconnect re-dials with exponential backoff. While the connect breaker is
// open the queue keeps draining so memory stays bounded.
func (w *Worker) reconnect(ctx context.Context) bool {
	w.setState(StateReconnecting)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.ReconnectInitial
	bo.MaxInterval = w.cfg.ReconnectMax

	for w.running.Load() {
		err := w.connect(ctx)
		if err == nil {
			w.reconnects.Add(1)
			w.logger.Printf("reconnected: destination=%d", w.dest.ID)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, breaker.ErrCircuitOpen) {
			batch := w.queues.GetBatch(ctx, w.dest.ID)
			w.discard(len(batch), telemetry.ReasonBreaker)
			continue
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = w.cfg.ReconnectMax
		}
		w.logger.Printf("reconnect failed: destination=%d retry_in=%s err=%v", w.dest.ID, sleep, err)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return false
}

func (w *Worker) transmit(ctx context.Context, batch []cot.Event) {
	payload := encodeBatch(batch)
	start := time.Now()
	err := w.transmitBreaker.Call(ctx, func(callCtx context.Context) error {
		conn := w.currentConn()
		if conn == nil {
			return errNotConnected
		}
		deadline := time.Now().Add(w.cfg.WriteTimeout)
		if d, ok := callCtx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		_, err := conn.Write(payload)
		return err
	})

	switch {
	case err == nil:
		w.queues.MarkBatchSent(w.dest.ID, len(batch))
		w.batchesSent.Add(1)
		w.eventsSent.Add(uint64(len(batch)))
		w.mu.Lock()
		w.lastSent = time.Now()
		w.discarding = false
		w.mu.Unlock()
		w.inst.recordTransmit(ctx, w.dest, "success", len(payload), time.Since(start))
	case errors.Is(err, breaker.ErrCircuitOpen):
		w.mu.Lock()
		first := !w.discarding
		w.discarding = true
		w.mu.Unlock()
		if first {
			w.logger.Printf("transmit breaker open, discarding batches: destination=%d err=%v", w.dest.ID, err)
		}
		w.discard(len(batch), telemetry.ReasonBreaker)
	case ctx.Err() != nil:
		w.discard(len(batch), "cancelled")
	default:
		w.transmitFailures.Add(1)
		w.recordError(err)
		w.logger.Printf("transmit failed: destination=%d events=%d err=%v", w.dest.ID, len(batch), err)
		w.discard(len(batch), telemetry.ReasonTransmit)
		w.inst.recordTransmit(ctx, w.dest, "failure", len(payload), time.Since(start))
		w.closeConn(nil)
	}
}

func encodeBatch(batch []cot.Event) []byte {
	size := 0
	for _, ev := range batch {
		size += len(ev.Payload) + 1
	}
	var buf bytes.Buffer
	buf.Grow(size)
	for _, ev := range batch {
		buf.Write(ev.Payload)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func (w *Worker) discard(n int, reason string) {
	if n <= 0 {
		return
	}
	w.eventsDiscarded.Add(uint64(n))
	w.queues.MarkDiscarded(w.dest.ID, n, reason)
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) recordError(err error) {
	w.mu.Lock()
	w.lastErr = err.Error()
	w.mu.Unlock()
}

// Running reports whether the drain loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// ConnectionActive reports whether a connection is currently held.
func (w *Worker) ConnectionActive() bool {
	return w.currentConn() != nil
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		DestinationID:    w.dest.ID,
		Name:             w.dest.DisplayName(),
		Address:          w.dest.Address(),
		Transport:        string(w.dest.Transport),
		State:            w.state,
		Running:          w.running.Load(),
		ConnectionActive: w.conn != nil,
		ConnectedSince:   w.connectedSince,
		LastSent:         w.lastSent,
		BatchesSent:      w.batchesSent.Load(),
		EventsSent:       w.eventsSent.Load(),
		TransmitFailures: w.transmitFailures.Load(),
		EventsDiscarded:  w.eventsDiscarded.Load(),
		Reconnects:       w.reconnects.Load(),
		LastError:        w.lastErr,
	}
}
