// Package breaker implements circuit breakers guarding TAK destination connect and transmit calls.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/takbridge/errs"
)

// State enumerates breaker states.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the recovery timeout elapses or a health check succeeds.
	StateOpen
	// StateHalfOpen admits a limited number of probe calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state label for JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HealthCheck probes the protected resource out of band while the breaker is open.
type HealthCheck func(ctx context.Context) error

// Status is the externally visible breaker state.
type Status struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	FailureCount    int           `json:"failure_count"`
	SuccessCount    int           `json:"success_count"`
	LastFailure     time.Time     `json:"last_failure"`
	NextAttemptTime *time.Time    `json:"next_attempt_time,omitempty"`
	BackoffDelay    time.Duration `json:"backoff_delay"`
	Metrics         Metrics       `json:"metrics"`
}

// Breaker is a three-state circuit breaker. All counters are guarded by mu.
type Breaker struct {
	name   string
	logger *log.Logger
	inst   *instruments
	now    func() time.Time

	mu                sync.Mutex
	cfg               Config
	state             State
	failures          int
	halfOpenSuccesses int
	halfOpenInFlight  int
	lastFailure       time.Time
	backoff           *backoff.ExponentialBackOff
	backoffDelay      time.Duration
	window            *latencyWindow
	metrics           Metrics

	healthCheck  HealthCheck
	healthCancel context.CancelFunc
	healthWG     conc.WaitGroup
	closed       bool
}

// New constructs a breaker in the closed state.
func New(name string, cfg Config, logger *log.Logger) *Breaker {
	if logger == nil {
		logger = log.New(os.Stdout, "circuit-breaker ", log.LstdFlags|log.Lmicroseconds)
	}
	cfg = cfg.Sanitize(logger)
	b := &Breaker{
		name:   name,
		logger: logger,
		inst:   newInstruments(),
		now:    time.Now,
		cfg:    cfg,
		state:  StateClosed,
		window: newLatencyWindow(cfg.MetricsWindow),
	}
	b.backoff = newBackoff(cfg)
	return b
}

func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.MaxInterval = cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	if cfg.Jitter {
		bo.RandomizationFactor = 0.2
	}
	bo.Reset()
	return bo
}

// Name returns the registry key of the breaker.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, applying the recovery timeout first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked(b.now())
	return b.state
}

// SetHealthCheck installs the out-of-band probe used while open.
func (b *Breaker) SetHealthCheck(check HealthCheck) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthCheck = check
	if b.state == StateOpen {
		b.startHealthLoopLocked()
	}
}

// Call runs fn under the breaker. Rejected calls return *OpenError without invoking fn.
// A call exceeding the configured timeout counts as a failure; cancellation of ctx does not.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, timeout, err := b.acquire(ctx)
	if err != nil {
		return err
	}

	start := b.now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("breaker %s: panic in protected call: %v", b.name, r)
			}
		}()
		done <- fn(callCtx)
	}()

	var callErr error
	timedOut := false
	select {
	case callErr = <-done:
		if callErr != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			timedOut = true
		}
	case <-callCtx.Done():
		if ctx.Err() == nil {
			timedOut = true
		} else {
			callErr = ctx.Err()
		}
	}
	if timedOut {
		callErr = errs.New("breaker/call", errs.CodeTimeout,
			errs.WithMessage(fmt.Sprintf("breaker=%s timeout=%s", b.name, timeout)),
			errs.WithCause(ErrCallTimeout))
	}
	elapsed := b.now().Sub(start)

	switch {
	case callErr == nil:
		b.onSuccess(probe, elapsed)
		b.inst.recordCall(ctx, b.name, "success", elapsed)
	case ctx.Err() != nil && !timedOut:
		b.release(probe)
		b.inst.recordCall(context.Background(), b.name, "cancelled", elapsed)
	default:
		b.onFailure(probe, elapsed, timedOut, callErr)
		result := "failure"
		if timedOut {
			result = "timeout"
		}
		b.inst.recordCall(context.WithoutCancel(ctx), b.name, result, elapsed)
	}
	return callErr
}

func (b *Breaker) acquire(ctx context.Context) (bool, time.Duration, error) {
	b.mu.Lock()
	now := b.now()
	b.maybeRecoverLocked(now)
	timeout := b.cfg.Timeout
	switch b.state {
	case StateOpen:
		b.metrics.RejectedCalls++
		openErr := &OpenError{Name: b.name, State: StateOpen, RetryAt: b.retryAtLocked()}
		b.mu.Unlock()
		b.inst.recordRejection(ctx, b.name, StateOpen)
		return false, 0, openErr
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			b.metrics.RejectedCalls++
			b.mu.Unlock()
			b.inst.recordRejection(ctx, b.name, StateHalfOpen)
			return false, 0, &OpenError{Name: b.name, State: StateHalfOpen, RetryAt: now}
		}
		b.halfOpenInFlight++
		b.mu.Unlock()
		return true, timeout, nil
	default:
		b.mu.Unlock()
		return false, timeout, nil
	}
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.releaseLocked(probe)
	b.mu.Unlock()
}

func (b *Breaker) releaseLocked(probe bool) {
	if probe && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

func (b *Breaker) onSuccess(probe bool, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(probe)
	b.metrics.TotalCalls++
	b.metrics.SuccessfulCalls++
	b.window.add(elapsed)
	b.failures = 0
	b.backoff.Reset()
	b.backoffDelay = 0
	if b.state == StateHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

func (b *Breaker) onFailure(probe bool, elapsed time.Duration, timedOut bool, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(probe)
	b.metrics.TotalCalls++
	b.metrics.FailedCalls++
	if timedOut {
		b.metrics.TimeoutCalls++
	}
	b.window.add(elapsed)
	b.failures++
	b.lastFailure = b.now()
	b.backoffDelay = b.backoff.NextBackOff()
	if b.backoffDelay == backoff.Stop || b.backoffDelay > b.cfg.MaxBackoff {
		b.backoffDelay = b.cfg.MaxBackoff
	}

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.logger.Printf("circuit breaker tripped: name=%s failures=%d err=%v", b.name, b.failures, cause)
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Printf("circuit breaker probe failed: name=%s err=%v", b.name, cause)
		b.transitionLocked(StateOpen)
	}
}

// retryAtLocked is the instant an Open breaker admits its next trial call: the
// last failure plus the larger of the recovery timeout and the backoff delay.
func (b *Breaker) retryAtLocked() time.Time {
	wait := b.cfg.RecoveryTimeout
	if b.backoffDelay > wait {
		wait = b.backoffDelay
	}
	return b.lastFailure.Add(wait)
}

// maybeRecoverLocked moves Open to HalfOpen once retryAtLocked has passed.
func (b *Breaker) maybeRecoverLocked(now time.Time) {
	if b.state == StateOpen && !now.Before(b.retryAtLocked()) {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.metrics.LastStateChange = b.now()
	switch to {
	case StateOpen:
		b.metrics.OpenTransitions++
		b.halfOpenSuccesses = 0
		b.startHealthLoopLocked()
	case StateHalfOpen:
		b.metrics.HalfOpenTransitions++
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
		b.stopHealthLoopLocked()
	case StateClosed:
		b.metrics.CloseTransitions++
		b.failures = 0
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
		b.backoff.Reset()
		b.backoffDelay = 0
		b.stopHealthLoopLocked()
	}
	b.logger.Printf("circuit breaker state change: name=%s from=%s to=%s", b.name, from, to)
	b.inst.recordTransition(b.name, to)
}

// ReportHealthy forces Open to HalfOpen, as when an external health check succeeds.
func (b *Breaker) ReportHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return false
	}
	b.logger.Printf("circuit breaker health check passed: name=%s", b.name)
	b.transitionLocked(StateHalfOpen)
	return true
}

func (b *Breaker) startHealthLoopLocked() {
	if b.closed || b.healthCheck == nil || b.cfg.HealthCheckInterval <= 0 || b.healthCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.healthCancel = cancel
	check := b.healthCheck
	interval := b.cfg.HealthCheckInterval
	timeout := b.cfg.Timeout
	b.healthWG.Go(func() {
		b.healthLoop(ctx, check, interval, timeout)
	})
}

func (b *Breaker) stopHealthLoopLocked() {
	if b.healthCancel != nil {
		b.healthCancel()
		b.healthCancel = nil
	}
}

func (b *Breaker) healthLoop(ctx context.Context, check HealthCheck, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := check(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Printf("circuit breaker health check failed: name=%s err=%v", b.name, err)
			continue
		}
		if b.ReportHealthy() {
			return
		}
	}
}

// StopHealthCheck stops the background probe without changing state.
func (b *Breaker) StopHealthCheck() {
	b.mu.Lock()
	b.stopHealthLoopLocked()
	b.mu.Unlock()
	b.healthWG.Wait()
}

// Reset returns the breaker to closed, clearing failure counters. Cumulative metrics are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopHealthLoopLocked()
	b.state = StateClosed
	b.failures = 0
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
	b.lastFailure = time.Time{}
	b.backoff.Reset()
	b.backoffDelay = 0
	b.metrics.LastStateChange = b.now()
	b.logger.Printf("circuit breaker reset: name=%s", b.name)
}

// Reconfigure applies new thresholds to subsequent calls without changing state.
func (b *Breaker) Reconfigure(cfg Config) {
	cfg = cfg.Sanitize(b.logger)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	b.backoff = newBackoff(cfg)
	b.window = b.window.resize(cfg.MetricsWindow)
	if b.healthCancel != nil {
		b.stopHealthLoopLocked()
		b.startHealthLoopLocked()
	}
}

// Config returns the active configuration.
func (b *Breaker) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.maybeRecoverLocked(now)

	metrics := b.metrics
	if metrics.TotalCalls > 0 {
		metrics.FailureRate = float64(metrics.FailedCalls) / float64(metrics.TotalCalls)
	}
	metrics.AvgLatency = b.window.average()

	st := Status{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failures,
		SuccessCount: b.halfOpenSuccesses,
		LastFailure:  b.lastFailure,
		BackoffDelay: b.backoffDelay,
		Metrics:      metrics,
	}
	switch {
	case b.state == StateOpen:
		next := b.retryAtLocked()
		st.NextAttemptTime = &next
	case b.failures > 0 && b.backoffDelay > 0:
		next := b.lastFailure.Add(b.backoffDelay)
		st.NextAttemptTime = &next
	}
	return st
}

// Close stops background work. The breaker keeps answering calls.
func (b *Breaker) Close() {
	b.mu.Lock()
	b.closed = true
	b.stopHealthLoopLocked()
	b.mu.Unlock()
	b.healthWG.Wait()
}
