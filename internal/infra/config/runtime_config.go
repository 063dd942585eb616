package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/coachpo/takbridge/internal/app/breaker"
	"github.com/coachpo/takbridge/internal/app/delivery"
	"github.com/coachpo/takbridge/internal/app/monitor"
	"github.com/coachpo/takbridge/internal/app/queue"
	"github.com/coachpo/takbridge/internal/domain/cot"
	"github.com/coachpo/takbridge/internal/infra/transport"
)

const (
	maxQueueSize  = 1_000_000
	maxBatchSize  = 10_000
	maxThreshold  = 1_000
	maxHistory    = 10_000
	maxAlertsKept = 100_000
)

// QueueSettings configures the per-destination queues.
type QueueSettings struct {
	MaxSize             int      `json:"max_size" yaml:"maxSize"`
	BatchSize           int      `json:"batch_size" yaml:"batchSize"`
	BatchTimeout        Duration `json:"batch_timeout" yaml:"batchTimeout"`
	OverflowPolicy      string   `json:"overflow_policy" yaml:"overflowPolicy"`
	FlushOnConfigChange *bool    `json:"flush_on_config_change" yaml:"flushOnConfigChange"`
}

// BreakerSettings configures every destination circuit breaker.
type BreakerSettings struct {
	FailureThreshold    int      `json:"failure_threshold" yaml:"failureThreshold"`
	RecoveryTimeout     Duration `json:"recovery_timeout" yaml:"recoveryTimeout"`
	SuccessThreshold    int      `json:"success_threshold" yaml:"successThreshold"`
	Timeout             Duration `json:"timeout" yaml:"timeout"`
	HalfOpenMaxCalls    int      `json:"half_open_max_calls" yaml:"halfOpenMaxCalls"`
	InitialBackoff      Duration `json:"initial_backoff" yaml:"initialBackoff"`
	MaxBackoff          Duration `json:"max_backoff" yaml:"maxBackoff"`
	Jitter              *bool    `json:"jitter" yaml:"jitter"`
	HealthCheckInterval Duration `json:"health_check_interval" yaml:"healthCheckInterval"`
	MetricsWindow       int      `json:"metrics_window" yaml:"metricsWindow"`
}

// WorkerSettings configures delivery workers and their connections.
type WorkerSettings struct {
	IdleInterval     Duration `json:"idle_interval" yaml:"idleInterval"`
	StopTimeout      Duration `json:"stop_timeout" yaml:"stopTimeout"`
	WriteTimeout     Duration `json:"write_timeout" yaml:"writeTimeout"`
	ReconnectInitial Duration `json:"reconnect_initial" yaml:"reconnectInitial"`
	ReconnectMax     Duration `json:"reconnect_max" yaml:"reconnectMax"`
	ConnectTimeout   Duration `json:"connect_timeout" yaml:"connectTimeout"`
	KeepAlive        Duration `json:"keep_alive" yaml:"keepAlive"`
}

// MonitorSettings configures queue monitoring and alert thresholds.
type MonitorSettings struct {
	Enabled              *bool    `json:"enabled" yaml:"enabled"`
	Interval             Duration `json:"interval" yaml:"interval"`
	HistorySize          int      `json:"history_size" yaml:"historySize"`
	UtilizationInfo      float64  `json:"utilization_info" yaml:"utilizationInfo"`
	UtilizationWarning   float64  `json:"utilization_warning" yaml:"utilizationWarning"`
	UtilizationCritical  float64  `json:"utilization_critical" yaml:"utilizationCritical"`
	OverflowRateWarning  float64  `json:"overflow_rate_warning" yaml:"overflowRateWarning"`
	OverflowRateCritical float64  `json:"overflow_rate_critical" yaml:"overflowRateCritical"`
	HealthWarning        float64  `json:"health_warning" yaml:"healthWarning"`
	HealthCritical       float64  `json:"health_critical" yaml:"healthCritical"`
	StallAfter           Duration `json:"stall_after" yaml:"stallAfter"`
	AlertCooldown        Duration `json:"alert_cooldown" yaml:"alertCooldown"`
	RecentAlerts         int      `json:"recent_alerts" yaml:"recentAlerts"`
}

// COTSettings configures event encoding.
type COTSettings struct {
	StaleAfter  Duration `json:"stale_after" yaml:"staleAfter"`
	DefaultType string   `json:"default_type" yaml:"defaultType"`
}

// RuntimeConfig captures the configuration that can change without a restart.
type RuntimeConfig struct {
	Queue   QueueSettings   `json:"queue" yaml:"queue"`
	Breaker BreakerSettings `json:"breaker" yaml:"breaker"`
	Worker  WorkerSettings  `json:"worker" yaml:"worker"`
	Monitor MonitorSettings `json:"monitor" yaml:"monitor"`
	COT     COTSettings     `json:"cot" yaml:"cot"`
}

func boolPtr(v bool) *bool {
	return &v
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	return boolPtr(*v)
}

// DefaultRuntimeConfig returns the default runtime configuration used when no overrides are supplied.
func DefaultRuntimeConfig() RuntimeConfig {
	cfg := RuntimeConfig{}
	cfg.Normalise()
	return cfg
}

// Clone returns a deep copy of the runtime configuration.
func (c RuntimeConfig) Clone() RuntimeConfig {
	cloned := c
	cloned.Queue.FlushOnConfigChange = cloneBool(c.Queue.FlushOnConfigChange)
	cloned.Breaker.Jitter = cloneBool(c.Breaker.Jitter)
	cloned.Monitor.Enabled = cloneBool(c.Monitor.Enabled)
	return cloned
}

// Normalise fills unset fields with component defaults and canonicalises labels.
func (c *RuntimeConfig) Normalise() {
	if c == nil {
		return
	}
	q := queue.DefaultConfig()
	if c.Queue.MaxSize == 0 {
		c.Queue.MaxSize = q.MaxSize
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = q.BatchSize
	}
	if c.Queue.BatchTimeout == 0 {
		c.Queue.BatchTimeout = Duration(q.BatchTimeout)
	}
	c.Queue.OverflowPolicy = strings.ToLower(strings.TrimSpace(c.Queue.OverflowPolicy))
	if c.Queue.OverflowPolicy == "" {
		c.Queue.OverflowPolicy = string(q.OverflowPolicy)
	}
	if c.Queue.FlushOnConfigChange == nil {
		c.Queue.FlushOnConfigChange = boolPtr(q.FlushOnConfigChange)
	}

	b := breaker.DefaultConfig()
	setInt(&c.Breaker.FailureThreshold, b.FailureThreshold)
	setDuration(&c.Breaker.RecoveryTimeout, b.RecoveryTimeout)
	setInt(&c.Breaker.SuccessThreshold, b.SuccessThreshold)
	setDuration(&c.Breaker.Timeout, b.Timeout)
	setInt(&c.Breaker.HalfOpenMaxCalls, b.HalfOpenMaxCalls)
	setDuration(&c.Breaker.InitialBackoff, b.InitialBackoff)
	setDuration(&c.Breaker.MaxBackoff, b.MaxBackoff)
	if c.Breaker.Jitter == nil {
		c.Breaker.Jitter = boolPtr(b.Jitter)
	}
	setDuration(&c.Breaker.HealthCheckInterval, b.HealthCheckInterval)
	setInt(&c.Breaker.MetricsWindow, b.MetricsWindow)

	w := delivery.DefaultConfig()
	t := transport.DefaultConfig()
	setDuration(&c.Worker.IdleInterval, w.IdleInterval)
	setDuration(&c.Worker.StopTimeout, w.StopTimeout)
	setDuration(&c.Worker.WriteTimeout, w.WriteTimeout)
	setDuration(&c.Worker.ReconnectInitial, w.ReconnectInitial)
	setDuration(&c.Worker.ReconnectMax, w.ReconnectMax)
	setDuration(&c.Worker.ConnectTimeout, t.ConnectTimeout)
	setDuration(&c.Worker.KeepAlive, t.KeepAlive)

	m := monitor.DefaultConfig()
	if c.Monitor.Enabled == nil {
		c.Monitor.Enabled = boolPtr(true)
	}
	setDuration(&c.Monitor.Interval, m.Interval)
	setInt(&c.Monitor.HistorySize, m.HistorySize)
	setFloat(&c.Monitor.UtilizationInfo, m.UtilizationInfo)
	setFloat(&c.Monitor.UtilizationWarning, m.UtilizationWarning)
	setFloat(&c.Monitor.UtilizationCritical, m.UtilizationCritical)
	setFloat(&c.Monitor.OverflowRateWarning, m.OverflowRateWarning)
	setFloat(&c.Monitor.OverflowRateCritical, m.OverflowRateCritical)
	setFloat(&c.Monitor.HealthWarning, m.HealthWarning)
	setFloat(&c.Monitor.HealthCritical, m.HealthCritical)
	setDuration(&c.Monitor.StallAfter, m.StallAfter)
	setDuration(&c.Monitor.AlertCooldown, m.AlertCooldown)
	setInt(&c.Monitor.RecentAlerts, m.RecentAlerts)

	setDuration(&c.COT.StaleAfter, cot.DefaultStale)
	c.COT.DefaultType = strings.TrimSpace(c.COT.DefaultType)
	if c.COT.DefaultType == "" {
		c.COT.DefaultType = cot.DefaultType
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setDuration[T ~int64](v *Duration, def T) {
	if *v == 0 {
		*v = Duration(def)
	}
}

// Validate performs semantic validation on runtime configuration fields.
func (c RuntimeConfig) Validate() error {
	if c.Queue.MaxSize <= 0 || c.Queue.MaxSize > maxQueueSize {
		return fmt.Errorf("queue.max_size must be in 1..%d", maxQueueSize)
	}
	if c.Queue.BatchSize <= 0 || c.Queue.BatchSize > maxBatchSize {
		return fmt.Errorf("queue.batch_size must be in 1..%d", maxBatchSize)
	}
	if c.Queue.BatchSize > c.Queue.MaxSize {
		return fmt.Errorf("queue.batch_size must be <= queue.max_size")
	}
	if c.Queue.BatchTimeout <= 0 {
		return fmt.Errorf("queue.batch_timeout must be > 0")
	}
	if _, ok := queue.ParseOverflowPolicy(c.Queue.OverflowPolicy); !ok {
		return fmt.Errorf("queue.overflow_policy must be one of drop_oldest, drop_newest, block")
	}

	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > maxThreshold {
		return fmt.Errorf("breaker.failure_threshold must be in 1..%d", maxThreshold)
	}
	if c.Breaker.SuccessThreshold <= 0 || c.Breaker.SuccessThreshold > maxThreshold {
		return fmt.Errorf("breaker.success_threshold must be in 1..%d", maxThreshold)
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("breaker.half_open_max_calls must be > 0")
	}
	if c.Breaker.RecoveryTimeout <= 0 || c.Breaker.Timeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout and breaker.timeout must be > 0")
	}
	if c.Breaker.InitialBackoff <= 0 || c.Breaker.MaxBackoff < c.Breaker.InitialBackoff {
		return fmt.Errorf("breaker.max_backoff must be >= breaker.initial_backoff > 0")
	}
	if c.Breaker.HealthCheckInterval < 0 {
		return fmt.Errorf("breaker.health_check_interval must be >= 0")
	}
	if c.Breaker.MetricsWindow <= 0 {
		return fmt.Errorf("breaker.metrics_window must be > 0")
	}

	for name, v := range map[string]Duration{
		"worker.idle_interval":     c.Worker.IdleInterval,
		"worker.stop_timeout":      c.Worker.StopTimeout,
		"worker.write_timeout":     c.Worker.WriteTimeout,
		"worker.reconnect_initial": c.Worker.ReconnectInitial,
		"worker.reconnect_max":     c.Worker.ReconnectMax,
		"worker.connect_timeout":   c.Worker.ConnectTimeout,
		"worker.keep_alive":        c.Worker.KeepAlive,
		"monitor.interval":         c.Monitor.Interval,
		"monitor.stall_after":      c.Monitor.StallAfter,
		"cot.stale_after":          c.COT.StaleAfter,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.Worker.ReconnectMax < c.Worker.ReconnectInitial {
		return fmt.Errorf("worker.reconnect_max must be >= worker.reconnect_initial")
	}

	m := c.Monitor
	if m.HistorySize < 3 || m.HistorySize > maxHistory {
		return fmt.Errorf("monitor.history_size must be in 3..%d", maxHistory)
	}
	if !(0 < m.UtilizationInfo && m.UtilizationInfo <= m.UtilizationWarning && m.UtilizationWarning <= m.UtilizationCritical && m.UtilizationCritical <= 1) {
		return fmt.Errorf("monitor utilization thresholds must satisfy 0 < info <= warning <= critical <= 1")
	}
	if !(0 < m.OverflowRateWarning && m.OverflowRateWarning <= m.OverflowRateCritical && m.OverflowRateCritical <= 1) {
		return fmt.Errorf("monitor overflow rate thresholds must satisfy 0 < warning <= critical <= 1")
	}
	if !(0 < m.HealthCritical && m.HealthCritical <= m.HealthWarning && m.HealthWarning <= 100) {
		return fmt.Errorf("monitor health thresholds must satisfy 0 < critical <= warning <= 100")
	}
	if m.AlertCooldown < 0 {
		return fmt.Errorf("monitor.alert_cooldown must be >= 0")
	}
	if m.RecentAlerts <= 0 || m.RecentAlerts > maxAlertsKept {
		return fmt.Errorf("monitor.recent_alerts must be in 1..%d", maxAlertsKept)
	}

	if strings.TrimSpace(c.COT.DefaultType) == "" {
		return fmt.Errorf("cot.default_type required")
	}
	return nil
}

// QueueConfig converts the queue section.
func (c RuntimeConfig) QueueConfig() queue.Config {
	policy, _ := queue.ParseOverflowPolicy(c.Queue.OverflowPolicy)
	flush := true
	if c.Queue.FlushOnConfigChange != nil {
		flush = *c.Queue.FlushOnConfigChange
	}
	return queue.Config{
		MaxSize:             c.Queue.MaxSize,
		BatchSize:           c.Queue.BatchSize,
		BatchTimeout:        c.Queue.BatchTimeout.Std(),
		OverflowPolicy:      policy,
		FlushOnConfigChange: flush,
	}
}

// BreakerConfig converts the breaker section.
func (c RuntimeConfig) BreakerConfig() breaker.Config {
	jitter := true
	if c.Breaker.Jitter != nil {
		jitter = *c.Breaker.Jitter
	}
	return breaker.Config{
		FailureThreshold:    c.Breaker.FailureThreshold,
		RecoveryTimeout:     c.Breaker.RecoveryTimeout.Std(),
		SuccessThreshold:    c.Breaker.SuccessThreshold,
		Timeout:             c.Breaker.Timeout.Std(),
		HalfOpenMaxCalls:    c.Breaker.HalfOpenMaxCalls,
		InitialBackoff:      c.Breaker.InitialBackoff.Std(),
		MaxBackoff:          c.Breaker.MaxBackoff.Std(),
		Jitter:              jitter,
		HealthCheckInterval: c.Breaker.HealthCheckInterval.Std(),
		MetricsWindow:       c.Breaker.MetricsWindow,
	}
}

// WorkerConfig converts the worker timing section.
func (c RuntimeConfig) WorkerConfig() delivery.Config {
	return delivery.Config{
		IdleInterval:     c.Worker.IdleInterval.Std(),
		StopTimeout:      c.Worker.StopTimeout.Std(),
		WriteTimeout:     c.Worker.WriteTimeout.Std(),
		ReconnectInitial: c.Worker.ReconnectInitial.Std(),
		ReconnectMax:     c.Worker.ReconnectMax.Std(),
	}
}

// TransportConfig converts the socket settings of the worker section.
func (c RuntimeConfig) TransportConfig() transport.Config {
	return transport.Config{
		ConnectTimeout: c.Worker.ConnectTimeout.Std(),
		KeepAlive:      c.Worker.KeepAlive.Std(),
	}
}

// MonitorConfig converts the monitor section.
func (c RuntimeConfig) MonitorConfig() monitor.Config {
	m := c.Monitor
	return monitor.Config{
		Interval:             m.Interval.Std(),
		HistorySize:          m.HistorySize,
		UtilizationInfo:      m.UtilizationInfo,
		UtilizationWarning:   m.UtilizationWarning,
		UtilizationCritical:  m.UtilizationCritical,
		OverflowRateWarning:  m.OverflowRateWarning,
		OverflowRateCritical: m.OverflowRateCritical,
		HealthWarning:        m.HealthWarning,
		HealthCritical:       m.HealthCritical,
		StallAfter:           m.StallAfter.Std(),
		AlertCooldown:        m.AlertCooldown.Std(),
		RecentAlerts:         m.RecentAlerts,
	}
}

// MonitorEnabled reports whether the monitoring loop should run.
func (c RuntimeConfig) MonitorEnabled() bool {
	return c.Monitor.Enabled == nil || *c.Monitor.Enabled
}

// COTConfig converts the encoder section.
func (c RuntimeConfig) COTConfig() cot.Config {
	return cot.Config{StaleAfter: c.COT.StaleAfter.Std(), DefaultType: c.COT.DefaultType}
}

// RuntimeListener observes accepted runtime changes.
type RuntimeListener func(previous, current RuntimeConfig)

// RuntimeStore provides concurrency-safe access to runtime configuration.
type RuntimeStore struct {
	mu        sync.RWMutex
	cfg       RuntimeConfig
	persist   func(RuntimeConfig) error
	listeners []RuntimeListener
}

// NewRuntimeStore constructs a runtime configuration store using the supplied initial configuration.
func NewRuntimeStore(initial RuntimeConfig) (*RuntimeStore, error) {
	return NewRuntimeStoreWithPersistence(initial, nil)
}

// NewRuntimeStoreWithPersistence constructs a store that calls persist after every accepted change.
func NewRuntimeStoreWithPersistence(initial RuntimeConfig, persist func(RuntimeConfig) error) (*RuntimeStore, error) {
	cfg := initial.Clone()
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeStore{mu: sync.RWMutex{}, cfg: cfg, persist: persist, listeners: nil}, nil
}

// Snapshot returns a copy of the current runtime configuration.
func (s *RuntimeStore) Snapshot() RuntimeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// OnChange registers a listener invoked after each accepted, non-identical replacement.
func (s *RuntimeStore) OnChange(listener RuntimeListener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

// Replace swaps the current runtime configuration with the supplied payload after validation.
func (s *RuntimeStore) Replace(cfg RuntimeConfig) (RuntimeConfig, error) {
	updated := cfg.Clone()
	updated.Normalise()
	if err := updated.Validate(); err != nil {
		return RuntimeConfig{}, err
	}

	s.mu.Lock()
	previous := s.cfg
	if reflect.DeepEqual(previous, updated) {
		s.mu.Unlock()
		return updated.Clone(), nil
	}
	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			s.mu.Unlock()
			return RuntimeConfig{}, fmt.Errorf("persist runtime config: %w", err)
		}
	}
	s.cfg = updated
	listeners := append([]RuntimeListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(previous.Clone(), updated.Clone())
	}
	return updated.Clone(), nil
}
