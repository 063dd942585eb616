package monitor

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/takbridge/internal/app/queue"
)

// Trend is the direction of queue depth over the sampled history.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// trendThreshold is the depth change, as a fraction of capacity, that counts as movement.
const trendThreshold = 0.05

// QueueSource exposes queue snapshots for sampling.
type QueueSource interface {
	StatusAll() []queue.Status
}

// Health is the latest computed view of one queue.
type Health struct {
	DestinationID int64     `json:"destination_id"`
	Size          int       `json:"size"`
	MaxSize       int       `json:"max_size"`
	Utilization   float64   `json:"utilization"`
	OverflowRate  float64   `json:"overflow_rate"`
	HealthScore   float64   `json:"health_score"`
	Trend         Trend     `json:"trend_direction"`
	Stalled       bool      `json:"stalled"`
	SampledAt     time.Time `json:"sampled_at"`
}

type sample struct {
	at      time.Time
	size    int
	metrics queue.Metrics
}

type queueState struct {
	history      []sample
	lastProgress time.Time
	health       Health
}

type alertKey struct {
	queue int64
	kind  AlertType
}

// Service periodically samples queues and dispatches alerts to registered handlers.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	source   QueueSource
	logger   *log.Logger
	now      func() time.Time
	queues   map[int64]*queueState
	limiters map[alertKey]*rate.Limiter
	recent   *alertRing

	suppressed uint64

	handlersMu  sync.RWMutex
	handlers    map[uint64]AlertHandler
	nextHandler uint64

	inst *instruments
}

// NewService constructs a monitor over source.
func NewService(cfg Config, source QueueSource, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stdout, "monitor ", log.LstdFlags|log.Lmicroseconds)
	}
	cfg = cfg.Sanitize(logger)
	s := &Service{
		cfg:      cfg,
		source:   source,
		logger:   logger,
		now:      time.Now,
		queues:   make(map[int64]*queueState),
		limiters: make(map[alertKey]*rate.Limiter),
		recent:   newAlertRing(cfg.RecentAlerts),
		handlers: make(map[uint64]AlertHandler),
	}
	s.inst = newInstruments(s)
	return s
}

// Run samples on every interval until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Printf("monitor started: interval=%s", s.Config().Interval)
	timer := time.NewTimer(s.Config().Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("monitor stopped")
			return ctx.Err()
		case <-timer.C:
		}
		s.Sample(ctx)
		timer.Reset(s.Config().Interval)
	}
}

// Sample takes one reading of every queue and returns the alerts it dispatched.
func (s *Service) Sample(ctx context.Context) []Alert {
	statuses := s.source.StatusAll()

	s.mu.Lock()
	now := s.now()
	cfg := s.cfg
	seen := make(map[int64]struct{}, len(statuses))
	var raised []Alert
	for _, st := range statuses {
		if !st.Exists {
			continue
		}
		seen[st.DestinationID] = struct{}{}
		health := s.observeLocked(st, now)
		for _, alert := range evaluate(cfg, st, health) {
			if !s.allowLocked(alert, now) {
				s.suppressed++
				continue
			}
			alert.ID = uuid.NewString()
			alert.Timestamp = now
			s.recent.add(alert)
			raised = append(raised, alert)
		}
	}
	for id := range s.queues {
		if _, ok := seen[id]; !ok {
			delete(s.queues, id)
			for key := range s.limiters {
				if key.queue == id {
					delete(s.limiters, key)
				}
			}
		}
	}
	s.mu.Unlock()

	for _, alert := range raised {
		s.logger.Printf("alert raised: destination=%d type=%s severity=%s message=%q", alert.QueueID, alert.Type, alert.Severity, alert.Message)
		s.inst.recordAlert(ctx, alert)
		s.dispatch(alert)
	}
	return raised
}

func (s *Service) observeLocked(st queue.Status, now time.Time) Health {
	state, ok := s.queues[st.DestinationID]
	if !ok {
		state = &queueState{lastProgress: now}
		s.queues[st.DestinationID] = state
	}
	current := sample{at: now, size: st.Size, metrics: st.Metrics}

	var prev queue.Metrics
	if n := len(state.history); n > 0 {
		prev = state.history[n-1].metrics
		if countersReset(prev, st.Metrics) {
			// queue recreated by a worker restart; its counters start from zero
			state.history = state.history[:0]
			state.lastProgress = now
			prev = queue.Metrics{}
		} else if st.Size == 0 || st.Metrics.EventsProcessed != prev.EventsProcessed {
			state.lastProgress = now
		}
	}
	state.history = append(state.history, current)
	if over := len(state.history) - s.cfg.HistorySize; over > 0 {
		state.history = append(state.history[:0], state.history[over:]...)
	}

	health := Health{
		DestinationID: st.DestinationID,
		Size:          st.Size,
		MaxSize:       st.MaxSize,
		Utilization:   st.Utilization(),
		OverflowRate:  overflowRate(st.OverflowPolicy, prev, st.Metrics),
		Trend:         trend(state.history, st.MaxSize),
		Stalled:       st.Size > 0 && now.Sub(state.lastProgress) >= s.cfg.StallAfter,
		SampledAt:     now,
	}
	health.HealthScore = score(health)
	state.health = health
	return health
}

func countersReset(prev, cur queue.Metrics) bool {
	return cur.EventsQueued < prev.EventsQueued ||
		cur.EventsProcessed < prev.EventsProcessed ||
		cur.EventsDropped < prev.EventsDropped ||
		cur.OverflowEvents < prev.OverflowEvents
}

// overflowRate is the share of admission attempts since the previous sample that hit capacity.
func overflowRate(policy queue.OverflowPolicy, prev, cur queue.Metrics) float64 {
	if cur.OverflowEvents <= prev.OverflowEvents {
		return 0
	}
	overflows := float64(cur.OverflowEvents - prev.OverflowEvents)
	var attempts float64
	if cur.EventsQueued > prev.EventsQueued {
		attempts = float64(cur.EventsQueued - prev.EventsQueued)
	}
	if policy != queue.PolicyDropOldest {
		// rejected events never reach EventsQueued
		attempts += overflows
	}
	if attempts <= 0 {
		return 1
	}
	return math.Min(1, overflows/attempts)
}

func trend(history []sample, capacity int) Trend {
	if len(history) < 3 || capacity <= 0 {
		return TrendStable
	}
	third := len(history) / 3
	avg := func(part []sample) float64 {
		total := 0
		for _, s := range part {
			total += s.size
		}
		return float64(total) / float64(len(part))
	}
	delta := (avg(history[len(history)-third:]) - avg(history[:third])) / float64(capacity)
	switch {
	case delta > trendThreshold:
		return TrendIncreasing
	case delta < -trendThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// score maps utilization, overflow, stall and growth into 0-100.
func score(h Health) float64 {
	result := 100.0
	if h.Utilization > 0.5 {
		result -= (h.Utilization - 0.5) / 0.5 * 40
	}
	result -= h.OverflowRate * 30
	if h.Stalled {
		result -= 20
	}
	if h.Trend == TrendIncreasing && h.Utilization > 0.5 {
		result -= 10
	}
	result = math.Max(0, math.Min(100, result))
	return math.Round(result*10) / 10
}

func evaluate(cfg Config, st queue.Status, h Health) []Alert {
	metrics := map[string]float64{
		"size":          float64(h.Size),
		"max_size":      float64(h.MaxSize),
		"utilization":   h.Utilization,
		"overflow_rate": h.OverflowRate,
		"health_score":  h.HealthScore,
	}
	var out []Alert
	add := func(kind AlertType, sev Severity, msg string) {
		out = append(out, Alert{QueueID: h.DestinationID, Type: kind, Severity: sev, Message: msg, Metrics: metrics})
	}

	switch {
	case st.IsFull:
		add(AlertQueueFull, SeverityCritical, fmt.Sprintf("queue %d is full (%d events)", h.DestinationID, h.Size))
	case h.Utilization >= cfg.UtilizationCritical:
		add(AlertHighUtilization, SeverityCritical, utilizationMessage(h))
	case h.Utilization >= cfg.UtilizationWarning:
		add(AlertHighUtilization, SeverityWarning, utilizationMessage(h))
	case h.Utilization >= cfg.UtilizationInfo:
		add(AlertHighUtilization, SeverityInfo, utilizationMessage(h))
	}

	switch {
	case h.OverflowRate >= cfg.OverflowRateCritical:
		add(AlertHighOverflowRate, SeverityCritical, overflowMessage(h))
	case h.OverflowRate >= cfg.OverflowRateWarning:
		add(AlertHighOverflowRate, SeverityWarning, overflowMessage(h))
	}

	switch {
	case h.HealthScore < cfg.HealthCritical:
		add(AlertLowHealthScore, SeverityCritical, healthMessage(h))
	case h.HealthScore < cfg.HealthWarning:
		add(AlertLowHealthScore, SeverityWarning, healthMessage(h))
	}

	if h.Stalled {
		add(AlertQueueStalled, SeverityWarning, fmt.Sprintf("queue %d has %d events and made no progress for %s", h.DestinationID, h.Size, cfg.StallAfter))
	}
	return out
}

func utilizationMessage(h Health) string {
	return fmt.Sprintf("queue %d utilization %.0f%% (%d/%d)", h.DestinationID, h.Utilization*100, h.Size, h.MaxSize)
}

func overflowMessage(h Health) string {
	return fmt.Sprintf("queue %d overflow rate %.1f%%", h.DestinationID, h.OverflowRate*100)
}

func healthMessage(h Health) string {
	return fmt.Sprintf("queue %d health score %.1f, trend %s", h.DestinationID, h.HealthScore, h.Trend)
}

func (s *Service) allowLocked(alert Alert, now time.Time) bool {
	key := alertKey{queue: alert.QueueID, kind: alert.Type}
	lim, ok := s.limiters[key]
	if !ok {
		limit := rate.Inf
		if s.cfg.AlertCooldown > 0 {
			limit = rate.Every(s.cfg.AlertCooldown)
		}
		lim = rate.NewLimiter(limit, 1)
		s.limiters[key] = lim
	}
	return lim.AllowN(now, 1)
}

func (s *Service) dispatch(alert Alert) {
	s.handlersMu.RLock()
	handlers := make([]AlertHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		s.safeCall(h, alert)
	}
}

func (s *Service) safeCall(h AlertHandler, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("alert handler panic: destination=%d type=%s panic=%v", alert.QueueID, alert.Type, r)
		}
	}()
	h(alert)
}

// RegisterHandler adds h and returns a function that removes it.
func (s *Service) RegisterHandler(h AlertHandler) func() {
	s.handlersMu.Lock()
	id := s.nextHandler
	s.nextHandler++
	s.handlers[id] = h
	s.handlersMu.Unlock()
	return func() {
		s.handlersMu.Lock()
		delete(s.handlers, id)
		s.handlersMu.Unlock()
	}
}

// Health returns the latest reading for id.
func (s *Service) Health(id int64) (Health, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.queues[id]
	if !ok {
		return Health{DestinationID: id, HealthScore: 100, Trend: TrendStable}, false
	}
	return state.health, true
}

// HealthAll returns every latest reading ordered by destination id.
func (s *Service) HealthAll() []Health {
	s.mu.Lock()
	out := make([]Health, 0, len(s.queues))
	for _, state := range s.queues {
		out = append(out, state.health)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out
}

// RecentAlerts returns up to n alerts, newest first. n <= 0 returns all retained alerts.
func (s *Service) RecentAlerts(n int) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent.last(n)
}

// Suppressed reports how many alerts the rate limiter has swallowed.
func (s *Service) Suppressed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed
}

// Reconfigure applies cfg from the next sample onwards. Rate limiters restart with the new cooldown.
func (s *Service) Reconfigure(cfg Config) {
	cfg = cfg.Sanitize(s.logger)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.AlertCooldown != s.cfg.AlertCooldown {
		s.limiters = make(map[alertKey]*rate.Limiter)
	}
	s.recent = s.recent.resize(cfg.RecentAlerts)
	s.cfg = cfg
}

// Config returns the active configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}
