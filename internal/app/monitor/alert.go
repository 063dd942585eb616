package monitor

import (
	"time"
)

// AlertType classifies threshold alerts.
type AlertType string

const (
	AlertHighUtilization  AlertType = "high_utilization"
	AlertQueueFull        AlertType = "queue_full"
	AlertHighOverflowRate AlertType = "high_overflow_rate"
	AlertLowHealthScore   AlertType = "low_health_score"
	AlertQueueStalled     AlertType = "queue_stalled"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a threshold breach on one destination queue.
type Alert struct {
	ID        string             `json:"id"`
	QueueID   int64              `json:"queue_id"`
	Type      AlertType          `json:"type"`
	Severity  Severity           `json:"severity"`
	Message   string             `json:"message"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// AlertHandler receives alerts synchronously from the sampling loop and must not block.
type AlertHandler func(Alert)

// alertRing keeps the most recent alerts, oldest first.
type alertRing struct {
	items []Alert
	next  int
	full  bool
}

func newAlertRing(capacity int) *alertRing {
	return &alertRing{items: make([]Alert, capacity)}
}

func (r *alertRing) add(a Alert) {
	r.items[r.next] = a
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

func (r *alertRing) len() int {
	if r.full {
		return len(r.items)
	}
	return r.next
}

// last returns up to n alerts, newest first.
func (r *alertRing) last(n int) []Alert {
	size := r.len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Alert, 0, n)
	idx := r.next
	for len(out) < n {
		idx = (idx - 1 + len(r.items)) % len(r.items)
		out = append(out, r.items[idx])
	}
	return out
}

func (r *alertRing) resize(capacity int) *alertRing {
	if capacity == len(r.items) {
		return r
	}
	fresh := newAlertRing(capacity)
	kept := r.last(capacity)
	for i := len(kept) - 1; i >= 0; i-- {
		fresh.add(kept[i])
	}
	return fresh
}
