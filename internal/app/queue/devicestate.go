package queue

import (
	"sync"
	"time"
)

// DeviceTracker remembers the newest applied timestamp per device uid for one destination.
type DeviceTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewDeviceTracker constructs an empty tracker.
func NewDeviceTracker() *DeviceTracker {
	return &DeviceTracker{mu: sync.Mutex{}, last: make(map[string]time.Time)}
}

// ShouldApply reports whether ts is strictly newer than the last applied update for uid.
func (t *DeviceTracker) ShouldApply(uid string, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.last[uid]
	return !ok || ts.After(prev)
}

// Record stores ts as the last applied update for uid when it is newer.
func (t *DeviceTracker) Record(uid string, ts time.Time) {
	t.mu.Lock()
	if prev, ok := t.last[uid]; !ok || ts.After(prev) {
		t.last[uid] = ts
	}
	t.mu.Unlock()
}

// Last returns the last applied timestamp for uid.
func (t *DeviceTracker) Last(uid string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[uid]
	return ts, ok
}

// Len returns the number of tracked devices.
func (t *DeviceTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

// Reset forgets all devices.
func (t *DeviceTracker) Reset() {
	t.mu.Lock()
	t.last = make(map[string]time.Time)
	t.mu.Unlock()
}
