// Package ratelimit bounds process-wide send volume per hour and per day.
package ratelimit

import (
	"sync"
	"time"
)

// Tracker counts confirmed sends against rolling hourly and daily windows.
// State lives in memory only; a restart resets the counters, which is
// accepted for an advisory limit. Limits of 0 mean unlimited.
//
// Checks are side-effect free; Increment is called once per confirmed
// successful send.
type Tracker struct {
	mu   sync.Mutex
	now  func() time.Time
	hour window
	day  window
}

type window struct {
	count   int
	resetAt time.Time
}

// New creates a tracker using the wall clock.
func New() *Tracker {
	return NewWithClock(time.Now)
}

// NewWithClock creates a tracker with an injected clock for tests.
func NewWithClock(now func() time.Time) *Tracker {
	return &Tracker{now: now}
}

func (w *window) roll(now time.Time, span time.Duration) {
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(span)
	}
}

// CheckHourly reports whether another send fits under the hourly limit.
func (t *Tracker) CheckHourly(limit int) bool {
	if limit <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hour.roll(t.now(), time.Hour)
	return t.hour.count < limit
}

// CheckDaily reports whether another send fits under the daily limit.
func (t *Tracker) CheckDaily(limit int) bool {
	if limit <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.day.roll(t.now(), 24*time.Hour)
	return t.day.count < limit
}

// RemainingHourly returns how many sends remain in the current hour.
// Unlimited limits report a negative value meaning "no bound".
func (t *Tracker) RemainingHourly(limit int) int {
	if limit <= 0 {
		return -1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hour.roll(t.now(), time.Hour)
	return max(0, limit-t.hour.count)
}

// RemainingDaily returns how many sends remain in the current day.
func (t *Tracker) RemainingDaily(limit int) int {
	if limit <= 0 {
		return -1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.day.roll(t.now(), 24*time.Hour)
	return max(0, limit-t.day.count)
}

// Increment counts one confirmed send against both windows.
func (t *Tracker) Increment() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.hour.roll(now, time.Hour)
	t.hour.count++
	t.day.roll(now, 24*time.Hour)
	t.day.count++
}

// Reset clears both windows. Test helper.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hour = window{}
	t.day = window{}
}
