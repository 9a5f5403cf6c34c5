package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewWithClock(clock.now), clock
}

func TestUnlimitedWhenNoLimit(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 1000; i++ {
		tracker.Increment()
	}

	if !tracker.CheckHourly(0) {
		t.Error("CheckHourly(0) = false, want unlimited")
	}
	if !tracker.CheckDaily(0) {
		t.Error("CheckDaily(0) = false, want unlimited")
	}
	if got := tracker.RemainingHourly(0); got >= 0 {
		t.Errorf("RemainingHourly(0) = %d, want negative (unbounded)", got)
	}
}

func TestHourlyLimit(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 5; i++ {
		if !tracker.CheckHourly(5) {
			t.Fatalf("CheckHourly blocked at count %d, limit 5", i)
		}
		tracker.Increment()
	}

	if tracker.CheckHourly(5) {
		t.Error("CheckHourly passed at the limit")
	}
	if got := tracker.RemainingHourly(5); got != 0 {
		t.Errorf("RemainingHourly = %d, want 0", got)
	}
}

func TestHourlyWindowResets(t *testing.T) {
	tracker, clock := newTestTracker()

	for i := 0; i < 5; i++ {
		tracker.Increment()
	}
	if tracker.CheckHourly(5) {
		t.Fatal("limit not reached")
	}

	clock.advance(61 * time.Minute)

	if !tracker.CheckHourly(5) {
		t.Error("hourly window did not reset after an hour")
	}
	if got := tracker.RemainingHourly(5); got != 5 {
		t.Errorf("RemainingHourly after reset = %d, want 5", got)
	}
}

func TestDailyOutlivesHourly(t *testing.T) {
	tracker, clock := newTestTracker()

	for i := 0; i < 10; i++ {
		tracker.Increment()
	}

	clock.advance(2 * time.Hour)

	if !tracker.CheckHourly(5) {
		t.Error("hourly window should have reset")
	}
	if tracker.CheckDaily(10) {
		t.Error("daily limit should still be exhausted")
	}
	if got := tracker.RemainingDaily(10); got != 0 {
		t.Errorf("RemainingDaily = %d, want 0", got)
	}

	clock.advance(23 * time.Hour)
	if !tracker.CheckDaily(10) {
		t.Error("daily window did not reset after a day")
	}
}

func TestRemainingNeverNegative(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 8; i++ {
		tracker.Increment()
	}

	if got := tracker.RemainingHourly(5); got != 0 {
		t.Errorf("RemainingHourly = %d, want clamped to 0", got)
	}
}

func TestReset(t *testing.T) {
	tracker, _ := newTestTracker()

	tracker.Increment()
	tracker.Reset()

	if got := tracker.RemainingHourly(5); got != 5 {
		t.Errorf("RemainingHourly after Reset = %d, want 5", got)
	}
}
