package scheduler

import (
	"testing"
	"time"
)

func TestNextDelay_AlignHourlySnapsToWallClockBoundary(t *testing.T) {
	now := func() time.Time {
		return time.Date(2026, 7, 30, 14, 23, 7, 0, time.UTC)
	}
	d := nextDelay(Task{AlignHourly: true}, now)

	want := 36*time.Minute + 53*time.Second
	if d != want {
		t.Fatalf("expected delay to the next :00 boundary, got %v want %v", d, want)
	}
}

func TestNextDelay_AlignHourlyIgnoresInterval(t *testing.T) {
	now := func() time.Time {
		return time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC)
	}
	d := nextDelay(Task{AlignHourly: true, Interval: 90 * time.Second}, now)
	if d != time.Hour {
		t.Fatalf("expected exactly one hour when already on the boundary, got %v", d)
	}
}

func TestNextDelay_NonAlignedTaskJittersAroundInterval(t *testing.T) {
	now := time.Now
	d := nextDelay(Task{Interval: 90 * time.Second}, now)
	// jitter() spreads by up to 10% around Interval.
	if d < 85*time.Second || d > 95*time.Second {
		t.Fatalf("expected jittered delay close to 90s, got %v", d)
	}
}
