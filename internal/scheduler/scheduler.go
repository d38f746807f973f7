// Package scheduler runs the daemon's periodic tasks — the scan loop,
// the self-heartbeat, the cloud heartbeat, the hourly summariser, and
// the unsynced-summary retry — each as an independent, non-overlapping
// ticker loop, isolated so one task's failure never cancels the others.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Task is one unit of periodic work. An error is logged and the task
// continues to the next tick; it is never fatal to its siblings.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	// AlignHourly schedules this task's ticks to the wall-clock hour
	// boundary (:00) rather than an offset from process start, and
	// never applies the jitter the other tasks get — jitter exists to
	// avoid a thundering herd across independent tasks, not to replace
	// exact-boundary scheduling for this one. Interval is ignored when
	// this is set.
	AlignHourly bool
}

// Scheduler supervises a set of Tasks for the lifetime of a context.
type Scheduler struct {
	tasks []Task
	now   func() time.Time
}

// New constructs a Scheduler over the given tasks, reading wall-clock
// time via time.Now.
func New(tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks, now: time.Now}
}

// NewWithClock constructs a Scheduler whose tasks read the current
// time from now instead of time.Now — wired to an NTP-corrected clock
// so hourly alignment stays accurate on a host with a drifted system
// clock.
func NewWithClock(now func() time.Time, tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks, now: now}
}

// Run starts every task's loop and blocks until ctx is cancelled. Task
// errors and panics are logged per tick by runOnce and never stop a
// loop, so each loop returns nil on cancellation; any error a loop did
// return would be passed back wrapped in a multierror.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		t := t
		g.Go(func() error {
			return runLoop(ctx, t, s.now)
		})
	}

	if err := g.Wait(); err != nil {
		var merr *multierror.Error
		merr = multierror.Append(merr, err)
		return merr.ErrorOrNil()
	}
	return nil
}

// runLoop fires Run on Interval, with up to 10% jitter so that
// co-scheduled tasks don't all wake on the same tick, until ctx is
// cancelled. A task marked AlignHourly instead fires exactly on the
// wall-clock hour boundary every time, with no jitter. A tick that
// panics is recovered and logged so the loop keeps running — the next
// tick is the retry.
func runLoop(ctx context.Context, t Task, now func() time.Time) error {
	log := slog.With("task", t.Name)
	timer := time.NewTimer(nextDelay(t, now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			runOnce(ctx, log, t)
			timer.Reset(nextDelay(t, now))
		}
	}
}

// nextDelay computes the wait until this task's next run. AlignHourly
// tasks always wait until the next :00 wall-clock boundary; everything
// else waits Interval, jittered.
func nextDelay(t Task, now func() time.Time) time.Duration {
	if t.AlignHourly {
		n := now()
		next := n.Truncate(time.Hour).Add(time.Hour)
		return next.Sub(n)
	}
	return jitter(t.Interval)
}

func runOnce(ctx context.Context, log *slog.Logger, t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "recovered", r)
		}
	}()
	if err := t.Run(ctx); err != nil {
		log.Error("task failed, will retry next tick", "err", err)
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := d / 10
	if spread <= 0 {
		return d
	}
	return d - spread/2 + time.Duration(rand.Int63n(int64(spread)))
}
