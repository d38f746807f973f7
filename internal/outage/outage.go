// Package outage implements the self-heartbeat and the outage detector:
// a periodic local liveness write, and the startup/periodic check that
// attributes lost time to an explicit downtime interval rather than
// trying to reconstruct presence during it.
package outage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	agent "github.com/presence-agent/agent"
)

// SelfHeartbeat writes a single timestamped row at a fixed cadence.
// It carries no meaning beyond letting Detector measure the gap since
// the agent was last alive.
type SelfHeartbeat struct {
	store agent.Store
	now   func() time.Time
}

// NewSelfHeartbeat constructs a SelfHeartbeat writer reading wall-clock
// time via time.Now.
func NewSelfHeartbeat(store agent.Store) *SelfHeartbeat {
	return &SelfHeartbeat{store: store, now: time.Now}
}

// NewSelfHeartbeatWithClock constructs a SelfHeartbeat writer that
// reads the current time from now — wired to an NTP-corrected clock so
// a drifted system clock can't make the agent misreport its own gap.
func NewSelfHeartbeatWithClock(store agent.Store, now func() time.Time) *SelfHeartbeat {
	return &SelfHeartbeat{store: store, now: now}
}

// Touch refreshes the heartbeat row.
func (h *SelfHeartbeat) Touch(ctx context.Context) error {
	if err := h.store.TouchSystemHeartbeat(ctx, h.now()); err != nil {
		return fmt.Errorf("touch system heartbeat: %w", err)
	}
	return nil
}

// Detector runs the outage check: on startup, and as a periodic
// safeguard thereafter.
type Detector struct {
	store            agent.Store
	checkThreshold   time.Duration
	offlineThreshold time.Duration
	now              func() time.Time
}

// New constructs a Detector reading wall-clock time via time.Now.
// checkThreshold is SYSTEM_HEARTBEAT_CHECK_SECONDS; offlineThreshold is
// OFFLINE_THRESHOLD_SECONDS, the trailing grace period credited to an
// employee who was online when the outage began.
func New(store agent.Store, checkThreshold, offlineThreshold time.Duration) *Detector {
	return &Detector{store: store, checkThreshold: checkThreshold, offlineThreshold: offlineThreshold, now: time.Now}
}

// NewWithClock constructs a Detector that reads the current time from
// now — wired to an NTP-corrected clock so outage gaps and synthesized
// transition timestamps stay accurate on a host with a drifted clock.
func NewWithClock(store agent.Store, checkThreshold, offlineThreshold time.Duration, now func() time.Time) *Detector {
	return &Detector{store: store, checkThreshold: checkThreshold, offlineThreshold: offlineThreshold, now: now}
}

// Check reads the last self-heartbeat and, if the gap exceeds the
// check threshold, records an AgentDowntime and synthesizes an offline
// transition for every employee who was online when the agent died.
// It always refreshes the heartbeat before returning, whether or not
// an outage was detected.
func (d *Detector) Check(ctx context.Context) error {
	now := d.now()
	last, ok, err := d.store.ReadSystemHeartbeat(ctx)
	if err != nil {
		return fmt.Errorf("outage check: read heartbeat: %w", err)
	}

	if ok {
		gap := now.Sub(last)
		if gap > d.checkThreshold {
			if err := d.recordOutage(ctx, last, now); err != nil {
				return fmt.Errorf("outage check: %w", err)
			}
			slog.Warn("agent downtime detected", "last_heartbeat", last, "gap", gap)
		}
	}

	if err := d.store.TouchSystemHeartbeat(ctx, now); err != nil {
		return fmt.Errorf("outage check: refresh heartbeat: %w", err)
	}
	return nil
}

func (d *Detector) recordOutage(ctx context.Context, downtimeStart, now time.Time) error {
	if err := d.store.AppendAgentDowntime(ctx, downtimeStart, now); err != nil {
		return fmt.Errorf("append agent downtime: %w", err)
	}

	roster, err := d.store.ListEmployeesWithDevicesAndLatestState(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	recoveryTime := downtimeStart.Add(d.offlineThreshold)
	for _, r := range roster {
		if r.CurrentStatus() != agent.Online {
			continue
		}
		deviceID := int64(0)
		if len(r.Devices) > 0 {
			deviceID = r.Devices[0].ID
		}
		ok, err := d.store.AppendStateChange(ctx, deviceID, r.Employee.ID, recoveryTime, agent.Offline, agent.Online, true)
		if err != nil {
			return fmt.Errorf("synthesize offline for employee %d: %w", r.Employee.ID, err)
		}
		if ok {
			slog.Info("synthesized offline transition after outage", "employee_id", r.Employee.ID, "at", recoveryTime)
		}
	}
	return nil
}
