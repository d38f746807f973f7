// Package scanner implements the scan loop: the periodic, lock-guarded
// layer-2 sweep that turns raw probe results into per-employee
// online/offline state transitions under debounced hysteresis.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	agent "github.com/presence-agent/agent"
)

// Prober returns the set of MAC addresses (lowercase, colon-separated)
// currently responding on iface/subnet, filtered to wanted.
type Prober interface {
	Sweep(ctx context.Context, iface, subnet string, wanted map[string]struct{}) map[string]struct{}
}

// Lock is the exclusive scan lock a single tick must hold for its
// duration.
type Lock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Heartbeater is invoked synchronously once per tick that produced at
// least one state transition.
type Heartbeater interface {
	SendHeartbeat(ctx context.Context) error
}

// Config carries the tunables the scan loop needs.
type Config struct {
	Interface           string
	Subnet              string
	OfflineFailureCount int
}

// Loop runs the periodic scan: sweep, then apply the any-device-online
// rule with debounced hysteresis per employee. failureCount is
// process-local, in-memory, owned exclusively by Loop, and touched
// only while the scan lock is held — deliberately lost on restart and
// never exposed as package state.
type Loop struct {
	store  agent.Store
	prober Prober
	lock   Lock
	hb     Heartbeater
	cfg    Config

	mu           sync.Mutex
	failureCount map[int64]int
}

// New constructs a scan loop.
func New(store agent.Store, prober Prober, lock Lock, hb Heartbeater, cfg Config) *Loop {
	if cfg.OfflineFailureCount <= 0 {
		cfg.OfflineFailureCount = 2
	}
	return &Loop{
		store:        store,
		prober:       prober,
		lock:         lock,
		hb:           hb,
		cfg:          cfg,
		failureCount: make(map[int64]int),
	}
}

// Tick runs one scan attempt. It returns (false, nil) if the lock was
// already held elsewhere — ticks are dropped, not queued.
func (l *Loop) Tick(ctx context.Context) (ran bool, err error) {
	acquired, err := l.lock.TryAcquire(ctx)
	if err != nil {
		return false, fmt.Errorf("scan tick: %w", err)
	}
	if !acquired {
		slog.Debug("scan lock held elsewhere, skipping tick")
		return false, nil
	}
	defer func() {
		if relErr := l.lock.Release(ctx); relErr != nil {
			slog.Warn("release scan lock failed", "err", relErr)
		}
	}()

	roster, err := l.store.ListEmployeesWithDevicesAndLatestState(ctx)
	if err != nil {
		return true, fmt.Errorf("load roster: %w", err)
	}

	wanted := macSet(roster)
	online := l.prober.Sweep(ctx, l.cfg.Interface, l.cfg.Subnet, wanted)

	changed := false
	for _, r := range roster {
		transitioned, err := l.applyEmployee(ctx, r, online)
		if err != nil {
			return true, fmt.Errorf("apply employee %d: %w", r.Employee.ID, err)
		}
		changed = changed || transitioned
	}

	if changed && l.hb != nil {
		if err := l.hb.SendHeartbeat(ctx); err != nil {
			slog.Warn("heartbeat after scan failed", "err", err)
		}
	}

	return true, nil
}

// applyEmployee implements the any-device-online OR rule, the debounce
// counter, and the single state-change append.
func (l *Loop) applyEmployee(ctx context.Context, r agent.EmployeeRoster, online map[string]struct{}) (bool, error) {
	var onlineDevice *agent.Device
	for i := range r.Devices {
		d := &r.Devices[i]
		if d.MACAddress == "" {
			continue
		}
		if _, ok := online[d.MACAddress]; ok {
			onlineDevice = d
			break
		}
	}
	anyOnline := onlineDevice != nil

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	currentStatus := r.CurrentStatus()
	havePrev := r.Latest != nil

	if anyOnline {
		delete(l.failureCount, r.Employee.ID)

		if currentStatus == agent.Offline {
			ok, err := l.store.AppendStateChange(ctx, onlineDevice.ID, r.Employee.ID, now, agent.Online, currentStatus, havePrev)
			if err != nil {
				return false, err
			}
			if ok {
				slog.Info("employee came online", "employee_id", r.Employee.ID)
			}
			return ok, nil
		}
		return false, nil
	}

	// No device online this tick: bump the debounce counter.
	l.failureCount[r.Employee.ID]++
	if l.failureCount[r.Employee.ID] < l.cfg.OfflineFailureCount {
		return false, nil
	}

	// Threshold reached: declare offline only if currently online, then
	// reset regardless so the next grace window starts fresh.
	delete(l.failureCount, r.Employee.ID)
	if currentStatus != agent.Online {
		return false, nil
	}

	// Tie-break: device identity is informational; attribute the
	// transition to the first device on record.
	deviceID := int64(0)
	if len(r.Devices) > 0 {
		deviceID = r.Devices[0].ID
	}
	ok, err := l.store.AppendStateChange(ctx, deviceID, r.Employee.ID, now, agent.Offline, currentStatus, havePrev)
	if err != nil {
		return false, err
	}
	if ok {
		slog.Info("employee went offline", "employee_id", r.Employee.ID)
	}
	return ok, nil
}

func macSet(roster []agent.EmployeeRoster) map[string]struct{} {
	set := make(map[string]struct{})
	for _, r := range roster {
		for _, d := range r.Devices {
			if d.MACAddress != "" {
				set[d.MACAddress] = struct{}{}
			}
		}
	}
	return set
}
