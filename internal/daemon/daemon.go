// Package daemon wires the presence agent's components into a running
// process: the store, prober, scan lock, scanner, summariser, reporter,
// and outage detector, scheduled by internal/scheduler against an
// NTP-corrected clock, with systemd readiness notification and
// graceful shutdown on signal.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	agent "github.com/presence-agent/agent"
	"github.com/presence-agent/agent/internal/clock"
	"github.com/presence-agent/agent/internal/config"
	"github.com/presence-agent/agent/internal/lock"
	"github.com/presence-agent/agent/internal/outage"
	"github.com/presence-agent/agent/internal/prober"
	"github.com/presence-agent/agent/internal/reporter"
	"github.com/presence-agent/agent/internal/scanner"
	"github.com/presence-agent/agent/internal/scheduler"
	storesqlite "github.com/presence-agent/agent/internal/store/sqlite"
	"github.com/presence-agent/agent/internal/summary"

	systemd "github.com/coreos/go-systemd/v22/daemon"
)

const (
	heartbeatInterval = 5 * time.Minute
	retryInterval     = 15 * time.Minute
	selfHBInterval    = 30 * time.Second
	outageInterval    = time.Minute
)

// Run opens the store, wires every component, and blocks until ctx is
// cancelled. It is the single entry point cmd/presenced's "run"
// subcommand calls.
func Run(ctx context.Context, cfg config.Config) error {
	store, err := storesqlite.Open(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("close store failed", "err", err)
		}
	}()

	ntpClock := clock.NewSynced(cfg.NTPServer)
	go ntpClock.Run(ctx)

	rep := reporter.New(store, cfg.CloudAPIURL, cfg.SiteID, cfg.AgentAuthToken)
	scanLock := lock.New(store, cfg.PingLockTimeout)
	arp := prober.NewARPScan()
	scanLoop := scanner.New(store, arp, scanLock, rep, scanner.Config{
		Interface:           cfg.NetworkInterface,
		Subnet:              cfg.Subnet,
		OfflineFailureCount: cfg.OfflineFailureCount,
	})
	summariser := summary.New(store, rep)
	selfHB := outage.NewSelfHeartbeatWithClock(store, ntpClock.Now)
	detector := outage.NewWithClock(store, cfg.SystemHeartbeatCheck, cfg.OfflineThreshold, ntpClock.Now)

	// Outage detection runs once synchronously before the scheduler
	// starts, so a restart after a crash or power loss is attributed
	// correctly before any new scan ticks can run.
	if err := detector.Check(ctx); err != nil {
		return fmt.Errorf("startup outage check: %w", err)
	}

	sched := scheduler.NewWithClock(ntpClock.Now,
		scheduler.Task{Name: "scan", Interval: cfg.PingInterval, Run: func(ctx context.Context) error {
			_, err := scanLoop.Tick(ctx)
			return err
		}},
		scheduler.Task{Name: "self-heartbeat", Interval: selfHBInterval, Run: selfHB.Touch},
		scheduler.Task{Name: "outage-check", Interval: outageInterval, Run: detector.Check},
		scheduler.Task{Name: "heartbeat", Interval: heartbeatInterval, Run: rep.SendHeartbeat},
		scheduler.Task{Name: "hourly-summary", AlignHourly: true, Run: func(ctx context.Context) error {
			_, err := summariser.RunForClosedHour(ctx, previousClosedHour(ntpClock.Now()))
			return err
		}},
		scheduler.Task{Name: "retry-unsynced", Interval: retryInterval, Run: rep.RetryUnsynced},
	)

	go notifyReady()

	slog.Info("presence agent started", "data_path", cfg.DataPath, "interface", cfg.NetworkInterface, "subnet", cfg.Subnet)
	return sched.Run(ctx)
}

// previousClosedHour returns the start of the most recently completed
// hour window relative to now.
func previousClosedHour(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(-time.Hour)
}

func notifyReady() {
	if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		slog.Debug("systemd notify failed (likely not running under systemd)", "err", err)
	}
}

// ScanOnce opens the store and runs a single scan tick against it,
// for the "presenced scan-once" operator diagnostic command.
func ScanOnce(ctx context.Context, cfg config.Config) error {
	store, err := storesqlite.Open(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	rep := reporter.New(store, cfg.CloudAPIURL, cfg.SiteID, cfg.AgentAuthToken)
	scanLock := lock.New(store, cfg.PingLockTimeout)
	arp := prober.NewARPScan()
	scanLoop := scanner.New(store, arp, scanLock, rep, scanner.Config{
		Interface:           cfg.NetworkInterface,
		Subnet:              cfg.Subnet,
		OfflineFailureCount: cfg.OfflineFailureCount,
	})

	ran, err := scanLoop.Tick(ctx)
	if err != nil {
		return err
	}
	if !ran {
		slog.Info("scan skipped: lock held by another process")
		return nil
	}
	slog.Info("scan-once complete")
	return nil
}

var _ agent.Store = (*storesqlite.Store)(nil)
