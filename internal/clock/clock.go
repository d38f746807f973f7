// Package clock provides a wall-clock reader corrected against NTP, so
// the scheduler's hourly-boundary alignment and the self-heartbeat's
// timestamps stay accurate even when the host's own clock has drifted.
package clock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

const (
	defaultServer   = "pool.ntp.org"
	defaultInterval = 10 * time.Minute
)

// Synced exposes Now(), the local wall clock corrected by the most
// recently observed NTP offset. The zero value is safe to read before
// the first Refresh: Now() falls back to the uncorrected local clock.
type Synced struct {
	server string

	mu     sync.RWMutex
	offset time.Duration
}

// NewSynced constructs a Synced clock against the given NTP server
// ("" selects the public default pool).
func NewSynced(server string) *Synced {
	if server == "" {
		server = defaultServer
	}
	return &Synced{server: server}
}

// Now returns the local wall clock corrected by the last known offset.
func (s *Synced) Now() time.Time {
	s.mu.RLock()
	off := s.offset
	s.mu.RUnlock()
	return time.Now().Add(off)
}

// Refresh queries the NTP server once and updates the correction
// offset. A failed query is logged and leaves the previous offset (or
// zero) in place — a stale correction is preferable to blocking
// scheduling on network flakiness.
func (s *Synced) Refresh() {
	resp, err := ntp.Query(s.server)
	if err != nil {
		slog.Warn("ntp query failed, keeping previous clock offset", "server", s.server, "err", err)
		return
	}
	s.mu.Lock()
	s.offset = resp.ClockOffset
	s.mu.Unlock()
}

// Run refreshes the offset immediately and then on a fixed interval
// until ctx is cancelled, mirroring the scheduler's own ticker loops.
func (s *Synced) Run(ctx context.Context) {
	s.Refresh()
	ticker := time.NewTicker(defaultInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}
