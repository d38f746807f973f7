// Package lock implements a named, TTL'd scan lock: try-acquire-with-TTL,
// skip the tick if already held, and let the lease auto-expire if the
// holder crashes mid-scan.
package lock

import (
	"context"
	"fmt"
	"time"

	agent "github.com/presence-agent/agent"

	"github.com/google/uuid"
)

// Name is the distributed lock guarding ScanLoop ticks.
const Name = "ping_all_devices_lock"

// Scan is a TTL'd mutex backed by agent.Store. Each process instance
// gets its own token so a crashed holder's expired lease can be
// re-acquired by anyone, while a live holder can safely renew its own
// lease without contention.
type Scan struct {
	store agent.Store
	ttl   time.Duration
	token string
}

// New creates a scan lock with the given TTL, backed by store.
func New(store agent.Store, ttl time.Duration) *Scan {
	return &Scan{store: store, ttl: ttl, token: uuid.NewString()}
}

// TryAcquire attempts to take the lock for this tick. false means
// another holder's lease is still live; the caller must skip the tick
// rather than queue behind it.
func (s *Scan) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := s.store.TryAcquireLock(ctx, Name, s.token, s.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire scan lock: %w", err)
	}
	return ok, nil
}

// Release drops the lock early so the next tick doesn't have to wait
// out the full TTL. Safe to call even if TryAcquire failed: it only
// removes a row this token owns.
func (s *Scan) Release(ctx context.Context) error {
	return s.store.ReleaseLock(ctx, Name, s.token)
}
