package agent

import (
	"context"
	"time"
)

// Store is the persistence surface the core reads and writes. All
// methods are transactional; a single call is snapshot-consistent.
// Cross-call races are managed by the callers (see internal/lock for
// the scan lock, and the append-only/upsert discipline elsewhere).
//
// Implemented by internal/store/sqlite.Store.
type Store interface {
	// Roster reads. Employees and devices are administered externally;
	// the core only ever reads them.
	ListEmployeesWithDevicesAndLatestState(ctx context.Context) ([]EmployeeRoster, error)
	ListEmployees(ctx context.Context) ([]Employee, error)
	LatestStateChange(ctx context.Context, employeeID int64) (*StateChange, error)

	// AppendStateChange is a no-op (ok is false) if prevStatus equals
	// status, so consecutive ticks never duplicate a transition.
	// Otherwise a new row is inserted and ok is true.
	AppendStateChange(ctx context.Context, deviceID, employeeID int64, timestamp time.Time, status Status, prevStatus Status, havePrev bool) (ok bool, err error)

	StateChangesInRange(ctx context.Context, employeeID int64, from, to time.Time) ([]StateChange, error)
	LatestStateChangeBefore(ctx context.Context, employeeID int64, t time.Time) (*StateChange, error)

	UpsertHourlySummary(ctx context.Context, s HourlySummary) error
	MarkSummarySynced(ctx context.Context, employeeID int64, hour time.Time) error
	ListUnsyncedSummaries(ctx context.Context, orderByHourDesc bool) ([]HourlySummary, error)

	ListUnsyncedDowntimes(ctx context.Context) ([]AgentDowntime, error)
	MarkAllDowntimesSynced(ctx context.Context) error
	AppendAgentDowntime(ctx context.Context, start, end time.Time) error

	TouchSystemHeartbeat(ctx context.Context, at time.Time) error
	ReadSystemHeartbeat(ctx context.Context) (time.Time, bool, error)

	// TryAcquireLock attempts to compare-and-set the named lock with
	// the given TTL. Returns true if acquired (or re-acquired by the
	// same token, i.e. a live holder renewing its lease), false if held by another
	// non-expired token.
	TryAcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, token string) error

	Close() error
}
