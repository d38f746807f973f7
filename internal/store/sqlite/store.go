// Package sqlite implements agent.Store on top of an embedded SQLite
// database. It is the only persistence the daemon needs: the roster,
// the state-change log, hourly summaries, agent downtimes, the system
// heartbeat singleton, and the scan lock all live in one file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	agent "github.com/presence-agent/agent"

	_ "modernc.org/sqlite"
)

const systemStatusKey = "system"

// Store implements agent.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database directory if needed, opens the database
// with WAL mode and a busy timeout, and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS employees (
			id INTEGER PRIMARY KEY,
			real_name TEXT NOT NULL UNIQUE,
			pseudonym TEXT NOT NULL,
			display_order INTEGER NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY,
			employee_id INTEGER NOT NULL REFERENCES employees(id),
			ip_address TEXT NOT NULL UNIQUE,
			mac_address TEXT,
			friendly_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS state_changes (
			id INTEGER PRIMARY KEY,
			device_id INTEGER NOT NULL,
			employee_id INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			status INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_state_changes_employee_ts ON state_changes(employee_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS hourly_summaries (
			employee_id INTEGER NOT NULL,
			hour TEXT NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			minutes_online INTEGER NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (employee_id, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_downtimes (
			id INTEGER PRIMARY KEY,
			downtime_start TEXT NOT NULL,
			downtime_end TEXT NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS system_status (
			key TEXT PRIMARY KEY,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS locks (
			name TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const rfc3339 = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(rfc3339) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(rfc3339, s)
}

func (s *Store) ListEmployees(ctx context.Context) ([]agent.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, real_name, pseudonym, display_order FROM employees ORDER BY display_order`)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()

	var out []agent.Employee
	for rows.Next() {
		var e agent.Employee
		if err := rows.Scan(&e.ID, &e.RealName, &e.Pseudonym, &e.DisplayOrder); err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEmployeesWithDevicesAndLatestState returns the full roster in one
// logical read: each employee, their devices, and their single latest
// state change (nil if none).
func (s *Store) ListEmployeesWithDevicesAndLatestState(ctx context.Context) ([]agent.EmployeeRoster, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin roster read: %w", err)
	}
	defer tx.Rollback()

	employees, err := queryEmployees(ctx, tx)
	if err != nil {
		return nil, err
	}

	rosters := make([]agent.EmployeeRoster, len(employees))
	for i, e := range employees {
		devices, err := queryDevices(ctx, tx, e.ID)
		if err != nil {
			return nil, err
		}
		latest, err := queryLatestStateChange(ctx, tx, e.ID)
		if err != nil {
			return nil, err
		}
		rosters[i] = agent.EmployeeRoster{Employee: e, Devices: devices, Latest: latest}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit roster read: %w", err)
	}
	return rosters, nil
}

func queryEmployees(ctx context.Context, tx *sql.Tx) ([]agent.Employee, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, real_name, pseudonym, display_order FROM employees ORDER BY display_order`)
	if err != nil {
		return nil, fmt.Errorf("query employees: %w", err)
	}
	defer rows.Close()

	var out []agent.Employee
	for rows.Next() {
		var e agent.Employee
		if err := rows.Scan(&e.ID, &e.RealName, &e.Pseudonym, &e.DisplayOrder); err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryDevices(ctx context.Context, tx *sql.Tx, employeeID int64) ([]agent.Device, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, employee_id, ip_address, mac_address, friendly_name FROM devices WHERE employee_id = ?`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("query devices for employee %d: %w", employeeID, err)
	}
	defer rows.Close()

	var out []agent.Device
	for rows.Next() {
		var d agent.Device
		var mac sql.NullString
		if err := rows.Scan(&d.ID, &d.EmployeeID, &d.IPAddress, &mac, &d.Name); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.MACAddress = mac.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func queryLatestStateChange(ctx context.Context, tx *sql.Tx, employeeID int64) (*agent.StateChange, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, device_id, employee_id, timestamp, status, created_at
		 FROM state_changes WHERE employee_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, employeeID)
	sc, err := scanStateChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest state change for employee %d: %w", employeeID, err)
	}
	return &sc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStateChange(row rowScanner) (agent.StateChange, error) {
	var sc agent.StateChange
	var ts, createdAt string
	var status int
	if err := row.Scan(&sc.ID, &sc.DeviceID, &sc.EmployeeID, &ts, &status, &createdAt); err != nil {
		return agent.StateChange{}, err
	}
	sc.Status = agent.Status(status)
	var err error
	if sc.Timestamp, err = parseTime(ts); err != nil {
		return agent.StateChange{}, fmt.Errorf("parse timestamp: %w", err)
	}
	if sc.CreatedAt, err = parseTime(createdAt); err != nil {
		return agent.StateChange{}, fmt.Errorf("parse created_at: %w", err)
	}
	return sc, nil
}

func (s *Store) LatestStateChange(ctx context.Context, employeeID int64) (*agent.StateChange, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, employee_id, timestamp, status, created_at
		 FROM state_changes WHERE employee_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, employeeID)
	sc, err := scanStateChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest state change: %w", err)
	}
	return &sc, nil
}

// AppendStateChange checks the caller-supplied previous status: a
// no-op if unchanged, otherwise an insert.
func (s *Store) AppendStateChange(ctx context.Context, deviceID, employeeID int64, timestamp time.Time, status agent.Status, prevStatus agent.Status, havePrev bool) (bool, error) {
	if havePrev && prevStatus == status {
		return false, nil
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_changes (device_id, employee_id, timestamp, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		deviceID, employeeID, formatTime(timestamp), int(status), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("append state change: %w", err)
	}
	return true, nil
}

func (s *Store) StateChangesInRange(ctx context.Context, employeeID int64, from, to time.Time) ([]agent.StateChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, employee_id, timestamp, status, created_at
		 FROM state_changes WHERE employee_id = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp ASC, id ASC`,
		employeeID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("state changes in range: %w", err)
	}
	defer rows.Close()

	var out []agent.StateChange
	for rows.Next() {
		sc, err := scanStateChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state change: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) LatestStateChangeBefore(ctx context.Context, employeeID int64, t time.Time) (*agent.StateChange, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, employee_id, timestamp, status, created_at
		 FROM state_changes WHERE employee_id = ? AND timestamp < ?
		 ORDER BY timestamp DESC, id DESC LIMIT 1`,
		employeeID, formatTime(t))
	sc, err := scanStateChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest state change before: %w", err)
	}
	return &sc, nil
}

func (s *Store) UpsertHourlySummary(ctx context.Context, sum agent.HourlySummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hourly_summaries (employee_id, hour, first_seen, last_seen, minutes_online, synced)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(employee_id, hour) DO UPDATE SET
		   first_seen = excluded.first_seen,
		   last_seen = excluded.last_seen,
		   minutes_online = excluded.minutes_online,
		   synced = excluded.synced`,
		sum.EmployeeID, formatTime(sum.Hour), formatTime(sum.FirstSeen), formatTime(sum.LastSeen), sum.MinutesOnline, boolToInt(sum.Synced))
	if err != nil {
		return fmt.Errorf("upsert hourly summary: %w", err)
	}
	return nil
}

func (s *Store) MarkSummarySynced(ctx context.Context, employeeID int64, hour time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hourly_summaries SET synced = 1 WHERE employee_id = ? AND hour = ?`,
		employeeID, formatTime(hour))
	if err != nil {
		return fmt.Errorf("mark summary synced: %w", err)
	}
	return nil
}

func (s *Store) ListUnsyncedSummaries(ctx context.Context, orderByHourDesc bool) ([]agent.HourlySummary, error) {
	order := "ASC"
	if orderByHourDesc {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT employee_id, hour, first_seen, last_seen, minutes_online, synced
		 FROM hourly_summaries WHERE synced = 0 ORDER BY hour `+order)
	if err != nil {
		return nil, fmt.Errorf("list unsynced summaries: %w", err)
	}
	defer rows.Close()

	var out []agent.HourlySummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func scanSummary(rows *sql.Rows) (agent.HourlySummary, error) {
	var sum agent.HourlySummary
	var hour, first, last string
	var synced int
	if err := rows.Scan(&sum.EmployeeID, &hour, &first, &last, &sum.MinutesOnline, &synced); err != nil {
		return agent.HourlySummary{}, fmt.Errorf("scan summary: %w", err)
	}
	var err error
	if sum.Hour, err = parseTime(hour); err != nil {
		return agent.HourlySummary{}, fmt.Errorf("parse hour: %w", err)
	}
	if sum.FirstSeen, err = parseTime(first); err != nil {
		return agent.HourlySummary{}, fmt.Errorf("parse first_seen: %w", err)
	}
	if sum.LastSeen, err = parseTime(last); err != nil {
		return agent.HourlySummary{}, fmt.Errorf("parse last_seen: %w", err)
	}
	sum.Synced = synced != 0
	return sum, nil
}

func (s *Store) ListUnsyncedDowntimes(ctx context.Context) ([]agent.AgentDowntime, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, downtime_start, downtime_end, synced FROM agent_downtimes WHERE synced = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unsynced downtimes: %w", err)
	}
	defer rows.Close()

	var out []agent.AgentDowntime
	for rows.Next() {
		var d agent.AgentDowntime
		var start, end string
		var synced int
		if err := rows.Scan(&d.ID, &start, &end, &synced); err != nil {
			return nil, fmt.Errorf("scan downtime: %w", err)
		}
		var err error
		if d.DowntimeStart, err = parseTime(start); err != nil {
			return nil, fmt.Errorf("parse downtime_start: %w", err)
		}
		if d.DowntimeEnd, err = parseTime(end); err != nil {
			return nil, fmt.Errorf("parse downtime_end: %w", err)
		}
		d.Synced = synced != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) MarkAllDowntimesSynced(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE agent_downtimes SET synced = 1 WHERE synced = 0`); err != nil {
		return fmt.Errorf("mark downtimes synced: %w", err)
	}
	return nil
}

func (s *Store) AppendAgentDowntime(ctx context.Context, start, end time.Time) error {
	if !end.After(start) {
		return fmt.Errorf("append agent downtime: end %s must be after start %s", end, start)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_downtimes (downtime_start, downtime_end, synced) VALUES (?, ?, 0)`,
		formatTime(start), formatTime(end))
	if err != nil {
		return fmt.Errorf("append agent downtime: %w", err)
	}
	return nil
}

// TouchSystemHeartbeat and ReadSystemHeartbeat implement the system
// status singleton as an upsert keyed on a fixed string, not a numeric
// PK, so there is never an ambiguous "which row" question.
func (s *Store) TouchSystemHeartbeat(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_status (key, updated_at) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET updated_at = excluded.updated_at`,
		systemStatusKey, formatTime(at))
	if err != nil {
		return fmt.Errorf("touch system heartbeat: %w", err)
	}
	return nil
}

func (s *Store) ReadSystemHeartbeat(ctx context.Context) (time.Time, bool, error) {
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM system_status WHERE key = ?`, systemStatusKey).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read system heartbeat: %w", err)
	}
	t, err := parseTime(updatedAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse system heartbeat: %w", err)
	}
	return t, true, nil
}

// TryAcquireLock gives compare-and-set-with-TTL semantics over a plain
// table: the insert succeeds outright if the name is free, and the
// conflict branch only steals the row if the existing lease has
// expired or is already held by the same token (re-entry by the same
// live owner).
func (s *Store) TryAcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (name, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		 WHERE locks.expires_at < ? OR locks.token = ?`,
		name, token, formatTime(expiresAt), formatTime(now), token)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: rows affected: %w", name, err)
	}
	return n > 0, nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND token = ?`, name, token); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
