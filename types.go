// Package agent defines the core domain types of the presence agent:
// the roster (employees and devices), the append-only state-change log,
// and the aggregates derived from it. Concrete storage, probing, and
// cloud delivery live in sub-packages and depend on these types, not
// the other way around.
package agent

import "time"

// Status is an employee's online/offline state as recorded in the
// state-change log.
type Status int

const (
	Offline Status = 0
	Online  Status = 1
)

func (s Status) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Employee is a person whose presence is tracked. Identity, ordering,
// and lifecycle are administered externally; the core only reads this
// table.
type Employee struct {
	ID           int64
	RealName     string
	Pseudonym    string
	DisplayOrder int
}

// Device is a network endpoint attributed to exactly one employee.
type Device struct {
	ID         int64
	EmployeeID int64
	IPAddress  string
	MACAddress string // normalized lowercase colon-separated form, or "" if unknown
	Name       string
}

// StateChange is one row of the append-only presence log.
type StateChange struct {
	ID         int64
	DeviceID   int64
	EmployeeID int64
	Timestamp  time.Time // event time
	Status     Status
	CreatedAt  time.Time // write time
}

// EmployeeRoster is one employee together with their devices and their
// single latest state change, as returned by a single logical read of
// the store (Store.ListEmployeesWithDevicesAndLatestState).
type EmployeeRoster struct {
	Employee Employee
	Devices  []Device
	Latest   *StateChange // nil if the employee has never had a state change
}

// CurrentStatus returns the employee's current status: the status of
// their latest StateChange, or Offline if none exists.
func (r EmployeeRoster) CurrentStatus() Status {
	if r.Latest == nil {
		return Offline
	}
	return r.Latest.Status
}

// HourlySummary is the aggregated presence record for one employee for
// one closed hour window [Hour, Hour+1h).
type HourlySummary struct {
	EmployeeID    int64
	Hour          time.Time // truncated to the hour
	FirstSeen     time.Time
	LastSeen      time.Time
	MinutesOnline int
	Synced        bool
}

// AgentDowntime is an interval during which the agent itself was not
// running, recorded by the outage detector on restart.
type AgentDowntime struct {
	ID            int64
	DowntimeStart time.Time
	DowntimeEnd   time.Time
	Synced        bool
}
