package outage

import (
	"context"
	"sync"
	"testing"
	"time"

	agent "github.com/presence-agent/agent"
)

type fakeStore struct {
	mu        sync.Mutex
	heartbeat time.Time
	haveHB    bool
	roster    []agent.EmployeeRoster
	downtimes []agent.AgentDowntime
	appended  []agent.StateChange
}

func (f *fakeStore) ListEmployeesWithDevicesAndLatestState(ctx context.Context) ([]agent.EmployeeRoster, error) {
	return f.roster, nil
}
func (f *fakeStore) ListEmployees(ctx context.Context) ([]agent.Employee, error) { return nil, nil }
func (f *fakeStore) LatestStateChange(ctx context.Context, employeeID int64) (*agent.StateChange, error) {
	return nil, nil
}
func (f *fakeStore) AppendStateChange(ctx context.Context, deviceID, employeeID int64, timestamp time.Time, status agent.Status, prevStatus agent.Status, havePrev bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if havePrev && prevStatus == status {
		return false, nil
	}
	f.appended = append(f.appended, agent.StateChange{DeviceID: deviceID, EmployeeID: employeeID, Timestamp: timestamp, Status: status})
	return true, nil
}
func (f *fakeStore) StateChangesInRange(ctx context.Context, employeeID int64, from, to time.Time) ([]agent.StateChange, error) {
	return nil, nil
}
func (f *fakeStore) LatestStateChangeBefore(ctx context.Context, employeeID int64, t time.Time) (*agent.StateChange, error) {
	return nil, nil
}
func (f *fakeStore) UpsertHourlySummary(ctx context.Context, s agent.HourlySummary) error { return nil }
func (f *fakeStore) MarkSummarySynced(ctx context.Context, employeeID int64, hour time.Time) error {
	return nil
}
func (f *fakeStore) ListUnsyncedSummaries(ctx context.Context, desc bool) ([]agent.HourlySummary, error) {
	return nil, nil
}
func (f *fakeStore) ListUnsyncedDowntimes(ctx context.Context) ([]agent.AgentDowntime, error) {
	return f.downtimes, nil
}
func (f *fakeStore) MarkAllDowntimesSynced(ctx context.Context) error { return nil }
func (f *fakeStore) AppendAgentDowntime(ctx context.Context, start, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downtimes = append(f.downtimes, agent.AgentDowntime{DowntimeStart: start, DowntimeEnd: end})
	return nil
}
func (f *fakeStore) TouchSystemHeartbeat(ctx context.Context, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeat = at
	f.haveHB = true
	return nil
}
func (f *fakeStore) ReadSystemHeartbeat(ctx context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeat, f.haveHB, nil
}
func (f *fakeStore) TryAcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeStore) ReleaseLock(ctx context.Context, name, token string) error { return nil }
func (f *fakeStore) Close() error                                             { return nil }

func TestDetector_OutageRecoveryRecordsDowntimeAndSyntheticOffline(t *testing.T) {
	last := time.Now().Add(-10 * time.Minute)
	store := &fakeStore{heartbeat: last, haveHB: true}
	store.roster = []agent.EmployeeRoster{{
		Employee: agent.Employee{ID: 1},
		Devices:  []agent.Device{{ID: 10, EmployeeID: 1}},
		Latest:   &agent.StateChange{EmployeeID: 1, Status: agent.Online, Timestamp: last.Add(-time.Minute)},
	}}

	d := New(store, 2*time.Minute, 15*time.Second)
	if err := d.Check(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(store.downtimes) != 1 {
		t.Fatalf("expected 1 downtime, got %d", len(store.downtimes))
	}
	if !store.downtimes[0].DowntimeStart.Equal(last) {
		t.Fatalf("downtime should start at last heartbeat, got %v want %v", store.downtimes[0].DowntimeStart, last)
	}
	if len(store.appended) != 1 || store.appended[0].Status != agent.Offline {
		t.Fatalf("expected one synthetic OFFLINE row, got %+v", store.appended)
	}
	wantAt := last.Add(15 * time.Second)
	if !store.appended[0].Timestamp.Equal(wantAt) {
		t.Fatalf("synthetic offline should land at last+threshold, got %v want %v", store.appended[0].Timestamp, wantAt)
	}
	if !store.haveHB || store.heartbeat.Equal(last) {
		t.Fatal("expected heartbeat to be refreshed")
	}
}

func TestDetector_NoOutageWhenHeartbeatFresh(t *testing.T) {
	store := &fakeStore{heartbeat: time.Now(), haveHB: true}
	d := New(store, 2*time.Minute, 15*time.Second)
	if err := d.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.downtimes) != 0 {
		t.Fatalf("expected no downtime, got %d", len(store.downtimes))
	}
}

func TestDetector_FirstRunNoPriorHeartbeat(t *testing.T) {
	store := &fakeStore{}
	d := New(store, 2*time.Minute, 15*time.Second)
	if err := d.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.downtimes) != 0 {
		t.Fatalf("expected no downtime on first-ever run, got %d", len(store.downtimes))
	}
	if !store.haveHB {
		t.Fatal("expected heartbeat to be written on first run")
	}
}
