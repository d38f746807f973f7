package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	agent "github.com/presence-agent/agent"
)

type fakeStore struct {
	mu        sync.Mutex
	employees []agent.Employee
	downtimes []agent.AgentDowntime
	synced    map[string]bool // keyed by key(employeeID, hour)
}

func (f *fakeStore) ListEmployeesWithDevicesAndLatestState(ctx context.Context) ([]agent.EmployeeRoster, error) {
	return nil, nil
}
func (f *fakeStore) ListEmployees(ctx context.Context) ([]agent.Employee, error) {
	return f.employees, nil
}
func (f *fakeStore) LatestStateChange(ctx context.Context, employeeID int64) (*agent.StateChange, error) {
	return nil, nil
}
func (f *fakeStore) AppendStateChange(ctx context.Context, deviceID, employeeID int64, timestamp time.Time, status agent.Status, prevStatus agent.Status, havePrev bool) (bool, error) {
	return false, nil
}
func (f *fakeStore) StateChangesInRange(ctx context.Context, employeeID int64, from, to time.Time) ([]agent.StateChange, error) {
	return nil, nil
}
func (f *fakeStore) LatestStateChangeBefore(ctx context.Context, employeeID int64, t time.Time) (*agent.StateChange, error) {
	return nil, nil
}
func (f *fakeStore) UpsertHourlySummary(ctx context.Context, s agent.HourlySummary) error { return nil }
func (f *fakeStore) MarkSummarySynced(ctx context.Context, employeeID int64, hour time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.synced == nil {
		f.synced = make(map[string]bool)
	}
	f.synced[key(employeeID, hour)] = true
	return nil
}
func (f *fakeStore) ListUnsyncedSummaries(ctx context.Context, desc bool) ([]agent.HourlySummary, error) {
	return nil, nil
}
func (f *fakeStore) ListUnsyncedDowntimes(ctx context.Context) ([]agent.AgentDowntime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downtimes, nil
}
func (f *fakeStore) MarkAllDowntimesSynced(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downtimes = nil
	return nil
}
func (f *fakeStore) AppendAgentDowntime(ctx context.Context, start, end time.Time) error { return nil }
func (f *fakeStore) TouchSystemHeartbeat(ctx context.Context, at time.Time) error        { return nil }
func (f *fakeStore) ReadSystemHeartbeat(ctx context.Context) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (f *fakeStore) TryAcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeStore) ReleaseLock(ctx context.Context, name, token string) error { return nil }
func (f *fakeStore) Close() error                                             { return nil }

func key(employeeID int64, hour time.Time) string {
	return hour.UTC().Format(time.RFC3339) + "|" + time.Unix(employeeID, 0).String()
}

func TestRetryUnsynced_NeverAttachesDowntimes(t *testing.T) {
	var gotBodies []presencePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body presencePayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		gotBodies = append(gotBodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{
		employees: []agent.Employee{{ID: 1, Pseudonym: "alpha"}},
		downtimes: []agent.AgentDowntime{{DowntimeStart: time.Now().Add(-time.Hour), DowntimeEnd: time.Now()}},
	}
	r := New(store, srv.URL, "site-1", "token")

	hour := time.Now().Truncate(time.Hour).Add(-2 * time.Hour).UTC()
	pending := []agent.HourlySummary{{EmployeeID: 1, Hour: hour, FirstSeen: hour, LastSeen: hour.Add(time.Hour), MinutesOnline: 60}}
	store.synced = nil

	// Exercise the same unexported send path RetryUnsynced uses, with
	// attachDowntimes=false, since this fake store's
	// ListUnsyncedSummaries always returns nothing.
	if err := r.sendSummaries(context.Background(), pending, false); err != nil {
		t.Fatal(err)
	}

	if len(gotBodies) != 1 {
		t.Fatalf("expected 1 request, got %d", len(gotBodies))
	}
	if len(gotBodies[0].AgentDowntimes) != 0 {
		t.Fatalf("retry must never attach downtimes, got %+v", gotBodies[0].AgentDowntimes)
	}
	if len(store.downtimes) != 1 {
		t.Fatal("retry must not mark downtimes synced")
	}
}

func TestSendSummaryBatch_AttachesDowntimesToFirstRecordOnly(t *testing.T) {
	var gotBodies []presencePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body presencePayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		gotBodies = append(gotBodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{
		employees: []agent.Employee{{ID: 1, Pseudonym: "alpha"}, {ID: 2, Pseudonym: "bravo"}},
		downtimes: []agent.AgentDowntime{{DowntimeStart: time.Now().Add(-time.Hour), DowntimeEnd: time.Now()}},
	}
	r := New(store, srv.URL, "site-1", "token")

	hour := time.Now().Truncate(time.Hour).Add(-time.Hour).UTC()
	batch := []agent.HourlySummary{
		{EmployeeID: 1, Hour: hour, FirstSeen: hour, LastSeen: hour.Add(time.Hour), MinutesOnline: 60},
		{EmployeeID: 2, Hour: hour, FirstSeen: hour, LastSeen: hour.Add(time.Hour), MinutesOnline: 30},
	}

	if err := r.SendSummaryBatch(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	if len(gotBodies) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(gotBodies))
	}
	if len(gotBodies[0].AgentDowntimes) != 1 {
		t.Fatalf("first record in the hourly batch should carry the downtime, got %+v", gotBodies[0].AgentDowntimes)
	}
	if len(gotBodies[1].AgentDowntimes) != 0 {
		t.Fatalf("second record must not repeat the downtime, got %+v", gotBodies[1].AgentDowntimes)
	}
	if len(store.downtimes) != 0 {
		t.Fatal("expected downtimes to be marked synced after first record succeeds")
	}
}
