// Package reporter delivers heartbeats and hourly summaries to the
// cloud endpoint: at-least-once for summaries (retried until synced),
// fire-and-forget for heartbeats.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	agent "github.com/presence-agent/agent"
)

const httpTimeout = 10 * time.Second

// Reporter posts heartbeats and presence summaries to the cloud API.
type Reporter struct {
	baseURL    string
	siteID     string
	authToken  string
	store      agent.Store
	httpClient *http.Client
}

// New constructs a Reporter. baseURL should not have a trailing slash.
func New(store agent.Store, baseURL, siteID, authToken string) *Reporter {
	return &Reporter{
		baseURL:   baseURL,
		siteID:    siteID,
		authToken: authToken,
		store:     store,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
	}
}

type heartbeatDevice struct {
	EmployeeID   int64   `json:"employeeId"`
	EmployeeName string  `json:"employeeName"`
	FakeName     string  `json:"fakeName"`
	Area         string  `json:"area"`
	IsPresent    bool    `json:"isPresent"`
	LastSeen     *string `json:"lastSeen"`
}

type heartbeatPayload struct {
	SiteID        string            `json:"siteId"`
	Timestamp     string            `json:"timestamp"`
	DevicesOnline []heartbeatDevice `json:"devicesOnline"`
}

// SendHeartbeat POSTs /api/heartbeat enumerating every employee in the
// roster, not just those currently online. Failure is logged, never
// retried — the next heartbeat is authoritative.
func (r *Reporter) SendHeartbeat(ctx context.Context) error {
	roster, err := r.store.ListEmployeesWithDevicesAndLatestState(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat: load roster: %w", err)
	}

	devices := make([]heartbeatDevice, 0, len(roster))
	for _, e := range roster {
		var lastSeen *string
		if e.Latest != nil {
			s := e.Latest.Timestamp.UTC().Format(time.RFC3339)
			lastSeen = &s
		}
		devices = append(devices, heartbeatDevice{
			EmployeeID:   e.Employee.ID,
			EmployeeName: e.Employee.Pseudonym, // the pseudonym is the externally visible identity
			FakeName:     e.Employee.Pseudonym,
			Area:         "default",
			IsPresent:    e.CurrentStatus() == agent.Online,
			LastSeen:     lastSeen,
		})
	}

	payload := heartbeatPayload{
		SiteID:        r.siteID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		DevicesOnline: devices,
	}

	if err := r.post(ctx, "/api/heartbeat", payload); err != nil {
		slog.Warn("heartbeat delivery failed", "err", err)
		return nil
	}
	online := 0
	for _, d := range devices {
		if d.IsPresent {
			online++
		}
	}
	slog.Info("heartbeat sent", "online", online, "total", len(devices))
	return nil
}

type presenceRecord struct {
	EmployeeID    int64  `json:"employeeId"`
	EmployeeName  string `json:"employeeName"`
	FakeName      string `json:"fakeName"`
	Date          string `json:"date"`
	Hour          int    `json:"hour"`
	FirstSeen     string `json:"firstSeen"`
	LastSeen      string `json:"lastSeen"`
	MinutesOnline int    `json:"minutesOnline"`
}

type downtimeRecord struct {
	DowntimeStart string `json:"downtimeStart"`
	DowntimeEnd   string `json:"downtimeEnd"`
}

type presencePayload struct {
	SiteID         string           `json:"siteId"`
	Timestamp      string           `json:"timestamp"`
	PresenceData   []presenceRecord `json:"presenceData"`
	AgentDowntimes []downtimeRecord `json:"agentDowntimes,omitempty"`
}

// SendSummaryBatch posts one summary per request — presenceData carries
// exactly one record per POST. Any unsynced downtimes are attached to
// the first POST in this hourly batch; if it succeeds they are flipped
// to synced, and no subsequent POST in this batch carries them.
func (r *Reporter) SendSummaryBatch(ctx context.Context, summaries []agent.HourlySummary) error {
	return r.sendSummaries(ctx, summaries, true)
}

// RetryUnsynced resends every still-unsynced summary, newest hour
// first. Unlike SendSummaryBatch, it never attaches agent downtimes:
// downtime attachment belongs to the hourly run that produced both the
// summary and the downtime row together, not to whichever stale
// summary happens to land first in a retry sweep spanning several
// hours.
func (r *Reporter) RetryUnsynced(ctx context.Context) error {
	pending, err := r.store.ListUnsyncedSummaries(ctx, true)
	if err != nil {
		return fmt.Errorf("retry unsynced: list: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	slog.Info("retrying unsynced summaries", "count", len(pending))
	return r.sendSummaries(ctx, pending, false)
}

func (r *Reporter) sendSummaries(ctx context.Context, summaries []agent.HourlySummary, attachDowntimes bool) error {
	if len(summaries) == 0 {
		return nil
	}

	var downtimes []agent.AgentDowntime
	if attachDowntimes {
		var err error
		downtimes, err = r.store.ListUnsyncedDowntimes(ctx)
		if err != nil {
			return fmt.Errorf("summary batch: list unsynced downtimes: %w", err)
		}
	}

	employeeNames, err := r.employeePseudonyms(ctx)
	if err != nil {
		return fmt.Errorf("summary batch: %w", err)
	}

	for i, sum := range summaries {
		record := presenceRecord{
			EmployeeID:    sum.EmployeeID,
			EmployeeName:  employeeNames[sum.EmployeeID],
			FakeName:      employeeNames[sum.EmployeeID],
			Date:          sum.Hour.UTC().Format("2006-01-02"),
			Hour:          sum.Hour.UTC().Hour(),
			FirstSeen:     sum.FirstSeen.UTC().Format("15:04:05"),
			LastSeen:      sum.LastSeen.UTC().Format("15:04:05"),
			MinutesOnline: sum.MinutesOnline,
		}

		var attach []downtimeRecord
		if i == 0 && len(downtimes) > 0 {
			attach = toDowntimeRecords(downtimes)
		}

		if err := r.sendOneSummary(ctx, record, attach); err != nil {
			slog.Warn("summary delivery failed, will retry", "employee_id", sum.EmployeeID, "hour", sum.Hour, "err", err)
			continue
		}

		if err := r.store.MarkSummarySynced(ctx, sum.EmployeeID, sum.Hour); err != nil {
			return fmt.Errorf("mark summary synced: %w", err)
		}
		if i == 0 && len(downtimes) > 0 {
			if err := r.store.MarkAllDowntimesSynced(ctx); err != nil {
				return fmt.Errorf("mark downtimes synced: %w", err)
			}
			downtimes = nil
		}
	}
	return nil
}

func (r *Reporter) employeePseudonyms(ctx context.Context) (map[int64]string, error) {
	employees, err := r.store.ListEmployees(ctx)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	out := make(map[int64]string, len(employees))
	for _, e := range employees {
		out[e.ID] = e.Pseudonym
	}
	return out, nil
}

func toDowntimeRecords(downtimes []agent.AgentDowntime) []downtimeRecord {
	out := make([]downtimeRecord, len(downtimes))
	for i, d := range downtimes {
		out[i] = downtimeRecord{
			DowntimeStart: d.DowntimeStart.UTC().Format(time.RFC3339),
			DowntimeEnd:   d.DowntimeEnd.UTC().Format(time.RFC3339),
		}
	}
	return out
}

func (r *Reporter) sendOneSummary(ctx context.Context, record presenceRecord, downtimes []downtimeRecord) error {
	payload := presencePayload{
		SiteID:       r.siteID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		PresenceData: []presenceRecord{record},
	}
	if len(downtimes) > 0 {
		payload.AgentDowntimes = downtimes
	}
	return r.post(ctx, "/api/presence", payload)
}

func (r *Reporter) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.authToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, string(data))
	}
	return nil
}
