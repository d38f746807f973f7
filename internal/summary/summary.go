// Package summary implements the hourly summariser: for a just-closed
// hour window, compute each employee's presence span and upsert the
// result.
package summary

import (
	"context"
	"fmt"
	"math"
	"time"

	agent "github.com/presence-agent/agent"
)

// Reporter is handed each freshly-upserted summary so it can attempt
// cloud delivery (and attach any unsynced downtimes to the first one
// in a batch).
type Reporter interface {
	SendSummaryBatch(ctx context.Context, summaries []agent.HourlySummary) error
}

// Summariser computes and upserts HourlySummary rows.
type Summariser struct {
	store    agent.Store
	reporter Reporter
}

// New constructs a Summariser.
func New(store agent.Store, reporter Reporter) *Summariser {
	return &Summariser{store: store, reporter: reporter}
}

// RunForClosedHour computes and upserts the summary for every employee
// for the closed window [hour, hour+1h), where hour must already be
// truncated to the hour boundary. It returns the summaries it wrote so
// the caller (or the reporter) can act on them.
func (s *Summariser) RunForClosedHour(ctx context.Context, hour time.Time) ([]agent.HourlySummary, error) {
	hour = hour.Truncate(time.Hour).UTC()
	windowEnd := hour.Add(time.Hour)

	employees, err := s.store.ListEmployees(ctx)
	if err != nil {
		return nil, fmt.Errorf("summariser: list employees: %w", err)
	}

	var written []agent.HourlySummary
	for _, e := range employees {
		sum, ok, err := computeSummary(ctx, s.store, e.ID, hour, windowEnd)
		if err != nil {
			return nil, fmt.Errorf("summariser: employee %d: %w", e.ID, err)
		}
		if !ok {
			continue
		}
		if err := s.store.UpsertHourlySummary(ctx, sum); err != nil {
			return nil, fmt.Errorf("summariser: upsert employee %d: %w", e.ID, err)
		}
		written = append(written, sum)
	}

	if len(written) > 0 && s.reporter != nil {
		if err := s.reporter.SendSummaryBatch(ctx, written); err != nil {
			return written, fmt.Errorf("summariser: report batch: %w", err)
		}
	}

	return written, nil
}

// computeSummary derives an employee's presence span for the window.
// ok is false when the employee contributes no row for this hour
// (offline throughout, with no changes in the window).
func computeSummary(ctx context.Context, store agent.Store, employeeID int64, hour, windowEnd time.Time) (agent.HourlySummary, bool, error) {
	initial, err := store.LatestStateChangeBefore(ctx, employeeID, hour)
	if err != nil {
		return agent.HourlySummary{}, false, fmt.Errorf("latest before: %w", err)
	}
	changes, err := store.StateChangesInRange(ctx, employeeID, hour, windowEnd)
	if err != nil {
		return agent.HourlySummary{}, false, fmt.Errorf("changes in range: %w", err)
	}

	wasOnlineAtStart := initial != nil && initial.Status == agent.Online

	var firstSeen, lastSeen time.Time
	if len(changes) == 0 {
		if !wasOnlineAtStart {
			return agent.HourlySummary{}, false, nil
		}
		firstSeen, lastSeen = hour, windowEnd
	} else {
		first, last := changes[0], changes[len(changes)-1]
		if wasOnlineAtStart {
			firstSeen = hour
		} else {
			firstSeen = first.Timestamp
		}
		if last.Status == agent.Online {
			lastSeen = windowEnd
		} else {
			lastSeen = last.Timestamp
		}
	}

	minutes := lastSeen.Sub(firstSeen).Minutes()
	minutesOnline := int(math.Round(minutes))
	if minutesOnline < 0 {
		minutesOnline = 0
	}
	if minutesOnline > 60 {
		minutesOnline = 60
	}

	return agent.HourlySummary{
		EmployeeID:    employeeID,
		Hour:          hour,
		FirstSeen:     firstSeen,
		LastSeen:      lastSeen,
		MinutesOnline: minutesOnline,
		Synced:        false,
	}, true, nil
}
