package models

import (
	"time"
)

// ActivityState is the status of a scheduled activity
type ActivityState string

const (
	ActivityNotStarted ActivityState = "not_started"
	ActivityInProgress ActivityState = "in_progress"
	ActivityStopped    ActivityState = "stopped"
	ActivityFinished   ActivityState = "finished"
	ActivityNotDone    ActivityState = "not_done"
)

// Activity is a planned task for one entity in one zone during a time window
type Activity struct {
	ID          string        `json:"id"`
	EntityID    string        `json:"entity_id"`
	ZoneID      string        `json:"zone_id"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Status      ActivityState `json:"status"`

	// LastInZone is the most recent containment signal, nil when none was seen
	LastInZone      *bool         `json:"last_in_zone,omitempty"`
	LastEvaluatedAt *time.Time    `json:"last_evaluated_at,omitempty"`
	InZoneTime      time.Duration `json:"in_zone_ns"`
	Version         int64         `json:"version"`
}

// Window returns the effective [start, end) window. An end before the start
// means the window runs past midnight.
func (a *Activity) Window() (time.Time, time.Time) {
	end := a.WindowEnd
	for end.Before(a.WindowStart) {
		end = end.AddDate(0, 0, 1)
	}
	return a.WindowStart, end
}

// ActivityStatus is the evaluated status of an activity at a point in time
type ActivityStatus struct {
	ActivityID  string        `json:"activity_id"`
	Status      ActivityState `json:"status"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// IsTerminal reports states that are never left again
func (s ActivityState) IsTerminal() bool {
	return s == ActivityFinished || s == ActivityNotDone
}
