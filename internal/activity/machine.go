package activity

import (
	"time"

	"github.com/fieldops/trackengine/internal/models"
)

// Machine evaluates activity status from the clock and the latest zone signal
type Machine struct{}

// Update returns the status of act at now. inZone is the current containment
// signal, nil when none is known. Terminal statuses are never left.
func (Machine) Update(act models.Activity, now time.Time, inZone *bool) models.ActivityStatus {
	start, end := act.Window()
	status := models.ActivityStatus{
		ActivityID:  act.ID,
		WindowStart: start,
		WindowEnd:   end,
		EvaluatedAt: now,
	}

	switch {
	case act.Status.IsTerminal():
		status.Status = act.Status
	case now.Before(start):
		status.Status = models.ActivityNotStarted
	case !now.Before(end):
		status.Status = models.ActivityFinished
	case inZone != nil && *inZone:
		status.Status = models.ActivityInProgress
	case act.Status == models.ActivityNotStarted || act.Status == "":
		status.Status = models.ActivityNotStarted
	default:
		status.Status = models.ActivityStopped
	}

	return status
}

// Classify turns a finished activity into not_done when the share of its
// window spent in the zone is below minShare. Other statuses pass through.
func Classify(status models.ActivityState, inZoneShare, minShare float64) models.ActivityState {
	if status == models.ActivityFinished && inZoneShare < minShare {
		return models.ActivityNotDone
	}
	return status
}

// InZoneShare is the fraction of the activity window spent in the zone
func InZoneShare(act models.Activity) float64 {
	start, end := act.Window()
	window := end.Sub(start).Seconds()
	if window <= 0 {
		return 0
	}
	share := act.InZoneTime.Seconds() / window
	if share > 1 {
		return 1
	}
	return share
}

// overlap returns how much of [from, to) falls inside [start, end)
func overlap(from, to, start, end time.Time) time.Duration {
	if from.Before(start) {
		from = start
	}
	if to.After(end) {
		to = end
	}
	if !to.After(from) {
		return 0
	}
	return to.Sub(from)
}
