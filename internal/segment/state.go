package segment

import (
	"time"

	"github.com/fieldops/trackengine/internal/models"
)

// MovementSpeedThreshold is the business speed boundary in km/h. A fix at
// exactly this speed with the device on is a stoppage, never movement.
const MovementSpeedThreshold = 2.0

// geohashPrecision for stoppage locations (~150 m cells)
const geohashPrecision = 7

// State of the segmentation machine
type State int

const (
	Idle State = iota
	Moving
	Stopped
)

func (s State) String() string {
	switch s {
	case Moving:
		return "moving"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Class is the per-fix classification
type Class int

const (
	// ClassNeutral fixes are neither moving nor stopped and keep the current state
	ClassNeutral Class = iota
	ClassMoving
	ClassStopped
)

// Classify returns the movement class of a single fix
func Classify(p models.GpsPoint) Class {
	if p.Status == models.StatusOff || (p.Status == models.StatusOn && p.Speed == MovementSpeedThreshold) {
		return ClassStopped
	}
	if p.Status == models.StatusOn && p.Speed > MovementSpeedThreshold {
		return ClassMoving
	}
	return ClassNeutral
}

// Thresholds are the constants the transition function depends on
type Thresholds struct {
	MinStoppage time.Duration
}

// Machine is the segmentation state carried from one fix to the next
type Machine struct {
	State State
	// Start is the first fix of the open moving run or stoppage
	Start         *models.GpsPoint
	RunDistanceKm float64
	RunDuration   time.Duration
	StopWhileOn   time.Duration
	StopWhileOff  time.Duration
}

// Delta is what one transition contributes to the aggregate
type Delta struct {
	MovementDistanceKm float64
	MovementDuration   time.Duration
	StoppageDuration   time.Duration
	StoppageWhileOn    time.Duration
	StoppageWhileOff   time.Duration
	StoppageCounted    bool

	// Closed runs, set when a transition ends one
	Segment  *models.MovementSegment
	Stoppage *models.StoppageInterval
}

// Transition advances m by one fix. prev is the previous fix of the stream,
// nil for the first one. It is pure: m is not modified.
func Transition(m Machine, prev *models.GpsPoint, curr models.GpsPoint, th Thresholds) (Machine, Delta) {
	var d Delta
	class := Classify(curr)

	switch m.State {
	case Idle:
		switch class {
		case ClassMoving:
			return Machine{State: Moving, Start: &curr}, d
		case ClassStopped:
			return Machine{State: Stopped, Start: &curr}, d
		}
		return m, d

	case Moving:
		if prev != nil {
			dist := prev.DistanceTo(curr)
			dt := curr.Timestamp.Sub(prev.Timestamp)
			m.RunDistanceKm += dist
			m.RunDuration += dt
			d.MovementDistanceKm += dist
			d.MovementDuration += dt
		}
		if class == ClassStopped {
			d.Segment = closeSegment(m, curr)
			return Machine{State: Stopped, Start: &curr}, d
		}
		return m, d

	case Stopped:
		if prev != nil {
			dt := curr.Timestamp.Sub(prev.Timestamp)
			if prev.IsOn() {
				m.StopWhileOn += dt
			} else {
				m.StopWhileOff += dt
			}
		}
		if class == ClassMoving {
			closeStoppage(m, curr, th, &d)
			return Machine{State: Moving, Start: &curr}, d
		}
		return m, d
	}

	return m, d
}

// Finalize closes whatever run is open at the end of the stream, using last as
// the closing fix.
func Finalize(m Machine, last *models.GpsPoint, th Thresholds) Delta {
	var d Delta
	if last == nil || m.Start == nil {
		return d
	}

	switch m.State {
	case Moving:
		if last.Timestamp.After(m.Start.Timestamp) || m.RunDistanceKm > 0 {
			d.Segment = closeSegment(m, *last)
		}
	case Stopped:
		if last.Timestamp.After(m.Start.Timestamp) {
			closeStoppage(m, *last, th, &d)
		}
	}
	return d
}

func closeSegment(m Machine, end models.GpsPoint) *models.MovementSegment {
	secs := int64(m.RunDuration / time.Second)
	return &models.MovementSegment{
		StartTime:       m.Start.Timestamp,
		EndTime:         end.Timestamp,
		DurationSeconds: secs,
		DistanceKm:      m.RunDistanceKm,
		AvgSpeed:        models.AverageSpeedKmh(m.RunDistanceKm, secs),
		StartLocation:   m.Start.Position(),
		EndLocation:     end.Position(),
	}
}

// closeStoppage ends the stoppage at end. Short stoppages are folded into
// movement: their time and the straight-line distance across them.
func closeStoppage(m Machine, end models.GpsPoint, th Thresholds, d *Delta) {
	dur := end.Timestamp.Sub(m.Start.Timestamp)
	interval := &models.StoppageInterval{
		StartTime:        m.Start.Timestamp,
		EndTime:          end.Timestamp,
		DurationSeconds:  int64(dur / time.Second),
		DurationWhileOn:  int64(m.StopWhileOn / time.Second),
		DurationWhileOff: int64(m.StopWhileOff / time.Second),
		Location:         m.Start.Position(),
		Geohash:          m.Start.Position().Geohash(geohashPrecision),
	}

	if dur < th.MinStoppage {
		interval.Ignored = true
		d.MovementDuration += dur
		d.MovementDistanceKm += m.Start.DistanceTo(end)
	} else {
		d.StoppageCounted = true
		d.StoppageDuration += dur
		d.StoppageWhileOn += m.StopWhileOn
		d.StoppageWhileOff += m.StopWhileOff
	}
	d.Stoppage = interval
}
