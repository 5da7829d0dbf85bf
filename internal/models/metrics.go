package models

import (
	"time"
)

// MovementSegment is one closed moving run
type MovementSegment struct {
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds int64     `json:"duration_seconds"`
	DistanceKm      float64   `json:"distance_km"`
	AvgSpeed        float64   `json:"avg_speed"`
	StartLocation   GeoPoint  `json:"start_location"`
	EndLocation     GeoPoint  `json:"end_location"`
}

// StoppageInterval is one closed run of stopped fixes. Ignored intervals were
// shorter than the minimum stoppage and were folded into movement totals.
type StoppageInterval struct {
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	DurationSeconds  int64     `json:"duration_seconds"`
	DurationWhileOn  int64     `json:"duration_while_on"`
	DurationWhileOff int64     `json:"duration_while_off"`
	Location         GeoPoint  `json:"location"`
	Geohash          string    `json:"geohash"`
	Ignored          bool      `json:"ignored"`
}

// ZonePresenceSegment is a maximal run of consecutive fixes inside a zone
type ZonePresenceSegment struct {
	StartIndex int `json:"start_index"`
	EndIndex   int `json:"end_index"`
}

// Len returns the number of fixes in the run
func (s ZonePresenceSegment) Len() int {
	return s.EndIndex - s.StartIndex + 1
}

// AggregatedMetrics is the per (entity, day) or per (entity, activity) result
// of trajectory analysis
type AggregatedMetrics struct {
	EntityID                 string        `json:"entity_id"`
	MovementDistanceKm       float64       `json:"movement_distance_km"`
	MovementDurationSec      int64         `json:"movement_duration_sec"`
	StoppageDurationSec      int64         `json:"stoppage_duration_sec"`
	StoppageDurationWhileOn  int64         `json:"stoppage_duration_while_on"`
	StoppageDurationWhileOff int64         `json:"stoppage_duration_while_off"`
	StoppageCount            int           `json:"stoppage_count"`
	DeviceOnTime             *time.Time    `json:"device_on_time,omitempty"`
	FirstMovementTime        *time.Time    `json:"first_movement_time,omitempty"`
	AverageSpeed             float64       `json:"average_speed"`
	MaxSpeed                 float64       `json:"max_speed"`
	LatestStatus             *DeviceStatus `json:"latest_status,omitempty"`
	PointCount               int           `json:"point_count"`

	Segments  []MovementSegment  `json:"segments,omitempty"`
	Stoppages []StoppageInterval `json:"stoppages,omitempty"`
}

// IsZero reports a result that contributes nothing: no analysed fixes and no
// run closed on behalf of an earlier chunk
func (m AggregatedMetrics) IsZero() bool {
	return m.PointCount == 0 && len(m.Segments) == 0 && len(m.Stoppages) == 0
}

// TotalDurationSec is movement plus stoppage time
func (m AggregatedMetrics) TotalDurationSec() int64 {
	return m.MovementDurationSec + m.StoppageDurationSec
}

// RecomputeAverageSpeed sets AverageSpeed from the distance and duration totals
func (m *AggregatedMetrics) RecomputeAverageSpeed() {
	m.AverageSpeed = AverageSpeedKmh(m.MovementDistanceKm, m.MovementDurationSec)
}

// AverageSpeedKmh returns km per hour, 0 when there is no duration
func AverageSpeedKmh(distanceKm float64, durationSec int64) float64 {
	if durationSec <= 0 {
		return 0
	}
	return distanceKm / (float64(durationSec) / 3600)
}

// EarliestTime returns the earlier of two optional timestamps
func EarliestTime(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}
