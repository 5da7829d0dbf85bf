package models

import (
	"time"
)

// DeviceStatus is the ignition / power flag reported by a tracker
type DeviceStatus int

const (
	StatusOff DeviceStatus = 0
	StatusOn  DeviceStatus = 1
)

// GpsPoint is a single fix from one tracked entity
type GpsPoint struct {
	EntityID  string       `json:"entity_id"`
	Latitude  float64      `json:"lat"`
	Longitude float64      `json:"lon"`
	Timestamp time.Time    `json:"timestamp"`
	Speed     float64      `json:"speed"` // km/h, never negative
	Status    DeviceStatus `json:"status"`
}

// Position returns the coordinate part of the fix
func (p GpsPoint) Position() GeoPoint {
	return GeoPoint{Latitude: p.Latitude, Longitude: p.Longitude}
}

// IsOn reports whether the device was powered on
func (p GpsPoint) IsOn() bool {
	return p.Status == StatusOn
}

// IsMalformed reports fixes whose coordinates cannot be used as a measurement
func (p GpsPoint) IsMalformed() bool {
	pos := p.Position()
	return pos.IsZero() || pos.Validate() != nil
}

// DistanceTo returns the great-circle distance between two fixes in km
func (p GpsPoint) DistanceTo(other GpsPoint) float64 {
	return p.Position().DistanceTo(other.Position())
}

// TimeWindow is an inclusive [Start, End] filter on fix timestamps
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// DayWindow returns the [00:00, 24:00) window of day in loc
func DayWindow(day time.Time, loc *time.Location) TimeWindow {
	start := StartOfDay(day, loc)
	return TimeWindow{Start: start, End: start.AddDate(0, 0, 1).Add(-time.Nanosecond)}
}

// StartOfDay truncates t to local midnight in loc
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// DayKey formats the calendar day of t in loc as used in storage keys
func DayKey(t time.Time, loc *time.Location) string {
	return StartOfDay(t, loc).Format("2006-01-02")
}
