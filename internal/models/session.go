package models

import (
	"time"
)

// SessionStatus is the lifecycle of an attendance session
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
)

// EntityKind is the kind of tracked entity owning a tracker
type EntityKind string

const (
	KindVehicle    EntityKind = "vehicle"
	KindWorker     EntityKind = "worker"
	KindDayLaborer EntityKind = "day_laborer"
)

// ZoneOwner is anything that has an id and an assigned boundary zone.
type ZoneOwner interface {
	EntityID() string
	EntityKind() EntityKind
	ZoneID() string
}

// Entity is the directory record of a tracked vehicle or person
type Entity struct {
	ID         string     `json:"id"`
	Kind       EntityKind `json:"kind"`
	FarmZoneID string     `json:"farm_zone_id"`
}

func (e Entity) EntityID() string       { return e.ID }
func (e Entity) EntityKind() EntityKind { return e.Kind }
func (e Entity) ZoneID() string         { return e.FarmZoneID }

// Vehicle is a tracked machine
type Vehicle struct {
	ID          string `json:"id"`
	PlateNumber string `json:"plate_number"`
	FarmZoneID  string `json:"farm_zone_id"`
}

func (v Vehicle) EntityID() string       { return v.ID }
func (v Vehicle) EntityKind() EntityKind { return KindVehicle }
func (v Vehicle) ZoneID() string         { return v.FarmZoneID }

// Worker is a permanent employee carrying a tracker
type Worker struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	FarmZoneID string `json:"farm_zone_id"`
}

func (w Worker) EntityID() string       { return w.ID }
func (w Worker) EntityKind() EntityKind { return KindWorker }
func (w Worker) ZoneID() string         { return w.FarmZoneID }

// DayLaborer is a temporary worker hired for one or more days
type DayLaborer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	FarmZoneID string `json:"farm_zone_id"`
}

func (d DayLaborer) EntityID() string       { return d.ID }
func (d DayLaborer) EntityKind() EntityKind { return KindDayLaborer }
func (d DayLaborer) ZoneID() string         { return d.FarmZoneID }

var (
	_ ZoneOwner = Entity{}
	_ ZoneOwner = Vehicle{}
	_ ZoneOwner = Worker{}
	_ ZoneOwner = DayLaborer{}
)

// AttendanceSession is one entity's presence record for one calendar day
type AttendanceSession struct {
	ID                      string        `json:"id"`
	EntityID                string        `json:"entity_id"`
	EntityKind              EntityKind    `json:"entity_kind"`
	Date                    string        `json:"date"` // YYYY-MM-DD
	EntryTime               *time.Time    `json:"entry_time,omitempty"`
	ExitTime                *time.Time    `json:"exit_time,omitempty"`
	LastInZoneAt            *time.Time    `json:"last_in_zone_at,omitempty"`
	TotalInZoneDurationMin  int64         `json:"total_in_zone_duration_min"`
	TotalOutZoneDurationMin int64         `json:"total_out_zone_duration_min"`
	InZoneTime              time.Duration `json:"in_zone_ns"`
	OutZoneTime             time.Duration `json:"out_zone_ns"`
	Status                  SessionStatus `json:"status"`
	LastObservedAt          *time.Time    `json:"last_observed_at,omitempty"`
	Version                 int64         `json:"version"`
}

// IsClosed reports whether the session reached its terminal state
func (s *AttendanceSession) IsClosed() bool {
	return s.Status == SessionCompleted
}
