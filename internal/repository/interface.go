package repository

import (
	"context"
	"iter"
	"time"

	"github.com/fieldops/trackengine/internal/filter"
	"github.com/fieldops/trackengine/internal/models"
)

// PointSource streams stored fixes of one entity in timestamp order
type PointSource interface {
	FetchPoints(ctx context.Context, entityID string, from, to time.Time) iter.Seq2[models.GpsPoint, error]
}

// ZoneSource loads zone boundaries
type ZoneSource interface {
	FetchZone(ctx context.Context, zoneID string) (*models.Polygon, error)
}

// EntityDirectory resolves tracked entities
type EntityDirectory interface {
	LoadEntity(ctx context.Context, entityID string) (*models.Entity, error)
	ListEntities(ctx context.Context) ([]models.Entity, error)
	ListActiveEntities(ctx context.Context, from, to time.Time) ([]string, error)
}

// AggregateStore persists analysis results. An empty zoneID is the whole-day
// aggregate.
type AggregateStore interface {
	SaveAggregate(ctx context.Context, day, zoneID string, m *models.AggregatedMetrics) error
	LoadAggregate(ctx context.Context, entityID, day, zoneID string) (*models.AggregatedMetrics, error)
}

// HistoryWriter appends raw fixes to long-term history
type HistoryWriter interface {
	SavePointsBatch(ctx context.Context, points []models.GpsPoint) error
}

// SessionUpdateFunc computes the next session from the stored one. current is
// nil when no session exists yet. It may run more than once when a concurrent
// writer wins the race, so it must not have side effects.
type SessionUpdateFunc func(current *models.AttendanceSession) (*models.AttendanceSession, error)

// SessionStore keeps attendance sessions with compare-and-swap updates
type SessionStore interface {
	LoadSession(ctx context.Context, entityID, day string) (*models.AttendanceSession, error)
	UpdateSession(ctx context.Context, entityID, day string, fn SessionUpdateFunc) (*models.AttendanceSession, error)
}

// FilterStateStore keeps per-entity noise filter state
type FilterStateStore interface {
	LoadFilterState(ctx context.Context, entityID string) (*filter.State, error)
	UpdateFilterState(ctx context.Context, entityID string, fn func(st *filter.State) error) (*filter.State, error)
}

// ActivityStore keeps scheduled activities with compare-and-swap updates
type ActivityStore interface {
	SaveActivity(ctx context.Context, act *models.Activity) error
	LoadActivity(ctx context.Context, activityID string) (*models.Activity, error)
	UpdateActivity(ctx context.Context, activityID string, fn func(act *models.Activity) error) (*models.Activity, error)
	ListActiveActivities(ctx context.Context) ([]string, error)
	ListEntityActivities(ctx context.Context, entityID string) ([]string, error)
}

// Ensure implementations
var (
	_ PointSource      = (*MySQLRepository)(nil)
	_ ZoneSource       = (*MySQLRepository)(nil)
	_ EntityDirectory  = (*MySQLRepository)(nil)
	_ AggregateStore   = (*MySQLRepository)(nil)
	_ HistoryWriter    = (*MySQLRepository)(nil)
	_ SessionStore     = (*RedisStateStore)(nil)
	_ FilterStateStore = (*RedisStateStore)(nil)
	_ ActivityStore    = (*RedisStateStore)(nil)
)
