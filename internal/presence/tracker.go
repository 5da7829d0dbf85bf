package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/internal/repository"
	"github.com/fieldops/trackengine/pkg/utils"
)

// ErrNoZone is returned for entities without an assigned zone
var ErrNoZone = errors.New("entity has no assigned zone")

// Tracker turns containment observations into daily attendance sessions. One
// tracker serves any entity kind that owns a zone.
type Tracker[E models.ZoneOwner] struct {
	store  repository.SessionStore
	zones  repository.ZoneSource
	config *Config
	logger *utils.Logger
}

// NewTracker creates a presence tracker
func NewTracker[E models.ZoneOwner](store repository.SessionStore, zones repository.ZoneSource, config *Config, logger *utils.Logger) (*Tracker[E], error) {
	if store == nil {
		return nil, fmt.Errorf("session store cannot be nil")
	}
	if zones == nil {
		return nil, fmt.Errorf("zone source cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Tracker[E]{
		store:  store,
		zones:  zones,
		config: config,
		logger: logger,
	}, nil
}

// Observe tests the fix against the entity's zone and records the result in
// the session of the day containing at
func (t *Tracker[E]) Observe(ctx context.Context, entity E, point models.GpsPoint, at time.Time) (*models.AttendanceSession, error) {
	zoneID := entity.ZoneID()
	if zoneID == "" {
		return nil, fmt.Errorf("%s: %w", entity.EntityID(), ErrNoZone)
	}

	zone, err := t.zones.FetchZone(ctx, zoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to load zone %s: %w", zoneID, err)
	}

	return t.ObserveContainment(ctx, entity, zone.Contains(point.Position()), at)
}

// ObserveContainment records an already evaluated containment signal. The
// update is all-or-nothing: a lost race surfaces as *repository.ConflictError.
func (t *Tracker[E]) ObserveContainment(ctx context.Context, entity E, inside bool, at time.Time) (*models.AttendanceSession, error) {
	entityID := entity.EntityID()
	day := models.DayKey(at, t.config.Location)

	var before models.SessionStatus
	session, err := t.store.UpdateSession(ctx, entityID, day, func(current *models.AttendanceSession) (*models.AttendanceSession, error) {
		var s models.AttendanceSession
		if current == nil {
			s = models.AttendanceSession{
				ID:         uuid.NewString(),
				EntityID:   entityID,
				EntityKind: entity.EntityKind(),
				Date:       day,
				Status:     models.SessionPending,
			}
		} else {
			s = *current
		}
		before = s.Status

		next := Apply(s, inside, at, t.config)
		return &next, nil
	})
	if err != nil {
		var conflict *repository.ConflictError
		if errors.As(err, &conflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record presence of %s on %s: %w", entityID, day, err)
	}

	if session.Status != before {
		metrics.SessionTransitions.WithLabelValues(string(entity.EntityKind()), string(before), string(session.Status)).Inc()
		t.logger.WithField("entity_id", entityID).
			WithField("kind", entity.EntityKind()).
			WithField("day", day).
			WithField("from", before).
			WithField("to", session.Status).
			Info("Attendance session status changed")
	}

	return session, nil
}

// Session returns the stored session of the day containing at
func (t *Tracker[E]) Session(ctx context.Context, entityID string, at time.Time) (*models.AttendanceSession, error) {
	return t.store.LoadSession(ctx, entityID, models.DayKey(at, t.config.Location))
}
