package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/trackengine/internal/config"
	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/internal/repository"
	"github.com/fieldops/trackengine/pkg/utils"
)

// Config holds the activity service settings
type Config struct {
	TickInterval time.Duration
	// Finished activities with a smaller in-zone share become not_done.
	// Zero disables the reclassification.
	MinZoneShare float64
}

// DefaultConfig returns a one minute tick and no not_done reclassification
func DefaultConfig() *Config {
	return &Config{TickInterval: time.Minute}
}

// FromConfig builds a Config from the application config
func FromConfig(cfg config.ActivityConfig) *Config {
	return &Config{
		TickInterval: cfg.TickInterval,
		MinZoneShare: cfg.MinZoneShare,
	}
}

// Service drives activity status. Ticks and zone nudges all go through apply,
// which runs Machine.Update inside one compare-and-swap on the activity.
type Service struct {
	store   repository.ActivityStore
	zones   repository.ZoneSource
	machine Machine
	clock   utils.Clock
	config  *Config
	logger  *utils.Logger
}

// NewService creates the activity service
func NewService(store repository.ActivityStore, zones repository.ZoneSource, clock utils.Clock, cfg *Config, logger *utils.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("activity store cannot be nil")
	}
	if zones == nil {
		return nil, fmt.Errorf("zone source cannot be nil")
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Service{
		store:  store,
		zones:  zones,
		clock:  clock,
		config: cfg,
		logger: logger,
	}, nil
}

// Schedule stores a new activity in not_started
func (s *Service) Schedule(ctx context.Context, act *models.Activity) error {
	if act == nil || act.ID == "" {
		return fmt.Errorf("activity id is required")
	}
	if act.EntityID == "" || act.ZoneID == "" {
		return fmt.Errorf("activity %s needs an entity and a zone", act.ID)
	}
	act.Status = models.ActivityNotStarted
	act.LastInZone = nil
	act.LastEvaluatedAt = nil
	act.InZoneTime = 0
	return s.store.SaveActivity(ctx, act)
}

// Evaluate re-evaluates one activity with its last known zone signal
func (s *Service) Evaluate(ctx context.Context, activityID string) (*models.ActivityStatus, error) {
	return s.apply(ctx, activityID, nil)
}

// ZoneEntered records that the entity entered the activity zone
func (s *Service) ZoneEntered(ctx context.Context, activityID string) (*models.ActivityStatus, error) {
	inside := true
	return s.apply(ctx, activityID, &inside)
}

// ZoneExited records that the entity left the activity zone
func (s *Service) ZoneExited(ctx context.Context, activityID string) (*models.ActivityStatus, error) {
	inside := false
	return s.apply(ctx, activityID, &inside)
}

// Tick re-evaluates every non-terminal activity. Failures are logged and
// returned together; one bad activity does not stop the others.
func (s *Service) Tick(ctx context.Context) error {
	ids, err := s.store.ListActiveActivities(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		if _, err := s.Evaluate(ctx, id); err != nil {
			s.logger.WithField("activity_id", id).WithError(err).Warn("Activity evaluation failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ObserveFix nudges the entity's open activities whose zone containment
// changed with this fix
func (s *Service) ObserveFix(ctx context.Context, point models.GpsPoint) error {
	ids, err := s.store.ListEntityActivities(ctx, point.EntityID)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		act, err := s.store.LoadActivity(ctx, id)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		if act.Status.IsTerminal() {
			continue
		}

		zone, err := s.zones.FetchZone(ctx, act.ZoneID)
		if err != nil {
			errs = append(errs, fmt.Errorf("activity %s: %w", id, err))
			continue
		}

		inside := zone.Contains(point.Position())
		if act.LastInZone != nil && *act.LastInZone == inside {
			continue
		}
		if inside {
			_, err = s.ZoneEntered(ctx, id)
		} else {
			_, err = s.ZoneExited(ctx, id)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run ticks until ctx is cancelled
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.WithError(err).Warn("Activity tick finished with errors")
			}
		}
	}
}

func (s *Service) apply(ctx context.Context, activityID string, signal *bool) (*models.ActivityStatus, error) {
	now := s.clock.Now()

	var (
		from   models.ActivityState
		result models.ActivityStatus
	)
	act, err := s.store.UpdateActivity(ctx, activityID, func(act *models.Activity) error {
		from = act.Status

		// time since the last evaluation belongs to the previous signal
		if act.LastEvaluatedAt != nil && act.LastInZone != nil && *act.LastInZone {
			start, end := act.Window()
			act.InZoneTime += overlap(*act.LastEvaluatedAt, now, start, end)
		}

		inZone := signal
		if inZone == nil {
			inZone = act.LastInZone
		}

		result = s.machine.Update(*act, now, inZone)
		if result.Status == models.ActivityFinished && from != models.ActivityFinished && s.config.MinZoneShare > 0 {
			result.Status = Classify(result.Status, InZoneShare(*act), s.config.MinZoneShare)
		}

		act.Status = result.Status
		if signal != nil {
			act.LastInZone = signal
		}
		if act.LastEvaluatedAt == nil || now.After(*act.LastEvaluatedAt) {
			act.LastEvaluatedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update activity %s: %w", activityID, err)
	}

	if from != act.Status {
		metrics.ActivityTransitions.WithLabelValues(string(from), string(act.Status)).Inc()
		s.logger.WithField("activity_id", activityID).
			WithField("entity_id", act.EntityID).
			WithField("from", from).
			WithField("to", act.Status).
			Info("Activity status changed")
	}

	return &result, nil
}
