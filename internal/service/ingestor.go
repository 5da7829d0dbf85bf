package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/trackengine/internal/filter"
	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/internal/presence"
	"github.com/fieldops/trackengine/internal/repository"
	"github.com/fieldops/trackengine/pkg/utils"
)

// ErrStaleFix is returned for live fixes older than the newest fix already
// taken in for the entity
var ErrStaleFix = errors.New("fix is older than the entity's latest fix")

// HistoryQueue accepts raw fixes for long-term storage
type HistoryQueue interface {
	Queue(point models.GpsPoint) error
}

// FixObserver reacts to cleaned live fixes
type FixObserver interface {
	ObserveFix(ctx context.Context, point models.GpsPoint) error
}

// IngestorDeps are the collaborators of the live ingestion path. History and
// Activities are optional.
type IngestorDeps struct {
	Pipeline     *filter.Pipeline
	FilterStates repository.FilterStateStore
	Entities     repository.EntityDirectory
	Tracker      *presence.Tracker[models.Entity]
	Dispatcher   *Dispatcher
	History      HistoryQueue
	Activities   FixObserver
}

// Ingestor runs live fixes through the noise filter and forwards the cleaned
// fixes to the presence tracker and activity service. Fixes are processed on
// the dispatcher shard of their entity, so per-entity state has one writer.
type Ingestor struct {
	deps    IngestorDeps
	timeout time.Duration
	logger  *utils.Logger
}

// NewIngestor creates the live ingestion path
func NewIngestor(deps IngestorDeps, timeout time.Duration, logger *utils.Logger) (*Ingestor, error) {
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("filter pipeline cannot be nil")
	}
	if deps.FilterStates == nil {
		return nil, fmt.Errorf("filter state store cannot be nil")
	}
	if deps.Entities == nil {
		return nil, fmt.Errorf("entity directory cannot be nil")
	}
	if deps.Tracker == nil {
		return nil, fmt.Errorf("presence tracker cannot be nil")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Ingestor{
		deps:    deps,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Submit hands a raw fix to the entity's shard
func (i *Ingestor) Submit(point models.GpsPoint) error {
	if point.EntityID == "" {
		return fmt.Errorf("fix without entity id")
	}
	return i.deps.Dispatcher.Submit(point.EntityID, func(ctx context.Context) {
		if err := i.Process(ctx, point); err != nil {
			i.logger.WithField("entity_id", point.EntityID).
				WithField("timestamp", point.Timestamp).
				WithError(err).
				Warn("Failed to process fix")
		}
	})
}

// Process handles one raw fix synchronously. Callers must not process fixes
// of the same entity concurrently.
func (i *Ingestor) Process(ctx context.Context, point models.GpsPoint) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	cleaned, err := i.step(ctx, point)
	if err != nil {
		return err
	}

	metrics.PointsIngested.WithLabelValues("live").Inc()

	if i.deps.History != nil {
		if err := i.deps.History.Queue(point); err != nil {
			i.logger.WithField("entity_id", point.EntityID).
				WithError(err).
				Warn("Fix not queued for history")
		}
	}

	if cleaned == nil {
		return nil
	}
	return i.forward(ctx, *cleaned)
}

// step advances the persisted filter state by one fix. The update function can
// run more than once, so the output is recomputed on every attempt.
func (i *Ingestor) step(ctx context.Context, point models.GpsPoint) (*models.GpsPoint, error) {
	var cleaned *models.GpsPoint

	_, err := i.deps.FilterStates.UpdateFilterState(ctx, point.EntityID, func(st *filter.State) error {
		cleaned = nil
		if newest := st.Newest(); newest != nil && point.Timestamp.Before(newest.Timestamp) {
			return ErrStaleFix
		}
		if out, ok := i.deps.Pipeline.Step(st, point); ok {
			cleaned = &out
		}
		return nil
	})
	if errors.Is(err, ErrStaleFix) {
		metrics.PointsOutOfOrder.Inc()
		return nil, fmt.Errorf("entity %s at %s: %w", point.EntityID, point.Timestamp.Format(time.RFC3339), ErrStaleFix)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update filter state: %w", err)
	}
	return cleaned, nil
}

func (i *Ingestor) forward(ctx context.Context, point models.GpsPoint) error {
	var errs []error

	entity, err := i.deps.Entities.LoadEntity(ctx, point.EntityID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		i.logger.WithField("entity_id", point.EntityID).Debug("Fix from unknown entity, presence skipped")
	case err != nil:
		errs = append(errs, fmt.Errorf("failed to load entity: %w", err))
	default:
		_, err := i.deps.Tracker.Observe(ctx, *entity, point, point.Timestamp)
		if err != nil && !errors.Is(err, presence.ErrNoZone) {
			errs = append(errs, err)
		}
	}

	if i.deps.Activities != nil {
		if err := i.deps.Activities.ObserveFix(ctx, point); err != nil {
			errs = append(errs, fmt.Errorf("activity update: %w", err))
		}
	}

	return errors.Join(errs...)
}
