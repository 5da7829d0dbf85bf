package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldops/trackengine/internal/filter"
	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/internal/repository"
	"github.com/fieldops/trackengine/internal/segment"
	"github.com/fieldops/trackengine/pkg/utils"
)

// AnalyzerDeps are the collaborators of day re-analysis
type AnalyzerDeps struct {
	Points     repository.PointSource
	Zones      repository.ZoneSource
	Entities   repository.EntityDirectory
	Aggregates repository.AggregateStore
	Pipeline   *filter.Pipeline
	Movement   *segment.MovementSegmenter
}

// Analyzer recomputes daily metrics from stored fix history
type Analyzer struct {
	deps     AnalyzerDeps
	zone     *segment.ZoneSegmenter
	location *time.Location
	parallel int
	logger   *utils.Logger
}

// NewAnalyzer creates a day analyzer. loc decides where a day starts.
func NewAnalyzer(deps AnalyzerDeps, loc *time.Location, parallel int, logger *utils.Logger) (*Analyzer, error) {
	if deps.Points == nil || deps.Zones == nil || deps.Entities == nil || deps.Aggregates == nil {
		return nil, fmt.Errorf("analyzer needs point, zone, entity and aggregate stores")
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if deps.Pipeline == nil {
		deps.Pipeline = filter.NewPipeline(nil, logger)
	}
	if deps.Movement == nil {
		deps.Movement = segment.NewMovementSegmenter(nil, logger)
	}
	if loc == nil {
		loc = time.UTC
	}
	if parallel <= 0 {
		parallel = 1
	}
	return &Analyzer{
		deps:     deps,
		zone:     segment.NewZoneSegmenter(deps.Movement, logger),
		location: loc,
		parallel: parallel,
		logger:   logger,
	}, nil
}

// AnalyzeDay computes and stores the metrics of one entity for one day. An
// empty zoneID analyses the whole trajectory, otherwise only the parts inside
// the zone count.
func (a *Analyzer) AnalyzeDay(ctx context.Context, entityID string, day time.Time, zoneID string) (*models.AggregatedMetrics, error) {
	mode := "movement"
	if zoneID != "" {
		mode = "zone"
	}

	start := time.Now()
	defer func() {
		metrics.AnalysisDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	result, err := a.analyze(ctx, entityID, day, zoneID)
	if err != nil {
		metrics.AnalysesTotal.WithLabelValues(mode, "error").Inc()
		return nil, err
	}

	dayKey := models.DayKey(day, a.location)
	if err := a.deps.Aggregates.SaveAggregate(ctx, dayKey, zoneID, result); err != nil {
		metrics.AnalysesTotal.WithLabelValues(mode, "error").Inc()
		return nil, fmt.Errorf("failed to save aggregate: %w", err)
	}

	metrics.AnalysesTotal.WithLabelValues(mode, "success").Inc()
	a.logger.WithFields(map[string]interface{}{
		"entity_id":   entityID,
		"day":         dayKey,
		"zone_id":     zoneID,
		"points":      result.PointCount,
		"distance_km": models.RoundKm(result.MovementDistanceKm),
		"stoppages":   result.StoppageCount,
		"duration":    time.Since(start),
	}).Info("Day analysed")

	return result, nil
}

func (a *Analyzer) analyze(ctx context.Context, entityID string, day time.Time, zoneID string) (*models.AggregatedMetrics, error) {
	var polygon *models.Polygon
	if zoneID != "" {
		p, err := a.deps.Zones.FetchZone(ctx, zoneID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			// an unknown zone has nothing inside it
			a.logger.WithField("zone_id", zoneID).Warn("Zone not found, storing zero metrics")
		case err != nil:
			return nil, fmt.Errorf("failed to load zone %s: %w", zoneID, err)
		default:
			polygon = p
		}
	}

	window := models.DayWindow(day, a.location)

	var fetchErr error
	raw := func(yield func(models.GpsPoint) bool) {
		for p, err := range a.deps.Points.FetchPoints(ctx, entityID, window.Start, window.End) {
			if err != nil {
				fetchErr = err
				return
			}
			if !yield(p) {
				return
			}
		}
	}

	ordered := segment.Ordered(raw, func(p models.GpsPoint) {
		metrics.PointsOutOfOrder.Inc()
		a.logger.WithField("entity_id", entityID).
			WithField("timestamp", p.Timestamp).
			Warn("Out of order fix rejected")
	})

	var st filter.State
	cleaned := a.deps.Pipeline.Clean(ordered, &st)

	var result models.AggregatedMetrics
	if zoneID == "" {
		result = a.deps.Movement.Analyze(cleaned, &window)
	} else {
		result = a.zone.AnalyzeSeq(cleaned, polygon, &window)
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("failed to read fixes of %s: %w", entityID, fetchErr)
	}

	metrics.PointsIngested.WithLabelValues("history").Add(float64(result.PointCount))
	result.EntityID = entityID
	return &result, nil
}

// AnalyzeAll analyses every entity with fixes on day, a bounded number at a
// time. Failures are collected; one entity does not stop the others.
func (a *Analyzer) AnalyzeAll(ctx context.Context, day time.Time) (int, error) {
	window := models.DayWindow(day, a.location)
	ids, err := a.deps.Entities.ListActiveEntities(ctx, window.Start, window.End)
	if err != nil {
		return 0, fmt.Errorf("failed to list active entities: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)

	failures := make([]error, len(ids))
	for idx, id := range ids {
		g.Go(func() error {
			if _, err := a.AnalyzeDay(gctx, id, day, ""); err != nil {
				failures[idx] = fmt.Errorf("entity %s: %w", id, err)
				a.logger.WithField("entity_id", id).WithError(err).Error("Day analysis failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	err = errors.Join(failures...)
	done := len(ids)
	for _, f := range failures {
		if f != nil {
			done--
		}
	}
	return done, err
}
