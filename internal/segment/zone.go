package segment

import (
	"iter"
	"slices"

	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/pkg/utils"
)

// ZoneSegmenter restricts movement analysis to the fixes inside a polygon.
// Each maximal in-zone run is analysed on its own so time spent outside never
// counts; the run results are merged.
type ZoneSegmenter struct {
	movement *MovementSegmenter
	logger   *utils.Logger
}

// NewZoneSegmenter creates a zone segmenter on top of a movement segmenter
func NewZoneSegmenter(movement *MovementSegmenter, logger *utils.Logger) *ZoneSegmenter {
	if movement == nil {
		movement = NewMovementSegmenter(nil, logger)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &ZoneSegmenter{
		movement: movement,
		logger:   logger,
	}
}

// FindZoneRuns returns the maximal runs of consecutive fixes inside polygon,
// as inclusive index ranges into points.
func FindZoneRuns(points []models.GpsPoint, polygon *models.Polygon) []models.ZonePresenceSegment {
	if polygon.IsEmpty() {
		return nil
	}
	polygon = polygon.Prepared()

	var runs []models.ZonePresenceSegment
	start := -1
	for i, p := range points {
		if polygon.Contains(p.Position()) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			runs = append(runs, models.ZonePresenceSegment{StartIndex: start, EndIndex: i - 1})
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, models.ZonePresenceSegment{StartIndex: start, EndIndex: len(points) - 1})
	}
	return runs
}

// Analyze returns the merged metrics of all in-zone runs. An empty polygon or
// no fix inside it yields zero metrics.
func (z *ZoneSegmenter) Analyze(points []models.GpsPoint, polygon *models.Polygon) models.AggregatedMetrics {
	runs := FindZoneRuns(points, polygon)
	if len(runs) == 0 {
		return models.AggregatedMetrics{}
	}

	parts := make([]models.AggregatedMetrics, 0, len(runs))
	for _, run := range runs {
		parts = append(parts, z.movement.AnalyzeSlice(points[run.StartIndex:run.EndIndex+1], nil))
	}

	result := Merge(parts...)
	z.logger.WithField("entity_id", result.EntityID).
		WithField("zone_id", polygon.ID).
		WithField("runs", len(runs)).
		WithField("points", result.PointCount).
		Debug("Zone segmentation completed")
	return result
}

// AnalyzeSeq is the streaming form of Analyze. Runs are closed as soon as a
// fix leaves the polygon; nothing beyond the current run is buffered.
func (z *ZoneSegmenter) AnalyzeSeq(points iter.Seq[models.GpsPoint], polygon *models.Polygon, window *models.TimeWindow) models.AggregatedMetrics {
	if polygon.IsEmpty() {
		return models.AggregatedMetrics{}
	}
	polygon = polygon.Prepared()

	var parts []models.AggregatedMetrics
	var run *Run
	for p := range points {
		if window != nil && !window.Contains(p.Timestamp) {
			continue
		}
		if polygon.Contains(p.Position()) {
			if run == nil {
				run = z.movement.NewRun()
			}
			run.Push(p)
			continue
		}
		if run != nil {
			parts = append(parts, run.Result())
			run = nil
		}
	}
	if run != nil {
		parts = append(parts, run.Result())
	}
	return Merge(parts...)
}

// Chunker analyses a stream that arrives in chunks. An in-zone run still
// open at the end of a chunk is carried into the next one instead of being
// closed, so the merged chunk results equal one Analyze over the whole stream.
type Chunker struct {
	zone    *ZoneSegmenter
	polygon *models.Polygon
	open    *Run
}

// NewChunker starts a chunked analysis against polygon
func (z *ZoneSegmenter) NewChunker(polygon *models.Polygon) *Chunker {
	return &Chunker{zone: z, polygon: polygon.Prepared()}
}

// Next analyses the next chunk. With final set, the run still open at its end
// is closed; otherwise it is carried over.
func (c *Chunker) Next(points []models.GpsPoint, final bool) models.AggregatedMetrics {
	if c.polygon.IsEmpty() {
		return models.AggregatedMetrics{}
	}

	var parts []models.AggregatedMetrics
	run := c.open
	c.open = nil
	for _, p := range points {
		if c.polygon.Contains(p.Position()) {
			if run == nil {
				run = c.zone.movement.NewRun()
			}
			run.Push(p)
			continue
		}
		if run != nil {
			parts = append(parts, run.Result())
			run = nil
		}
	}

	if run != nil {
		if final {
			parts = append(parts, run.Result())
		} else {
			part, tail := run.Partial()
			parts = append(parts, part)
			c.open = c.zone.movement.Resume(tail)
		}
	}
	return Merge(parts...)
}

// Close ends the analysis, closing any run carried over from the last chunk
func (c *Chunker) Close() models.AggregatedMetrics {
	return c.Next(nil, true)
}

// Merge combines partial aggregates of the same entity. Totals and counts are
// summed, the earliest device-on and first-movement times win, max speed is
// the maximum and the average speed is recomputed from the merged totals.
func Merge(parts ...models.AggregatedMetrics) models.AggregatedMetrics {
	var out models.AggregatedMetrics
	for _, p := range parts {
		if p.IsZero() {
			continue
		}
		if out.EntityID == "" {
			out.EntityID = p.EntityID
		}
		out.MovementDistanceKm += p.MovementDistanceKm
		out.MovementDurationSec += p.MovementDurationSec
		out.StoppageDurationSec += p.StoppageDurationSec
		out.StoppageDurationWhileOn += p.StoppageDurationWhileOn
		out.StoppageDurationWhileOff += p.StoppageDurationWhileOff
		out.StoppageCount += p.StoppageCount
		out.PointCount += p.PointCount
		out.DeviceOnTime = models.EarliestTime(out.DeviceOnTime, p.DeviceOnTime)
		out.FirstMovementTime = models.EarliestTime(out.FirstMovementTime, p.FirstMovementTime)
		if p.MaxSpeed > out.MaxSpeed {
			out.MaxSpeed = p.MaxSpeed
		}
		if p.LatestStatus != nil {
			out.LatestStatus = p.LatestStatus
		}
		out.Segments = append(out.Segments, p.Segments...)
		out.Stoppages = append(out.Stoppages, p.Stoppages...)
	}
	out.Segments = slices.Clip(out.Segments)
	out.Stoppages = slices.Clip(out.Stoppages)
	out.RecomputeAverageSpeed()
	return out
}
