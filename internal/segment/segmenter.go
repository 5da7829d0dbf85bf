package segment

import (
	"iter"
	"slices"
	"time"

	"github.com/fieldops/trackengine/internal/config"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/pkg/utils"
)

// Config holds the segmentation thresholds
type Config struct {
	// Stoppages shorter than this are folded into movement
	MinStoppage time.Duration `json:"min_stoppage"`

	// Consecutive moving fixes required to fix the first movement time
	FirstMovementCount int `json:"first_movement_count"`
}

// DefaultConfig returns the production thresholds
func DefaultConfig() *Config {
	return &Config{
		MinStoppage:        60 * time.Second,
		FirstMovementCount: 3,
	}
}

// FromConfig builds a Config from the application config
func FromConfig(cfg config.SegmentConfig) *Config {
	return &Config{
		MinStoppage:        cfg.MinStoppage,
		FirstMovementCount: cfg.FirstMovementCount,
	}
}

// MovementSegmenter turns an ordered fix stream into movement and stoppage
// aggregates for one entity.
type MovementSegmenter struct {
	config *Config
	logger *utils.Logger
}

// NewMovementSegmenter creates a segmenter
func NewMovementSegmenter(config *Config, logger *utils.Logger) *MovementSegmenter {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &MovementSegmenter{
		config: config,
		logger: logger,
	}
}

// Analyze consumes the stream and returns the aggregate. When window is not
// nil, fixes outside it are skipped. An empty stream yields zero metrics.
func (s *MovementSegmenter) Analyze(points iter.Seq[models.GpsPoint], window *models.TimeWindow) models.AggregatedMetrics {
	run := s.NewRun()
	for p := range points {
		if window != nil && !window.Contains(p.Timestamp) {
			continue
		}
		run.Push(p)
	}

	result := run.Result()
	s.logger.WithField("entity_id", result.EntityID).
		WithField("points", result.PointCount).
		WithField("distance_km", result.MovementDistanceKm).
		WithField("stoppages", result.StoppageCount).
		Debug("Movement segmentation completed")
	return result
}

// AnalyzeSlice is Analyze over a slice
func (s *MovementSegmenter) AnalyzeSlice(points []models.GpsPoint, window *models.TimeWindow) models.AggregatedMetrics {
	return s.Analyze(slices.Values(points), window)
}

// NewRun starts an incremental analysis
func (s *MovementSegmenter) NewRun() *Run {
	return &Run{
		thresholds:         Thresholds{MinStoppage: s.config.MinStoppage},
		firstMovementCount: s.config.FirstMovementCount,
	}
}

// Resume starts a run that continues where the run behind tail stopped. Its
// results hold only what happens after the tail, so Merge of the earlier
// Partial and this run's Result equals one run over the whole stream.
func (s *MovementSegmenter) Resume(tail Tail) *Run {
	r := s.NewRun()
	r.machine = tail.Machine
	if tail.Last != nil {
		last := *tail.Last
		r.prev = &last
		r.entityID = last.EntityID
	}
	r.movingStreak = tail.MovingStreak
	r.streakStart = tail.StreakStart
	r.deviceOnSeen = tail.DeviceOnSeen
	r.firstMoveSeen = tail.FirstMoveSeen
	r.movement = tail.MovementRemainder
	r.stoppage = tail.StoppageRemainder
	r.stoppageOn = tail.StoppageOnRemainder
	r.stoppageOff = tail.StoppageOffRemainder
	return r
}

// Tail is the open edge of an unfinished run: the machine state, the last fix
// and the sub-second parts of the duration totals not yet reported.
type Tail struct {
	Machine       Machine          `json:"machine"`
	Last          *models.GpsPoint `json:"last,omitempty"`
	MovingStreak  int              `json:"moving_streak"`
	StreakStart   time.Time        `json:"streak_start"`
	DeviceOnSeen  bool             `json:"device_on_seen"`
	FirstMoveSeen bool             `json:"first_move_seen"`

	MovementRemainder    time.Duration `json:"movement_remainder"`
	StoppageRemainder    time.Duration `json:"stoppage_remainder"`
	StoppageOnRemainder  time.Duration `json:"stoppage_on_remainder"`
	StoppageOffRemainder time.Duration `json:"stoppage_off_remainder"`
}

// Run accumulates one entity's fixes incrementally. Result can be taken at
// any point without disturbing further Push calls.
type Run struct {
	thresholds         Thresholds
	firstMovementCount int

	machine Machine
	prev    *models.GpsPoint

	entityID      string
	distanceKm    float64
	movement      time.Duration
	stoppage      time.Duration
	stoppageOn    time.Duration
	stoppageOff   time.Duration
	stopCount     int
	pointCount    int
	maxSpeed      float64
	deviceOn      *time.Time
	deviceOnSeen  bool
	firstMove     *time.Time
	firstMoveSeen bool
	movingStreak  int
	streakStart   time.Time
	segments      []models.MovementSegment
	stoppages     []models.StoppageInterval
}

// Push applies one fix. Fixes must arrive in non-decreasing timestamp order.
func (r *Run) Push(p models.GpsPoint) {
	if r.entityID == "" {
		r.entityID = p.EntityID
	}
	r.pointCount++
	if p.Speed > r.maxSpeed {
		r.maxSpeed = p.Speed
	}
	if !r.deviceOnSeen && p.IsOn() {
		ts := p.Timestamp
		r.deviceOn = &ts
		r.deviceOnSeen = true
	}

	if Classify(p) == ClassMoving {
		if r.movingStreak == 0 {
			r.streakStart = p.Timestamp
		}
		r.movingStreak++
		if !r.firstMoveSeen && r.movingStreak >= r.firstMovementCount {
			ts := r.streakStart
			r.firstMove = &ts
			r.firstMoveSeen = true
		}
	} else {
		r.movingStreak = 0
	}

	next, delta := Transition(r.machine, r.prev, p, r.thresholds)
	r.apply(delta)
	r.machine = next
	r.prev = &p
}

func (r *Run) apply(d Delta) {
	r.distanceKm += d.MovementDistanceKm
	r.movement += d.MovementDuration
	r.stoppage += d.StoppageDuration
	r.stoppageOn += d.StoppageWhileOn
	r.stoppageOff += d.StoppageWhileOff
	if d.StoppageCounted {
		r.stopCount++
	}
	if d.Segment != nil {
		r.segments = append(r.segments, *d.Segment)
	}
	if d.Stoppage != nil {
		r.stoppages = append(r.stoppages, *d.Stoppage)
	}
}

// State returns the current machine state
func (r *Run) State() State {
	return r.machine.State
}

// Result finalizes a copy of the run and returns the aggregate
func (r *Run) Result() models.AggregatedMetrics {
	if r.prev == nil {
		return models.AggregatedMetrics{}
	}

	final := *r
	final.segments = slices.Clone(r.segments)
	final.stoppages = slices.Clone(r.stoppages)
	final.apply(Finalize(r.machine, r.prev, r.thresholds))
	return final.metrics()
}

// Partial returns the aggregate so far without closing the open run, and the
// Tail to Resume from. Whole seconds are reported; the remainders travel in
// the tail.
func (r *Run) Partial() (models.AggregatedMetrics, Tail) {
	tail := Tail{
		Machine:              r.machine,
		MovingStreak:         r.movingStreak,
		StreakStart:          r.streakStart,
		DeviceOnSeen:         r.deviceOnSeen,
		FirstMoveSeen:        r.firstMoveSeen,
		MovementRemainder:    r.movement % time.Second,
		StoppageRemainder:    r.stoppage % time.Second,
		StoppageOnRemainder:  r.stoppageOn % time.Second,
		StoppageOffRemainder: r.stoppageOff % time.Second,
	}
	if r.prev == nil {
		return models.AggregatedMetrics{}, tail
	}
	last := *r.prev
	tail.Last = &last

	part := *r
	part.segments = slices.Clone(r.segments)
	part.stoppages = slices.Clone(r.stoppages)
	return part.metrics(), tail
}

func (r *Run) metrics() models.AggregatedMetrics {
	status := r.prev.Status
	m := models.AggregatedMetrics{
		EntityID:                 r.entityID,
		MovementDistanceKm:       r.distanceKm,
		MovementDurationSec:      int64(r.movement / time.Second),
		StoppageDurationSec:      int64(r.stoppage / time.Second),
		StoppageDurationWhileOn:  int64(r.stoppageOn / time.Second),
		StoppageDurationWhileOff: int64(r.stoppageOff / time.Second),
		StoppageCount:            r.stopCount,
		DeviceOnTime:             r.deviceOn,
		FirstMovementTime:        r.firstMove,
		MaxSpeed:                 r.maxSpeed,
		LatestStatus:             &status,
		PointCount:               r.pointCount,
		Segments:                 r.segments,
		Stoppages:                r.stoppages,
	}
	m.RecomputeAverageSpeed()
	return m
}
