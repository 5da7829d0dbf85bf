package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/trackengine/internal/models"
)

var t0 = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

func fix(sec int, lon, speed float64, status models.DeviceStatus) models.GpsPoint {
	return models.GpsPoint{
		EntityID:  "veh-1",
		Latitude:  50.0,
		Longitude: lon,
		Timestamp: t0.Add(time.Duration(sec) * time.Second),
		Speed:     speed,
		Status:    status,
	}
}

func moving(sec int, lon float64) models.GpsPoint {
	return fix(sec, lon, 25, models.StatusOn)
}

func newTestSegmenter() *MovementSegmenter {
	return NewMovementSegmenter(DefaultConfig(), nil)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		speed  float64
		status models.DeviceStatus
		want   Class
	}{
		{name: "device off at speed", speed: 40, status: models.StatusOff, want: ClassStopped},
		{name: "device off parked", speed: 0, status: models.StatusOff, want: ClassStopped},
		{name: "exactly threshold with device on", speed: 2, status: models.StatusOn, want: ClassStopped},
		{name: "just above threshold", speed: 2.01, status: models.StatusOn, want: ClassMoving},
		{name: "cruising", speed: 60, status: models.StatusOn, want: ClassMoving},
		{name: "crawling below threshold", speed: 1, status: models.StatusOn, want: ClassNeutral},
		{name: "zero speed with device on", speed: 0, status: models.StatusOn, want: ClassNeutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(fix(0, 30, tt.speed, tt.status)))
		})
	}
}

func TestTransition(t *testing.T) {
	th := Thresholds{MinStoppage: time.Minute}

	t.Run("idle enters moving", func(t *testing.T) {
		p := moving(0, 30.000)
		next, d := Transition(Machine{}, nil, p, th)
		assert.Equal(t, Moving, next.State)
		require.NotNil(t, next.Start)
		assert.Equal(t, p.Timestamp, next.Start.Timestamp)
		assert.Zero(t, d.MovementDuration)
	})

	t.Run("idle ignores neutral fix", func(t *testing.T) {
		next, _ := Transition(Machine{}, nil, fix(0, 30, 0, models.StatusOn), th)
		assert.Equal(t, Idle, next.State)
		assert.Nil(t, next.Start)
	})

	t.Run("moving to stopped closes segment", func(t *testing.T) {
		a, b, c := moving(0, 30.000), moving(10, 30.001), fix(20, 30.002, 0, models.StatusOff)

		m, _ := Transition(Machine{}, nil, a, th)
		m, _ = Transition(m, &a, b, th)
		before := m
		next, d := Transition(m, &b, c, th)

		assert.Equal(t, Moving, before.State, "input machine is not modified")
		assert.Equal(t, Stopped, next.State)
		require.NotNil(t, d.Segment)
		assert.Equal(t, int64(20), d.Segment.DurationSeconds)
		assert.InDelta(t, a.DistanceTo(b)+b.DistanceTo(c), d.Segment.DistanceKm, 1e-12)
		assert.Equal(t, a.Position(), d.Segment.StartLocation)
		assert.Equal(t, c.Position(), d.Segment.EndLocation)
	})

	t.Run("neutral fix keeps stopped state", func(t *testing.T) {
		a, b := fix(0, 30, 0, models.StatusOff), fix(30, 30, 0, models.StatusOn)
		m, _ := Transition(Machine{}, nil, a, th)
		next, d := Transition(m, &a, b, th)
		assert.Equal(t, Stopped, next.State)
		assert.Equal(t, 30*time.Second, next.StopWhileOff)
		assert.Nil(t, d.Stoppage)
	})
}

func TestStoppageThresholdBoundary(t *testing.T) {
	tests := []struct {
		name        string
		stopSeconds int
		ignored     bool
	}{
		{name: "59 seconds is folded into movement", stopSeconds: 59, ignored: true},
		{name: "60 seconds counts as stoppage", stopSeconds: 60, ignored: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.stopSeconds
			points := []models.GpsPoint{
				moving(0, 30.0000),
				moving(10, 30.0010),
				fix(20, 30.0020, 2, models.StatusOn),
				moving(20+d, 30.0025),
				moving(30+d, 30.0035),
			}

			got := newTestSegmenter().AnalyzeSlice(points, nil)

			require.Len(t, got.Stoppages, 1)
			assert.Equal(t, tt.ignored, got.Stoppages[0].Ignored)
			assert.Equal(t, int64(d), got.Stoppages[0].DurationSeconds)

			base := points[0].DistanceTo(points[1]) + points[1].DistanceTo(points[2]) + points[3].DistanceTo(points[4])
			if tt.ignored {
				assert.Equal(t, int64(10+10+d+10), got.MovementDurationSec)
				assert.Equal(t, int64(0), got.StoppageDurationSec)
				assert.Equal(t, 0, got.StoppageCount)
				assert.InDelta(t, base+points[2].DistanceTo(points[3]), got.MovementDistanceKm, 1e-9)
			} else {
				assert.Equal(t, int64(30), got.MovementDurationSec)
				assert.Equal(t, int64(d), got.StoppageDurationSec)
				assert.Equal(t, int64(d), got.StoppageDurationWhileOn)
				assert.Equal(t, int64(0), got.StoppageDurationWhileOff)
				assert.Equal(t, 1, got.StoppageCount)
				assert.InDelta(t, base, got.MovementDistanceKm, 1e-9)
			}
			assert.Len(t, got.Segments, 2)
		})
	}
}

func TestStoppageOnOffSplit(t *testing.T) {
	points := []models.GpsPoint{
		moving(0, 30.000),
		moving(10, 30.001),
		fix(20, 30.002, 2, models.StatusOn),
		fix(50, 30.002, 0, models.StatusOff),
		moving(110, 30.003),
	}

	got := newTestSegmenter().AnalyzeSlice(points, nil)

	assert.Equal(t, 1, got.StoppageCount)
	assert.Equal(t, int64(90), got.StoppageDurationSec)
	assert.Equal(t, int64(30), got.StoppageDurationWhileOn)
	assert.Equal(t, int64(60), got.StoppageDurationWhileOff)
	assert.Equal(t, got.StoppageDurationSec, got.StoppageDurationWhileOn+got.StoppageDurationWhileOff)
	require.Len(t, got.Stoppages, 1)
	assert.NotEmpty(t, got.Stoppages[0].Geohash)
}

func TestEndOfStreamFinalization(t *testing.T) {
	t.Run("open stoppage closes at last fix", func(t *testing.T) {
		points := []models.GpsPoint{
			moving(0, 30.000),
			moving(10, 30.001),
			fix(20, 30.002, 0, models.StatusOff),
			fix(200, 30.002, 0, models.StatusOff),
		}
		got := newTestSegmenter().AnalyzeSlice(points, nil)
		assert.Equal(t, 1, got.StoppageCount)
		assert.Equal(t, int64(180), got.StoppageDurationSec)
		assert.Equal(t, int64(20), got.MovementDurationSec)
	})

	t.Run("open moving run emits segment", func(t *testing.T) {
		points := []models.GpsPoint{moving(0, 30.000), moving(10, 30.001), moving(20, 30.002)}
		got := newTestSegmenter().AnalyzeSlice(points, nil)
		require.Len(t, got.Segments, 1)
		assert.Equal(t, int64(20), got.Segments[0].DurationSeconds)
		assert.InDelta(t, got.MovementDistanceKm, got.Segments[0].DistanceKm, 1e-12)
		assert.InDelta(t, models.AverageSpeedKmh(got.MovementDistanceKm, 20), got.AverageSpeed, 1e-9)
	})
}

func TestFirstMovementAndDeviceOn(t *testing.T) {
	points := []models.GpsPoint{
		fix(0, 30.000, 0, models.StatusOff),
		moving(10, 30.001),
		moving(20, 30.002),
		fix(30, 30.002, 0, models.StatusOff),
		moving(40, 30.003),
		moving(50, 30.004),
		moving(60, 30.005),
	}

	got := newTestSegmenter().AnalyzeSlice(points, nil)

	require.NotNil(t, got.DeviceOnTime)
	assert.Equal(t, t0.Add(10*time.Second), *got.DeviceOnTime)
	require.NotNil(t, got.FirstMovementTime)
	assert.Equal(t, t0.Add(40*time.Second), *got.FirstMovementTime, "two moving fixes then a stop re-arm detection")
	require.NotNil(t, got.LatestStatus)
	assert.Equal(t, models.StatusOn, *got.LatestStatus)
}

func TestMaxSpeedIgnoresClassification(t *testing.T) {
	points := []models.GpsPoint{
		moving(0, 30.000),
		fix(10, 30.001, 95, models.StatusOff),
		moving(20, 30.002),
	}
	got := newTestSegmenter().AnalyzeSlice(points, nil)
	assert.Equal(t, 95.0, got.MaxSpeed)
}

func TestEmptyAndWindowedInput(t *testing.T) {
	seg := newTestSegmenter()

	t.Run("empty stream", func(t *testing.T) {
		got := seg.AnalyzeSlice(nil, nil)
		assert.True(t, got.IsZero())
		assert.Zero(t, got.MovementDistanceKm)
		assert.Nil(t, got.LatestStatus)
	})

	t.Run("fully filtered stream", func(t *testing.T) {
		window := &models.TimeWindow{Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour)}
		got := seg.AnalyzeSlice([]models.GpsPoint{moving(0, 30), moving(10, 30.001)}, window)
		assert.True(t, got.IsZero())
	})

	t.Run("window is inclusive", func(t *testing.T) {
		window := &models.TimeWindow{Start: t0.Add(10 * time.Second), End: t0.Add(20 * time.Second)}
		points := []models.GpsPoint{moving(0, 30), moving(10, 30.001), moving(20, 30.002), moving(30, 30.003)}
		got := seg.AnalyzeSlice(points, window)
		assert.Equal(t, 2, got.PointCount)
		assert.Equal(t, int64(10), got.MovementDurationSec)
	})
}

func TestRunPrefixContinuation(t *testing.T) {
	points := []models.GpsPoint{
		moving(0, 30.000),
		moving(10, 30.001),
		moving(20, 30.002),
		fix(30, 30.002, 0, models.StatusOff),
		fix(100, 30.002, 0, models.StatusOff),
		moving(110, 30.003),
		moving(120, 30.004),
		fix(130, 30.004, 2, models.StatusOn),
		moving(150, 30.005),
		moving(160, 30.006),
	}

	seg := newTestSegmenter()
	run := seg.NewRun()
	for _, p := range points[:5] {
		run.Push(p)
	}
	prefix := run.Result()
	prefixSegments := len(prefix.Segments)

	for _, p := range points[5:] {
		run.Push(p)
	}
	continued := run.Result()
	full := seg.AnalyzeSlice(points, nil)

	assert.LessOrEqual(t, prefix.MovementDistanceKm, continued.MovementDistanceKm)
	assert.Equal(t, full, continued)
	assert.Len(t, prefix.Segments, prefixSegments, "earlier results are not mutated")
	assert.Equal(t, Moving, run.State())
}

func TestNeutralFixesExtendCurrentState(t *testing.T) {
	trackDistance := func(points []models.GpsPoint) float64 {
		var km float64
		for i := 1; i < len(points); i++ {
			km += points[i-1].DistanceTo(points[i])
		}
		return km
	}

	t.Run("crawling after driving stays movement", func(t *testing.T) {
		points := []models.GpsPoint{
			moving(0, 30.000),
			moving(10, 30.001),
			fix(20, 30.0015, 1, models.StatusOn),
			fix(80, 30.002, 0, models.StatusOn),
			fix(200, 30.0025, 1.5, models.StatusOn),
			fix(320, 30.003, 0, models.StatusOn),
			moving(330, 30.004),
		}

		m := newTestSegmenter().AnalyzeSlice(points, nil)
		assert.Equal(t, int64(330), m.MovementDurationSec)
		assert.InDelta(t, trackDistance(points), m.MovementDistanceKm, 1e-9)
		assert.Zero(t, m.StoppageDurationSec)
		assert.Zero(t, m.StoppageCount)
		assert.Empty(t, m.Stoppages)
		require.Len(t, m.Segments, 1)
		assert.Equal(t, t0, m.Segments[0].StartTime)
		assert.Equal(t, t0.Add(330*time.Second), m.Segments[0].EndTime)
	})

	t.Run("same track with the device off is a stoppage", func(t *testing.T) {
		points := []models.GpsPoint{
			moving(0, 30.000),
			moving(10, 30.001),
			fix(20, 30.0015, 1, models.StatusOff),
			fix(80, 30.002, 0, models.StatusOff),
			fix(200, 30.0025, 1.5, models.StatusOff),
			fix(320, 30.003, 0, models.StatusOff),
			moving(330, 30.004),
		}

		m := newTestSegmenter().AnalyzeSlice(points, nil)
		assert.Equal(t, int64(20), m.MovementDurationSec)
		assert.Equal(t, int64(310), m.StoppageDurationSec)
		assert.Equal(t, 1, m.StoppageCount)
	})

	t.Run("neutral fixes before any movement are not counted", func(t *testing.T) {
		points := []models.GpsPoint{
			fix(0, 30.000, 1, models.StatusOn),
			fix(60, 30.0005, 0, models.StatusOn),
			moving(70, 30.001),
			moving(80, 30.002),
		}

		m := newTestSegmenter().AnalyzeSlice(points, nil)
		assert.Equal(t, int64(10), m.MovementDurationSec)
		assert.InDelta(t, points[2].DistanceTo(points[3]), m.MovementDistanceKm, 1e-9)
		assert.Equal(t, 4, m.PointCount)
		assert.Zero(t, m.StoppageCount)
	})
}
