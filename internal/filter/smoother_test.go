package filter

import (
	"math"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/trackengine/internal/models"
)

func TestSmoother_FirstFixIsRaw(t *testing.T) {
	s := NewSmoother(nil, nil)
	var st SmootherState

	p := fixAt(0, 50.1234, 30.5678, 10, models.StatusOn)
	out := s.Step(&st, p)

	assert.Equal(t, p, out)
	assert.True(t, st.Initialized)
	assert.Equal(t, 50.1234, st.Lat)
	assert.Zero(t, st.VLat)
	assert.Zero(t, st.VLon)
}

func TestSmoother_MalformedFirstFixLeavesStateEmpty(t *testing.T) {
	s := NewSmoother(nil, nil)
	var st SmootherState

	p := fixAt(0, math.NaN(), 30, 10, models.StatusOn)
	out := s.Step(&st, p)

	assert.True(t, math.IsNaN(out.Latitude))
	assert.False(t, st.Initialized)
}

func TestSmoother_CorrectionGains(t *testing.T) {
	s := NewSmoother(DefaultFilterConfig(), nil)
	var st SmootherState

	s.Step(&st, fixAt(0, 50.0, 30.0, 5, models.StatusOn))
	out := s.Step(&st, fixAt(10, 50.0001, 30.0, 5, models.StatusOn))

	assert.InDelta(t, 50.0+0.35*0.0001, out.Latitude, 1e-12)
	assert.InDelta(t, 30.0, out.Longitude, 1e-12)
	assert.InDelta(t, (0.12/10)*0.0001, st.VLat, 1e-15)
	assert.Equal(t, t0.Add(10*time.Second), st.LastAt)
}

func TestSmoother_Gating(t *testing.T) {
	tests := []struct {
		name string
		lat  float64
	}{
		{name: "implausible jump uses prediction", lat: 51.0},
		{name: "malformed latitude uses prediction", lat: math.NaN()},
		{name: "null island uses prediction", lat: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSmoother(nil, nil)
			var st SmootherState

			s.Step(&st, fixAt(0, 50.0, 30.0, 5, models.StatusOn))
			s.Step(&st, fixAt(10, 50.0, 30.0, 5, models.StatusOn))

			p := fixAt(20, tt.lat, 30.0, 5, models.StatusOn)
			if tt.lat == 0 {
				p.Longitude = 0
			}
			out := s.Step(&st, p)

			assert.InDelta(t, 50.0, out.Latitude, 1e-9)
			assert.InDelta(t, 30.0, out.Longitude, 1e-9)
			assert.Equal(t, 5.0, out.Speed, "non-coordinate fields are kept")
		})
	}
}

func TestSmoother_DtFloorAndMissingTimestamp(t *testing.T) {
	s := NewSmoother(nil, nil)
	var st SmootherState

	s.Step(&st, fixAt(0, 50.0, 30.0, 5, models.StatusOn))

	same := fixAt(0, 50.0000001, 30.0, 5, models.StatusOn)
	out := s.Step(&st, same)
	assert.False(t, math.IsInf(st.VLat, 0))
	assert.False(t, math.IsNaN(out.Latitude))
	assert.InDelta(t, (0.12/0.1)*0.0000001, st.VLat, 1e-12)

	missing := fixAt(0, 50.0, 30.0, 5, models.StatusOn)
	missing.Timestamp = time.Time{}
	out = s.Step(&st, missing)
	assert.Equal(t, t0, out.Timestamp)
}

func TestSmoother_NeverDropsFixes(t *testing.T) {
	input := []models.GpsPoint{
		fixAt(0, 50.0, 30.0, 5, models.StatusOn),
		fixAt(10, math.NaN(), 30.0, 5, models.StatusOn),
		fixAt(20, 50.0002, math.Inf(1), 5, models.StatusOn),
		fixAt(30, 50.0003, 30.0003, 5, models.StatusOn),
	}

	got := slices.Collect(NewSmoother(nil, nil).Apply(slices.Values(input)))
	require.Len(t, got, len(input))
	for _, p := range got {
		assert.NoError(t, p.Position().Validate())
	}
}
