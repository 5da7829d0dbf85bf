package models

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeoPoint_Validate(t *testing.T) {
	tests := []struct {
		name    string
		point   GeoPoint
		wantErr bool
		errMsg  string
	}{
		{
			name:    "Valid coordinates - field",
			point:   GeoPoint{Latitude: 50.0, Longitude: 30.0},
			wantErr: false,
		},
		{
			name:    "Valid coordinates - North Pole",
			point:   GeoPoint{Latitude: 90.0, Longitude: 0.0},
			wantErr: false,
		},
		{
			name:    "Valid coordinates - Date line negative",
			point:   GeoPoint{Latitude: 0.0, Longitude: -180.0},
			wantErr: false,
		},
		{
			name:    "Invalid latitude - too high",
			point:   GeoPoint{Latitude: 91.0, Longitude: 0.0},
			wantErr: true,
			errMsg:  "invalid latitude",
		},
		{
			name:    "Invalid latitude - NaN",
			point:   GeoPoint{Latitude: math.NaN(), Longitude: 0.0},
			wantErr: true,
			errMsg:  "invalid latitude",
		},
		{
			name:    "Invalid longitude - too low",
			point:   GeoPoint{Latitude: 0.0, Longitude: -181.0},
			wantErr: true,
			errMsg:  "invalid longitude",
		},
		{
			name:    "Invalid longitude - infinite",
			point:   GeoPoint{Latitude: 0.0, Longitude: math.Inf(1)},
			wantErr: true,
			errMsg:  "invalid longitude",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.point.Validate()

			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGeoPoint_DistanceTo(t *testing.T) {
	tests := []struct {
		name      string
		point1    GeoPoint
		point2    GeoPoint
		expected  float64
		tolerance float64
	}{
		{
			name:      "Same point",
			point1:    GeoPoint{Latitude: 50.0, Longitude: 30.0},
			point2:    GeoPoint{Latitude: 50.0, Longitude: 30.0},
			expected:  0.0,
			tolerance: 0.0001,
		},
		{
			name:      "1 degree latitude difference",
			point1:    GeoPoint{Latitude: 46.0, Longitude: 8.0},
			point2:    GeoPoint{Latitude: 47.0, Longitude: 8.0},
			expected:  111.2,
			tolerance: 0.5,
		},
		{
			name:      "1 degree longitude difference at 60 degrees latitude",
			point1:    GeoPoint{Latitude: 60.0, Longitude: 0.0},
			point2:    GeoPoint{Latitude: 60.0, Longitude: 1.0},
			expected:  55.6,
			tolerance: 0.5,
		},
		{
			name:      "Zurich to Bern",
			point1:    GeoPoint{Latitude: 47.3769, Longitude: 8.5417},
			point2:    GeoPoint{Latitude: 46.9481, Longitude: 7.4474},
			expected:  95.0,
			tolerance: 10.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			distance := tt.point1.DistanceTo(tt.point2)
			assert.InDelta(t, tt.expected, distance, tt.tolerance)

			// symmetric
			assert.InDelta(t, distance, tt.point2.DistanceTo(tt.point1), 1e-9)
			assert.Equal(t, distance, DistanceKm(tt.point1, tt.point2))
		})
	}
}

func TestGeoPoint_Geohash(t *testing.T) {
	point := GeoPoint{Latitude: 50.0012, Longitude: 30.0034}

	for _, precision := range []int{5, 7, 9} {
		hash := point.Geohash(precision)
		assert.Len(t, hash, precision)
	}

	// nearby points share a coarse cell
	near := GeoPoint{Latitude: 50.0013, Longitude: 30.0035}
	assert.Equal(t, point.Geohash(6), near.Geohash(6))
}

func TestRoundKm(t *testing.T) {
	assert.Equal(t, 1.235, RoundKm(1.2345678))
	assert.Equal(t, 0.0, RoundKm(0.0001))
	assert.Equal(t, 12.0, RoundKm(12.0))
}

func TestGpsPoint_IsMalformed(t *testing.T) {
	tests := []struct {
		name     string
		point    GpsPoint
		expected bool
	}{
		{"valid fix", GpsPoint{Latitude: 50.0, Longitude: 30.0}, false},
		{"no lock (0,0)", GpsPoint{}, true},
		{"NaN coordinates", GpsPoint{Latitude: math.NaN(), Longitude: math.NaN()}, true},
		{"out of range", GpsPoint{Latitude: 95.0, Longitude: 30.0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.point.IsMalformed())
		})
	}
}

func TestGpsPoint_JSON(t *testing.T) {
	original := GpsPoint{
		EntityID:  "veh-1",
		Latitude:  50.123456789,
		Longitude: 30.987654321,
		Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Speed:     12.5,
		Status:    StatusOn,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"entity_id":"veh-1"`)
	assert.Contains(t, string(data), `"status":1`)

	var restored GpsPoint
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.True(t, original.Timestamp.Equal(restored.Timestamp))
	assert.InDelta(t, original.Latitude, restored.Latitude, 1e-9)
	assert.True(t, restored.IsOn())
}

func TestDayWindow(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// 23:30 UTC on April 30 is already May 1 in Berlin
	at := time.Date(2024, 4, 30, 23, 30, 0, 0, time.UTC)
	window := DayWindow(at, loc)

	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, loc), window.Start)
	assert.Equal(t, "2024-05-01", DayKey(at, loc))
	assert.True(t, window.Contains(window.Start))
	assert.True(t, window.Contains(time.Date(2024, 5, 1, 23, 59, 59, 0, loc)))
	assert.False(t, window.Contains(time.Date(2024, 5, 2, 0, 0, 0, 0, loc)))
	assert.False(t, window.Contains(window.Start.Add(-time.Second)))

	// nil location falls back to UTC
	assert.Equal(t, "2024-04-30", DayKey(at, nil))
}

func square() *Polygon {
	return &Polygon{
		ID: "farm",
		Ring: []GeoPoint{
			{Latitude: 49.99, Longitude: 29.99},
			{Latitude: 49.99, Longitude: 30.01},
			{Latitude: 50.01, Longitude: 30.01},
			{Latitude: 50.01, Longitude: 29.99},
		},
	}
}

func TestPolygon_Contains(t *testing.T) {
	farm := square()

	tests := []struct {
		name     string
		point    GeoPoint
		expected bool
	}{
		{"center", GeoPoint{Latitude: 50.0, Longitude: 30.0}, true},
		{"near corner inside", GeoPoint{Latitude: 49.995, Longitude: 30.005}, true},
		{"north of zone", GeoPoint{Latitude: 50.02, Longitude: 30.0}, false},
		{"west of zone", GeoPoint{Latitude: 50.0, Longitude: 29.98}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, farm.Contains(tt.point))
			assert.Equal(t, tt.expected, PointInPolygon(tt.point, farm))
		})
	}
}

func TestPolygon_ConcaveRing(t *testing.T) {
	// L-shaped field, the north-east quarter is cut out
	field := &Polygon{
		ID: "field-l",
		Ring: []GeoPoint{
			{Latitude: 50.00, Longitude: 30.00},
			{Latitude: 50.00, Longitude: 30.02},
			{Latitude: 50.01, Longitude: 30.02},
			{Latitude: 50.01, Longitude: 30.01},
			{Latitude: 50.02, Longitude: 30.01},
			{Latitude: 50.02, Longitude: 30.00},
		},
	}

	assert.True(t, field.Contains(GeoPoint{Latitude: 50.005, Longitude: 30.015}))
	assert.True(t, field.Contains(GeoPoint{Latitude: 50.015, Longitude: 30.005}))
	assert.False(t, field.Contains(GeoPoint{Latitude: 50.015, Longitude: 30.015}))
}

func TestPolygon_Empty(t *testing.T) {
	var nilPoly *Polygon
	assert.True(t, nilPoly.IsEmpty())
	assert.False(t, nilPoly.Contains(GeoPoint{Latitude: 50, Longitude: 30}))

	line := &Polygon{Ring: []GeoPoint{{Latitude: 50, Longitude: 30}, {Latitude: 51, Longitude: 31}}}
	assert.True(t, line.IsEmpty())
	assert.False(t, line.Contains(GeoPoint{Latitude: 50.5, Longitude: 30.5}))

	sw, ne := line.Bound()
	assert.Equal(t, GeoPoint{}, sw)
	assert.Equal(t, GeoPoint{}, ne)
}

func TestPolygon_Bound(t *testing.T) {
	sw, ne := square().Bound()
	assert.Equal(t, GeoPoint{Latitude: 49.99, Longitude: 29.99}, sw)
	assert.Equal(t, GeoPoint{Latitude: 50.01, Longitude: 30.01}, ne)
}

func TestPolygon_Prepared(t *testing.T) {
	farm := square()
	prepared := farm.Prepared()

	assert.True(t, prepared.IsPrepared())
	assert.False(t, farm.IsPrepared(), "receiver is left as is")
	assert.Same(t, prepared, prepared.Prepared())
	assert.Equal(t, farm.ID, prepared.ID)

	for lat := 49.98; lat <= 50.02; lat += 0.0025 {
		for lon := 29.98; lon <= 30.02; lon += 0.0025 {
			point := GeoPoint{Latitude: lat, Longitude: lon}
			assert.Equal(t, farm.Contains(point), prepared.Contains(point), "lat %v lon %v", lat, lon)
		}
	}

	sw, ne := prepared.Bound()
	wantSW, wantNE := farm.Bound()
	assert.Equal(t, wantSW, sw)
	assert.Equal(t, wantNE, ne)

	data, err := json.Marshal(prepared)
	require.NoError(t, err)
	plain, err := json.Marshal(farm)
	require.NoError(t, err)
	assert.JSONEq(t, string(plain), string(data))
}

func TestPolygon_PreparedContainsDoesNotAllocate(t *testing.T) {
	prepared := square().Prepared()
	inside := GeoPoint{Latitude: 50.0, Longitude: 30.0}
	outside := GeoPoint{Latitude: 51.0, Longitude: 30.0}

	allocs := testing.AllocsPerRun(100, func() {
		prepared.Contains(inside)
		prepared.Contains(outside)
	})
	assert.Zero(t, allocs)

	// an unprepared polygon builds its ring on every call
	raw := square()
	assert.Positive(t, testing.AllocsPerRun(10, func() { raw.Contains(inside) }))
}

func TestPolygon_PreparedEmpty(t *testing.T) {
	var nilPoly *Polygon
	assert.Nil(t, nilPoly.Prepared())

	line := (&Polygon{Ring: []GeoPoint{{Latitude: 50, Longitude: 30}, {Latitude: 51, Longitude: 31}}}).Prepared()
	assert.False(t, line.IsPrepared())
	assert.False(t, line.Contains(GeoPoint{Latitude: 50.5, Longitude: 30.5}))
}

func BenchmarkPolygon_Contains(b *testing.B) {
	point := GeoPoint{Latitude: 50.0, Longitude: 30.0}

	b.Run("raw", func(b *testing.B) {
		farm := square()
		for i := 0; i < b.N; i++ {
			farm.Contains(point)
		}
	})
	b.Run("prepared", func(b *testing.B) {
		farm := square().Prepared()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			farm.Contains(point)
		}
	})
}
