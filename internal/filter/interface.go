package filter

import (
	"iter"

	"github.com/fieldops/trackengine/internal/config"
	"github.com/fieldops/trackengine/internal/models"
)

// PointFilter transforms one entity's chronologically ordered fix stream.
// Implementations are lazy and never drop a fix.
type PointFilter interface {
	// Apply wraps the stream
	Apply(points iter.Seq[models.GpsPoint]) iter.Seq[models.GpsPoint]

	// Name returns the filter name
	Name() string
}

// FilterConfig holds the noise filter constants
type FilterConfig struct {
	// Position gain of the alpha-beta smoother
	Alpha float64 `json:"alpha"`

	// Velocity gain of the alpha-beta smoother
	Beta float64 `json:"beta"`

	// Implied speed (km/h) between prediction and measurement above which the
	// measurement is treated as an outlier
	MaxSpeedKmh float64 `json:"max_speed_kmh"`

	// Lower bound for dt in seconds
	MinDtSeconds float64 `json:"min_dt_seconds"`

	// Lowest speed assigned to a corrected stoppage spike, so it does not
	// classify as stoppage again
	SpikeSpeedFloor float64 `json:"spike_speed_floor"`
}

// DefaultFilterConfig returns the production constants
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		Alpha:           0.35,
		Beta:            0.12,
		MaxSpeedKmh:     70,
		MinDtSeconds:    0.1,
		SpikeSpeedFloor: 1,
	}
}

// FromConfig builds a FilterConfig from the application config
func FromConfig(cfg config.FilterConfig) *FilterConfig {
	return &FilterConfig{
		Alpha:           cfg.Alpha,
		Beta:            cfg.Beta,
		MaxSpeedKmh:     cfg.MaxSpeedKmh,
		MinDtSeconds:    cfg.MinDtSeconds,
		SpikeSpeedFloor: cfg.SpikeSpeedFloor,
	}
}
