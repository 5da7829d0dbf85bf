package filter

import (
	"iter"
	"time"

	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/pkg/utils"
)

// SmootherState is the per-entity constant-velocity filter state. Velocities
// are in degrees per second.
type SmootherState struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	VLat        float64   `json:"v_lat"`
	VLon        float64   `json:"v_lon"`
	LastAt      time.Time `json:"last_at"`
	Initialized bool      `json:"initialized"`
}

// Smoother is an alpha-beta coordinate filter with speed gating
type Smoother struct {
	config *FilterConfig
	logger *utils.Logger
}

// NewSmoother creates a coordinate smoother
func NewSmoother(config *FilterConfig, logger *utils.Logger) *Smoother {
	if config == nil {
		config = DefaultFilterConfig()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Smoother{
		config: config,
		logger: logger,
	}
}

// Name returns the filter name
func (s *Smoother) Name() string {
	return "alpha_beta_smoother"
}

// Apply smooths a whole stream starting from an empty state
func (s *Smoother) Apply(points iter.Seq[models.GpsPoint]) iter.Seq[models.GpsPoint] {
	return func(yield func(models.GpsPoint) bool) {
		var st SmootherState
		for p := range points {
			if !yield(s.Step(&st, p)) {
				return
			}
		}
	}
}

// Step applies one fix to st and returns the corrected fix
func (s *Smoother) Step(st *SmootherState, p models.GpsPoint) models.GpsPoint {
	if !st.Initialized {
		// Nothing to predict from yet; a malformed first fix leaves the state empty.
		if !p.IsMalformed() {
			st.Lat, st.Lon = p.Latitude, p.Longitude
			st.VLat, st.VLon = 0, 0
			st.LastAt = p.Timestamp
			st.Initialized = true
		}
		return p
	}

	if p.Timestamp.IsZero() {
		p.Timestamp = st.LastAt
	}

	dt := p.Timestamp.Sub(st.LastAt).Seconds()
	if dt < s.config.MinDtSeconds {
		dt = s.config.MinDtSeconds
	}

	predLat := st.Lat + st.VLat*dt
	predLon := st.Lon + st.VLon*dt
	pred := models.GeoPoint{Latitude: predLat, Longitude: predLon}

	measLat, measLon := p.Latitude, p.Longitude
	switch {
	case p.IsMalformed():
		measLat, measLon = predLat, predLon
		metrics.FilterCorrections.WithLabelValues("malformed_filled").Inc()
		s.logger.WithField("entity_id", p.EntityID).
			WithField("timestamp", p.Timestamp).
			Debug("Malformed fix replaced by prediction")

	default:
		impliedKmh := pred.DistanceTo(p.Position()) / (dt / 3600)
		if impliedKmh > s.config.MaxSpeedKmh {
			measLat, measLon = predLat, predLon
			metrics.FilterCorrections.WithLabelValues("outlier_gated").Inc()
			s.logger.WithField("entity_id", p.EntityID).
				WithField("timestamp", p.Timestamp).
				WithField("implied_kmh", impliedKmh).
				Debug("Outlier fix replaced by prediction")
		}
	}

	resLat := measLat - predLat
	resLon := measLon - predLon

	st.Lat = predLat + s.config.Alpha*resLat
	st.Lon = predLon + s.config.Alpha*resLon
	st.VLat = st.VLat + (s.config.Beta/dt)*resLat
	st.VLon = st.VLon + (s.config.Beta/dt)*resLon
	st.LastAt = p.Timestamp

	p.Latitude = st.Lat
	p.Longitude = st.Lon
	return p
}
