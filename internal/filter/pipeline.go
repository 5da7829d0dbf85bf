package filter

import (
	"iter"

	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/pkg/utils"
)

// State is everything the noise filter remembers about one entity
type State struct {
	Spike    SpikeWindow      `json:"spike"`
	Smoother SmootherState    `json:"smoother"`
	Last     *models.GpsPoint `json:"last,omitempty"`
}

// Newest returns the latest fix the pipeline has taken in, nil for a fresh state
func (s *State) Newest() *models.GpsPoint {
	if s.Spike.Curr != nil {
		return s.Spike.Curr
	}
	return s.Last
}

// Pipeline runs spike correction followed by coordinate smoothing
type Pipeline struct {
	spike    *SpikeCorrector
	smoother *Smoother
	logger   *utils.Logger
}

// NewPipeline creates the noise filter pipeline
func NewPipeline(config *FilterConfig, logger *utils.Logger) *Pipeline {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Pipeline{
		spike:    NewSpikeCorrector(config, logger),
		smoother: NewSmoother(config, logger),
		logger:   logger,
	}
}

// Name returns the filter name
func (p *Pipeline) Name() string {
	return "noise_pipeline"
}

// Apply cleans a complete stream from a fresh state. The trailing fix is flushed.
func (p *Pipeline) Apply(points iter.Seq[models.GpsPoint]) iter.Seq[models.GpsPoint] {
	return p.smoother.Apply(p.spike.Apply(points))
}

// Clean runs the stream through the pipeline starting from st and flushes the
// trailing fix. st holds the final state once the sequence is exhausted, so
// the caller can persist it in one write.
func (p *Pipeline) Clean(points iter.Seq[models.GpsPoint], st *State) iter.Seq[models.GpsPoint] {
	return func(yield func(models.GpsPoint) bool) {
		for point := range points {
			if out, ok := p.Step(st, point); ok {
				if !yield(out) {
					return
				}
			}
		}
		if out, ok := p.Flush(st); ok {
			yield(out)
		}
	}
}

// Step feeds one live fix through the pipeline and returns the cleaned fix that
// became available, if any. Spike correction needs the right-hand neighbour,
// so output lags input by one fix.
func (p *Pipeline) Step(st *State, point models.GpsPoint) (models.GpsPoint, bool) {
	out, ok := p.spike.Push(&st.Spike, point)
	if !ok {
		return models.GpsPoint{}, false
	}
	cleaned := p.smoother.Step(&st.Smoother, out)
	st.Last = &cleaned
	return cleaned, true
}

// Flush drains the fix still held by the spike window.
func (p *Pipeline) Flush(st *State) (models.GpsPoint, bool) {
	out, ok := p.spike.Flush(&st.Spike)
	if !ok {
		return models.GpsPoint{}, false
	}
	cleaned := p.smoother.Step(&st.Smoother, out)
	st.Last = &cleaned
	return cleaned, true
}

var (
	_ PointFilter = (*SpikeCorrector)(nil)
	_ PointFilter = (*Smoother)(nil)
	_ PointFilter = (*Pipeline)(nil)
)
