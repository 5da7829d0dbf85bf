package filter

import (
	"iter"

	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/pkg/utils"
)

// SpikeWindow is the spike corrector state: the last emitted raw fix and the
// fix waiting for its right-hand neighbour. It is persisted between live calls.
type SpikeWindow struct {
	Prev *models.GpsPoint `json:"prev,omitempty"`
	Curr *models.GpsPoint `json:"curr,omitempty"`
}

// SpikeCorrector fixes isolated speed spikes using a 3-fix sliding window
type SpikeCorrector struct {
	config *FilterConfig
	logger *utils.Logger
}

// NewSpikeCorrector creates a spike corrector
func NewSpikeCorrector(config *FilterConfig, logger *utils.Logger) *SpikeCorrector {
	if config == nil {
		config = DefaultFilterConfig()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &SpikeCorrector{
		config: config,
		logger: logger,
	}
}

// Name returns the filter name
func (c *SpikeCorrector) Name() string {
	return "spike_corrector"
}

// Apply corrects a whole stream. First and last fixes pass unmodified.
func (c *SpikeCorrector) Apply(points iter.Seq[models.GpsPoint]) iter.Seq[models.GpsPoint] {
	return func(yield func(models.GpsPoint) bool) {
		var w SpikeWindow
		for p := range points {
			if out, ok := c.Push(&w, p); ok {
				if !yield(out) {
					return
				}
			}
		}
		if out, ok := c.Flush(&w); ok {
			yield(out)
		}
	}
}

// Push feeds the next raw fix. It returns the fix that left the window, if any.
func (c *SpikeCorrector) Push(w *SpikeWindow, next models.GpsPoint) (models.GpsPoint, bool) {
	if w.Curr == nil {
		w.Curr = &next
		return models.GpsPoint{}, false
	}

	curr := *w.Curr
	out := curr
	if w.Prev != nil {
		out = c.correct(*w.Prev, curr, next)
	}

	w.Prev = &curr
	w.Curr = &next
	return out, true
}

// Flush emits the pending fix unmodified and resets the window
func (c *SpikeCorrector) Flush(w *SpikeWindow) (models.GpsPoint, bool) {
	if w.Curr == nil {
		return models.GpsPoint{}, false
	}
	out := *w.Curr
	w.Prev = nil
	w.Curr = nil
	return out, true
}

func (c *SpikeCorrector) correct(prev, curr, next models.GpsPoint) models.GpsPoint {
	switch {
	case isSpikeMovement(curr) && isSpikeStoppage(prev) && isSpikeStoppage(next):
		c.logger.WithField("entity_id", curr.EntityID).
			WithField("timestamp", curr.Timestamp).
			WithField("speed", curr.Speed).
			Debug("Zeroing lone movement fix between stoppages")
		curr.Speed = 0
		metrics.FilterCorrections.WithLabelValues("spike_zeroed").Inc()

	case isSpikeStoppage(curr) && isSpikeMovement(prev) && isSpikeMovement(next):
		avg := (prev.Speed + next.Speed) / 2
		if avg < c.config.SpikeSpeedFloor {
			avg = c.config.SpikeSpeedFloor
		}
		c.logger.WithField("entity_id", curr.EntityID).
			WithField("timestamp", curr.Timestamp).
			WithField("speed", avg).
			Debug("Restoring lone stoppage fix between movements")
		curr.Speed = avg
		metrics.FilterCorrections.WithLabelValues("spike_restored").Inc()
	}
	return curr
}

func isSpikeMovement(p models.GpsPoint) bool {
	return p.Status == models.StatusOn && p.Speed > 0
}

func isSpikeStoppage(p models.GpsPoint) bool {
	return p.Speed == 0
}
