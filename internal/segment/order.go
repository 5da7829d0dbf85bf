package segment

import (
	"errors"
	"fmt"
	"iter"

	"github.com/fieldops/trackengine/internal/models"
)

// ErrOutOfOrder is returned when a fix is older than its predecessor
var ErrOutOfOrder = errors.New("fix out of chronological order")

// CheckOrdered returns an error wrapping ErrOutOfOrder at the first fix whose
// timestamp goes backwards. Equal timestamps are allowed.
func CheckOrdered(points []models.GpsPoint) error {
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp.Before(points[i-1].Timestamp) {
			return fmt.Errorf("index %d at %s after %s: %w",
				i, points[i].Timestamp.Format("15:04:05"), points[i-1].Timestamp.Format("15:04:05"), ErrOutOfOrder)
		}
	}
	return nil
}

// Ordered drops fixes older than the last accepted one and reports each of
// them to reject. Nothing is reordered.
func Ordered(points iter.Seq[models.GpsPoint], reject func(models.GpsPoint)) iter.Seq[models.GpsPoint] {
	return func(yield func(models.GpsPoint) bool) {
		var last *models.GpsPoint
		for p := range points {
			if last != nil && p.Timestamp.Before(last.Timestamp) {
				if reject != nil {
					reject(p)
				}
				continue
			}
			if !yield(p) {
				return
			}
			last = &p
		}
	}
}
