package presence

import (
	"fmt"
	"time"

	"github.com/fieldops/trackengine/internal/config"
	"github.com/fieldops/trackengine/internal/models"
)

// AnchorPolicy selects the time an exit gap is measured from
type AnchorPolicy string

const (
	// AnchorEntry measures from the session entry time
	AnchorEntry AnchorPolicy = "entry"
	// AnchorLastInZone measures from the last in-zone observation
	AnchorLastInZone AnchorPolicy = "last_in_zone"
)

// Config holds the hysteresis settings
type Config struct {
	ExitGrace time.Duration
	Anchor    AnchorPolicy
	Location  *time.Location
}

// DefaultConfig returns a 30 minute grace measured from entry, days in UTC
func DefaultConfig() *Config {
	return &Config{
		ExitGrace: 30 * time.Minute,
		Anchor:    AnchorEntry,
		Location:  time.UTC,
	}
}

// FromConfig builds a Config from the application config
func FromConfig(cfg config.PresenceConfig) (*Config, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid presence timezone %q: %w", cfg.Timezone, err)
	}

	anchor := AnchorPolicy(cfg.AnchorPolicy)
	switch anchor {
	case AnchorEntry, AnchorLastInZone:
	case "":
		anchor = AnchorEntry
	default:
		return nil, fmt.Errorf("unknown presence anchor policy %q", cfg.AnchorPolicy)
	}

	return &Config{
		ExitGrace: cfg.ExitGrace,
		Anchor:    anchor,
		Location:  loc,
	}, nil
}

// Apply folds one containment observation into the session and returns the
// updated copy. It has no side effects.
func Apply(s models.AttendanceSession, inside bool, at time.Time, cfg *Config) models.AttendanceSession {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if s.Status == "" {
		s.Status = models.SessionPending
	}

	if s.LastObservedAt != nil {
		if elapsed := at.Sub(*s.LastObservedAt); elapsed > 0 {
			if inside {
				s.InZoneTime += elapsed
			} else {
				s.OutZoneTime += elapsed
			}
		}
	}
	if s.LastObservedAt == nil || at.After(*s.LastObservedAt) {
		ts := at
		s.LastObservedAt = &ts
	}
	s.TotalInZoneDurationMin = int64(s.InZoneTime / time.Minute)
	s.TotalOutZoneDurationMin = int64(s.OutZoneTime / time.Minute)

	if s.Status == models.SessionCompleted {
		return s
	}

	if inside {
		ts := at
		s.LastInZoneAt = &ts
		if s.EntryTime == nil || isMidnightPlaceholder(*s.EntryTime, cfg.Location) {
			s.EntryTime = &ts
			s.Status = models.SessionInProgress
		}
		return s
	}

	if s.Status == models.SessionInProgress {
		anchor := s.EntryTime
		if cfg.Anchor == AnchorLastInZone && s.LastInZoneAt != nil {
			anchor = s.LastInZoneAt
		}
		if anchor != nil && at.Sub(*anchor) >= cfg.ExitGrace {
			ts := at
			s.ExitTime = &ts
			s.Status = models.SessionCompleted
		}
	}
	return s
}

// isMidnightPlaceholder reports an entry time that was seeded as 00:00 by a
// bulk import rather than observed
func isMidnightPlaceholder(t time.Time, loc *time.Location) bool {
	return t.Equal(models.StartOfDay(t, loc))
}
