package geo

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/internal/repository"
	"github.com/fieldops/trackengine/pkg/utils"
)

// ZoneCache is a read-through cache in front of a zone source. Concurrent
// misses for the same zone share one load.
type ZoneCache struct {
	source repository.ZoneSource
	cache  *LRUCache[*models.Polygon]
	group  singleflight.Group
	logger *utils.Logger
}

// NewZoneCache wraps source
func NewZoneCache(source repository.ZoneSource, cache *LRUCache[*models.Polygon], logger *utils.Logger) (*ZoneCache, error) {
	if source == nil {
		return nil, fmt.Errorf("zone source cannot be nil")
	}
	if cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &ZoneCache{
		source: source,
		cache:  cache,
		logger: logger,
	}, nil
}

// FetchZone returns the cached polygon or loads it. Loaded polygons are cached
// prepared for containment checks. Load errors are not cached.
func (z *ZoneCache) FetchZone(ctx context.Context, zoneID string) (*models.Polygon, error) {
	if p, ok := z.cache.Get(zoneID); ok {
		return p, nil
	}

	v, err, _ := z.group.Do(zoneID, func() (interface{}, error) {
		p, err := z.source.FetchZone(ctx, zoneID)
		if err != nil {
			return nil, err
		}
		p = p.Prepared()
		z.cache.Set(zoneID, p)
		z.logger.WithField("zone_id", zoneID).
			WithField("vertices", len(p.Ring)).
			Debug("Zone loaded into cache")
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Polygon), nil
}

// Invalidate drops a zone so the next fetch reloads it
func (z *ZoneCache) Invalidate(zoneID string) {
	z.cache.Delete(zoneID)
}

// Stats reports cache usage
func (z *ZoneCache) Stats() map[string]interface{} {
	hits, misses, hitRate := z.cache.Stats()
	return map[string]interface{}{
		"size":     z.cache.Size(),
		"hits":     hits,
		"misses":   misses,
		"hit_rate": hitRate,
	}
}

var _ repository.ZoneSource = (*ZoneCache)(nil)
