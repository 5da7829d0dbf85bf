package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/trackengine/internal/config"
	"github.com/fieldops/trackengine/internal/filter"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/internal/presence"
	"github.com/fieldops/trackengine/internal/repository"
	"github.com/fieldops/trackengine/pkg/utils"
)

var t0 = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

type zoneMap map[string]*models.Polygon

func (z zoneMap) FetchZone(_ context.Context, zoneID string) (*models.Polygon, error) {
	if p, ok := z[zoneID]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("zone %s: %w", zoneID, repository.ErrNotFound)
}

var farm = &models.Polygon{
	ID: "farm-1",
	Ring: []models.GeoPoint{
		{Latitude: 49.99, Longitude: 29.99},
		{Latitude: 49.99, Longitude: 30.01},
		{Latitude: 50.01, Longitude: 30.01},
		{Latitude: 50.01, Longitude: 29.99},
	},
}

type directory struct {
	entities map[string]models.Entity
	active   []string
}

func (d *directory) LoadEntity(_ context.Context, entityID string) (*models.Entity, error) {
	if e, ok := d.entities[entityID]; ok {
		return &e, nil
	}
	return nil, repository.ErrNotFound
}

func (d *directory) ListEntities(context.Context) ([]models.Entity, error) {
	out := make([]models.Entity, 0, len(d.entities))
	for _, e := range d.entities {
		out = append(out, e)
	}
	return out, nil
}

func (d *directory) ListActiveEntities(context.Context, time.Time, time.Time) ([]string, error) {
	return d.active, nil
}

type recordingQueue struct {
	mu     sync.Mutex
	points []models.GpsPoint
}

func (q *recordingQueue) Queue(p models.GpsPoint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.points = append(q.points, p)
	return nil
}

func (q *recordingQueue) ObserveFix(_ context.Context, p models.GpsPoint) error {
	return q.Queue(p)
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.points)
}

type ingestFixture struct {
	ingestor   *Ingestor
	store      *repository.RedisStateStore
	dispatcher *Dispatcher
	history    *recordingQueue
	activities *recordingQueue
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := repository.NewRedisStateStoreWithClient(client, &config.RedisConfig{CASRetries: 3}, utils.NewNopLogger())
	require.NoError(t, err)

	tracker, err := presence.NewTracker[models.Entity](store, zoneMap{"farm-1": farm}, nil, nil)
	require.NoError(t, err)

	f := &ingestFixture{
		store:      store,
		dispatcher: NewDispatcher(2, 64, nil),
		history:    &recordingQueue{},
		activities: &recordingQueue{},
	}

	f.ingestor, err = NewIngestor(IngestorDeps{
		Pipeline:     filter.NewPipeline(nil, nil),
		FilterStates: store,
		Entities: &directory{entities: map[string]models.Entity{
			"wrk-1": {ID: "wrk-1", Kind: models.KindWorker, FarmZoneID: "farm-1"},
			"veh-9": {ID: "veh-9", Kind: models.KindVehicle},
		}},
		Tracker:    tracker,
		Dispatcher: f.dispatcher,
		History:    f.history,
		Activities: f.activities,
	}, time.Second, nil)
	require.NoError(t, err)
	return f
}

func workerFix(entityID string, minute int) models.GpsPoint {
	return models.GpsPoint{
		EntityID:  entityID,
		Latitude:  50.0,
		Longitude: 30.0,
		Timestamp: t0.Add(time.Duration(minute) * time.Minute),
		Speed:     0,
		Status:    models.StatusOn,
	}
}

func TestIngestor_ProcessFeedsPresence(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)

	for _, minute := range []int{0, 10, 20} {
		require.NoError(t, f.ingestor.Process(ctx, workerFix("wrk-1", minute)))
	}

	assert.Equal(t, 3, f.history.len(), "every raw fix goes to history")
	assert.Equal(t, 2, f.activities.len(), "cleaned output lags by one fix")

	session, err := f.store.LoadSession(ctx, "wrk-1", "2024-05-06")
	require.NoError(t, err)
	assert.Equal(t, models.SessionInProgress, session.Status)
	require.NotNil(t, session.EntryTime)
	assert.Equal(t, t0, *session.EntryTime)
	assert.Equal(t, int64(10), session.TotalInZoneDurationMin)

	st, err := f.store.LoadFilterState(ctx, "wrk-1")
	require.NoError(t, err)
	require.NotNil(t, st.Newest())
	assert.Equal(t, t0.Add(20*time.Minute), st.Newest().Timestamp)
}

func TestIngestor_RejectsStaleFix(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)

	require.NoError(t, f.ingestor.Process(ctx, workerFix("wrk-1", 10)))
	err := f.ingestor.Process(ctx, workerFix("wrk-1", 5))
	assert.ErrorIs(t, err, ErrStaleFix)
	assert.Equal(t, 1, f.history.len())

	// equal timestamps are accepted
	assert.NoError(t, f.ingestor.Process(ctx, workerFix("wrk-1", 10)))
}

func TestIngestor_EntitiesWithoutPresence(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)

	for _, id := range []string{"veh-9", "unknown-3"} {
		require.NoError(t, f.ingestor.Process(ctx, workerFix(id, 0)))
		require.NoError(t, f.ingestor.Process(ctx, workerFix(id, 1)))

		_, err := f.store.LoadSession(ctx, id, "2024-05-06")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	}
	assert.Equal(t, 2, f.activities.len())
}

func TestIngestor_SubmitRunsOnShards(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	f.dispatcher.Start(ctx)

	for _, minute := range []int{0, 10, 20} {
		require.NoError(t, f.ingestor.Submit(workerFix("wrk-1", minute)))
	}
	assert.Error(t, f.ingestor.Submit(models.GpsPoint{}))
	f.dispatcher.Stop()

	session, err := f.store.LoadSession(ctx, "wrk-1", "2024-05-06")
	require.NoError(t, err)
	assert.Equal(t, int64(10), session.TotalInZoneDurationMin)
}

func TestNewIngestor_Validation(t *testing.T) {
	_, err := NewIngestor(IngestorDeps{}, 0, nil)
	assert.Error(t, err)
}
