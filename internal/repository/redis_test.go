package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/fieldops/trackengine/internal/config"
	"github.com/fieldops/trackengine/internal/filter"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/pkg/utils"
)

// RedisStateStoreSuite runs the state store against an in-process Redis
type RedisStateStoreSuite struct {
	suite.Suite
	mr     *miniredis.Miniredis
	client *redis.Client
	store  *RedisStateStore
	ctx    context.Context
}

func (s *RedisStateStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.mr = miniredis.RunT(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})

	cfg := &config.RedisConfig{CASRetries: 3, StateTTL: time.Hour}
	store, err := NewRedisStateStoreWithClient(s.client, cfg, utils.NewNopLogger())
	require.NoError(s.T(), err)
	s.store = store
}

func (s *RedisStateStoreSuite) TearDownTest() {
	s.client.Close()
}

func (s *RedisStateStoreSuite) TestPing() {
	assert.NoError(s.T(), s.store.Ping(s.ctx))
}

func (s *RedisStateStoreSuite) TestLoadSession_NotFound() {
	_, err := s.store.LoadSession(s.ctx, "wrk-1", "2024-05-06")
	assert.ErrorIs(s.T(), err, ErrNotFound)
}

func (s *RedisStateStoreSuite) TestUpdateSession_CreateAndBumpVersion() {
	t := s.T()

	created, err := s.store.UpdateSession(s.ctx, "wrk-1", "2024-05-06", func(current *models.AttendanceSession) (*models.AttendanceSession, error) {
		assert.Nil(t, current)
		return &models.AttendanceSession{ID: "sess-1", Status: models.SessionPending}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, "wrk-1", created.EntityID)
	assert.Equal(t, "2024-05-06", created.Date)

	updated, err := s.store.UpdateSession(s.ctx, "wrk-1", "2024-05-06", func(current *models.AttendanceSession) (*models.AttendanceSession, error) {
		require.NotNil(t, current)
		assert.Equal(t, int64(1), current.Version)
		current.Status = models.SessionInProgress
		current.InZoneTime = 2*time.Minute + 500*time.Millisecond
		return current, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	loaded, err := s.store.LoadSession(s.ctx, "wrk-1", "2024-05-06")
	require.NoError(t, err)
	assert.Equal(t, models.SessionInProgress, loaded.Status)
	assert.Equal(t, 2*time.Minute+500*time.Millisecond, loaded.InZoneTime)
	assert.Equal(t, "sess-1", loaded.ID)

	assert.Equal(t, time.Hour, s.mr.TTL(sessionKey("wrk-1", "2024-05-06")))
}

func (s *RedisStateStoreSuite) TestUpdateSession_ErrorWritesNothing() {
	boom := errors.New("boom")
	_, err := s.store.UpdateSession(s.ctx, "wrk-1", "2024-05-06", func(*models.AttendanceSession) (*models.AttendanceSession, error) {
		return nil, boom
	})
	assert.ErrorIs(s.T(), err, boom)
	assert.False(s.T(), s.mr.Exists(sessionKey("wrk-1", "2024-05-06")))
}

func (s *RedisStateStoreSuite) TestUpdateSession_NilResultKeepsStored() {
	t := s.T()
	_, err := s.store.UpdateSession(s.ctx, "wrk-1", "2024-05-06", func(*models.AttendanceSession) (*models.AttendanceSession, error) {
		return &models.AttendanceSession{ID: "sess-1", Status: models.SessionPending}, nil
	})
	require.NoError(t, err)

	got, err := s.store.UpdateSession(s.ctx, "wrk-1", "2024-05-06", func(*models.AttendanceSession) (*models.AttendanceSession, error) {
		return nil, nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Version)
}

func (s *RedisStateStoreSuite) TestUpdateSession_RetriesAfterConcurrentWrite() {
	t := s.T()
	key := sessionKey("wrk-1", "2024-05-06")
	rival, _ := json.Marshal(models.AttendanceSession{ID: "rival", Status: models.SessionInProgress, Version: 7})

	attempts := 0
	got, err := s.store.UpdateSession(s.ctx, "wrk-1", "2024-05-06", func(current *models.AttendanceSession) (*models.AttendanceSession, error) {
		attempts++
		if attempts == 1 {
			require.NoError(t, s.client.Set(s.ctx, key, rival, 0).Err())
			return &models.AttendanceSession{ID: "mine"}, nil
		}
		return current, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "rival", got.ID)
	assert.Equal(t, int64(8), got.Version)
}

func (s *RedisStateStoreSuite) TestUpdateSession_ConflictAfterRetries() {
	t := s.T()
	key := sessionKey("wrk-1", "2024-05-06")

	attempts := 0
	_, err := s.store.UpdateSession(s.ctx, "wrk-1", "2024-05-06", func(*models.AttendanceSession) (*models.AttendanceSession, error) {
		attempts++
		rival, _ := json.Marshal(models.AttendanceSession{ID: "rival", Version: int64(attempts)})
		require.NoError(t, s.client.Set(s.ctx, key, rival, 0).Err())
		return &models.AttendanceSession{ID: "mine"}, nil
	})

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "wrk-1", conflict.EntityID)
	assert.Equal(t, "2024-05-06", conflict.Day)
	assert.Equal(t, "update_session", conflict.Op)
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.Equal(t, 3, attempts)

	stored, err := s.store.LoadSession(s.ctx, "wrk-1", "2024-05-06")
	require.NoError(t, err)
	assert.Equal(t, "rival", stored.ID, "losing update is not applied")
}

func (s *RedisStateStoreSuite) TestFilterState() {
	t := s.T()

	_, err := s.store.LoadFilterState(s.ctx, "veh-1")
	assert.ErrorIs(t, err, ErrNotFound)

	last := models.GpsPoint{EntityID: "veh-1", Latitude: 50, Longitude: 30, Speed: 12}
	_, err = s.store.UpdateFilterState(s.ctx, "veh-1", func(st *filter.State) error {
		assert.False(t, st.Smoother.Initialized)
		st.Smoother.Initialized = true
		st.Smoother.Lat = 50
		st.Last = &last
		return nil
	})
	require.NoError(t, err)

	st, err := s.store.LoadFilterState(s.ctx, "veh-1")
	require.NoError(t, err)
	assert.True(t, st.Smoother.Initialized)
	require.NotNil(t, st.Last)
	assert.Equal(t, 12.0, st.Last.Speed)
}

func (s *RedisStateStoreSuite) TestActivityLifecycle() {
	t := s.T()
	start := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	act := &models.Activity{
		ID:          "act-1",
		EntityID:    "veh-1",
		ZoneID:      "field-7",
		WindowStart: start,
		WindowEnd:   start.Add(8 * time.Hour),
		Status:      models.ActivityNotStarted,
	}
	require.NoError(t, s.store.SaveActivity(s.ctx, act))

	active, err := s.store.ListActiveActivities(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"act-1"}, active)

	ids, err := s.store.ListEntityActivities(s.ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"act-1"}, ids)

	updated, err := s.store.UpdateActivity(s.ctx, "act-1", func(a *models.Activity) error {
		a.Status = models.ActivityFinished
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)

	active, err = s.store.ListActiveActivities(s.ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	loaded, err := s.store.LoadActivity(s.ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, models.ActivityFinished, loaded.Status)
	assert.Equal(t, start, loaded.WindowStart)
}

func (s *RedisStateStoreSuite) TestUpdateActivity_NotFound() {
	called := false
	_, err := s.store.UpdateActivity(s.ctx, "missing", func(*models.Activity) error {
		called = true
		return nil
	})
	assert.ErrorIs(s.T(), err, ErrNotFound)
	assert.False(s.T(), called)
}

func TestRedisStateStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStateStoreSuite))
}

func TestNewRedisStateStore_Validation(t *testing.T) {
	_, err := NewRedisStateStore(nil, utils.NewNopLogger())
	assert.Error(t, err)

	_, err = NewRedisStateStore(&config.RedisConfig{URL: "redis://localhost:6379"}, nil)
	assert.Error(t, err)

	_, err = NewRedisStateStore(&config.RedisConfig{URL: "://bad"}, utils.NewNopLogger())
	assert.Error(t, err)
}

func TestNewRedisStateStoreWithClient_Validation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cfg := &config.RedisConfig{CASRetries: 3}

	_, err := NewRedisStateStoreWithClient(nil, cfg, utils.NewNopLogger())
	assert.Error(t, err)

	_, err = NewRedisStateStoreWithClient(client, nil, utils.NewNopLogger())
	assert.Error(t, err)

	_, err = NewRedisStateStoreWithClient(client, cfg, nil)
	assert.ErrorContains(t, err, "logger cannot be nil")

	store, err := NewRedisStateStoreWithClient(client, cfg, utils.NewNopLogger())
	require.NoError(t, err)
	assert.NoError(t, store.Ping(context.Background()))
}
