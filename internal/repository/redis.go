package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fieldops/trackengine/internal/config"
	"github.com/fieldops/trackengine/internal/filter"
	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/pkg/utils"
)

const (
	// Per-entity live state
	FilterPrefix  = "filter:"  // filter:{entity}
	SessionPrefix = "session:" // session:{entity}:{day}

	// Scheduled activities
	ActivityPrefix       = "activity:"          // activity:{id}
	ActiveActivitiesKey  = "activities:active"  // SET of non-terminal activity ids
	EntityActivityPrefix = "activities:entity:" // activities:entity:{entity}

	ActivityTTL = 7 * 24 * time.Hour

	defaultCASRetries = 5
)

// RedisStateStore keeps the live per-entity state: noise filter state,
// attendance sessions and activities. Every update is a WATCH/MULTI
// compare-and-swap.
type RedisStateStore struct {
	client  *redis.Client
	logger  *utils.Logger
	config  *config.RedisConfig
	retries int
}

// NewRedisStateStore connects to Redis
func NewRedisStateStore(cfg *config.RedisConfig, logger *utils.Logger) (*RedisStateStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.ConnMaxIdleTime = 30 * time.Minute
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	return NewRedisStateStoreWithClient(redis.NewClient(opt), cfg, logger)
}

// NewRedisStateStoreWithClient wraps an existing client
func NewRedisStateStoreWithClient(client *redis.Client, cfg *config.RedisConfig, logger *utils.Logger) (*RedisStateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	retries := cfg.CASRetries
	if retries <= 0 {
		retries = defaultCASRetries
	}

	return &RedisStateStore{
		client:  client,
		logger:  logger,
		config:  cfg,
		retries: retries,
	}, nil
}

// Ping checks the Redis connection
func (r *RedisStateStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		metrics.RedisConnectionStatus.Set(0)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisConnectionStatus.Set(1)
	return nil
}

// Close closes the Redis connection
func (r *RedisStateStore) Close() error {
	return r.client.Close()
}

// Client returns the underlying client
func (r *RedisStateStore) Client() *redis.Client {
	return r.client
}

func sessionKey(entityID, day string) string {
	return SessionPrefix + entityID + ":" + day
}

// LoadFilterState returns the stored filter state or ErrNotFound
func (r *RedisStateStore) LoadFilterState(ctx context.Context, entityID string) (*filter.State, error) {
	var st filter.State
	if err := r.getJSON(ctx, "load_filter_state", FilterPrefix+entityID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateFilterState applies fn to the entity's filter state atomically. A
// missing state is passed to fn as an empty one.
func (r *RedisStateStore) UpdateFilterState(ctx context.Context, entityID string, fn func(st *filter.State) error) (*filter.State, error) {
	next, err := updateJSON(ctx, r, "update_filter_state", FilterPrefix+entityID, r.config.StateTTL,
		func(current *filter.State) (*filter.State, error) {
			if current == nil {
				current = &filter.State{}
			}
			if err := fn(current); err != nil {
				return nil, err
			}
			return current, nil
		}, nil)
	if err != nil {
		return nil, r.conflict(err, "update_filter_state", entityID, "")
	}
	return next, nil
}

// LoadSession returns the stored session or ErrNotFound
func (r *RedisStateStore) LoadSession(ctx context.Context, entityID, day string) (*models.AttendanceSession, error) {
	var s models.AttendanceSession
	if err := r.getJSON(ctx, "load_session", sessionKey(entityID, day), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSession applies fn to the session of (entityID, day) and bumps its
// version. A nil result from fn leaves the stored session untouched.
func (r *RedisStateStore) UpdateSession(ctx context.Context, entityID, day string, fn SessionUpdateFunc) (*models.AttendanceSession, error) {
	var unchanged *models.AttendanceSession

	next, err := updateJSON(ctx, r, "update_session", sessionKey(entityID, day), r.config.StateTTL,
		func(current *models.AttendanceSession) (*models.AttendanceSession, error) {
			var version int64
			var input *models.AttendanceSession
			if current != nil {
				version = current.Version
				cp := *current
				input = &cp
			}
			next, err := fn(input)
			if err != nil {
				return nil, err
			}
			if next == nil {
				unchanged = current
				return nil, nil
			}
			next.EntityID = entityID
			next.Date = day
			next.Version = version + 1
			return next, nil
		}, nil)
	if err != nil {
		return nil, r.conflict(err, "update_session", entityID, day)
	}
	if next == nil {
		return unchanged, nil
	}
	return next, nil
}

// SaveActivity stores a new or rescheduled activity and indexes it
func (r *RedisStateStore) SaveActivity(ctx context.Context, act *models.Activity) error {
	if act == nil {
		return fmt.Errorf("activity cannot be nil")
	}

	start := time.Now()
	data, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("failed to marshal activity %s: %w", act.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, ActivityPrefix+act.ID, data, ActivityTTL)
	pipe.SAdd(ctx, EntityActivityPrefix+act.EntityID, act.ID)
	if act.Status.IsTerminal() {
		pipe.SRem(ctx, ActiveActivitiesKey, act.ID)
	} else {
		pipe.SAdd(ctx, ActiveActivitiesKey, act.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StoreOperationErrors.WithLabelValues("save_activity").Inc()
		return fmt.Errorf("failed to save activity %s: %w", act.ID, err)
	}

	metrics.StoreOperationDuration.WithLabelValues("save_activity").Observe(time.Since(start).Seconds())
	return nil
}

// LoadActivity returns the stored activity or ErrNotFound
func (r *RedisStateStore) LoadActivity(ctx context.Context, activityID string) (*models.Activity, error) {
	var act models.Activity
	if err := r.getJSON(ctx, "load_activity", ActivityPrefix+activityID, &act); err != nil {
		return nil, err
	}
	return &act, nil
}

// UpdateActivity applies fn to an existing activity and bumps its version.
// Activities reaching a terminal status leave the active index in the same
// transaction.
func (r *RedisStateStore) UpdateActivity(ctx context.Context, activityID string, fn func(act *models.Activity) error) (*models.Activity, error) {
	next, err := updateJSON(ctx, r, "update_activity", ActivityPrefix+activityID, ActivityTTL,
		func(current *models.Activity) (*models.Activity, error) {
			if current == nil {
				return nil, fmt.Errorf("activity %s: %w", activityID, ErrNotFound)
			}
			version := current.Version
			if err := fn(current); err != nil {
				return nil, err
			}
			current.Version = version + 1
			return current, nil
		},
		func(ctx context.Context, pipe redis.Pipeliner, next *models.Activity) {
			if next.Status.IsTerminal() {
				pipe.SRem(ctx, ActiveActivitiesKey, next.ID)
			}
		})
	if err != nil {
		return nil, r.conflict(err, "update_activity", activityID, "")
	}
	return next, nil
}

// ListActiveActivities returns the ids of all non-terminal activities, sorted
func (r *RedisStateStore) ListActiveActivities(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, ActiveActivitiesKey).Result()
	if err != nil {
		metrics.StoreOperationErrors.WithLabelValues("list_activities").Inc()
		return nil, fmt.Errorf("failed to list active activities: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// ListEntityActivities returns the ids of the entity's activities, sorted
func (r *RedisStateStore) ListEntityActivities(ctx context.Context, entityID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, EntityActivityPrefix+entityID).Result()
	if err != nil {
		metrics.StoreOperationErrors.WithLabelValues("list_entity_activities").Inc()
		return nil, fmt.Errorf("failed to list activities of %s: %w", entityID, err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *RedisStateStore) getJSON(ctx context.Context, op, key string, dst any) error {
	start := time.Now()
	defer func() {
		metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		metrics.StoreOperationErrors.WithLabelValues(op).Inc()
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		metrics.StoreOperationErrors.WithLabelValues(op).Inc()
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// conflict wraps a lost race into a ConflictError; other errors pass through
func (r *RedisStateStore) conflict(err error, op, entityID, day string) error {
	if !errors.Is(err, ErrConcurrentUpdate) {
		return err
	}
	r.logger.WithField("operation", op).
		WithField("entity_id", entityID).
		WithField("day", day).
		WithField("retries", r.retries).
		Warn("Optimistic update gave up after retries")
	return &ConflictError{Op: op, EntityID: entityID, Day: day, Err: err}
}

// updateJSON is a WATCH/MULTI read-modify-write of one JSON value. fn may be
// called once per attempt. A nil value from fn skips the write. extra queues
// additional commands into the same transaction.
func updateJSON[T any](
	ctx context.Context,
	r *RedisStateStore,
	op, key string,
	ttl time.Duration,
	fn func(current *T) (*T, error),
	extra func(ctx context.Context, pipe redis.Pipeliner, next *T),
) (*T, error) {
	start := time.Now()
	defer func() {
		metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	for attempt := 0; attempt < r.retries; attempt++ {
		var result *T

		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			var current *T
			raw, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return fmt.Errorf("failed to read %s: %w", key, err)
			default:
				current = new(T)
				if err := json.Unmarshal(raw, current); err != nil {
					return fmt.Errorf("failed to decode %s: %w", key, err)
				}
			}

			next, err := fn(current)
			if err != nil {
				return err
			}
			if next == nil {
				return nil
			}

			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", key, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, ttl)
				if extra != nil {
					extra(ctx, pipe, next)
				}
				return nil
			})
			if err == nil {
				result = next
			}
			return err
		}, key)

		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			metrics.StoreConflicts.WithLabelValues(op, "retried").Inc()
			r.logger.WithField("key", key).
				WithField("attempt", attempt+1).
				Debug("Optimistic update lost the race, retrying")
			continue
		}

		metrics.StoreOperationErrors.WithLabelValues(op).Inc()
		return nil, err
	}

	metrics.StoreConflicts.WithLabelValues(op, "failed").Inc()
	return nil, ErrConcurrentUpdate
}
