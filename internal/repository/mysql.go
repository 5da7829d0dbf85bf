package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/fieldops/trackengine/internal/config"
	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/pkg/utils"
)

// MySQLRepository holds fix history, zone boundaries, the entity directory and
// analysis results
type MySQLRepository struct {
	db     *sql.DB
	logger *utils.Logger
	config *config.MySQLConfig
}

// NewMySQLRepository opens the MySQL pool
func NewMySQLRepository(cfg *config.MySQLConfig, logger *utils.Logger) (*MySQLRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mysql config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql DSN is required")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	return NewMySQLRepositoryWithDB(db, cfg, logger), nil
}

// NewMySQLRepositoryWithDB wraps an existing pool
func NewMySQLRepositoryWithDB(db *sql.DB, cfg *config.MySQLConfig, logger *utils.Logger) *MySQLRepository {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &MySQLRepository{
		db:     db,
		logger: logger,
		config: cfg,
	}
}

// Ping checks the MySQL connection
func (r *MySQLRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		metrics.MySQLConnectionStatus.Set(0)
		return err
	}
	metrics.MySQLConnectionStatus.Set(1)
	return nil
}

// Close closes the pool
func (r *MySQLRepository) Close() error {
	return r.db.Close()
}

const fetchPointsQuery = `
	SELECT latitude, longitude, speed, status, recorded_at
	FROM gps_fix
	WHERE entity_id = ? AND recorded_at BETWEEN ? AND ?
	ORDER BY recorded_at, id`

// FetchPoints streams the entity's fixes in [from, to] straight from the
// cursor. NULL coordinates come through as NaN so the noise filter replaces
// them instead of the row being lost.
func (r *MySQLRepository) FetchPoints(ctx context.Context, entityID string, from, to time.Time) iter.Seq2[models.GpsPoint, error] {
	return func(yield func(models.GpsPoint, error) bool) {
		start := time.Now()
		defer func() {
			metrics.StoreOperationDuration.WithLabelValues("fetch_points").Observe(time.Since(start).Seconds())
		}()

		rows, err := r.db.QueryContext(ctx, fetchPointsQuery, entityID, from, to)
		if err != nil {
			metrics.StoreOperationErrors.WithLabelValues("fetch_points").Inc()
			yield(models.GpsPoint{}, fmt.Errorf("failed to query fixes of %s: %w", entityID, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				lat, lon sql.NullFloat64
				speed    float64
				status   int
				ts       time.Time
			)
			if err := rows.Scan(&lat, &lon, &speed, &status, &ts); err != nil {
				metrics.StoreOperationErrors.WithLabelValues("fetch_points").Inc()
				yield(models.GpsPoint{}, fmt.Errorf("failed to scan fix of %s: %w", entityID, err))
				return
			}

			p := models.GpsPoint{
				EntityID:  entityID,
				Latitude:  math.NaN(),
				Longitude: math.NaN(),
				Timestamp: ts,
				Speed:     math.Max(speed, 0),
				Status:    models.DeviceStatus(status),
			}
			if lat.Valid && lon.Valid {
				p.Latitude, p.Longitude = lat.Float64, lon.Float64
			}
			if !yield(p, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			metrics.StoreOperationErrors.WithLabelValues("fetch_points").Inc()
			yield(models.GpsPoint{}, fmt.Errorf("error iterating fixes of %s: %w", entityID, err))
		}
	}
}

// FetchZone loads a zone polygon with its vertices in ring order
func (r *MySQLRepository) FetchZone(ctx context.Context, zoneID string) (*models.Polygon, error) {
	query := `
		SELECT z.name, v.latitude, v.longitude
		FROM zone z
		INNER JOIN zone_vertex v ON v.zone_id = z.id
		WHERE z.id = ?
		ORDER BY v.seq`

	rows, err := r.db.QueryContext(ctx, query, zoneID)
	if err != nil {
		metrics.StoreOperationErrors.WithLabelValues("fetch_zone").Inc()
		return nil, fmt.Errorf("failed to query zone %s: %w", zoneID, err)
	}
	defer rows.Close()

	polygon := &models.Polygon{ID: zoneID}
	for rows.Next() {
		var v models.GeoPoint
		if err := rows.Scan(&polygon.Name, &v.Latitude, &v.Longitude); err != nil {
			return nil, fmt.Errorf("failed to scan zone vertex: %w", err)
		}
		polygon.Ring = append(polygon.Ring, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating zone vertices: %w", err)
	}
	if len(polygon.Ring) == 0 {
		return nil, fmt.Errorf("zone %s: %w", zoneID, ErrNotFound)
	}

	return polygon, nil
}

// LoadEntity returns a directory record
func (r *MySQLRepository) LoadEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	var (
		e    models.Entity
		kind string
		zone sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, kind, farm_zone_id FROM entity WHERE id = ?`, entityID,
	).Scan(&e.ID, &kind, &zone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", entityID, err)
	}
	e.Kind = models.EntityKind(kind)
	e.FarmZoneID = zone.String
	return &e, nil
}

// ListEntities returns the whole directory
func (r *MySQLRepository) ListEntities(ctx context.Context) ([]models.Entity, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, kind, farm_zone_id FROM entity ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []models.Entity
	for rows.Next() {
		var (
			e    models.Entity
			kind string
			zone sql.NullString
		)
		if err := rows.Scan(&e.ID, &kind, &zone); err != nil {
			r.logger.WithField("error", err).Warn("Failed to scan entity row")
			continue
		}
		e.Kind = models.EntityKind(kind)
		e.FarmZoneID = zone.String
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity rows: %w", err)
	}
	return entities, nil
}

// ListActiveEntities returns the ids of entities with fixes in [from, to]
func (r *MySQLRepository) ListActiveEntities(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT entity_id FROM gps_fix WHERE recorded_at BETWEEN ? AND ? ORDER BY entity_id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query active entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity ids: %w", err)
	}
	return ids, nil
}

const upsertAggregateQuery = `
	INSERT INTO daily_aggregate (
		entity_id, day, zone_id, movement_distance_km, movement_duration_sec,
		stoppage_duration_sec, stoppage_on_sec, stoppage_off_sec, stoppage_count,
		device_on_time, first_movement_time, average_speed, max_speed,
		latest_status, point_count, updated_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON DUPLICATE KEY UPDATE
		movement_distance_km = VALUES(movement_distance_km),
		movement_duration_sec = VALUES(movement_duration_sec),
		stoppage_duration_sec = VALUES(stoppage_duration_sec),
		stoppage_on_sec = VALUES(stoppage_on_sec),
		stoppage_off_sec = VALUES(stoppage_off_sec),
		stoppage_count = VALUES(stoppage_count),
		device_on_time = VALUES(device_on_time),
		first_movement_time = VALUES(first_movement_time),
		average_speed = VALUES(average_speed),
		max_speed = VALUES(max_speed),
		latest_status = VALUES(latest_status),
		point_count = VALUES(point_count),
		updated_at = VALUES(updated_at)`

// SaveAggregate replaces the stored aggregate and stoppage list of
// (entity, day, zone) in one transaction
func (r *MySQLRepository) SaveAggregate(ctx context.Context, day, zoneID string, m *models.AggregatedMetrics) error {
	if m == nil {
		return fmt.Errorf("aggregate cannot be nil")
	}
	if m.EntityID == "" {
		return fmt.Errorf("aggregate has no entity id")
	}

	start := time.Now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin aggregate transaction: %w", err)
	}
	defer tx.Rollback()

	var latest sql.NullInt64
	if m.LatestStatus != nil {
		latest = sql.NullInt64{Int64: int64(*m.LatestStatus), Valid: true}
	}

	_, err = tx.ExecContext(ctx, upsertAggregateQuery,
		m.EntityID, day, zoneID, m.MovementDistanceKm, m.MovementDurationSec,
		m.StoppageDurationSec, m.StoppageDurationWhileOn, m.StoppageDurationWhileOff, m.StoppageCount,
		nullTime(m.DeviceOnTime), nullTime(m.FirstMovementTime), m.AverageSpeed, m.MaxSpeed,
		latest, m.PointCount, time.Now().UTC(),
	)
	if err != nil {
		metrics.StoreOperationErrors.WithLabelValues("save_aggregate").Inc()
		return fmt.Errorf("failed to upsert aggregate: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM stoppage_interval WHERE entity_id = ? AND day = ? AND zone_id = ?`,
		m.EntityID, day, zoneID)
	if err != nil {
		return fmt.Errorf("failed to clear stoppages: %w", err)
	}

	if len(m.Stoppages) > 0 {
		query := `
			INSERT INTO stoppage_interval (
				entity_id, day, zone_id, start_time, end_time, duration_sec,
				on_sec, off_sec, latitude, longitude, geohash, ignored
			) VALUES ` + generatePlaceholders(len(m.Stoppages), 12)

		args := make([]interface{}, 0, len(m.Stoppages)*12)
		for _, s := range m.Stoppages {
			args = append(args,
				m.EntityID, day, zoneID, s.StartTime, s.EndTime, s.DurationSeconds,
				s.DurationWhileOn, s.DurationWhileOff, s.Location.Latitude, s.Location.Longitude,
				s.Geohash, s.Ignored)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert stoppages: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit aggregate transaction: %w", err)
	}

	metrics.StoreOperationDuration.WithLabelValues("save_aggregate").Observe(time.Since(start).Seconds())
	r.logger.WithField("entity_id", m.EntityID).
		WithField("day", day).
		WithField("zone_id", zoneID).
		WithField("stoppages", len(m.Stoppages)).
		Debug("Saved aggregate to MySQL")
	return nil
}

// LoadAggregate returns the stored aggregate with its stoppage list
func (r *MySQLRepository) LoadAggregate(ctx context.Context, entityID, day, zoneID string) (*models.AggregatedMetrics, error) {
	query := `
		SELECT movement_distance_km, movement_duration_sec, stoppage_duration_sec,
			stoppage_on_sec, stoppage_off_sec, stoppage_count, device_on_time,
			first_movement_time, average_speed, max_speed, latest_status, point_count
		FROM daily_aggregate
		WHERE entity_id = ? AND day = ? AND zone_id = ?`

	m := &models.AggregatedMetrics{EntityID: entityID}
	var (
		deviceOn, firstMove sql.NullTime
		latest              sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, query, entityID, day, zoneID).Scan(
		&m.MovementDistanceKm, &m.MovementDurationSec, &m.StoppageDurationSec,
		&m.StoppageDurationWhileOn, &m.StoppageDurationWhileOff, &m.StoppageCount, &deviceOn,
		&firstMove, &m.AverageSpeed, &m.MaxSpeed, &latest, &m.PointCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("aggregate %s/%s: %w", entityID, day, ErrNotFound)
	}
	if err != nil {
		metrics.StoreOperationErrors.WithLabelValues("load_aggregate").Inc()
		return nil, fmt.Errorf("failed to load aggregate: %w", err)
	}
	if deviceOn.Valid {
		m.DeviceOnTime = &deviceOn.Time
	}
	if firstMove.Valid {
		m.FirstMovementTime = &firstMove.Time
	}
	if latest.Valid {
		status := models.DeviceStatus(latest.Int64)
		m.LatestStatus = &status
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT start_time, end_time, duration_sec, on_sec, off_sec, latitude, longitude, geohash, ignored
		FROM stoppage_interval
		WHERE entity_id = ? AND day = ? AND zone_id = ?
		ORDER BY start_time`, entityID, day, zoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stoppages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s models.StoppageInterval
		if err := rows.Scan(&s.StartTime, &s.EndTime, &s.DurationSeconds, &s.DurationWhileOn,
			&s.DurationWhileOff, &s.Location.Latitude, &s.Location.Longitude, &s.Geohash, &s.Ignored); err != nil {
			return nil, fmt.Errorf("failed to scan stoppage: %w", err)
		}
		m.Stoppages = append(m.Stoppages, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stoppages: %w", err)
	}

	return m, nil
}

// SavePointsBatch appends raw fixes to history with one multi-row insert.
// Fixes without usable coordinates are skipped.
func (r *MySQLRepository) SavePointsBatch(ctx context.Context, points []models.GpsPoint) error {
	if len(points) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(points)*6)
	valid := 0
	for _, p := range points {
		if p.IsMalformed() {
			r.logger.WithField("entity_id", p.EntityID).
				WithField("timestamp", p.Timestamp).
				Warn("Fix has invalid coordinates, skipping history write")
			continue
		}
		args = append(args, p.EntityID, p.Latitude, p.Longitude, p.Speed, int(p.Status), p.Timestamp.UTC())
		valid++
	}
	if valid == 0 {
		r.logger.Warn("No valid fixes to save in batch")
		return nil
	}

	query := `
		INSERT INTO gps_fix (entity_id, latitude, longitude, speed, status, recorded_at)
		VALUES ` + generatePlaceholders(valid, 6)

	start := time.Now()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		metrics.StoreOperationErrors.WithLabelValues("save_points_batch").Inc()
		return fmt.Errorf("failed to batch insert fixes: %w", err)
	}
	metrics.StoreOperationDuration.WithLabelValues("save_points_batch").Observe(time.Since(start).Seconds())

	r.logger.WithField("count", valid).Debug("Saved fix batch to MySQL")
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// generatePlaceholders builds "(?,?),(?,?)" for a multi-row insert
func generatePlaceholders(count, fieldsPerRecord int) string {
	if count == 0 {
		return ""
	}

	singleRecord := "(" + strings.Repeat("?,", fieldsPerRecord-1) + "?)"

	placeholders := make([]string, count)
	for i := 0; i < count; i++ {
		placeholders[i] = singleRecord
	}

	return strings.Join(placeholders, ",")
}
