package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/internal/repository"
	"github.com/fieldops/trackengine/pkg/utils"
)

const dayLayout = "2006-01-02"

// AggregateReader reads stored analysis results
type AggregateReader interface {
	LoadAggregate(ctx context.Context, entityID, day, zoneID string) (*models.AggregatedMetrics, error)
}

// SessionReader reads attendance sessions
type SessionReader interface {
	LoadSession(ctx context.Context, entityID, day string) (*models.AttendanceSession, error)
}

// ActivityReader reads scheduled activities
type ActivityReader interface {
	LoadActivity(ctx context.Context, activityID string) (*models.Activity, error)
}

// ActivityScheduler schedules and re-evaluates activities
type ActivityScheduler interface {
	Schedule(ctx context.Context, act *models.Activity) error
	Evaluate(ctx context.Context, activityID string) (*models.ActivityStatus, error)
}

// DayAnalyzer recomputes the metrics of one entity-day
type DayAnalyzer interface {
	AnalyzeDay(ctx context.Context, entityID string, day time.Time, zoneID string) (*models.AggregatedMetrics, error)
}

// RESTDeps are the read and command sides used by the REST API
type RESTDeps struct {
	Aggregates AggregateReader
	Sessions   SessionReader
	Activities ActivityReader
	Scheduler  ActivityScheduler
	Analyzer   DayAnalyzer
}

// RESTHandler serves the REST API endpoints
type RESTHandler struct {
	deps     RESTDeps
	location *time.Location
	logger   *utils.Logger
	timeout  time.Duration
}

// NewRESTHandler creates a new REST handler. loc is used to interpret day parameters.
func NewRESTHandler(deps RESTDeps, loc *time.Location, logger *utils.Logger) *RESTHandler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &RESTHandler{
		deps:     deps,
		location: loc,
		logger:   logger,
		timeout:  30 * time.Second,
	}
}

// GetAggregate returns the stored metrics of an entity-day
// GET /api/v1/aggregates/:entity/:day?zone=field-7
func (h *RESTHandler) GetAggregate(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	entityID := c.Param("entity")
	day, ok := h.parseDay(c)
	if !ok {
		return
	}
	zoneID := c.Query("zone")

	m, err := h.deps.Aggregates.LoadAggregate(ctx, entityID, day.Format(dayLayout), zoneID)
	if err != nil {
		h.storeError(c, err, "aggregate", entityID)
		return
	}

	c.JSON(http.StatusOK, aggregateResponse(entityID, day, zoneID, m))
}

// GetSession returns the attendance session of an entity-day
// GET /api/v1/sessions/:entity/:day
func (h *RESTHandler) GetSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	entityID := c.Param("entity")
	day, ok := h.parseDay(c)
	if !ok {
		return
	}

	s, err := h.deps.Sessions.LoadSession(ctx, entityID, day.Format(dayLayout))
	if err != nil {
		h.storeError(c, err, "session", entityID)
		return
	}

	c.JSON(http.StatusOK, s)
}

// GetActivity returns a scheduled activity
// GET /api/v1/activities/:id
func (h *RESTHandler) GetActivity(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	id := c.Param("id")
	act, err := h.deps.Activities.LoadActivity(ctx, id)
	if err != nil {
		h.storeError(c, err, "activity", id)
		return
	}

	c.JSON(http.StatusOK, act)
}

// scheduleRequest is the body of POST /api/v1/activities
type scheduleRequest struct {
	ID          string    `json:"id" binding:"required"`
	EntityID    string    `json:"entity_id" binding:"required"`
	ZoneID      string    `json:"zone_id" binding:"required"`
	WindowStart time.Time `json:"window_start" binding:"required"`
	WindowEnd   time.Time `json:"window_end" binding:"required"`
}

// PostActivity schedules a new activity
// POST /api/v1/activities
func (h *RESTHandler) PostActivity(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.WindowStart.Equal(req.WindowEnd) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_window",
			"message": "Activity window cannot be empty",
		})
		return
	}

	act := &models.Activity{
		ID:          req.ID,
		EntityID:    req.EntityID,
		ZoneID:      req.ZoneID,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
	}
	if err := h.deps.Scheduler.Schedule(ctx, act); err != nil {
		h.storeError(c, err, "activity", req.ID)
		return
	}

	c.JSON(http.StatusCreated, act)
}

// EvaluateActivity re-evaluates an activity now
// POST /api/v1/activities/:id/evaluate
func (h *RESTHandler) EvaluateActivity(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	id := c.Param("id")
	status, err := h.deps.Scheduler.Evaluate(ctx, id)
	if err != nil {
		h.storeError(c, err, "activity", id)
		return
	}

	c.JSON(http.StatusOK, status)
}

// PostAnalyze recomputes and stores the metrics of an entity-day
// POST /api/v1/analyze/:entity/:day?zone=field-7
func (h *RESTHandler) PostAnalyze(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	entityID := c.Param("entity")
	day, ok := h.parseDay(c)
	if !ok {
		return
	}
	zoneID := c.Query("zone")

	m, err := h.deps.Analyzer.AnalyzeDay(ctx, entityID, day, zoneID)
	if err != nil {
		h.storeError(c, err, "analysis", entityID)
		return
	}

	c.JSON(http.StatusOK, aggregateResponse(entityID, day, zoneID, m))
}

func (h *RESTHandler) parseDay(c *gin.Context) (time.Time, bool) {
	day, err := time.ParseInLocation(dayLayout, c.Param("day"), h.location)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_day",
			"message": "Day must be formatted as YYYY-MM-DD",
		})
		return time.Time{}, false
	}
	return day, true
}

// storeError maps store errors to HTTP responses
func (h *RESTHandler) storeError(c *gin.Context, err error, what, id string) {
	var conflict *repository.ConflictError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    what + "_not_found",
			"message": what + " not found",
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "concurrent_update",
			"message": "Concurrent update, retry later",
		})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"code":    "timeout",
			"message": "Request timed out",
		})
	default:
		h.logger.WithField("id", id).
			WithField("resource", what).
			WithError(err).
			Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "internal_error",
			"message": "Failed to retrieve " + what,
		})
	}
}

func aggregateResponse(entityID string, day time.Time, zoneID string, m *models.AggregatedMetrics) gin.H {
	return gin.H{
		"entity_id":   entityID,
		"day":         day.Format(dayLayout),
		"zone_id":     zoneID,
		"distance_km": models.RoundKm(m.MovementDistanceKm),
		"metrics":     m,
	}
}
