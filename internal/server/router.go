package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/outagesync/internal/auth"
	"github.com/MarcoPoloResearchLab/outagesync/internal/notify"
	"github.com/MarcoPoloResearchLab/outagesync/internal/schedule"
	"github.com/MarcoPoloResearchLab/outagesync/internal/syncer"
)

const (
	operatorContextKey = "outage_sync_operator"

	eventScheduleChanged = "schedule-change"
	eventHeartbeat       = "heartbeat"
	defaultHeartbeat     = 25 * time.Second
)

var (
	errMissingRunner    = errors.New("sync runner dependency required")
	errMissingSchedules = errors.New("schedule reader dependency required")
	errMissingTokens    = errors.New("token validator dependency required")
	errMissingEvents    = errors.New("event source dependency required")
	errMissingGatherer  = errors.New("metrics gatherer dependency required")
)

// SyncRunner triggers serialized sync runs.
type SyncRunner interface {
	Periodic(ctx context.Context) (syncer.RunResult, error)
	SyncDate(ctx context.Context, date schedule.Date) (syncer.RunResult, error)
	Last() (syncer.RunResult, bool)
}

type ScheduleReader interface {
	Load(ctx context.Context, date schedule.Date) (schedule.Stored, error)
}

type TokenValidator interface {
	ValidateRequest(r *http.Request) (string, error)
}

// EventSource streams committed schedule changes.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan notify.ChangeEvent, func())
}

type Dependencies struct {
	Runner    SyncRunner
	Schedules ScheduleReader
	Tokens    TokenValidator
	Events    EventSource
	Gatherer  prometheus.Gatherer
	Heartbeat time.Duration
	Logger    *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Runner == nil {
		return nil, errMissingRunner
	}
	if deps.Schedules == nil {
		return nil, errMissingSchedules
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Events == nil {
		return nil, errMissingEvents
	}
	if deps.Gatherer == nil {
		return nil, errMissingGatherer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		runner:    deps.Runner,
		schedules: deps.Schedules,
		tokens:    deps.Tokens,
		events:    deps.Events,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/run", handler.handleSyncRun)
	protected.POST("/sync/dates/:date", handler.handleSyncDate)
	protected.GET("/sync/last", handler.handleLastRun)
	protected.GET("/schedules/:date", handler.handleSchedule)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	runner    SyncRunner
	schedules ScheduleReader
	tokens    TokenValidator
	events    EventSource
	heartbeat time.Duration
	logger    *zap.Logger
}

type intervalPayload struct {
	Queue string `json:"queue"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type historyPayload struct {
	Position    int                 `json:"position"`
	Source      schedule.Source     `json:"source"`
	SourceID    int64               `json:"source_id"`
	PublishedAt *time.Time          `json:"published_at,omitempty"`
	ChangeType  schedule.ChangeType `json:"change_type"`
	ContentHash string              `json:"content_hash"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	RecordedAt  time.Time           `json:"recorded_at"`
}

type scheduleResponsePayload struct {
	Date             string              `json:"date"`
	Source           schedule.Source     `json:"source"`
	LastSourceID     int64               `json:"last_source_id"`
	PublishedAt      *time.Time          `json:"published_at,omitempty"`
	FirstPublishedAt *time.Time          `json:"first_published_at,omitempty"`
	LastUpdatedAt    time.Time           `json:"last_updated_at"`
	UpdateCount      int                 `json:"update_count"`
	ChangeType       schedule.ChangeType `json:"change_type"`
	ContentHash      string              `json:"content_hash"`
	Intervals        []intervalPayload   `json:"intervals"`
	History          []historyPayload    `json:"history"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSyncRun(c *gin.Context) {
	h.logger.Info("manual sync requested", zap.String("operator", c.GetString(operatorContextKey)))
	result, err := h.runner.Periodic(c.Request.Context())
	if err != nil {
		h.logger.Error("manual sync run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSyncDate(c *gin.Context) {
	date, err := schedule.ParseDate(c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return
	}
	h.logger.Info("single date sync requested",
		zap.String("operator", c.GetString(operatorContextKey)),
		zap.String("date", date.String()))
	result, err := h.runner.SyncDate(c.Request.Context(), date)
	if err != nil {
		h.logger.Error("single date sync failed", zap.String("date", date.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleLastRun(c *gin.Context) {
	result, ok := h.runner.Last()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_runs"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSchedule(c *gin.Context) {
	date, err := schedule.ParseDate(c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return
	}
	stored, err := h.schedules.Load(c.Request.Context(), date)
	if errors.Is(err, schedule.ErrScheduleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load schedule", zap.String("date", date.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	c.JSON(http.StatusOK, newSchedulePayload(stored))
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	stream, cancel := h.events.Subscribe(c.Request.Context())
	defer cancel()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(eventScheduleChanged, event)
			return true
		case <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	subject, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, subject)
	c.Next()
}

func newSchedulePayload(stored schedule.Stored) scheduleResponsePayload {
	metadata := stored.Metadata
	response := scheduleResponsePayload{
		Date:             metadata.Date,
		Source:           metadata.Source,
		LastSourceID:     metadata.LastSourceID,
		PublishedAt:      metadata.PublishedAt,
		FirstPublishedAt: metadata.FirstPublishedAt,
		LastUpdatedAt:    metadata.LastUpdatedAt,
		UpdateCount:      metadata.UpdateCount,
		ChangeType:       metadata.ChangeType,
		ContentHash:      metadata.ContentHash,
		Intervals:        make([]intervalPayload, 0, len(stored.Intervals)),
		History:          make([]historyPayload, 0, len(stored.History)),
	}
	for _, row := range stored.Intervals {
		response.Intervals = append(response.Intervals, intervalPayload{
			Queue: row.Queue,
			Start: row.StartTime,
			End:   row.EndTime,
		})
	}
	for _, row := range stored.History {
		payload := json.RawMessage(nil)
		if row.PayloadJSON != "" {
			payload = json.RawMessage(row.PayloadJSON)
		}
		response.History = append(response.History, historyPayload{
			Position:    row.Position,
			Source:      row.Source,
			SourceID:    row.SourceID,
			PublishedAt: row.PublishedAt,
			ChangeType:  row.ChangeType,
			ContentHash: row.ContentHash,
			Payload:     payload,
			RecordedAt:  row.RecordedAt,
		})
	}
	return response
}
