// Package handlers HTTP API оператора: состояние устройств, журнал аудита и прием событий.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iomt-ars/internal/containment"
	"iomt-ars/internal/metrics"
	"iomt-ars/internal/models"
	"iomt-ars/internal/source"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// DeviceReader чтение таблицы устройств
type DeviceReader interface {
	Device(ip string) (models.DeviceRecord, bool)
	Snapshot() []models.DeviceRecord
	Stats() models.TrackerStats
	Policy() containment.Policy
}

// HistoryReader чтение журнала аудита
type HistoryReader interface {
	History(ctx context.Context, deviceIP string, limit int) ([]models.AuditRecord, error)
}

// Pinger проверка внешней зависимости
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsProvider источник дополнительной статистики
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// PushFunc передает событие в очередь конвейера
type PushFunc func(ctx context.Context, ev models.Event) error

// Handler обработчик HTTP запросов
type Handler struct {
	tracker  DeviceReader
	history  HistoryReader
	push     PushFunc
	redis    Pinger
	extStats map[string]StatsProvider
	now      func() time.Time
}

// Option настройка обработчика
type Option func(*Handler)

// WithHistory подключает журнал аудита для GET /history
func WithHistory(r HistoryReader) Option {
	return func(h *Handler) { h.history = r }
}

// WithPush включает прием событий через POST /events
func WithPush(p PushFunc) Option {
	return func(h *Handler) { h.push = p }
}

// WithRedis добавляет проверку Redis в /health
func WithRedis(p Pinger) Option {
	return func(h *Handler) { h.redis = p }
}

// WithStats добавляет раздел name в ответ /stats
func WithStats(name string, s StatsProvider) Option {
	return func(h *Handler) { h.extStats[name] = s }
}

// NewHandler создает новый обработчик
func NewHandler(tracker DeviceReader, opts ...Option) *Handler {
	h := &Handler{
		tracker:  tracker,
		extStats: make(map[string]StatsProvider),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter собирает gin роутер со всеми маршрутами
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), Instrument())

	r.GET("/health", h.HealthCheck)
	r.GET("/stats", h.GetStats)
	r.GET("/devices", h.ListDevices)
	r.GET("/devices/:ip", h.GetDevice)
	r.GET("/history", h.GetHistory)
	r.POST("/events", h.SubmitEvent)
	r.POST("/events/batch", h.BatchSubmitEvents)

	// Prometheus metrics endpoint
	r.GET("/prometheus", gin.WrapH(promhttp.Handler()))
	return r
}

// Instrument считает запросы и их продолжительность
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
		metrics.RequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// GinError прерывает запрос с JSON ошибкой
func GinError(c *gin.Context, code int, err error) {
	c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

// SubmitEvent обрабатывает POST /events
func (h *Handler) SubmitEvent(c *gin.Context) {
	if h.push == nil {
		GinError(c, http.StatusServiceUnavailable, errors.New("event push is disabled for this event source"))
		return
	}

	var ev models.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		GinError(c, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}

	// Валидация
	if err := validateEvent(&ev); err != nil {
		GinError(c, http.StatusBadRequest, err)
		return
	}

	if err := h.push(c.Request.Context(), ev); err != nil {
		GinError(c, pushStatus(err), err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":    "accepted",
		"device_ip": ev.DeviceIP,
	})
}

// BatchSubmitEvents обрабатывает POST /events/batch
func (h *Handler) BatchSubmitEvents(c *gin.Context) {
	if h.push == nil {
		GinError(c, http.StatusServiceUnavailable, errors.New("event push is disabled for this event source"))
		return
	}

	var batch []models.Event
	if err := c.ShouldBindJSON(&batch); err != nil {
		GinError(c, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}

	accepted := 0
	rejected := 0
	for _, ev := range batch {
		if validateEvent(&ev) != nil {
			rejected++
			continue
		}
		if err := h.push(c.Request.Context(), ev); err != nil {
			rejected++
			continue
		}
		accepted++
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "accepted",
		"total":    len(batch),
		"accepted": accepted,
		"rejected": rejected,
	})
}

// ListDevices обрабатывает GET /devices
func (h *Handler) ListDevices(c *gin.Context) {
	devices := h.tracker.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(devices),
		"devices": devices,
	})
}

// GetDevice обрабатывает GET /devices/:ip
func (h *Handler) GetDevice(c *gin.Context) {
	ip := c.Param("ip")
	rec, ok := h.tracker.Device(ip)
	if !ok {
		GinError(c, http.StatusNotFound, errors.New("device not tracked"))
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetHistory обрабатывает GET /history?device_ip=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	if h.history == nil {
		GinError(c, http.StatusNotImplemented, errors.New("audit backend does not support history"))
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			GinError(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	deviceIP := c.Query("device_ip")

	records, err := h.history.History(c.Request.Context(), deviceIP, limit)
	if err != nil {
		GinError(c, http.StatusInternalServerError, errors.New("failed to retrieve audit history"))
		return
	}
	if records == nil {
		records = []models.AuditRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"device_ip": deviceIP,
		"count":     len(records),
		"records":   records,
	})
}

// HealthCheck обрабатывает GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	status := "healthy"
	httpStatus := http.StatusOK
	body := gin.H{"timestamp": h.now()}

	// Проверяем Redis
	if h.redis != nil {
		redisOK := h.redis.Ping(c.Request.Context()) == nil
		body["redis"] = redisOK
		if !redisOK {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	body["status"] = status

	c.JSON(httpStatus, body)
}

// GetStats обрабатывает GET /stats
func (h *Handler) GetStats(c *gin.Context) {
	policy := h.tracker.Policy()
	body := gin.H{
		"tracker": h.tracker.Stats(),
		"policy": gin.H{
			"min_dwell_seconds":   policy.MinDwell.Seconds(),
			"high_risk_threshold": policy.HighRiskThreshold,
		},
		"timestamp": h.now(),
	}
	for name, s := range h.extStats {
		body[name] = s.GetStats()
	}
	c.JSON(http.StatusOK, body)
}

// validateEvent требует device_ip в виде IP адреса: по нему строится правило блокировки
func validateEvent(ev *models.Event) error {
	ev.DeviceIP = strings.TrimSpace(ev.DeviceIP)
	if ev.DeviceIP == "" {
		return errors.New("device_ip is required")
	}
	if !models.ValidDeviceIP(ev.DeviceIP) {
		return fmt.Errorf("device_ip %q is not an IP address", ev.DeviceIP)
	}
	return nil
}

func pushStatus(err error) int {
	switch {
	case errors.Is(err, source.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, source.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
