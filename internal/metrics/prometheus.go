package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration продолжительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// EventsReceived события, принятые из источника
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ars_events_received_total",
			Help: "Total number of events pulled from the event source",
		},
		[]string{"source"},
	)

	// EventsProcessed события по итогу обработки
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ars_events_processed_total",
			Help: "Total number of events processed by the device state tracker",
		},
		[]string{"outcome"},
	)

	// Decisions решения оракула
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ars_decisions_total",
			Help: "Decisions applied by the tracker, including fail-safe substitutions",
		},
		[]string{"decision"},
	)

	// OracleFailures ошибки оракула, замененные fail-safe решением
	OracleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ars_oracle_failures_total",
			Help: "Oracle failures recovered by the fail-safe policy",
		},
		[]string{"reason"},
	)

	// EnforcementCalls вызовы блокировки и разблокировки
	EnforcementCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ars_enforcement_calls_total",
			Help: "Containment enforcer calls",
		},
		[]string{"action", "status"},
	)

	// Transitions переходы между состояниями изоляции
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ars_state_transitions_total",
			Help: "Containment state transitions",
		},
		[]string{"from", "to"},
	)

	// DevicesByState текущее число устройств в каждом состоянии
	DevicesByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ars_devices",
			Help: "Number of tracked devices per containment state",
		},
		[]string{"state"},
	)

	// AuditWrites записи в журнал аудита
	AuditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ars_audit_writes_total",
			Help: "Audit sink writes",
		},
		[]string{"sink", "status"},
	)

	// PHIDetections логи, в которых найдены персональные медицинские данные
	PHIDetections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ars_phi_detections_total",
			Help: "Event logs that contained protected health information",
		},
	)

	// EventsSkipped некорректные события
	EventsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ars_events_skipped_total",
			Help: "Malformed events skipped before processing",
		},
		[]string{"reason"},
	)

	// ProcessLatency задержка обработки одного события
	ProcessLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ars_process_latency_seconds",
			Help:    "Event processing latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// QueueSize размер очереди входящих событий
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ars_event_queue_size",
			Help: "Current size of the in-process event queue",
		},
	)

	// RedisOperations операции с Redis
	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total number of Redis operations",
		},
		[]string{"operation", "status"},
	)
)
