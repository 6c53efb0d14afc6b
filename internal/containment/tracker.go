// Package containment реализует конечный автомат изоляции устройств:
// NORMAL -> ISOLATED -> QUARANTINED с откатом после минимального времени изоляции.
package containment

import (
	"context"
	"fmt"
	"log"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"iomt-ars/internal/metrics"
	"iomt-ars/internal/models"
)

// Oracle оракул решений: по событию возвращает одно из пяти действий
type Oracle interface {
	Decide(ctx context.Context, event models.Event) (models.Decision, error)
}

// Enforcer исполнитель сетевой изоляции. Оба метода идемпотентны.
type Enforcer interface {
	Isolate(ctx context.Context, ip string) error
	Rollback(ctx context.Context, ip string) error
}

// AuditSink журнал аудита, только добавление
type AuditSink interface {
	Record(ctx context.Context, record models.AuditRecord) error
}

// Option настройка трекера
type Option func(*Tracker)

// WithPolicy задает константы политики
func WithPolicy(p Policy) Option {
	return func(t *Tracker) { t.policy = p }
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger задает логгер
func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithIDGenerator подменяет генератор идентификаторов записей аудита
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracker) { t.newID = gen }
}

// Tracker владеет таблицей устройств. Process вызывается из одного цикла
// строго в порядке поступления событий; чтение снимков безопасно из других горутин.
type Tracker struct {
	oracle   Oracle
	enforcer Enforcer
	sink     AuditSink
	policy   Policy
	now      func() time.Time
	logger   *log.Logger
	newID    func() string

	mu      sync.RWMutex
	devices map[string]*models.DeviceRecord
	stats   models.TrackerStats
}

// NewTracker создает новый трекер состояний устройств
func NewTracker(oracle Oracle, enforcer Enforcer, sink AuditSink, opts ...Option) *Tracker {
	t := &Tracker{
		oracle:   oracle,
		enforcer: enforcer,
		sink:     sink,
		policy:   DefaultPolicy(),
		now:      time.Now,
		logger:   log.Default(),
		newID:    uuid.NewString,
		devices:  make(map[string]*models.DeviceRecord),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy возвращает действующую политику
func (t *Tracker) Policy() Policy {
	return t.policy
}

// Process обрабатывает одно событие. Никогда не возвращает ошибку:
// все отказы сводятся к консервативному решению и записи аудита.
func (t *Tracker) Process(ctx context.Context, event models.Event) models.Outcome {
	start := time.Now()
	defer func() {
		metrics.ProcessLatency.Observe(time.Since(start).Seconds())
	}()

	ip := strings.TrimSpace(event.DeviceIP)
	if ip == "" {
		t.logger.Printf("WARN: skipping event without device_ip")
		metrics.EventsSkipped.WithLabelValues("missing_device_ip").Inc()
		metrics.EventsProcessed.WithLabelValues(string(models.OutcomeSkipped)).Inc()
		return models.OutcomeSkipped
	}
	event.DeviceIP = ip

	now := event.Timestamp
	if now.IsZero() {
		now = t.now()
	}
	score := event.Score()

	rec := t.touch(ip, now)

	if rec.State == models.StateQuarantined {
		t.logger.Printf("IGNORED data from %s: device is in permanent quarantine", ip)
		t.mu.Lock()
		t.stats.Ignored++
		t.mu.Unlock()
		t.audit(ctx, models.AuditRecord{
			Timestamp:    now,
			EventType:    models.AuditInfo,
			Level:        models.LevelInfo,
			Outcome:      models.OutcomeIgnored,
			DeviceIP:     ip,
			AnomalyScore: score,
			StateBefore:  rec.State,
			StateAfter:   rec.State,
			Details:      "Device is in permanent quarantine. Event dropped.",
		})
		metrics.EventsProcessed.WithLabelValues(string(models.OutcomeIgnored)).Inc()
		return models.OutcomeIgnored
	}

	decision, failure := t.decide(ctx, event, score)
	metrics.Decisions.WithLabelValues(string(decision)).Inc()

	s := t.policy.plan(rec, decision, score, now)
	details := s.details
	if failure != "" {
		details = fmt.Sprintf("%s Oracle failure (%s), fail-safe decision %s.", details, failure, decision)
	}

	level, outcome, next := s.level, s.outcome, s.next
	if err := t.enforce(ctx, s.action, ip); err != nil {
		t.logger.Printf("ERROR: %s failed for %s: %v; state stays %s", s.action, ip, err, rec.State)
		level = models.LevelError
		outcome = models.OutcomeEnforcementFailed
		next = rec.State
		details = fmt.Sprintf("%s Enforcement %s failed: %v.", details, s.action, err)
	} else {
		t.apply(ip, rec.State, next, now)
		t.logTransition(ip, rec.State, next, decision, outcome)
	}

	t.mu.Lock()
	t.devices[ip].LastDecision = decision
	switch outcome {
	case models.OutcomeDeferred:
		t.stats.Deferred++
	case models.OutcomeActionTaken:
		if next == models.StateNormal {
			t.stats.Rollbacks++
		}
		if rec.State == models.StateIsolated && next == models.StateQuarantined {
			t.stats.Escalations++
		}
	}
	t.mu.Unlock()

	t.audit(ctx, models.AuditRecord{
		Timestamp:    now,
		EventType:    s.eventType,
		Level:        level,
		Outcome:      outcome,
		Decision:     decision,
		DeviceIP:     ip,
		AnomalyScore: score,
		StateBefore:  rec.State,
		StateAfter:   next,
		OracleFailed: failure != "",
		Details:      details,
	})
	metrics.EventsProcessed.WithLabelValues(string(outcome)).Inc()
	return outcome
}

// touch возвращает копию записи устройства, создавая ее при первом событии
func (t *Tracker) touch(ip string, now time.Time) models.DeviceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.devices[ip]
	if !ok {
		rec = &models.DeviceRecord{
			DeviceIP:  ip,
			State:     models.StateNormal,
			FirstSeen: now,
		}
		t.devices[ip] = rec
		t.stats.DevicesTracked++
		metrics.DevicesByState.WithLabelValues(string(models.StateNormal)).Inc()
	}
	rec.LastSeen = now
	rec.Events++
	t.stats.EventsTotal++
	return copyRecord(rec)
}

// decide вызывает оракула и подставляет fail-safe решение при любом отказе
func (t *Tracker) decide(ctx context.Context, event models.Event, score float64) (decision models.Decision, failure string) {
	defer func() {
		if r := recover(); r != nil {
			decision = t.policy.FailSafe(score)
			failure = fmt.Sprintf("panic: %v", r)
			metrics.OracleFailures.WithLabelValues("panic").Inc()
			t.logger.Printf("ERROR: oracle panic for %s: %v; fail-safe %s", event.DeviceIP, r, decision)
		}
	}()

	event.Features = maps.Clone(event.Features)
	decision, err := t.oracle.Decide(ctx, event)
	if err != nil {
		decision = t.policy.FailSafe(score)
		metrics.OracleFailures.WithLabelValues("error").Inc()
		t.logger.Printf("ERROR: oracle failed for %s: %v; fail-safe %s", event.DeviceIP, err, decision)
		return decision, err.Error()
	}
	if !decision.Valid() {
		bad := decision
		decision = t.policy.FailSafe(score)
		metrics.OracleFailures.WithLabelValues("invalid_decision").Inc()
		t.logger.Printf("ERROR: oracle returned unknown decision %q for %s; fail-safe %s", bad, event.DeviceIP, decision)
		return decision, fmt.Sprintf("unknown decision %q", bad)
	}
	return decision, ""
}

// enforce выполняет сетевое действие. Контекст отвязан от отмены:
// начатая блокировка должна завершиться, иначе состояние станет неопределенным.
// Паника исполнителя считается неудачным действием.
func (t *Tracker) enforce(ctx context.Context, action enforcement, ip string) (err error) {
	if action == enforceNone {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enforcer panic: %v", r)
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.EnforcementCalls.WithLabelValues(action.String(), status).Inc()
	}()

	switch action {
	case enforceIsolate:
		err = t.enforcer.Isolate(ctx, ip)
	case enforceRollback:
		err = t.enforcer.Rollback(ctx, ip)
	}
	return err
}

// apply фиксирует переход. isolated_since задан тогда и только тогда, когда устройство ISOLATED.
func (t *Tracker) apply(ip string, from, to models.ContainmentState, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.devices[ip]
	rec.State = to
	switch {
	case to != models.StateIsolated:
		rec.IsolatedSince = nil
	case from != models.StateIsolated:
		since := now
		rec.IsolatedSince = &since
	}

	if from != to {
		metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
		metrics.DevicesByState.WithLabelValues(string(from)).Dec()
		metrics.DevicesByState.WithLabelValues(string(to)).Inc()
	}
}

func (t *Tracker) logTransition(ip string, from, to models.ContainmentState, decision models.Decision, outcome models.Outcome) {
	switch {
	case from == to && outcome == models.OutcomeDeferred:
		t.logger.Printf("[TIMER] %s: %s deferred, minimum dwell not elapsed", ip, decision)
	case from == to:
		t.logger.Printf("[OK] %s: decision %s, state %s", ip, decision, to)
	case to == models.StateQuarantined:
		t.logger.Printf("[CRITICAL] %s: %s -> QUARANTINED (decision %s)", ip, from, decision)
	case to == models.StateIsolated:
		t.logger.Printf("[RESPONSE] %s: temporary isolation (decision %s)", ip, decision)
	case to == models.StateNormal:
		t.logger.Printf("[RESOLVED] %s: restored to network (decision %s)", ip, decision)
	}
}

// audit пишет запись в журнал. Ошибка журнала не прерывает обработку.
func (t *Tracker) audit(ctx context.Context, rec models.AuditRecord) {
	if t.sink == nil {
		return
	}
	rec.ID = t.newID()
	rec.AppName = models.AppName

	defer func() {
		if r := recover(); r != nil {
			metrics.AuditWrites.WithLabelValues("recovered", "error").Inc()
			t.logger.Printf("ERROR: audit sink panic for %s: %v", rec.DeviceIP, r)
		}
	}()
	if err := t.sink.Record(context.WithoutCancel(ctx), rec); err != nil {
		t.logger.Printf("ERROR: audit write failed for %s: %v", rec.DeviceIP, err)
	}
}

// Device возвращает копию записи устройства
func (t *Tracker) Device(ip string) (models.DeviceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.devices[ip]
	if !ok {
		return models.DeviceRecord{}, false
	}
	return copyRecord(rec), true
}

// State возвращает состояние устройства; неизвестные устройства считаются NORMAL
func (t *Tracker) State(ip string) models.ContainmentState {
	if rec, ok := t.Device(ip); ok {
		return rec.State
	}
	return models.StateNormal
}

// Snapshot возвращает копию таблицы устройств, отсортированную по IP
func (t *Tracker) Snapshot() []models.DeviceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.DeviceRecord, 0, len(t.devices))
	for _, rec := range t.devices {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceIP < out[j].DeviceIP })
	return out
}

// Stats возвращает статистику трекера
func (t *Tracker) Stats() models.TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := t.stats
	stats.Normal, stats.Isolated, stats.Quarantined = 0, 0, 0
	for _, rec := range t.devices {
		switch rec.State {
		case models.StateNormal:
			stats.Normal++
		case models.StateIsolated:
			stats.Isolated++
		case models.StateQuarantined:
			stats.Quarantined++
		}
	}
	return stats
}

func copyRecord(rec *models.DeviceRecord) models.DeviceRecord {
	out := *rec
	if rec.IsolatedSince != nil {
		since := *rec.IsolatedSince
		out.IsolatedSince = &since
	}
	return out
}
