package containment

import (
	"fmt"
	"math"
	"time"

	"iomt-ars/internal/models"
)

const (
	// DefaultMinDwell минимальное время изоляции перед откатом
	DefaultMinDwell = 30 * time.Second
	// DefaultHighRiskThreshold порог оценки для fail-safe и MONITOR
	DefaultHighRiskThreshold = 0.8
)

// Policy константы политики реагирования
type Policy struct {
	MinDwell          time.Duration
	HighRiskThreshold float64
}

// DefaultPolicy возвращает политику по умолчанию
func DefaultPolicy() Policy {
	return Policy{
		MinDwell:          DefaultMinDwell,
		HighRiskThreshold: DefaultHighRiskThreshold,
	}
}

// Validate проверяет значения политики
func (p Policy) Validate() error {
	if p.MinDwell < 0 {
		return fmt.Errorf("min dwell must not be negative, got %s", p.MinDwell)
	}
	if p.HighRiskThreshold < 0 || p.HighRiskThreshold > 1 {
		return fmt.Errorf("high risk threshold must be within [0, 1], got %.2f", p.HighRiskThreshold)
	}
	return nil
}

// FailSafe решение при отказе оракула. Никогда не NO_ACTION и не ROLLBACK.
// Нечисловая оценка считается высокой.
func (p Policy) FailSafe(score float64) models.Decision {
	if math.IsNaN(score) || score > p.HighRiskThreshold {
		return models.DecisionIsolate
	}
	return models.DecisionMonitor
}

type enforcement int

const (
	enforceNone enforcement = iota
	enforceIsolate
	enforceRollback
)

func (e enforcement) String() string {
	switch e {
	case enforceIsolate:
		return "isolate"
	case enforceRollback:
		return "rollback"
	default:
		return "none"
	}
}

// step результат функции переходов до вызова исполнителя
type step struct {
	action    enforcement
	next      models.ContainmentState
	eventType models.AuditEventType
	level     models.AuditLevel
	outcome   models.Outcome
	details   string
}

// plan функция переходов конечного автомата.
// QUARANTINED сюда не попадает: такие события отсекаются раньше.
func (p Policy) plan(rec models.DeviceRecord, d models.Decision, score float64, now time.Time) step {
	switch rec.State {
	case models.StateNormal:
		switch {
		case d == models.DecisionQuarantine:
			return step{
				action:    enforceIsolate,
				next:      models.StateQuarantined,
				eventType: models.AuditThreatDetected,
				level:     models.LevelCritical,
				outcome:   models.OutcomeActionTaken,
				details:   "High fidelity threat confirmed. Immediate quarantine.",
			}
		case d == models.DecisionIsolate, d == models.DecisionMonitor && score > p.HighRiskThreshold:
			return step{
				action:    enforceIsolate,
				next:      models.StateIsolated,
				eventType: models.AuditThreatResponse,
				level:     models.LevelWarning,
				outcome:   models.OutcomeActionTaken,
				details:   "High anomaly score. Temporary isolation while investigating.",
			}
		default:
			return step{
				next:      models.StateNormal,
				eventType: models.AuditInfo,
				level:     models.LevelInfo,
				outcome:   models.OutcomeNoAction,
				details:   "Monitoring active. System stable.",
			}
		}

	case models.StateIsolated:
		switch d {
		case models.DecisionIsolate, models.DecisionQuarantine:
			return step{
				action:    enforceIsolate,
				next:      models.StateQuarantined,
				eventType: models.AuditThreatEscalation,
				level:     models.LevelCritical,
				outcome:   models.OutcomeActionTaken,
				details:   "Threat persisted during isolation. Permanent quarantine applied.",
			}
		case models.DecisionRollback, models.DecisionNoAction:
			var elapsed time.Duration
			if rec.IsolatedSince != nil {
				elapsed = now.Sub(*rec.IsolatedSince)
			}
			if elapsed >= p.MinDwell {
				return step{
					action:    enforceRollback,
					next:      models.StateNormal,
					eventType: models.AuditFalsePositive,
					level:     models.LevelInfo,
					outcome:   models.OutcomeActionTaken,
					details:   "Threat cleared. Connection restored.",
				}
			}
			return step{
				next:      models.StateIsolated,
				eventType: models.AuditInfo,
				level:     models.LevelInfo,
				outcome:   models.OutcomeDeferred,
				details:   fmt.Sprintf("Rollback deferred: isolated for %s, minimum dwell %s.", elapsed, p.MinDwell),
			}
		default:
			return step{
				next:      models.StateIsolated,
				eventType: models.AuditInfo,
				level:     models.LevelInfo,
				outcome:   models.OutcomeNoAction,
				details:   "Device remains isolated under active watch.",
			}
		}
	}

	return step{
		next:      rec.State,
		eventType: models.AuditInfo,
		level:     models.LevelInfo,
		outcome:   models.OutcomeIgnored,
		details:   "Device is in permanent quarantine.",
	}
}
