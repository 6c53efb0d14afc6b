package models

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"
)

// Decision действие, которое возвращает оракул решений
type Decision string

const (
	DecisionNoAction   Decision = "NO_ACTION"
	DecisionMonitor    Decision = "MONITOR"
	DecisionIsolate    Decision = "ISOLATE"
	DecisionQuarantine Decision = "QUARANTINE"
	DecisionRollback   Decision = "ROLLBACK"
)

// Decisions полный набор допустимых решений
var Decisions = []Decision{
	DecisionNoAction,
	DecisionMonitor,
	DecisionIsolate,
	DecisionQuarantine,
	DecisionRollback,
}

// Valid проверяет, что решение входит в закрытый набор
func (d Decision) Valid() bool {
	switch d {
	case DecisionNoAction, DecisionMonitor, DecisionIsolate, DecisionQuarantine, DecisionRollback:
		return true
	}
	return false
}

// ContainmentState состояние изоляции устройства
type ContainmentState string

const (
	StateNormal      ContainmentState = "NORMAL"
	StateIsolated    ContainmentState = "ISOLATED"
	StateQuarantined ContainmentState = "QUARANTINED"
)

// Признаки, которые понимают оракулы и скорер
const (
	FeatureAnomalyScore    = "anomaly_score"
	FeatureConfidenceScore = "confidence_score"
	FeatureHeartRate       = "heart_rate"
	FeatureSpO2            = "spo2"
	FeatureSysBP           = "sys_bp"
	FeatureNetworkLatency  = "network_latency"
	FeaturePacketSize      = "packet_size"
	FeatureThreatType      = "threat_type"
	FeatureSeverity        = "severity"
)

// Event одно наблюдение об устройстве
type Event struct {
	DeviceIP  string         `json:"device_ip"`
	Timestamp time.Time      `json:"timestamp"`
	Features  map[string]any `json:"features,omitempty"`
	LogText   string         `json:"log_text,omitempty"`
}

// Float возвращает числовой признак события
func (e Event) Float(name string) (float64, bool) {
	v, ok := e.Features[name]
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// Text возвращает строковый признак события
func (e Event) Text(name string) (string, bool) {
	v, ok := e.Features[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Score возвращает оценку аномалии: anomaly_score, затем confidence_score, иначе 0
func (e Event) Score() float64 {
	if v, ok := e.Float(FeatureAnomalyScore); ok {
		return v
	}
	if v, ok := e.Float(FeatureConfidenceScore); ok {
		return v
	}
	return 0
}

// UnmarshalJSON разбирает плоский JSON: известные поля отдельно, остальное в Features
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = Event{Features: make(map[string]any)}
	for key, value := range raw {
		switch key {
		case "device_ip", "src_ip":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("device_ip must be a string, got %T", value)
			}
			e.DeviceIP = s
		case "timestamp":
			ts, err := ParseTimestamp(value)
			if err != nil {
				return err
			}
			e.Timestamp = ts
		case "log", "log_text":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("%s must be a string, got %T", key, value)
			}
			e.LogText = s
		case "features":
			nested, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("features must be an object, got %T", value)
			}
			for k, v := range nested {
				e.Features[k] = v
			}
		default:
			e.Features[key] = value
		}
	}
	return nil
}

// MarshalJSON записывает событие в том же плоском виде
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Features)+3)
	for k, v := range e.Features {
		out[k] = v
	}
	out["device_ip"] = e.DeviceIP
	if !e.Timestamp.IsZero() {
		out["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	}
	if e.LogText != "" {
		out["log"] = e.LogText
	}
	return json.Marshal(out)
}

// ParseTimestamp принимает RFC3339 или unix-секунды числом или строкой
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, nil
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return ParseTimestamp(f)
		}
		return time.Time{}, fmt.Errorf("unsupported timestamp %q", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// ToFloat приводит значение признака к float64. NaN и бесконечности не принимаются.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(n, 64); err != nil {
			return 0, false
		}
	case bool:
		if n {
			f = 1
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ValidDeviceIP проверяет, что идентификатор устройства является IP адресом
func ValidDeviceIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

// AuditEventType тип записи аудита
type AuditEventType string

const (
	AuditThreatDetected   AuditEventType = "THREAT_DETECTED"
	AuditThreatResponse   AuditEventType = "THREAT_RESPONSE"
	AuditThreatEscalation AuditEventType = "THREAT_ESCALATION"
	AuditFalsePositive    AuditEventType = "FALSE_POSITIVE"
	AuditInfo             AuditEventType = "INFO"
)

// AuditLevel уровень важности записи аудита
type AuditLevel string

const (
	LevelInfo     AuditLevel = "INFO"
	LevelWarning  AuditLevel = "WARNING"
	LevelCritical AuditLevel = "CRITICAL"
	LevelError    AuditLevel = "ERROR"
)

// Outcome итог обработки события
type Outcome string

const (
	OutcomeActionTaken       Outcome = "action_taken"
	OutcomeNoAction          Outcome = "no_action"
	OutcomeDeferred          Outcome = "deferred"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeEnforcementFailed Outcome = "enforcement_failed"
	OutcomeSkipped           Outcome = "skipped"
)

// AppName имя приложения в записях аудита
const AppName = "ARS_Defense_Core"

// AuditRecord запись журнала аудита
type AuditRecord struct {
	ID           string           `json:"id"`
	AppName      string           `json:"app_name"`
	Timestamp    time.Time        `json:"timestamp"`
	EventType    AuditEventType   `json:"event_type"`
	Level        AuditLevel       `json:"level"`
	Outcome      Outcome          `json:"outcome"`
	Decision     Decision         `json:"decision"`
	DeviceIP     string           `json:"src_ip"`
	AnomalyScore float64          `json:"anomaly_score"`
	StateBefore  ContainmentState `json:"state_before"`
	StateAfter   ContainmentState `json:"state_after"`
	OracleFailed bool             `json:"oracle_failed,omitempty"`
	Details      string           `json:"details"`
}

// DeviceRecord состояние устройства, которым владеет трекер
type DeviceRecord struct {
	DeviceIP      string           `json:"device_ip"`
	State         ContainmentState `json:"containment_state"`
	IsolatedSince *time.Time       `json:"isolated_since,omitempty"`
	FirstSeen     time.Time        `json:"first_seen"`
	LastSeen      time.Time        `json:"last_seen"`
	Events        int64            `json:"events"`
	LastDecision  Decision         `json:"last_decision,omitempty"`
}

// TrackerStats сводная статистика по устройствам
type TrackerStats struct {
	DevicesTracked int   `json:"devices_tracked"`
	Normal         int   `json:"normal"`
	Isolated       int   `json:"isolated"`
	Quarantined    int   `json:"quarantined"`
	EventsTotal    int64 `json:"events_total"`
	Rollbacks      int64 `json:"rollbacks"`
	Escalations    int64 `json:"escalations"`
	Ignored        int64 `json:"ignored"`
	Deferred       int64 `json:"deferred"`
}
