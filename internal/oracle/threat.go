package oracle

import (
	"context"
	"fmt"
	"strings"

	"iomt-ars/internal/models"
)

// DefaultThreatActions действия по типу угрозы
var DefaultThreatActions = map[string]models.Decision{
	"normal_vitals":         models.DecisionNoAction,
	"irregular_heartbeat":   models.DecisionMonitor,
	"port_scan":             models.DecisionMonitor,
	"malware":               models.DecisionIsolate,
	"unauthorized_access":   models.DecisionIsolate,
	"ddos":                  models.DecisionIsolate,
	"ransomware_pattern":    models.DecisionQuarantine,
	"data_exfiltration":     models.DecisionQuarantine,
	"false_positive_glitch": models.DecisionRollback,
}

// ThreatOracle решает по метаданным угрозы: threat_type, severity, confidence_score
type ThreatOracle struct {
	actions       map[string]models.Decision
	minConfidence float64
}

// NewThreatOracle создает оракул по типу угрозы.
// Ниже minConfidence решения ослабляются на одну ступень.
func NewThreatOracle(actions map[string]models.Decision, minConfidence float64) *ThreatOracle {
	if actions == nil {
		actions = DefaultThreatActions
	}
	normalized := make(map[string]models.Decision, len(actions))
	for k, v := range actions {
		normalized[normalizeThreat(k)] = v
	}
	return &ThreatOracle{actions: normalized, minConfidence: minConfidence}
}

// Decide реализует containment.Oracle
func (o *ThreatOracle) Decide(_ context.Context, ev models.Event) (models.Decision, error) {
	var decision models.Decision

	if threat, ok := ev.Text(models.FeatureThreatType); ok {
		decision = o.actions[normalizeThreat(threat)]
	}
	if decision == "" {
		severity, ok := ev.Text(models.FeatureSeverity)
		if !ok {
			return "", fmt.Errorf("%w: neither known threat_type nor severity", ErrMissingFeature)
		}
		switch strings.ToLower(strings.TrimSpace(severity)) {
		case "critical":
			decision = models.DecisionQuarantine
		case "high":
			decision = models.DecisionIsolate
		case "medium":
			decision = models.DecisionMonitor
		case "low", "info", "none":
			decision = models.DecisionNoAction
		default:
			return "", fmt.Errorf("unknown severity %q", severity)
		}
	}

	if conf, ok := ev.Float(models.FeatureConfidenceScore); ok && conf < o.minConfidence {
		switch decision {
		case models.DecisionQuarantine:
			decision = models.DecisionIsolate
		case models.DecisionIsolate:
			decision = models.DecisionMonitor
		}
	}
	return decision, nil
}

func normalizeThreat(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
