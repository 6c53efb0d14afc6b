// Package oracle содержит варианты оракула решений: пороговые правила,
// политику по метаданным угрозы и случайный лес из экспортированной модели.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"iomt-ars/internal/models"
)

// ErrMissingFeature признак, нужный оракулу, отсутствует в событии
var ErrMissingFeature = errors.New("missing feature")

// RuleConfig пороги правил
type RuleConfig struct {
	IsolateScore     float64 `yaml:"isolate_score"`
	MonitorScore     float64 `yaml:"monitor_score"`
	ExfilLatencyMs   float64 `yaml:"exfil_latency_ms"`
	ExfilPacketBytes float64 `yaml:"exfil_packet_bytes"`
	MinHeartRate     float64 `yaml:"min_heart_rate"`
	MaxHeartRate     float64 `yaml:"max_heart_rate"`
	MinSpO2          float64 `yaml:"min_spo2"`
}

// DefaultRuleConfig пороги, соответствующие распределениям обучающего набора
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		IsolateScore:     0.8,
		MonitorScore:     0.35,
		ExfilLatencyMs:   200,
		ExfilPacketBytes: 5000,
		MinHeartRate:     50,
		MaxHeartRate:     110,
		MinSpO2:          92,
	}
}

// RuleOracle оракул на пороговых правилах
type RuleOracle struct {
	cfg RuleConfig
}

// NewRuleOracle создает оракул на правилах
func NewRuleOracle(cfg RuleConfig) *RuleOracle {
	return &RuleOracle{cfg: cfg}
}

// Decide реализует containment.Oracle
func (o *RuleOracle) Decide(_ context.Context, ev models.Event) (models.Decision, error) {
	score, ok := ev.Float(models.FeatureAnomalyScore)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingFeature, models.FeatureAnomalyScore)
	}

	hr, hasHR := ev.Float(models.FeatureHeartRate)
	spo2, hasSpO2 := ev.Float(models.FeatureSpO2)
	latency, _ := ev.Float(models.FeatureNetworkLatency)
	packet, _ := ev.Float(models.FeaturePacketSize)

	switch {
	case score >= o.cfg.IsolateScore:
		if latency >= o.cfg.ExfilLatencyMs || packet >= o.cfg.ExfilPacketBytes {
			return models.DecisionQuarantine, nil
		}
		// нулевые витальные показатели при нормальной сети: отвалился датчик
		if hasHR && hasSpO2 && hr == 0 && spo2 == 0 {
			return models.DecisionRollback, nil
		}
		return models.DecisionIsolate, nil
	case score >= o.cfg.MonitorScore:
		return models.DecisionMonitor, nil
	}

	if hasHR && (hr < o.cfg.MinHeartRate || hr > o.cfg.MaxHeartRate) {
		return models.DecisionMonitor, nil
	}
	if hasSpO2 && spo2 < o.cfg.MinSpO2 {
		return models.DecisionMonitor, nil
	}
	return models.DecisionNoAction, nil
}
