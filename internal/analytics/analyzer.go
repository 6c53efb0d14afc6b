// Package analytics вычисляет оценку аномалии по телеметрии устройства,
// когда источник не прислал готовый anomaly_score.
package analytics

import (
	"maps"
	"math"
	"sync"
	"time"

	"iomt-ars/internal/models"
)

// MetricWindow хранит скользящее окно метрик устройства
type MetricWindow struct {
	hrValues      []float64
	latencyValues []float64
	lastSeen      time.Time
	maxSize       int
}

// Analyzer анализатор телеметрии с rolling average и z-score
type Analyzer struct {
	windows          map[string]*MetricWindow
	mu               sync.RWMutex
	windowSize       int
	anomalyThreshold float64
}

// MetricData данные для анализа. Отсутствующая метрика равна NaN.
type MetricData struct {
	DeviceIP  string
	Timestamp time.Time
	HeartRate float64
	Latency   float64
}

// AnalysisResult результат анализа
type AnalysisResult struct {
	DeviceIP          string
	Timestamp         time.Time
	RollingAvgHR      float64
	RollingAvgLatency float64
	IsAnomaly         bool
	ZScore            float64
	AnomalyScore      float64
	AnomalyType       string
}

// NewAnalyzer создает новый анализатор
func NewAnalyzer(windowSize int, anomalyThreshold float64) *Analyzer {
	if windowSize < 2 {
		windowSize = 2
	}
	if anomalyThreshold <= 0 {
		anomalyThreshold = 3
	}
	return &Analyzer{
		windows:          make(map[string]*MetricWindow),
		windowSize:       windowSize,
		anomalyThreshold: anomalyThreshold,
	}
}

// Enrich дополняет событие оценкой anomaly_score, если ее нет, а в событии
// есть пульс или задержка сети. Исходная карта признаков не изменяется.
func (a *Analyzer) Enrich(ev models.Event) (models.Event, *AnalysisResult) {
	if _, ok := ev.Features[models.FeatureAnomalyScore]; ok {
		return ev, nil
	}

	hr, hasHR := ev.Float(models.FeatureHeartRate)
	latency, hasLatency := ev.Float(models.FeatureNetworkLatency)
	if !hasHR && !hasLatency {
		return ev, nil
	}
	if !hasHR {
		hr = math.NaN()
	}
	if !hasLatency {
		latency = math.NaN()
	}

	result := a.Analyze(MetricData{
		DeviceIP:  ev.DeviceIP,
		Timestamp: ev.Timestamp,
		HeartRate: hr,
		Latency:   latency,
	})

	features := maps.Clone(ev.Features)
	features[models.FeatureAnomalyScore] = result.AnomalyScore
	ev.Features = features
	return ev, &result
}

// Analyze добавляет метрики в окно устройства и считает z-score
func (a *Analyzer) Analyze(data MetricData) AnalysisResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	window, exists := a.windows[data.DeviceIP]
	if !exists {
		window = &MetricWindow{
			hrValues:      make([]float64, 0, a.windowSize),
			latencyValues: make([]float64, 0, a.windowSize),
			maxSize:       a.windowSize,
		}
		a.windows[data.DeviceIP] = window
	}
	window.lastSeen = data.Timestamp

	var zHR, zLatency, avgHR, avgLatency float64
	if !math.IsNaN(data.HeartRate) {
		window.hrValues = push(window.hrValues, data.HeartRate, window.maxSize)
		avgHR = calculateAverage(window.hrValues)
		zHR = zScore(data.HeartRate, avgHR, calculateStdDev(window.hrValues, avgHR))
	}
	if !math.IsNaN(data.Latency) {
		window.latencyValues = push(window.latencyValues, data.Latency, window.maxSize)
		avgLatency = calculateAverage(window.latencyValues)
		zLatency = zScore(data.Latency, avgLatency, calculateStdDev(window.latencyValues, avgLatency))
	}

	// Определяем аномалию
	isAnomaly := false
	anomalyType := ""
	maxZScore := math.Max(math.Abs(zHR), math.Abs(zLatency))

	if math.Abs(zHR) > a.anomalyThreshold {
		isAnomaly = true
		if zHR > 0 {
			anomalyType = "HR_SPIKE"
		} else {
			anomalyType = "HR_DROP"
		}
	}

	if math.Abs(zLatency) > a.anomalyThreshold {
		isAnomaly = true
		if anomalyType != "" {
			anomalyType = "MULTIPLE_ANOMALY"
		} else if zLatency > 0 {
			anomalyType = "LATENCY_SPIKE"
		} else {
			anomalyType = "LATENCY_DROP"
		}
	}

	return AnalysisResult{
		DeviceIP:          data.DeviceIP,
		Timestamp:         data.Timestamp,
		RollingAvgHR:      avgHR,
		RollingAvgLatency: avgLatency,
		IsAnomaly:         isAnomaly,
		ZScore:            maxZScore,
		AnomalyScore:      maxZScore / (maxZScore + a.anomalyThreshold),
		AnomalyType:       anomalyType,
	}
}

func push(values []float64, v float64, maxSize int) []float64 {
	values = append(values, v)
	if len(values) > maxSize {
		values = values[1:]
	}
	return values
}

func zScore(v, mean, stdDev float64) float64 {
	if stdDev == 0 {
		return 0
	}
	return (v - mean) / stdDev
}

// calculateAverage вычисляет среднее значение
func calculateAverage(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// calculateStdDev вычисляет стандартное отклонение
func calculateStdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))

	return math.Sqrt(variance)
}

// GetStats возвращает статистику анализатора
func (a *Analyzer) GetStats() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return map[string]interface{}{
		"devices_tracked": len(a.windows),
		"window_size":     a.windowSize,
		"threshold":       a.anomalyThreshold,
	}
}
