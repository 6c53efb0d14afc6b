package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"strings"

	"iomt-ars/internal/models"
)

// DefaultFeatures порядок признаков, на котором обучалась модель
var DefaultFeatures = []string{
	models.FeatureHeartRate,
	models.FeatureSpO2,
	models.FeatureSysBP,
	models.FeatureNetworkLatency,
	models.FeaturePacketSize,
	models.FeatureAnomalyScore,
}

// DefaultFeatureValues значения для отсутствующих признаков
var DefaultFeatureValues = map[string]float64{
	models.FeatureHeartRate:      75,
	models.FeatureSpO2:           98,
	models.FeatureSysBP:          120,
	models.FeatureNetworkLatency: 20,
	models.FeaturePacketSize:     500,
	models.FeatureAnomalyScore:   0,
}

// legacyKeys старые имена признаков
var legacyKeys = map[string]string{
	"bp_sys": models.FeatureSysBP,
}

// TreeNode узел дерева. Лист, если Feature < 0.
type TreeNode struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value"`
}

// Tree дерево решений в плоском виде (как tree_ в sklearn)
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// ForestModel экспортированная модель случайного леса
type ForestModel struct {
	Classes  []string `json:"classes"`
	Features []string `json:"features"`
	Trees    []Tree   `json:"trees"`
}

// ForestOracle оракул на случайном лесе
type ForestOracle struct {
	model    ForestModel
	classes  []models.Decision
	features []string
}

// LoadForest читает модель из файла
func LoadForest(path string) (*ForestOracle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model: %w", err)
	}
	defer f.Close()

	return ReadForest(f)
}

// ReadForest читает модель из потока и проверяет ее структуру
func ReadForest(r io.Reader) (*ForestOracle, error) {
	var m ForestModel
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	return NewForestOracle(m)
}

// NewForestOracle создает оракул из уже загруженной модели
func NewForestOracle(m ForestModel) (*ForestOracle, error) {
	if len(m.Trees) == 0 {
		return nil, fmt.Errorf("model has no trees")
	}
	if len(m.Classes) == 0 {
		return nil, fmt.Errorf("model has no classes")
	}

	classes := make([]models.Decision, len(m.Classes))
	for i, c := range m.Classes {
		d := models.Decision(strings.ToUpper(strings.TrimSpace(c)))
		if !d.Valid() {
			return nil, fmt.Errorf("model class %q is not a known decision", c)
		}
		classes[i] = d
	}

	features := m.Features
	if len(features) == 0 {
		features = DefaultFeatures
	}

	for ti, tree := range m.Trees {
		if len(tree.Nodes) == 0 {
			return nil, fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range tree.Nodes {
			if n.Feature < 0 {
				if len(n.Value) != len(classes) {
					return nil, fmt.Errorf("tree %d leaf %d has %d values, want %d", ti, ni, len(n.Value), len(classes))
				}
				continue
			}
			if n.Feature >= len(features) {
				return nil, fmt.Errorf("tree %d node %d uses feature %d of %d", ti, ni, n.Feature, len(features))
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return nil, fmt.Errorf("tree %d node %d has invalid children %d/%d", ti, ni, n.Left, n.Right)
			}
		}
	}

	return &ForestOracle{model: m, classes: classes, features: features}, nil
}

// Decide реализует containment.Oracle
func (o *ForestOracle) Decide(_ context.Context, ev models.Event) (models.Decision, error) {
	x, err := o.vector(ev)
	if err != nil {
		return "", err
	}
	proba := o.PredictProba(x)

	best := 0
	for i := 1; i < len(proba); i++ {
		if proba[i] > proba[best] {
			best = i
		}
	}
	return o.classes[best], nil
}

// PredictProba средние вероятности классов по всем деревьям
func (o *ForestOracle) PredictProba(x []float64) []float64 {
	proba := make([]float64, len(o.classes))
	for _, tree := range o.model.Trees {
		leaf := walk(tree, x)
		total := 0.0
		for _, v := range leaf.Value {
			total += v
		}
		if total == 0 {
			continue
		}
		for i, v := range leaf.Value {
			proba[i] += v / total
		}
	}
	for i := range proba {
		proba[i] /= float64(len(o.model.Trees))
	}
	return proba
}

func walk(tree Tree, x []float64) TreeNode {
	n := tree.Nodes[0]
	for n.Feature >= 0 {
		if x[n.Feature] <= n.Threshold {
			n = tree.Nodes[n.Left]
		} else {
			n = tree.Nodes[n.Right]
		}
	}
	return n
}

// vector строит вектор признаков в порядке модели
func (o *ForestOracle) vector(ev models.Event) ([]float64, error) {
	values := maps.Clone(ev.Features)
	if values == nil {
		values = make(map[string]any)
	}
	// старое имя используется только при отсутствии канонического
	for legacy, canonical := range legacyKeys {
		if _, ok := values[canonical]; ok {
			continue
		}
		if v, ok := values[legacy]; ok {
			values[canonical] = v
		}
	}

	x := make([]float64, len(o.features))
	for i, name := range o.features {
		raw, ok := values[name]
		if !ok || raw == nil {
			def, known := DefaultFeatureValues[name]
			if !known {
				return nil, fmt.Errorf("%w: %s", ErrMissingFeature, name)
			}
			x[i] = def
			continue
		}
		v, ok := models.ToFloat(raw)
		if !ok {
			return nil, fmt.Errorf("feature %s is not a finite number: %v", name, raw)
		}
		x[i] = v
	}
	return x, nil
}
