// Package gbt implements binary gradient-boosted regression trees with
// logistic loss: training, inference and a versioned JSON artifact format.
package gbt

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

// FormatVersion is bumped whenever the artifact layout changes.
const FormatVersion = 1

// Node is one tree node. Internal nodes send x[Feature] < Threshold left.
// Children always have larger indexes than their parent.
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) predict(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Metrics summarises held-out performance at training time.
type Metrics struct {
	TrainSize          int     `json:"train_size"`
	ValidationSize     int     `json:"validation_size"`
	Positives          int     `json:"positives"`
	TrainAccuracy      float64 `json:"train_accuracy"`
	ValidationAccuracy float64 `json:"validation_accuracy"`
	ValidationLogLoss  float64 `json:"validation_log_loss"`
}

// Model is a trained ensemble. It is read-only after construction and safe
// for concurrent use.
type Model struct {
	Format       int       `json:"format"`
	Version      string    `json:"version"`
	TrainedAt    time.Time `json:"trained_at"`
	FeatureNames []string  `json:"feature_names"`
	BaseScore    float64   `json:"base_score"`
	LearningRate float64   `json:"learning_rate"`
	Trees        []Tree    `json:"trees"`
	// Importances is total split gain per feature, normalised to sum to 1.
	Importances []float64 `json:"importances"`
	Params      Params    `json:"params"`
	Metrics     Metrics   `json:"metrics"`
}

func (m *Model) NumFeatures() int {
	return len(m.FeatureNames)
}

func (m *Model) ModelVersion() string {
	return m.Version
}

// Margin is the raw log-odds for x.
func (m *Model) Margin(x []float64) float64 {
	sum := m.BaseScore
	for i := range m.Trees {
		sum += m.LearningRate * m.Trees[i].predict(x)
	}
	return sum
}

// PredictProba returns the crisis probability for x. x must have
// NumFeatures entries.
func (m *Model) PredictProba(x []float64) float64 {
	return sigmoid(m.Margin(x))
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Importance is one entry of TopImportances.
type Importance struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// TopImportances returns the n most important features, highest first.
func (m *Model) TopImportances(n int) []Importance {
	out := make([]Importance, len(m.FeatureNames))
	for i, name := range m.FeatureNames {
		out[i] = Importance{Feature: name, Weight: m.Importances[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	if n < len(out) {
		out = out[:n]
	}
	return out
}

// Validate checks the structure of a decoded model so a corrupt artifact is
// rejected at load time rather than panicking at inference.
func (m *Model) Validate() error {
	if m.Format != FormatVersion {
		return fmt.Errorf("unsupported model format %d", m.Format)
	}
	nf := len(m.FeatureNames)
	if nf == 0 {
		return fmt.Errorf("model has no features")
	}
	if len(m.Importances) != nf {
		return fmt.Errorf("model has %d importances for %d features", len(m.Importances), nf)
	}
	if len(m.Trees) == 0 {
		return fmt.Errorf("model has no trees")
	}
	if m.LearningRate <= 0 || math.IsNaN(m.BaseScore) || math.IsInf(m.BaseScore, 0) {
		return fmt.Errorf("model has invalid learning rate or base score")
	}
	for ti, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= nf {
				return fmt.Errorf("tree %d node %d: feature %d out of range", ti, ni, n.Feature)
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d: invalid children %d/%d", ti, ni, n.Left, n.Right)
			}
		}
	}
	return nil
}

// Save writes the model as indented JSON.
func Save(w io.Writer, m *Model) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// Load decodes and validates a model artifact.
func Load(r io.Reader) (*Model, error) {
	var m Model
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	return &m, nil
}
