package risk

import (
	"fmt"
	"sync/atomic"

	"github.com/mindcare/mindcare/internal/risk/gbt"
)

// Predictor is a loaded crisis model. *gbt.Model satisfies it; tests use
// stubs.
type Predictor interface {
	PredictProba(x []float64) float64
	NumFeatures() int
	ModelVersion() string
	TopImportances(n int) []gbt.Importance
}

// ModelHandle owns the current model. Swapping replaces the whole model at
// once, so a concurrent reader sees either the old or the new one.
type ModelHandle struct {
	p atomic.Pointer[predictorBox]
}

type predictorBox struct {
	Predictor
}

// NewModelHandle returns a handle holding p, which may be nil.
func NewModelHandle(p Predictor) *ModelHandle {
	h := &ModelHandle{}
	h.Swap(p)
	return h
}

// Current returns the loaded model or nil.
func (h *ModelHandle) Current() Predictor {
	if h == nil {
		return nil
	}
	box := h.p.Load()
	if box == nil {
		return nil
	}
	return box.Predictor
}

// Swap installs p and returns the previous model. A nil p unloads.
func (h *ModelHandle) Swap(p Predictor) Predictor {
	var next *predictorBox
	if p != nil {
		next = &predictorBox{p}
	}
	prev := h.p.Swap(next)
	if prev == nil {
		return nil
	}
	return prev.Predictor
}

// MLStatus tags an MLOutcome.
type MLStatus string

const (
	MLPresent MLStatus = "present"
	MLAbsent  MLStatus = "absent"
)

const topFeatureCount = 5

// MLOutcome is the estimator result. When Status is MLAbsent only Reason is
// meaningful; callers must not read Probability as zero risk.
type MLOutcome struct {
	Status          MLStatus         `json:"status"`
	Probability     float64          `json:"probability,omitempty"`
	Level           Level            `json:"risk_level,omitempty"`
	Confidence      Confidence       `json:"confidence,omitempty"`
	ModelVersion    string           `json:"model_version,omitempty"`
	TopFeatures     []gbt.Importance `json:"top_features,omitempty"`
	Recommendations []string         `json:"recommendations,omitempty"`
	Reason          string           `json:"reason,omitempty"`
}

// Absent builds the unavailable variant.
func Absent(reason string) MLOutcome {
	return MLOutcome{Status: MLAbsent, Reason: reason}
}

// Present builds the available variant from a model probability.
func Present(p float64, version string, top []gbt.Importance) MLOutcome {
	level := LevelForScore(p)
	return MLOutcome{
		Status:          MLPresent,
		Probability:     p,
		Level:           level,
		Confidence:      probabilityConfidence(p),
		ModelVersion:    version,
		TopFeatures:     top,
		Recommendations: Recommendations(level),
	}
}

func (o MLOutcome) Available() bool {
	return o.Status == MLPresent
}

// Estimator runs the current model over a feature vector.
type Estimator struct {
	handle *ModelHandle
}

func NewEstimator(h *ModelHandle) *Estimator {
	return &Estimator{handle: h}
}

// Estimate never fails: a missing or incompatible model yields Absent.
func (e *Estimator) Estimate(v FeatureVector) MLOutcome {
	m := e.handle.Current()
	if m == nil {
		return Absent("model not loaded")
	}
	if m.NumFeatures() != FeatureCount {
		return Absent(fmt.Sprintf("model expects %d features, have %d", m.NumFeatures(), FeatureCount))
	}
	p := m.PredictProba(v[:])
	if p < 0 || p > 1 || p != p {
		return Absent(fmt.Sprintf("model returned invalid probability %v", p))
	}
	return Present(p, m.ModelVersion(), m.TopImportances(topFeatureCount))
}
