package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindcare/mindcare/internal/domain/history"
	"github.com/mindcare/mindcare/internal/domain/phq9"
	"github.com/mindcare/mindcare/internal/risk/gbt"
)

// Result is one scoring of a patient's latest assessment.
type Result struct {
	PatientID    uuid.UUID  `json:"patient_id"`
	AssessmentID uuid.UUID  `json:"assessment_id"`
	Rule         RuleResult `json:"rule"`
	ML           MLOutcome  `json:"ml"`
	Combined     Combined   `json:"combined"`
	// MLParticipated is true when the model contributed to Combined.
	MLParticipated    bool          `json:"ml_participated"`
	ModelVersion      string        `json:"model_version,omitempty"`
	DefaultedFeatures []string      `json:"defaulted_features,omitempty"`
	Degraded          bool          `json:"degraded"`
	Recommendations   []string      `json:"recommendations"`
	Alert             AlertDecision `json:"alert"`
	ScoredAt          time.Time     `json:"scored_at"`
}

// Scorer runs the full pipeline. The model handle is its only shared state.
type Scorer struct {
	handle    *ModelHandle
	estimator *Estimator
	emitter   *Emitter
	keywords  *KeywordCounter
	logger    zerolog.Logger
}

// NewScorer wires a scorer. sink may be nil, in which case decisions are
// made but nothing is persisted.
func NewScorer(handle *ModelHandle, sink AlertSink, logger zerolog.Logger) *Scorer {
	if handle == nil {
		handle = NewModelHandle(nil)
	}
	return &Scorer{
		handle:    handle,
		estimator: NewEstimator(handle),
		emitter:   NewEmitter(sink),
		logger:    logger.With().Str("component", "risk-scorer").Logger(),
	}
}

// WithKeywordCounter makes Score fill in a missing crisis keyword count from
// mood notes.
func (s *Scorer) WithKeywordCounter(k *KeywordCounter) *Scorer {
	s.keywords = k
	return s
}

func (s *Scorer) Model() *ModelHandle {
	return s.handle
}

// Score classifies the latest assessment at or before asOf. Equal inputs and
// an unchanged model give an equal Result. If the alert cannot be persisted
// the full Result is returned with a *PersistenceFailure.
func (s *Scorer) Score(ctx context.Context, h *history.PatientHistory, asOf time.Time) (Result, error) {
	if h == nil {
		return Result{}, &ValidationError{Field: "history", Reason: "is required"}
	}
	latest := latestAt(h, asOf)
	if latest == nil {
		return Result{}, &ValidationError{Field: "assessment", Reason: "patient has no PHQ-9 assessment to score"}
	}

	// Rule flags are settled before the model runs.
	rule, err := ClassifyAssessment(latest)
	if err != nil {
		return Result{}, err
	}

	if s.keywords != nil && h.CrisisKeywordCount == nil {
		annotated := *h
		s.keywords.Annotate(&annotated, asOf)
		h = &annotated
	}
	features, err := Extract(h, asOf)
	if err != nil {
		return Result{}, err
	}

	ml := s.estimator.Estimate(features.Vector)
	combined := Combine(rule, ml)
	degraded := features.PHQ9Defaulted()
	if degraded {
		combined.Confidence = combined.Confidence.Lower()
	}

	res := Result{
		PatientID:         h.PatientID,
		AssessmentID:      latest.ID,
		Rule:              rule,
		ML:                ml,
		Combined:          combined,
		MLParticipated:    ml.Available(),
		ModelVersion:      ml.ModelVersion,
		DefaultedFeatures: features.Defaulted,
		Degraded:          degraded,
		Recommendations:   Recommendations(combined.Level),
		ScoredAt:          asOf.UTC(),
	}

	res.Alert, err = s.emitter.Emit(ctx, latest, rule, ml, combined)

	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Error().Err(err)
	}
	ev.Str("patient_id", h.PatientID.String()).
		Str("assessment_id", latest.ID.String()).
		Str("rule_level", string(rule.Level)).
		Str("combined_level", string(combined.Level)).
		Str("confidence", string(combined.Confidence)).
		Bool("ml", res.MLParticipated).
		Bool("degraded", degraded).
		Bool("alert", res.Alert.Trigger).
		Str("alert_severity", string(res.Alert.Severity)).
		Msg("risk scored")

	return res, err
}

func latestAt(h *history.PatientHistory, asOf time.Time) *phq9.Assessment {
	var latest *phq9.Assessment
	for _, a := range h.Assessments {
		if a.AssessedAt.After(asOf) {
			continue
		}
		if latest == nil || a.AssessedAt.After(latest.AssessedAt) {
			latest = a
		}
	}
	return latest
}

// Load installs a trained model. It returns the previous one, if any.
func (s *Scorer) Load(m *gbt.Model) (Predictor, error) {
	if m == nil {
		return nil, ErrModelUnavailable
	}
	if m.NumFeatures() != FeatureCount {
		return nil, fmt.Errorf("model has %d features, scorer needs %d", m.NumFeatures(), FeatureCount)
	}
	prev := s.handle.Swap(m)
	s.logger.Info().Str("model_version", m.Version).Msg("crisis model loaded")
	return prev, nil
}

// Retrain fits a new model on ds and swaps it in. In-flight scorings finish
// on whichever model they started with.
func (s *Scorer) Retrain(ds gbt.Dataset, p gbt.Params) (*gbt.Model, gbt.Metrics, error) {
	if len(ds.FeatureNames) == 0 {
		ds.FeatureNames = FeatureNames[:]
	}
	m, metrics, err := gbt.Train(ds, p)
	if err != nil {
		return nil, gbt.Metrics{}, fmt.Errorf("retrain crisis model: %w", err)
	}
	if _, err := s.Load(m); err != nil {
		return nil, gbt.Metrics{}, err
	}
	return m, metrics, nil
}
