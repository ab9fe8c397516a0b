package riskscore

import (
	"time"

	"github.com/google/uuid"

	"github.com/mindcare/mindcare/internal/domain/phq9"
	"github.com/mindcare/mindcare/internal/risk"
	"github.com/mindcare/mindcare/internal/risk/gbt"
)

// AuditRecord is one row of the scoring audit trail. Every scoring is
// recorded, including re-scores of the same assessment.
type AuditRecord struct {
	ID                uuid.UUID           `db:"id" json:"id"`
	PatientID         uuid.UUID           `db:"patient_id" json:"patient_id"`
	AssessmentID      uuid.UUID           `db:"assessment_id" json:"assessment_id"`
	RuleLevel         risk.Level          `db:"rule_level" json:"rule_level"`
	RuleScore         float64             `db:"rule_score" json:"rule_score"`
	MLStatus          risk.MLStatus       `db:"ml_status" json:"ml_status"`
	MLProbability     *float64            `db:"ml_probability" json:"ml_probability,omitempty"`
	ModelVersion      *string             `db:"model_version" json:"model_version,omitempty"`
	CombinedLevel     risk.Level          `db:"combined_level" json:"combined_level"`
	CombinedScore     float64             `db:"combined_score" json:"combined_score"`
	Confidence        risk.Confidence     `db:"confidence" json:"confidence"`
	Degraded          bool                `db:"degraded" json:"degraded"`
	DefaultedFeatures []string            `db:"defaulted_features" json:"defaulted_features"`
	AlertTriggered    bool                `db:"alert_triggered" json:"alert_triggered"`
	AlertType         *risk.AlertType     `db:"alert_type" json:"alert_type,omitempty"`
	AlertSeverity     *risk.AlertSeverity `db:"alert_severity" json:"alert_severity,omitempty"`
	AlertCreated      bool                `db:"alert_created" json:"alert_created"`
	ScoredAt          time.Time           `db:"scored_at" json:"scored_at"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
}

// FromResult flattens a scoring result into an audit row.
func FromResult(res risk.Result) *AuditRecord {
	rec := &AuditRecord{
		ID:                uuid.New(),
		PatientID:         res.PatientID,
		AssessmentID:      res.AssessmentID,
		RuleLevel:         res.Rule.Level,
		RuleScore:         res.Rule.Score,
		MLStatus:          res.ML.Status,
		CombinedLevel:     res.Combined.Level,
		CombinedScore:     res.Combined.Score,
		Confidence:        res.Combined.Confidence,
		Degraded:          res.Degraded,
		DefaultedFeatures: append([]string{}, res.DefaultedFeatures...),
		AlertTriggered:    res.Alert.Trigger,
		AlertCreated:      res.Alert.Created,
		ScoredAt:          res.ScoredAt,
	}
	if res.ML.Available() {
		p := res.ML.Probability
		rec.MLProbability = &p
		v := res.ML.ModelVersion
		rec.ModelVersion = &v
	}
	if res.Alert.Trigger {
		t, s := res.Alert.Type, res.Alert.Severity
		rec.AlertType = &t
		rec.AlertSeverity = &s
	}
	return rec
}

// Submission is the response to a new PHQ-9 submission.
type Submission struct {
	Assessment *phq9.Assessment      `json:"assessment"`
	Breakdown  []phq9.QuestionResult `json:"breakdown"`
	Risk       risk.Result           `json:"risk"`
}

// ModelStatus describes the model currently installed in the scorer.
type ModelStatus struct {
	Loaded       bool             `json:"loaded"`
	Version      string           `json:"version,omitempty"`
	FeatureCount int              `json:"feature_count"`
	TrainedAt    *time.Time       `json:"trained_at,omitempty"`
	Metrics      *gbt.Metrics     `json:"metrics,omitempty"`
	TopFeatures  []gbt.Importance `json:"top_features,omitempty"`
}

// StatusOf reports on p, which may be nil.
func StatusOf(p risk.Predictor) ModelStatus {
	if p == nil {
		return ModelStatus{FeatureCount: risk.FeatureCount}
	}
	st := ModelStatus{
		Loaded:       true,
		Version:      p.ModelVersion(),
		FeatureCount: p.NumFeatures(),
		TopFeatures:  p.TopImportances(5),
	}
	if m, ok := p.(*gbt.Model); ok {
		trained := m.TrainedAt
		metrics := m.Metrics
		st.TrainedAt = &trained
		st.Metrics = &metrics
	}
	return st
}
