package crisis

import (
	"time"

	"github.com/google/uuid"

	"github.com/mindcare/mindcare/internal/risk"
)

// Alert is a stored crisis alert. Alerts are acknowledged, never deleted.
type Alert struct {
	ID             uuid.UUID          `db:"id" json:"id"`
	AssessmentID   uuid.UUID          `db:"assessment_id" json:"assessment_id"`
	PatientID      uuid.UUID          `db:"patient_id" json:"patient_id"`
	AlertType      risk.AlertType     `db:"alert_type" json:"alert_type"`
	Severity       risk.AlertSeverity `db:"severity" json:"severity"`
	Message        string             `db:"message" json:"message"`
	DedupKey       string             `db:"dedup_key" json:"dedup_key"`
	RuleScore      float64            `db:"rule_score" json:"rule_score"`
	MLProbability  *float64           `db:"ml_probability" json:"ml_probability,omitempty"`
	CombinedScore  float64            `db:"combined_score" json:"combined_score"`
	CombinedLevel  risk.Level         `db:"combined_level" json:"combined_level"`
	Acknowledged   bool               `db:"acknowledged" json:"acknowledged"`
	AcknowledgedBy *string            `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time         `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
}

// FromRequest builds a new, unacknowledged alert.
func FromRequest(req risk.AlertRequest) *Alert {
	return &Alert{
		ID:            uuid.New(),
		AssessmentID:  req.AssessmentID,
		PatientID:     req.PatientID,
		AlertType:     req.Type,
		Severity:      req.Severity,
		Message:       req.Message,
		DedupKey:      req.DedupKey,
		RuleScore:     req.RuleScore,
		MLProbability: req.MLProbability,
		CombinedScore: req.CombinedScore,
		CombinedLevel: req.CombinedLevel,
		CreatedAt:     req.CreatedAt,
	}
}

var validSeverities = map[risk.AlertSeverity]bool{
	risk.SeverityWarning: true, risk.SeverityUrgent: true, risk.SeverityCritical: true,
}

// SearchParams filters alert listings. Nil fields match everything.
type SearchParams struct {
	PatientID    *uuid.UUID
	Acknowledged *bool
	Severity     *risk.AlertSeverity
}
