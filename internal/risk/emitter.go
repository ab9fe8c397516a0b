package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mindcare/mindcare/internal/domain/phq9"
)

type AlertType string

const (
	AlertRuleTriggered  AlertType = "rule_triggered"
	AlertModelTriggered AlertType = "model_triggered"
	AlertCombined       AlertType = "combined"
)

type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityUrgent   AlertSeverity = "urgent"
	SeverityCritical AlertSeverity = "critical"
)

// AlertDecision is the emitter's verdict for one assessment. It is returned
// even when persisting the alert fails.
type AlertDecision struct {
	Trigger  bool          `json:"trigger"`
	Type     AlertType     `json:"alert_type,omitempty"`
	Severity AlertSeverity `json:"severity,omitempty"`
	DedupKey string        `json:"dedup_key,omitempty"`
	Reasons  []string      `json:"reasons,omitempty"`
	Message  string        `json:"message,omitempty"`
	// Created is false when the sink already held an alert for DedupKey.
	Created bool `json:"created"`
}

// AlertRequest is what the sink persists.
type AlertRequest struct {
	AssessmentID  uuid.UUID
	PatientID     uuid.UUID
	Type          AlertType
	Severity      AlertSeverity
	DedupKey      string
	Message       string
	RuleScore     float64
	MLProbability *float64
	CombinedScore float64
	CombinedLevel Level
	CreatedAt     time.Time
}

// AlertSink persists alert requests. CreateAlert must be idempotent on
// DedupKey and report whether a new alert was stored.
type AlertSink interface {
	CreateAlert(ctx context.Context, req AlertRequest) (bool, error)
}

// DedupKey is the idempotency key for an assessment's alert. It leaves out
// the alert type, which depends on whether a model was loaded, so re-scoring
// after a model reload cannot raise a second alert for the same assessment.
func DedupKey(assessmentID uuid.UUID) string {
	return assessmentID.String() + ":crisis"
}

// Decide computes the alert decision. Rule flags are checked on their own so
// no model output can suppress them.
func Decide(assessmentID uuid.UUID, rule RuleResult, ml MLOutcome, c Combined) AlertDecision {
	var reasons []string
	if rule.SuicidalIdeation {
		reasons = append(reasons, fmt.Sprintf("q9 score %d indicates suicidal ideation", rule.Q9))
	}
	if rule.Crisis {
		reasons = append(reasons, fmt.Sprintf("total score %d is in the crisis range", rule.Total))
	}
	combinedTrigger := c.Level.AtLeast(LevelHigh)
	if combinedTrigger {
		reasons = append(reasons, fmt.Sprintf("combined risk %s (%.2f)", c.Level, c.Score))
	}
	if len(reasons) == 0 {
		return AlertDecision{}
	}

	d := AlertDecision{Trigger: true, Reasons: reasons}
	modelHigh := ml.Available() && ml.Level.AtLeast(LevelHigh)
	// The model is credited only when it reached HIGH on its own.
	switch {
	case modelHigh && rule.Forced():
		d.Type = AlertCombined
	case modelHigh:
		d.Type = AlertModelTriggered
	default:
		d.Type = AlertRuleTriggered
	}

	// A rule-only score can land in the CRITICAL band, but the rule side
	// never claims more than HIGH, so critical needs the model.
	switch {
	case c.Level == LevelCritical && ml.Available():
		d.Severity = SeverityCritical
	case combinedTrigger || rule.SuicidalIdeation:
		d.Severity = SeverityUrgent
	default:
		d.Severity = SeverityWarning
	}

	d.DedupKey = DedupKey(assessmentID)
	d.Message = alertMessage(d.Type, rule, ml)
	return d
}

func alertMessage(t AlertType, rule RuleResult, ml MLOutcome) string {
	var parts []string
	if t != AlertModelTriggered || !ml.Available() {
		parts = append(parts, fmt.Sprintf("High-risk PHQ-9 assessment: Total score %d/%d, Q9 score %d/%d",
			rule.Total, phq9.MaxTotal, rule.Q9, phq9.MaxItemScore))
	}
	if t != AlertRuleTriggered && ml.Available() {
		parts = append(parts, fmt.Sprintf("ML crisis detection: %s risk detected (probability: %.2f)", ml.Level, ml.Probability))
	}
	return strings.Join(parts, "; ")
}

// Emitter decides and hands alerts to a sink. It sends no notifications.
type Emitter struct {
	sink AlertSink
	now  func() time.Time
}

func NewEmitter(sink AlertSink) *Emitter {
	return &Emitter{sink: sink, now: time.Now}
}

// Emit decides and, when triggered, submits one creation request. A sink
// error comes back as *PersistenceFailure alongside the decision.
func (e *Emitter) Emit(ctx context.Context, a *phq9.Assessment, rule RuleResult, ml MLOutcome, c Combined) (AlertDecision, error) {
	d := Decide(a.ID, rule, ml, c)
	if !d.Trigger || e.sink == nil {
		return d, nil
	}
	req := AlertRequest{
		AssessmentID:  a.ID,
		PatientID:     a.PatientID,
		Type:          d.Type,
		Severity:      d.Severity,
		DedupKey:      d.DedupKey,
		Message:       d.Message,
		RuleScore:     rule.Score,
		CombinedScore: c.Score,
		CombinedLevel: c.Level,
		CreatedAt:     e.now().UTC(),
	}
	if ml.Available() {
		p := ml.Probability
		req.MLProbability = &p
	}
	created, err := e.sink.CreateAlert(ctx, req)
	if err != nil {
		return d, &PersistenceFailure{Decision: d, Err: err}
	}
	d.Created = created
	return d, nil
}
