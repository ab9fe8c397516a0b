package risk

import (
	"fmt"
	"math"

	"github.com/mindcare/mindcare/internal/domain/phq9"
)

// RuleResult is the deterministic classification of one PHQ-9 result.
type RuleResult struct {
	Total            int           `json:"total_score"`
	Q9               int           `json:"q9_score"`
	Severity         phq9.Severity `json:"severity"`
	Level            Level         `json:"risk_level"`
	Score            float64       `json:"score"`
	SuicidalIdeation bool          `json:"suicidal_ideation"`
	Crisis           bool          `json:"crisis"`
}

// Forced reports whether a crisis-forcing condition fired.
func (r RuleResult) Forced() bool {
	return r.SuicidalIdeation || r.Crisis
}

type ruleOutcome struct {
	level Level
	score float64
}

const forcedScore = 0.8

var severityOutcomes = map[phq9.Severity]ruleOutcome{
	phq9.SeveritySevere:           {LevelHigh, 0.8},
	phq9.SeverityModeratelySevere: {LevelHigh, 0.8},
	phq9.SeverityModerate:         {LevelMedium, 0.5},
	phq9.SeverityMild:             {LevelLow, 0.3},
	phq9.SeverityMinimal:          {LevelMinimal, 0.1},
}

// Classify maps a PHQ-9 total and Q9 score to a rule-based risk. It fails
// only on out-of-range input.
func Classify(total, q9 int) (RuleResult, error) {
	if q9 < 0 || q9 > phq9.MaxItemScore {
		return RuleResult{}, &ValidationError{Field: "q9_score", Reason: fmt.Sprintf("must be between 0 and %d, got %d", phq9.MaxItemScore, q9)}
	}
	sev, err := phq9.SeverityFor(total)
	if err != nil {
		return RuleResult{}, err
	}
	if q9 > total {
		return RuleResult{}, &ValidationError{Field: "q9_score", Reason: fmt.Sprintf("%d exceeds total score %d", q9, total)}
	}

	out := severityOutcomes[sev]
	r := RuleResult{
		Total:            total,
		Q9:               q9,
		Severity:         sev,
		Level:            out.level,
		Score:            out.score,
		SuicidalIdeation: q9 >= phq9.SuicidalIdeationThreshold,
		Crisis:           total >= phq9.CrisisTotal,
	}
	// Q9 forces at least HIGH whatever the total.
	if r.SuicidalIdeation {
		if !r.Level.AtLeast(LevelHigh) {
			r.Level = LevelHigh
		}
		r.Score = math.Max(r.Score, forcedScore)
	}
	return r, nil
}

// ClassifyAssessment classifies a stored assessment.
func ClassifyAssessment(a *phq9.Assessment) (RuleResult, error) {
	if a == nil {
		return RuleResult{}, &ValidationError{Field: "assessment", Reason: "is required"}
	}
	return Classify(a.Total, a.Q9())
}
