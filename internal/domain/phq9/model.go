package phq9

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	ItemCount    = 9
	MaxItemScore = 3
	MaxTotal     = ItemCount * MaxItemScore

	// SuicidalIdeationThreshold is the Q9 score at or above which the
	// suicidal-ideation flag is set.
	SuicidalIdeationThreshold = 2
	// CrisisTotal is the total score at or above which the crisis flag is set.
	CrisisTotal = 20
)

type Severity string

const (
	SeverityMinimal          Severity = "minimal"
	SeverityMild             Severity = "mild"
	SeverityModerate         Severity = "moderate"
	SeverityModeratelySevere Severity = "moderately_severe"
	SeveritySevere           Severity = "severe"
)

// Band is one row of the severity table. Min and Max are inclusive.
type Band struct {
	Min      int
	Max      int
	Severity Severity
}

// Bands is the only severity table in the codebase. Every caller that needs a
// severity for a total goes through SeverityFor.
var Bands = []Band{
	{0, 4, SeverityMinimal},
	{5, 9, SeverityMild},
	{10, 14, SeverityModerate},
	{15, 19, SeverityModeratelySevere},
	{20, 27, SeveritySevere},
}

// SeverityFor returns the band containing total.
func SeverityFor(total int) (Severity, error) {
	for _, b := range Bands {
		if total >= b.Min && total <= b.Max {
			return b.Severity, nil
		}
	}
	return "", &ValidationError{Field: "total", Reason: fmt.Sprintf("must be between 0 and %d, got %d", MaxTotal, total)}
}

// Ordinal encodes the severity as 0 (minimal) through 4 (severe).
func (s Severity) Ordinal() int {
	for i, b := range Bands {
		if b.Severity == s {
			return i
		}
	}
	return 0
}

// ValidationError reports malformed scoring input. It is never coerced.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Assessment maps to the phq9_assessment table. Assessments are immutable;
// a new submission is a new row.
type Assessment struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	PatientID        uuid.UUID      `db:"patient_id" json:"patient_id"`
	Items            [ItemCount]int `db:"items" json:"items"`
	Total            int            `db:"total_score" json:"total_score"`
	Severity         Severity       `db:"severity" json:"severity"`
	SuicidalIdeation bool           `db:"suicidal_ideation" json:"suicidal_ideation"`
	AssessedAt       time.Time      `db:"assessed_at" json:"assessed_at"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
}

// NewAssessment validates the nine item scores and derives total, severity
// and the suicidal-ideation flag.
func NewAssessment(patientID uuid.UUID, items []int, assessedAt time.Time) (*Assessment, error) {
	if patientID == uuid.Nil {
		return nil, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if len(items) != ItemCount {
		return nil, &ValidationError{Field: "items", Reason: fmt.Sprintf("expected %d scores, got %d", ItemCount, len(items))}
	}
	if assessedAt.IsZero() {
		return nil, &ValidationError{Field: "assessed_at", Reason: "is required"}
	}

	a := &Assessment{PatientID: patientID, AssessedAt: assessedAt}
	for i, v := range items {
		if v < 0 || v > MaxItemScore {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d]", i), Reason: fmt.Sprintf("must be between 0 and %d, got %d", MaxItemScore, v)}
		}
		a.Items[i] = v
		a.Total += v
	}
	sev, err := SeverityFor(a.Total)
	if err != nil {
		return nil, err
	}
	a.Severity = sev
	a.SuicidalIdeation = a.Q9() >= SuicidalIdeationThreshold
	return a, nil
}

// Q9 returns the self-harm item score.
func (a *Assessment) Q9() int {
	return a.Items[ItemCount-1]
}

var questionTexts = [ItemCount]string{
	"Little interest or pleasure in doing things",
	"Feeling down, depressed, or hopeless",
	"Trouble falling or staying asleep, or sleeping too much",
	"Feeling tired or having little energy",
	"Poor appetite or overeating",
	"Feeling bad about yourself",
	"Trouble concentrating on things",
	"Moving or speaking slowly, or being fidgety or restless",
	"Thoughts that you would be better off dead or of hurting yourself",
}

var itemSeverities = [MaxItemScore + 1]string{"none", "mild", "moderate", "severe"}

// QuestionResult is the per-item view returned with a submission.
type QuestionResult struct {
	Number   int    `json:"question_number"`
	Text     string `json:"question_text"`
	Score    int    `json:"score"`
	Severity string `json:"severity"`
	HighRisk bool   `json:"is_high_risk"`
}

func (a *Assessment) Breakdown() []QuestionResult {
	out := make([]QuestionResult, ItemCount)
	for i, score := range a.Items {
		out[i] = QuestionResult{
			Number:   i + 1,
			Text:     questionTexts[i],
			Score:    score,
			Severity: itemSeverities[score],
			HighRisk: i == ItemCount-1 && score >= SuicidalIdeationThreshold,
		}
	}
	return out
}
