package phq9

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// itemsForTotal spreads total across the first eight items, leaving Q9 at zero
// unless the total needs it.
func itemsForTotal(total int) []int {
	items := make([]int, ItemCount)
	for i := 0; i < ItemCount && total > 0; i++ {
		v := total
		if v > MaxItemScore {
			v = MaxItemScore
		}
		items[i] = v
		total -= v
	}
	return items
}

func TestSeverityFor_Boundaries(t *testing.T) {
	tests := []struct {
		total int
		want  Severity
	}{
		{0, SeverityMinimal},
		{4, SeverityMinimal},
		{5, SeverityMild},
		{9, SeverityMild},
		{10, SeverityModerate},
		{14, SeverityModerate},
		{15, SeverityModeratelySevere},
		{19, SeverityModeratelySevere},
		{20, SeveritySevere},
		{27, SeveritySevere},
	}
	for _, tt := range tests {
		got, err := SeverityFor(tt.total)
		if err != nil {
			t.Fatalf("total %d: unexpected error: %v", tt.total, err)
		}
		if got != tt.want {
			t.Errorf("total %d: expected %s, got %s", tt.total, tt.want, got)
		}
	}
}

func TestSeverityFor_OutOfRange(t *testing.T) {
	for _, total := range []int{-1, 28, 100} {
		_, err := SeverityFor(total)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("total %d: expected ValidationError, got %v", total, err)
		}
	}
}

func TestBands_CoverEveryTotalOnce(t *testing.T) {
	for total := 0; total <= MaxTotal; total++ {
		hits := 0
		for _, b := range Bands {
			if total >= b.Min && total <= b.Max {
				hits++
			}
		}
		if hits != 1 {
			t.Errorf("total %d matched %d bands", total, hits)
		}
	}
}

func TestSeverity_Ordinal(t *testing.T) {
	want := map[Severity]int{
		SeverityMinimal: 0, SeverityMild: 1, SeverityModerate: 2,
		SeverityModeratelySevere: 3, SeveritySevere: 4,
	}
	for sev, ord := range want {
		if sev.Ordinal() != ord {
			t.Errorf("%s: expected ordinal %d, got %d", sev, ord, sev.Ordinal())
		}
	}
}

func TestNewAssessment_DerivesTotalAndSeverity(t *testing.T) {
	for _, total := range []int{0, 4, 5, 9, 10, 14, 15, 19, 20, 27} {
		a, err := NewAssessment(uuid.New(), itemsForTotal(total), time.Now())
		if err != nil {
			t.Fatalf("total %d: unexpected error: %v", total, err)
		}
		sum := 0
		for _, v := range a.Items {
			sum += v
		}
		if a.Total != sum || a.Total != total {
			t.Errorf("expected total %d, got %d (sum %d)", total, a.Total, sum)
		}
		want, _ := SeverityFor(total)
		if a.Severity != want {
			t.Errorf("total %d: expected severity %s, got %s", total, want, a.Severity)
		}
	}
}

func TestNewAssessment_ScenarioItems(t *testing.T) {
	a, err := NewAssessment(uuid.New(), []int{3, 3, 2, 3, 2, 3, 2, 2, 3}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Total != 23 {
		t.Errorf("expected total 23, got %d", a.Total)
	}
	if a.Q9() != 3 {
		t.Errorf("expected Q9 3, got %d", a.Q9())
	}
	if !a.SuicidalIdeation {
		t.Error("expected suicidal ideation flag for Q9=3")
	}
	if a.Severity != SeveritySevere {
		t.Errorf("expected severe, got %s", a.Severity)
	}
}

func TestNewAssessment_SuicidalIdeationThreshold(t *testing.T) {
	for q9, want := range map[int]bool{0: false, 1: false, 2: true, 3: true} {
		items := make([]int, ItemCount)
		items[8] = q9
		a, err := NewAssessment(uuid.New(), items, time.Now())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.SuicidalIdeation != want {
			t.Errorf("Q9=%d: expected flag %v, got %v", q9, want, a.SuicidalIdeation)
		}
	}
}

func TestNewAssessment_Validation(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		patientID uuid.UUID
		items     []int
		at        time.Time
		field     string
	}{
		{"missing patient", uuid.Nil, make([]int, 9), now, "patient_id"},
		{"too few items", uuid.New(), make([]int, 8), now, "items"},
		{"too many items", uuid.New(), make([]int, 10), now, "items"},
		{"item above range", uuid.New(), []int{0, 0, 4, 0, 0, 0, 0, 0, 0}, now, "items[2]"},
		{"negative item", uuid.New(), []int{0, 0, 0, 0, 0, 0, 0, 0, -1}, now, "items[8]"},
		{"missing timestamp", uuid.New(), make([]int, 9), time.Time{}, "assessed_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAssessment(tt.patientID, tt.items, tt.at)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, ve.Field)
			}
		})
	}
}

func TestAssessment_Breakdown(t *testing.T) {
	a, err := NewAssessment(uuid.New(), []int{0, 1, 2, 3, 0, 0, 0, 0, 2}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := a.Breakdown()
	if len(b) != ItemCount {
		t.Fatalf("expected %d rows, got %d", ItemCount, len(b))
	}
	if b[0].Number != 1 || b[8].Number != 9 {
		t.Errorf("expected question numbers 1..9, got %d..%d", b[0].Number, b[8].Number)
	}
	if b[1].Severity != "mild" || b[2].Severity != "moderate" || b[3].Severity != "severe" {
		t.Errorf("unexpected item severities: %s %s %s", b[1].Severity, b[2].Severity, b[3].Severity)
	}
	if !b[8].HighRisk {
		t.Error("expected Q9=2 to be marked high risk")
	}
	for i := 0; i < 8; i++ {
		if b[i].HighRisk {
			t.Errorf("question %d should not be high risk", i+1)
		}
	}
}
