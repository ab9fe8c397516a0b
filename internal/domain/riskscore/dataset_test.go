package riskscore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindcare/mindcare/internal/risk"
)

type mockPatients struct {
	ids     []uuid.UUID
	failErr error
}

func (m *mockPatients) ListPatientIDs(context.Context) ([]uuid.UUID, error) {
	return m.ids, m.failErr
}

func newTestBuilder(patients *mockPatients, assessments *mockAssessments, alerts *mockAlerts) *DatasetBuilder {
	reader := &fakeReader{assessments: assessments, alerts: alerts}
	return NewDatasetBuilder(patients, assessments, reader, alerts, days(30), zerolog.Nop())
}

func TestDatasetBuilder_Labels(t *testing.T) {
	assessments := newMockAssessments()
	alerts := newMockAlerts()
	pid := uuid.New()
	assessments.add(t, pid, []int{1, 1, 1, 1, 1, 1, 1, 1, 0}, fixedNow.Add(-days(60)))
	assessments.add(t, pid, []int{2, 2, 2, 2, 2, 2, 2, 2, 1}, fixedNow.Add(-days(40)))
	assessments.add(t, pid, []int{0, 0, 0, 0, 0, 0, 0, 0, 0}, fixedNow.Add(-days(10)))
	alerts.times[pid] = []time.Time{fixedNow.Add(-days(35))}

	ds, err := newTestBuilder(&mockPatients{ids: []uuid.UUID{pid}}, assessments, alerts).Build(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{1, 1, 0}
	if len(ds.Y) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(ds.Y))
	}
	for i := range want {
		if ds.Y[i] != want[i] {
			t.Errorf("row %d: expected label %v, got %v", i, want[i], ds.Y[i])
		}
	}
	if len(ds.FeatureNames) != risk.FeatureCount {
		t.Errorf("expected %d feature names, got %d", risk.FeatureCount, len(ds.FeatureNames))
	}
	for i, row := range ds.X {
		if len(row) != risk.FeatureCount {
			t.Errorf("row %d: expected %d features, got %d", i, risk.FeatureCount, len(row))
		}
	}
}

func TestDatasetBuilder_AlertAtAssessmentTimeIsNotFuture(t *testing.T) {
	assessments := newMockAssessments()
	alerts := newMockAlerts()
	pid := uuid.New()
	at := fixedNow.Add(-days(5))
	assessments.add(t, pid, []int{1, 1, 1, 1, 1, 1, 1, 1, 0}, at)
	alerts.times[pid] = []time.Time{at}

	ds, err := newTestBuilder(&mockPatients{ids: []uuid.UUID{pid}}, assessments, alerts).Build(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ds.Y[0] != 0 {
		t.Errorf("expected alert at the assessment instant to be excluded, got label %v", ds.Y[0])
	}
}

func TestDatasetBuilder_DeterministicOrder(t *testing.T) {
	assessments := newMockAssessments()
	alerts := newMockAlerts()
	var ids []uuid.UUID
	for p := 0; p < 12; p++ {
		pid := uuid.New()
		ids = append(ids, pid)
		for k := 0; k < 3; k++ {
			items := []int{p % 4, k, 1, 1, 0, 0, 0, 0, 0}
			assessments.add(t, pid, items, fixedNow.Add(-days(30*(3-k))))
		}
	}
	patients := &mockPatients{ids: ids}

	first, err := newTestBuilder(patients, assessments, alerts).WithWorkers(1).Build(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := newTestBuilder(patients, assessments, alerts).WithWorkers(8).Build(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.X) != 36 || len(second.X) != 36 {
		t.Fatalf("expected 36 rows, got %d and %d", len(first.X), len(second.X))
	}
	for i := range first.X {
		for j := range first.X[i] {
			if first.X[i][j] != second.X[i][j] {
				t.Fatalf("row %d feature %d differs between worker counts", i, j)
			}
		}
	}
}

func TestDatasetBuilder_MinExamples(t *testing.T) {
	assessments := newMockAssessments()
	pid := uuid.New()
	assessments.add(t, pid, []int{1, 1, 1, 1, 1, 1, 1, 1, 0}, fixedNow)

	_, err := newTestBuilder(&mockPatients{ids: []uuid.UUID{pid}}, assessments, newMockAlerts()).Build(context.Background(), 10)
	if err == nil {
		t.Fatal("expected error for too few examples")
	}
}

func TestDatasetBuilder_Errors(t *testing.T) {
	b := newTestBuilder(&mockPatients{failErr: fmt.Errorf("boom")}, newMockAssessments(), newMockAlerts())
	if _, err := b.Build(context.Background(), 1); err == nil {
		t.Error("expected listing error to propagate")
	}

	b = NewDatasetBuilder(&mockPatients{}, newMockAssessments(), nil, newMockAlerts(), 0, zerolog.Nop())
	if _, err := b.Build(context.Background(), 1); err == nil {
		t.Error("expected error for zero lookahead")
	}

	assessments := newMockAssessments()
	pid := uuid.New()
	assessments.add(t, pid, []int{1, 1, 1, 1, 1, 1, 1, 1, 0}, fixedNow)
	reader := &fakeReader{assessments: assessments, alerts: newMockAlerts(), failErr: fmt.Errorf("timeout")}
	b = NewDatasetBuilder(&mockPatients{ids: []uuid.UUID{pid}}, assessments, reader, newMockAlerts(), days(30), zerolog.Nop())
	if _, err := b.Build(context.Background(), 1); err == nil {
		t.Error("expected reader error to propagate")
	}
}
