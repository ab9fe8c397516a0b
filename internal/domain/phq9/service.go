package phq9

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	assessments Repository
}

func NewService(assessments Repository) *Service {
	return &Service{assessments: assessments}
}

// Submit validates a completed questionnaire and stores it. The returned
// assessment carries the derived total, severity and Q9 flag.
func (s *Service) Submit(ctx context.Context, patientID uuid.UUID, items []int, assessedAt time.Time) (*Assessment, error) {
	a, err := NewAssessment(patientID, items, assessedAt)
	if err != nil {
		return nil, err
	}
	if err := s.assessments.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("store assessment: %w", err)
	}
	return a, nil
}

func (s *Service) GetAssessment(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	return s.assessments.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Assessment, int, error) {
	return s.assessments.ListByPatient(ctx, patientID, limit, offset)
}

// Latest returns the newest assessment taken at or before asOf, or nil when
// the patient has none.
func (s *Service) Latest(ctx context.Context, patientID uuid.UUID, asOf time.Time) (*Assessment, error) {
	items, err := s.assessments.ListRecent(ctx, patientID, asOf, 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}
