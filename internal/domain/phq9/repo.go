package phq9

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, a *Assessment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Assessment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Assessment, int, error)
	// ListRecent returns up to n assessments taken at or before asOf, newest first.
	ListRecent(ctx context.Context, patientID uuid.UUID, asOf time.Time, n int) ([]*Assessment, error)
	// ListAll returns every assessment for the patient, oldest first.
	ListAll(ctx context.Context, patientID uuid.UUID) ([]*Assessment, error)
}
