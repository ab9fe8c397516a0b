package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type MoodRepository interface {
	Create(ctx context.Context, m *MoodEntry) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MoodEntry, int, error)
	// ListBetween returns entries recorded in [from, to], newest first.
	ListBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*MoodEntry, error)
}

type ExerciseRepository interface {
	Create(ctx context.Context, s *ExerciseSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*ExerciseSession, error)
	Update(ctx context.Context, s *ExerciseSession) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ExerciseSession, int, error)
	// ListBetween returns sessions scheduled in [from, to], newest first.
	ListBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*ExerciseSession, error)
	// LastCompletedAt returns the end time of the newest session completed at
	// or before asOf, or nil.
	LastCompletedAt(ctx context.Context, patientID uuid.UUID, asOf time.Time) (*time.Time, error)
}

type ProfileRepository interface {
	Upsert(ctx context.Context, p *Profile) error
	Get(ctx context.Context, patientID uuid.UUID) (*Profile, error)
	ListPatientIDs(ctx context.Context) ([]uuid.UUID, error)
}

// AlertTimeSource reports when crisis alerts were raised for a patient.
type AlertTimeSource interface {
	AlertTimesBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]time.Time, error)
}
