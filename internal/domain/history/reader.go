package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindcare/mindcare/internal/domain/phq9"
)

// Reader fetches everything the scoring pipeline needs for one patient.
type Reader interface {
	Load(ctx context.Context, patientID uuid.UUID, asOf time.Time) (*PatientHistory, error)
}

// assessmentDepth is how many assessments the pipeline looks at: the latest
// for severity and the one before it for trend and frequency.
const assessmentDepth = 2

// Loader assembles a PatientHistory from the individual repositories.
type Loader struct {
	assessments phq9.Repository
	moods       MoodRepository
	sessions    ExerciseRepository
	profiles    ProfileRepository
	alerts      AlertTimeSource
}

func NewLoader(assessments phq9.Repository, moods MoodRepository, sessions ExerciseRepository,
	profiles ProfileRepository, alerts AlertTimeSource) *Loader {
	return &Loader{
		assessments: assessments,
		moods:       moods,
		sessions:    sessions,
		profiles:    profiles,
		alerts:      alerts,
	}
}

// NewReaderPG wires a Loader over the Postgres repositories.
func NewReaderPG(pool *pgxpool.Pool, alerts AlertTimeSource) *Loader {
	return NewLoader(phq9.NewRepoPG(pool), NewMoodRepoPG(pool), NewExerciseRepoPG(pool),
		NewProfileRepoPG(pool), alerts)
}

func (l *Loader) Load(ctx context.Context, patientID uuid.UUID, asOf time.Time) (*PatientHistory, error) {
	from := asOf.Add(-Window)
	h := &PatientHistory{PatientID: patientID}

	var err error
	if h.Assessments, err = l.assessments.ListRecent(ctx, patientID, asOf, assessmentDepth); err != nil {
		return nil, fmt.Errorf("load assessments: %w", err)
	}
	if h.Moods, err = l.moods.ListBetween(ctx, patientID, from, asOf); err != nil {
		return nil, fmt.Errorf("load mood entries: %w", err)
	}
	if h.Sessions, err = l.sessions.ListBetween(ctx, patientID, from, asOf); err != nil {
		return nil, fmt.Errorf("load exercise sessions: %w", err)
	}
	if h.LastCompletedSessionAt, err = l.sessions.LastCompletedAt(ctx, patientID, asOf); err != nil {
		return nil, fmt.Errorf("load last completed session: %w", err)
	}
	if h.Profile, err = l.profiles.Get(ctx, patientID); err != nil {
		return nil, fmt.Errorf("load patient profile: %w", err)
	}
	if l.alerts != nil {
		if h.AlertTimes, err = l.alerts.AlertTimesBetween(ctx, patientID, from, asOf); err != nil {
			return nil, fmt.Errorf("load crisis history: %w", err)
		}
	}
	if h.Profile != nil && h.Profile.BirthDate != nil {
		age := AgeAt(*h.Profile.BirthDate, asOf)
		h.Age = &age
	}
	return h, nil
}
