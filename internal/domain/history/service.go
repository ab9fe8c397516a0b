package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	moods    MoodRepository
	sessions ExerciseRepository
	profiles ProfileRepository
	now      func() time.Time
}

func NewService(moods MoodRepository, sessions ExerciseRepository, profiles ProfileRepository) *Service {
	return &Service{moods: moods, sessions: sessions, profiles: profiles, now: time.Now}
}

// -- Mood --

func (s *Service) RecordMood(ctx context.Context, m *MoodEntry) error {
	if m.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if m.Rating < MinMoodRating || m.Rating > MaxMoodRating {
		return fmt.Errorf("rating must be between %d and %d", MinMoodRating, MaxMoodRating)
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = s.now().UTC()
	}
	return s.moods.Create(ctx, m)
}

func (s *Service) ListMoods(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MoodEntry, int, error) {
	return s.moods.ListByPatient(ctx, patientID, limit, offset)
}

// -- Exercise Session --

func (s *Service) ScheduleExercise(ctx context.Context, e *ExerciseSession) error {
	if e.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if !validActivityTypes[e.ActivityType] {
		return fmt.Errorf("invalid activity_type: %s", e.ActivityType)
	}
	if e.Status != "" && e.Status != StatusScheduled {
		return fmt.Errorf("new sessions must be scheduled, got status %s", e.Status)
	}
	e.Status = StatusScheduled
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = s.now().UTC()
	}
	e.StartedAt, e.EndedAt, e.Rating = nil, nil, nil
	return s.sessions.Create(ctx, e)
}

// TransitionExercise advances a session. A rating may accompany completion.
func (s *Service) TransitionExercise(ctx context.Context, id uuid.UUID, to SessionStatus, rating *int) (*ExerciseSession, error) {
	e, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rating != nil {
		if to != StatusCompleted {
			return nil, fmt.Errorf("rating is only accepted when completing a session")
		}
		if *rating < MinMoodRating || *rating > MaxMoodRating {
			return nil, fmt.Errorf("rating must be between %d and %d", MinMoodRating, MaxMoodRating)
		}
	}
	if err := e.Transition(to, s.now().UTC()); err != nil {
		return nil, err
	}
	if rating != nil {
		e.Rating = rating
	}
	if err := s.sessions.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) ListExercises(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ExerciseSession, int, error) {
	return s.sessions.ListByPatient(ctx, patientID, limit, offset)
}

// -- Profile --

func unitRange(name string, v *float64) error {
	if v != nil && (*v < 0 || *v > 1) {
		return fmt.Errorf("%s must be between 0 and 1", name)
	}
	return nil
}

func (s *Service) SaveProfile(ctx context.Context, p *Profile) error {
	if p.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if p.BirthDate != nil && p.BirthDate.After(s.now()) {
		return fmt.Errorf("birth_date cannot be in the future")
	}
	for name, v := range map[string]*float64{
		"isolation_level":       p.IsolationLevel,
		"social_support":        p.SocialSupport,
		"medication_adherence":  p.MedicationAdherence,
		"therapy_attendance":    p.TherapyAttendance,
		"provider_concern":      p.ProviderConcern,
		"clinical_observations": p.ClinicalObservations,
	} {
		if err := unitRange(name, v); err != nil {
			return err
		}
	}
	if p.EnrolledAt == nil {
		now := s.now().UTC()
		p.EnrolledAt = &now
	}
	return s.profiles.Upsert(ctx, p)
}

func (s *Service) GetProfile(ctx context.Context, patientID uuid.UUID) (*Profile, error) {
	p, err := s.profiles.Get(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("profile not found")
	}
	return p, nil
}
