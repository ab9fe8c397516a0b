package history

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mindcare/mindcare/internal/domain/phq9"
)

// Window is the trailing period of behavioral history used for scoring.
const Window = 30 * 24 * time.Hour

const (
	MinMoodRating = 1
	MaxMoodRating = 10
)

// MoodEntry maps to the mood_entry table.
type MoodEntry struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	Rating     int       `db:"rating" json:"rating"`
	Note       *string   `db:"note" json:"note,omitempty"`
	Tags       []string  `db:"tags" json:"tags,omitempty"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

type ActivityType string

const (
	ActivityCBT                  ActivityType = "cbt"
	ActivityBehavioralActivation ActivityType = "behavioral_activation"
	ActivityMindfulness          ActivityType = "mindfulness"
	ActivityBreathing            ActivityType = "breathing"
	ActivityJournaling           ActivityType = "journaling"
)

var validActivityTypes = map[ActivityType]bool{
	ActivityCBT: true, ActivityBehavioralActivation: true, ActivityMindfulness: true,
	ActivityBreathing: true, ActivityJournaling: true,
}

type SessionStatus string

const (
	StatusScheduled  SessionStatus = "scheduled"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusSkipped    SessionStatus = "skipped"
)

// sessionTransitions lists the allowed next states. Completed and skipped are
// terminal.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	StatusScheduled:  {StatusInProgress, StatusSkipped},
	StatusInProgress: {StatusCompleted, StatusSkipped},
}

// ExerciseSession maps to the exercise_session table.
type ExerciseSession struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	PatientID    uuid.UUID     `db:"patient_id" json:"patient_id"`
	ActivityType ActivityType  `db:"activity_type" json:"activity_type"`
	Status       SessionStatus `db:"status" json:"status"`
	Rating       *int          `db:"rating" json:"rating,omitempty"`
	ScheduledAt  time.Time     `db:"scheduled_at" json:"scheduled_at"`
	StartedAt    *time.Time    `db:"started_at" json:"started_at,omitempty"`
	EndedAt      *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// Transition moves the session to the next status, stamping start and end
// times as it goes.
func (s *ExerciseSession) Transition(to SessionStatus, at time.Time) error {
	for _, next := range sessionTransitions[s.Status] {
		if next != to {
			continue
		}
		switch to {
		case StatusInProgress:
			s.StartedAt = &at
		case StatusCompleted, StatusSkipped:
			s.EndedAt = &at
		}
		s.Status = to
		return nil
	}
	return fmt.Errorf("cannot move exercise session from %s to %s", s.Status, to)
}

// Started reports whether the patient began the session.
func (s *ExerciseSession) Started() bool {
	return s.StartedAt != nil
}

// Profile maps to the patient table. Nil clinical fields are unknown and fall
// back to neutral defaults when scored.
type Profile struct {
	PatientID            uuid.UUID  `db:"id" json:"patient_id"`
	BirthDate            *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	EnrolledAt           *time.Time `db:"enrolled_at" json:"enrolled_at,omitempty"`
	IsolationLevel       *float64   `db:"isolation_level" json:"isolation_level,omitempty"`
	SocialSupport        *float64   `db:"social_support" json:"social_support,omitempty"`
	MedicationAdherence  *float64   `db:"medication_adherence" json:"medication_adherence,omitempty"`
	TherapyAttendance    *float64   `db:"therapy_attendance" json:"therapy_attendance,omitempty"`
	ProviderConcern      *float64   `db:"provider_concern" json:"provider_concern,omitempty"`
	ClinicalObservations *float64   `db:"clinical_observations" json:"clinical_observations,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// AgeAt returns whole years between birth and t. The result is negative when
// birth is after t.
func AgeAt(birth, t time.Time) int {
	years := t.Year() - birth.Year()
	if t.Month() < birth.Month() || (t.Month() == birth.Month() && t.Day() < birth.Day()) {
		years--
	}
	return years
}

// PatientHistory is everything the scoring pipeline reads about one patient.
// Slices are newest first.
type PatientHistory struct {
	PatientID   uuid.UUID
	Assessments []*phq9.Assessment
	Moods       []*MoodEntry
	Sessions    []*ExerciseSession
	// LastCompletedSessionAt may predate the window.
	LastCompletedSessionAt *time.Time
	AlertTimes             []time.Time
	Profile                *Profile
	Age                    *int
	// CrisisKeywordCount is supplied by an external text analyzer, if any.
	CrisisKeywordCount *int
}

// Latest returns the newest assessment, or nil.
func (h *PatientHistory) Latest() *phq9.Assessment {
	if len(h.Assessments) == 0 {
		return nil
	}
	return h.Assessments[0]
}
