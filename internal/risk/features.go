package risk

import (
	"fmt"
	"sort"
	"time"

	"github.com/mindcare/mindcare/internal/domain/history"
	"github.com/mindcare/mindcare/internal/domain/phq9"
)

// Feature indexes into a FeatureVector. The order is part of the model
// artifact format and must not change.
const (
	FeaturePHQ9Total = iota
	FeatureQ9Score
	FeaturePHQ9Severity
	FeaturePHQ9Trend
	FeatureMoodIntensity
	FeatureMoodLow
	FeatureMoodDeclining
	FeatureExerciseCompletionRate
	FeatureExerciseDrop
	FeatureDaysSinceLastSession
	FeatureDaysInactive
	FeatureCrisisKeywordCount
	FeatureCrisisWordsPresent
	FeaturePreviousCrisisCount
	FeatureHasCrisisHistory
	FeatureAssessmentFrequency
	FeatureAssessmentGap
	FeatureTreatmentDuration
	FeatureNewPatient
	FeatureAge
	FeatureHighRiskAge
	FeatureIsolationLevel
	FeatureSocialSupport
	FeatureMedicationAdherence
	FeatureTherapyAttendance
	FeatureProviderConcern
	FeatureClinicalObservations

	FeatureCount
)

// FeatureNames lists feature names in vector order.
var FeatureNames = [FeatureCount]string{
	"phq9_total", "q9_score", "phq9_severity", "phq9_trend",
	"mood_intensity", "mood_low", "mood_declining",
	"exercise_completion_rate", "exercise_drop", "days_since_last_session", "days_inactive",
	"crisis_keyword_count", "crisis_words_present", "previous_crisis_count", "has_crisis_history",
	"assessment_frequency", "assessment_gap", "treatment_duration", "new_patient",
	"age", "high_risk_age", "isolation_level", "social_support",
	"medication_adherence", "therapy_attendance", "provider_concern", "clinical_observations",
}

// Neutral defaults used when the history has nothing to say.
const (
	defaultMoodIntensity       = 5.0
	defaultCompletionRate      = 1.0
	defaultAssessmentFrequency = 7.0
	defaultAge                 = 30.0
	defaultSocialSupport       = 1.0
	defaultAdherence           = 1.0
	defaultAttendance          = 1.0

	recentMoodCount   = 5
	lowMoodThreshold  = 3.0
	lowCompletionRate = 0.5
	inactiveDays      = 7
	assessmentGapDays = 14
	newPatientDays    = 30
	highRiskAgeMin    = 18
	highRiskAgeMax    = 25
)

// phq9Driven names the features whose absence weakens the rule side of the
// result.
var phq9Driven = map[string]bool{
	"phq9_total": true, "q9_score": true, "phq9_severity": true,
	"phq9_trend": true, "assessment_frequency": true,
}

// FeatureVector is one patient snapshot in FeatureNames order.
type FeatureVector [FeatureCount]float64

// Map returns the vector keyed by feature name.
func (v FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, FeatureCount)
	for i, name := range FeatureNames {
		m[name] = v[i]
	}
	return m
}

// Features is the output of Extract.
type Features struct {
	Vector FeatureVector
	// Defaulted lists, in vector order, the features filled with neutral
	// defaults because the history had no data for them.
	Defaulted []string
}

// PHQ9Defaulted reports whether any PHQ-9 driven feature was defaulted.
func (f Features) PHQ9Defaulted() bool {
	for _, name := range f.Defaulted {
		if phq9Driven[name] {
			return true
		}
	}
	return false
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func wholeDays(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(int(d.Hours() / 24))
}

// Extract derives the feature vector for h as of asOf. It reads no clock and
// ignores any record dated after asOf.
func Extract(h *history.PatientHistory, asOf time.Time) (Features, error) {
	if h == nil {
		return Features{}, &ValidationError{Field: "history", Reason: "is required"}
	}
	var (
		v         FeatureVector
		defaulted = make(map[int]bool)
	)
	from := asOf.Add(-history.Window)
	inWindow := func(t time.Time) bool { return !t.Before(from) && !t.After(asOf) }

	// PHQ-9: the newest two assessments at or before asOf.
	var latest, prev *phq9.Assessment
	for _, a := range h.Assessments {
		if a.AssessedAt.After(asOf) {
			continue
		}
		switch {
		case latest == nil || a.AssessedAt.After(latest.AssessedAt):
			latest, prev = a, latest
		case prev == nil || a.AssessedAt.After(prev.AssessedAt):
			prev = a
		}
	}
	if latest == nil {
		defaulted[FeaturePHQ9Total] = true
		defaulted[FeatureQ9Score] = true
		defaulted[FeaturePHQ9Severity] = true
	} else {
		v[FeaturePHQ9Total] = float64(latest.Total)
		v[FeatureQ9Score] = float64(latest.Q9())
		v[FeaturePHQ9Severity] = float64(latest.Severity.Ordinal())
	}
	if prev == nil {
		defaulted[FeaturePHQ9Trend] = true
		defaulted[FeatureAssessmentFrequency] = true
		v[FeatureAssessmentFrequency] = defaultAssessmentFrequency
	} else {
		v[FeaturePHQ9Trend] = float64(latest.Total - prev.Total)
		v[FeatureAssessmentFrequency] = wholeDays(latest.AssessedAt.Sub(prev.AssessedAt))
	}
	v[FeatureAssessmentGap] = boolFeature(v[FeatureAssessmentFrequency] > assessmentGapDays)

	// Mood, newest first.
	var moods []*history.MoodEntry
	for _, m := range h.Moods {
		if inWindow(m.RecordedAt) {
			moods = append(moods, m)
		}
	}
	sort.SliceStable(moods, func(i, j int) bool { return moods[i].RecordedAt.After(moods[j].RecordedAt) })
	ratings := make([]float64, len(moods))
	for i, m := range moods {
		ratings[i] = float64(m.Rating)
	}
	if len(ratings) == 0 {
		defaulted[FeatureMoodIntensity] = true
		v[FeatureMoodIntensity] = defaultMoodIntensity
	} else {
		n := len(ratings)
		if n > recentMoodCount {
			n = recentMoodCount
		}
		var sum float64
		for _, r := range ratings[:n] {
			sum += r
		}
		v[FeatureMoodIntensity] = sum / float64(n)
	}
	v[FeatureMoodLow] = boolFeature(v[FeatureMoodIntensity] <= lowMoodThreshold)
	if len(ratings) < 2 {
		defaulted[FeatureMoodDeclining] = true
	} else {
		v[FeatureMoodDeclining] = boolFeature(ratings[0]-ratings[len(ratings)-1] < 0)
	}

	// Exercise engagement.
	// A session counts as completed only if it ended by asOf.
	var assigned, completed int
	var lastCompleted *time.Time
	for _, s := range h.Sessions {
		if !inWindow(s.ScheduledAt) {
			continue
		}
		assigned++
		if s.Status != history.StatusCompleted || s.EndedAt == nil || s.EndedAt.After(asOf) {
			continue
		}
		completed++
		if lastCompleted == nil || s.EndedAt.After(*lastCompleted) {
			lastCompleted = s.EndedAt
		}
	}
	if assigned == 0 {
		defaulted[FeatureExerciseCompletionRate] = true
		v[FeatureExerciseCompletionRate] = defaultCompletionRate
	} else {
		v[FeatureExerciseCompletionRate] = float64(completed) / float64(assigned)
	}
	v[FeatureExerciseDrop] = boolFeature(v[FeatureExerciseCompletionRate] < lowCompletionRate)

	if h.LastCompletedSessionAt != nil && !h.LastCompletedSessionAt.After(asOf) &&
		(lastCompleted == nil || h.LastCompletedSessionAt.After(*lastCompleted)) {
		lastCompleted = h.LastCompletedSessionAt
	}
	if lastCompleted == nil {
		defaulted[FeatureDaysSinceLastSession] = true
	} else {
		v[FeatureDaysSinceLastSession] = wholeDays(asOf.Sub(*lastCompleted))
	}
	v[FeatureDaysInactive] = boolFeature(v[FeatureDaysSinceLastSession] > inactiveDays)

	// Crisis indicators.
	if h.CrisisKeywordCount == nil {
		defaulted[FeatureCrisisKeywordCount] = true
	} else {
		if *h.CrisisKeywordCount < 0 {
			return Features{}, &ValidationError{Field: "crisis_keyword_count", Reason: fmt.Sprintf("must not be negative, got %d", *h.CrisisKeywordCount)}
		}
		v[FeatureCrisisKeywordCount] = float64(*h.CrisisKeywordCount)
	}
	v[FeatureCrisisWordsPresent] = boolFeature(v[FeatureCrisisKeywordCount] > 0)
	for _, t := range h.AlertTimes {
		if !t.Before(from) && t.Before(asOf) {
			v[FeaturePreviousCrisisCount]++
		}
	}
	v[FeatureHasCrisisHistory] = boolFeature(v[FeaturePreviousCrisisCount] > 0)

	// Treatment and demographics.
	p := h.Profile
	if p == nil {
		p = &history.Profile{}
	}
	if p.EnrolledAt == nil {
		defaulted[FeatureTreatmentDuration] = true
	} else {
		v[FeatureTreatmentDuration] = wholeDays(asOf.Sub(*p.EnrolledAt))
	}
	v[FeatureNewPatient] = boolFeature(v[FeatureTreatmentDuration] < newPatientDays)

	if h.Age == nil {
		defaulted[FeatureAge] = true
		v[FeatureAge] = defaultAge
	} else {
		if *h.Age < 0 {
			return Features{}, &ValidationError{Field: "age", Reason: fmt.Sprintf("must not be negative, got %d", *h.Age)}
		}
		v[FeatureAge] = float64(*h.Age)
	}
	v[FeatureHighRiskAge] = boolFeature(v[FeatureAge] >= highRiskAgeMin && v[FeatureAge] <= highRiskAgeMax)

	for _, f := range []struct {
		idx int
		val *float64
		def float64
	}{
		{FeatureIsolationLevel, p.IsolationLevel, 0},
		{FeatureSocialSupport, p.SocialSupport, defaultSocialSupport},
		{FeatureMedicationAdherence, p.MedicationAdherence, defaultAdherence},
		{FeatureTherapyAttendance, p.TherapyAttendance, defaultAttendance},
		{FeatureProviderConcern, p.ProviderConcern, 0},
		{FeatureClinicalObservations, p.ClinicalObservations, 0},
	} {
		if f.val == nil {
			defaulted[f.idx] = true
			v[f.idx] = f.def
			continue
		}
		v[f.idx] = *f.val
	}

	out := Features{Vector: v}
	for i := 0; i < FeatureCount; i++ {
		if defaulted[i] {
			out.Defaulted = append(out.Defaulted, FeatureNames[i])
		}
	}
	return out, nil
}
