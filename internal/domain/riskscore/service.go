package riskscore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindcare/mindcare/internal/domain/history"
	"github.com/mindcare/mindcare/internal/domain/phq9"
	"github.com/mindcare/mindcare/internal/risk"
	"github.com/mindcare/mindcare/internal/risk/gbt"
)

// ErrNoModelStore is returned by ReloadModel when no artifact store is wired.
var ErrNoModelStore = errors.New("no model store configured")

// Recorder receives scoring outcomes for metrics.
type Recorder interface {
	RecordScore(combinedLevel, mlStatus string, elapsed time.Duration)
	RecordAlert(severity string, created bool)
	SetModelLoaded(loaded bool)
}

// Service runs the scoring pipeline against stored patient data.
type Service struct {
	reader      history.Reader
	assessments *phq9.Service
	scorer      *risk.Scorer
	audit       AuditRepository
	models      *ModelStore
	metrics     Recorder
	logger      zerolog.Logger
	now         func() time.Time
}

// NewService wires the scoring service. audit may be nil.
func NewService(reader history.Reader, assessments *phq9.Service, scorer *risk.Scorer,
	audit AuditRepository, logger zerolog.Logger) *Service {
	return &Service{
		reader:      reader,
		assessments: assessments,
		scorer:      scorer,
		audit:       audit,
		logger:      logger.With().Str("component", "riskscore").Logger(),
		now:         time.Now,
	}
}

// WithModelStore enables ReloadModel.
func (s *Service) WithModelStore(ms *ModelStore) *Service {
	s.models = ms
	return s
}

// WithMetrics reports every scoring to r.
func (s *Service) WithMetrics(r Recorder) *Service {
	s.metrics = r
	r.SetModelLoaded(s.scorer.Model().Current() != nil)
	return s
}

// ScorePatient scores the patient's latest assessment as of now.
func (s *Service) ScorePatient(ctx context.Context, patientID uuid.UUID) (risk.Result, error) {
	return s.scoreAt(ctx, patientID, s.now().UTC())
}

func (s *Service) scoreAt(ctx context.Context, patientID uuid.UUID, asOf time.Time) (risk.Result, error) {
	h, err := s.reader.Load(ctx, patientID, asOf)
	if err != nil {
		return risk.Result{}, fmt.Errorf("load patient history: %w", err)
	}
	start := time.Now()
	res, err := s.scorer.Score(ctx, h, asOf)
	var pf *risk.PersistenceFailure
	if err != nil && !errors.As(err, &pf) {
		return risk.Result{}, err
	}
	s.observe(res, time.Since(start))
	s.record(ctx, res)
	return res, err
}

func (s *Service) observe(res risk.Result, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordScore(string(res.Combined.Level), string(res.ML.Status), elapsed)
	if res.Alert.Trigger {
		s.metrics.RecordAlert(string(res.Alert.Severity), res.Alert.Created)
	}
}

// record writes the audit row. Audit failures never hide a score.
func (s *Service) record(ctx context.Context, res risk.Result) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Create(ctx, FromResult(res)); err != nil {
		s.logger.Error().Err(err).
			Str("patient_id", res.PatientID.String()).
			Str("assessment_id", res.AssessmentID.String()).
			Msg("failed to write risk audit record")
	}
}

// SubmitAssessment stores a PHQ-9 questionnaire and scores it as of the time
// it was taken. A zero assessedAt means now.
func (s *Service) SubmitAssessment(ctx context.Context, patientID uuid.UUID, items []int, assessedAt time.Time) (*Submission, error) {
	asOf := s.now().UTC()
	if assessedAt.IsZero() {
		assessedAt = asOf
	}
	if assessedAt.After(asOf) {
		return nil, &phq9.ValidationError{Field: "assessed_at", Reason: "must not be in the future"}
	}
	a, err := s.assessments.Submit(ctx, patientID, items, assessedAt)
	if err != nil {
		return nil, err
	}
	sub := &Submission{Assessment: a, Breakdown: a.Breakdown()}
	sub.Risk, err = s.scoreAt(ctx, patientID, assessedAt)
	return sub, err
}

func (s *Service) AuditTrail(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AuditRecord, int, error) {
	if s.audit == nil {
		return nil, 0, nil
	}
	return s.audit.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ModelStatus() ModelStatus {
	return StatusOf(s.scorer.Model().Current())
}

// ModelVersions lists the stored model versions available for rollback.
func (s *Service) ModelVersions(ctx context.Context) ([]ModelVersion, error) {
	if s.models == nil {
		return nil, ErrNoModelStore
	}
	return s.models.Versions(ctx)
}

// ReloadModel swaps in the stored model, or a specific earlier version when
// version is set. In-flight scorings finish on the old model.
func (s *Service) ReloadModel(ctx context.Context, version string) (ModelStatus, error) {
	if s.models == nil {
		return ModelStatus{}, ErrNoModelStore
	}
	var (
		m   *gbt.Model
		err error
	)
	if version == "" {
		m, err = s.models.Load(ctx)
	} else {
		m, err = s.models.LoadVersion(ctx, version)
	}
	if err != nil {
		return ModelStatus{}, err
	}
	if _, err := s.scorer.Load(m); err != nil {
		return ModelStatus{}, err
	}
	if s.metrics != nil {
		s.metrics.SetModelLoaded(true)
	}
	return StatusOf(m), nil
}
