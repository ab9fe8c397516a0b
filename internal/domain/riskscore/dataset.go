package riskscore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindcare/mindcare/internal/domain/history"
	"github.com/mindcare/mindcare/internal/domain/phq9"
	"github.com/mindcare/mindcare/internal/risk"
	"github.com/mindcare/mindcare/internal/risk/gbt"
)

// PatientLister enumerates patients to sample.
type PatientLister interface {
	ListPatientIDs(ctx context.Context) ([]uuid.UUID, error)
}

// DatasetBuilder turns stored histories into labelled training rows: one row
// per assessment, featurised as of the moment it was taken and labelled 1
// when a crisis alert was raised within the lookahead that follows.
type DatasetBuilder struct {
	patients    PatientLister
	assessments phq9.Repository
	reader      history.Reader
	alerts      history.AlertTimeSource
	lookahead   time.Duration
	workers     int
	logger      zerolog.Logger
}

const defaultDatasetWorkers = 4

func NewDatasetBuilder(patients PatientLister, assessments phq9.Repository, reader history.Reader,
	alerts history.AlertTimeSource, lookahead time.Duration, logger zerolog.Logger) *DatasetBuilder {
	return &DatasetBuilder{
		patients:    patients,
		assessments: assessments,
		reader:      reader,
		alerts:      alerts,
		lookahead:   lookahead,
		workers:     defaultDatasetWorkers,
		logger:      logger.With().Str("component", "dataset-builder").Logger(),
	}
}

// WithWorkers bounds how many patients are processed at once.
func (b *DatasetBuilder) WithWorkers(n int) *DatasetBuilder {
	if n > 0 {
		b.workers = n
	}
	return b
}

type patientRows struct {
	x   [][]float64
	y   []float64
	err error
}

// Build walks every patient. Row order follows the patient listing and each
// patient's assessments oldest first, so equal data gives an equal dataset.
func (b *DatasetBuilder) Build(ctx context.Context, minExamples int) (gbt.Dataset, error) {
	if b.lookahead <= 0 {
		return gbt.Dataset{}, fmt.Errorf("lookahead must be positive, got %s", b.lookahead)
	}
	ids, err := b.patients.ListPatientIDs(ctx)
	if err != nil {
		return gbt.Dataset{}, fmt.Errorf("list patients: %w", err)
	}

	results := make([]patientRows, len(ids))
	var wg sync.WaitGroup
	sem := make(chan struct{}, b.workers)
	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, pid uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = b.patient(ctx, pid)
		}(i, id)
	}
	wg.Wait()

	ds := gbt.Dataset{FeatureNames: risk.FeatureNames[:]}
	var positives int
	for i, r := range results {
		if r.err != nil {
			return gbt.Dataset{}, fmt.Errorf("patient %s: %w", ids[i], r.err)
		}
		ds.X = append(ds.X, r.x...)
		ds.Y = append(ds.Y, r.y...)
		for _, y := range r.y {
			if y == 1 {
				positives++
			}
		}
	}
	if len(ds.X) < minExamples {
		return gbt.Dataset{}, fmt.Errorf("need at least %d training examples, got %d", minExamples, len(ds.X))
	}

	b.logger.Info().
		Int("patients", len(ids)).
		Int("examples", len(ds.X)).
		Int("positives", positives).
		Dur("lookahead", b.lookahead).
		Msg("training dataset built")
	return ds, nil
}

func (b *DatasetBuilder) patient(ctx context.Context, pid uuid.UUID) patientRows {
	var out patientRows
	all, err := b.assessments.ListAll(ctx, pid)
	if err != nil {
		out.err = fmt.Errorf("list assessments: %w", err)
		return out
	}
	for _, a := range all {
		if err := ctx.Err(); err != nil {
			out.err = err
			return out
		}
		h, err := b.reader.Load(ctx, pid, a.AssessedAt)
		if err != nil {
			out.err = err
			return out
		}
		f, err := risk.Extract(h, a.AssessedAt)
		if err != nil {
			out.err = fmt.Errorf("extract features for %s: %w", a.ID, err)
			return out
		}
		label, err := b.label(ctx, pid, a.AssessedAt)
		if err != nil {
			out.err = err
			return out
		}
		row := make([]float64, risk.FeatureCount)
		copy(row, f.Vector[:])
		out.x = append(out.x, row)
		out.y = append(out.y, label)
	}
	return out
}

// label is 1 when an alert was raised in (at, at+lookahead]. Postgres stores
// microseconds, so the open bound is stepped by one microsecond.
func (b *DatasetBuilder) label(ctx context.Context, pid uuid.UUID, at time.Time) (float64, error) {
	at = at.Truncate(time.Microsecond)
	times, err := b.alerts.AlertTimesBetween(ctx, pid, at.Add(time.Microsecond), at.Add(b.lookahead).Add(time.Microsecond))
	if err != nil {
		return 0, fmt.Errorf("load alert times: %w", err)
	}
	if len(times) > 0 {
		return 1, nil
	}
	return 0, nil
}
