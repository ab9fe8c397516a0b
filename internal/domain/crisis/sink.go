package crisis

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mindcare/mindcare/internal/platform/notification"
	"github.com/mindcare/mindcare/internal/risk"
)

// DedupGuard is a fast pre-check in front of the repository.
type DedupGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Confirm(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// Notifier publishes an alert event once it is stored.
type Notifier interface {
	Dispatch(ctx context.Context, templateID, key string, data map[string]string) (*notification.Event, error)
}

// Sink persists risk alert requests and hands new alerts to the notifier.
type Sink struct {
	repo     Repository
	guard    DedupGuard
	notifier Notifier
	logger   zerolog.Logger
}

var _ risk.AlertSink = (*Sink)(nil)

func NewSink(repo Repository, logger zerolog.Logger) *Sink {
	return &Sink{repo: repo, logger: logger.With().Str("component", "crisis-sink").Logger()}
}

func (s *Sink) WithGuard(g DedupGuard) *Sink {
	s.guard = g
	return s
}

func (s *Sink) WithNotifier(n Notifier) *Sink {
	s.notifier = n
	return s
}

// CreateAlert stores the alert unless its dedup key was stored before. A guard
// outage or an unconfirmed claim falls through to the database constraint.
func (s *Sink) CreateAlert(ctx context.Context, req risk.AlertRequest) (bool, error) {
	claimed := false
	if s.guard != nil {
		ok, err := s.guard.Claim(ctx, req.DedupKey)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Str("dedup_key", req.DedupKey).Msg("dedup guard unavailable")
		case !ok:
			return false, nil
		default:
			claimed = true
		}
	}

	created, err := s.repo.Create(ctx, FromRequest(req))
	if err != nil {
		if claimed {
			if rerr := s.guard.Release(ctx, req.DedupKey); rerr != nil {
				s.logger.Warn().Err(rerr).Str("dedup_key", req.DedupKey).Msg("failed to release dedup claim")
			}
		}
		return false, err
	}
	if claimed {
		if cerr := s.guard.Confirm(ctx, req.DedupKey); cerr != nil {
			s.logger.Warn().Err(cerr).Str("dedup_key", req.DedupKey).Msg("failed to confirm dedup claim")
		}
	}
	if created && s.notifier != nil {
		s.notify(ctx, req)
	}
	return created, nil
}

func (s *Sink) notify(ctx context.Context, req risk.AlertRequest) {
	data := map[string]string{
		"severity":       string(req.Severity),
		"patient_id":     req.PatientID.String(),
		"assessment_id":  req.AssessmentID.String(),
		"message":        req.Message,
		"combined_level": string(req.CombinedLevel),
		"combined_score": strconv.FormatFloat(req.CombinedScore, 'f', 2, 64),
	}
	if _, err := s.notifier.Dispatch(ctx, "crisis-alert-"+string(req.Type), req.DedupKey, data); err != nil {
		s.logger.Error().Err(err).Str("dedup_key", req.DedupKey).Msg("failed to publish crisis alert")
	}
}
