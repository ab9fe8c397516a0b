package crisis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrAlreadyAcknowledged = errors.New("crisis alert already acknowledged")

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

func (s *Service) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Alert, int, error) {
	if params.Severity != nil && !validSeverities[*params.Severity] {
		return nil, 0, fmt.Errorf("invalid severity: %s", *params.Severity)
	}
	return s.repo.Search(ctx, params, limit, offset)
}

// Acknowledge marks an alert as seen by a provider. Acknowledging twice is
// an error so the first responder is preserved.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID, by string) (*Alert, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return nil, fmt.Errorf("acknowledged_by is required")
	}
	if err := s.repo.Acknowledge(ctx, id, by, s.now().UTC()); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}
