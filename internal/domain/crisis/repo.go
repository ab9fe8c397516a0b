package crisis

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create stores a if no alert with the same dedup key exists and reports
	// whether it did.
	Create(ctx context.Context, a *Alert) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Alert, error)
	Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Alert, int, error)
	Acknowledge(ctx context.Context, id uuid.UUID, by string, at time.Time) error
	// AlertTimesBetween returns creation times of the patient's alerts in
	// [from, to), oldest first.
	AlertTimesBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]time.Time, error)
}
