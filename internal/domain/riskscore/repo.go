package riskscore

import (
	"context"

	"github.com/google/uuid"
)

type AuditRepository interface {
	Create(ctx context.Context, rec *AuditRecord) error
	// ListByPatient returns audit rows newest first.
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AuditRecord, int, error)
}
