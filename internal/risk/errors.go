package risk

import (
	"errors"
	"fmt"

	"github.com/mindcare/mindcare/internal/domain/phq9"
)

// ValidationError reports malformed scoring input.
type ValidationError = phq9.ValidationError

// ErrModelUnavailable is returned by model management calls when no model is
// loaded. Scoring never returns it; see MLOutcome.
var ErrModelUnavailable = errors.New("crisis model unavailable")

// PersistenceFailure is returned when the alert sink rejects a decision. The
// decision is carried so the caller can retry.
type PersistenceFailure struct {
	Decision AlertDecision
	Err      error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persist %s alert %s: %v", e.Decision.Severity, e.Decision.DedupKey, e.Err)
}

func (e *PersistenceFailure) Unwrap() error {
	return e.Err
}
