package trust

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/level"
)

// Error taxonomy. Handlers map these onto HTTP statuses; nothing here is
// fatal to the process.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("agent not found")
	ErrPrecondition    = errors.New("precondition failed")
	ErrExternalService = errors.New("external service failure")
	ErrConflict        = errors.New("agent already registered")
	ErrQuotaExceeded   = errors.New("daily registration quota exceeded for origin")
)

// PreconditionError names the level the agent must hold before the requested
// transition, so a rejected caller knows exactly what is missing.
type PreconditionError struct {
	AgentID  string
	Current  level.Level
	Required level.Level
	Revoked  bool
}

func (e *PreconditionError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("agent %s is revoked; no transitions permitted", e.AgentID)
	}
	return fmt.Sprintf("agent %s is at %s but %s is required", e.AgentID, e.Current, e.Required)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// ConflictError reports a duplicate registration along with the level the
// existing record already holds.
type ConflictError struct {
	AgentID       string
	ExistingLevel level.Level
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("agent %s already registered at level %d", e.AgentID, int(e.ExistingLevel))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// VerificationError carries every unmet condition of one protocol check so
// the caller sees all defects in a single round trip.
type VerificationError struct {
	AgentID  string
	Target   level.Level
	Failures []string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification for %s failed: %s", e.Target, strings.Join(e.Failures, "; "))
}

func (e *VerificationError) Unwrap() error { return ErrValidation }
