package store

import (
	"context"
	"errors"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Store is the row-store capability the verification engine runs on. Both
// the Postgres implementation and the in-memory one used in tests satisfy
// it.
type Store interface {
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	CreateAgent(ctx context.Context, a models.Agent) error
	UpdateAgent(ctx context.Context, a models.Agent) error
	ListAgentIDs(ctx context.Context) ([]string, error)
	AgentsByEndpoint(ctx context.Context, endpointURL string) ([]models.Agent, error)
	CountRegistrationsByOrigin(ctx context.Context, originHash, day string) (int, error)

	GetExtended(ctx context.Context, agentID string) (models.ExtendedVerification, error)
	UpsertExtended(ctx context.Context, v models.ExtendedVerification) error
	ListExtendedIDs(ctx context.Context) ([]string, error)

	AppendSignal(ctx context.Context, s models.SybilSignal) error
	ListSignals(ctx context.Context, agentID string) ([]models.SybilSignal, error)

	CreatePendingAnchor(ctx context.Context, p models.PendingAnchor) error
	// ListPendingAnchors returns entries still inside the retry ceiling; pass
	// a negative ceiling for every entry including abandoned ones.
	ListPendingAnchors(ctx context.Context, maxRetries int) ([]models.PendingAnchor, error)
	DeletePendingAnchor(ctx context.Context, anchorID string) error
	IncrementAnchorRetries(ctx context.Context, anchorID string) (int, error)
}
