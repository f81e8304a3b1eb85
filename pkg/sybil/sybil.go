// Package sybil flags suspicious cross-agent correlations as append-only
// signals. Detection never gates a level transition; signals are advisory
// evidence for external risk scoring.
package sybil

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/models"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/store"
)

// DefaultUniquenessThreshold is the score below which behavioral similarity
// is flagged.
const DefaultUniquenessThreshold = 0.3

type Detector struct {
	Store               store.Store
	UniquenessThreshold float64
	Now                 func() time.Time
	// OnSignal, when set, observes each emitted signal type (metrics,
	// event fan-out).
	OnSignal func(signalType string)
}

func NewDetector(st store.Store, threshold float64) *Detector {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultUniquenessThreshold
	}
	return &Detector{Store: st, UniquenessThreshold: threshold, Now: time.Now}
}

func (d *Detector) emit(ctx context.Context, agentID, signalType, value string) error {
	if d.OnSignal != nil {
		d.OnSignal(signalType)
	}
	return d.Store.AppendSignal(ctx, models.SybilSignal{
		SignalID:   uuid.New().String(),
		AgentID:    agentID,
		Type:       signalType,
		Value:      value,
		DetectedAt: d.Now().UTC(),
	})
}

// CheckRegistration emits ip_cluster when more than one agent registered
// from the same hashed origin on the same calendar day.
func (d *Detector) CheckRegistration(ctx context.Context, agentID, originHash, day string) error {
	if originHash == "" {
		return nil
	}
	count, err := d.Store.CountRegistrationsByOrigin(ctx, originHash, day)
	if err != nil {
		return err
	}
	if count > 1 {
		return d.emit(ctx, agentID, models.SignalIPCluster,
			fmt.Sprintf("%d registrations from origin %s on %s", count, originHash[:12], day))
	}
	return nil
}

// CheckEndpoint emits endpoint_cluster for the new agent and retroactively
// for every existing non-revoked agent declaring the identical endpoint URL.
func (d *Detector) CheckEndpoint(ctx context.Context, agentID, endpointURL string) error {
	if endpointURL == "" {
		return nil
	}
	agents, err := d.Store.AgentsByEndpoint(ctx, endpointURL)
	if err != nil {
		return err
	}
	var sharing []string
	for _, a := range agents {
		if a.ID != agentID && !a.Revoked {
			sharing = append(sharing, a.ID)
		}
	}
	if len(sharing) == 0 {
		return nil
	}
	value := fmt.Sprintf("endpoint %s shared by %d agents", endpointURL, len(sharing)+1)
	if err := d.emit(ctx, agentID, models.SignalEndpointCluster, value); err != nil {
		return err
	}
	for _, id := range sharing {
		if err := d.emit(ctx, id, models.SignalEndpointCluster, value); err != nil {
			return err
		}
	}
	return nil
}

// CheckBehavioral emits behavioral_similarity when the uniqueness score is
// below the threshold. The transition itself still commits; detection and
// gating are deliberately decoupled.
func (d *Detector) CheckBehavioral(ctx context.Context, agentID string, uniqueness float64) error {
	if uniqueness >= d.UniquenessThreshold {
		return nil
	}
	return d.emit(ctx, agentID, models.SignalBehavioralSimilarity,
		fmt.Sprintf("uniqueness %.4f below threshold %.2f", uniqueness, d.UniquenessThreshold))
}
