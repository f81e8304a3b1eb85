// Package trust implements the trust-level state machine. It exclusively
// owns agent level transitions: protocols and engines only propose evidence,
// and this service commits it.
package trust

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/anchor"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/challenge"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/fingerprint"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/hardware"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/level"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/models"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/store"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/sybil"
)

// Config carries the policy values that were fixed constants in earlier
// deployments.
type Config struct {
	CodePrefix           string
	UniquenessThreshold  float64
	RegistrationQuota    int           // registrations per origin per calendar day
	SampleSize           int           // peers per uniqueness computation
	AgentTTL             time.Duration // expiry horizon from last level change
	ExpectedOwnerProgram string        // optional device account owner check
}

func (c Config) withDefaults() Config {
	if c.CodePrefix == "" {
		c.CodePrefix = challenge.DefaultCodePrefix
	}
	if c.UniquenessThreshold <= 0 || c.UniquenessThreshold >= 1 {
		c.UniquenessThreshold = sybil.DefaultUniquenessThreshold
	}
	if c.RegistrationQuota <= 0 {
		c.RegistrationQuota = 5
	}
	if c.SampleSize <= 0 {
		c.SampleSize = fingerprint.DefaultSampleSize
	}
	if c.AgentTTL <= 0 {
		c.AgentTTL = 30 * 24 * time.Hour
	}
	return c
}

// Service orchestrates the level ladder.
type Service struct {
	Store    store.Store
	Forum    challenge.ForumClient
	Fetcher  challenge.Fetcher
	Devices  challenge.DeviceStore
	Hardware hardware.Reader
	Anchors  *anchor.Dispatcher
	Detector *sybil.Detector
	Config   Config

	// OnTransition, when set, observes committed transitions (event hub,
	// kafka, metrics). Never invoked for idempotent re-invocations.
	OnTransition func(agentID string, lvl level.Level, at time.Time)

	// Now and spawn are swappable for tests.
	Now   func() time.Time
	spawn func(fn func())
}

func NewService(st store.Store, cfg Config) *Service {
	return &Service{
		Store:  st,
		Config: cfg.withDefaults(),
		Now:    time.Now,
		spawn:  func(fn func()) { go fn() },
	}
}

// Status is the externally visible state of one agent.
type Status struct {
	AgentID         string               `json:"agent_id"`
	Level           int                  `json:"level"`
	Label           string               `json:"label"`
	Description     string               `json:"description"`
	Revoked         bool                 `json:"revoked"`
	Expired         bool                 `json:"expired"`
	ExpiresAt       time.Time            `json:"expires_at"`
	LevelTimes      map[string]time.Time `json:"level_times,omitempty"`
	AnchorSignature string               `json:"anchor_signature,omitempty"`
	FingerprintHash string               `json:"fingerprint_hash,omitempty"`
	Uniqueness      *float64             `json:"uniqueness,omitempty"`
	BindingHash     string               `json:"binding_hash,omitempty"`
}

func statusOf(a models.Agent, ext *models.ExtendedVerification, now time.Time) Status {
	st := Status{
		AgentID:         a.ID,
		Level:           int(a.Level),
		Label:           a.Level.Label(),
		Description:     a.Level.Description(),
		Revoked:         a.Revoked,
		Expired:         level.IsExpired(now, a.ExpiresAt),
		ExpiresAt:       a.ExpiresAt,
		LevelTimes:      a.LevelTimes,
		AnchorSignature: a.AnchorSignature,
	}
	if ext != nil {
		st.FingerprintHash = ext.FingerprintHash
		if ext.FingerprintHash != "" {
			u := ext.Uniqueness
			st.Uniqueness = &u
		}
		st.BindingHash = ext.BindingHash
	}
	return st
}

// Register creates an agent at L0 and issues its one-time forum challenge
// code. origin is the raw client origin; only its hash is stored.
func (s *Service) Register(ctx context.Context, agentID, origin string) (Status, error) {
	if err := models.ValidateAgentID(agentID); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	now := s.Now().UTC()
	day := now.Format("2006-01-02")
	originHash := ""
	if origin != "" {
		originHash = models.HashIdentity(origin)
		count, err := s.Store.CountRegistrationsByOrigin(ctx, originHash, day)
		if err != nil {
			return Status{}, err
		}
		if count >= s.Config.RegistrationQuota {
			return Status{}, ErrQuotaExceeded
		}
	}
	code, err := challenge.GenerateCode(s.Config.CodePrefix)
	if err != nil {
		return Status{}, err
	}
	agent := models.Agent{
		ID:            agentID,
		Level:         level.Registered,
		Label:         level.Registered.Label(),
		ChallengeCode: code,
		OriginHash:    originHash,
		RegisteredDay: day,
		ExpiresAt:     now.Add(s.Config.AgentTTL),
		LevelTimes:    map[string]time.Time{level.Registered.Label(): now},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			existing, getErr := s.Store.GetAgent(ctx, agentID)
			if getErr != nil {
				return Status{}, getErr
			}
			return Status{}, &ConflictError{AgentID: agentID, ExistingLevel: existing.Level}
		}
		return Status{}, err
	}
	s.sideEffects(func(bg context.Context) {
		if s.Detector != nil {
			if err := s.Detector.CheckRegistration(bg, agentID, originHash, day); err != nil {
				log.Printf("trust: registration sybil check for %s: %v", agentID, err)
			}
		}
	})
	st := statusOf(agent, nil, s.Now())
	return st, nil
}

// ChallengeCode returns the issued forum code so the transport layer can
// include it in the registration response.
func (s *Service) ChallengeCode(ctx context.Context, agentID string) (string, error) {
	agent, err := s.getAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	return agent.ChallengeCode, nil
}

// ConfirmForumChallenge drives L0 -> L1: the agent must have posted its
// challenge code from its own forum account.
func (s *Service) ConfirmForumChallenge(ctx context.Context, agentID string) (Status, error) {
	agent, err := s.getAgent(ctx, agentID)
	if err != nil {
		return Status{}, err
	}
	if done, st, err := s.idempotent(ctx, agent, level.Confirmed); done {
		return st, err
	}
	ok, err := challenge.VerifyForumCode(ctx, s.Forum, agent.ID, agent.ChallengeCode)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	if !ok {
		return Status{}, &VerificationError{
			AgentID:  agent.ID,
			Target:   level.Confirmed,
			Failures: []string{"no forum comment by " + agent.ID + " contains the challenge code"},
		}
	}
	token, err := challenge.GenerateToken()
	if err != nil {
		return Status{}, err
	}
	agent.ChallengeToken = token
	return s.commit(ctx, agent, level.Confirmed, nil)
}

// VerifyEndpoint drives L1 -> L2: the agent must control its declared
// endpoint (token file) and its code repository URL. All defects are
// reported together.
func (s *Service) VerifyEndpoint(ctx context.Context, agentID, endpointURL, codeURL string) (Status, error) {
	agent, err := s.getAgent(ctx, agentID)
	if err != nil {
		return Status{}, err
	}
	if done, st, err := s.idempotent(ctx, agent, level.Verified); done {
		return st, err
	}
	if err := validateHTTPURL(endpointURL); err != nil {
		return Status{}, fmt.Errorf("%w: endpoint_url: %v", ErrValidation, err)
	}
	if err := validateHTTPURL(codeURL); err != nil {
		return Status{}, fmt.Errorf("%w: code_url: %v", ErrValidation, err)
	}
	failures := challenge.VerifyEndpoint(ctx, s.Fetcher, agent.ID, agent.ChallengeToken, endpointURL, codeURL)
	if len(failures) > 0 {
		return Status{}, &VerificationError{AgentID: agent.ID, Target: level.Verified, Failures: failures}
	}
	agent.EndpointURL = endpointURL
	agent.CodeURL = codeURL
	return s.commit(ctx, agent, level.Verified, func(bg context.Context) {
		if s.Detector != nil {
			if err := s.Detector.CheckEndpoint(bg, agent.ID, endpointURL); err != nil {
				log.Printf("trust: endpoint sybil check for %s: %v", agent.ID, err)
			}
		}
	})
}

// FingerprintResult augments the new status with the engine's outputs.
type FingerprintResult struct {
	Status          Status  `json:"status"`
	FingerprintHash string  `json:"fingerprint_hash"`
	Uniqueness      float64 `json:"uniqueness"`
}

// ComputeBehavioralFingerprint drives L2 -> L3 from externally supplied
// activity history. Low uniqueness raises a signal but never blocks the
// transition.
func (s *Service) ComputeBehavioralFingerprint(ctx context.Context, agentID string, posts []models.ActivityPost) (FingerprintResult, error) {
	agent, err := s.getAgent(ctx, agentID)
	if err != nil {
		return FingerprintResult{}, err
	}
	if done, st, err := s.idempotent(ctx, agent, level.Behavioral); done {
		if err != nil {
			return FingerprintResult{}, err
		}
		return FingerprintResult{Status: st, FingerprintHash: st.FingerprintHash, Uniqueness: deref(st.Uniqueness)}, nil
	}
	if len(posts) == 0 {
		return FingerprintResult{}, fmt.Errorf("%w: activity history required", ErrValidation)
	}

	features := fingerprint.Extract(posts)
	hash, err := fingerprint.Hash(features)
	if err != nil {
		return FingerprintResult{}, err
	}
	uniqueness, err := s.uniquenessAgainstPopulation(ctx, agent.ID, features)
	if err != nil {
		return FingerprintResult{}, err
	}

	ext, err := s.Store.GetExtended(ctx, agent.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return FingerprintResult{}, err
	}
	ext.AgentID = agent.ID
	ext.FingerprintHash = hash
	ext.Uniqueness = uniqueness
	ext.Features = &features
	ext.UpdatedAt = s.Now().UTC()
	if err := s.Store.UpsertExtended(ctx, ext); err != nil {
		return FingerprintResult{}, err
	}

	st, err := s.commit(ctx, agent, level.Behavioral, func(bg context.Context) {
		if s.Detector != nil {
			if err := s.Detector.CheckBehavioral(bg, agent.ID, uniqueness); err != nil {
				log.Printf("trust: behavioral sybil check for %s: %v", agent.ID, err)
			}
		}
	})
	if err != nil {
		return FingerprintResult{}, err
	}
	st.FingerprintHash = hash
	st.Uniqueness = &uniqueness
	return FingerprintResult{Status: st, FingerprintHash: hash, Uniqueness: uniqueness}, nil
}

func (s *Service) uniquenessAgainstPopulation(ctx context.Context, agentID string, features models.FeatureVector) (float64, error) {
	ids, err := s.Store.ListExtendedIDs(ctx)
	if err != nil {
		return 0, err
	}
	peerIDs := fingerprint.SamplePeers(agentID, ids, s.Config.SampleSize)
	peers := make([]models.FeatureVector, 0, len(peerIDs))
	for _, id := range peerIDs {
		ext, err := s.Store.GetExtended(ctx, id)
		if err != nil || ext.Features == nil {
			continue
		}
		peers = append(peers, *ext.Features)
	}
	return fingerprint.Uniqueness(features, peers), nil
}

// BindHardwareDevice drives L3 -> L4: the named device account must exist
// under the expected owner program.
func (s *Service) BindHardwareDevice(ctx context.Context, agentID, provider, deviceID string) (Status, error) {
	agent, err := s.getAgent(ctx, agentID)
	if err != nil {
		return Status{}, err
	}
	if done, st, err := s.idempotent(ctx, agent, level.Hardware); done {
		return st, err
	}
	if strings.TrimSpace(provider) == "" || strings.TrimSpace(deviceID) == "" {
		return Status{}, fmt.Errorf("%w: provider and device_id required", ErrValidation)
	}
	bindingHash, err := hardware.Verify(ctx, s.Hardware, provider, deviceID, s.Config.ExpectedOwnerProgram)
	if err != nil {
		if errors.Is(err, hardware.ErrReaderUnavailable) {
			return Status{}, fmt.Errorf("%w: %v", ErrExternalService, err)
		}
		return Status{}, &VerificationError{AgentID: agent.ID, Target: level.Hardware, Failures: []string{err.Error()}}
	}

	ext, err := s.Store.GetExtended(ctx, agent.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Status{}, err
	}
	ext.AgentID = agent.ID
	ext.HWProvider = provider
	ext.HWDeviceID = deviceID
	ext.BindingHash = bindingHash
	ext.UpdatedAt = s.Now().UTC()
	if err := s.Store.UpsertExtended(ctx, ext); err != nil {
		return Status{}, err
	}
	st, err := s.commit(ctx, agent, level.Hardware, nil)
	if err != nil {
		return Status{}, err
	}
	st.BindingHash = bindingHash
	return st, nil
}

// RequestMobileChallenge issues the 5-minute device nonce. A new request
// overwrites any unconsumed prior challenge for the agent.
func (s *Service) RequestMobileChallenge(ctx context.Context, agentID string) (challenge.DeviceChallenge, error) {
	agent, err := s.getAgent(ctx, agentID)
	if err != nil {
		return challenge.DeviceChallenge{}, err
	}
	if agent.Revoked {
		return challenge.DeviceChallenge{}, &PreconditionError{AgentID: agent.ID, Current: agent.Level, Revoked: true}
	}
	if agent.Level != level.Hardware {
		return challenge.DeviceChallenge{}, &PreconditionError{AgentID: agent.ID, Current: agent.Level, Required: level.Hardware}
	}
	return s.Devices.Issue(agent.ID)
}

// VerifyMobileSignature drives L4 -> L5: a 64-byte Ed25519 signature over
// the UTF-8 bytes of the issued nonce, valid under the claimed device key,
// consumable exactly once.
func (s *Service) VerifyMobileSignature(ctx context.Context, agentID, publicKeyHex, signatureHex string) (Status, error) {
	agent, err := s.getAgent(ctx, agentID)
	if err != nil {
		return Status{}, err
	}
	if done, st, err := s.idempotent(ctx, agent, level.Mobile); done {
		return st, err
	}
	publicKey, err := hex.DecodeString(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return Status{}, fmt.Errorf("%w: public_key must be hex", ErrValidation)
	}
	signature, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil {
		return Status{}, fmt.Errorf("%w: signature must be hex", ErrValidation)
	}
	if err := s.Devices.VerifySignature(agent.ID, publicKey, signature); err != nil {
		return Status{}, &VerificationError{AgentID: agent.ID, Target: level.Mobile, Failures: []string{err.Error()}}
	}

	ext, err := s.Store.GetExtended(ctx, agent.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Status{}, err
	}
	ext.AgentID = agent.ID
	ext.DevicePublicKey = strings.ToLower(strings.TrimSpace(publicKeyHex))
	ext.UpdatedAt = s.Now().UTC()
	if err := s.Store.UpsertExtended(ctx, ext); err != nil {
		return Status{}, err
	}
	return s.commit(ctx, agent, level.Mobile, nil)
}

// GetAgentStatus returns the current state of one agent.
func (s *Service) GetAgentStatus(ctx context.Context, agentID string) (Status, error) {
	agent, err := s.getAgent(ctx, agentID)
	if err != nil {
		return Status{}, err
	}
	var ext *models.ExtendedVerification
	if v, err := s.Store.GetExtended(ctx, agentID); err == nil {
		ext = &v
	}
	return statusOf(agent, ext, s.Now()), nil
}

// BatchEntry is one row of a batch lookup; absent agents report Found=false
// rather than failing the whole batch.
type BatchEntry struct {
	AgentID string  `json:"agent_id"`
	Found   bool    `json:"found"`
	Status  *Status `json:"status,omitempty"`
}

const maxBatchSize = 100

// BatchLookup resolves up to 100 agent statuses in one call.
func (s *Service) BatchLookup(ctx context.Context, agentIDs []string) ([]BatchEntry, error) {
	if len(agentIDs) == 0 {
		return nil, fmt.Errorf("%w: agent_ids required", ErrValidation)
	}
	if len(agentIDs) > maxBatchSize {
		return nil, fmt.Errorf("%w: at most %d agent_ids per lookup", ErrValidation, maxBatchSize)
	}
	out := make([]BatchEntry, 0, len(agentIDs))
	for _, id := range agentIDs {
		st, err := s.GetAgentStatus(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				out = append(out, BatchEntry{AgentID: id, Found: false})
				continue
			}
			return nil, err
		}
		out = append(out, BatchEntry{AgentID: id, Found: true, Status: &st})
	}
	return out, nil
}

// Revoke permanently bars the agent from further transitions.
func (s *Service) Revoke(ctx context.Context, agentID string) (Status, error) {
	agent, err := s.getAgent(ctx, agentID)
	if err != nil {
		return Status{}, err
	}
	if !agent.Revoked {
		agent.Revoked = true
		agent.UpdatedAt = s.Now().UTC()
		if err := s.Store.UpdateAgent(ctx, agent); err != nil {
			return Status{}, err
		}
	}
	return statusOf(agent, nil, s.Now()), nil
}

// AttachAnchorSignature is the narrow field update the anchor dispatcher
// calls after a successful ledger write.
func (s *Service) AttachAnchorSignature(ctx context.Context, agentID, signature string) error {
	agent, err := s.Store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.AnchorSignature = signature
	agent.UpdatedAt = s.Now().UTC()
	return s.Store.UpdateAgent(ctx, agent)
}

func (s *Service) getAgent(ctx context.Context, agentID string) (models.Agent, error) {
	if err := models.ValidateAgentID(agentID); err != nil {
		return models.Agent{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	agent, err := s.Store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Agent{}, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return agent, err
}

// idempotent implements the retried-call contract: at or past the target
// level the call succeeds with the current state and no side effects; below
// target-1 it is rejected naming the required prior level.
func (s *Service) idempotent(ctx context.Context, agent models.Agent, target level.Level) (bool, Status, error) {
	if agent.Revoked {
		return true, Status{}, &PreconditionError{AgentID: agent.ID, Current: agent.Level, Revoked: true}
	}
	if agent.Level >= target {
		var ext *models.ExtendedVerification
		if v, err := s.Store.GetExtended(ctx, agent.ID); err == nil {
			ext = &v
		}
		return true, statusOf(agent, ext, s.Now()), nil
	}
	if agent.Level != target-1 {
		return true, Status{}, &PreconditionError{AgentID: agent.ID, Current: agent.Level, Required: target - 1}
	}
	return false, Status{}, nil
}

// commit atomically persists the transition, then fires side effects in the
// background: the caller's extra check, plus anchoring for L1 and above.
// The response never waits on either.
func (s *Service) commit(ctx context.Context, agent models.Agent, target level.Level, extra func(context.Context)) (Status, error) {
	next, err := level.Transition(agent.Level, target)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	now := s.Now().UTC()
	agent.Level = next
	agent.Label = next.Label()
	if agent.LevelTimes == nil {
		agent.LevelTimes = map[string]time.Time{}
	}
	agent.LevelTimes[next.Label()] = now
	agent.ExpiresAt = now.Add(s.Config.AgentTTL)
	agent.UpdatedAt = now
	if err := s.Store.UpdateAgent(ctx, agent); err != nil {
		return Status{}, err
	}

	agentID := agent.ID
	s.sideEffects(func(bg context.Context) {
		if extra != nil {
			extra(bg)
		}
		if s.Anchors != nil && next >= level.Confirmed {
			s.Anchors.Enqueue(agentID, anchor.Memo(agentID, next, now))
		}
	})
	if s.OnTransition != nil {
		s.OnTransition(agentID, next, now)
	}
	return statusOf(agent, nil, s.Now()), nil
}

// sideEffects runs fn detached from the request context. Failures inside fn
// must be self-contained; nothing propagates to the caller.
func (s *Service) sideEffects(fn func(context.Context)) {
	run := s.spawn
	if run == nil {
		run = func(f func()) { go f() }
	}
	run(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fn(ctx)
	})
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host required")
	}
	return nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
