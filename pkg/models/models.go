package models

import (
	"errors"
	"regexp"
	"time"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/level"
)

var agentIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

var ErrInvalidAgentID = errors.New("agent id must be 3-64 chars of [A-Za-z0-9_-]")

// ValidateAgentID enforces the identifier contract shared with external
// verifiers.
func ValidateAgentID(id string) error {
	if !agentIDRe.MatchString(id) {
		return ErrInvalidAgentID
	}
	return nil
}

// Agent is the identity record. Level only ever increases; a revoked agent
// accepts no further transitions.
type Agent struct {
	ID              string               `json:"agent_id"`
	Level           level.Level          `json:"level"`
	Label           string               `json:"label"`
	ChallengeCode   string               `json:"challenge_code,omitempty"`
	ChallengeToken  string               `json:"challenge_token,omitempty"`
	EndpointURL     string               `json:"endpoint_url,omitempty"`
	CodeURL         string               `json:"code_url,omitempty"`
	OriginHash      string               `json:"origin_hash,omitempty"`
	RegisteredDay   string               `json:"registered_day,omitempty"`
	AnchorSignature string               `json:"anchor_signature,omitempty"`
	Revoked         bool                 `json:"revoked"`
	ExpiresAt       time.Time            `json:"expires_at"`
	LevelTimes      map[string]time.Time `json:"level_times,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// ExtendedVerification holds the L3-L5 artifacts for one agent. Created on
// the first L3+ transition, updated in place afterwards, never deleted.
type ExtendedVerification struct {
	AgentID         string         `json:"agent_id"`
	FingerprintHash string         `json:"fingerprint_hash,omitempty"`
	Uniqueness      float64        `json:"uniqueness"`
	Features        *FeatureVector `json:"features,omitempty"`
	HWProvider      string         `json:"hw_provider,omitempty"`
	HWDeviceID      string         `json:"hw_device_id,omitempty"`
	BindingHash     string         `json:"binding_hash,omitempty"`
	DevicePublicKey string         `json:"device_public_key,omitempty"`
	AnchorSignature string         `json:"anchor_signature,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Signal types recorded by the sybil detector.
const (
	SignalIPCluster            = "ip_cluster"
	SignalEndpointCluster      = "endpoint_cluster"
	SignalBehavioralSimilarity = "behavioral_similarity"
)

// SybilSignal is one append-only observation. Duplicates are legitimate
// evidence accumulation and are never deduplicated.
type SybilSignal struct {
	SignalID   string    `json:"signal_id"`
	AgentID    string    `json:"agent_id"`
	Type       string    `json:"signal_type"`
	Value      string    `json:"signal_value"`
	DetectedAt time.Time `json:"detected_at"`
}

// PendingAnchor is a queued ledger write awaiting retry.
type PendingAnchor struct {
	AnchorID  string    `json:"anchor_id"`
	AgentID   string    `json:"agent_id"`
	Memo      string    `json:"memo"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at"`
}

// ActivityPost is one externally supplied historical activity record used by
// the fingerprint engine.
type ActivityPost struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// FeatureVector groups the normalized behavioral features of one agent.
type FeatureVector struct {
	HourHistogram     []float64          `json:"hour_histogram"`    // 24 buckets, L1-normalized
	DayHistogram      []float64          `json:"day_histogram"`     // 7 buckets, L1-normalized
	MeanIntervalHrs   float64            `json:"mean_interval_hrs"` // mean inter-post gap
	MeanTextLength    float64            `json:"mean_text_length"`
	VocabRichness     float64            `json:"vocab_richness"`
	QuestionRatio     float64            `json:"question_ratio"`
	CodeBlockRatio    float64            `json:"code_block_ratio"`
	MarkdownDensity   float64            `json:"markdown_density"`
	TopicDistribution map[string]float64 `json:"topic_distribution"`
	PostCount         int                `json:"post_count"`
}
