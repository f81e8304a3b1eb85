package challenge

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultChallengeTTL is how long a device challenge stays valid.
const DefaultChallengeTTL = 5 * time.Minute

var (
	ErrNoChallenge        = errors.New("no device challenge issued for agent")
	ErrChallengeExpired   = errors.New("device challenge expired")
	ErrChallengeUsed      = errors.New("device challenge already used")
	ErrBadSignature       = errors.New("device signature invalid")
	ErrBadSignatureLength = errors.New("device signature must be 64 bytes")
	ErrBadPublicKey       = errors.New("device public key must be 32 bytes")
)

// DeviceChallenge is an ephemeral, single-use nonce issued to one agent.
type DeviceChallenge struct {
	AgentID   string    `json:"agent_id"`
	Nonce     string    `json:"nonce"` // hex of 32 random bytes
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

// DeviceStore owns device challenge lifecycle: issue, single-use consume,
// TTL eviction. Issue for an agent overwrites any unconsumed prior
// challenge.
type DeviceStore interface {
	Issue(agentID string) (DeviceChallenge, error)
	// VerifySignature treats read-check-mark-used as one atomic step so a
	// replayed signature can never pass twice.
	VerifySignature(agentID string, publicKey, signature []byte) error
	Evict(grace time.Duration) int
}

// MemoryStore is the in-process DeviceStore. Access is serialized under one
// mutex, which covers the per-agent atomic consume requirement.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]*DeviceChallenge
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &MemoryStore{
		ttl:   ttl,
		now:   time.Now,
		items: map[string]*DeviceChallenge{},
	}
}

func (s *MemoryStore) Issue(agentID string) (DeviceChallenge, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return DeviceChallenge{}, fmt.Errorf("generate device nonce: %w", err)
	}
	ch := DeviceChallenge{
		AgentID:   agentID,
		Nonce:     hex.EncodeToString(buf),
		ExpiresAt: s.now().UTC().Add(s.ttl),
	}
	s.mu.Lock()
	s.items[agentID] = &ch
	s.mu.Unlock()
	return ch, nil
}

func (s *MemoryStore) VerifySignature(agentID string, publicKey, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrBadPublicKey
	}
	if len(signature) != ed25519.SignatureSize {
		return ErrBadSignatureLength
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.items[agentID]
	if !ok {
		return ErrNoChallenge
	}
	if s.now().UTC().After(ch.ExpiresAt) {
		return ErrChallengeExpired
	}
	if ch.Used {
		return ErrChallengeUsed
	}
	// The signed message is the UTF-8 bytes of the hex nonce string, not the
	// decoded nonce bytes.
	if !ed25519.Verify(ed25519.PublicKey(publicKey), []byte(ch.Nonce), signature) {
		return ErrBadSignature
	}
	ch.Used = true
	return nil
}

// Evict drops challenges expired for longer than grace and returns how many
// were removed. Used challenges are kept until expiry so a replay attempt
// still reports "already used" rather than "no challenge".
func (s *MemoryStore) Evict(grace time.Duration) int {
	cutoff := s.now().UTC().Add(-grace)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, ch := range s.items {
		if ch.ExpiresAt.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}
