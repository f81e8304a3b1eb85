package level

import (
	"errors"
	"fmt"
	"time"
)

// Level is one rung of the trust ladder. The zero value is Registered.
type Level int

const (
	Registered Level = 0
	Confirmed  Level = 1
	Verified   Level = 2
	Behavioral Level = 3
	Hardware   Level = 4
	Mobile     Level = 5
)

var (
	ErrInvalidLevel      = errors.New("invalid trust level")
	ErrInvalidTransition = errors.New("invalid trust level transition")
	ErrRevoked           = errors.New("agent is revoked")
)

type info struct {
	label       string
	description string
}

// One table keyed by level so label and description cannot drift apart.
var levels = map[Level]info{
	Registered: {"registered", "Identity claimed; HTTP reachability only"},
	Confirmed:  {"confirmed", "Forum account possession proven via challenge code"},
	Verified:   {"verified", "Declared endpoint and code repository under agent control"},
	Behavioral: {"behavioral", "Behavioral fingerprint computed and uniqueness scored"},
	Hardware:   {"hardware", "Bound to a physical hardware device account"},
	Mobile:     {"mobile", "Hardware-backed key possession proven via signed challenge"},
}

func (l Level) Valid() bool {
	_, ok := levels[l]
	return ok
}

func (l Level) Label() string {
	return levels[l].label
}

func (l Level) Description() string {
	return levels[l].description
}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("L%d(invalid)", int(l))
	}
	return fmt.Sprintf("L%d(%s)", int(l), levels[l].label)
}

// Terminal reports whether no further upgrade exists from l.
func (l Level) Terminal() bool {
	return l == Mobile
}

// CanTransition reports whether from -> to is a legal single-step upgrade.
// The ladder is strictly linear: no skipping, no regression.
func CanTransition(from, to Level) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return to == from+1
}

// Transition returns the new level or the unchanged level with an error.
func Transition(from, to Level) (Level, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

// IsExpired reports whether a verification window has lapsed. A zero expiry
// never expires.
func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.UTC().After(expiresAt.UTC())
}
