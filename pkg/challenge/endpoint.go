package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// WellKnownPath is where a verified agent must serve its token file under
// the declared endpoint. The JSON key names are a bit-exact contract with
// external verifiers.
const WellKnownPath = "/.well-known/moltlaunch-verify.json"

// Fetcher retrieves a URL with a finite timeout.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (status int, body []byte, err error)
}

// WellKnownFile is the exact wire shape of the token file.
type WellKnownFile struct {
	AgentID string `json:"agentId"`
	Token   string `json:"token"`
}

// GenerateToken produces the persistent 32-byte endpoint challenge token,
// hex encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate endpoint token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// VerifyEndpoint checks control of the declared endpoint and code URL.
// Every defect is collected so the caller sees all of them in one round
// trip; an empty slice means the check passed.
func VerifyEndpoint(ctx context.Context, fetch Fetcher, agentID, token, endpointURL, codeURL string) []string {
	var failures []string

	wellKnownURL := strings.TrimSuffix(endpointURL, "/") + WellKnownPath
	status, body, err := fetch.Fetch(ctx, wellKnownURL)
	switch {
	case err != nil:
		failures = append(failures, fmt.Sprintf("well-known file fetch failed: %v", err))
	case status != 200:
		failures = append(failures, fmt.Sprintf("well-known file returned status %d, expected 200", status))
	default:
		var file WellKnownFile
		if jsonErr := json.Unmarshal(body, &file); jsonErr != nil {
			failures = append(failures, "well-known file is not valid JSON")
		} else {
			if file.AgentID != agentID {
				failures = append(failures, fmt.Sprintf("agentId %q does not match %q", file.AgentID, agentID))
			}
			if file.Token != token {
				failures = append(failures, fmt.Sprintf("token %q does not match the issued challenge token", file.Token))
			}
		}
	}

	codeStatus, _, codeErr := fetch.Fetch(ctx, codeURL)
	switch {
	case codeErr != nil:
		failures = append(failures, fmt.Sprintf("code URL fetch failed: %v", codeErr))
	case codeStatus < 200 || codeStatus >= 400:
		failures = append(failures, fmt.Sprintf("code URL returned status %d, expected 2xx or 3xx", codeStatus))
	}

	return failures
}
