// Package challenge implements the three challenge-response protocols:
// forum-post code possession, endpoint-token control, and Ed25519 device
// challenges. Each produces a verdict; committing level changes is the
// trust service's job.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/httpx"
)

// DefaultCodePrefix is the leading tag of generated forum codes.
const DefaultCodePrefix = "MOLT"

var ErrForumUnavailable = errors.New("forum comment fetch failed")

// Comment is one forum comment as returned by the forum capability.
type Comment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// ForumClient fetches the comment list the agent was asked to post into.
// Implementations must carry their own timeout.
type ForumClient interface {
	FetchComments(ctx context.Context) ([]Comment, error)
}

// GenerateCode produces a one-time forum challenge code of the form
// {prefix}-{8 hex}-{unix ts}. The shape is a published contract; external
// verifiers match it with PREFIX-[0-9a-f]{8}-[0-9]+.
func GenerateCode(prefix string) (string, error) {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultCodePrefix
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate forum code: %w", err)
	}
	return fmt.Sprintf("%s-%s-%d", prefix, hex.EncodeToString(buf), time.Now().Unix()), nil
}

// VerifyForumCode succeeds iff some fetched comment was authored by the
// agent (case-insensitive) and contains the exact code substring. A fetch
// failure is surfaced to the caller, never silently retried.
func VerifyForumCode(ctx context.Context, client ForumClient, agentID, code string) (bool, error) {
	comments, err := client.FetchComments(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrForumUnavailable, err)
	}
	for _, c := range comments {
		if strings.EqualFold(strings.TrimSpace(c.Author), agentID) && strings.Contains(c.Body, code) {
			return true, nil
		}
	}
	return false, nil
}

// HTTPForum fetches the comment list from a forum relay API. The endpoint
// must return a JSON array of {author, body} objects.
type HTTPForum struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (f HTTPForum) FetchComments(ctx context.Context) ([]Comment, error) {
	if strings.TrimSpace(f.Endpoint) == "" {
		return nil, errors.New("no forum endpoint configured")
	}
	status, body, err := httpx.RequestJSON(ctx, f.Client, http.MethodGet, f.Endpoint, nil, f.Headers, f.Retries, f.RetryDelay)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("forum status %d", status)
	}
	var comments []Comment
	if err := json.Unmarshal(body, &comments); err != nil {
		return nil, fmt.Errorf("decode forum comments: %w", err)
	}
	return comments, nil
}
