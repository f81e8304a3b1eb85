// Package anchor records level transitions on an external ledger for
// tamper-evidence. Dispatch is always asynchronous relative to the request
// that triggered it; failures are queued locally and retried by a periodic
// sweep, never surfaced to the caller.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/httpx"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/level"
)

// Memo builds the canonical memo string. The format is a bit-exact contract
// with external verifiers that replay the ledger.
func Memo(agentID string, lvl level.Level, ts time.Time) string {
	return fmt.Sprintf("agent-trust|%s|L%d|%s|%d", agentID, int(lvl), lvl.Label(), ts.Unix())
}

// Ledger is the external write capability. Retrying with the same memo
// string must be safe.
type Ledger interface {
	SendMemo(ctx context.Context, memo string) (signature string, err error)
}

var ErrLedgerUnavailable = errors.New("ledger unavailable")

// HTTPLedger posts memos to a ledger relay service.
type HTTPLedger struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

type memoRequest struct {
	Memo string `json:"memo"`
}

type memoResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

func (l HTTPLedger) SendMemo(ctx context.Context, memo string) (string, error) {
	if strings.TrimSpace(l.Endpoint) == "" {
		return "", fmt.Errorf("%w: no endpoint configured", ErrLedgerUnavailable)
	}
	body, err := json.Marshal(memoRequest{Memo: memo})
	if err != nil {
		return "", err
	}
	status, respBody, err := httpx.RequestJSON(ctx, l.Client, http.MethodPost, l.Endpoint, body, l.Headers, l.Retries, l.RetryDelay)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrLedgerUnavailable, status)
	}
	var resp memoResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("%w: malformed response", ErrLedgerUnavailable)
	}
	if resp.Signature == "" {
		return "", fmt.Errorf("%w: write rejected: %s", ErrLedgerUnavailable, resp.Error)
	}
	return resp.Signature, nil
}
