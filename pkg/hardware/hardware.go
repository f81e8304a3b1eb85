// Package hardware verifies physical-device binding by reading device
// accounts through an external capability and deriving a stable binding
// hash.
package hardware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/httpx"
)

var (
	ErrDeviceNotFound    = errors.New("hardware device account does not exist")
	ErrWrongOwner        = errors.New("device account owned by unexpected program")
	ErrReaderUnavailable = errors.New("device account read failed")
)

// DeviceAccount is the parsed result of reading one on-chain device account.
type DeviceAccount struct {
	Exists       bool            `json:"exists"`
	OwnerProgram string          `json:"owner_program"`
	RawBytes     []byte          `json:"raw_bytes,omitempty"`
	ParsedFields json.RawMessage `json:"parsed_fields,omitempty"`
}

// Reader is the capability that fetches device accounts. Implementations
// carry their own timeout.
type Reader interface {
	ReadDeviceAccount(ctx context.Context, provider, deviceID string) (DeviceAccount, error)
}

// BindingHash derives the persisted hardware-binding digest. It must stay
// stable: external verifiers recompute it from the same three inputs.
func BindingHash(provider, deviceID, ownerProgram string) string {
	sum := sha256.Sum256([]byte(provider + "|" + deviceID + "|" + ownerProgram))
	return hex.EncodeToString(sum[:])
}

// Verify reads the device account and, when expectedOwner is non-empty,
// requires the account to be owned by that program. It returns the binding
// hash on success.
func Verify(ctx context.Context, r Reader, provider, deviceID, expectedOwner string) (string, error) {
	account, err := r.ReadDeviceAccount(ctx, provider, deviceID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReaderUnavailable, err)
	}
	if !account.Exists {
		return "", ErrDeviceNotFound
	}
	if expectedOwner != "" && !strings.EqualFold(account.OwnerProgram, expectedOwner) {
		return "", fmt.Errorf("%w: got %s", ErrWrongOwner, account.OwnerProgram)
	}
	return BindingHash(provider, deviceID, account.OwnerProgram), nil
}

// HTTPReader fetches device accounts from a relay service.
type HTTPReader struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

type readRequest struct {
	Provider string `json:"provider"`
	DeviceID string `json:"device_id"`
}

func (r HTTPReader) ReadDeviceAccount(ctx context.Context, provider, deviceID string) (DeviceAccount, error) {
	if strings.TrimSpace(r.Endpoint) == "" {
		return DeviceAccount{}, errors.New("no device reader endpoint configured")
	}
	body, err := json.Marshal(readRequest{Provider: provider, DeviceID: deviceID})
	if err != nil {
		return DeviceAccount{}, err
	}
	status, respBody, err := httpx.RequestJSON(ctx, r.Client, http.MethodPost, r.Endpoint, body, r.Headers, r.Retries, r.RetryDelay)
	if err != nil {
		return DeviceAccount{}, err
	}
	if status == http.StatusNotFound {
		return DeviceAccount{Exists: false}, nil
	}
	if status < 200 || status >= 300 {
		return DeviceAccount{}, fmt.Errorf("device reader status %d", status)
	}
	var account DeviceAccount
	if err := json.Unmarshal(respBody, &account); err != nil {
		return DeviceAccount{}, fmt.Errorf("malformed device account response: %w", err)
	}
	return account, nil
}
