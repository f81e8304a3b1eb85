// Package sdk is the typed client agents embed to walk the trust ladder
// against a verifyd instance.
package sdk

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/models"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/trust"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// DeviceSigner holds the Ed25519 key a mobile companion uses to answer
// nonce challenges.
type DeviceSigner struct {
	PrivateKey ed25519.PrivateKey
}

func GenerateDeviceSigner() (DeviceSigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return DeviceSigner{}, fmt.Errorf("generate key: %w", err)
	}
	return DeviceSigner{PrivateKey: priv}, nil
}

func NewDeviceSignerFromHex(privateKeyHex string) (DeviceSigner, error) {
	privBytes, err := hex.DecodeString(strings.TrimSpace(privateKeyHex))
	if err != nil {
		return DeviceSigner{}, fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return DeviceSigner{}, fmt.Errorf("invalid private key length: got=%d want=%d", len(privBytes), ed25519.PrivateKeySize)
	}
	return DeviceSigner{PrivateKey: ed25519.PrivateKey(privBytes)}, nil
}

func (s DeviceSigner) PublicKeyHex() string {
	return hex.EncodeToString(s.PrivateKey.Public().(ed25519.PublicKey))
}

func (s DeviceSigner) PrivateKeyHex() string {
	return hex.EncodeToString(s.PrivateKey)
}

// SignNonce signs the UTF-8 bytes of the hex nonce string, which is what
// the server verifies against.
func (s DeviceSigner) SignNonce(nonce string) string {
	return hex.EncodeToString(ed25519.Sign(s.PrivateKey, []byte(nonce)))
}

type RegisterResult struct {
	trust.Status
	ChallengeCode string `json:"challenge_code"`
	Instructions  string `json:"instructions"`
}

type MobileChallenge struct {
	AgentID   string    `json:"agent_id"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Client) Register(ctx context.Context, agentID string) (RegisterResult, error) {
	var out RegisterResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/agents/register", map[string]string{"agent_id": agentID}, &out)
	return out, err
}

func (c *Client) Confirm(ctx context.Context, agentID string) (trust.Status, error) {
	var out trust.Status
	err := c.doJSON(ctx, http.MethodPost, "/v1/agents/"+agentID+"/confirm", nil, &out)
	return out, err
}

func (c *Client) VerifyEndpoint(ctx context.Context, agentID, endpointURL, codeURL string) (trust.Status, error) {
	var out trust.Status
	err := c.doJSON(ctx, http.MethodPost, "/v1/agents/"+agentID+"/endpoint", map[string]string{
		"endpoint_url": endpointURL,
		"code_url":     codeURL,
	}, &out)
	return out, err
}

func (c *Client) SubmitFingerprint(ctx context.Context, agentID string, posts []models.ActivityPost) (trust.FingerprintResult, error) {
	var out trust.FingerprintResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/agents/"+agentID+"/fingerprint", map[string]interface{}{"posts": posts}, &out)
	return out, err
}

func (c *Client) BindHardware(ctx context.Context, agentID, provider, deviceID string) (trust.Status, error) {
	var out trust.Status
	err := c.doJSON(ctx, http.MethodPost, "/v1/agents/"+agentID+"/hardware", map[string]string{
		"provider":  provider,
		"device_id": deviceID,
	}, &out)
	return out, err
}

func (c *Client) RequestMobileChallenge(ctx context.Context, agentID string) (MobileChallenge, error) {
	var out MobileChallenge
	err := c.doJSON(ctx, http.MethodPost, "/v1/agents/"+agentID+"/mobile/challenge", nil, &out)
	return out, err
}

func (c *Client) VerifyMobileSignature(ctx context.Context, agentID, publicKeyHex, signatureHex string) (trust.Status, error) {
	var out trust.Status
	err := c.doJSON(ctx, http.MethodPost, "/v1/agents/"+agentID+"/mobile/verify", map[string]string{
		"public_key": publicKeyHex,
		"signature":  signatureHex,
	}, &out)
	return out, err
}

// CompleteMobileVerification requests a nonce, signs it, and submits the
// proof in one call.
func (c *Client) CompleteMobileVerification(ctx context.Context, agentID string, signer DeviceSigner) (trust.Status, error) {
	ch, err := c.RequestMobileChallenge(ctx, agentID)
	if err != nil {
		return trust.Status{}, err
	}
	return c.VerifyMobileSignature(ctx, agentID, signer.PublicKeyHex(), signer.SignNonce(ch.Nonce))
}

func (c *Client) Status(ctx context.Context, agentID string) (trust.Status, error) {
	var out trust.Status
	err := c.doJSON(ctx, http.MethodGet, "/v1/agents/"+agentID, nil, &out)
	return out, err
}

func (c *Client) Lookup(ctx context.Context, agentIDs []string) ([]trust.BatchEntry, error) {
	var out struct {
		Agents []trust.BatchEntry `json:"agents"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/agents/lookup", map[string]interface{}{"agent_ids": agentIDs}, &out)
	return out.Agents, err
}

func (c *Client) Revoke(ctx context.Context, agentID string) (trust.Status, error) {
	var out trust.Status
	err := c.doJSON(ctx, http.MethodPost, "/v1/agents/"+agentID+"/revoke", nil, &out)
	return out, err
}

func (c *Client) Signals(ctx context.Context, agentID string) ([]models.SybilSignal, error) {
	var out struct {
		Signals []models.SybilSignal `json:"signals"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/agents/"+agentID+"/signals", nil, &out)
	return out.Signals, err
}

func (c *Client) PendingAnchors(ctx context.Context) ([]models.PendingAnchor, error) {
	var out struct {
		Pending []models.PendingAnchor `json:"pending"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/anchors/pending", nil, &out)
	return out.Pending, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError carries the HTTP status and raw body of a non-2xx response so
// callers can branch on 409/422/429 without string matching.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
}
