package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/challenge"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/events"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/ratelimit"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/store"
)

// forumState fakes the forum relay: whatever is set here comes back as the
// single comment list.
type forumState struct {
	mu       sync.Mutex
	author   string
	body     string
	failWith int
}

func (f *forumState) set(author, body string) {
	f.mu.Lock()
	f.author = author
	f.body = body
	f.mu.Unlock()
}

func (f *forumState) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{"author": f.author, "body": f.body}})
	}
}

type testHarness struct {
	handler http.Handler
	server  *Server
	forum   *forumState
}

func newHarness(t *testing.T, extraEnv map[string]string) *testHarness {
	t.Helper()
	forum := &forumState{}
	forumSrv := httptest.NewServer(forum.handler())
	t.Cleanup(forumSrv.Close)

	ledgerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"signature": "ledger-sig-1"})
	}))
	t.Cleanup(ledgerSrv.Close)

	deviceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["device_id"] == "ghost" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"exists":        true,
			"owner_program": "hw-registry",
		})
	}))
	t.Cleanup(deviceSrv.Close)

	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("ADMIN_TOKEN", "test-admin-token")
	t.Setenv("FORUM_COMMENTS_URL", forumSrv.URL)
	t.Setenv("ANCHOR_LEDGER_URL", ledgerSrv.URL)
	t.Setenv("DEVICE_REGISTRY_URL", deviceSrv.URL)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("KAFKA_BROKERS", "")
	for k, v := range extraEnv {
		t.Setenv(k, v)
	}

	h := &testHarness{forum: forum}
	initTelemetry := func(ctx context.Context, service string) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	openDB := func(ctx context.Context) (store.Store, func(), error) {
		return store.NewMemory(), func() {}, nil
	}
	openRedis := func(ctx context.Context) (*redis.Client, error) {
		return nil, fmt.Errorf("no redis in test")
	}
	listen := func(server *http.Server) error {
		h.handler = server.Handler
		return nil
	}
	startLoops := func(s *Server) {
		h.server = s
		// Side effects run in goroutines; pending anchors get swept on
		// demand in the tests instead of by timers.
	}
	if err := runServer(initTelemetry, openDB, openRedis, listen, startLoops); err != nil {
		t.Fatalf("runServer: %v", err)
	}
	if h.handler == nil || h.server == nil {
		t.Fatal("harness did not capture handler and server")
	}
	return h
}

func (h *testHarness) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:40000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	var decoded map[string]interface{}
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &decoded)
	}
	return rr, decoded
}

func (h *testHarness) register(t *testing.T, agentID string) string {
	t.Helper()
	rr, resp := h.do(t, http.MethodPost, "/v1/agents/register", map[string]string{"agent_id": agentID}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status %d: %s", rr.Code, rr.Body.String())
	}
	code, _ := resp["challenge_code"].(string)
	if code == "" {
		t.Fatal("register response missing challenge_code")
	}
	return code
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	rr, resp := h.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if resp["service"] != "verifyd" {
		t.Fatalf("unexpected healthz body: %v", resp)
	}
}

func TestRegisterAndConfirmFlow(t *testing.T) {
	h := newHarness(t, nil)
	code := h.register(t, "agent-alpha")
	if !regexp.MustCompile(`^MOLT-[0-9a-f]{8}-[0-9]+$`).MatchString(code) {
		t.Fatalf("challenge code %q does not match published shape", code)
	}

	// Wrong author first.
	h.forum.set("someone-else", "here is "+code)
	rr, _ := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/confirm", nil, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for wrong author, got %d: %s", rr.Code, rr.Body.String())
	}

	h.forum.set("agent-alpha", "claiming my agent: "+code)
	rr, resp := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/confirm", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if resp["level"].(float64) != 1 || resp["label"] != "confirmed" {
		t.Fatalf("unexpected confirm response: %v", resp)
	}

	// Re-confirm is idempotent.
	rr, resp = h.do(t, http.MethodPost, "/v1/agents/agent-alpha/confirm", nil, nil)
	if rr.Code != http.StatusOK || resp["level"].(float64) != 1 {
		t.Fatalf("idempotent confirm failed: %d %v", rr.Code, resp)
	}
}

func TestRegisterConflict(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "agent-alpha")
	rr, resp := h.do(t, http.MethodPost, "/v1/agents/register", map[string]string{"agent_id": "agent-alpha"}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if resp["existing_level"].(float64) != 0 {
		t.Fatalf("conflict must name the existing level: %v", resp)
	}
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t, nil)
	rr, _ := h.do(t, http.MethodPost, "/v1/agents/register", map[string]string{"agent_id": "x!"}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	rr, _ = h.do(t, http.MethodPost, "/v1/agents/register", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rr.Code)
	}
}

func TestStatusNotFound(t *testing.T) {
	h := newHarness(t, nil)
	rr, _ := h.do(t, http.MethodGet, "/v1/agents/agent-missing", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestEndpointVerificationFlow(t *testing.T) {
	h := newHarness(t, nil)
	code := h.register(t, "agent-alpha")
	h.forum.set("agent-alpha", code)
	if rr, _ := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/confirm", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("confirm failed: %d", rr.Code)
	}

	// Fetch the issued token through the store to serve the well-known file.
	agent, err := h.server.Store.GetAgent(context.Background(), "agent-alpha")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/moltlaunch-verify.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"agentId": "agent-alpha", "token": agent.ChallengeToken})
	})
	mux.HandleFunc("/repo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("source listing"))
	})
	agentSrv := httptest.NewServer(mux)
	defer agentSrv.Close()

	rr, resp := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/endpoint", map[string]string{
		"endpoint_url": agentSrv.URL,
		"code_url":     agentSrv.URL + "/repo",
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if resp["level"].(float64) != 2 {
		t.Fatalf("expected level 2, got %v", resp["level"])
	}
}

func TestEndpointVerificationReportsAllFailures(t *testing.T) {
	h := newHarness(t, nil)
	code := h.register(t, "agent-alpha")
	h.forum.set("agent-alpha", code)
	if rr, _ := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/confirm", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("confirm failed: %d", rr.Code)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/moltlaunch-verify.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"agentId": "agent-alpha", "token": "not-the-token"})
	})
	agentSrv := httptest.NewServer(mux)
	defer agentSrv.Close()

	rr, resp := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/endpoint", map[string]string{
		"endpoint_url": agentSrv.URL,
		"code_url":     agentSrv.URL + "/missing-repo",
	}, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	failures, _ := resp["failures"].([]interface{})
	if len(failures) != 2 {
		t.Fatalf("expected both failures reported, got %v", failures)
	}
}

func advanceToLevel(t *testing.T, h *testHarness, agentID string, target int) {
	t.Helper()
	code := h.register(t, agentID)
	if target < 1 {
		return
	}
	h.forum.set(agentID, code)
	if rr, _ := h.do(t, http.MethodPost, "/v1/agents/"+agentID+"/confirm", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("confirm failed: %d", rr.Code)
	}
	if target < 2 {
		return
	}
	agent, err := h.server.Store.GetAgent(context.Background(), agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/moltlaunch-verify.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"agentId": agentID, "token": agent.ChallengeToken})
	})
	mux.HandleFunc("/repo", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	agentSrv := httptest.NewServer(mux)
	t.Cleanup(agentSrv.Close)
	if rr, _ := h.do(t, http.MethodPost, "/v1/agents/"+agentID+"/endpoint", map[string]string{
		"endpoint_url": agentSrv.URL, "code_url": agentSrv.URL + "/repo",
	}, nil); rr.Code != http.StatusOK {
		t.Fatalf("endpoint failed: %d", rr.Code)
	}
	if target < 3 {
		return
	}
	posts := make([]map[string]interface{}, 0, 10)
	base := time.Now().Add(-100 * time.Hour)
	for i := 0; i < 10; i++ {
		posts = append(posts, map[string]interface{}{
			"title":      fmt.Sprintf("note %d from %s", i, agentID),
			"body":       "Working on the " + agentID + " scheduler. Is the model drifting?",
			"created_at": base.Add(time.Duration(i) * 9 * time.Hour).Format(time.RFC3339),
		})
	}
	if rr, _ := h.do(t, http.MethodPost, "/v1/agents/"+agentID+"/fingerprint", map[string]interface{}{"posts": posts}, nil); rr.Code != http.StatusOK {
		t.Fatalf("fingerprint failed: %d", rr.Code)
	}
	if target < 4 {
		return
	}
	if rr, _ := h.do(t, http.MethodPost, "/v1/agents/"+agentID+"/hardware", map[string]string{
		"provider": "helium", "device_id": "dev-" + agentID,
	}, nil); rr.Code != http.StatusOK {
		t.Fatalf("hardware failed: %d", rr.Code)
	}
}

func TestFullLadderThroughMobile(t *testing.T) {
	h := newHarness(t, nil)
	advanceToLevel(t, h, "agent-alpha", 4)

	rr, resp := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/mobile/challenge", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("challenge failed: %d %s", rr.Code, rr.Body.String())
	}
	nonce, _ := resp["nonce"].(string)
	if nonce == "" {
		t.Fatal("challenge response missing nonce")
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig := ed25519.Sign(priv, []byte(nonce))
	rr, resp = h.do(t, http.MethodPost, "/v1/agents/agent-alpha/mobile/verify", map[string]string{
		"public_key": hex.EncodeToString(pub),
		"signature":  hex.EncodeToString(sig),
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify failed: %d %s", rr.Code, rr.Body.String())
	}
	if resp["level"].(float64) != 5 || resp["label"] != "mobile" {
		t.Fatalf("expected L5 mobile, got %v", resp)
	}
}

func TestMobileChallengeRequiresL4(t *testing.T) {
	h := newHarness(t, nil)
	advanceToLevel(t, h, "agent-alpha", 2)
	rr, _ := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/mobile/challenge", nil, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestHardwareUnknownDevice(t *testing.T) {
	h := newHarness(t, nil)
	advanceToLevel(t, h, "agent-alpha", 3)
	rr, _ := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/hardware", map[string]string{
		"provider": "helium", "device_id": "ghost",
	}, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestBatchLookupEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "agent-one")
	rr, resp := h.do(t, http.MethodPost, "/v1/agents/lookup", map[string]interface{}{
		"agent_ids": []string{"agent-one", "agent-missing"},
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	agents, _ := resp["agents"].([]interface{})
	if len(agents) != 2 {
		t.Fatalf("expected 2 entries, got %v", resp)
	}
	first := agents[0].(map[string]interface{})
	second := agents[1].(map[string]interface{})
	if first["found"] != true || second["found"] != false {
		t.Fatalf("unexpected lookup entries: %v %v", first, second)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "agent-alpha")

	rr, _ := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/revoke", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	rr, _ = h.do(t, http.MethodPost, "/v1/agents/agent-alpha/revoke", nil, map[string]string{
		"Authorization": "Bearer wrong",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}

	auth := map[string]string{"Authorization": "Bearer test-admin-token"}
	rr, resp := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/revoke", nil, auth)
	if rr.Code != http.StatusOK || resp["revoked"] != true {
		t.Fatalf("revoke failed: %d %v", rr.Code, resp)
	}

	// Revoked agents refuse further transitions.
	rr, _ = h.do(t, http.MethodPost, "/v1/agents/agent-alpha/confirm", nil, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 after revocation, got %d", rr.Code)
	}

	rr, _ = h.do(t, http.MethodGet, "/v1/agents/agent-alpha/signals", nil, auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("signals listing failed: %d", rr.Code)
	}
	rr, _ = h.do(t, http.MethodGet, "/v1/anchors/pending", nil, auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("pending anchors failed: %d", rr.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	h := newHarness(t, map[string]string{
		"RATE_LIMIT_ENABLED":    "true",
		"RATE_LIMIT_PER_MINUTE": "1",
	})
	rr, _ := h.do(t, http.MethodGet, "/v1/agents/agent-x", nil, nil)
	if rr.Code == http.StatusTooManyRequests {
		t.Fatalf("first request must not be limited")
	}
	rr, _ = h.do(t, http.MethodGet, "/v1/agents/agent-x", nil, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
}

func TestRateLimitedWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := &Server{
		RateLimiter:        ratelimit.NewRedis(client, time.Minute),
		RateLimitEnabled:   true,
		RateLimitPerMinute: 1,
		RateLimitWindow:    time.Minute,
	}
	var hits int
	handler := s.rateLimited(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/agents/a", nil)
	req.RemoteAddr = "198.51.100.1:1000"
	rr := httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusOK || hits != 1 {
		t.Fatalf("first request blocked: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "agent-alpha")

	rr, _ := h.do(t, http.MethodGet, "/metrics", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics failed: %d", rr.Code)
	}
	rr2, _ := h.do(t, http.MethodGet, "/metrics/prometheus", nil, nil)
	if rr2.Code != http.StatusOK {
		t.Fatalf("prometheus metrics failed: %d", rr2.Code)
	}
	if !strings.Contains(rr2.Body.String(), "moltverify_endpoint_count") {
		t.Fatal("prometheus exposition missing endpoint counters")
	}
}

func TestConfirmAnchorsTransition(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.server.Anchors.Run(ctx)

	code := h.register(t, "agent-alpha")
	h.forum.set("agent-alpha", code)
	if rr, _ := h.do(t, http.MethodPost, "/v1/agents/agent-alpha/confirm", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("confirm failed: %d", rr.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		agent, err := h.server.Store.GetAgent(ctx, "agent-alpha")
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if agent.AnchorSignature == "ledger-sig-1" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("anchor signature not attached, got %q", agent.AnchorSignature)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestClientIPTrustsProxyHeaders(t *testing.T) {
	_, cidr, _ := net.ParseCIDR("10.0.0.0/8")
	s := &Server{TrustedProxyCIDRs: []*net.IPNet{cidr}}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.1.2.3:9000"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.1.2.3")
	if got := s.clientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected forwarded ip, got %q", got)
	}

	req.RemoteAddr = "203.0.113.9:9000"
	if got := s.clientIP(req); got != "203.0.113.9" {
		t.Fatalf("untrusted remote must ignore XFF, got %q", got)
	}
}

func TestParseCIDRsAndSplitList(t *testing.T) {
	cidrs := parseCIDRs(" 10.0.0.0/8 , bad, 192.168.0.0/16 ")
	if len(cidrs) != 2 {
		t.Fatalf("expected 2 CIDRs, got %d", len(cidrs))
	}
	if got := splitList(" a, ,b "); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected split: %v", got)
	}
	if got := splitList("  "); got != nil {
		t.Fatalf("expected nil for blank list, got %v", got)
	}
}

func TestStatusCacheServesHotLookups(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "agent-cache")

	rr, first := h.do(t, http.MethodGet, "/v1/agents/agent-cache", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d", rr.Code)
	}

	// Mutate the row behind the cache's back; a cached read must not see it.
	agent, err := h.server.Store.GetAgent(context.Background(), "agent-cache")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	agent.Label = "tampered"
	if err := h.server.Store.UpdateAgent(context.Background(), agent); err != nil {
		t.Fatalf("update agent: %v", err)
	}

	rr, second := h.do(t, http.MethodGet, "/v1/agents/agent-cache", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cached status: %d", rr.Code)
	}
	if second["label"] != first["label"] {
		t.Fatalf("expected cached label %q, got %q", first["label"], second["label"])
	}
}

func TestStatusCacheInvalidatedOnTransition(t *testing.T) {
	h := newHarness(t, nil)
	code := h.register(t, "agent-fresh")

	if rr, resp := h.do(t, http.MethodGet, "/v1/agents/agent-fresh", nil, nil); rr.Code != http.StatusOK || resp["level"].(float64) != 0 {
		t.Fatalf("initial status: %d %v", rr.Code, resp)
	}

	h.forum.set("agent-fresh", code)
	if rr, _ := h.do(t, http.MethodPost, "/v1/agents/agent-fresh/confirm", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("confirm: %d", rr.Code)
	}

	rr, resp := h.do(t, http.MethodGet, "/v1/agents/agent-fresh", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status after confirm: %d", rr.Code)
	}
	if resp["level"].(float64) != 1 || resp["label"] != "confirmed" {
		t.Fatalf("transition must drop the cached status, got %v", resp)
	}
}

func TestStatusCacheInvalidatedOnRevoke(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "agent-gone")
	admin := map[string]string{"Authorization": "Bearer test-admin-token"}

	if rr, _ := h.do(t, http.MethodGet, "/v1/agents/agent-gone", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("prime status: %d", rr.Code)
	}
	if rr, _ := h.do(t, http.MethodPost, "/v1/agents/agent-gone/revoke", nil, admin); rr.Code != http.StatusOK {
		t.Fatalf("revoke: %d", rr.Code)
	}

	rr, resp := h.do(t, http.MethodGet, "/v1/agents/agent-gone", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status after revoke: %d", rr.Code)
	}
	if resp["revoked"] != true {
		t.Fatalf("revocation must drop the cached status, got %v", resp)
	}
}

func TestAnchoredEventReachesStream(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.server.Anchors.Run(ctx)

	sub := h.server.Events.Subscribe(16)

	code := h.register(t, "agent-anchored")
	h.forum.set("agent-anchored", code)
	if rr, _ := h.do(t, http.MethodPost, "/v1/agents/agent-anchored/confirm", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("confirm: %d", rr.Code)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type != events.TypeAnchored {
				continue
			}
			var data map[string]string
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				t.Fatalf("decode anchored event: %v", err)
			}
			if data["agent_id"] != "agent-anchored" || data["signature"] != "ledger-sig-1" {
				t.Fatalf("anchored event payload: %v", data)
			}
			return
		case <-deadline:
			t.Fatal("no anchored event published")
		}
	}
}

func TestStatusReportsExpiredAgents(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "agent-stale")

	agent, err := h.server.Store.GetAgent(context.Background(), "agent-stale")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	agent.ExpiresAt = time.Now().Add(-time.Hour)
	if err := h.server.Store.UpdateAgent(context.Background(), agent); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	h.server.dropCachedStatus("agent-stale")

	rr, resp := h.do(t, http.MethodGet, "/v1/agents/agent-stale", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d", rr.Code)
	}
	if resp["expired"] != true {
		t.Fatalf("status past expires_at must report expired, got %v", resp)
	}
}

func TestDeviceEvictGraceConfig(t *testing.T) {
	h := newHarness(t, map[string]string{
		"MOBILE_EVICT_INTERVAL_SEC": "1",
		"MOBILE_EVICT_GRACE_SEC":    "600",
	})
	if h.server.DeviceEvictInterval != time.Second {
		t.Fatalf("interval = %v", h.server.DeviceEvictInterval)
	}
	if h.server.DeviceEvictGrace != 10*time.Minute {
		t.Fatalf("grace = %v", h.server.DeviceEvictGrace)
	}
}

func TestDeviceEvictLoopRetainsExpiredWithinGrace(t *testing.T) {
	devices := challenge.NewMemoryStore(time.Millisecond)
	if _, err := devices.Issue("agent-replay"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	s := &Server{
		Devices:             devices,
		DeviceEvictInterval: 5 * time.Millisecond,
		DeviceEvictGrace:    time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.deviceEvictLoop(ctx)
	time.Sleep(40 * time.Millisecond)
	cancel()

	// Still inside the grace window: a replay must see "expired", not the
	// weaker "no challenge" that eviction would produce.
	pub := make([]byte, ed25519.PublicKeySize)
	sig := make([]byte, ed25519.SignatureSize)
	if err := devices.VerifySignature("agent-replay", pub, sig); !errors.Is(err, challenge.ErrChallengeExpired) {
		t.Fatalf("err = %v, want ErrChallengeExpired", err)
	}
}
