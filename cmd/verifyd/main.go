package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/anchor"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/challenge"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/events"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/hardware"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/httpx"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/level"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/metrics"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/models"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/ratelimit"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/store"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/sybil"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/telemetry"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/trust"
)

type Server struct {
	Trust               *trust.Service
	Store               store.Store
	Cache               store.Cache
	Redis               *redis.Client
	Metrics             *metrics.Registry
	Events              *events.Hub
	Kafka               *events.KafkaPublisher
	Anchors             *anchor.Dispatcher
	Devices             challenge.DeviceStore
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	AdminToken          string
	MaxRequestBodyBytes int64
	TrustedProxyCIDRs   []*net.IPNet
	StatusCacheTTL      time.Duration
	DeviceEvictInterval time.Duration
	DeviceEvictGrace    time.Duration
	AnchorSweepInterval time.Duration
	MetricsInterval     time.Duration
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (store.Store, func(), error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(s *Server)

func main() {
	if err := runServer(telemetry.Init, openStore, store.NewRedis, defaultListen, defaultStartLoops); err != nil {
		log.Fatalf("verifyd: %v", err)
	}
}

func defaultListen(server *http.Server) error {
	return server.ListenAndServe()
}

func defaultStartLoops(s *Server) {
	ctx := context.Background()
	go s.Anchors.Run(ctx)
	go s.Anchors.SweepLoop(ctx, s.AnchorSweepInterval)
	go s.deviceEvictLoop(ctx)
	go s.metricsLoop(ctx)
	if s.Kafka != nil {
		go s.Kafka.Relay(ctx, s.Events.Subscribe(256))
	}
}

// openStore builds the persistence layer. STORE_BACKEND=memory keeps
// everything in-process for local runs; anything else opens Postgres and
// ensures the schema.
func openStore(ctx context.Context) (store.Store, func(), error) {
	if strings.EqualFold(env("STORE_BACKEND", "postgres"), "memory") {
		return store.NewMemory(), func() {}, nil
	}
	pool, err := store.NewPostgresPool(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store.NewPostgres(pool), pool.Close, nil
}

func runServer(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "verifyd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	st, closeStore, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 5000)),
	})
	retries := envInt("UPSTREAM_RETRIES", 2)
	retryDelay := time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 100))

	reg := metrics.NewRegistry()
	hub := events.NewHub()
	devices := challenge.NewMemoryStore(envDurationSec("MOBILE_CHALLENGE_TTL_SEC", 300))
	detector := sybil.NewDetector(st, envFloat("UNIQUENESS_THRESHOLD", sybil.DefaultUniquenessThreshold))
	detector.OnSignal = func(signalType string) {
		reg.IncSignal(signalType)
		hub.Publish(events.NewEvent(events.TypeSignal, map[string]string{"signal_type": signalType}))
	}

	svc := trust.NewService(st, trust.Config{
		CodePrefix:           env("CHALLENGE_CODE_PREFIX", challenge.DefaultCodePrefix),
		UniquenessThreshold:  detector.UniquenessThreshold,
		RegistrationQuota:    envInt("REGISTRATION_QUOTA_PER_DAY", 5),
		SampleSize:           envInt("FINGERPRINT_SAMPLE_SIZE", 50),
		AgentTTL:             time.Hour * time.Duration(envInt("AGENT_TTL_HOURS", 720)),
		ExpectedOwnerProgram: env("HW_OWNER_PROGRAM", ""),
	})
	svc.Forum = challenge.HTTPForum{
		Client:     httpClient,
		Endpoint:   env("FORUM_COMMENTS_URL", ""),
		Headers:    authHeaderMap(env("FORUM_AUTH_HEADER", ""), env("FORUM_AUTH_TOKEN", "")),
		Retries:    retries,
		RetryDelay: retryDelay,
	}
	svc.Fetcher = &httpx.FetchClient{HTTP: httpClient}
	svc.Devices = devices
	svc.Hardware = hardware.HTTPReader{
		Client:     httpClient,
		Endpoint:   env("DEVICE_REGISTRY_URL", ""),
		Headers:    authHeaderMap(env("DEVICE_REGISTRY_AUTH_HEADER", ""), env("DEVICE_REGISTRY_AUTH_TOKEN", "")),
		Retries:    retries,
		RetryDelay: retryDelay,
	}
	svc.Detector = detector
	dispatcher := anchor.NewDispatcher(anchor.HTTPLedger{
		Client:     httpClient,
		Endpoint:   env("ANCHOR_LEDGER_URL", ""),
		Headers:    authHeaderMap(env("ANCHOR_AUTH_HEADER", ""), env("ANCHOR_AUTH_TOKEN", "")),
		Retries:    retries,
		RetryDelay: retryDelay,
	}, st, envInt("ANCHOR_RETRY_CEILING", anchor.DefaultRetryCeiling), svc.AttachAnchorSignature)
	dispatcher.OnOutcome = reg.IncAnchor
	svc.Anchors = dispatcher

	s := &Server{
		Trust:               svc,
		Store:               st,
		Cache:               cache,
		Redis:               redisClient,
		Metrics:             reg,
		Events:              hub,
		Anchors:             dispatcher,
		Devices:             devices,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitWindow:     rateLimitWindow,
		AdminToken:          env("ADMIN_TOKEN", ""),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		StatusCacheTTL:      envDurationSec("STATUS_CACHE_TTL_SEC", 10),
		DeviceEvictInterval: envDurationSec("MOBILE_EVICT_INTERVAL_SEC", 60),
		DeviceEvictGrace:    envDurationSec("MOBILE_EVICT_GRACE_SEC", 300),
		AnchorSweepInterval: envDurationSec("ANCHOR_SWEEP_INTERVAL_SEC", 60),
		MetricsInterval:     envDurationSec("METRICS_INTERVAL_SEC", 30),
	}
	svc.OnTransition = func(agentID string, lvl level.Level, at time.Time) {
		reg.IncTransition(lvl.Label())
		hub.Publish(events.Transition(agentID, lvl, at))
		s.dropCachedStatus(agentID)
	}
	dispatcher.OnAnchored = func(agentID, signature string) {
		hub.Publish(events.Anchored(agentID, signature))
		s.dropCachedStatus(agentID)
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "trust-events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		s.Kafka = pub
		defer pub.Close()
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("verifyd"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "verifyd"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Post("/v1/agents/register", s.rateLimited(s.handleRegister))
	r.Post("/v1/agents/lookup", s.rateLimited(s.handleBatchLookup))
	r.Get("/v1/agents/{agent_id}", s.rateLimited(s.handleStatus))
	r.Post("/v1/agents/{agent_id}/confirm", s.rateLimited(s.handleConfirm))
	r.Post("/v1/agents/{agent_id}/endpoint", s.rateLimited(s.handleEndpoint))
	r.Post("/v1/agents/{agent_id}/fingerprint", s.rateLimited(s.handleFingerprint))
	r.Post("/v1/agents/{agent_id}/hardware", s.rateLimited(s.handleHardware))
	r.Post("/v1/agents/{agent_id}/mobile/challenge", s.rateLimited(s.handleMobileChallenge))
	r.Post("/v1/agents/{agent_id}/mobile/verify", s.rateLimited(s.handleMobileVerify))
	r.Get("/v1/stream", s.streamEvents)

	r.Get("/v1/agents/{agent_id}/signals", s.withAdmin(s.handleListSignals))
	r.Post("/v1/agents/{agent_id}/revoke", s.withAdmin(s.handleRevoke))
	r.Get("/v1/anchors/pending", s.withAdmin(s.handlePendingAnchors))

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8090")
	log.Printf("verifyd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

type registerRequest struct {
	AgentID string `json:"agent_id"`
}

type registerResponse struct {
	trust.Status
	ChallengeCode string `json:"challenge_code"`
	Instructions  string `json:"instructions"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.Trust.Register(r.Context(), req.AgentID, s.clientIP(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	code, err := s.Trust.ChallengeCode(r.Context(), st.AgentID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, registerResponse{
		Status:        st,
		ChallengeCode: code,
		Instructions:  "post a forum comment from your account containing this code, then call confirm",
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	start := time.Now()
	st, err := s.Trust.ConfirmForumChallenge(r.Context(), agentID)
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

type endpointRequest struct {
	EndpointURL string `json:"endpoint_url"`
	CodeURL     string `json:"code_url"`
}

func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	var req endpointRequest
	if !s.decode(w, r, &req) {
		return
	}
	start := time.Now()
	st, err := s.Trust.VerifyEndpoint(r.Context(), agentID, req.EndpointURL, req.CodeURL)
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

type fingerprintRequest struct {
	Posts []models.ActivityPost `json:"posts"`
}

func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	var req fingerprintRequest
	if !s.decode(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := s.Trust.ComputeBehavioralFingerprint(r.Context(), agentID, req.Posts)
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type hardwareRequest struct {
	Provider string `json:"provider"`
	DeviceID string `json:"device_id"`
}

func (s *Server) handleHardware(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	var req hardwareRequest
	if !s.decode(w, r, &req) {
		return
	}
	start := time.Now()
	st, err := s.Trust.BindHardwareDevice(r.Context(), agentID, req.Provider, req.DeviceID)
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleMobileChallenge(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	ch, err := s.Trust.RequestMobileChallenge(r.Context(), agentID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":   ch.AgentID,
		"nonce":      ch.Nonce,
		"expires_at": ch.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type mobileVerifyRequest struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

func (s *Server) handleMobileVerify(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	var req mobileVerifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	start := time.Now()
	st, err := s.Trust.VerifyMobileSignature(r.Context(), agentID, req.PublicKey, req.Signature)
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	if body, ok := s.cachedStatus(r.Context(), agentID); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}
	st, err := s.Trust.GetAgentStatus(r.Context(), agentID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.storeCachedStatus(r.Context(), agentID, st)
	httpx.WriteJSON(w, http.StatusOK, st)
}

const statusCachePrefix = "status:"

func (s *Server) cachedStatus(ctx context.Context, agentID string) ([]byte, bool) {
	if s.Cache == nil || s.StatusCacheTTL <= 0 {
		return nil, false
	}
	val, err := s.Cache.Get(ctx, statusCachePrefix+agentID)
	if err != nil {
		return nil, false
	}
	return []byte(val), true
}

func (s *Server) storeCachedStatus(ctx context.Context, agentID string, st trust.Status) {
	if s.Cache == nil || s.StatusCacheTTL <= 0 {
		return
	}
	body, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = s.Cache.Set(ctx, statusCachePrefix+agentID, string(body), s.StatusCacheTTL)
}

// dropCachedStatus runs on transition, anchoring and revocation so cached
// lookups never outlive a state change.
func (s *Server) dropCachedStatus(agentID string) {
	if s.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Cache.Del(ctx, statusCachePrefix+agentID)
}

type lookupRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

func (s *Server) handleBatchLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if !s.decode(w, r, &req) {
		return
	}
	entries, err := s.Trust.BatchLookup(r.Context(), req.AgentIDs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"agents": entries})
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	signals, err := s.Store.ListSignals(r.Context(), agentID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"signals": signals})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	st, err := s.Trust.Revoke(r.Context(), agentID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.Metrics.IncRevocation()
	s.Events.Publish(events.Revoked(st.AgentID))
	s.dropCachedStatus(st.AgentID)
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handlePendingAnchors(w http.ResponseWriter, r *http.Request) {
	pending, err := s.Store.ListPendingAnchors(r.Context(), -1)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"pending": pending})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, events.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var verr *trust.VerificationError
	if errors.As(err, &verr) {
		s.Metrics.IncRejection(verr.Target.Label())
		httpx.WriteJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":    "verification failed",
			"agent_id": verr.AgentID,
			"target":   int(verr.Target),
			"failures": verr.Failures,
		})
		return
	}
	var conflict *trust.ConflictError
	if errors.As(err, &conflict) {
		httpx.WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"error":          "agent already registered",
			"agent_id":       conflict.AgentID,
			"existing_level": int(conflict.ExistingLevel),
		})
		return
	}
	var pre *trust.PreconditionError
	if errors.As(err, &pre) {
		payload := map[string]interface{}{
			"error":    "precondition failed",
			"agent_id": pre.AgentID,
			"current":  int(pre.Current),
		}
		if pre.Revoked {
			payload["revoked"] = true
		} else {
			payload["required"] = int(pre.Required)
		}
		httpx.WriteJSON(w, http.StatusConflict, payload)
		return
	}
	switch {
	case errors.Is(err, trust.ErrValidation):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, trust.ErrNotFound), errors.Is(err, store.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, trust.ErrQuotaExceeded):
		httpx.Error(w, http.StatusTooManyRequests, "registration quota exceeded for this origin")
	case errors.Is(err, trust.ErrExternalService):
		httpx.Error(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("verifyd: internal error: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) withAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken == "" {
			httpx.Error(w, http.StatusServiceUnavailable, "admin API disabled")
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.AdminToken {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		h(w, r)
	}
}

func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			h(w, r)
			return
		}
		key := s.clientIP(r) + ":" + r.Method + ":" + r.URL.Path
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + routePattern(r)
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

// routePattern prefers the chi route template over the raw path so agent
// ids do not explode metric cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) deviceEvictLoop(ctx context.Context) {
	interval := s.DeviceEvictInterval
	if interval <= 0 {
		interval = time.Minute
	}
	// The grace period is retention after expiry, not the sweep cadence:
	// expired challenges must stay long enough to answer replays as "used".
	grace := s.DeviceEvictGrace
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Devices.Evict(grace)
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	interval := s.MetricsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if pending, err := s.Store.ListPendingAnchors(opCtx, -1); err == nil {
		s.Metrics.SetGauge("anchors_pending", float64(len(pending)))
	}
	if ids, err := s.Store.ListAgentIDs(opCtx); err == nil {
		s.Metrics.SetGauge("agents_total", float64(len(ids)))
	}
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(part); err == nil {
			out = append(out, cidr)
		}
	}
	return out
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func authHeaderMap(header, token string) map[string]string {
	if strings.TrimSpace(header) == "" || strings.TrimSpace(token) == "" {
		return nil
	}
	return map[string]string{header: token}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
