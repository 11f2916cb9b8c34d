package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"gatekeeper/internal/auth"
	"gatekeeper/internal/models"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/version"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerConfig collects the dependencies of the HTTP handlers.
type HandlerConfig struct {
	Auth     auth.ServiceInterface
	Limiter  ratelimit.Limiter
	Tiers    *ratelimit.TierResolver
	Identity *ratelimit.IdentityResolver
	Store    Pinger

	LoginPolicy        models.Policy
	RegistrationPolicy models.Policy
}

// Handlers contains HTTP handlers for the gatekeeper API
type Handlers struct {
	auth     auth.ServiceInterface
	limiter  ratelimit.Limiter
	tiers    *ratelimit.TierResolver
	identity *ratelimit.IdentityResolver
	store    Pinger

	loginPolicy        models.Policy
	registrationPolicy models.Policy

	started time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg HandlerConfig) *Handlers {
	return &Handlers{
		auth:               cfg.Auth,
		limiter:            cfg.Limiter,
		tiers:              cfg.Tiers,
		identity:           cfg.Identity,
		store:              cfg.Store,
		loginPolicy:        cfg.LoginPolicy,
		registrationPolicy: cfg.RegistrationPolicy,
		started:            time.Now(),
	}
}

// Login handles credential checks behind the login throttle
// POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}

	resp, err := h.auth.Login(r.Context(), &req)
	if err != nil {
		slog.Warn("Login rejected",
			"name", models.NormalizeIdentifier(req.Name),
			"client", h.identity.Key(r),
			"error", err,
		)
		h.writeServiceError(w, r, err)
		return
	}

	slog.Info("Login succeeded", "name", resp.Name, "client", h.identity.Key(r))
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// Register creates an account behind the registration throttle
// POST /api/v1/auth/register
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}

	identity := h.identity.Key(r)
	resp, err := h.auth.Register(r.Context(), identity, &req)
	if err != nil {
		slog.Warn("Registration rejected", "client", identity, "error", err)
		h.writeServiceError(w, r, err)
		return
	}

	slog.Info("Account registered", "name", resp.Name, "id", resp.ID, "client", identity)
	h.writeJSONResponse(w, http.StatusCreated, resp)
}

// Quota reports the caller's request quota without consuming it
// GET /api/v1/quota
func (h *Handlers) Quota(w http.ResponseWriter, r *http.Request) {
	tier := h.tiers.Name(accountTier(r))
	policy := h.tiers.Resolve(tier)
	key := h.identity.Key(r)

	status, err := h.limiter.Peek(r.Context(), key, policy)
	if err != nil {
		slog.Error("Quota lookup failed", "key", key, "error", err)
		h.writeErrorResponse(w, r, http.StatusServiceUnavailable, models.ErrorCodeServiceUnavailable, "Rate limiter unavailable")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, quotaResponse(key, tier, policy, status))
}

// Echo is a sample endpoint that sits behind the quota middleware
// GET /api/v1/echo
func (h *Handlers) Echo(w http.ResponseWriter, r *http.Request) {
	resp := models.EchoResponse{
		Identity:  h.identity.Key(r),
		Tier:      h.tiers.Name(accountTier(r)),
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
	if acct, ok := models.AccountFromContext(r.Context()); ok {
		resp.Account = acct.Name
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// HealthCheck reports service health; the state store is pinged
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	info := version.GetInfo()
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = info.Version
	response.Uptime = time.Since(h.started).Round(time.Second).String()

	status := http.StatusOK
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			slog.Error("Health check: state store unreachable", "error", err)
			response.Status = models.StatusUnhealthy
			response.AddComponent("storage", models.StatusUnhealthy, "State store is unreachable")
			status = http.StatusServiceUnavailable
		} else {
			response.AddComponent("storage", models.StatusHealthy, "State store is operational")
		}
	}
	response.AddComponent("api", models.StatusHealthy, "API is operational")
	response.AddMetric("tiers", h.tiers.Tiers())

	h.writeJSONResponse(w, status, response)
}

func accountTier(r *http.Request) string {
	if acct, ok := models.AccountFromContext(r.Context()); ok {
		return acct.Tier
	}
	return ""
}

func quotaResponse(key, tier string, policy models.Policy, status ratelimit.Status) models.QuotaStatusResponse {
	return models.QuotaStatusResponse{
		Key:                   key,
		Tier:                  tier,
		Limit:                 status.Limit,
		Remaining:             status.Remaining,
		Blocked:               status.Blocked,
		WindowResetSeconds:    ceilSeconds(status.UntilWindowReset),
		UnblockSeconds:        ceilSeconds(status.UntilUnblock),
		WindowDurationSeconds: ceilSeconds(policy.Window),
	}
}

func ceilSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *Handlers) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	errorResp := models.NewErrorResponse(message, errorCode)
	errorResp.RequestID = RequestIDFromContext(r.Context())
	h.writeJSONResponse(w, statusCode, errorResp)
}

// writeServiceError maps an auth.ServiceError onto the response, including
// the throttle hints carried by login and registration failures.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *auth.ServiceError
	if !errors.As(err, &svcErr) {
		slog.Error("Unexpected auth error", "error", err)
		h.writeErrorResponse(w, r, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
		return
	}

	errorResp := models.NewErrorResponse(svcErr.Message, svcErr.Code)
	errorResp.RequestID = RequestIDFromContext(r.Context())

	if svcErr.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(svcErr.Remaining))
	}
	if svcErr.RetryAfter > 0 {
		secs := ratelimit.RetryAfterSeconds(svcErr.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		errorResp.RetryAfter = secs
	}

	h.writeJSONResponse(w, svcErr.StatusCode, errorResp)
}
