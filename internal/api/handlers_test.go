package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"gatekeeper/internal/auth"
	"gatekeeper/internal/clock"
	"gatekeeper/internal/models"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/storage"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	epoch              = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	loginPolicy        = models.MustPolicy(3, 15*time.Minute, 15*time.Minute)
	registrationPolicy = models.MustPolicy(2, time.Hour, time.Hour)
	testTiers          = map[string]models.Policy{
		"foundation": models.MustPolicy(3, time.Minute, time.Minute),
		"elite":      models.MustPolicy(10, time.Minute, 0),
	}
)

const clientAddr = "192.0.2.1:41000"

type testServer struct {
	clock    *clock.VirtualClock
	store    *storage.MemoryStore
	limiter  *ratelimit.RateLimiter
	tiers    *ratelimit.TierResolver
	identity *ratelimit.IdentityResolver
	dir      *auth.Directory
	service  *auth.Service
	handlers *Handlers
	router   *mux.Router
}

type serverOption func(*serverSettings)

type serverSettings struct {
	allowRegistration bool
	quotaLimiter      ratelimit.Limiter
	failOpen          bool
	routeOpts         []RouteOption
}

func withRegistrationDisabled() serverOption {
	return func(s *serverSettings) { s.allowRegistration = false }
}

func withQuotaLimiter(l ratelimit.Limiter, failOpen bool) serverOption {
	return func(s *serverSettings) {
		s.quotaLimiter = l
		s.failOpen = failOpen
	}
}

func withRouteOptions(opts ...RouteOption) serverOption {
	return func(s *serverSettings) { s.routeOpts = append(s.routeOpts, opts...) }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	settings := serverSettings{allowRegistration: true, failOpen: true}
	for _, opt := range opts {
		opt(&settings)
	}

	clk := clock.NewVirtualClock(epoch)
	store, err := storage.NewMemoryStore(storage.Config{Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	limiter := ratelimit.NewRateLimiter(store, ratelimit.WithClock(clk))
	tiers, err := ratelimit.NewTierResolver(testTiers, "foundation")
	require.NoError(t, err)
	identity := ratelimit.NewIdentityResolver([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})

	guard, err := auth.NewGuard(limiter, loginPolicy, registrationPolicy)
	require.NoError(t, err)

	dir := auth.NewDirectory()
	require.NoError(t, dir.Seed([]models.AccountConfig{
		{Name: "alice", Key: "gk_alice", Tier: "elite"},
		{Name: "bob", Key: "gk_bob"},
		{Name: "ops", Key: "gk_ops", Admin: true},
	}, "foundation"))
	service := auth.NewService(guard, dir, "foundation", settings.allowRegistration)

	handlers := NewHandlers(HandlerConfig{
		Auth:               service,
		Limiter:            limiter,
		Tiers:              tiers,
		Identity:           identity,
		Store:              store,
		LoginPolicy:        loginPolicy,
		RegistrationPolicy: registrationPolicy,
	})

	quotaLimiter := ratelimit.Limiter(limiter)
	if settings.quotaLimiter != nil {
		quotaLimiter = settings.quotaLimiter
	}
	quota := ratelimit.Middleware(ratelimit.MiddlewareConfig{
		Limiter:  quotaLimiter,
		Tiers:    tiers,
		Identity: identity,
		FailOpen: settings.failOpen,
	})

	return &testServer{
		clock:    clk,
		store:    store,
		limiter:  limiter,
		tiers:    tiers,
		identity: identity,
		dir:      dir,
		service:  service,
		handlers: handlers,
		router:   SetupRoutes(handlers, quota, settings.routeOpts...),
	}
}

type requestOption func(*http.Request)

func bearer(key string) requestOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+key) }
}

func from(remoteAddr string) requestOption {
	return func(r *http.Request) { r.RemoteAddr = remoteAddr }
}

func header(name, value string) requestOption {
	return func(r *http.Request) { r.Header.Set(name, value) }
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, opts ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = clientAddr
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) login(t *testing.T, name, key string, opts ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPost, "/api/v1/auth/login", models.LoginRequest{Name: name, Key: key}, opts...)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestLogin_Success(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.login(t, "  Alice ", "gk_alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[models.LoginResponse](t, rec)
	assert.Equal(t, "alice", resp.Name)
	assert.Equal(t, "elite", resp.Tier)
}

func TestLogin_LockoutAfterFailedAttempts(t *testing.T) {
	ts := newTestServer(t)

	for want := 2; want >= 0; want-- {
		rec := ts.login(t, "alice", "wrong")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, itoa(want), rec.Header().Get("X-RateLimit-Remaining"))
	}

	// Correct credentials are rejected while locked out.
	rec := ts.login(t, "alice", "gk_alice")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	errResp := decode[models.ErrorResponse](t, rec)
	assert.Equal(t, models.ErrorCodeRateLimitExceeded, errResp.Code)
	assert.Equal(t, "Too many attempts. Try again in 15 minutes.", errResp.Message)
	assert.Equal(t, 900, errResp.RetryAfter)
	assert.NotEmpty(t, errResp.RequestID)

	ts.clock.Advance(10 * time.Minute)
	rec = ts.login(t, "alice", "gk_alice")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many attempts. Try again in 5 minutes.", decode[models.ErrorResponse](t, rec).Message)

	ts.clock.Advance(5 * time.Minute)
	rec = ts.login(t, "alice", "gk_alice")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin_SuccessResetsCounter(t *testing.T) {
	ts := newTestServer(t)

	ts.login(t, "bob", "wrong")
	ts.login(t, "bob", "wrong")
	require.Equal(t, http.StatusOK, ts.login(t, "bob", "gk_bob").Code)

	rec := ts.login(t, "bob", "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestLogin_ThrottleIsPerName(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 4; i++ {
		ts.login(t, "alice", "wrong")
	}
	require.Equal(t, http.StatusTooManyRequests, ts.login(t, "alice", "gk_alice").Code)
	assert.Equal(t, http.StatusOK, ts.login(t, "bob", "gk_bob").Code)
}

func TestLogin_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		body     interface{}
		wantCode string
	}{
		{"malformed json", `{"name":`, models.ErrorCodeBadRequest},
		{"missing key", models.LoginRequest{Name: "alice"}, models.ErrorCodeInvalidRequest},
		{"missing name", models.LoginRequest{Key: "gk_alice"}, models.ErrorCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decode[models.ErrorResponse](t, rec).Code)
			assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
		})
	}

	// Rejected requests do not consume attempts.
	status, err := ts.service.LoginStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Remaining)
}

func TestRegister(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/auth/register", models.RegisterRequest{Name: "Carol"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[models.RegisterResponse](t, rec)
	assert.Equal(t, "carol", resp.Name)
	assert.Equal(t, "foundation", resp.Tier)
	assert.NotEmpty(t, resp.ID)
	require.NotEmpty(t, resp.Key)
	assert.Equal(t, resp.Key[:8], resp.Prefix)

	// The new key authenticates.
	assert.Equal(t, http.StatusOK, ts.login(t, "carol", resp.Key).Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/echo", nil, bearer(resp.Key))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "carol", decode[models.EchoResponse](t, rec).Account)
}

func TestRegister_ThrottledPerClient(t *testing.T) {
	ts := newTestServer(t)

	register := func(name string, opts ...requestOption) *httptest.ResponseRecorder {
		return ts.do(t, http.MethodPost, "/api/v1/auth/register", models.RegisterRequest{Name: name}, opts...)
	}

	require.Equal(t, http.StatusCreated, register("carol").Code)
	require.Equal(t, http.StatusConflict, register("carol").Code)

	rec := register("dave")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Too many attempts. Try again in 60 minutes.", decode[models.ErrorResponse](t, rec).Message)

	// Another client is unaffected.
	assert.Equal(t, http.StatusCreated, register("dave", from("198.51.100.7:5000")).Code)

	ts.clock.Advance(time.Hour)
	assert.Equal(t, http.StatusCreated, register("erin").Code)
}

func TestRegister_Rejections(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		ts := newTestServer(t, withRegistrationDisabled())
		rec := ts.do(t, http.MethodPost, "/api/v1/auth/register", models.RegisterRequest{Name: "carol"})
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, models.ErrorCodeForbidden, decode[models.ErrorResponse](t, rec).Code)
	})

	t.Run("invalid name", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/auth/register", models.RegisterRequest{Name: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/auth/register", "nope")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestEcho_AnonymousQuota(t *testing.T) {
	ts := newTestServer(t)

	for want := 2; want >= 0; want-- {
		rec := ts.do(t, http.MethodGet, "/api/v1/echo", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, itoa(want), rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "foundation", rec.Header().Get("X-RateLimit-Tier"))
		assert.Equal(t, itoa(int(epoch.Add(time.Minute).Unix())), rec.Header().Get("X-RateLimit-Reset"))

		resp := decode[models.EchoResponse](t, rec)
		assert.Equal(t, "ip:192.0.2.1", resp.Identity)
		assert.Empty(t, resp.Account)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/echo", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, models.ErrorCodeRateLimitExceeded, decode[models.ErrorResponse](t, rec).Code)

	ts.clock.Advance(time.Minute)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/echo", nil).Code)
}

func TestEcho_AccountUsesOwnTierAndKey(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 4; i++ {
		ts.do(t, http.MethodGet, "/api/v1/echo", nil)
	}
	require.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/api/v1/echo", nil).Code)

	// Same address, but an authenticated account is limited on its own key.
	rec := ts.do(t, http.MethodGet, "/api/v1/echo", nil, bearer("gk_alice"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "elite", rec.Header().Get("X-RateLimit-Tier"))

	alice, ok := ts.dir.ByName("alice")
	require.True(t, ok)
	resp := decode[models.EchoResponse](t, rec)
	assert.Equal(t, ratelimit.UserKey(alice.ID), resp.Identity)
	assert.Equal(t, "alice", resp.Account)
	assert.Equal(t, "elite", resp.Tier)
}

func TestEcho_ZeroBlockTierDeniesUntilWindowEnds(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/echo", nil, bearer("gk_alice")).Code)
	}
	ts.clock.Advance(20 * time.Second)

	rec := ts.do(t, http.MethodGet, "/api/v1/echo", nil, bearer("gk_alice"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "40", rec.Header().Get("Retry-After"))

	ts.clock.Advance(40 * time.Second)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/echo", nil, bearer("gk_alice")).Code)
}

func TestQuota_DoesNotConsume(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodGet, "/api/v1/quota", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[models.QuotaStatusResponse](t, rec)
		assert.Equal(t, 3, resp.Remaining)
	}

	ts.do(t, http.MethodGet, "/api/v1/echo", nil)
	ts.clock.Advance(15 * time.Second)

	resp := decode[models.QuotaStatusResponse](t, ts.do(t, http.MethodGet, "/api/v1/quota", nil))
	assert.Equal(t, models.QuotaStatusResponse{
		Key:                   "ip:192.0.2.1",
		Tier:                  "foundation",
		Limit:                 3,
		Remaining:             2,
		WindowResetSeconds:    45,
		WindowDurationSeconds: 60,
	}, resp)
}

func TestQuota_ReportsBlock(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 4; i++ {
		ts.do(t, http.MethodGet, "/api/v1/echo", nil)
	}

	resp := decode[models.QuotaStatusResponse](t, ts.do(t, http.MethodGet, "/api/v1/quota", nil))
	assert.True(t, resp.Blocked)
	assert.Equal(t, 0, resp.Remaining)
	assert.Equal(t, int64(60), resp.UnblockSeconds)
}

func TestQuotaMiddleware_StoreFailure(t *testing.T) {
	broken := failingLimiter{err: storage.ErrUnavailable}

	t.Run("fail open", func(t *testing.T) {
		ts := newTestServer(t, withQuotaLimiter(broken, true))
		rec := ts.do(t, http.MethodGet, "/api/v1/echo", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("fail closed", func(t *testing.T) {
		ts := newTestServer(t, withQuotaLimiter(broken, false))
		rec := ts.do(t, http.MethodGet, "/api/v1/echo", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, models.ErrorCodeServiceUnavailable, decode[models.ErrorResponse](t, rec).Code)
	})
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/health", "/api/v1/health"} {
		rec := ts.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[models.HealthCheckResponse](t, rec)
		assert.Equal(t, models.StatusHealthy, resp.Status)
		assert.Equal(t, models.StatusHealthy, resp.Components["storage"].Status)
		assert.Equal(t, []interface{}{"elite", "foundation"}, resp.Metrics["tiers"])
	}
}

func TestHealthCheck_StoreDown(t *testing.T) {
	ts := newTestServer(t)
	ts.handlers.store = pingFunc(func(context.Context) error { return errors.New("connection refused") })

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp := decode[models.HealthCheckResponse](t, rec)
	assert.Equal(t, models.StatusUnhealthy, resp.Status)
	assert.Equal(t, models.StatusUnhealthy, resp.Components["storage"].Status)
}

func TestWriteServiceError_UnknownError(t *testing.T) {
	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	ts.handlers.writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("boom"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, models.ErrorCodeInternalError, decode[models.ErrorResponse](t, rec).Code)
}

func TestCeilSeconds(t *testing.T) {
	assert.Equal(t, int64(0), ceilSeconds(0))
	assert.Equal(t, int64(1), ceilSeconds(time.Millisecond))
	assert.Equal(t, int64(1), ceilSeconds(time.Second))
	assert.Equal(t, int64(2), ceilSeconds(1500*time.Millisecond))
}

type failingLimiter struct{ err error }

func (f failingLimiter) CheckAndConsume(context.Context, string, models.Policy) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, f.err
}

func (f failingLimiter) Peek(context.Context, string, models.Policy) (ratelimit.Status, error) {
	return ratelimit.Status{}, f.err
}

func (f failingLimiter) Reset(context.Context, string) error { return f.err }

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func itoa(n int) string {
	return strconv.Itoa(n)
}
