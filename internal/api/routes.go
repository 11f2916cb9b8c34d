package api

import (
	"net/http"

	"gatekeeper/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.URL.Path != "/api/v1/health"
			}),
		))
	}
}

// WithOverloadGuard sheds load before authentication and quota checks run.
// Health checks are exempt so orchestrators keep seeing the instance.
func WithOverloadGuard(guard func(http.Handler) http.Handler) RouteOption {
	return func(r *mux.Router) {
		r.Use(func(next http.Handler) http.Handler {
			guarded := guard(next)
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if isHealthPath(req.URL.Path) {
					next.ServeHTTP(w, req)
					return
				}
				guarded.ServeHTTP(w, req)
			})
		})
	}
}

func isHealthPath(path string) bool {
	return path == "/health" || path == "/api/v1/health"
}

// SetupRoutes configures the HTTP routes for the API. quota, when non-nil,
// guards the endpoints that consume request quota.
func SetupRoutes(handlers *Handlers, quota func(http.Handler) http.Handler, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware)
	router.Use(recoveryMiddleware)

	for _, opt := range opts {
		opt(router)
	}

	router.Use(OptionalAuth(handlers.auth))

	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Login and registration carry their own throttles.
	api.HandleFunc("/auth/login", handlers.Login).Methods(http.MethodPost)
	api.HandleFunc("/auth/register", handlers.Register).Methods(http.MethodPost)

	api.HandleFunc("/quota", handlers.Quota).Methods(http.MethodGet)

	// Handlers are wrapped per route; a nested subrouter would turn method
	// mismatches anywhere under /api/v1 into 404s.
	api.Handle("/admin/limits/{key}", RequireAdmin(http.HandlerFunc(handlers.AdminGetLimit))).Methods(http.MethodGet)
	api.Handle("/admin/limits/{key}", RequireAdmin(http.HandlerFunc(handlers.AdminResetLimit))).Methods(http.MethodDelete)

	var echo http.Handler = http.HandlerFunc(handlers.Echo)
	if quota != nil {
		echo = quota(echo)
	}
	api.Handle("/echo", echo).Methods(http.MethodGet)

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, models.ErrorCodeInvalidRequest, "Method not allowed")
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, models.ErrorCodeNotFound, "Not found")
	})

	return router
}
