package auth

import (
	"context"

	"gatekeeper/internal/models"
	"gatekeeper/internal/ratelimit"
)

// ServiceInterface defines the interface for auth service operations
type ServiceInterface interface {
	// Login verifies credentials behind the login throttle.
	Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error)

	// Register creates an account behind the registration throttle. identity
	// is the caller's client identity key.
	Register(ctx context.Context, identity string, req *models.RegisterRequest) (*models.RegisterResponse, error)

	// Authenticate resolves a bearer key to an account without throttling.
	Authenticate(rawKey string) (*models.Account, bool)

	// LoginStatus reports the login throttle for name.
	LoginStatus(ctx context.Context, name string) (ratelimit.Status, error)
}

// Ensure Service implements ServiceInterface
var _ ServiceInterface = (*Service)(nil)
