package auth

import (
	"context"
	"errors"
	"log/slog"

	"gatekeeper/internal/models"
	"gatekeeper/internal/ratelimit"
)

// Service handles login and registration on top of the Guard and Directory.
// Throttle state errors fail closed: a caller is never let through when its
// attempt could not be counted.
type Service struct {
	guard             *Guard
	directory         *Directory
	defaultTier       string
	allowRegistration bool
}

// NewService creates a new auth service.
func NewService(guard *Guard, directory *Directory, defaultTier string, allowRegistration bool) *Service {
	return &Service{
		guard:             guard,
		directory:         directory,
		defaultTier:       defaultTier,
		allowRegistration: allowRegistration,
	}
}

// Login consumes a login attempt, then checks the credentials. On success
// the login counter is cleared.
func (s *Service) Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, NewInvalidRequestError("invalid login request", err)
	}

	decision, err := s.guard.BeforeLogin(ctx, req.Name)
	if err != nil {
		return nil, NewUnavailableError(err)
	}
	if !decision.Allowed {
		return nil, NewThrottledError(decision.RetryAfter)
	}

	acct, ok := s.directory.ByName(req.Name)
	if !ok || !acct.VerifyKey(req.Key) {
		return nil, NewInvalidCredentialsError(decision.Remaining)
	}

	if err := s.guard.LoginSucceeded(ctx, req.Name); err != nil {
		// The login is valid; a stale counter only expires on its own.
		slog.Warn("Failed to reset login throttle", "name", req.Name, "error", err)
	}

	return &models.LoginResponse{Name: acct.Name, Tier: acct.Tier}, nil
}

// Register consumes a registration attempt for identity and creates an
// account with the default tier and a freshly generated key.
func (s *Service) Register(ctx context.Context, identity string, req *models.RegisterRequest) (*models.RegisterResponse, error) {
	if !s.allowRegistration {
		return nil, NewForbiddenError("registration is disabled")
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, NewInvalidRequestError("invalid registration request", err)
	}

	decision, err := s.guard.BeforeRegister(ctx, identity)
	if err != nil {
		return nil, NewUnavailableError(err)
	}
	if !decision.Allowed {
		return nil, NewThrottledError(decision.RetryAfter)
	}

	rawKey, err := models.GenerateAPIKey()
	if err != nil {
		return nil, NewInternalError("failed to generate key", err)
	}
	acct := models.NewAccount(models.NewKeyID(), req.Name, rawKey, s.defaultTier)
	if err := s.directory.Add(acct); err != nil {
		if errors.Is(err, ErrAccountExists) {
			return nil, NewConflictError("account name is already taken")
		}
		return nil, NewInternalError("failed to create account", err)
	}

	return &models.RegisterResponse{
		ID:     acct.ID,
		Name:   acct.Name,
		Tier:   acct.Tier,
		Key:    rawKey,
		Prefix: acct.Prefix,
	}, nil
}

func (s *Service) Authenticate(rawKey string) (*models.Account, bool) {
	return s.directory.ByKey(rawKey)
}

func (s *Service) LoginStatus(ctx context.Context, name string) (ratelimit.Status, error) {
	return s.guard.LoginStatus(ctx, name)
}
