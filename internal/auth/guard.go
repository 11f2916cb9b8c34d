package auth

import (
	"context"
	"fmt"

	"gatekeeper/internal/models"
	"gatekeeper/internal/ratelimit"
)

// LoginKey is the throttle key for login attempts against identifier.
func LoginKey(identifier string) string {
	return "login:" + models.NormalizeIdentifier(identifier)
}

// RegisterKey is the throttle key for registrations from a client identity.
func RegisterKey(identity string) string {
	return "register:" + identity
}

// Guard throttles login and registration. Login attempts are counted per
// identifier, registrations per client identity, under separate keys so a
// successful login never clears the registration counter.
type Guard struct {
	limiter      ratelimit.Limiter
	login        models.Policy
	registration models.Policy
}

// NewGuard validates both policies.
func NewGuard(limiter ratelimit.Limiter, login, registration models.Policy) (*Guard, error) {
	if err := login.Validate(); err != nil {
		return nil, fmt.Errorf("login policy: %w", err)
	}
	if err := registration.Validate(); err != nil {
		return nil, fmt.Errorf("registration policy: %w", err)
	}
	return &Guard{limiter: limiter, login: login, registration: registration}, nil
}

// BeforeLogin consumes one login attempt for identifier. Call it before
// checking credentials so that failed and successful attempts both count.
func (g *Guard) BeforeLogin(ctx context.Context, identifier string) (ratelimit.Decision, error) {
	return g.limiter.CheckAndConsume(ctx, LoginKey(identifier), g.login)
}

// LoginSucceeded clears the login counter for identifier.
func (g *Guard) LoginSucceeded(ctx context.Context, identifier string) error {
	return g.limiter.Reset(ctx, LoginKey(identifier))
}

// BeforeRegister consumes one registration attempt for identity.
func (g *Guard) BeforeRegister(ctx context.Context, identity string) (ratelimit.Decision, error) {
	return g.limiter.CheckAndConsume(ctx, RegisterKey(identity), g.registration)
}

// LoginStatus reports the login throttle for identifier without consuming.
func (g *Guard) LoginStatus(ctx context.Context, identifier string) (ratelimit.Status, error) {
	return g.limiter.Peek(ctx, LoginKey(identifier), g.login)
}

// RegistrationStatus reports the registration throttle for identity.
func (g *Guard) RegistrationStatus(ctx context.Context, identity string) (ratelimit.Status, error) {
	return g.limiter.Peek(ctx, RegisterKey(identity), g.registration)
}

func (g *Guard) LoginPolicy() models.Policy {
	return g.login
}

func (g *Guard) RegistrationPolicy() models.Policy {
	return g.registration
}
