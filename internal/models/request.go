package models

import (
	"errors"
	"regexp"
	"strings"
)

var accountNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._@-]{2,63}$`)

// NormalizeIdentifier canonicalises a login identifier so that "Alice " and
// "alice" share one throttle key.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// LoginRequest represents a credential check.
type LoginRequest struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Normalize canonicalises the identifier.
func (r *LoginRequest) Normalize() {
	r.Name = NormalizeIdentifier(r.Name)
}

// Validate checks that both fields are present after normalisation.
func (r *LoginRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Key == "" {
		return errors.New("key is required")
	}
	return nil
}

// RegisterRequest represents a self-service account registration.
type RegisterRequest struct {
	Name string `json:"name"`
}

// Normalize canonicalises the requested name.
func (r *RegisterRequest) Normalize() {
	r.Name = NormalizeIdentifier(r.Name)
}

// Validate checks the name after normalisation: 3 to 64 characters of
// lowercase letters, digits, '.', '_', '@' or '-', starting with a letter or
// digit.
func (r *RegisterRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if !accountNamePattern.MatchString(r.Name) {
		return errors.New("name must be 3-64 characters of a-z, 0-9, '.', '_', '@' or '-'")
	}
	return nil
}
