// Package auth verifies the bearer tokens that guard the command API.
package auth

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes carried in a token.
const (
	ScopeCommands = "commands"
	ScopeRead     = "read"
)

// Claims identifies the caller of the command API.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Has reports whether the token grants scope. A token without scopes
// grants everything.
func (c *Claims) Has(scope string) bool {
	return len(c.Scopes) == 0 || slices.Contains(c.Scopes, scope)
}

// AuthError is returned to HTTP callers as {error, message}.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

var (
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden    = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
)
