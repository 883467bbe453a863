// Package auth builds per-API authentication stages from configuration
// and dispatches to pluggable strategies.
package auth

import (
	"context"
	"errors"
	"net/http"
)

// Identity is the authenticated principal attached to the request.
type Identity struct {
	// Subject identifies the principal (user name, key id, token sub).
	Subject string

	// Strategy is the name of the strategy that authenticated.
	Strategy string

	// Metadata carries strategy-specific attributes.
	Metadata map[string]string
}

// Strategy authenticates an HTTP request. Implementations are resolved
// by name through the plugin registry and must be safe for concurrent
// use.
type Strategy interface {
	// Authenticate returns the identity on success. Failures return an
	// error, typically an *Error carrying the client-facing status.
	Authenticate(r *http.Request) (*Identity, error)
}

// Error is an authentication failure with a client-facing status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Common sentinels.
var (
	// ErrNoCredentials indicates the request carried no credentials for
	// the strategy.
	ErrNoCredentials = errors.New("no credentials")

	// ErrInvalidCredentials indicates the credentials failed to verify.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// statusFor maps an authentication error to the response status.
func statusFor(err error) (int, string) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Status, authErr.Message
	}
	return http.StatusUnauthorized, "authentication failed"
}

type identityKey struct{}

// ContextWithIdentity attaches the identity to the context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity on the context, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
