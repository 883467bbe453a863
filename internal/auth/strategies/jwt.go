package strategies

import (
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/gatewd/gatewd/internal/auth"
)

// JWTStrategy authenticates bearer tokens signed with a shared HMAC
// secret.
type JWTStrategy struct {
	secret   []byte
	issuer   string
	audience []string
}

// NewJWTStrategy builds the strategy from plug-in options:
//
//	secret:   HMAC signing secret (required)
//	issuer:   optional expected issuer
//	audience: optional accepted audiences
func NewJWTStrategy(options map[string]interface{}) (*JWTStrategy, error) {
	secret, err := optStringRequired(options, "secret")
	if err != nil {
		return nil, err
	}

	return &JWTStrategy{
		secret:   []byte(secret),
		issuer:   optString(options, "issuer"),
		audience: optStringSlice(options, "audience"),
	}, nil
}

// Authenticate implements auth.Strategy.
func (s *JWTStrategy) Authenticate(r *http.Request) (*auth.Identity, error) {
	authz := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || raw == "" {
		return nil, &auth.Error{Status: http.StatusUnauthorized, Message: "bearer token required"}
	}

	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	for _, aud := range s.audience {
		opts = append(opts, jwt.WithAudience(aud))
	}

	token, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return nil, &auth.Error{Status: http.StatusUnauthorized, Message: "invalid token"}
	}

	metadata := make(map[string]string)
	if iss := token.Issuer(); iss != "" {
		metadata["issuer"] = iss
	}

	return &auth.Identity{
		Subject:  token.Subject(),
		Strategy: "jwt",
		Metadata: metadata,
	}, nil
}

// Ensure JWTStrategy implements auth.Strategy.
var _ auth.Strategy = (*JWTStrategy)(nil)
