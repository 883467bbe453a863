package strategies

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gatewd/gatewd/internal/auth"
)

// Strategy construction errors.
var (
	errNoUsers = errors.New("basic: no users configured")
	errNoKeys  = errors.New("apikey: no keys configured")
)

// DefaultAPIKeyHeader is the header the key is read from unless
// configured otherwise.
const DefaultAPIKeyHeader = "X-Api-Key"

// APIKeyStrategy authenticates with a static API key set. The key is
// read from a header or from the Authorization scheme "apiKey".
type APIKeyStrategy struct {
	// keys maps key value to consumer id.
	keys   map[string]string
	header string
}

// NewAPIKeyStrategy builds the strategy from plug-in options:
//
//	keys:   map of key value to consumer id
//	header: optional header name, defaults to X-Api-Key
func NewAPIKeyStrategy(options map[string]interface{}) (*APIKeyStrategy, error) {
	keys := optStringMap(options, "keys")
	if len(keys) == 0 {
		return nil, errNoKeys
	}

	header := optString(options, "header")
	if header == "" {
		header = DefaultAPIKeyHeader
	}

	return &APIKeyStrategy{keys: keys, header: header}, nil
}

// extract returns the presented key, empty when absent.
func (s *APIKeyStrategy) extract(r *http.Request) string {
	if key := r.Header.Get(s.header); key != "" {
		return key
	}

	authz := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(authz, "apiKey "); ok {
		return strings.TrimSpace(rest)
	}

	return ""
}

// Authenticate implements auth.Strategy.
func (s *APIKeyStrategy) Authenticate(r *http.Request) (*auth.Identity, error) {
	key := s.extract(r)
	if key == "" {
		return nil, &auth.Error{Status: http.StatusUnauthorized, Message: "api key required"}
	}

	for stored, consumer := range s.keys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(key)) == 1 {
			return &auth.Identity{
				Subject:  consumer,
				Strategy: "apikey",
				Metadata: map[string]string{"key_id": consumer},
			}, nil
		}
	}

	return nil, &auth.Error{Status: http.StatusUnauthorized, Message: "invalid api key"}
}

// Ensure APIKeyStrategy implements auth.Strategy.
var _ auth.Strategy = (*APIKeyStrategy)(nil)
