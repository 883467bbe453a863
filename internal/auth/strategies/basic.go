package strategies

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatewd/gatewd/internal/auth"
)

// BasicStrategy authenticates with HTTP Basic credentials against a
// static user set. Passwords are stored as bcrypt hashes.
type BasicStrategy struct {
	users map[string]string
	realm string
}

// NewBasicStrategy builds the strategy from plug-in options:
//
//	users: map of user name to bcrypt password hash
//	realm: optional realm name, defaults to "gateway"; it is stored
//	       only, no WWW-Authenticate header is sent to clients
func NewBasicStrategy(options map[string]interface{}) (*BasicStrategy, error) {
	users := optStringMap(options, "users")
	if len(users) == 0 {
		return nil, errNoUsers
	}

	realm := optString(options, "realm")
	if realm == "" {
		realm = "gateway"
	}

	return &BasicStrategy{users: users, realm: realm}, nil
}

// Authenticate implements auth.Strategy.
func (s *BasicStrategy) Authenticate(r *http.Request) (*auth.Identity, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, &auth.Error{Status: http.StatusUnauthorized, Message: "authentication required"}
	}

	hash, ok := s.users[user]
	if !ok {
		// Compare against a throwaway hash to keep timing uniform for
		// unknown users.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(pass))
		return nil, &auth.Error{Status: http.StatusUnauthorized, Message: "invalid credentials"}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)); err != nil {
		return nil, &auth.Error{Status: http.StatusUnauthorized, Message: "invalid credentials"}
	}

	return &auth.Identity{
		Subject:  user,
		Strategy: "basic",
	}, nil
}

// dummyHash is a bcrypt hash of an empty string, used to equalize
// timing for unknown users.
var dummyHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte(""), bcrypt.MinCost)
	return h
}()

// Ensure BasicStrategy implements auth.Strategy.
var _ auth.Strategy = (*BasicStrategy)(nil)
