package strategies

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatewd/gatewd/internal/plugin"
)

func TestBasicStrategy(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	s, err := NewBasicStrategy(map[string]interface{}{
		"users": map[string]interface{}{"alice": string(hash)},
	})
	require.NoError(t, err)

	t.Run("valid credentials", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.SetBasicAuth("alice", "s3cret")

		id, err := s.Authenticate(req)
		require.NoError(t, err)
		assert.Equal(t, "alice", id.Subject)
		assert.Equal(t, "basic", id.Strategy)
	})

	t.Run("wrong password", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.SetBasicAuth("alice", "wrong")

		_, err := s.Authenticate(req)
		require.Error(t, err)
	})

	t.Run("unknown user", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.SetBasicAuth("bob", "s3cret")

		_, err := s.Authenticate(req)
		require.Error(t, err)
	})

	t.Run("missing credentials", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)

		_, err := s.Authenticate(req)
		require.Error(t, err)
	})
}

func TestNewBasicStrategy_RequiresUsers(t *testing.T) {
	_, err := NewBasicStrategy(map[string]interface{}{})
	require.Error(t, err)
}

func TestAPIKeyStrategy(t *testing.T) {
	s, err := NewAPIKeyStrategy(map[string]interface{}{
		"keys": map[string]interface{}{"key-123": "consumer-1"},
	})
	require.NoError(t, err)

	t.Run("header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Api-Key", "key-123")

		id, err := s.Authenticate(req)
		require.NoError(t, err)
		assert.Equal(t, "consumer-1", id.Subject)
	})

	t.Run("authorization scheme", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "apiKey key-123")

		id, err := s.Authenticate(req)
		require.NoError(t, err)
		assert.Equal(t, "consumer-1", id.Subject)
	})

	t.Run("invalid key", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Api-Key", "nope")

		_, err := s.Authenticate(req)
		require.Error(t, err)
	})

	t.Run("missing key", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)

		_, err := s.Authenticate(req)
		require.Error(t, err)
	})
}

func TestAPIKeyStrategy_CustomHeader(t *testing.T) {
	s, err := NewAPIKeyStrategy(map[string]interface{}{
		"keys":   map[string]interface{}{"k": "c"},
		"header": "X-Custom",
	})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Custom", "k")

	id, err := s.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "c", id.Subject)
}

func signedToken(t *testing.T, secret, subject, issuer string) string {
	t.Helper()

	token, err := jwt.NewBuilder().
		Subject(subject).
		Issuer(issuer).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)

	return string(signed)
}

func TestJWTStrategy(t *testing.T) {
	s, err := NewJWTStrategy(map[string]interface{}{
		"secret": "hmac-secret",
		"issuer": "test-issuer",
	})
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+signedToken(t, "hmac-secret", "user-1", "test-issuer"))

		id, err := s.Authenticate(req)
		require.NoError(t, err)
		assert.Equal(t, "user-1", id.Subject)
		assert.Equal(t, "jwt", id.Strategy)
	})

	t.Run("wrong secret", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+signedToken(t, "other-secret", "user-1", "test-issuer"))

		_, err := s.Authenticate(req)
		require.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+signedToken(t, "hmac-secret", "user-1", "other"))

		_, err := s.Authenticate(req)
		require.Error(t, err)
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)

		_, err := s.Authenticate(req)
		require.Error(t, err)
	})
}

func TestNewJWTStrategy_RequiresSecret(t *testing.T) {
	_, err := NewJWTStrategy(map[string]interface{}{})
	require.Error(t, err)
}

func TestRegister_AllStrategiesResolvable(t *testing.T) {
	registry := plugin.NewRegistry()
	Register(registry)

	assert.ElementsMatch(t, []string{"basic", "apikey", "jwt"}, registry.Names(plugin.KindAuthStrategy))

	_, err := registry.Load(plugin.KindAuthStrategy, plugin.Reference{
		Name:    "jwt",
		Options: map[string]interface{}{"secret": "s"},
	})
	require.NoError(t, err)
}
