package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return tokenStr
}

func runJWT(t *testing.T, cfg JWTConfig, header string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	var seen echo.Context
	err := JWTMiddleware(cfg, zerolog.Nop())(func(c echo.Context) error {
		seen = c
		return nil
	})(c)
	return seen, err
}

func assertStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, code, httpErr.Code)
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "")
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		t.Run(header, func(t *testing.T) {
			_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, header)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "biller-42",
			Issuer:    "https://idp.example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"billing"},
	}, testSigningKey)

	c, err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.example.com"}, "Bearer "+token)
	require.NoError(t, err)
	ctx := c.Request().Context()
	assert.Equal(t, "biller-42", UserIDFromContext(ctx))
	assert.Equal(t, []string{"billing"}, RolesFromContext(ctx))
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	tests := []struct {
		name   string
		claims Claims
		key    []byte
	}{
		{"expired", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}}, testSigningKey},
		{"wrong key", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: future}}, []byte("another-key")},
		{"wrong issuer", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "https://evil", ExpiresAt: future}}, testSigningKey},
		{"no subject", Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}, testSigningKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := createTestToken(t, tt.claims, tt.key)
			cfg := JWTConfig{SigningKey: testSigningKey}
			if tt.name == "wrong issuer" {
				cfg.Issuer = "https://idp.example.com"
			}
			_, err := runJWT(t, cfg, "Bearer "+token)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	err := DevAuthMiddleware()(func(c echo.Context) error {
		assert.Equal(t, DevUserID, UserIDFromContext(c.Request().Context()))
		assert.Equal(t, []string{"admin"}, RolesFromContext(c.Request().Context()))
		return nil
	})(c)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Operator", "biller-2")
	c = e.NewContext(req, httptest.NewRecorder())
	err = DevAuthMiddleware()(func(c echo.Context) error {
		assert.Equal(t, "biller-2", UserIDFromContext(c.Request().Context()))
		return nil
	})(c)
	require.NoError(t, err)
}
