package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return NewService(Config{JWTSecret: "test-secret", Issuer: "costwatch"})
}

func TestIssueAndValidate(t *testing.T) {
	s := newTestService()
	token, err := s.IssueToken("u1", "ops@example.com")
	require.NoError(t, err)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "ops@example.com", claims.Email)
}

func TestValidateToken_Rejects(t *testing.T) {
	s := newTestService()

	expired := newTestService()
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.IssueToken("u1", "")
	require.NoError(t, err)
	_, err = s.ValidateToken(old)
	assert.ErrorIs(t, err, ErrTokenExpired)

	other := NewService(Config{JWTSecret: "other-secret"})
	forged, err := other.IssueToken("u1", "")
	require.NoError(t, err)
	_, err = s.ValidateToken(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign := NewService(Config{JWTSecret: "test-secret", Issuer: "someone-else"})
	wrongIssuer, err := foreign.IssueToken("u1", "")
	require.NoError(t, err)
	_, err = s.ValidateToken(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_SubjectFallback(t *testing.T) {
	s := newTestService()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u2",
		Issuer:    "costwatch",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u2", claims.UserID)
}

func TestMiddleware(t *testing.T) {
	s := newTestService()
	var seen string
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
	}))

	token, err := s.IssueToken("u1", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"invalid", "Bearer abc", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "u1", seen)
			} else {
				assert.Empty(t, seen)
				assert.Contains(t, rec.Body.String(), `"success":false`)
			}
		})
	}
}
