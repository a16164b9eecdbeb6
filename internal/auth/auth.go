// Package auth resolves the owning user of a request from a bearer token.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrMissingToken = errors.New("missing bearer token")
)

const (
	defaultIssuer = "costwatch"
	defaultExpiry = time.Hour
	// Allowed clock skew between the issuer and this process.
	leeway = 30 * time.Second
)

// Claims carry the owning user. Tokens are issued by the identity provider
// in front of the service; IssueToken exists for operators and tests.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	JWTSecret   string
	Issuer      string
	TokenExpiry time.Duration
}

type Service struct {
	secret []byte
	issuer string
	expiry time.Duration
	now    func() time.Time
}

func NewService(cfg Config) *Service {
	s := &Service{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		expiry: cfg.TokenExpiry,
		now:    time.Now,
	}
	if s.issuer == "" {
		s.issuer = defaultIssuer
	}
	if s.expiry <= 0 {
		s.expiry = defaultExpiry
	}
	return s
}

// IssueToken signs an HS256 token for userID.
func (s *Service) IssueToken(userID, email string) (string, error) {
	if userID == "" {
		return "", errors.New("issuing token: user id is required")
	}

	issued := s.now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(s.expiry)),
		},
	}).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (s *Service) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return s.secret, nil
}

// ValidateToken verifies signature, issuer and expiry and returns the claims
// with UserID always set.
func (s *Service) ValidateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, s.keyFunc,
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, ErrInvalidToken
	}

	// Tokens minted by the identity provider only carry the subject.
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" header.
func bearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

type contextKey struct{}

func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok
}

// UserID returns the authenticated user id, or "" outside the middleware.
func UserID(ctx context.Context) string {
	if claims, ok := GetUserFromContext(ctx); ok {
		return claims.UserID
	}
	return ""
}

// WithClaims attaches claims to ctx the way Middleware does.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// Middleware rejects requests without a valid bearer token and stores the
// claims on the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r.Header.Get("Authorization"))
		if err != nil {
			unauthorized(w, "missing_token", "Authorization: Bearer <token> is required")
			return
		}

		claims, err := s.ValidateToken(raw)
		if errors.Is(err, ErrTokenExpired) {
			unauthorized(w, "token_expired", "Token expired")
			return
		}
		if err != nil {
			unauthorized(w, "invalid_token", "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// unauthorized writes the same envelope the API handlers use.
func unauthorized(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="costwatch"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}
