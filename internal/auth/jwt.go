// Package auth provides JWT-based authentication middleware with metrics.
// Sessions are issued elsewhere; this package only verifies bearer tokens
// and exposes the caller's identity.
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
	"go.uber.org/zap"

	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/protocol"
)

type contextKey string

const principalContextKey contextKey = "principal"

const issuer = "fireflycloud"

var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   models.Role
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == models.RoleAdmin
}

// Claims holds JWT token claims. The subject is the user id.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// New creates an Authenticator for jwtSecret.
func New(jwtSecret string) *Authenticator {
	return &Authenticator{secret: []byte(jwtSecret), now: time.Now}
}

// IssueToken signs a token for userID. The login flow lives outside this
// service; this is used by tooling and tests.
func (a *Authenticator) IssueToken(userID string, role models.Role, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

func (a *Authenticator) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}

// Authenticate returns the principal of the request's bearer token.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	tokenStr := extractToken(r)
	if tokenStr == "" {
		return Principal{}, ErrMissingToken
	}
	claims, err := a.validateToken(tokenStr)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

// Middleware rejects requests without a valid token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.WithContext(r.Context()).Debug("authentication failed", zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, err.Error())
			return
		}
		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(attach(r.Context(), p)))
	})
}

// Optional attaches the principal when a valid token is present and lets
// anonymous requests through. An invalid token is still rejected.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		switch {
		case errors.Is(err, ErrMissingToken):
			next.ServeHTTP(w, r)
		case err != nil:
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, err.Error())
		default:
			metrics.RecordAuthAttempt(true)
			next.ServeHTTP(w, r.WithContext(attach(r.Context(), p)))
		}
	})
}

// RequireAdmin rejects non-admin callers. It must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			sendAuthError(w, http.StatusUnauthorized, ErrMissingToken.Error())
			return
		}
		if !p.IsAdmin() {
			sendAuthError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func attach(ctx context.Context, p Principal) context.Context {
	ctx = logging.With(ctx, zap.String("user_id", p.UserID))
	return WithPrincipal(ctx, p)
}

// PrincipalFrom returns the principal stored by the middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// UserIDFrom returns the authenticated user id, for the rate limiter.
func UserIDFrom(ctx context.Context) (string, bool) {
	p, ok := PrincipalFrom(ctx)
	return p.UserID, ok
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
