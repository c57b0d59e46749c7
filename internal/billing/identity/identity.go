// Package identity resolves the authenticated user for a request from a
// signed session token.
package identity

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

// ErrUnauthenticated is returned when no valid user is attached to a request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Provider returns the id of the user making the current request.
type Provider interface {
	CurrentUserID(ctx context.Context) (string, error)
}

type ctxKey struct{}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// ContextProvider reads the user id placed on the context by
// SessionVerifier.Middleware.
type ContextProvider struct{}

// CurrentUserID implements Provider.
func (ContextProvider) CurrentUserID(ctx context.Context) (string, error) {
	if ctx == nil {
		return "", ErrUnauthenticated
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	if strings.TrimSpace(id) == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}

// SessionVerifier validates HS256 session tokens whose subject is the user id.
type SessionVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSessionVerifier creates a verifier. An empty issuer disables the issuer check.
func NewSessionVerifier(secret, issuer string) *SessionVerifier {
	return &SessionVerifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
}

// Issue mints a session token for userID valid for ttl.
func (v *SessionVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// Verify validates token and returns its subject.
func (v *SessionVerifier) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// token subject on the request context.
func (v *SessionVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			unauthorized(w)
			return
		}
		userID, err := v.Verify(token)
		if err != nil {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": "unauthorized",
	})
}
