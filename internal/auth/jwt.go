// Package auth verifies Supabase-issued JWTs and resolves the tenant
// (owner) for every request and WebSocket connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const accessTokenCookie = "sb-access-token"

var ErrUnauthorized = errors.New("missing or invalid token")

// Verifier checks tokens against the shared HS256 secret and, when a JWKS
// endpoint is configured, against the identity provider's asymmetric keys.
// The audience claim is deliberately not validated.
type Verifier struct {
	log    *slog.Logger
	secret []byte
	jwks   keyfunc.Keyfunc
}

func NewVerifier(ctx context.Context, log *slog.Logger, secret string, jwksURL string) (*Verifier, error) {
	v := &Verifier{log: log}
	if secret != "" {
		v.secret = []byte(secret)
	}
	if jwksURL != "" {
		// keyfunc refreshes the key set in the background
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("jwks init: %w", err)
		}
		v.jwks = kf
	}
	if v.secret == nil && v.jwks == nil {
		return nil, errors.New("no JWT secret and no JWKS URL configured")
	}
	return v, nil
}

// Owner returns the verified subject of the token.
func (v *Verifier) Owner(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrUnauthorized
	}
	var claims jwt.RegisteredClaims
	if v.secret != nil {
		_, err := jwt.ParseWithClaims(tokenString, &claims,
			func(*jwt.Token) (any, error) { return v.secret, nil },
			jwt.WithValidMethods([]string{"HS256"}))
		if err == nil && claims.Subject != "" {
			return claims.Subject, nil
		}
	}
	if v.jwks != nil {
		claims = jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(tokenString, &claims, v.jwks.Keyfunc,
			jwt.WithValidMethods([]string{"RS256", "ES256"}))
		if err == nil && claims.Subject != "" {
			return claims.Subject, nil
		}
	}
	return "", ErrUnauthorized
}

// UnverifiedClaims decodes the payload without signature verification.
// Debug surface only.
func UnverifiedClaims(tokenString string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// ExtractToken pulls the bearer token from the Authorization header, the
// token query parameter or the Supabase access cookie, in that order.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if c, err := r.Cookie(accessTokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

type ctxKey struct{}

// WithOwner stores the verified owner on the request context.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ctxKey{}, owner)
}

// OwnerFromContext returns the owner set by the middleware.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ctxKey{}).(string)
	return owner
}

// Middleware rejects requests without a valid token and stamps the owner
// on the context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := v.Owner(ExtractToken(r))
		if err != nil {
			http.Error(w, `{"detail":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
	})
}
