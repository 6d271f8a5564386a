// Package gateway carries the transport contract over HTTP. The server side
// exposes any transport.Transport; the client side is a transport.Transport
// that talks to such a server.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type claimsKey struct{}

const issuer = "tgdrive-gateway"

// DefaultTokenTTL is the lifetime of issued tokens.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Claims holds gateway token claims. A non-zero ChatID restricts the token
// to that chat.
type Claims struct {
	ChatID int64 `json:"chat_id,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the token may address chatID.
func (c *Claims) Allows(chatID int64) bool {
	return c.ChatID == 0 || c.ChatID == chatID
}

// Auth issues and verifies HS256 bearer tokens.
type Auth struct {
	key    []byte
	parser *jwt.Parser
}

// NewAuth creates an Auth with the shared secret.
func NewAuth(secret string) *Auth {
	return &Auth{
		key: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// IssueToken signs a token for subject, limited to chatID when non-zero.
// A zero ttl means DefaultTokenTTL.
func (a *Auth) IssueToken(subject string, chatID int64, ttl time.Duration) (string, time.Time, error) {
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	exp := now.Add(ttl)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		ChatID: chatID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}).SignedString(a.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, jwt.NewNumericDate(exp).Time, nil
}

// Verify checks a token's algorithm, issuer, signature and expiry and
// returns its claims.
func (a *Auth) Verify(token string) (*Claims, error) {
	claims := new(Claims)
	if _, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			sendHTTPError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}
		claims, err := a.Verify(token)
		if err != nil {
			sendHTTPError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// WithClaims stores claims in the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// GetClaims returns the claims of an authenticated request, or nil.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}

// httpError is the body of non-200 gateway responses.
type httpError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func sendHTTPError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(httpError{Error: message, Code: code})
}
