package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/warp/ledgerlock/ledger"
)

// Claims carries the caller identity inside a bearer token.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Scope  string `json:"scope,omitempty"`
	State  string `json:"state,omitempty"`
	Church string `json:"church,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts the claims to the domain identity.
func (c *Claims) Identity() ledger.Identity {
	return ledger.Identity{
		UserID: c.UserID,
		Role:   ledger.Role(c.Role),
		Scope:  ledger.Scope(c.Scope),
		State:  c.State,
		Church: c.Church,
	}
}

// TokenVerifier validates HS256 tokens. Issuing credentials belongs to the
// identity provider; Sign exists for tooling and tests.
type TokenVerifier struct {
	signingKey []byte
	issuer     string
}

func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{signingKey: []byte(secret), issuer: issuer}
}

// Sign issues a token for id valid for ttl.
func (v *TokenVerifier) Sign(id ledger.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: id.UserID,
		Role:   string(id.Role),
		Scope:  string(id.Scope),
		State:  id.State,
		Church: id.Church,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    v.issuer,
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(v.signingKey)
}

var errInvalidToken = errors.New("invalid token")

// Verify parses and validates a token string.
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.signingKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" || claims.Role == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

type contextKeyIdentity struct{}

// IdentityFrom returns the authenticated identity stored by RequireAuth.
func IdentityFrom(ctx context.Context) (ledger.Identity, bool) {
	id, ok := ctx.Value(contextKeyIdentity{}).(ledger.Identity)
	return id, ok
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id ledger.Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity{}, id)
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth(v *TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := middleware.GetReqID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token", "request_id", requestID)
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Missing or invalid Authorization header", Code: "unauthorized"})
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token", "error", err, "request_id", requestID)
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Invalid or expired token", Code: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, claims.Identity())))
		})
	}
}
