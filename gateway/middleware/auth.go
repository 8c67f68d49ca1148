package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const defaultClockSkew = 2 * time.Minute

type contextKey string

// ContextKeyScopes carries the token's granted scopes for handlers that
// need finer checks than the route-level requirement.
const ContextKeyScopes contextKey = "gateway.scopes"

// AdminAuth validates HS256 bearer tokens guarding the admin plane. An empty
// secret leaves the authenticator disabled and the admin routes unmounted.
type AdminAuth struct {
	secret []byte
	leeway time.Duration
	logger *slog.Logger
}

// NewAdminAuth builds the authenticator from the shared HMAC secret.
func NewAdminAuth(secret string, logger *slog.Logger) *AdminAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAuth{
		secret: []byte(strings.TrimSpace(secret)),
		leeway: defaultClockSkew,
		logger: logger.With("component", "adminauth"),
	}
}

// Enabled reports whether a secret was configured.
func (a *AdminAuth) Enabled() bool { return len(a.secret) > 0 }

// Middleware enforces a valid token carrying every required scope.
func (a *AdminAuth) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r.Header.Get("Authorization"))
			if token == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			claims, err := a.parse(token)
			if err != nil {
				a.logger.Debug("admin token rejected", "err", err)
				unauthorized(w, "invalid token")
				return
			}
			scopes := scopesOf(claims)
			if !hasScopes(scopes, requiredScopes) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden","details":"insufficient scope"}`))
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyScopes, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *AdminAuth) parse(tokenString string) (jwt.MapClaims, error) {
	if !a.Enabled() {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.leeway))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not a map")
	}
	return claims, nil
}

func unauthorized(w http.ResponseWriter, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","details":"` + details + `"}`))
}

func scopesOf(claims jwt.MapClaims) []string {
	raw, ok := claims["scope"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(strings.TrimSpace(v))
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
