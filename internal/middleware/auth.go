package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pansacloud/gateway/internal/auth"
)

type contextKey string

const adminClaimsKey contextKey = "admin_claims"

// AdminAuth validates an admin JWT from the Authorization header or, for
// websocket clients that cannot set headers, the "token" query parameter.
// A nil jwtService disables the check.
func AdminAuth(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if jwtService == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, msg := bearerToken(r)
			if msg != "" {
				respondWithError(w, http.StatusUnauthorized, msg)
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), adminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" {
			return q, ""
		}
		return "", "missing authorization header"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", "invalid authorization header format"
	}

	tokenString := strings.TrimSpace(parts[1])
	if tokenString == "" {
		return "", "missing token"
	}
	return tokenString, ""
}

// GetAdminClaims returns the claims attached by AdminAuth
func GetAdminClaims(ctx context.Context) (*auth.AdminClaims, bool) {
	c, ok := ctx.Value(adminClaimsKey).(*auth.AdminClaims)
	return c, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
