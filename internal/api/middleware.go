/**
 * @description
 * Custom middleware for the payment-service router: optional HS256 session tokens
 * and the client fingerprint used to key status-poll rate limits.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Session token validation.
 */

package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SessionContextKey is a custom type for the context key to avoid collisions.
type SessionContextKey string

const sessionUserIDKey SessionContextKey = "sessionUserID"

// SessionAuthMiddleware validates `Authorization: Bearer <jwt>` signed with
// secret and stores the token's subject as the caller's user id. EventSource
// clients cannot set headers, so `access_token` in the query is accepted too.
// An empty secret disables the check.
func SessionAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(strings.TrimSpace(secret))
	return func(next http.Handler) http.Handler {
		if len(key) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				writeErrorBody(w, http.StatusUnauthorized, errorResponse{Error: kindUnauthorized, Message: "session token required"})
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				writeErrorBody(w, http.StatusUnauthorized, errorResponse{Error: kindUnauthorized, Message: "invalid session token"})
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || strings.TrimSpace(subject) == "" {
				writeErrorBody(w, http.StatusUnauthorized, errorResponse{Error: kindUnauthorized, Message: "session token has no subject"})
				return
			}

			ctx := context.WithValue(r.Context(), sessionUserIDKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if token := strings.TrimPrefix(authHeader, "Bearer "); token != authHeader {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// GetSessionUserID retrieves the authenticated user id from the request context.
func GetSessionUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(sessionUserIDKey).(string)
	return userID, ok
}

// clientFingerprint keys the poll limiter by client IP and user agent without
// storing either.
func clientFingerprint(r *http.Request) string {
	sum := sha256.Sum256([]byte(getClientIP(r) + "|" + r.UserAgent()))
	return hex.EncodeToString(sum[:])
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
