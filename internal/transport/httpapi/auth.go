package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trustgate.ai/internal/protocol"
)

const adminRole = "admin"

var errUnauthorized = errors.New("unauthorized")

// MintAdminToken signs an HS256 admin token for subject.
func MintAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("httpapi: empty jwt secret")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": adminRole,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyAdminToken returns the token subject when it is a valid admin token.
func VerifyAdminToken(secret, raw string) (string, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("httpapi: parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errUnauthorized
	}
	if role, _ := claims["role"].(string); role != adminRole {
		return "", fmt.Errorf("httpapi: role %q is not admin", role)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		sub = "admin"
	}
	return sub, nil
}

func bearerTokenFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errUnauthorized
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errUnauthorized
	}
	return token, nil
}

// adminMiddleware requires an admin bearer token. Without a configured secret
// only loopback callers are admitted.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.JWTSecret == "" {
			if !isLoopbackRemote(r.RemoteAddr) {
				writeError(w, http.StatusForbidden, protocol.ErrUnauthorized, "forbidden", "admin is loopback-only without a jwt secret")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, "local")))
			return
		}
		raw, err := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, protocol.ErrUnauthorized, "missing bearer token", "")
			return
		}
		actor, err := VerifyAdminToken(s.cfg.JWTSecret, raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, protocol.ErrUnauthorized, "invalid token", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
	})
}

func actorFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyActor).(string)
	return v
}
