package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ctxKey int

const ownerKey ctxKey = iota

// WithOwner returns a context carrying the authenticated user ID.
func WithOwner(ctx context.Context, owner uuid.UUID) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// OwnerFromContext returns the user ID set by AuthMiddleware.
func OwnerFromContext(ctx context.Context) (uuid.UUID, bool) {
	owner, ok := ctx.Value(ownerKey).(uuid.UUID)
	return owner, ok
}

// AuthMiddleware verifies an HS256 bearer token and stores its subject as the
// request owner.
func AuthMiddleware(secret []byte, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required", "")
				return
			}

			owner, err := parseSubject(token, secret)
			if err != nil {
				logger.Debug("rejected bearer token", zap.Error(err))
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token", "")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func parseSubject(tokenString string, secret []byte) (uuid.UUID, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, err
	}
	if !token.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	owner, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subject: %w", err)
	}
	return owner, nil
}
