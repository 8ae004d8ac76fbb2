package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/acadeveia/server/internal/auth"
	"github.com/acadeveia/server/internal/model"
	"github.com/acadeveia/server/internal/repo"
	"github.com/google/uuid"
)

type contextKey string

const (
	userKey     contextKey = "user"
	userIDKey   contextKey = "user_id"
	userTypeKey contextKey = "user_type"
)

// AuthMiddleware validates JWT tokens, loads user from DB, and attaches user to context.
// WebSocket upgrades may carry the token in the "token" query parameter instead of the header.
func AuthMiddleware(jwtService *auth.JWTService, userRepo repo.UserRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, msg := bearerToken(r)
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, msg)
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			userID, err := claims.UserID()
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			user, err := userRepo.GetByID(r.Context(), userID)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "user not found")
				return
			}
			// a token minted for one role is never valid for the other account on the same phone
			if user.UserType != claims.UserType {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), userKey, &user)
			ctx = context.WithValue(ctx, userIDKey, user.ID)
			ctx = context.WithValue(ctx, userTypeKey, user.UserType)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if isWebSocketUpgrade(r) {
			if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
				return t, ""
			}
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

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// GetUser returns the user attached to the request context (set by AuthMiddleware)
func GetUser(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDKey).(uuid.UUID)
	return userID, ok
}

// GetUserType extracts the authenticated role from context
func GetUserType(ctx context.Context) (model.UserType, bool) {
	t, ok := ctx.Value(userTypeKey).(model.UserType)
	return t, ok
}

// WithUser attaches a user to ctx the way AuthMiddleware does. Used by handler tests.
func WithUser(ctx context.Context, user model.User) context.Context {
	ctx = context.WithValue(ctx, userKey, &user)
	ctx = context.WithValue(ctx, userIDKey, user.ID)
	return context.WithValue(ctx, userTypeKey, user.UserType)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"message": message}
	_ = json.NewEncoder(w).Encode(response)
}
