package http

import (
	"net/http"

	"github.com/acadeveia/server/internal/auth"
	"github.com/acadeveia/server/internal/http/handlers"
	"github.com/acadeveia/server/internal/middleware"
	"github.com/acadeveia/server/internal/repo"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RouterDeps are the handlers and collaborators the router wires together
type RouterDeps struct {
	AuthHandler   *handlers.AuthHandler
	ChatHandler   *handlers.ChatHandler
	WSHandler     http.Handler
	JWTService    *auth.JWTService
	UserRepo      repo.UserRepo
	SendLimiter   *middleware.RateLimiter
	VerifyLimiter *middleware.RateLimiter
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	requireAuth := middleware.AuthMiddleware(d.JWTService, d.UserRepo)

	r.Route("/auth", func(r chi.Router) {
		r.With(limitByIP(d.SendLimiter)...).Post("/send-otp", d.AuthHandler.HandleSendOTP)
		r.With(limitByIP(d.VerifyLimiter)...).Post("/verify-otp", d.AuthHandler.HandleVerifyOTP)
		r.Post("/refresh", d.AuthHandler.HandleRefresh)
		r.Post("/logout", d.AuthHandler.HandleLogout)
		r.With(requireAuth).Get("/me", d.AuthHandler.HandleMe)
	})

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/rooms", d.ChatHandler.HandleListRooms)
		r.Post("/rooms", d.ChatHandler.HandleCreateRoom)
		r.Get("/rooms/{roomID}/messages", d.ChatHandler.HandleListMessages)
		if d.WSHandler != nil {
			r.Handle("/ws", d.WSHandler)
		}
	})

	return r
}

func limitByIP(limiter *middleware.RateLimiter) []func(http.Handler) http.Handler {
	if limiter == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{middleware.RateLimitMiddleware(limiter, middleware.GetIPKey)}
}
