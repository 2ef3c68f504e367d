package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keyfort/server/internal/auth"
	"github.com/keyfort/server/internal/http/handlers"
	"github.com/keyfort/server/internal/middleware"
	"github.com/keyfort/server/internal/repo"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(
	authHandler *handlers.AuthHandler,
	profileHandler *handlers.ProfileHandler,
	adminHandler *handlers.AdminHandler,
	jwtService *auth.JWTService,
	userRepo repo.UserRepo,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.HandleRegister)
		r.Post("/login", authHandler.HandleLogin)
		r.Post("/pin", authHandler.HandlePin)
		r.Post("/unlock/request", authHandler.HandleUnlockRequest)
		r.Post("/unlock/confirm", authHandler.HandleUnlockConfirm)
	})

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(jwtService, userRepo))
		r.Get("/me", authHandler.HandleMe)
		r.Get("/profile", profileHandler.HandleGet)
		r.Put("/profile", profileHandler.HandlePut)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/events", adminHandler.HandleEvents)
			r.Get("/pin/{userID}/status", adminHandler.HandlePinStatus)
			r.Post("/pin/{userID}/reset", adminHandler.HandlePinReset)
			r.Post("/pin/{userID}/extend", adminHandler.HandlePinExtend)
		})
	})

	return r
}
