package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "hashview/docs"
	"hashview/internal/metrics"
	"hashview/internal/service"
)

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps carries everything the router needs. Realtime is mounted at /ws.
type Deps struct {
	AppName       string
	Version       string
	CORSOrigins   []string
	Auth          *service.AuthService
	Users         *service.UserService
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Realtime      http.Handler
	Metrics       *metrics.Metrics
	DB            Pinger
	Logger        *slog.Logger
}

// NewRouter constructs the main HTTP router and wires routes, services, and middleware.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": d.AppName,
			"version": d.Version,
			"docs":    "/docs",
		})
	})
	r.Get("/health", handleHealth(d.DB))
	r.Handle("/metrics", d.Metrics.Handler())

	// Swagger documentation
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	// The upgrade must not sit behind the request timeout.
	if d.Realtime != nil {
		r.Handle("/ws", d.Realtime)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", handleRegister(d.Auth, logger))
			r.Post("/login", handleLogin(d.Auth, logger))
		})

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(d.Auth, logger))

			r.Post("/auth/logout", handleLogout(d.Auth, logger))
			r.Get("/auth/me", handleMe())

			r.Route("/users", func(r chi.Router) {
				r.Post("/register-push-token", handleRegisterPushToken(d.Users, logger))
				r.Delete("/register-push-token", handleRemovePushToken(d.Users, logger))
				r.Get("/{userID}", handleGetUser(d.Users, logger))
			})

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", handleListConversations(d.Conversations, logger))
				r.Post("/", handleCreateConversation(d.Conversations, logger))
				r.Post("/group", handleCreateGroup(d.Conversations, logger))
				r.Get("/{conversationID}", handleGetConversation(d.Conversations, logger))
				r.Patch("/{conversationID}/read", handleMarkConversationRead(d.Conversations, logger))
				r.Delete("/{conversationID}", handleDeleteConversation(d.Conversations, logger))
			})

			r.Route("/messages", func(r chi.Router) {
				r.Get("/", handleListMessages(d.Messages, logger))
				r.Post("/", handleSendMessage(d.Messages, logger))
				r.Get("/{messageID}", handleGetMessage(d.Messages, logger))
				r.Patch("/{messageID}", handleEditMessage(d.Messages, logger))
				r.Delete("/{messageID}", handleDeleteMessage(d.Messages, logger))
				r.Patch("/{messageID}/read", handleMarkMessageRead(d.Messages, logger))
			})
		})
	})

	return r
}

func handleHealth(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
