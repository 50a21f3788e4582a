package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mailfold/mailfold/pkg/logger"
)

// Handlers bundles every route group mounted on the router.
type Handlers struct {
	Auth        *AuthHandler
	Campaigns   *CampaignHandler
	Contacts    *ContactHandler
	Lists       *ListHandler
	Segments    *SegmentHandler
	Templates   *TemplateHandler
	Automations *AutomationHandler
	Tracking    *TrackingHandler
	Webhooks    *WebhookHandler
}

// RouterConfig carries the cross-cutting HTTP settings.
type RouterConfig struct {
	AllowedOrigins []string
}

// NewRouter mounts the public surface (tracking, webhooks, auth) and the
// bearer-token-guarded control plane.
func NewRouter(h Handlers, auth Authenticator, cfg RouterConfig, log logger.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusOK, "ok")
	})

	// Public surface.
	h.Tracking.RegisterRoutes(r)
	h.Webhooks.RegisterRoutes(r)
	h.Auth.RegisterPublicRoutes(r)

	// Control plane.
	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(auth, log))
		h.Auth.RegisterProtectedRoutes(r)
		h.Campaigns.RegisterRoutes(r)
		h.Contacts.RegisterRoutes(r)
		h.Lists.RegisterRoutes(r)
		h.Segments.RegisterRoutes(r)
		h.Templates.RegisterRoutes(r)
		h.Automations.RegisterRoutes(r)
	})

	return r
}
