package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	assistantHandler "github.com/zhouzirui/avatar-chat/backend/internal/handler/assistant"
	consoleHandler "github.com/zhouzirui/avatar-chat/backend/internal/handler/console"
	tokenHandler "github.com/zhouzirui/avatar-chat/backend/internal/handler/token"
	middlewarePkg "github.com/zhouzirui/avatar-chat/backend/internal/middleware"
	assistantModel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	consoleService "github.com/zhouzirui/avatar-chat/backend/internal/service/console"
	tokenService "github.com/zhouzirui/avatar-chat/backend/internal/service/token"
	"github.com/zhouzirui/avatar-chat/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(issuer tokenService.Issuer, profiles assistantModel.Store, registry *consoleService.Registry, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger.With().Str("component", "http").Logger()))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	// Create handlers
	tokens := tokenHandler.New(issuer, logger.With().Str("component", "token").Logger())
	assistants := assistantHandler.New(profiles)
	consoles := consoleHandler.New(registry, logger.With().Str("component", "console").Logger())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"consoles": len(registry.List()),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		tokens.RegisterRoutes(api)
		assistants.RegisterRoutes(api)
		consoles.RegisterRoutes(api)
	})

	return r
}
