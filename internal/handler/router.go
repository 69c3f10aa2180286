package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"pairing-widget/internal/config"
)

const requestTimeout = 60 * time.Second

var (
	errEndpointNotFound = errors.New("endpoint not found")
	errMethodNotAllowed = errors.New("method not allowed")
)

// NewRouter mounts the widget and trust routes behind the shared middleware.
func NewRouter(widgetHandler *WidgetHandler, cfg *config.Config, logger *zap.Logger) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := chi.NewRouter()

	if cfg.Server.EnableTLS {
		router.Use(requireHTTPS(widgetHandler))
	}
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		LoggerMiddleware(logger),
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
	)

	// Credentials are needed for the widget_id and verified cookies.
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", widgetHandler.Health)
	widgetHandler.RegisterRoutes(router)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		widgetHandler.respondWithJSON(w, http.StatusNotFound, errorResponse(errEndpointNotFound, ""))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		widgetHandler.respondWithJSON(w, http.StatusMethodNotAllowed, errorResponse(errMethodNotAllowed, ""))
	})

	return router
}

// Health reports liveness and the number of live widgets.
func (h *WidgetHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "pairing-widget",
		"widgets": h.registry.Len(),
		"time":    h.now().UTC().Format(time.RFC3339),
	})
}
