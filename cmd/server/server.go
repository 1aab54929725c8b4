package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"k8s.io/klog/v2"

	"github.com/aonescu/gardensync/internal/engine"
	"github.com/aonescu/gardensync/internal/state"
)

type APIServer struct {
	store     state.EventStore
	engine    *engine.Engine
	router    chi.Router
	jwtSecret []byte
}

type Option func(*APIServer)

// WithJWTSecret requires an HS256 bearer token on the garden routes.
func WithJWTSecret(secret []byte) Option {
	return func(api *APIServer) {
		api.jwtSecret = secret
	}
}

func NewAPIServer(store state.EventStore, eng *engine.Engine, opts ...Option) *APIServer {
	api := &APIServer{
		store:  store,
		engine: eng,
		router: chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(api)
	}
	api.registerRoutes()
	return api
}

func (api *APIServer) registerRoutes() {
	api.router.Use(api.corsMiddleware, api.loggingMiddleware)

	// Health check
	api.router.Get("/health", api.handleHealth)
	api.router.Get("/ready", api.handleReady)

	api.router.Group(func(r chi.Router) {
		if len(api.jwtSecret) > 0 {
			r.Use(api.authMiddleware)
		}
		r.Get("/gardens/{gardenId}", api.handleGetGarden)
		r.Post("/gardens/{gardenId}/events", api.handleAppendEvents)
	})
}

func (api *APIServer) Handler() http.Handler {
	return api.router
}

func (api *APIServer) Start(addr string) error {
	klog.InfoS("Starting API server", "addr", addr)
	return http.ListenAndServe(addr, api.router)
}
