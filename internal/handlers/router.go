package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"finitefield.org/colour-visualiser/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	visualiser  RouteRegistrar
	static      http.Handler
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	visualiserPrefix = "/visualiser"
	staticPrefix     = "/static"
	defaultTimeout   = 60 * time.Second
)

// NewRouter constructs the chi router with shared middleware, probes, static assets and
// the visualiser routes.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}
	if cfg.static == nil {
		cfg.static = http.StripPrefix(staticPrefix, http.FileServer(http.FS(StaticFS())))
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(httpx.CodeRouteNotFound, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(httpx.CodeMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	r.Handle(staticPrefix+"/*", cfg.static)
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, visualiserPrefix, http.StatusFound)
	})

	if cfg.visualiser != nil {
		r.Route(visualiserPrefix, func(group chi.Router) {
			cfg.visualiser(group)
		})
	}
	return r
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithVisualiserRoutes configures the registrar mounted under /visualiser.
func WithVisualiserRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.visualiser = reg
	}
}

// WithStaticHandler overrides the handler serving /static/*.
func WithStaticHandler(h http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.static = h
	}
}
