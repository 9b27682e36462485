package testutil

import (
	"net/http/httptest"
	"testing"
	"testing/fstest"
	"time"

	"github.com/go-chi/chi/v5"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/composite"
	"finitefield.org/colour-visualiser/internal/export"
	"finitefield.org/colour-visualiser/internal/handlers"
	"finitefield.org/colour-visualiser/internal/masks"
	"finitefield.org/colour-visualiser/internal/middleware"
	"finitefield.org/colour-visualiser/internal/platform/idempotency"
)

type serverConfig struct {
	fsys      fstest.MapFS
	deliverer export.Deliverer
	idem      bool
}

// ServerOption customises the HTTP server configuration for tests.
type ServerOption func(*serverConfig)

// WithCatalogFS replaces the catalog served to the visualiser.
func WithCatalogFS(fsys fstest.MapFS) ServerOption {
	return func(cfg *serverConfig) {
		cfg.fsys = fsys
	}
}

// WithDeliverer wires a custom export deliverer.
func WithDeliverer(d export.Deliverer) ServerOption {
	return func(cfg *serverConfig) {
		cfg.deliverer = d
	}
}

// WithIdempotency wraps POST /export with the idempotency middleware.
func WithIdempotency() ServerOption {
	return func(cfg *serverConfig) {
		cfg.idem = true
	}
}

// NewServer constructs an httptest server running the visualiser HTTP stack with sensible
// defaults.
func NewServer(t testing.TB, opts ...ServerOption) *httptest.Server {
	t.Helper()

	cfg := serverConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.fsys == nil {
		cfg.fsys = CatalogFS(t)
	}
	source := catalog.NewFSSource(cfg.fsys)

	store, err := catalog.NewStore(catalog.StoreDeps{Source: source})
	if err != nil {
		t.Fatalf("catalog store: %v", err)
	}
	resolver, err := masks.NewResolver(masks.ResolverDeps{Source: source})
	if err != nil {
		t.Fatalf("mask resolver: %v", err)
	}
	renderer, err := composite.NewRenderer(composite.RendererDeps{Photos: source})
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}

	idemStore := idempotency.NewMemoryStore()
	guard, err := idempotency.NewGuard(idemStore, "export", time.Minute)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	deliverer := cfg.deliverer
	if deliverer == nil {
		local, err := export.NewHTTPDeliverer(export.HTTPDelivererDeps{})
		if err != nil {
			t.Fatalf("deliverer: %v", err)
		}
		deliverer = local
	}
	exports, err := export.NewService(export.ServiceDeps{Deliverer: deliverer, Guard: guard})
	if err != nil {
		t.Fatalf("export service: %v", err)
	}

	sessions, err := middleware.NewSessions(middleware.SessionOptions{
		SigningKey: "test-signing-key",
		CookieName: "vis_session",
	})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	templates, err := handlers.NewTemplates("", false)
	if err != nil {
		t.Fatalf("templates: %v", err)
	}

	deps := handlers.VisualiserDeps{
		Catalog:   store,
		Assets:    source,
		Masks:     resolver,
		Renderer:  renderer,
		Exports:   exports,
		Sessions:  sessions,
		Templates: templates,
	}
	if cfg.idem {
		deps.ExportMiddleware = append(deps.ExportMiddleware,
			idempotency.Middleware(idemStore))
	}
	visualiser, err := handlers.NewVisualiser(deps)
	if err != nil {
		t.Fatalf("visualiser: %v", err)
	}

	health := handlers.NewHealthHandlers(handlers.WithReadinessCheck(handlers.CatalogReadiness(store)))
	router := handlers.NewRouter(
		handlers.WithHealthHandlers(health),
		handlers.WithVisualiserRoutes(func(r chi.Router) { visualiser.Routes(r) }),
	)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}
