package handlers

import (
	"context"
	"net/http"
	"time"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/platform/httpx"
)

// ReadinessCheck reports whether the service can serve the wizard.
type ReadinessCheck func(ctx context.Context) map[string]string

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	started time.Time
	now     func() time.Time
	check   ReadinessCheck
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthClock overrides the clock used for uptime and timestamps.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

// WithReadinessCheck sets the check behind /readyz. It returns a status per component;
// every value must be "ready" for the service to report ready.
func WithReadinessCheck(check ReadinessCheck) HealthOption {
	return func(h *HealthHandlers) {
		h.check = check
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.now()
	return h
}

// Healthz reports liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.started).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

// Readyz reports whether the catalog manifests are loaded.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	if h.check != nil {
		components = h.check(r.Context())
	}
	status, code := "ok", http.StatusOK
	for _, v := range components {
		if v != "ready" {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	httpx.WriteJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  h.now().UTC().Format(time.RFC3339),
	})
}

// CatalogSnapshotter loads the catalog manifests.
type CatalogSnapshotter interface {
	Snapshot(ctx context.Context) catalog.Snapshot
}

// CatalogReadiness reports the room and brand manifests. Loading is retried on every
// probe until both are ready.
func CatalogReadiness(store CatalogSnapshotter) ReadinessCheck {
	return func(ctx context.Context) map[string]string {
		statuses := store.Snapshot(ctx).Statuses()
		return map[string]string{
			"rooms":  statuses.Rooms.String(),
			"brands": statuses.Brands.String(),
		}
	}
}
