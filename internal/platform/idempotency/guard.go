package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	guardFingerprint = "in-flight"
	defaultGuardTTL  = 2 * time.Minute
)

// ErrInFlight is returned by Guard.Acquire when the scope is already held.
var ErrInFlight = errors.New("idempotency: operation already in flight")

// Guard allows at most one holder per scope. Reservations expire after the TTL so a
// crashed holder cannot block its scope forever.
type Guard struct {
	store     Store
	namespace string
	ttl       time.Duration
	clock     func() time.Time
}

// NewGuard builds a Guard over store. Scopes are prefixed with namespace so they never
// collide with replay keys.
func NewGuard(store Store, namespace string, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency guard: store is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("idempotency guard: namespace is required")
	}
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	return &Guard{store: store, namespace: namespace, ttl: ttl, clock: time.Now}, nil
}

// Acquire reserves scope and returns the release function. It never blocks: a held
// scope yields ErrInFlight immediately.
func (g *Guard) Acquire(ctx context.Context, scope string) (func(), error) {
	key := g.namespace + "|" + strings.TrimSpace(scope)
	outcome, _, err := g.store.Reserve(ctx, key, guardFingerprint, g.clock().UTC(), g.ttl)
	if err != nil {
		return nil, err
	}
	if outcome != Acquired {
		return nil, ErrInFlight
	}
	return func() {
		// Release on a fresh context: the request context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = g.store.Release(releaseCtx, key)
	}, nil
}
