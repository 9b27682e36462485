package middleware

import (
	"context"
)

type ctxKey string

const (
	ctxKeyIsHTMX  ctxKey = "is_htmx"
	ctxKeySession ctxKey = "session"
)

// WithHTMX marks request as HTMX
func WithHTMX(ctx context.Context, is bool) context.Context {
	return context.WithValue(ctx, ctxKeyIsHTMX, is)
}

// IsHTMX returns whether this is an htmx request
func IsHTMX(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKeyIsHTMX).(bool)
	return v
}

// WithSession stores the session on ctx. Handlers normally get it through GetSession.
func WithSession(ctx context.Context, s *SessionData) context.Context {
	return context.WithValue(ctx, ctxKeySession, s)
}
