package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey int

const (
	loggerKey contextKey = iota
	traceKey
	sessionKey
	noteKey
)

var noopLogger = zap.NewNop()

// TraceInfo is the Cloud Trace context of the current request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WizardNote collects the visitor's session and wizard position while a request is
// handled. The request logger reads it once the response is written.
type WizardNote struct {
	SessionID string
	Step      string
	Variant   string
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request logger, or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return noopLogger
}

func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithSessionID records the visitor session, on the context and on its WizardNote.
func WithSessionID(ctx context.Context, id string) context.Context {
	if note := wizardNote(ctx); note != nil {
		note.SessionID = id
	}
	return context.WithValue(ctx, sessionKey, id)
}

// SessionID returns the visitor session identifier, or "" outside a session.
func SessionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey).(string)
	return id
}

// WithWizardNote attaches an empty note for the request.
func WithWizardNote(ctx context.Context) (context.Context, *WizardNote) {
	note := &WizardNote{}
	return context.WithValue(ctx, noteKey, note), note
}

// NoteWizard records the step slug and variant the request left the wizard on. It is a
// no-op when the context carries no note.
func NoteWizard(ctx context.Context, step, variant string) {
	if note := wizardNote(ctx); note != nil {
		note.Step = step
		note.Variant = variant
	}
}

func wizardNote(ctx context.Context) *WizardNote {
	if ctx == nil {
		return nil
	}
	note, _ := ctx.Value(noteKey).(*WizardNote)
	return note
}
