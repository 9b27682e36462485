package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"finitefield.org/colour-visualiser/internal/platform/requestctx"
)

// Codes carried in the "error" field of JSON responses.
const (
	CodeRouteNotFound         = "route_not_found"
	CodeMethodNotAllowed      = "method_not_allowed"
	CodeForbidden             = "forbidden"
	CodeInternal              = "internal_server_error"
	CodeVariantNotFound       = "variant_not_found"
	CodeAssetNotFound         = "asset_not_found"
	CodeMasksUnavailable      = "masks_unavailable"
	CodePhotoUnavailable      = "photo_unavailable"
	CodeInvalidRender         = "invalid_render_request"
	CodeRenderFailed          = "render_failed"
	CodeInvalidBody           = "invalid_body"
	CodeIdempotencyPending    = "idempotency_in_progress"
	CodeIdempotencyReused     = "idempotency_key_reused"
	CodeIdempotencyKeyInvalid = "idempotency_key_invalid"
)

// Error is a JSON error response.
type Error struct {
	Code    string
	Message string
	Status  int
}

// NewError builds an Error. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: code, Message: oneLine(message, 512), Status: status}
}

func (e Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

type envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// WriteError writes err as JSON, tagged with the request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	WriteJSON(w, err.Status, envelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    err.Status,
		RequestID: oneLine(middleware.GetReqID(ctx), 80),
		TraceID:   requestctx.TraceID(ctx),
	})
}

// WriteJSON encodes payload with the given status code.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func oneLine(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
