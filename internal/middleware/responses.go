package middleware

import (
	"net/http"

	"finitefield.org/colour-visualiser/internal/platform/httpx"
)

// forbid rejects the request. htmx and JSON callers get the error envelope so the
// client script can surface it; plain form posts get a text body.
func forbid(w http.ResponseWriter, r *http.Request, msg string) {
	if IsHTMX(r.Context()) || r.Header.Get("Accept") == "application/json" {
		httpx.WriteError(r.Context(), w, httpx.NewError(httpx.CodeForbidden, msg, http.StatusForbidden))
		return
	}
	http.Error(w, msg, http.StatusForbidden)
}
