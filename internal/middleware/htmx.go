package middleware

import (
	"net/http"
)

// HTMX marks requests coming from htmx so handlers/middlewares can adapt responses
func HTMX(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is := r.Header.Get("HX-Request") == "true"
		ctx := WithHTMX(r.Context(), is)
		if is {
			w.Header().Add("Vary", "HX-Request")
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PushURL asks htmx to update the browser location after a fragment swap.
func PushURL(w http.ResponseWriter, url string) {
	w.Header().Set("HX-Push-Url", url)
}
