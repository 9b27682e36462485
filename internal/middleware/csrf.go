package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"
)

const (
	csrfCookieName = "csrf_token"
	csrfFormField  = "csrf_token"
	csrfHeader     = "X-CSRF-Token"
)

// CSRF issues a double-submit cookie bound to the session token and verifies that
// unsafe requests echo it in the X-CSRF-Token header or the csrf_token form field.
func CSRF(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := GetSession(r)
			token := s.CSRFToken
			if token == "" {
				token = newCSRFToken()
				s.CSRFToken = token
				s.MarkDirty()
			}

			if c, err := r.Cookie(csrfCookieName); err != nil || c.Value != token {
				http.SetCookie(w, &http.Cookie{
					Name:     csrfCookieName,
					Value:    token,
					Path:     "/",
					HttpOnly: false,
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
					Expires:  time.Now().Add(24 * time.Hour),
				})
			}

			if !isSafeMethod(r.Method) {
				submitted := r.Header.Get(csrfHeader)
				if submitted == "" {
					submitted = r.PostFormValue(csrfFormField)
				}
				if !tokensEqual(submitted, token) {
					forbid(w, r, "invalid CSRF token")
					return
				}
				if c, err := r.Cookie(csrfCookieName); err != nil || !tokensEqual(c.Value, token) {
					forbid(w, r, "invalid CSRF token")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CSRFToken returns the token templates embed in forms.
func CSRFToken(r *http.Request) string {
	return GetSession(r).CSRFToken
}

func tokensEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func newCSRFToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func isSafeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
