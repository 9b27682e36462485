package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"

	"finitefield.org/colour-visualiser/internal/wizard"
)

func newTestSessions(t *testing.T, now func() time.Time) *Sessions {
	t.Helper()

	s, err := NewSessions(SessionOptions{SigningKey: "k", CookieName: "vis", TTL: time.Hour, Clock: now})
	require.NoError(t, err)
	return s
}

func cookieNamed(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()

	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %q not set", name)
	return nil
}

func TestSessionRoundTrip(t *testing.T) {
	now := time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC)
	sessions := newTestSessions(t, func() time.Time { return now })

	var firstID string
	write := sessions.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sd := GetSession(r)
		firstID = sd.ID
		sd.Wizard.RoomType = "bedroom"
		sd.Wizard.Step = wizard.StepVariant
		sd.MarkDirty()
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	write.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookie := cookieNamed(t, rec, "vis")
	require.True(t, cookie.HttpOnly)
	require.NotEmpty(t, firstID)

	var got *SessionData
	read := sessions.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetSession(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	read.ServeHTTP(rec, req)

	require.Equal(t, firstID, got.ID)
	require.Equal(t, "bedroom", got.Wizard.RoomType)
	require.Equal(t, wizard.StepVariant, got.Wizard.Step)
	require.Empty(t, rec.Result().Cookies(), "unchanged session is not rewritten")
}

func TestSessionRejectsTamperedAndExpiredCookies(t *testing.T) {
	now := time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC)
	sessions := newTestSessions(t, func() time.Time { return now })

	var ids []string
	h := sessions.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sd := GetSession(r)
		ids = append(ids, sd.ID)
		sd.UpdatedAt = now
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookie := cookieNamed(t, rec, "vis")

	tampered := *cookie
	payload, sig, _ := strings.Cut(tampered.Value, ".")
	tampered.Value = payload + "x." + sig
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&tampered)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.NotEqual(t, ids[0], ids[1])

	now = now.Add(2 * time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.NotEqual(t, ids[0], ids[2])
}

func TestSessionNormalisesWizardState(t *testing.T) {
	sessions := newTestSessions(t, nil)

	h := sessions.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sd := GetSession(r)
		sd.Wizard.Step = 42
		sd.MarkDirty()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookie := cookieNamed(t, rec, "vis")

	var step wizard.Step
	read := sessions.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		step = GetSession(r).Wizard.Step
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	read.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, step >= wizard.FirstStep && step <= wizard.LastStep)
}

func TestNewSessionsRequiresCookieName(t *testing.T) {
	_, err := NewSessions(SessionOptions{SigningKey: "k"})
	require.Error(t, err)
}

func TestCSRF(t *testing.T) {
	sessions := newTestSessions(t, nil)
	h := sessions.Handler(HTMX(CSRF(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	session := cookieNamed(t, rec, "vis")
	token := cookieNamed(t, rec, csrfCookieName)
	require.NotEmpty(t, token.Value)
	require.False(t, token.HttpOnly)

	cases := []struct {
		name   string
		build  func() *http.Request
		status int
	}{
		{
			name: "missing token",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/", nil)
			},
			status: http.StatusForbidden,
		},
		{
			name: "header token",
			build: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/", nil)
				req.Header.Set(csrfHeader, token.Value)
				return req
			},
			status: http.StatusOK,
		},
		{
			name: "form token",
			build: func() *http.Request {
				form := url.Values{csrfFormField: {token.Value}}
				req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return req
			},
			status: http.StatusOK,
		},
		{
			name: "wrong token",
			build: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/", nil)
				req.Header.Set(csrfHeader, "nope")
				return req
			},
			status: http.StatusForbidden,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.build()
			req.AddCookie(session)
			req.AddCookie(token)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
		})
	}

	t.Run("htmx gets json envelope", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("HX-Request", "true")
		req.AddCookie(session)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		require.Contains(t, rec.Body.String(), `"error":"forbidden"`)
	})
}

func TestHTMXMarksContext(t *testing.T) {
	var seen bool
	h := HTMX(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IsHTMX(r.Context())
		PushURL(w, "/visualiser/final-preview")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("HX-Request", "true")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.True(t, seen)
	require.Equal(t, "HX-Request", rec.Header().Get("Vary"))
	require.Equal(t, "/visualiser/final-preview", rec.Header().Get("HX-Push-Url"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.False(t, seen)
}

func TestResponseRecorderRunsHookOnce(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseRecorder(rec)
	calls := 0
	rw.SetBeforeWrite(func(w http.ResponseWriter) {
		calls++
		w.Header().Set("X-Hook", "ran")
	})
	require.False(t, rw.Wrote())

	rw.WriteHeader(http.StatusAccepted)
	_, err := rw.Write([]byte("ok"))
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.True(t, rw.Wrote())
	require.Equal(t, http.StatusAccepted, rw.Status())
	require.Equal(t, "ran", rec.Header().Get("X-Hook"))
}

func TestAssetsWithCache(t *testing.T) {
	fsys := fstest.MapFS{"visualiser.css": {Data: []byte("body{}")}}
	h := AssetsWithCache(fsys, "/static")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/visualiser.css", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	require.Contains(t, rec.Header().Get("Cache-Control"), "max-age=604800")

	req := httptest.NewRequest(http.MethodGet, "/static/visualiser.css", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotModified, rec.Code)
}
