package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"finitefield.org/colour-visualiser/internal/platform/requestctx"
	"finitefield.org/colour-visualiser/internal/wizard"
)

// SessionData is the signed cookie payload. The wizard selection lives here so every
// request sees the state left by the previous one.
type SessionData struct {
	ID        string       `json:"id"`
	CSRFToken string       `json:"csrf,omitempty"`
	Wizard    wizard.State `json:"wizard"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	// internal dirty flag; not serialized
	dirty bool
}

// SessionOptions configures the session cookie.
type SessionOptions struct {
	SigningKey string
	CookieName string
	TTL        time.Duration
	Secure     bool
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Sessions reads and writes the HMAC-signed session cookie.
type Sessions struct {
	key    []byte
	cookie string
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewSessions validates opts. An empty signing key yields a process-ephemeral key,
// which is only acceptable for local development.
func NewSessions(opts SessionOptions) (*Sessions, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cookie := strings.TrimSpace(opts.CookieName)
	if cookie == "" {
		return nil, errors.New("session: cookie name is required")
	}
	key := []byte(opts.SigningKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		logger.Warn("session: using ephemeral signing key; set VIS_SESSION_SIGNING_KEY outside local development")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Sessions{key: key, cookie: cookie, ttl: ttl, secure: opts.Secure, now: now}, nil
}

// Handler loads or initializes a session and stores it in request context.
func (s *Sessions) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sd, fromCookie := s.read(r)
		if sd.ID == "" {
			sd.ID = uuid.NewString()
			sd.CreatedAt = s.now().UTC()
			sd.UpdatedAt = sd.CreatedAt
			sd.CSRFToken = newCSRFToken()
			sd.Wizard = wizard.NewState()
			sd.dirty = true
		}
		ctx := WithSession(r.Context(), sd)
		ctx = requestctx.WithSessionID(ctx, sd.ID)

		rw := NewResponseRecorder(w)
		// the cookie must be set before the first write flushes the headers
		rw.SetBeforeWrite(func(w http.ResponseWriter) {
			if sd.dirty || !fromCookie {
				s.write(w, sd)
			}
		})
		next.ServeHTTP(rw, r.WithContext(ctx))
		if !rw.Wrote() && (sd.dirty || !fromCookie) {
			s.write(w, sd)
		}
	})
}

// Secure reports whether cookies carry the Secure attribute.
func (s *Sessions) Secure() bool { return s.secure }

// GetSession returns session data from context
func GetSession(r *http.Request) *SessionData {
	if v := r.Context().Value(ctxKeySession); v != nil {
		if sd, ok := v.(*SessionData); ok {
			return sd
		}
	}
	return &SessionData{Wizard: wizard.NewState()}
}

// MarkDirty flags the session for writing at end of request
func (sd *SessionData) MarkDirty() { sd.dirty = true; sd.UpdatedAt = time.Now().UTC() }

func (s *Sessions) read(r *http.Request) (*SessionData, bool) {
	c, err := r.Cookie(s.cookie)
	if err != nil || c.Value == "" {
		return &SessionData{}, false
	}
	payload, sig, ok := strings.Cut(c.Value, ".")
	if !ok {
		return &SessionData{}, false
	}
	payloadB, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return &SessionData{}, false
	}
	sigB, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return &SessionData{}, false
	}
	if !hmac.Equal(sigB, s.sign(payloadB)) {
		return &SessionData{}, false
	}
	var sd SessionData
	if err := json.Unmarshal(payloadB, &sd); err != nil {
		return &SessionData{}, false
	}
	if !sd.UpdatedAt.IsZero() && s.now().Sub(sd.UpdatedAt) > s.ttl {
		return &SessionData{}, false
	}
	sd.Wizard.Normalise()
	return &sd, true
}

func (s *Sessions) write(w http.ResponseWriter, sd *SessionData) {
	b, err := json.Marshal(sd)
	if err != nil {
		return
	}
	value := base64.RawURLEncoding.EncodeToString(b) + "." + base64.RawURLEncoding.EncodeToString(s.sign(b))
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  s.now().Add(s.ttl),
	})
}

func (s *Sessions) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return mac.Sum(nil)
}
