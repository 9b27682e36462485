package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"finitefield.org/colour-visualiser/internal/platform/httpx"
	"finitefield.org/colour-visualiser/internal/platform/requestctx"
)

const (
	defaultHeader = "Idempotency-Key"
	// ReplayHeader is set on responses served from the store.
	ReplayHeader = "X-Idempotent-Replay"
	maxKeyLength = 128
)

type replayConfig struct {
	header string
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// Option customises Middleware.
type Option func(*replayConfig)

// WithHeader changes the request header carrying the key.
func WithHeader(name string) Option {
	return func(cfg *replayConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL sets how long a finished export stays replayable.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *replayConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *replayConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(cfg *replayConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware replays the first response to an export submission when the client
// retries with the same key. Requests without a key pass straight through. Keys are
// scoped to the visitor session, and a key sent with a different body is rejected.
// Server failures and in-flight conflicts are not stored, so a retry runs again.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := replayConfig{header: defaultHeader, ttl: DefaultTTL, clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeIdempotencyKeyInvalid, "idempotency key too long", http.StatusBadRequest))
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidBody, "request body could not be read", http.StatusBadRequest))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			scoped := "export|" + sessionScope(r) + "|" + key
			// Form posts were already parsed by the CSRF check, which drains the body.
			payload := r.Header.Get("Content-Type") + "\x00" + string(body)
			if r.PostForm != nil {
				payload += "\x00" + r.PostForm.Encode()
			}
			fingerprint := docID(payload)
			outcome, reply, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock(), cfg.ttl)
			switch {
			case errors.Is(err, ErrKeyReused):
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeIdempotencyReused, "idempotency key already used for a different export", http.StatusConflict))
				return
			case err != nil:
				// Replay is best effort; the export guard still holds.
				cfg.logger.Warn("idempotency store unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			case outcome == Replay:
				writeReply(w, reply)
				return
			case outcome == Busy:
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeIdempotencyPending, "this export is still being processed", http.StatusConflict))
				return
			}

			rec := &bufferedWriter{header: w.Header(), status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if replayable(rec.status) {
				reply := Reply{Status: rec.status, ContentType: rec.header.Get("Content-Type"), Body: rec.body.Bytes()}
				if err := store.Complete(ctx, scoped, fingerprint, reply, cfg.clock(), cfg.ttl); err != nil {
					cfg.logger.Warn("export reply not stored", zap.String("session_id", requestctx.SessionID(ctx)), zap.Error(err))
				}
			} else if err := store.Release(ctx, scoped); err != nil {
				cfg.logger.Warn("idempotency key not released", zap.Error(err))
			}
			w.WriteHeader(rec.status)
			_, _ = w.Write(rec.body.Bytes())
		})
	}
}

func replayable(status int) bool {
	return status < http.StatusInternalServerError && status != http.StatusConflict
}

func sessionScope(r *http.Request) string {
	if id := requestctx.SessionID(r.Context()); id != "" {
		return id
	}
	return "anonymous"
}

func writeReply(w http.ResponseWriter, reply Reply) {
	if reply.ContentType != "" {
		w.Header().Set("Content-Type", reply.ContentType)
	}
	w.Header().Set(ReplayHeader, "true")
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(reply.Body)
}

// bufferedWriter holds the handler's response until the middleware decides whether to
// store it. Headers go straight to the real writer.
type bufferedWriter struct {
	header http.Header
	status int
	wrote  bool
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.wrote {
		return
	}
	b.wrote = true
	b.status = status
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.wrote = true
	return b.body.Write(p)
}
