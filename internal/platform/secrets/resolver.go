package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	meterName           = "finitefield.org/colour-visualiser/internal/platform/secrets"
)

// ErrNotFound is returned when neither Secret Manager nor the local file holds the reference.
var ErrNotFound = errors.New("secrets: not found")

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver turns secret:// references into plaintext values. Remote values come from
// Secret Manager; a dotenv-style file backs local development and outages.
type Resolver struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	projectID  string
	pins       map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	group   singleflight.Group
	mu      sync.RWMutex
	cache   map[string]string
	latency metric.Float64Histogram
}

type resolverConfig struct {
	logger       *zap.Logger
	projectID    string
	pins         map[string]string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Resolver construction.
type Option func(*resolverConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *resolverConfig) { cfg.logger = logger }
}

// WithProject sets the project used for references without ?project=.
func WithProject(projectID string) Option {
	return func(cfg *resolverConfig) { cfg.projectID = strings.TrimSpace(projectID) }
}

// WithVersionPins pins canonical references (secret://name) to explicit versions.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *resolverConfig) {
		cfg.pins = make(map[string]string, len(pins))
		for k, v := range pins {
			cfg.pins[k] = strings.TrimSpace(v)
		}
	}
}

// WithFallbackFile overrides the local secrets file. An empty path disables the fallback.
func WithFallbackFile(path string) Option {
	return func(cfg *resolverConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithMeter injects the meter used for fetch latency.
func WithMeter(m metric.Meter) Option {
	return func(cfg *resolverConfig) { cfg.meter = m }
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *resolverConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

func withClient(client secretManagerClient) Option {
	return func(cfg *resolverConfig) { cfg.client = client }
}

// NewResolver builds a Resolver. A missing Secret Manager client is not fatal: the
// resolver then serves only the fallback file.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(meterName)
	}

	r := &Resolver{
		logger:       cfg.logger,
		projectID:    cfg.projectID,
		pins:         cfg.pins,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]string),
	}

	latency, err := cfg.meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	} else {
		r.latency = latency
	}

	switch {
	case cfg.client != nil:
		r.client = cfg.client
	case cfg.projectID != "":
		client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable; using fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}
	return r, nil
}

// Close releases the Secret Manager client when the resolver created it.
func (r *Resolver) Close() error {
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ResolveSecret returns the plaintext for ref. Concurrent callers for the same reference
// share one remote call and the result is cached for the process lifetime.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	version := parsed.version
	if version == "" {
		version = r.pins[parsed.canonical]
	}
	if version == "" {
		version = "latest"
	}
	key := parsed.canonical + "#" + version

	r.mu.RLock()
	value, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return value, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		start := time.Now()
		value, source, err := r.fetch(ctx, parsed, version)
		r.record(ctx, time.Since(start), source, err)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache[key] = value
		r.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) fetch(ctx context.Context, ref reference, version string) (string, string, error) {
	project := ref.project
	if project == "" {
		project = r.projectID
	}
	if r.client != nil && project != "" {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, version)
		resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		switch {
		case err == nil && resp.GetPayload() != nil:
			return string(resp.GetPayload().GetData()), "remote", nil
		case err == nil:
			return "", "remote", fmt.Errorf("secrets: empty payload for %s", name)
		case !isFallbackError(err):
			return "", "remote", fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
		r.logger.Debug("secrets: falling back to local file", zap.String("ref", ref.canonical), zap.Error(err))
	}

	r.fallbackOnce.Do(r.loadFallback)
	if value, ok := r.fallback[ref.canonical+"#"+version]; ok {
		return value, "fallback", nil
	}
	if value, ok := r.fallback[ref.canonical]; ok {
		return value, "fallback", nil
	}
	return "", "fallback", fmt.Errorf("%w: %s", ErrNotFound, ref.canonical)
}

func (r *Resolver) loadFallback() {
	r.fallback = map[string]string{}
	if r.fallbackPath == "" {
		return
	}
	path, err := filepath.Abs(r.fallbackPath)
	if err != nil {
		path = r.fallbackPath
	}
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("secrets: unable to open fallback file", zap.String("path", path), zap.Error(err))
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if strings.HasPrefix(key, "sm://") {
			key = "secret://" + strings.TrimPrefix(key, "sm://")
		}
		parsed, err := parseReference(key)
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		if parsed.version == "" {
			r.fallback[parsed.canonical] = value
		} else {
			r.fallback[parsed.canonical+"#"+parsed.version] = value
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("secrets: failed reading fallback file", zap.String("path", path), zap.Error(err))
	}
}

func (r *Resolver) record(ctx context.Context, d time.Duration, source string, err error) {
	if r.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.Bool("error", err != nil),
	}
	r.latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func parseReference(ref string) (reference, error) {
	if strings.TrimSpace(ref) == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	query := u.Query()
	return reference{
		canonical: "secret://" + name,
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	default:
		return false
	}
}
