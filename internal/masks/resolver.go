package masks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/platform/observability"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultConcurrency  = 8
	maxMaskBytes        = 2 << 20
)

// ErrUnavailable indicates that no wall of the variant could be resolved.
var ErrUnavailable = errors.New("masks: unavailable")

// WallStatus describes the resolution state of one wall.
type WallStatus string

const (
	StatusLoading WallStatus = "loading"
	StatusReady   WallStatus = "ready"
	StatusError   WallStatus = "error"
	// StatusEmpty marks a wall whose document was fetched but holds no path.
	StatusEmpty WallStatus = "empty"
)

// Masks maps wall keys to SVG path data.
type Masks map[string]string

// Result is the outcome of resolving a variant's masks.
type Result struct {
	Variant string
	Masks   Masks
	Status  map[string]WallStatus
	// Stale is set when the selection moved to another variant while fetching. Stale
	// results are returned but never cached.
	Stale bool
}

// ResolverDeps bundles constructor inputs for the Resolver.
type ResolverDeps struct {
	Source       catalog.Source
	Logger       *zap.Logger
	FetchTimeout time.Duration
	Concurrency  int
}

// Resolver fetches and caches wall masks. Geometry is cached per mask document, so
// variants only share geometry when their walls point at the same file, whatever
// their names. An entry is written once and never replaced; an empty entry records a
// document without a path.
type Resolver struct {
	source      catalog.Source
	logger      *zap.Logger
	timeout     time.Duration
	concurrency int

	group singleflight.Group
	mu    sync.RWMutex
	docs  map[string]string
}

// NewResolver constructs a Resolver.
func NewResolver(deps ResolverDeps) (*Resolver, error) {
	if deps.Source == nil {
		return nil, errors.New("masks resolver: source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Resolver{
		source:      deps.Source,
		logger:      logger.Named("masks"),
		timeout:     timeout,
		concurrency: concurrency,
		docs:        make(map[string]string),
	}, nil
}

// ResolveMasks resolves every wall of variant and caches the result.
func (r *Resolver) ResolveMasks(ctx context.Context, variant catalog.Variant) (Masks, error) {
	res, err := r.Resolve(ctx, variant, nil)
	return res.Masks, err
}

// Resolve resolves every wall of variant. current reports the variant selected when the
// fetch completes; if it no longer matches, the result is flagged Stale and not cached.
// A nil current always commits.
func (r *Resolver) Resolve(ctx context.Context, variant catalog.Variant, current func() string) (Result, error) {
	if variant.Name == "" {
		return Result{}, fmt.Errorf("masks: variant name is required")
	}
	if res := r.Cached(variant); res.complete() {
		return res, nil
	}

	v, err, _ := r.group.Do(flightKey(variant), func() (any, error) {
		return r.fetchMissing(ctx, variant), nil
	})
	if err != nil {
		return Result{}, err
	}
	fetched := v.(fetchResult)

	if current != nil && current() != variant.Name {
		r.logger.Debug("discarding stale masks", zap.String("variant", variant.Name))
		res := r.Cached(variant)
		res.apply(fetched)
		res.Stale = true
		return res, nil
	}

	r.commit(variant, fetched.paths)
	res := r.Cached(variant)
	for key, status := range fetched.failed {
		res.Status[key] = status
	}
	if len(res.Masks) == 0 && len(fetched.failed) > 0 {
		return res, fmt.Errorf("%w: %s", ErrUnavailable, variant.Name)
	}
	return res, nil
}

// Cached returns the masks already resolved for variant without fetching. Walls that
// are missing are still loading from the caller's point of view.
func (r *Resolver) Cached(variant catalog.Variant) Result {
	res := Result{
		Variant: variant.Name,
		Masks:   make(Masks, len(variant.Walls)),
		Status:  make(map[string]WallStatus, len(variant.Walls)),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, src := range variant.Walls {
		d, ok := r.docs[src]
		if !ok {
			res.Status[key] = StatusLoading
			continue
		}
		res.set(key, d)
	}
	return res
}

type fetchResult struct {
	// paths holds the fetched walls; an empty value is a document without a path.
	paths  map[string]string
	failed map[string]WallStatus
}

// flightKey identifies a fetch by the documents it loads, not the variant name alone.
func flightKey(variant catalog.Variant) string {
	var b strings.Builder
	b.WriteString(variant.Name)
	for _, key := range variant.WallKeys() {
		b.WriteByte('\x00')
		b.WriteString(variant.Walls[key])
	}
	return b.String()
}

func (r *Resolver) fetchMissing(ctx context.Context, variant catalog.Variant) fetchResult {
	ctx, span := observability.StartSpan(context.WithoutCancel(ctx), "masks.Resolve",
		attribute.String("variant", variant.Name),
		attribute.Int("walls", len(variant.Walls)),
	)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pending := make(map[string]string, len(variant.Walls))
	r.mu.RLock()
	for key, src := range variant.Walls {
		if _, ok := r.docs[src]; !ok {
			pending[key] = src
		}
	}
	r.mu.RUnlock()

	var (
		mu     sync.Mutex
		paths  = make(map[string]string, len(pending))
		failed = make(map[string]WallStatus)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for key, src := range pending {
		g.Go(func() error {
			d, err := r.fetchWall(gctx, src)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNoPath):
				r.logger.Debug("wall mask has no path", zap.String("variant", variant.Name), zap.String("wall", key))
				paths[key] = ""
			case err != nil:
				r.logger.Warn("wall mask unavailable",
					zap.String("variant", variant.Name),
					zap.String("wall", key),
					zap.Error(err),
				)
				failed[key] = StatusError
			default:
				paths[key] = d
			}
			return nil
		})
	}
	// Wall failures are recorded per key; the group itself never fails.
	_ = g.Wait()

	span.SetAttributes(attribute.Int("walls.failed", len(failed)))
	observability.EndSpan(span, nil)
	return fetchResult{paths: paths, failed: failed}
}

func (r *Resolver) fetchWall(ctx context.Context, url string) (string, error) {
	rc, err := r.source.Open(ctx, url)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return ExtractPath(io.LimitReader(rc, maxMaskBytes))
}

// commit records fetched documents that are not cached yet.
func (r *Resolver) commit(variant catalog.Variant, paths map[string]string) {
	if len(paths) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, d := range paths {
		src := variant.Walls[key]
		if _, ok := r.docs[src]; !ok {
			r.docs[src] = d
		}
	}
}

func (res Result) set(key, d string) {
	if d == "" {
		res.Status[key] = StatusEmpty
		return
	}
	res.Masks[key] = d
	res.Status[key] = StatusReady
}

func (res Result) apply(fetched fetchResult) {
	for key, d := range fetched.paths {
		res.set(key, d)
	}
	for key, status := range fetched.failed {
		res.Status[key] = status
	}
}

func (res Result) complete() bool {
	for _, status := range res.Status {
		if status == StatusLoading {
			return false
		}
	}
	return true
}

// ErrorKeys lists walls whose fetch failed, sorted.
func (res Result) ErrorKeys() []string {
	var keys []string
	for key, status := range res.Status {
		if status == StatusError {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
