package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"finitefield.org/colour-visualiser/internal/platform/storage"
)

// ErrNotFound is returned by sources when the named payload does not exist.
var ErrNotFound = errors.New("catalog: payload not found")

// Source opens catalog payloads such as manifests, colour files and wall masks by name.
// Names are slash separated and may carry a leading slash, matching the URLs stored in
// the room manifest.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// FSSource reads payloads from an fs.FS.
type FSSource struct {
	fsys fs.FS
}

// NewFSSource wraps fsys.
func NewFSSource(fsys fs.FS) *FSSource {
	return &FSSource{fsys: fsys}
}

// NewDirSource reads payloads from a directory on local disk.
func NewDirSource(dir string) *FSSource {
	return NewFSSource(os.DirFS(dir))
}

func (s *FSSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := strings.TrimPrefix(strings.TrimSpace(name), "/")
	if !fs.ValidPath(clean) {
		return nil, fmt.Errorf("catalog: invalid payload name %q", name)
	}
	file, err := s.fsys.Open(clean)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

// HTTPSource fetches payloads relative to a base URL. Absolute http(s) names are
// fetched as-is.
type HTTPSource struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPSource constructs an HTTPSource. A nil client uses a client with a 10s timeout.
func NewHTTPSource(baseURL string, client *http.Client) (*HTTPSource, error) {
	var base *url.URL
	if strings.TrimSpace(baseURL) != "" {
		parsed, err := url.Parse(strings.TrimSpace(baseURL))
		if err != nil {
			return nil, fmt.Errorf("catalog: parse base url: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return nil, fmt.Errorf("catalog: base url must be http or https, got %q", parsed.Scheme)
		}
		if !strings.HasSuffix(parsed.Path, "/") {
			parsed.Path += "/"
		}
		base = parsed
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{base: base, client: client}, nil
}

func (s *HTTPSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	target, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch %s: %w", target, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, fmt.Errorf("catalog: fetch %s: unexpected status %d", target, resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *HTTPSource) resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if IsAbsoluteURL(name) {
		return name, nil
	}
	if s.base == nil {
		return "", fmt.Errorf("catalog: relative name %q without base url", name)
	}
	ref, err := url.Parse(strings.TrimPrefix(name, "/"))
	if err != nil {
		return "", fmt.Errorf("catalog: invalid payload name %q: %w", name, err)
	}
	return s.base.ResolveReference(ref).String(), nil
}

// ObjectOpener is the subset of storage.Objects used by GCSSource.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// GCSSource reads payloads from a Cloud Storage bucket under an optional prefix.
type GCSSource struct {
	objects ObjectOpener
	bucket  string
	prefix  string
}

// NewGCSSource constructs a GCSSource.
func NewGCSSource(objects ObjectOpener, bucket, prefix string) (*GCSSource, error) {
	if objects == nil {
		return nil, errors.New("catalog: object opener is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("catalog: bucket is required")
	}
	return &GCSSource{objects: objects, bucket: strings.TrimSpace(bucket), prefix: prefix}, nil
}

func (s *GCSSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	object, err := storage.CatalogObjectPath(s.prefix, name)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	rc, err := s.objects.Open(ctx, s.bucket, object)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, s.bucket, object)
	}
	return rc, err
}

// RoutingSource sends absolute http(s) names to Remote and everything else to Local.
type RoutingSource struct {
	Local  Source
	Remote Source
}

func (s RoutingSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if IsAbsoluteURL(name) {
		if s.Remote == nil {
			return nil, fmt.Errorf("catalog: no remote source for %q", name)
		}
		return s.Remote.Open(ctx, name)
	}
	if s.Local == nil {
		return nil, fmt.Errorf("catalog: no local source for %q", name)
	}
	return s.Local.Open(ctx, name)
}

// IsAbsoluteURL reports whether name is an http or https URL.
func IsAbsoluteURL(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
