package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultDownloadExpiry = 15 * time.Minute
	maxDownloadExpiry     = 7 * 24 * time.Hour
)

var (
	errNoSigner         = errors.New("storage: signer is required")
	errInvalidBucket    = errors.New("storage: bucket name is required")
	errInvalidObject    = errors.New("storage: object name is required")
	errExpiryTooLong    = errors.New("storage: expiry exceeds permitted maximum")
	errMethodNotAllowed = errors.New("storage: HTTP method not allowed")
)

// URLSigner issues V4 signed download URLs for export snapshots.
type URLSigner struct {
	signer Signer
	scheme storage.SigningScheme
	now    func() time.Time
}

// URLSignerOption customises URLSigner behaviour.
type URLSignerOption func(*URLSigner)

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme storage.SigningScheme) URLSignerOption {
	return func(c *URLSigner) {
		if scheme != 0 {
			c.scheme = scheme
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) URLSignerOption {
	return func(c *URLSigner) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewURLSigner constructs a signer for download URLs.
func NewURLSigner(signer Signer, opts ...URLSignerOption) (*URLSigner, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	c := &URLSigner{
		signer: signer,
		scheme: storage.SigningSchemeV4,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// DownloadOptions control the signed response.
type DownloadOptions struct {
	Method       string
	ExpiresIn    time.Duration
	Disposition  string
	CacheControl string
	ResponseType string
}

// SignedURL describes a generated URL.
type SignedURL struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// DownloadURL signs a GET (or HEAD) URL for bucket/object.
func (c *URLSigner) DownloadURL(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURL, error) {
	if c == nil {
		return SignedURL{}, errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURL{}, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURL{}, errInvalidObject
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = "GET"
	}
	if method != "GET" && method != "HEAD" {
		return SignedURL{}, errMethodNotAllowed
	}

	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = defaultDownloadExpiry
	}
	if expiry > maxDownloadExpiry {
		return SignedURL{}, errExpiryTooLong
	}
	expiresAt := c.now().Add(expiry)

	query := url.Values{}
	if opts.Disposition != "" {
		query.Set("response-content-disposition", opts.Disposition)
	}
	if opts.CacheControl != "" {
		query.Set("response-cache-control", opts.CacheControl)
	}
	if opts.ResponseType != "" {
		query.Set("response-content-type", opts.ResponseType)
	}

	urlOpts := &storage.SignedURLOptions{
		GoogleAccessID: c.signer.Email(),
		Scheme:         c.scheme,
		Method:         method,
		Expires:        expiresAt,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	}
	if len(query) > 0 {
		urlOpts.QueryParameters = query
	}

	signed, err := storage.SignedURL(bucket, object, urlOpts)
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURL{URL: signed, Method: method, ExpiresAt: expiresAt}, nil
}
