package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// ErrObjectNotFound is returned when the requested object does not exist.
var ErrObjectNotFound = errors.New("storage: object not found")

// Objects reads and writes Cloud Storage objects.
type Objects struct {
	client *gcs.Client
}

// NewObjects constructs an Objects helper backed by the provided client.
func NewObjects(client *gcs.Client) (*Objects, error) {
	if client == nil {
		return nil, errors.New("storage objects: client is required")
	}
	return &Objects{client: client}, nil
}

// Open streams the object. Callers close the reader.
func (o *Objects) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	if o == nil || o.client == nil {
		return nil, errors.New("storage objects: client is not initialised")
	}
	bucket = strings.TrimSpace(bucket)
	object = strings.TrimSpace(object)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	if object == "" {
		return nil, errInvalidObject
	}
	reader, err := o.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, bucket, object)
	}
	if err != nil {
		return nil, fmt.Errorf("storage objects: open gs://%s/%s: %w", bucket, object, err)
	}
	return reader, nil
}

// Put writes data to bucket/object, replacing any existing object.
func (o *Objects) Put(ctx context.Context, bucket, object, contentType string, data []byte) error {
	if o == nil || o.client == nil {
		return errors.New("storage objects: client is not initialised")
	}
	bucket = strings.TrimSpace(bucket)
	object = strings.TrimSpace(object)
	if bucket == "" {
		return errInvalidBucket
	}
	if object == "" {
		return errInvalidObject
	}

	w := o.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage objects: write gs://%s/%s: %w", bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage objects: finalise gs://%s/%s: %w", bucket, object, err)
	}
	return nil
}
