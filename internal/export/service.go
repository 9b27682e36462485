package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/composite"
	"finitefield.org/colour-visualiser/internal/masks"
	"finitefield.org/colour-visualiser/internal/platform/idempotency"
	"finitefield.org/colour-visualiser/internal/platform/observability"
	"finitefield.org/colour-visualiser/internal/platform/storage"
)

const (
	defaultRenderPath   = "/visualiser/render.png"
	defaultSignedURLTTL = 7 * 24 * time.Hour
	snapshotFileName    = "preview.png"

	msgContactRequired   = "Name, email, and phone are required"
	msgInvalidEmail      = "Please enter a valid email address"
	msgSelectionRequired = "Room selection data is required"
	msgInFlight          = "Your summary is already being sent. Please wait a moment."
	msgDeliveryFailed    = "We could not send your summary right now. Please try again."
	msgDelivered         = "Your colour summary is on its way."
)

var (
	// ErrInvalidContact indicates missing or malformed contact details.
	ErrInvalidContact = errors.New("export: invalid contact")
	// ErrIncompleteSelection indicates the room, variant or brand has not been chosen.
	ErrIncompleteSelection = errors.New("export: incomplete selection")
	// ErrExportInFlight indicates another export for the same session has not finished.
	ErrExportInFlight = errors.New("export: export already in flight")
	// ErrDeliveryFailed indicates the delivery collaborator rejected or failed the export.
	ErrDeliveryFailed = errors.New("export: delivery failed")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// MaskSource resolves the wall geometry of a variant.
type MaskSource interface {
	ResolveMasks(ctx context.Context, variant catalog.Variant) (masks.Masks, error)
}

// SnapshotRenderer produces the PNG preview.
type SnapshotRenderer interface {
	EncodePNG(ctx context.Context, req composite.RenderRequest) ([]byte, error)
}

// ObjectWriter uploads snapshots.
type ObjectWriter interface {
	Put(ctx context.Context, bucket, object, contentType string, data []byte) error
}

// DownloadSigner signs snapshot download URLs.
type DownloadSigner interface {
	DownloadURL(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURL, error)
}

// ServiceDeps wires the export pipeline. Renderer, Objects, Signer and Bucket are
// optional together: without them the snapshot reference is the stateless render URL.
type ServiceDeps struct {
	Deliverer    Deliverer
	Guard        *idempotency.Guard
	Masks        MaskSource
	Renderer     SnapshotRenderer
	Objects      ObjectWriter
	Signer       DownloadSigner
	Bucket       string
	SignedURLTTL time.Duration
	RenderPath   string
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       *zap.Logger
}

// Service runs the export pipeline.
type Service struct {
	deliverer  Deliverer
	guard      *idempotency.Guard
	masks      MaskSource
	renderer   SnapshotRenderer
	objects    ObjectWriter
	signer     DownloadSigner
	bucket     string
	signedTTL  time.Duration
	renderPath string
	now        func() time.Time
	newID      func() string
	logger     *zap.Logger
}

// NewService constructs the export Service validating required dependencies.
func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Deliverer == nil {
		return nil, errors.New("export service: deliverer is required")
	}
	if deps.Guard == nil {
		return nil, errors.New("export service: in-flight guard is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := deps.SignedURLTTL
	if ttl <= 0 {
		ttl = defaultSignedURLTTL
	}
	renderPath := strings.TrimSpace(deps.RenderPath)
	if renderPath == "" {
		renderPath = defaultRenderPath
	}
	return &Service{
		deliverer:  deps.Deliverer,
		guard:      deps.Guard,
		masks:      deps.Masks,
		renderer:   deps.Renderer,
		objects:    deps.Objects,
		signer:     deps.Signer,
		bucket:     strings.TrimSpace(deps.Bucket),
		signedTTL:  ttl,
		renderPath: renderPath,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger.Named("export"),
	}, nil
}

// RequestExport validates contact details, builds the summary and snapshot reference and
// hands them to the deliverer. At most one export per session runs at a time. Failures
// are reported in the Result as well as the error; the wizard state is never touched.
func (s *Service) RequestExport(ctx context.Context, sessionID string, contact Contact, sel Selection) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "export.RequestExport",
		attribute.String("variant", sel.Variant.Name),
		attribute.String("brand", sel.Brand.ID),
	)
	defer func() { observability.EndSpan(span, err) }()

	contact = sanitiseContact(contact)
	if msg, ok := validateContact(contact); !ok {
		return Result{Message: msg}, ErrInvalidContact
	}
	if !sel.complete() {
		return Result{Message: msgSelectionRequired}, ErrIncompleteSelection
	}

	release, err := s.guard.Acquire(ctx, sessionID)
	if err != nil {
		if errors.Is(err, idempotency.ErrInFlight) {
			return Result{Message: msgInFlight}, ErrExportInFlight
		}
		return Result{Message: msgDeliveryFailed}, fmt.Errorf("%w: acquire guard: %w", ErrDeliveryFailed, err)
	}
	defer release()

	id := s.newID()
	requestedAt := s.now()
	span.SetAttributes(attribute.String("export_id", id))

	summary, err := buildSummary(id, requestedAt, contact, sel)
	if err != nil {
		return Result{Message: msgDeliveryFailed}, err
	}
	imageRef := s.snapshotRef(ctx, id, requestedAt, sel)

	receipt, err := s.deliverer.Deliver(ctx, Request{
		ExportID:          id,
		Contact:           contact,
		SelectionSnapshot: summary,
		RenderedImageRef:  imageRef,
		RequestedAt:       requestedAt,
	})
	if err != nil {
		s.logger.Warn("export delivery failed", zap.String("exportId", id), zap.Error(err))
		return Result{Message: msgDeliveryFailed, ExportID: id}, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	if !receipt.Success {
		msg := firstNonEmpty(receipt.Message, msgDeliveryFailed)
		return Result{Message: msg, ExportID: id}, fmt.Errorf("%w: %s", ErrDeliveryFailed, msg)
	}

	s.logger.Info("export delivered",
		zap.String("exportId", id),
		zap.String("reference", receipt.Reference),
		zap.Int("walls", len(summary.Selections)),
	)
	return Result{
		Success:          true,
		Message:          firstNonEmpty(receipt.Message, msgDelivered),
		ExportID:         id,
		Reference:        receipt.Reference,
		RenderedImageRef: imageRef,
	}, nil
}

func validateContact(c Contact) (string, bool) {
	if c.Name == "" || c.Email == "" || c.Phone == "" {
		return msgContactRequired, false
	}
	if !emailPattern.MatchString(c.Email) {
		return msgInvalidEmail, false
	}
	return "", true
}

// snapshotRef uploads a rendered preview and returns its signed URL. Any failure falls
// back to the render URL, which reproduces the same image on demand.
func (s *Service) snapshotRef(ctx context.Context, id string, at time.Time, sel Selection) string {
	fallback := RenderURL(s.renderPath, sel)
	if s.renderer == nil || s.objects == nil || s.signer == nil || s.bucket == "" || s.masks == nil {
		return fallback
	}
	logger := s.logger.With(zap.String("exportId", id))

	paths, err := s.masks.ResolveMasks(ctx, sel.Variant)
	if err != nil {
		logger.Warn("snapshot masks unavailable", zap.Error(err))
		return fallback
	}
	png, err := s.renderer.EncodePNG(ctx, composite.RenderRequest{
		Variant:     sel.Variant,
		Masks:       paths,
		Mode:        composite.ModeAdvanced,
		Assignments: sel.Assignments,
	})
	if err != nil {
		logger.Warn("snapshot render failed", zap.Error(err))
		return fallback
	}
	object, err := storage.ExportSnapshotPath(at, id, snapshotFileName)
	if err != nil {
		logger.Warn("snapshot path invalid", zap.Error(err))
		return fallback
	}
	if err := s.objects.Put(ctx, s.bucket, object, "image/png", png); err != nil {
		logger.Warn("snapshot upload failed", zap.Error(err))
		return fallback
	}
	signed, err := s.signer.DownloadURL(ctx, s.bucket, object, storage.DownloadOptions{
		ExpiresIn:    s.signedTTL,
		ResponseType: "image/png",
	})
	if err != nil {
		logger.Warn("snapshot signing failed", zap.Error(err))
		return fallback
	}
	return signed.URL
}

// RenderURL returns the stateless render endpoint URL reproducing sel's advanced view.
func RenderURL(path string, sel Selection) string {
	query := url.Values{}
	query.Set("room", sel.Room.Type)
	query.Set("variant", sel.Variant.Name)
	query.Set("mode", composite.ModeAdvanced)
	for wall, hex := range sel.Assignments {
		query.Set("a."+wall, hex)
	}
	return path + "?" + query.Encode()
}
