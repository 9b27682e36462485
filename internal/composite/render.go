package composite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"sort"

	"cogentcore.org/core/paint/ppath"
	"github.com/anthonynsimon/bild/blend"
	"github.com/anthonynsimon/bild/transform"
	"github.com/lucasb-eyer/go-colorful"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/masks"
	"finitefield.org/colour-visualiser/internal/platform/observability"
)

const maxPhotoBytes = 16 << 20

// Render modes.
const (
	ModeSingle   = "single"
	ModeAdvanced = "advanced"
)

var (
	// ErrInvalidRequest indicates the render request cannot be satisfied as given.
	ErrInvalidRequest = errors.New("composite: invalid render request")
	// ErrNoPhoto indicates the variant's main image could not be loaded.
	ErrNoPhoto = errors.New("composite: photo unavailable")
)

// RenderRequest describes one snapshot.
type RenderRequest struct {
	Variant catalog.Variant
	Masks   masks.Masks
	Mode    string
	// Colour and WallKeys drive single mode. Empty WallKeys paints every wall.
	Colour   string
	WallKeys []string
	// Assignments drive advanced mode.
	Assignments map[string]string
}

// RendererDeps bundles constructor inputs for the Renderer.
type RendererDeps struct {
	Photos catalog.Source
	Logger *zap.Logger
}

// Renderer rasterises the same scene the browser composites: the cover-scaled photo with
// a multiply-blended colour inside each wall mask.
type Renderer struct {
	photos catalog.Source
	logger *zap.Logger
}

// NewRenderer constructs a Renderer.
func NewRenderer(deps RendererDeps) (*Renderer, error) {
	if deps.Photos == nil {
		return nil, errors.New("composite renderer: photo source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{photos: deps.Photos, logger: logger.Named("composite")}, nil
}

// Render produces the composited snapshot.
func (r *Renderer) Render(ctx context.Context, req RenderRequest) (img image.Image, err error) {
	ctx, span := observability.StartSpan(ctx, "composite.Render",
		attribute.String("variant", req.Variant.Name),
		attribute.String("mode", req.Mode),
	)
	defer func() { observability.EndSpan(span, err) }()

	layers, err := layersFor(req)
	if err != nil {
		return nil, err
	}
	if req.Variant.MainImage == "" {
		return nil, fmt.Errorf("%w: variant %q has no main image", ErrNoPhoto, req.Variant.Name)
	}
	photo, err := r.loadPhoto(ctx, req.Variant.MainImage)
	if err != nil {
		return nil, err
	}

	canvas := coverScale(photo, Width, Height)
	for _, layer := range layers {
		fill, ok := catalog.NormaliseHex(layer.fill)
		if !ok {
			r.logger.Debug("skipping layer with invalid colour", zap.String("wall", layer.wall), zap.String("fill", layer.fill))
			continue
		}
		path, err := parseWallPath(layer.path)
		if err != nil {
			r.logger.Warn("skipping unparsable wall mask", zap.String("variant", req.Variant.Name), zap.String("wall", layer.wall), zap.Error(err))
			continue
		}
		canvas = paint(canvas, path, hexColour(fill))
	}
	return canvas, nil
}

// EncodePNG renders and encodes the snapshot.
func (r *Renderer) EncodePNG(ctx context.Context, req RenderRequest) ([]byte, error) {
	img, err := r.Render(ctx, req)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("composite: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

type renderLayer struct {
	wall string
	path string
	fill string
}

func layersFor(req RenderRequest) ([]renderLayer, error) {
	switch req.Mode {
	case "", ModeAdvanced:
		keys := make([]string, 0, len(req.Assignments))
		for key := range req.Assignments {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var out []renderLayer
		for _, key := range keys {
			d, ok := req.Masks[key]
			if !ok || req.Assignments[key] == "" {
				continue
			}
			out = append(out, renderLayer{wall: key, path: d, fill: req.Assignments[key]})
		}
		return out, nil
	case ModeSingle:
		if req.Colour == "" {
			return nil, nil
		}
		keys := req.WallKeys
		if len(keys) == 0 {
			keys = req.Variant.WallKeys()
		}
		// All walls share one fill, so they are combined into one path.
		var combined []byte
		for _, key := range keys {
			d, ok := req.Masks[key]
			if !ok {
				continue
			}
			if len(combined) > 0 {
				combined = append(combined, ' ')
			}
			combined = append(combined, d...)
		}
		if len(combined) == 0 {
			return nil, nil
		}
		return []renderLayer{{wall: "*", path: string(combined), fill: req.Colour}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}
}

func (r *Renderer) loadPhoto(ctx context.Context, name string) (image.Image, error) {
	rc, err := r.photos.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoPhoto, err)
	}
	defer rc.Close()
	img, _, err := image.Decode(io.LimitReader(rc, maxPhotoBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrNoPhoto, name, err)
	}
	return img, nil
}

// coverScale scales src to cover a w by h canvas, centred and cropped.
func coverScale(src image.Image, w, h int) *image.RGBA {
	b := src.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	if b.Dx() == 0 || b.Dy() == 0 {
		return canvas
	}
	scale := max(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
	dw := int(float64(b.Dx())*scale + 0.5)
	dh := int(float64(b.Dy())*scale + 0.5)
	scaled := transform.Resize(src, dw, dh, transform.Linear)
	offset := image.Pt((dw-w)/2, (dh-h)/2)
	draw.Draw(canvas, canvas.Bounds(), scaled, offset, draw.Src)
	return canvas
}

// paint multiplies fill into canvas inside path at LayerOpacity.
func paint(canvas *image.RGBA, path ppath.Path, fill color.RGBA) *image.RGBA {
	bounds := canvas.Bounds()
	mask := rasterise(path, bounds.Dx(), bounds.Dy())

	solid := image.NewRGBA(bounds)
	draw.Draw(solid, bounds, image.NewUniform(fill), image.Point{}, draw.Src)
	multiplied := blend.Multiply(canvas, solid)

	for i, a := range mask.Pix {
		mask.Pix[i] = uint8(float64(a)*LayerOpacity + 0.5)
	}
	draw.DrawMask(canvas, bounds, multiplied, image.Point{}, mask, image.Point{}, draw.Over)
	return canvas
}

func hexColour(hex string) color.RGBA {
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.RGBA{A: 0xff}
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}
