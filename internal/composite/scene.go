package composite

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/masks"
)

const (
	// Width and Height are the scene's view box dimensions. Wall masks are authored in
	// this coordinate space.
	Width  = 1280
	Height = 720

	// LayerOpacity and LayerBlend describe how a wall colour is laid over the photo.
	LayerOpacity = 0.7
	LayerBlend   = "multiply"
)

// DefaultExcludedWalls are skipped by MagicAssign unless configured otherwise.
var DefaultExcludedWalls = []string{"roof"}

// WallState describes what the scene shows for one wall.
type WallState string

const (
	WallAssigned   WallState = "assigned"
	WallUnassigned WallState = "unassigned"
	WallLoading    WallState = "loading"
	WallError      WallState = "error"
)

// Layer is one colour fill clipped to a wall mask.
type Layer struct {
	WallKey string
	Label   string
	Path    string
	Fill    string
	Opacity float64
	Blend   string
}

// WallRow is the per-wall summary shown next to the scene.
type WallRow struct {
	WallKey string
	Label   string
	Fill    string
	State   WallState
}

// Scene is the view model for the composited preview.
type Scene struct {
	ViewBox   string
	Width     int
	Height    int
	BaseImage string
	Layers    []Layer
	Walls     []WallRow
	// Loading is set while any wall mask is still being resolved.
	Loading bool
}

// BuildScene lays one fill per assigned wall whose mask is resolved. Walls without
// geometry produce no layer; their row reports loading or error instead.
func BuildScene(variant catalog.Variant, resolved masks.Result, assignments map[string]string) Scene {
	scene := Scene{
		ViewBox:   fmt.Sprintf("0 0 %d %d", Width, Height),
		Width:     Width,
		Height:    Height,
		BaseImage: variant.MainImage,
	}
	for _, key := range variant.WallKeys() {
		row := WallRow{WallKey: key, Label: WallLabel(key), Fill: assignments[key]}
		path, hasPath := resolved.Masks[key]
		switch {
		case !hasPath && (resolved.Status[key] == masks.StatusError || resolved.Status[key] == masks.StatusEmpty):
			row.State = WallError
		case !hasPath:
			row.State = WallLoading
			scene.Loading = true
		case row.Fill != "":
			row.State = WallAssigned
			scene.Layers = append(scene.Layers, Layer{
				WallKey: key,
				Label:   row.Label,
				Path:    path,
				Fill:    row.Fill,
				Opacity: LayerOpacity,
				Blend:   LayerBlend,
			})
		default:
			row.State = WallUnassigned
		}
		scene.Walls = append(scene.Walls, row)
	}
	return scene
}

var fixedLabels = map[string]string{
	"front": "Front Wall",
	"left":  "Left Wall",
	"right": "Right Wall",
	"back":  "Back Wall",
	"roof":  "Roof",
}

// WallLabel returns the display name of a wall key.
func WallLabel(key string) string {
	if label, ok := fixedLabels[strings.ToLower(key)]; ok {
		return label
	}
	words := strings.FieldsFunc(key, func(r rune) bool {
		return r == '-' || r == '_' || r == ' '
	})
	// Casers carry state and are not shared between goroutines.
	return cases.Title(language.English).String(strings.Join(words, " "))
}

// MagicAssign picks a uniformly random palette colour for every wall not in excluded.
// An empty palette yields an empty mapping.
func MagicAssign(palette, wallKeys, excluded []string, rng *rand.Rand) map[string]string {
	out := make(map[string]string, len(wallKeys))
	if len(palette) == 0 {
		return out
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	skip := make(map[string]struct{}, len(excluded))
	for _, key := range excluded {
		skip[strings.TrimSpace(key)] = struct{}{}
	}
	for _, key := range wallKeys {
		if _, ok := skip[key]; ok {
			continue
		}
		out[key] = palette[rng.IntN(len(palette))]
	}
	return out
}
