package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"testing/fstest"

	"finitefield.org/colour-visualiser/internal/catalog"
)

const roomManifest = `[
  {
    "roomType": "bedroom",
    "label": "Bedroom",
    "variants": [
      {
        "name": "kidsRoom1",
        "label": "Kids Room 1",
        "mainImage": "/rooms/kidsRoom1/main.png",
        "walls": {
          "left": "/rooms/kidsRoom1/left.svg",
          "right": "/rooms/kidsRoom1/right.svg",
          "roof": "/rooms/kidsRoom1/roof.svg"
        }
      }
    ]
  },
  {
    "roomType": "kitchen",
    "label": "Kitchen",
    "variants": [
      {
        "name": "kitchen1",
        "label": "Kitchen 1",
        "mainImage": "/rooms/kitchen1/main.png",
        "walls": {"front": "/rooms/kitchen1/front.svg"}
      }
    ]
  }
]`

const brandManifest = `[
  {"id": "dulux", "name": "Dulux", "logo": "/logos/dulux.png"},
  {"id": "nerolac", "name": "Nerolac", "logo": "/logos/nerolac.png"}
]`

const duluxColours = `{
  "brand": "Dulux",
  "colorTypes": {
    "Blues": [
      {"colorName": "Sky", "colorCode": "D3", "colorHex": "#87CEEB"},
      {"colorName": "Navy", "colorCode": "D5", "colorHex": "#000080"}
    ],
    "Whites": [
      {"colorName": "Ivory", "colorCode": "D1", "colorHex": "#FFFFF0"}
    ]
  }
}`

// CatalogFS returns a small catalog: a bedroom with one three-wall variant, a kitchen,
// and two brands of which only dulux has colours. Photos are solid 1280x720 PNGs.
func CatalogFS(t testing.TB) fstest.MapFS {
	t.Helper()

	photo := SolidPNG(t, 1280, 720, color.RGBA{R: 200, G: 200, B: 200, A: 255})
	return fstest.MapFS{
		catalog.RoomManifestFile:         {Data: []byte(roomManifest)},
		catalog.BrandManifestFile:        {Data: []byte(brandManifest)},
		catalog.BrandColourFile("dulux"): {Data: []byte(duluxColours)},
		"rooms/kidsRoom1/main.png":       {Data: photo},
		"rooms/kidsRoom1/left.svg":       {Data: []byte(maskSVG("M0 0 H 400 V 720 H 0 Z"))},
		"rooms/kidsRoom1/right.svg":      {Data: []byte(maskSVG("M880 0 H 1280 V 720 H 880 Z"))},
		"rooms/kidsRoom1/roof.svg":       {Data: []byte(maskSVG("M400 0 H 880 V 120 H 400 Z"))},
		"rooms/kitchen1/main.png":        {Data: photo},
		"rooms/kitchen1/front.svg":       {Data: []byte(maskSVG("M100 100 H 1180 V 620 H 100 Z"))},
		"logos/dulux.png":                {Data: SolidPNG(t, 8, 8, color.White)},
	}
}

// SolidPNG encodes a w x h image filled with c.
func SolidPNG(t testing.TB, w, h int, c color.Color) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func maskSVG(d string) string {
	return `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 1280 720"><path d="` + d + `" fill="#000"/></svg>`
}
