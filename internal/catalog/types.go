package catalog

import (
	"sort"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// White is the reset colour every wall accepts regardless of the palette.
const White = "#FFFFFF"

// Swatch is one purchasable paint colour.
type Swatch struct {
	Name string `json:"colorName" yaml:"colorName"`
	Code string `json:"colorCode" yaml:"colorCode"`
	Hex  string `json:"colorHex" yaml:"colorHex"`
}

// SameAs reports whether both swatches denote the same paint. Hex is not part of the identity.
func (s Swatch) SameAs(other Swatch) bool {
	return s.Name == other.Name && s.Code == other.Code
}

// Variant is one photographed room layout with its paintable walls.
type Variant struct {
	Name      string            `json:"name" yaml:"name"`
	Label     string            `json:"label" yaml:"label"`
	MainImage string            `json:"mainImage" yaml:"mainImage"`
	Walls     map[string]string `json:"walls" yaml:"walls"`
}

// WallKeys returns the variant's wall keys in sorted order.
func (v Variant) WallKeys() []string {
	keys := make([]string, 0, len(v.Walls))
	for key := range v.Walls {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// HasWall reports whether key names a wall of this variant.
func (v Variant) HasWall(key string) bool {
	_, ok := v.Walls[key]
	return ok
}

// Room groups the variants of one room type.
type Room struct {
	Type     string    `json:"roomType" yaml:"roomType"`
	Label    string    `json:"label" yaml:"label"`
	Variants []Variant `json:"variants" yaml:"variants"`
}

// Variant looks up a variant by name.
func (r Room) Variant(name string) (Variant, bool) {
	for _, v := range r.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// Brand is a paint brand. ColourTypes stays nil until the brand's colour data is loaded.
type Brand struct {
	ID          string              `json:"id" yaml:"id"`
	Name        string              `json:"name" yaml:"name"`
	Logo        string              `json:"logo" yaml:"logo"`
	ColourTypes map[string][]Swatch `json:"-" yaml:"-"`
	// TypeOrder lists ColourTypes keys in file order.
	TypeOrder []string `json:"-" yaml:"-"`
}

// HasColourType reports whether category is one of the loaded colour types.
func (b Brand) HasColourType(category string) bool {
	_, ok := b.ColourTypes[category]
	return ok
}

// Loaded reports whether colour data has been attached.
func (b Brand) Loaded() bool {
	return b.ColourTypes != nil
}

// FindSwatch returns the swatch with the given code, searching category first when set.
func (b Brand) FindSwatch(category, code string) (Swatch, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Swatch{}, false
	}
	if category != "" {
		for _, s := range b.ColourTypes[category] {
			if s.Code == code {
				return s, true
			}
		}
	}
	for _, name := range b.TypeOrder {
		for _, s := range b.ColourTypes[name] {
			if s.Code == code {
				return s, true
			}
		}
	}
	return Swatch{}, false
}

// TotalColours counts every swatch across colour types.
func (b Brand) TotalColours() int {
	total := 0
	for _, swatches := range b.ColourTypes {
		total += len(swatches)
	}
	return total
}

// Status reports the load state of a catalog resource.
type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "loading"
	}
}

// NormaliseHex returns value as upper-case #RRGGBB. Three digit forms are expanded and
// the leading # is optional on input.
func NormaliseHex(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	if !strings.HasPrefix(value, "#") {
		value = "#" + value
	}
	if len(value) != 4 && len(value) != 7 {
		return "", false
	}
	c, err := colorful.Hex(value)
	if err != nil {
		return "", false
	}
	return strings.ToUpper(c.Hex()), true
}
