package wizard

import (
	"sort"

	"finitefield.org/colour-visualiser/internal/catalog"
)

// MaxPalette bounds the number of swatches a visitor can collect.
const MaxPalette = 12

// State is the visitor's wizard selection. It travels in the session cookie, so field
// names are kept short.
type State struct {
	Step        Step              `json:"s"`
	RoomType    string            `json:"r,omitempty"`
	VariantName string            `json:"v,omitempty"`
	BrandID     string            `json:"b,omitempty"`
	ColourType  string            `json:"t,omitempty"`
	Palette     []catalog.Swatch  `json:"p,omitempty"`
	Assignments map[string]string `json:"a,omitempty"`
}

// NewState returns the state of a visitor who has not chosen anything yet.
func NewState() State {
	return State{Step: FirstStep, Assignments: map[string]string{}}
}

// Normalise repairs a state decoded from an untrusted source so every invariant holds:
// the step is in range, hex values are canonical, the palette is bounded and free of
// duplicates, and assignments only hold white or palette colours.
func (s *State) Normalise() {
	s.Step = s.Step.Clamp()

	palette := make([]catalog.Swatch, 0, len(s.Palette))
	for _, sw := range s.Palette {
		hex, ok := catalog.NormaliseHex(sw.Hex)
		if !ok || len(palette) >= MaxPalette || containsSwatch(palette, sw) {
			continue
		}
		sw.Hex = hex
		palette = append(palette, sw)
	}
	s.Palette = palette

	assignments := make(map[string]string, len(s.Assignments))
	for wall, value := range s.Assignments {
		hex, ok := catalog.NormaliseHex(value)
		if !ok || wall == "" || !s.assignable(hex) {
			continue
		}
		assignments[wall] = hex
	}
	s.Assignments = assignments

	if s.VariantName == "" && len(s.Assignments) > 0 {
		s.Assignments = map[string]string{}
	}
	if s.BrandID == "" {
		s.ColourType = ""
	}
}

// AddColour appends sw to the palette. A full palette or a swatch already present is
// left unchanged.
func (s *State) AddColour(sw catalog.Swatch) bool {
	hex, ok := catalog.NormaliseHex(sw.Hex)
	if !ok {
		return false
	}
	sw.Hex = hex
	if len(s.Palette) >= MaxPalette || containsSwatch(s.Palette, sw) {
		return false
	}
	s.Palette = append(s.Palette, sw)
	return true
}

// RemoveColour drops the first palette swatch with hex. Assignments holding that hex are
// dropped too, unless another remaining swatch still carries it.
func (s *State) RemoveColour(hex string) bool {
	hex, ok := catalog.NormaliseHex(hex)
	if !ok {
		return false
	}
	idx := -1
	for i, sw := range s.Palette {
		if sw.Hex == hex {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	palette := make([]catalog.Swatch, 0, len(s.Palette)-1)
	palette = append(palette, s.Palette[:idx]...)
	palette = append(palette, s.Palette[idx+1:]...)
	s.Palette = palette

	if s.InPalette(hex) {
		return true
	}
	for wall, assigned := range s.Assignments {
		if assigned == hex {
			delete(s.Assignments, wall)
		}
	}
	return true
}

// AssignColour paints one wall of variant. hex must be white or a palette colour and
// wallKey must belong to variant.
func (s *State) AssignColour(variant catalog.Variant, wallKey, hex string) bool {
	hex, ok := catalog.NormaliseHex(hex)
	if !ok || !variant.HasWall(wallKey) || !s.assignable(hex) {
		return false
	}
	if s.Assignments == nil {
		s.Assignments = map[string]string{}
	}
	s.Assignments[wallKey] = hex
	return true
}

// BulkAssign replaces every assignment with the valid subset of mapping and returns its
// size. Invalid entries are dropped, never partially applied.
func (s *State) BulkAssign(variant catalog.Variant, mapping map[string]string) int {
	next := make(map[string]string, len(mapping))
	for wall, value := range mapping {
		hex, ok := catalog.NormaliseHex(value)
		if !ok || !variant.HasWall(wall) || !s.assignable(hex) {
			continue
		}
		next[wall] = hex
	}
	s.Assignments = next
	return len(next)
}

// ClearWall removes the assignment of one wall.
func (s *State) ClearWall(wallKey string) bool {
	if _, ok := s.Assignments[wallKey]; !ok {
		return false
	}
	delete(s.Assignments, wallKey)
	return true
}

// ResetAssignments clears every wall.
func (s *State) ResetAssignments() {
	s.Assignments = map[string]string{}
}

// PruneAssignments keeps only assignments whose wall is in wallKeys.
func (s *State) PruneAssignments(wallKeys []string) {
	keep := make(map[string]struct{}, len(wallKeys))
	for _, key := range wallKeys {
		keep[key] = struct{}{}
	}
	next := make(map[string]string, len(s.Assignments))
	for wall, hex := range s.Assignments {
		if _, ok := keep[wall]; ok {
			next[wall] = hex
		}
	}
	s.Assignments = next
}

// InPalette reports whether any palette swatch carries hex.
func (s *State) InPalette(hex string) bool {
	for _, sw := range s.Palette {
		if sw.Hex == hex {
			return true
		}
	}
	return false
}

// PaletteHexes returns the palette colours in palette order without duplicates.
func (s *State) PaletteHexes() []string {
	seen := make(map[string]struct{}, len(s.Palette))
	out := make([]string, 0, len(s.Palette))
	for _, sw := range s.Palette {
		if _, ok := seen[sw.Hex]; ok {
			continue
		}
		seen[sw.Hex] = struct{}{}
		out = append(out, sw.Hex)
	}
	return out
}

// SwatchFor returns the first palette swatch carrying hex.
func (s *State) SwatchFor(hex string) (catalog.Swatch, bool) {
	for _, sw := range s.Palette {
		if sw.Hex == hex {
			return sw, true
		}
	}
	return catalog.Swatch{}, false
}

// AssignedWalls returns assigned wall keys, sorted.
func (s *State) AssignedWalls() []string {
	keys := make([]string, 0, len(s.Assignments))
	for key := range s.Assignments {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *State) assignable(hex string) bool {
	return hex == catalog.White || s.InPalette(hex)
}

func containsSwatch(palette []catalog.Swatch, sw catalog.Swatch) bool {
	for _, existing := range palette {
		if existing.SameAs(sw) {
			return true
		}
	}
	return false
}
