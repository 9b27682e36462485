package wizard

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"testing"

	"finitefield.org/colour-visualiser/internal/catalog"
)

func testCatalog() catalog.Snapshot {
	rooms := []catalog.Room{
		{
			Type:  "bedroom",
			Label: "Bedroom",
			Variants: []catalog.Variant{
				{Name: "bedroom1", Label: "Bedroom 1", MainImage: "/rooms/bedroom1/main.jpg", Walls: map[string]string{
					"left":   "/rooms/bedroom1/left.svg",
					"right":  "/rooms/bedroom1/right.svg",
					"window": "/rooms/bedroom1/window.svg",
				}},
				{Name: "bedroom2", Label: "Bedroom 2", MainImage: "/rooms/bedroom2/main.jpg", Walls: map[string]string{
					"front": "/rooms/bedroom2/front.svg",
					"left":  "/rooms/bedroom2/left.svg",
					"roof":  "/rooms/bedroom2/roof.svg",
				}},
			},
		},
		{
			Type:  "kitchen",
			Label: "Kitchen",
			Variants: []catalog.Variant{
				{Name: "kitchen1", Label: "Kitchen 1", MainImage: "/rooms/kitchen1/main.jpg", Walls: map[string]string{
					"front": "/rooms/kitchen1/front.svg",
				}},
			},
		},
	}
	brands := []catalog.Brand{
		{
			ID:   "dulux",
			Name: "Dulux",
			ColourTypes: map[string][]catalog.Swatch{
				"Whites": {{Name: "Chalk", Code: "W1", Hex: "#F4F1EA"}},
				"Blues":  {{Name: "Sky", Code: "B1", Hex: "#87CEEB"}},
			},
			TypeOrder: []string{"Whites", "Blues"},
		},
		{ID: "nerolac", Name: "Nerolac"},
	}
	return catalog.NewSnapshot(rooms, brands)
}

func swatch(hex string) catalog.Swatch {
	return catalog.Swatch{Name: "Colour " + hex, Code: hex[1:], Hex: hex}
}

// readyController returns a controller at the colours step for bedroom1 and dulux.
func readyController(t *testing.T) *Controller {
	t.Helper()
	state := NewState()
	c := NewController(&state, testCatalog())
	if !c.SelectRoomType("bedroom") || !c.SelectVariant("bedroom1") || !c.SelectBrand("dulux") {
		t.Fatalf("failed to prepare controller: %+v", state)
	}
	if c.Step() != StepColours {
		t.Fatalf("expected colours step, got %d", c.Step())
	}
	return c
}

func TestBedroomScenario(t *testing.T) {
	c := readyController(t)

	if !c.AddColour(swatch("#112233")) || !c.AddColour(swatch("#445566")) {
		t.Fatalf("failed to add colours")
	}
	if !c.AssignColour("left", "#112233") || !c.AssignColour("window", "#445566") {
		t.Fatalf("failed to assign colours")
	}
	if c.Next() != StepFinalPreview {
		t.Fatalf("expected final preview, got %d", c.Step())
	}

	if !c.RemoveColour("#112233") {
		t.Fatalf("failed to remove colour")
	}
	want := map[string]string{"window": "#445566"}
	if !reflect.DeepEqual(c.State().Assignments, want) {
		t.Fatalf("expected %v, got %v", want, c.State().Assignments)
	}
}

func TestPaletteIsBoundedAndDeduplicated(t *testing.T) {
	state := NewState()
	for i := 0; i < MaxPalette+3; i++ {
		state.AddColour(swatch(fmt.Sprintf("#0000%02X", i)))
	}
	if len(state.Palette) != MaxPalette {
		t.Fatalf("expected palette of %d, got %d", MaxPalette, len(state.Palette))
	}

	state = NewState()
	if !state.AddColour(swatch("#abcdef")) {
		t.Fatalf("expected first add to succeed")
	}
	if state.AddColour(swatch("#ABCDEF")) {
		t.Fatalf("expected duplicate swatch to be rejected")
	}
	if state.AddColour(catalog.Swatch{Name: "Bad", Code: "X", Hex: "blue"}) {
		t.Fatalf("expected invalid hex to be rejected")
	}
	if got := state.Palette[0].Hex; got != "#ABCDEF" {
		t.Fatalf("expected canonical hex, got %s", got)
	}
}

func TestRemoveColourKeepsAssignmentsWhenHexStillInPalette(t *testing.T) {
	c := readyController(t)
	c.AddColour(catalog.Swatch{Name: "Navy", Code: "N1", Hex: "#112233"})
	c.AddColour(catalog.Swatch{Name: "Midnight", Code: "M1", Hex: "#112233"})
	if !c.AssignColour("left", "#112233") {
		t.Fatalf("failed to assign")
	}

	c.RemoveColour("#112233")
	if got := c.State().Assignments["left"]; got != "#112233" {
		t.Fatalf("expected assignment to survive, got %q", got)
	}
	c.RemoveColour("#112233")
	if len(c.State().Assignments) != 0 {
		t.Fatalf("expected assignment to be dropped, got %v", c.State().Assignments)
	}
	if c.RemoveColour("#112233") {
		t.Fatalf("expected removing an absent colour to report false")
	}
}

func TestAssignColourValidation(t *testing.T) {
	c := readyController(t)
	c.AddColour(swatch("#112233"))

	tests := []struct {
		name string
		wall string
		hex  string
		want bool
	}{
		{name: "palette colour", wall: "left", hex: "#112233", want: true},
		{name: "white is always allowed", wall: "right", hex: "#ffffff", want: true},
		{name: "colour outside palette", wall: "left", hex: "#999999", want: false},
		{name: "wall outside variant", wall: "roof", hex: "#112233", want: false},
		{name: "invalid hex", wall: "left", hex: "nope", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.AssignColour(tc.wall, tc.hex); got != tc.want {
				t.Fatalf("AssignColour(%q, %q) = %v, want %v", tc.wall, tc.hex, got, tc.want)
			}
		})
	}
	if got := c.State().Assignments["right"]; got != catalog.White {
		t.Fatalf("expected canonical white, got %q", got)
	}
}

func TestVariantChangePrunesAssignments(t *testing.T) {
	c := readyController(t)
	c.AddColour(swatch("#112233"))
	c.AssignColour("left", "#112233")
	c.AssignColour("window", "#112233")

	c.Enter(StepVariant)
	if !c.SelectVariant("bedroom2") {
		t.Fatalf("failed to select variant")
	}
	want := map[string]string{"left": "#112233"}
	if !reflect.DeepEqual(c.State().Assignments, want) {
		t.Fatalf("expected %v, got %v", want, c.State().Assignments)
	}
	if len(c.State().Palette) != 1 {
		t.Fatalf("expected palette to survive variant change")
	}
}

func TestRoomChangeClearsVariantAndAssignments(t *testing.T) {
	c := readyController(t)
	c.AddColour(swatch("#112233"))
	c.AssignColour("left", "#112233")

	if !c.SelectRoomType("bedroom") {
		t.Fatalf("failed to reselect room")
	}
	s := c.State()
	if s.VariantName != "" || len(s.Assignments) != 0 {
		t.Fatalf("expected variant and assignments cleared, got %+v", s)
	}
	if c.Step() != StepVariant {
		t.Fatalf("expected variant step, got %d", c.Step())
	}
	if c.SelectRoomType("garage") {
		t.Fatalf("expected unknown room to be ignored")
	}
}

func TestBrandChange(t *testing.T) {
	c := readyController(t)
	if got := c.State().ColourType; got != "Whites" {
		t.Fatalf("expected first colour type, got %q", got)
	}
	c.AddColour(swatch("#112233"))
	c.AssignColour("left", "#112233")
	c.SelectColourType("Blues")

	c.SelectBrand("dulux")
	if len(c.State().Palette) != 1 || len(c.State().Assignments) != 1 || c.State().ColourType != "Blues" {
		t.Fatalf("expected reselecting the same brand to keep state, got %+v", c.State())
	}

	c.SelectBrand("nerolac")
	s := c.State()
	if len(s.Palette) != 0 || len(s.Assignments) != 0 || s.ColourType != "" {
		t.Fatalf("expected brand switch to reset palette and assignments, got %+v", s)
	}
	if c.SelectColourType("Whites") {
		t.Fatalf("expected colour type of another brand to be rejected")
	}
}

func TestBulkAssignIsAtomic(t *testing.T) {
	c := readyController(t)
	c.AddColour(swatch("#112233"))
	c.AssignColour("right", "#112233")

	n := c.BulkAssign(map[string]string{
		"left":   "#112233",
		"window": "#FFFFFF",
		"roof":   "#112233",
		"right":  "#999999",
	})
	if n != 2 {
		t.Fatalf("expected two applied entries, got %d", n)
	}
	want := map[string]string{"left": "#112233", "window": "#FFFFFF"}
	if !reflect.DeepEqual(c.State().Assignments, want) {
		t.Fatalf("expected %v, got %v", want, c.State().Assignments)
	}
}

func TestMagicPaintsEveryIncludedWall(t *testing.T) {
	c := readyController(t)
	c.AddColour(swatch("#112233"))
	c.AddColour(swatch("#445566"))

	n := c.Magic(rand.New(rand.NewPCG(3, 4)), []string{"window"})
	if n != 2 {
		t.Fatalf("expected two walls painted, got %d", n)
	}
	if _, ok := c.State().Assignments["window"]; ok {
		t.Fatalf("expected excluded wall to stay unpainted")
	}
	for wall, hex := range c.State().Assignments {
		if !c.State().InPalette(hex) {
			t.Fatalf("wall %s painted with %s outside the palette", wall, hex)
		}
	}
}

func TestEnterFallsBackToFirstUnmetPrerequisite(t *testing.T) {
	t.Run("stale bookmark without a room", func(t *testing.T) {
		state := NewState()
		c := NewController(&state, testCatalog())
		if got := c.Enter(StepVariant); got != StepRoomType {
			t.Fatalf("expected room step, got %d", got)
		}
	})

	t.Run("final preview with an empty palette", func(t *testing.T) {
		c := readyController(t)
		if got := c.Enter(StepFinalPreview); got != StepColours {
			t.Fatalf("expected colours step, got %d", got)
		}
	})

	t.Run("final preview with an unknown variant", func(t *testing.T) {
		state := State{Step: StepFinalPreview, RoomType: "bedroom", VariantName: "gone", BrandID: "dulux", Palette: []catalog.Swatch{swatch("#112233")}}
		c := NewController(&state, testCatalog())
		if got := c.Enter(StepFinalPreview); got != StepColours {
			t.Fatalf("expected colours step, got %d", got)
		}
	})

	t.Run("out of range steps are clamped", func(t *testing.T) {
		state := NewState()
		c := NewController(&state, testCatalog())
		if got := c.Enter(0); got != StepRoomType {
			t.Fatalf("expected room step, got %d", got)
		}
		if got := c.Back(); got != StepRoomType {
			t.Fatalf("expected back from the first step to stay, got %d", got)
		}
	})
}

func TestBreadcrumbs(t *testing.T) {
	c := readyController(t)
	c.AddColour(swatch("#112233"))
	c.AddColour(swatch("#445566"))
	c.Next()

	var labels []string
	for _, crumb := range c.Breadcrumbs() {
		labels = append(labels, crumb.Label)
	}
	want := []string{
		"Change Room Type (Bedroom)",
		"Change Room Variant (Bedroom 1)",
		"Change Paint Brand (Dulux)",
		"Change Colours (2 Selected)",
		"Final Preview",
	}
	if !reflect.DeepEqual(labels, want) {
		t.Fatalf("expected %v, got %v", want, labels)
	}
	crumbs := c.Breadcrumbs()
	if !crumbs[len(crumbs)-1].IsActive || crumbs[0].IsActive {
		t.Fatalf("expected only the last crumb to be active: %+v", crumbs)
	}

	state := NewState()
	fresh := NewController(&state, testCatalog())
	crumbs = fresh.Breadcrumbs()
	if len(crumbs) != 1 || crumbs[0].Label != "Choose a Room Type" {
		t.Fatalf("unexpected crumbs for a fresh visitor: %+v", crumbs)
	}
}

func TestNormaliseRepairsUntrustedState(t *testing.T) {
	state := State{
		Step:        9,
		ColourType:  "Whites",
		RoomType:    "bedroom",
		VariantName: "bedroom1",
		Palette: []catalog.Swatch{
			swatch("#112233"),
			swatch("#112233"),
			{Name: "Bad", Code: "X", Hex: "zz"},
		},
		Assignments: map[string]string{
			"left":  "#112233",
			"right": "#999999",
			"":      "#FFFFFF",
		},
	}
	state.Normalise()

	if state.Step != LastStep {
		t.Fatalf("expected clamped step, got %d", state.Step)
	}
	if len(state.Palette) != 1 {
		t.Fatalf("expected deduplicated palette, got %+v", state.Palette)
	}
	if want := map[string]string{"left": "#112233"}; !reflect.DeepEqual(state.Assignments, want) {
		t.Fatalf("expected %v, got %v", want, state.Assignments)
	}
	if state.ColourType != "" {
		t.Fatalf("expected colour type cleared without a brand")
	}
}

func TestStepSlugsAndTitles(t *testing.T) {
	for _, step := range Steps() {
		if got := StepFromSlug(step.Slug()); got != step {
			t.Fatalf("slug %q mapped to %d, want %d", step.Slug(), got, step)
		}
	}
	if got := StepFromSlug("unknown"); got != FirstStep {
		t.Fatalf("expected unknown slug to map to first step, got %d", got)
	}
	if got := StepColours.PageTitle(); got != "Choose Colours - Advanced Colour Visualiser" {
		t.Fatalf("unexpected page title %q", got)
	}
	if got := Step(42).Slug(); got != "final-preview" {
		t.Fatalf("expected clamped slug, got %q", got)
	}
}

func TestCanEnter(t *testing.T) {
	c := readyController(t)

	if !c.CanEnter(StepColours) || c.CanEnter(StepFinalPreview) {
		t.Fatalf("empty palette must block the preview only")
	}
	if c.CanEnter(0) || c.CanEnter(LastStep+1) {
		t.Fatalf("out of range steps are never enterable")
	}
	c.AddColour(swatch("#112233"))
	if !c.CanEnter(StepFinalPreview) {
		t.Fatalf("expected preview to be enterable once the palette has a colour")
	}
	if c.Step() != StepColours {
		t.Fatalf("CanEnter must not move the wizard, got step %d", c.Step())
	}
}

func TestClearWall(t *testing.T) {
	c := readyController(t)
	c.AddColour(swatch("#112233"))
	c.AssignColour("left", "#112233")
	c.AssignColour("right", "#FFFFFF")

	if !c.ClearWall("left") {
		t.Fatalf("expected left to be cleared")
	}
	if c.ClearWall("left") {
		t.Fatalf("clearing an unpainted wall reports no change")
	}
	if _, ok := c.State().Assignments["left"]; ok {
		t.Fatalf("left still assigned: %v", c.State().Assignments)
	}
	if c.State().Assignments["right"] != "#FFFFFF" {
		t.Fatalf("other walls must be kept: %v", c.State().Assignments)
	}
}
