package wizard

import (
	"fmt"
	"math/rand/v2"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/composite"
)

// Catalog is the read-only catalog view the controller validates against.
type Catalog interface {
	Room(roomType string) (catalog.Room, bool)
	Variant(roomType, name string) (catalog.Variant, bool)
	Brand(id string) (catalog.Brand, bool)
}

// Controller is the single writer of a State. Every method runs inside one request and
// touches no I/O.
type Controller struct {
	state   *State
	catalog Catalog
}

// NewController binds a controller to state. A nil state panics on first use.
func NewController(state *State, cat Catalog) *Controller {
	if state.Assignments == nil {
		state.Assignments = map[string]string{}
	}
	if state.Step == 0 {
		state.Step = FirstStep
	}
	return &Controller{state: state, catalog: cat}
}

// State returns the controlled state.
func (c *Controller) State() *State { return c.state }

// Step returns the stored step.
func (c *Controller) Step() Step { return c.state.Step }

// Enter moves to step n when every earlier prerequisite holds, and otherwise to the
// first step whose prerequisite fails. The effective step is stored and returned.
func (c *Controller) Enter(n Step) Step {
	effective := c.reachable(n)
	c.state.Step = effective
	return effective
}

// CanEnter reports whether Enter(n) would land on n.
func (c *Controller) CanEnter(n Step) bool {
	return n >= FirstStep && n <= LastStep && c.reachable(n) == n
}

func (c *Controller) reachable(n Step) Step {
	n = n.Clamp()
	for step := StepVariant; step <= n; step++ {
		if !c.prerequisiteMet(step) {
			return step - 1
		}
	}
	return n
}

// prerequisiteMet reports whether step can be entered given that every earlier step can.
func (c *Controller) prerequisiteMet(step Step) bool {
	s := c.state
	switch step {
	case StepVariant:
		return s.RoomType != ""
	case StepBrand:
		return s.VariantName != ""
	case StepColours:
		return s.BrandID != ""
	case StepFinalPreview:
		if len(s.Palette) == 0 {
			return false
		}
		_, ok := c.catalog.Variant(s.RoomType, s.VariantName)
		return ok
	default:
		return true
	}
}

// Next enters the following step.
func (c *Controller) Next() Step { return c.Enter(c.state.Step + 1) }

// Back enters the previous step.
func (c *Controller) Back() Step { return c.Enter(c.state.Step - 1) }

// SelectRoomType chooses a room. The variant and its assignments are cleared and the
// wizard moves to variant selection. Unknown room types are ignored.
func (c *Controller) SelectRoomType(roomType string) bool {
	if _, ok := c.catalog.Room(roomType); !ok {
		return false
	}
	c.state.RoomType = roomType
	c.state.VariantName = ""
	c.state.ResetAssignments()
	c.Enter(StepVariant)
	return true
}

// SelectVariant chooses a variant of the selected room and prunes assignments to its
// walls.
func (c *Controller) SelectVariant(name string) bool {
	variant, ok := c.catalog.Variant(c.state.RoomType, name)
	if !ok {
		return false
	}
	c.state.VariantName = name
	c.state.PruneAssignments(variant.WallKeys())
	c.Enter(StepBrand)
	return true
}

// SelectBrand chooses a paint brand. Switching to a different brand empties the
// palette, assignments and colour type; re-selecting the current brand keeps them.
func (c *Controller) SelectBrand(id string) bool {
	brand, ok := c.catalog.Brand(id)
	if !ok {
		return false
	}
	if c.state.BrandID != id {
		c.state.Palette = nil
		c.state.ResetAssignments()
		c.state.ColourType = ""
	}
	c.state.BrandID = id
	c.defaultColourType(brand)
	c.Enter(StepColours)
	return true
}

// SelectColourType picks one of the selected brand's loaded colour types.
func (c *Controller) SelectColourType(category string) bool {
	brand, ok := c.catalog.Brand(c.state.BrandID)
	if !ok || !brand.HasColourType(category) {
		return false
	}
	c.state.ColourType = category
	return true
}

// EnsureColourType selects the brand's first colour type when none is selected or the
// selected one is no longer offered. It is called once brand colours have loaded.
func (c *Controller) EnsureColourType() {
	brand, ok := c.catalog.Brand(c.state.BrandID)
	if !ok {
		return
	}
	c.defaultColourType(brand)
}

func (c *Controller) defaultColourType(brand catalog.Brand) {
	if !brand.Loaded() {
		return
	}
	if brand.HasColourType(c.state.ColourType) {
		return
	}
	c.state.ColourType = ""
	if len(brand.TypeOrder) > 0 {
		c.state.ColourType = brand.TypeOrder[0]
	}
}

// AddColour adds a swatch to the palette.
func (c *Controller) AddColour(sw catalog.Swatch) bool {
	return c.state.AddColour(sw)
}

// RemoveColour removes a palette colour and the assignments that depended on it.
func (c *Controller) RemoveColour(hex string) bool {
	return c.state.RemoveColour(hex)
}

// AssignColour paints one wall of the current variant.
func (c *Controller) AssignColour(wallKey, hex string) bool {
	variant, ok := c.Variant()
	if !ok {
		return false
	}
	return c.state.AssignColour(variant, wallKey, hex)
}

// ClearWall leaves one wall unpainted.
func (c *Controller) ClearWall(wallKey string) bool {
	return c.state.ClearWall(wallKey)
}

// BulkAssign replaces all assignments with the valid subset of mapping.
func (c *Controller) BulkAssign(mapping map[string]string) int {
	variant, ok := c.Variant()
	if !ok {
		return 0
	}
	return c.state.BulkAssign(variant, mapping)
}

// ResetAssignments clears every wall.
func (c *Controller) ResetAssignments() {
	c.state.ResetAssignments()
}

// Magic paints every non-excluded wall with a random palette colour.
func (c *Controller) Magic(rng *rand.Rand, excluded []string) int {
	variant, ok := c.Variant()
	if !ok {
		return 0
	}
	mapping := composite.MagicAssign(c.state.PaletteHexes(), variant.WallKeys(), excluded, rng)
	return c.state.BulkAssign(variant, mapping)
}

// Room returns the selected room.
func (c *Controller) Room() (catalog.Room, bool) {
	return c.catalog.Room(c.state.RoomType)
}

// Variant returns the selected variant.
func (c *Controller) Variant() (catalog.Variant, bool) {
	return c.catalog.Variant(c.state.RoomType, c.state.VariantName)
}

// Brand returns the selected brand.
func (c *Controller) Brand() (catalog.Brand, bool) {
	return c.catalog.Brand(c.state.BrandID)
}

// Breadcrumb is one entry of the wizard trail.
type Breadcrumb struct {
	Label    string
	Step     Step
	Slug     string
	IsActive bool
}

// Breadcrumbs returns one entry per step up to the current one, labelled with the choice
// made at that step when there is one.
func (c *Controller) Breadcrumbs() []Breadcrumb {
	current := c.state.Step.Clamp()
	crumbs := make([]Breadcrumb, 0, int(current))
	for step := FirstStep; step <= current; step++ {
		crumbs = append(crumbs, Breadcrumb{
			Label:    c.crumbLabel(step),
			Step:     step,
			Slug:     step.Slug(),
			IsActive: step == current,
		})
	}
	return crumbs
}

func (c *Controller) crumbLabel(step Step) string {
	s := c.state
	switch step {
	case StepRoomType:
		if s.RoomType == "" {
			break
		}
		label := s.RoomType
		if room, ok := c.catalog.Room(s.RoomType); ok && room.Label != "" {
			label = room.Label
		}
		return fmt.Sprintf("Change Room Type (%s)", label)
	case StepVariant:
		if s.VariantName == "" {
			break
		}
		label := s.VariantName
		if variant, ok := c.catalog.Variant(s.RoomType, s.VariantName); ok && variant.Label != "" {
			label = variant.Label
		}
		return fmt.Sprintf("Change Room Variant (%s)", label)
	case StepBrand:
		if s.BrandID == "" {
			break
		}
		label := s.BrandID
		if brand, ok := c.catalog.Brand(s.BrandID); ok && brand.Name != "" {
			label = brand.Name
		}
		return fmt.Sprintf("Change Paint Brand (%s)", label)
	case StepColours:
		if len(s.Palette) == 0 {
			break
		}
		return fmt.Sprintf("Change Colours (%d Selected)", len(s.Palette))
	case StepFinalPreview:
		return "Final Preview"
	}
	return step.Title()
}
