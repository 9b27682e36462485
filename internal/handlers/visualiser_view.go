package handlers

import (
	"fmt"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/composite"
	"finitefield.org/colour-visualiser/internal/masks"
	"finitefield.org/colour-visualiser/internal/wizard"
)

// PageData is the view model shared by the full page and the htmx wizard fragment.
type PageData struct {
	Title       string
	Step        int
	StepSlug    string
	StepTitle   string
	Breadcrumbs []CrumbView
	CSRFToken   string
	CanBack     bool
	CanNext     bool
	Notice      string

	Rooms    RoomsView
	Variants VariantsView
	Brands   BrandsView
	Colours  ColoursView
	Preview  PreviewView
}

// CrumbView is one breadcrumb link.
type CrumbView struct {
	Label    string
	URL      string
	IsActive bool
}

// RoomsView backs the room type step.
type RoomsView struct {
	Status string
	Items  []RoomCard
}

// RoomCard is one selectable room type.
type RoomCard struct {
	Type     string
	Label    string
	Image    string
	Variants int
	Selected bool
}

// VariantsView backs the variant step.
type VariantsView struct {
	RoomLabel string
	Items     []VariantCard
}

// VariantCard is one selectable variant.
type VariantCard struct {
	Name     string
	Label    string
	Image    string
	Walls    int
	Selected bool
}

// BrandsView backs the brand step.
type BrandsView struct {
	Status string
	Items  []BrandCard
}

// BrandCard is one selectable brand.
type BrandCard struct {
	ID       string
	Name     string
	Logo     string
	Selected bool
}

// ColoursView backs the colour picking step.
type ColoursView struct {
	BrandName   string
	Status      string
	Types       []ColourTypeTab
	ActiveType  string
	Swatches    []SwatchView
	Palette     []SwatchView
	PaletteMax  int
	PaletteFull bool
}

// ColourTypeTab is one colour category of the brand.
type ColourTypeTab struct {
	Name   string
	Count  int
	Active bool
}

// SwatchView is a swatch as rendered in the picker or palette.
type SwatchView struct {
	Name      string
	Code      string
	Hex       string
	InPalette bool
}

// PreviewView backs the final preview step.
type PreviewView struct {
	RoomLabel    string
	VariantLabel string
	BrandName    string
	Scene        composite.Scene
	Walls        []WallControl
	Palette      []SwatchView
	RenderURL    string
	MaskErrors   []string
	Assigned     int
}

// WallControl is the colour selector of one wall.
type WallControl struct {
	Key      string
	Label    string
	Current  string
	State    composite.WallState
	Options  []ColourOption
	Disabled bool
}

// ColourOption is one choice in a wall selector.
type ColourOption struct {
	Hex      string
	Label    string
	Selected bool
}

func stepURL(step wizard.Step) string {
	return visualiserPrefix + "/" + step.Slug()
}

func crumbViews(crumbs []wizard.Breadcrumb) []CrumbView {
	out := make([]CrumbView, 0, len(crumbs))
	for _, c := range crumbs {
		out = append(out, CrumbView{Label: c.Label, URL: stepURL(c.Step), IsActive: c.IsActive})
	}
	return out
}

func roomsView(snap catalog.Snapshot, state *wizard.State) RoomsView {
	view := RoomsView{Status: snap.Statuses().Rooms.String()}
	for _, room := range snap.Rooms {
		card := RoomCard{
			Type:     room.Type,
			Label:    room.Label,
			Variants: len(room.Variants),
			Selected: room.Type == state.RoomType,
		}
		if card.Label == "" {
			card.Label = room.Type
		}
		if len(room.Variants) > 0 {
			card.Image = room.Variants[0].MainImage
		}
		view.Items = append(view.Items, card)
	}
	return view
}

func variantsView(ctl *wizard.Controller) VariantsView {
	room, ok := ctl.Room()
	if !ok {
		return VariantsView{}
	}
	view := VariantsView{RoomLabel: room.Label}
	for _, v := range room.Variants {
		label := v.Label
		if label == "" {
			label = v.Name
		}
		view.Items = append(view.Items, VariantCard{
			Name:     v.Name,
			Label:    label,
			Image:    v.MainImage,
			Walls:    len(v.Walls),
			Selected: v.Name == ctl.State().VariantName,
		})
	}
	return view
}

func brandsView(snap catalog.Snapshot, state *wizard.State) BrandsView {
	view := BrandsView{Status: snap.Statuses().Brands.String()}
	for _, b := range snap.Brands {
		view.Items = append(view.Items, BrandCard{
			ID:       b.ID,
			Name:     b.Name,
			Logo:     b.Logo,
			Selected: b.ID == state.BrandID,
		})
	}
	return view
}

func coloursView(ctl *wizard.Controller, status catalog.Status) ColoursView {
	state := ctl.State()
	view := ColoursView{
		Status:      status.String(),
		ActiveType:  state.ColourType,
		PaletteMax:  wizard.MaxPalette,
		PaletteFull: len(state.Palette) >= wizard.MaxPalette,
	}
	brand, ok := ctl.Brand()
	if ok {
		view.BrandName = brand.Name
		for _, name := range brand.TypeOrder {
			view.Types = append(view.Types, ColourTypeTab{
				Name:   name,
				Count:  len(brand.ColourTypes[name]),
				Active: name == state.ColourType,
			})
		}
		for _, sw := range brand.ColourTypes[state.ColourType] {
			view.Swatches = append(view.Swatches, SwatchView{
				Name:      sw.Name,
				Code:      sw.Code,
				Hex:       sw.Hex,
				InPalette: containsSwatch(state.Palette, sw),
			})
		}
	}
	view.Palette = paletteViews(state.Palette)
	return view
}

func previewView(ctl *wizard.Controller, resolved masks.Result) PreviewView {
	state := ctl.State()
	view := PreviewView{Palette: paletteViews(state.Palette), Assigned: len(state.Assignments)}
	if room, ok := ctl.Room(); ok {
		view.RoomLabel = room.Label
	}
	if brand, ok := ctl.Brand(); ok {
		view.BrandName = brand.Name
	}
	variant, ok := ctl.Variant()
	if !ok {
		return view
	}
	view.VariantLabel = variant.Label
	view.Scene = composite.BuildScene(variant, resolved, state.Assignments)
	view.MaskErrors = resolved.ErrorKeys()

	for _, row := range view.Scene.Walls {
		control := WallControl{
			Key:      row.WallKey,
			Label:    row.Label,
			Current:  row.Fill,
			State:    row.State,
			Disabled: row.State == composite.WallError,
		}
		control.Options = append(control.Options, ColourOption{Hex: "", Label: "Unpainted", Selected: row.Fill == ""})
		control.Options = append(control.Options, ColourOption{Hex: catalog.White, Label: "White", Selected: row.Fill == catalog.White})
		for _, hex := range state.PaletteHexes() {
			label := hex
			if sw, ok := state.SwatchFor(hex); ok {
				label = fmt.Sprintf("%s (%s)", sw.Name, sw.Code)
			}
			control.Options = append(control.Options, ColourOption{Hex: hex, Label: label, Selected: row.Fill == hex})
		}
		view.Walls = append(view.Walls, control)
	}
	return view
}

func paletteViews(palette []catalog.Swatch) []SwatchView {
	out := make([]SwatchView, 0, len(palette))
	for _, sw := range palette {
		out = append(out, SwatchView{Name: sw.Name, Code: sw.Code, Hex: sw.Hex, InPalette: true})
	}
	return out
}

func containsSwatch(palette []catalog.Swatch, sw catalog.Swatch) bool {
	for _, existing := range palette {
		if existing.SameAs(sw) {
			return true
		}
	}
	return false
}
